package csm

import (
	"context"
	"time"

	"github.com/ironvault/containerraft/pkg/log"
	"github.com/ironvault/containerraft/pkg/metrics"
)

// StartTransactionForClient runs pre-replication validation and splits the
// request into request-view and log-view on the leader.
func (sm *StateMachine) StartTransactionForClient(ctx context.Context, req Command) *TransactionContext {
	start := time.Now()

	if err := sm.dispatcher.ValidateContainerCommand(ctx, req); err != nil {
		if _, notOpen := err.(*ContainerNotOpenError); notOpen {
			metrics.NotOpenVerifyFailures.Inc()
			return &TransactionContext{RequestView: req, StartTime: start, Err: err, ErrKind: ErrContainerNotOpenPreReplication}
		}
		metrics.StartTransactionVerifyFailures.Inc()
		return &TransactionContext{RequestView: req, StartTime: start, Err: err, ErrKind: ErrPreReplicationValidation}
	}

	// Strip the already-verified auth token from the replicated form.
	logView := req.Clone()
	logView.Token = ""

	if req.Kind == KindPutBlock || req.Kind == KindWriteChunk {
		if sm.dispatcher.IsFinalizedBlockExist(req.ContainerID, req.BlockID) {
			metrics.BlockAlreadyFinalizedRejections.Inc()
			return &TransactionContext{
				RequestView: req,
				StartTime:   start,
				Err:         errBlockAlreadyFinalized(req.Block()),
				ErrKind:     ErrKindBlockAlreadyFinalized,
			}
		}
	}

	var sideChannel []byte
	if req.Kind == KindWriteChunk {
		if len(req.Data) == 0 {
			return &TransactionContext{
				RequestView: req, StartTime: start,
				Err: errEmptyChunkPayload(req.Block()), ErrKind: ErrPreReplicationValidation,
			}
		}
		sideChannel = req.Data
		logView.Data = nil
		logView.PipelineID = sm.gid
	}

	if req.Kind == KindFinalizeBlock {
		// Register synchronously so subsequent writes are rejected at
		// the check above.
		sm.dispatcher.AddFinalizedBlock(req.ContainerID, req.BlockID)
	}

	return &TransactionContext{
		RequestView:      req,
		LogView:          logView,
		StateMachineData: sideChannel,
		StartTime:        start,
	}
}

// StartTransactionForLogEntry reconstructs the request-view on any replica
// by merging the log-view with the side-channel data, or by using the
// log-view as-is. A decode failure is fatal — it means this replica cannot
// reconstruct a command every other replica just committed — so it gets the
// same health.Flip()/closeGroupOnFailure treatment as a failed apply or
// chunk write, rather than being silently reported to the caller.
func (sm *StateMachine) StartTransactionForLogEntry(entry LogEntry) *TransactionContext {
	start := time.Now()

	logView, err := decodeCommand(entry.Raft.Data)
	if err != nil {
		if sm.health.Flip() {
			log.WithComponent("csm").Error().
				Err(err).
				Uint64("index", uint64(entry.Raft.Index)).
				Msg("failed to decode committed log entry; state machine unhealthy")
			sm.closeGroupOnFailure(err)
		}
		return &TransactionContext{StartTime: start, Err: err, ErrKind: ErrDecodeFailure}
	}

	requestView := logView
	if logView.Kind == KindWriteChunk {
		requestView = logView.Clone()
		requestView.Data = entry.StateMachineData
	}

	return &TransactionContext{
		RequestView:      requestView,
		LogView:          logView,
		StateMachineData: entry.StateMachineData,
		StartTime:        start,
	}
}
