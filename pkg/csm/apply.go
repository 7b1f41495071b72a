package csm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ironvault/containerraft/pkg/log"
	"github.com/ironvault/containerraft/pkg/metrics"
)

// applyCoordinator admission-controls apply-transactions, updates
// lastApplied contiguously, maintains the health flag, and drives snapshot
// eligibility.
type applyCoordinator struct {
	sm *StateMachine

	// admission bounds in-flight apply operations; acquire before
	// dispatch, release in the completion callback regardless of
	// outcome.
	admission chan struct{}

	mu           sync.Mutex
	lastApplied  LogIndex
	lastTerm     Term
	completion   map[LogIndex]Term
	initialized  bool
}

func newApplyCoordinator(sm *StateMachine, maxPendingApplyTxns int) *applyCoordinator {
	if maxPendingApplyTxns < 1 {
		maxPendingApplyTxns = 1
	}
	return &applyCoordinator{
		sm:         sm,
		admission:  make(chan struct{}, maxPendingApplyTxns),
		completion: make(map[LogIndex]Term),
	}
}

// seed sets the initial (term, index) watermark, used after a snapshot
// restore to set lastApplied to the snapshot's (term, index).
func (a *applyCoordinator) seed(term Term, index LogIndex) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastTerm, a.lastApplied = term, index
	a.initialized = true
	metrics.LastAppliedIndex.Set(float64(index))
}

// LastApplied returns the current (term, index) watermark.
func (a *applyCoordinator) LastApplied() (Term, LogIndex) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTerm, a.lastApplied
}

// ApplyTransaction is the upward applyTransaction(ctx) entry point
//. It blocks on the admission semaphore — the intended
// backpressure point — dispatches the transaction through
// the per-container task queue, and on completion either advances
// lastApplied or flips health.
func (a *applyCoordinator) ApplyTransaction(ctx context.Context, term Term, index LogIndex, txn *TransactionContext) (Response, error) {
	select {
	case a.admission <- struct{}{}:
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
	metrics.ApplyInFlight.Inc()

	timer := metrics.NewTimer()
	defer func() {
		<-a.admission
		metrics.ApplyInFlight.Dec()
		timer.ObserveDuration(metrics.ApplyDuration)
	}()

	cmd := txn.RequestView
	spec := specFor(cmd.Kind)

	dctx := DispatchContext{
		Kind:           string(cmd.Kind),
		Term:           term,
		Index:          index,
		ContainerBCSID: a.sm.snapshotContainerMap(),
		Stage:          spec.stage,
	}
	if spec.stage == StageWriteData {
		// Apply-side commit of a WriteChunk is staged COMMIT_DATA even
		// though the payload itself was staged WRITE_DATA on the write
		// path.
		dctx.Stage = StageCommitData
	}

	var future *taskFuture
	if spec.mutatesBlock {
		future = a.sm.taskQueue.Submit(cmd.ContainerID, a.sm.opExecutorFor(cmd.ContainerID), func(ctx context.Context) (Response, error) {
			return a.sm.dispatcher.Dispatch(ctx, cmd, dctx)
		})
	} else {
		future = newTaskFuture()
		a.sm.opExecutorFor(cmd.ContainerID)(func() {
			resp, err := a.sm.dispatcher.Dispatch(context.Background(), cmd, dctx)
			future.resolve(resp, err)
		})
	}

	resp, err := future.Wait(ctx)
	return a.complete(term, index, resp, err)
}

// complete classifies an apply result as tolerated or fatal and records it.
func (a *applyCoordinator) complete(term Term, index LogIndex, resp Response, err error) (Response, error) {
	if err == nil && resp.Result.Tolerated() {
		if resp.Result != ResultSuccess {
			metrics.ApplyToleratedFailures.WithLabelValues(resultLabel(resp.Result)).Inc()
		}
		if a.sm.health.Healthy() {
			a.notifyTermIndex(term, index)
			a.advanceLastApplied()
			if !a.sm.waitOnAllFollowers {
				a.sm.cache.RemoveUpTo(index)
			}
		}
		return resp, nil
	}

	// Anything else — including a thrown error — is a local durability
	// failure.
	metrics.ApplyFatalFailures.Inc()
	if a.sm.health.Flip() {
		log.WithComponent("csm").Error().
			Err(err).
			Int64("index", int64(index)).
			Msg("apply transaction failed outside tolerated result set; state machine unhealthy")
		a.sm.closeGroupOnFailure(err)
	}
	if err != nil {
		return Response{}, err
	}
	return Response{}, fmt.Errorf("apply transaction returned non-tolerated result %v", resp.Result)
}

// notifyTermIndexUpdated records that index completed under term without
// running it through the task queue — used for non-data log entries (conf
// changes, metadata), which are inserted into the completion map directly.
// Ordinary data completions take the same two steps inline in complete.
func (a *applyCoordinator) notifyTermIndexUpdated(term Term, index LogIndex) {
	a.notifyTermIndex(term, index)
	a.advanceLastApplied()
}

func (a *applyCoordinator) notifyTermIndex(term Term, index LogIndex) {
	a.mu.Lock()
	a.completion[index] = term
	a.mu.Unlock()
}

// advanceLastApplied runs under a lock, starting from lastApplied+1,
// repeatedly draining the completion map;
// stop at the first missing index; publish the highest contiguous
// (term, index) as the new lastApplied. This is why a map is used instead
// of a counter — apply completion is reordered by per-container
// parallelism, and the map decouples "this index is done" from "the
// global watermark has advanced".
func (a *applyCoordinator) advanceLastApplied() {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.lastApplied + 1
	for {
		term, ok := a.completion[next]
		if !ok {
			break
		}
		delete(a.completion, next)
		a.lastApplied = next
		a.lastTerm = term
		next++
	}
	metrics.LastAppliedIndex.Set(float64(a.lastApplied))
}

func resultLabel(r Result) string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultContainerNotOpen:
		return "container_not_open"
	case ResultClosedContainerIO:
		return "closed_container_io"
	case ResultChunkFileInconsistency:
		return "chunk_file_inconsistency"
	default:
		return "other"
	}
}
