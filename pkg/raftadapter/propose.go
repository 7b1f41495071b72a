package raftadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/raft"
	"github.com/ironvault/containerraft/pkg/csm"
)

// ErrNotLeader is returned by Propose when invoked against a non-leader
// raft instance; callers are expected to forward the request to the
// current leader instead.
var ErrNotLeader = raft.ErrNotLeader

// Propose runs req through the Transaction Pipeline and, if it passes
// pre-replication validation, proposes its log-view (plus any
// state-machine-data side channel) to r and waits for it to apply. It is
// the client-facing entry point a server surface calls for every incoming
// command.
func Propose(ctx context.Context, r *raft.Raft, sm *csm.StateMachine, req csm.Command, timeout time.Duration) (csm.Response, error) {
	txn := sm.StartTransactionForClient(ctx, req)
	if txn.Failed() {
		return csm.Response{}, txn.Err
	}

	logViewJSON, err := json.Marshal(txn.LogView)
	if err != nil {
		return csm.Response{}, fmt.Errorf("encode log view: %w", err)
	}

	data, err := encodeEnvelope(logViewJSON, txn.StateMachineData)
	if err != nil {
		return csm.Response{}, err
	}

	future := r.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return csm.Response{}, fmt.Errorf("raft apply: %w", err)
	}

	switch v := future.Response().(type) {
	case csm.Response:
		return v, nil
	case error:
		return csm.Response{}, v
	default:
		return csm.Response{}, fmt.Errorf("unexpected FSM.Apply response type %T", v)
	}
}
