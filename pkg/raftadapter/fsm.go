// Package raftadapter binds *csm.StateMachine to hashicorp/raft's raft.FSM
// contract. Designing the consensus protocol itself is out of scope for
// this module; this package only adapts the already-built state machine to
// one concrete consensus engine.
//
// hashicorp/raft's FSM.Apply is a single synchronous callback invoked after
// a log entry commits — it has no equivalent of a write(entry)-before-
// commit hook for a richer consensus engine that splits payload writes from
// metadata commits. This adapter collapses the write path (pkg/csm's
// writePath) and the apply coordinator into one Apply call: for a
// WriteChunk it runs WriteStateMachineData synchronously before
// ApplyTransaction, rather than asynchronously ahead of commit. pkg/csm's
// own tests exercise the two-stage write/apply split directly against the
// state machine, independent of this binding.
package raftadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	"github.com/ironvault/containerraft/pkg/csm"
	"github.com/ironvault/containerraft/pkg/log"
	"github.com/ironvault/containerraft/pkg/metrics"
)

// FSM adapts one *csm.StateMachine instance to raft.FSM.
type FSM struct {
	sm   *csm.StateMachine
	raft *raft.Raft
}

// NewFSM wraps sm for use as a raft.FSM.
func NewFSM(sm *csm.StateMachine) *FSM {
	return &FSM{sm: sm}
}

// SetRaft attaches the *raft.Raft instance this FSM was handed to, once
// constructed — raft.NewRaft requires the FSM up front, so this is set
// after the fact. Apply uses it only to decide whether this node is
// currently the leader for cache-admission purposes; it is safe to leave
// unset (WriteStateMachineData then always treats the node as a follower).
func (f *FSM) SetRaft(r *raft.Raft) {
	f.raft = r
}

func (f *FSM) isLeader() bool {
	return f.raft != nil && f.raft.State() == raft.Leader
}

// Apply implements raft.FSM. It decodes the envelope, reconstructs the
// transaction from the log entry, performs any synchronous payload write,
// and runs it through the apply coordinator. The returned value is always
// either a csm.Response or an error, per hashicorp/raft's convention that
// ApplyFuture.Response() surfaces whatever Apply returns.
func (f *FSM) Apply(l *raft.Log) interface{} {
	logView, payload, err := decodeEnvelope(l.Data)
	if err != nil {
		return fmt.Errorf("decode log entry at index %d: %w", l.Index, err)
	}

	entry := csm.LogEntry{
		Raft: &csm.RaftLogRecord{
			Term:  csm.Term(l.Term),
			Index: csm.LogIndex(l.Index),
			Data:  logView,
		},
		StateMachineData: payload,
	}

	txn := f.sm.StartTransactionForLogEntry(entry)
	if txn.Failed() {
		log.WithComponent("raftadapter").Error().
			Err(txn.Err).
			Uint64("index", l.Index).
			Msg("failed to reconstruct transaction from committed log entry")
		return txn.Err
	}

	if len(txn.StateMachineData) > 0 {
		future := f.sm.WriteStateMachineData(f.isLeader(), csm.Term(l.Term), csm.LogIndex(l.Index), txn.RequestView, txn.StateMachineData)
		if err := future.Wait(context.Background()); err != nil {
			return fmt.Errorf("write state machine data at index %d: %w", l.Index, err)
		}
	}

	resp, err := f.sm.ApplyTransaction(context.Background(), csm.Term(l.Term), csm.LogIndex(l.Index), txn)
	if err != nil {
		return err
	}
	return resp
}

// Snapshot implements raft.FSM, refusing while the instance is unhealthy.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	if !f.sm.Healthy() {
		metrics.SnapshotFailures.Inc()
		return nil, csm.ErrUnhealthy
	}
	return &fsmSnapshot{data: f.sm.SnapshotData()}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snap csm.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	missing, err := f.sm.Restore(context.Background(), snap)
	if err != nil {
		return fmt.Errorf("restore state machine: %w", err)
	}
	if len(missing) > 0 {
		log.WithComponent("raftadapter").Warn().
			Int("missing_containers", len(missing)).
			Msg("restore left containers missing; dispatcher must rebuild them from peers")
	}
	return nil
}

// fsmSnapshot implements raft.FSMSnapshot over a csm.Snapshot value, the
// usual Persist-then-Release shape a raft.FSM.Snapshot() result follows.
type fsmSnapshot struct {
	data csm.Snapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	timer := metrics.NewTimer()
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.data); err != nil {
			return err
		}
		return sink.Close()
	}()
	timer.ObserveDuration(metrics.SnapshotDuration)

	if err != nil {
		metrics.SnapshotFailures.Inc()
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
