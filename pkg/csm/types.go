package csm

import (
	"time"

	"github.com/google/uuid"
)

// Gid identifies the replication group this state machine instance serves.
// It is assigned once, at group-add, and never changes for the lifetime of
// the instance.
type Gid = uuid.UUID

// ContainerID identifies a durable container on local storage. A container
// is created exactly once per group by a CreateContainer command and is
// thereafter referenced by every block and chunk command against it.
type ContainerID int64

// LocalID identifies a block within a container.
type LocalID int64

// BlockID is the pair that pins a block to a single executor.
type BlockID struct {
	ContainerID ContainerID
	LocalID     LocalID
}

// BCSID is the Block Commit Sequence ID: the highest committed log index
// that mutated a given container. The container -> BCSID map is this
// component's entire snapshotable state.
type BCSID int64

// LogIndex is the consensus-assigned position of an entry in the replicated
// log. Indices are strictly increasing and, once assigned, immutable.
type LogIndex uint64

// Term is the consensus term under which an entry was proposed.
type Term uint64

// Role distinguishes how a transaction is being constructed: directly from
// a client on the leader, or reconstructed from a replicated log entry on
// any replica (including the leader itself, after the fact).
type Role int

const (
	RoleClient Role = iota
	RoleLogEntry
)

// LogEntry is the consensus-supplied tuple delivered to
// StartTransactionForLogEntry. StateMachineData is the side channel that
// carries WriteChunk payloads so they never enter the replicated log body.
//
// The Raft field is this package's own (term, index, data) record, not
// hashicorp/raft's type; pkg/raftadapter copies those fields out of each
// *raft.Log it receives.
type LogEntry struct {
	Raft             *RaftLogRecord
	StateMachineData []byte
}

// RaftLogRecord is the (term, index, data) tuple independent of any
// specific consensus engine. pkg/raftadapter constructs this directly from
// a *raft.Log; a different consensus engine would populate it from its own
// wire format.
type RaftLogRecord struct {
	Term  Term
	Index LogIndex
	Data  []byte
}

// TransactionContext carries both views of a request through its lifetime,
// plus the timestamp used for latency accounting.
type TransactionContext struct {
	// RequestView is the full command including user data, used for local
	// execution on this replica.
	RequestView Command
	// LogView is the command with user data stripped; only this is
	// replicated through the consensus log.
	LogView Command
	// StateMachineData is the side-channel payload for WriteChunk, absent
	// for every other command kind.
	StateMachineData []byte
	// StartTime is the nanosecond stamp taken when the transaction was
	// constructed, used for latency accounting.
	StartTime time.Time
	// Err is set when pre-replication validation failed; such a
	// transaction is never replicated.
	Err error
	// ErrKind classifies Err for metrics and response mapping.
	ErrKind ErrorKind
}

// Failed reports whether this transaction was pre-marked with a validation
// failure and must not be replicated.
func (t *TransactionContext) Failed() bool { return t.Err != nil }

// ErrorKind classifies a transaction failure.
type ErrorKind int

const (
	ErrNone ErrorKind = iota
	ErrPreReplicationValidation
	ErrKindBlockAlreadyFinalized
	ErrContainerNotOpenPreReplication
	ErrDecodeFailure
)

// Result is the outcome code a dispatcher reports for an executed command.
// Four of these are "tolerated" apply failures that do not flip health.
type Result int

const (
	ResultSuccess Result = iota
	ResultContainerNotOpen
	ResultClosedContainerIO
	ResultChunkFileInconsistency
	ResultOtherFailure
)

// Tolerated reports whether this result is one of the four outcomes that
// are treated as ordinary (non-fatal) apply responses.
func (r Result) Tolerated() bool {
	switch r {
	case ResultSuccess, ResultContainerNotOpen, ResultClosedContainerIO, ResultChunkFileInconsistency:
		return true
	default:
		return false
	}
}

// Response is what a dispatcher returns for an executed (or rejected)
// command.
type Response struct {
	Result  Result
	Message string
	// Data carries command-specific response payload, e.g. a ReadChunk's
	// bytes when served from local re-read rather than cache.
	Data []byte
}

// Stage tags a dispatch context by what it does to durable state:
// WriteChunk payload writes are staged WRITE_DATA, everything that commits
// durable metadata (including the PutBlock that finalizes a stream) is
// staged COMMIT_DATA.
type Stage int

const (
	StageCommitData Stage = iota
	StageWriteData
)

// DispatchContext is what the Apply Coordinator and write path hand to the
// dispatcher.
type DispatchContext struct {
	Kind           string
	Term           Term
	Index          LogIndex
	ContainerBCSID map[ContainerID]BCSID
	Stage          Stage
}
