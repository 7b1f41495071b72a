/*
Package csm implements the replicated container state machine that sits on
top of a Raft-style consensus engine on each storage node, one instance per
replication group.

# Architecture

	┌────────────────────── StateMachine (one per group) ──────────────────────┐
	│                                                                           │
	│  Transaction Pipeline ──► Per-Container Task Queue ──► Apply Coordinator │
	│  (pipeline.go)            (taskqueue.go)                 (apply.go)      │
	│                                                               │          │
	│  Chunk Executor Pool Set ◄─── Write Path ────────────────────┘          │
	│  (executors.go)              (writepath.go)                             │
	│                                     │                                    │
	│  State-Machine Data Cache ◄─────────┘                                    │
	│  (cache.go)                                                              │
	│                                                                           │
	│  Snapshot & Recovery (snapshot.go)     Streaming (stream.go)             │
	│  Notification surface (notify.go)      Health flag (health.go)          │
	└───────────────────────────────────────────────────────────────────────┘

# Core components

Transaction Pipeline:
  - Splits WriteChunk payload from log metadata.
  - Builds the request-view / log-view pair carried by TransactionContext.

Per-Container Task Queue Map:
  - Serializes apply-side execution per container so creation precedes
    writes and writes commit in log order.

Chunk Executor Pool Set:
  - N fixed pools, block ID pinned by blockID mod N, so one block's chunk
    writes never reorder relative to each other.

State-Machine Data Cache:
  - Bounded FIFO from log index to chunk payload; never an LRU, because
    eviction must follow insertion order, not recency.

Apply Coordinator:
  - Admission-controls apply-transactions, advances lastApplied only
    through contiguous indices, owns the health flag.

Snapshot & Recovery:
  - Persists and restores the container->BCSID map; asks the dispatcher to
    rebuild missing containers on restore.

# Upward and downward contracts

This package never talks to a specific consensus engine directly; see
pkg/raftadapter for the hashicorp/raft binding. It never writes bytes to
disk itself either; Dispatcher (dispatcher.go) is the downward contract a
concrete storage dispatcher implements — see pkg/dispatcher for a reference
implementation used by this package's own tests.

# Health

Once healthy flips false it never flips back; the instance must be rebuilt
(re-added to its group) to serve again. See health.go.
*/
package csm
