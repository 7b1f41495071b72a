package csm

import (
	"context"
	"fmt"
	"sync"

	"github.com/ironvault/containerraft/pkg/log"
	"github.com/ironvault/containerraft/pkg/metrics"
)

// Config bundles the tunables the demo node surfaces through pkg/config.
type Config struct {
	// NumChunkExecutors is N, the size of the Chunk Executor Pool Set.
	NumChunkExecutors int
	// ChunkExecutorQueueDepth bounds how many pending WriteChunk dispatches
	// may queue on a single chunk executor before Submit blocks.
	ChunkExecutorQueueDepth int
	// NumContainerOpExecutors is K, the size of the container-op pool set
	// used for everything that is not a WriteChunk payload write.
	NumContainerOpExecutors int
	// MaxPendingApplyTxns bounds the Apply Coordinator's admission
	// semaphore.
	MaxPendingApplyTxns int
	// CacheByteLimit bounds the State-Machine Data Cache.
	CacheByteLimit int64
	// WaitOnAllFollowers selects the cache's retention policy. Relaxed (false, the
	// default) evicts a cache entry as soon as its own index applies.
	// Strict (true) additionally waits for every follower to have passed
	// the index, via ReconcileFollowerProgress, which the host must call;
	// nothing in this module (pkg/raftadapter included) calls it.
	WaitOnAllFollowers bool
}

// DefaultConfig returns the tunables used when a node does not override
// them explicitly.
func DefaultConfig() Config {
	return Config{
		NumChunkExecutors:       8,
		ChunkExecutorQueueDepth: 256,
		NumContainerOpExecutors: 4,
		MaxPendingApplyTxns:     64,
		CacheByteLimit:          64 << 20,
		WaitOnAllFollowers:      false,
	}
}

// StateMachine is the top-level type implementing this component's upward
// contract. One instance serves exactly one
// replication group, identified by gid, for its entire lifetime.
type StateMachine struct {
	gid        Gid
	dispatcher Dispatcher
	server     ServerSurface

	taskQueue *taskQueueMap
	executors *executorPoolSet
	opPool    *executorPoolSet
	cache     *dataCache
	apply     *applyCoordinator
	write     *writePath
	health    *healthFlag

	mu             sync.RWMutex
	containerBCSID map[ContainerID]BCSID

	waitOnAllFollowers bool
}

// New constructs a state machine for gid, wired to dispatcher and server.
// Snapshot restore happens separately, driven by the raft engine through
// Restore (see pkg/raftadapter and snapshot.go).
func New(gid Gid, dispatcher Dispatcher, server ServerSurface, cfg Config) *StateMachine {
	sm := &StateMachine{
		gid:                gid,
		dispatcher:         dispatcher,
		server:             server,
		taskQueue:          newTaskQueueMap(),
		executors:          newExecutorPoolSet(cfg.NumChunkExecutors, cfg.ChunkExecutorQueueDepth),
		opPool:             newExecutorPoolSet(cfg.NumContainerOpExecutors, cfg.ChunkExecutorQueueDepth),
		cache:              newDataCache(cfg.CacheByteLimit),
		health:             newHealthFlag(),
		containerBCSID:     make(map[ContainerID]BCSID),
		waitOnAllFollowers: cfg.WaitOnAllFollowers,
	}
	sm.apply = newApplyCoordinator(sm, cfg.MaxPendingApplyTxns)
	sm.write = newWritePath(sm)
	return sm
}

// opExecutorFor returns the container-op pool pinned to containerID. Unlike
// the Chunk Executor Pool Set, pinning here is only a locality convenience:
// task ordering for a container is already guaranteed by the per-container
// task queue, not by which pool runs it.
func (sm *StateMachine) opExecutorFor(containerID ContainerID) func(func()) {
	n := len(sm.opPool.pools)
	idx := int(uint64(containerID) % uint64(n))
	return sm.opPool.pools[idx].Submit
}

// snapshotContainerMap returns a defensive copy of the container->BCSID
// map for inclusion in a DispatchContext.
func (sm *StateMachine) snapshotContainerMap() map[ContainerID]BCSID {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make(map[ContainerID]BCSID, len(sm.containerBCSID))
	for k, v := range sm.containerBCSID {
		out[k] = v
	}
	return out
}

// recordBCSID updates the container->BCSID map after a successful mutation
// at commitIndex.
func (sm *StateMachine) recordBCSID(containerID ContainerID, index LogIndex) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.containerBCSID[containerID] = BCSID(index)
}

// removeContainer drops containerID from the map, used on a
// DeleteContainer apply.
func (sm *StateMachine) removeContainer(containerID ContainerID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.containerBCSID, containerID)
}

// closeGroupOnFailure implements the "consensus closed us -> terminate
// host" path: the first caller to observe a fatal failure for
// this group notifies the server surface and fires the process-wide
// shutdown latch exactly once. health.Flip()'s own CAS already guarantees
// only one caller reaches this method per instance, but the shutdown latch
// additionally coalesces across every group hosted by the same process.
func (sm *StateMachine) closeGroupOnFailure(err error) {
	if sm.server != nil {
		sm.server.HandleApplyTransactionFailure(sm.gid, err)
	}
	processShutdownLatch.fireOnce(func() {
		log.WithComponent("csm").Error().
			Err(err).
			Str("gid", sm.gid.String()).
			Msg("terminating host: replicated state machine reported an unrecoverable failure")
	})
}

// ApplyTransaction is the upward applyTransaction(ctx) entry point exposed
// to the consensus engine adapter once a TransactionContext's log entry has
// committed.
func (sm *StateMachine) ApplyTransaction(ctx context.Context, term Term, index LogIndex, txn *TransactionContext) (Response, error) {
	resp, err := sm.apply.ApplyTransaction(ctx, term, index, txn)
	if err == nil && resp.Result.Tolerated() {
		sm.recordBCSID(txn.RequestView.ContainerID, index)
		if txn.RequestView.Kind == KindDeleteContainer {
			sm.removeContainer(txn.RequestView.ContainerID)
		}
	}
	return resp, err
}

// WriteStateMachineData is the upward write(entry, ctx) entry point for
// WriteChunk payloads, called on every replica as soon as the log entry is
// appended (before it commits).
func (sm *StateMachine) WriteStateMachineData(isLeader bool, term Term, index LogIndex, cmd Command, payload []byte) *writeChunkFuture {
	return sm.write.WriteStateMachineData(isLeader, term, index, cmd, payload)
}

// Flush is the upward flush(upTo) entry point: block until every in-flight
// WriteChunk payload write at or below upTo has completed.
func (sm *StateMachine) Flush(ctx context.Context, upTo LogIndex) error {
	return sm.write.Flush(ctx, upTo)
}

// LastApplied reports the current (term, index) watermark.
func (sm *StateMachine) LastApplied() (Term, LogIndex) {
	return sm.apply.LastApplied()
}

// Healthy reports the instance's current health flag.
func (sm *StateMachine) Healthy() bool {
	return sm.health.Healthy()
}

// ReconcileFollowerProgress implements the leader side of strict-mode cache
// retention: compute minFollowerNext across followers and call
// removeUpTo(min(minFollowerNext, I)). The caller, which must know
// per-follower replication progress, supplies minFollowerNext; this clamps
// it to the last applied index before evicting. pkg/raftadapter does not
// call this method, so under that binding strict-mode entries leave the
// cache only through byte-budget eviction, NotifyNotLeader or Truncate. A
// no-op under relaxed mode, where eviction already happens inline as each
// index applies.
func (sm *StateMachine) ReconcileFollowerProgress(minFollowerNext LogIndex) {
	if !sm.waitOnAllFollowers {
		return
	}
	_, committed := sm.LastApplied()
	upTo := minFollowerNext
	if committed < upTo {
		upTo = committed
	}
	sm.cache.RemoveUpTo(upTo)
}

// ReadStateMachineData serves a follower read-back of a WriteChunk payload
// at index. On a cache hit the cached bytes are returned directly; on a
// miss it synthesizes a ReadChunk command from logView — which carries the
// chunk's container and block location — and dispatches it synchronously
// on the block's chunk executor, the same pool that ran the original
// WriteChunk. A non-tolerated result or dispatch error flips health, the
// same treatment a failed WriteChunk or apply gets.
func (sm *StateMachine) ReadStateMachineData(ctx context.Context, term Term, index LogIndex, logView Command) ([]byte, error) {
	if data, ok := sm.cache.Get(index); ok {
		return data, nil
	}
	metrics.CacheMisses.Inc()
	metrics.ReadChunkFallbacks.Inc()

	readCmd := Command{
		Kind:        KindReadChunk,
		ContainerID: logView.ContainerID,
		BlockID:     logView.BlockID,
		PipelineID:  logView.PipelineID,
	}
	dctx := DispatchContext{
		Kind:           string(readCmd.Kind),
		Term:           term,
		Index:          index,
		ContainerBCSID: sm.snapshotContainerMap(),
		Stage:          StageCommitData,
	}

	type dispatchResult struct {
		resp Response
		err  error
	}
	done := make(chan dispatchResult, 1)
	sm.executors.For(readCmd.Block()).Submit(func() {
		resp, err := sm.dispatcher.Dispatch(context.Background(), readCmd, dctx)
		done <- dispatchResult{resp, err}
	})

	var result dispatchResult
	select {
	case result = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if result.err != nil || !result.resp.Result.Tolerated() {
		metrics.ReadChunkFailures.Inc()
		if sm.health.Flip() {
			log.WithComponent("csm").Error().
				Err(result.err).
				Int64("index", int64(index)).
				Msg("read chunk fallback failed outside tolerated result set; state machine unhealthy")
			sm.closeGroupOnFailure(result.err)
		}
		if result.err != nil {
			return nil, result.err
		}
		return nil, &readChunkFailure{result: result.resp.Result}
	}
	return result.resp.Data, nil
}

// Query is the upward query(msg) entry point for read-only commands that
// never mutate durable state: ReadContainer, GetSmallFile and Echo. Unlike
// ApplyTransaction it bypasses both the per-container task queue and the
// admission semaphore — a query has no ordering obligation toward other
// queries and must not be gated behind in-flight writes it doesn't depend
// on — but still runs on the container-op pool for dispatcher locality.
func (sm *StateMachine) Query(ctx context.Context, cmd Command) (Response, error) {
	switch cmd.Kind {
	case KindReadContainer, KindGetSmallFile, KindEcho:
	default:
		return Response{}, fmt.Errorf("query: command kind %q is not a read-only query", cmd.Kind)
	}

	dctx := DispatchContext{
		Kind:           string(cmd.Kind),
		ContainerBCSID: sm.snapshotContainerMap(),
		Stage:          StageCommitData,
	}

	future := newTaskFuture()
	sm.opExecutorFor(cmd.ContainerID)(func() {
		resp, err := sm.dispatcher.Dispatch(context.Background(), cmd, dctx)
		future.resolve(resp, err)
	})
	return future.Wait(ctx)
}

// Close releases this instance's resources: it drains both the Chunk
// Executor Pool Set and the container-op pool, letting already-queued work
// finish first, then clears the data cache. Call it once on group removal
// or host shutdown; the instance must not be used afterward.
func (sm *StateMachine) Close() {
	sm.executors.Close()
	sm.opPool.Close()
	sm.cache.Clear()
}
