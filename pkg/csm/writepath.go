package csm

import (
	"context"
	"sync"

	"github.com/ironvault/containerraft/pkg/log"
	"github.com/ironvault/containerraft/pkg/metrics"
)

// writeChunkFuture tracks one in-flight asynchronous chunk write.
type writeChunkFuture struct {
	done chan struct{}
	err  error
}

func newWriteChunkFuture() *writeChunkFuture {
	return &writeChunkFuture{done: make(chan struct{})}
}

func (f *writeChunkFuture) resolve(err error) {
	f.err = err
	close(f.done)
}

func (f *writeChunkFuture) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writePath implements the write path for chunk payloads: on
// every replica, writeStateMachineData(entry) admits the payload to the
// cache (leader only), dispatches the WriteChunk asynchronously on the
// block's chunk executor, and tracks the in-flight future so flush(upTo)
// can be awaited before the consensus durable watermark advances.
type writePath struct {
	sm *StateMachine

	mu      sync.Mutex
	futures map[LogIndex]*writeChunkFuture
}

func newWritePath(sm *StateMachine) *writePath {
	return &writePath{sm: sm, futures: make(map[LogIndex]*writeChunkFuture)}
}

// WriteStateMachineData is the upward write(entry, ctx) entry point for
// WriteChunk commands.
func (w *writePath) WriteStateMachineData(isLeader bool, term Term, index LogIndex, cmd Command, payload []byte) *writeChunkFuture {
	if isLeader {
		w.sm.cache.Put(index, payload)
		metrics.CacheBytes.Set(float64(w.sm.cache.Bytes()))
	}

	future := newWriteChunkFuture()
	w.mu.Lock()
	w.futures[index] = future
	w.mu.Unlock()

	pool := w.sm.executors.For(cmd.Block())
	pool.Submit(func() {
		timer := metrics.NewTimer()
		dctx := DispatchContext{
			Kind:           string(cmd.Kind),
			Term:           term,
			Index:          index,
			ContainerBCSID: w.sm.snapshotContainerMap(),
			Stage:          StageWriteData,
		}
		writeCmd := cmd
		writeCmd.Data = payload

		resp, err := w.sm.dispatcher.Dispatch(context.Background(), writeCmd, dctx)
		timer.ObserveDuration(metrics.ChunkWriteDuration)

		var resolveErr error
		if err != nil || !resp.Result.Tolerated() {
			metrics.ChunkWriteFailures.Inc()
			if w.sm.health.Flip() {
				log.WithComponent("csm").Error().
					Err(err).
					Int64("index", int64(index)).
					Msg("chunk write failed outside tolerated result set; state machine unhealthy")
				w.sm.closeGroupOnFailure(err)
			}
			if err != nil {
				resolveErr = err
			} else {
				resolveErr = &chunkWriteFailure{result: resp.Result}
			}
		}

		future.resolve(resolveErr)

		w.mu.Lock()
		delete(w.futures, index)
		w.mu.Unlock()
	})

	return future
}

// Flush returns a combined future over all in-flight futures whose index
// <= upTo; consensus waits on this before advancing the durable log
// watermark, so an acknowledged commit implies payload durability.
func (w *writePath) Flush(ctx context.Context, upTo LogIndex) error {
	w.mu.Lock()
	pending := make([]*writeChunkFuture, 0, len(w.futures))
	for idx, f := range w.futures {
		if idx <= upTo {
			pending = append(pending, f)
		}
	}
	w.mu.Unlock()

	for _, f := range pending {
		if err := f.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

type chunkWriteFailure struct {
	result Result
}

func (e *chunkWriteFailure) Error() string {
	return "chunk write returned non-tolerated result"
}
