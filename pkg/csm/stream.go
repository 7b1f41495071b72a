package csm

import (
	"context"
	"fmt"
)

// linkFuture is resolved once link() has dispatched the cached PutBlock and
// either marked the channel linked or torn it down.
type linkFuture struct {
	done chan struct{}
	resp Response
	err  error
}

func newLinkFuture() *linkFuture {
	return &linkFuture{done: make(chan struct{})}
}

func (f *linkFuture) resolve(resp Response, err error) {
	f.resp, f.err = resp, err
	close(f.done)
}

func (f *linkFuture) Wait(ctx context.Context) (Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Stream implements the upward stream(request) entry point:
// an optional fast path for large blocks that writes bytes directly to a
// dispatcher-provided channel, out-of-band from the replicated log.
func (sm *StateMachine) Stream(ctx context.Context, req Command) (StreamChannel, error) {
	return sm.dispatcher.GetStreamDataChannel(ctx, req)
}

// Link implements the upward link(stream, entry) entry point: close the
// channel, dispatch the channel's cached PutBlock at stage COMMIT_DATA, and
// either mark the channel linked on success or clean it up on failure.
func (sm *StateMachine) Link(ctx context.Context, term Term, index LogIndex, ch StreamChannel) *linkFuture {
	future := newLinkFuture()

	cmd := ch.PutBlock()
	pool := sm.opExecutorFor(cmd.ContainerID)
	pool(func() {
		if err := ch.Close(); err != nil {
			ch.CleanUp()
			future.resolve(Response{}, fmt.Errorf("close stream channel: %w", err))
			return
		}

		dctx := DispatchContext{
			Kind:           string(cmd.Kind),
			Term:           term,
			Index:          index,
			ContainerBCSID: sm.snapshotContainerMap(),
			Stage:          StageCommitData,
		}

		resp, err := sm.dispatcher.Dispatch(context.Background(), cmd, dctx)
		if err != nil || !resp.Result.Tolerated() {
			ch.CleanUp()
			if err == nil {
				err = fmt.Errorf("link dispatch returned non-tolerated result %v", resp.Result)
			}
			future.resolve(Response{}, err)
			return
		}

		ch.MarkLinked()
		sm.recordBCSID(cmd.ContainerID, index)
		future.resolve(resp, nil)
	})

	return future
}
