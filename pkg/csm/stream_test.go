package csm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLinkMarksChannelLinkedOnSuccess covers Link closing the
// channel, dispatching its cached PutBlock at COMMIT_DATA, and marking the
// channel linked and recording the container's BCSID on success.
func TestLinkMarksChannelLinkedOnSuccess(t *testing.T) {
	disp := newFakeDispatcher()
	sm, _ := newTestStateMachine(disp, testConfig())

	_, err := applyOne(t, sm, 1, 1, Command{Kind: KindCreateContainer, ContainerID: 9}, true)
	require.NoError(t, err)

	ch, err := sm.Stream(context.Background(), Command{Kind: KindPutBlock, ContainerID: 9, BlockID: 1})
	require.NoError(t, err)

	future := sm.Link(context.Background(), 1, 2, ch)
	resp, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, resp.Result)

	fake := ch.(*fakeStreamChannel)
	assert.True(t, fake.closed)
	assert.True(t, fake.linked)
	assert.False(t, fake.cleanedUp)

	sm.mu.RLock()
	bcsid := sm.containerBCSID[9]
	sm.mu.RUnlock()
	assert.Equal(t, BCSID(2), bcsid)
}

// TestLinkCleansUpOnDispatchFailure covers the failure branch: a Dispatch
// failure during Link tears the channel down instead of marking it linked.
func TestLinkCleansUpOnDispatchFailure(t *testing.T) {
	disp := newFakeDispatcher()
	sm, _ := newTestStateMachine(disp, testConfig())

	_, err := applyOne(t, sm, 1, 1, Command{Kind: KindCreateContainer, ContainerID: 9}, true)
	require.NoError(t, err)

	disp.dispatchFn = func(ctx context.Context, cmd Command, dctx DispatchContext) (Response, error) {
		return Response{Result: ResultOtherFailure}, nil
	}

	ch, err := sm.Stream(context.Background(), Command{Kind: KindPutBlock, ContainerID: 9, BlockID: 1})
	require.NoError(t, err)

	future := sm.Link(context.Background(), 1, 2, ch)
	_, err = future.Wait(context.Background())
	assert.Error(t, err)

	fake := ch.(*fakeStreamChannel)
	assert.True(t, fake.cleanedUp)
	assert.False(t, fake.linked)
}
