package csm

import (
	"context"
	"sync"
)

// fakeDispatcher is a minimal, fully in-memory csm.Dispatcher used to drive
// the state machine in tests without touching disk, favoring small
// hand-rolled fakes over a mocking library.
type fakeDispatcher struct {
	mu        sync.Mutex
	open      map[ContainerID]bool
	finalized map[LocalID]bool

	// dispatchFn, if set, overrides the default bookkeeping dispatch for
	// every call; tests use it to inject delays or forced failures.
	dispatchFn func(ctx context.Context, cmd Command, dctx DispatchContext) (Response, error)

	calls []Command
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		open:      make(map[ContainerID]bool),
		finalized: make(map[LocalID]bool),
	}
}

func (d *fakeDispatcher) ValidateContainerCommand(ctx context.Context, cmd Command) error {
	if cmd.Kind == KindCreateContainer {
		return nil
	}
	d.mu.Lock()
	open := d.open[cmd.ContainerID]
	d.mu.Unlock()
	if !open {
		return &ContainerNotOpenError{ContainerID: cmd.ContainerID}
	}
	return nil
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, cmd Command, dctx DispatchContext) (Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, cmd)
	fn := d.dispatchFn
	d.mu.Unlock()

	if fn != nil {
		return fn(ctx, cmd, dctx)
	}

	switch cmd.Kind {
	case KindCreateContainer:
		d.mu.Lock()
		d.open[cmd.ContainerID] = true
		d.mu.Unlock()
	case KindDeleteContainer:
		d.mu.Lock()
		delete(d.open, cmd.ContainerID)
		d.mu.Unlock()
	}
	return Response{Result: ResultSuccess}, nil
}

func (d *fakeDispatcher) GetStreamDataChannel(ctx context.Context, cmd Command) (StreamChannel, error) {
	return newFakeStreamChannel(cmd), nil
}

func (d *fakeDispatcher) BuildMissingContainerSet(ctx context.Context, containerBCSID map[ContainerID]BCSID) (map[ContainerID]struct{}, error) {
	return map[ContainerID]struct{}{}, nil
}

func (d *fakeDispatcher) IsFinalizedBlockExist(containerID ContainerID, localID LocalID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finalized[localID]
}

func (d *fakeDispatcher) AddFinalizedBlock(containerID ContainerID, localID LocalID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalized[localID] = true
}

func (d *fakeDispatcher) MarkContainerForClose(containerID ContainerID) error {
	return nil
}

func (d *fakeDispatcher) QuasiCloseContainer(containerID ContainerID, reason string) error {
	return nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// fakeStreamChannel is an in-memory StreamChannel for stream tests.
type fakeStreamChannel struct {
	mu        sync.Mutex
	buf       []byte
	closed    bool
	cleanedUp bool
	linked    bool
	putBlock  Command
}

func newFakeStreamChannel(putBlock Command) *fakeStreamChannel {
	return &fakeStreamChannel{putBlock: putBlock}
}

func (c *fakeStreamChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *fakeStreamChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeStreamChannel) CleanUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanedUp = true
}

func (c *fakeStreamChannel) PutBlock() Command { return c.putBlock }

func (c *fakeStreamChannel) Linked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linked
}

func (c *fakeStreamChannel) MarkLinked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.linked = true
}

// fakeServer is a no-op csm.ServerSurface recording whatever it is told.
type fakeServer struct {
	mu                   sync.Mutex
	applyFailures        []error
	groupRemoved         bool
}

func newFakeServer() *fakeServer { return &fakeServer{} }

func (s *fakeServer) NotifyGroupAdd(gid Gid)    {}
func (s *fakeServer) NotifyGroupRemove(gid Gid) { s.mu.Lock(); s.groupRemoved = true; s.mu.Unlock() }
func (s *fakeServer) HandleNodeSlowness(gid Gid) {}
func (s *fakeServer) HandleNoLeader(gid Gid)     {}
func (s *fakeServer) HandleApplyTransactionFailure(gid Gid, err error) {
	s.mu.Lock()
	s.applyFailures = append(s.applyFailures, err)
	s.mu.Unlock()
}
func (s *fakeServer) HandleLeaderChangedNotification(gid Gid)        {}
func (s *fakeServer) HandleNodeLogFailure(gid Gid, err error)        {}
func (s *fakeServer) HandleInstallSnapshotFromLeader(gid Gid)        {}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumChunkExecutors = 2
	cfg.NumContainerOpExecutors = 2
	cfg.MaxPendingApplyTxns = 64
	cfg.CacheByteLimit = 1 << 20
	return cfg
}

func newTestStateMachine(disp *fakeDispatcher, cfg Config) (*StateMachine, *fakeServer) {
	server := newFakeServer()
	sm := New(newGid(), disp, server, cfg)
	return sm, server
}

func newGid() Gid { return Gid{} }
