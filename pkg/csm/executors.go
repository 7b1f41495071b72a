package csm

// executorPool is a single worker pool in the Chunk Executor Pool Set. It
// runs submitted work on its own goroutine, FIFO, so that everything
// submitted to one pool executes in submission order.
type executorPool struct {
	work chan func()
	done chan struct{}
}

func newExecutorPool(queueDepth int) *executorPool {
	p := &executorPool{
		work: make(chan func(), queueDepth),
		done: make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *executorPool) run() {
	for fn := range p.work {
		fn()
	}
	close(p.done)
}

// Submit enqueues fn for execution on this pool.
func (p *executorPool) Submit(fn func()) {
	p.work <- fn
}

// Close stops accepting work. Already-queued work is allowed to finish;
// outstanding results after close are discarded by callers.
func (p *executorPool) Close() {
	close(p.work)
	<-p.done
}

// executorPoolSet is the Chunk Executor Pool Set: a fixed,
// ordered list of worker pools. For any WriteChunk with local block ID L,
// the pool index is L mod N. This pins a block's chunk writes to a single
// executor, so asynchronous writes within one block cannot reorder
// relative to each other while N blocks still execute in parallel.
type executorPoolSet struct {
	pools []*executorPool
}

func newExecutorPoolSet(n int, queueDepth int) *executorPoolSet {
	if n < 1 {
		n = 1
	}
	pools := make([]*executorPool, n)
	for i := range pools {
		pools[i] = newExecutorPool(queueDepth)
	}
	return &executorPoolSet{pools: pools}
}

// For returns the executor pinned to block b.
func (s *executorPoolSet) For(b BlockID) *executorPool {
	n := len(s.pools)
	idx := int(uint64(b.LocalID) % uint64(n))
	return s.pools[idx]
}

// Close drains every pool in the set.
func (s *executorPoolSet) Close() {
	for _, p := range s.pools {
		p.Close()
	}
}
