package cn

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// destroyerWorkers bounds the async-teardown pool. Node/kvset reference
// drops can trigger mblock-deletion I/O; running that off the caller's
// thread is the point of the pool (spec §4.1, §5, §9).
const destroyerWorkers = 4

// asyncDestroyer submits node/kvset teardown work to a small bounded
// pool and lets Tree.Destroy join on it, mirroring pebble's pattern of
// keeping expensive cleanup off latency-sensitive paths (see e.g.
// obsolete_files.go's background deletion goroutines in the teacher
// repo).
type asyncDestroyer struct {
	mu    sync.Mutex
	g     *errgroup.Group
	sem   chan struct{}
	ctx   context.Context
	close context.CancelFunc
}

func newAsyncDestroyer() *asyncDestroyer {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	_ = gctx
	return &asyncDestroyer{
		g:     g,
		sem:   make(chan struct{}, destroyerWorkers),
		ctx:   ctx,
		close: cancel,
	}
}

// Submit schedules fn to run asynchronously. Submit never blocks the
// caller waiting for a free worker slot; it spawns a goroutine that
// acquires the slot itself so ingest/compaction paths are never
// stalled by a saturated teardown pool.
func (d *asyncDestroyer) Submit(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.g.Go(func() error {
		d.sem <- struct{}{}
		defer func() { <-d.sem }()
		fn()
		return nil
	})
}

// Join waits for all work submitted so far to complete. It does not
// stop later Submit calls, which still run their work.
func (d *asyncDestroyer) Join() {
	d.mu.Lock()
	g := d.g
	d.mu.Unlock()
	_ = g.Wait()
	d.close()
}

// destroyNodeAsync releases a retired node's kvset references off the
// teardown thread (spec §3 Node lifetime: "destroyed only at tree
// teardown via async work so kvset references are released off the
// write path").
func (t *Tree) destroyNodeAsync(n *Node) {
	t.destroyer.Submit(func() {
		for _, kv := range n.kvsets {
			kv.PutRef()
		}
	})
}

// Destroy tears the tree down: it prevents new work from starting,
// waits for the async node-destruction pool to drain, and releases the
// root's kvset references. It does not itself talk to the journal or
// block allocator; callers that need a clean on-media teardown should
// do so before calling Destroy.
func (t *Tree) Destroy() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	t.RequestCancel()

	t.mu.Lock()
	nodes := append([]*Node(nil), t.nodes...)
	t.mu.Unlock()

	for _, n := range nodes {
		t.destroyNodeAsync(n)
	}
	t.destroyer.Join()
}
