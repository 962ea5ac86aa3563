package cn

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"
)

// Tree owns a root node and the flat ordered collection of all nodes in
// the keyspace organizer (spec §3). A single read-mostly lock guards
// node-list membership and per-node kvset-list membership; readers
// (lookups, walks) take it in read mode. Route-map edits are not made
// under it: installSplit edits the route map after releasing it.
type Tree struct {
	mu sync.RWMutex // read-mostly: see spec §4.1, §5

	params  Params
	rparams atomic.Pointer[RuntimeParams]

	// nodes is root-first (invariant 2). nodeIndex mirrors it for O(1)
	// id lookup, following the swiss-map lookup pattern pebble uses for
	// its block cache (internal/cache/block_map.go).
	nodes     []*Node
	nodeIndex *swiss.Map[NodeID, *Node]
	root      *Node

	routes  RouteMap
	journal Journal
	alloc   BlockAllocator
	sched   Scheduler
	health  Health
	builder Builder
	opener  KvsetOpener
	evictor PageEvictor

	cnid uint64

	sampMu sync.Mutex // serializes update_compact/update_ingest/update_spill
	samp   SampRecord

	cancelRequested atomic.Bool
	nospace         atomic.Bool
	closed          atomic.Bool

	destroyer *asyncDestroyer
}

// Create allocates a new, empty tree (spec §4.1 "create(params, health,
// rparams)"). The tree still needs Attach before it is usable against
// durable collaborators.
func Create(params Params, health Health, rparams RuntimeParams) (*Tree, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	rparams.EnsureDefaults()

	root := NewNode(0, params.SizeMax)
	t := &Tree{
		params:    params,
		nodeIndex: swiss.New[NodeID, *Node](8),
		root:      root,
		health:    health,
	}
	t.rparams.Store(&rparams)
	t.nodes = append(t.nodes, root)
	t.nodeIndex.Put(0, root)
	t.destroyer = newAsyncDestroyer()
	return t, nil
}

// Attach binds the tree to its durable collaborators: the metadata
// journal, the block allocator, the route map, and the kvdb-scoped
// identifier used in journal records (spec §4.1 "attach(dataset,
// journal, cnid, kvdb-context)"). Replaying the journal to repopulate
// nodes from prior state is the caller's responsibility via
// InsertNode/InsertKvsetAtNode; Attach itself only wires collaborators.
func (t *Tree) Attach(journal Journal, alloc BlockAllocator, routes RouteMap, sched Scheduler, cnid uint64) {
	t.journal = journal
	t.alloc = alloc
	t.routes = routes
	t.sched = sched
	t.cnid = cnid
}

// AttachBuilder wires the external merge/builder library and kvset
// opener, the collaborators the compaction pipeline calls into during
// Compact and Commit (spec §1, §6).
func (t *Tree) AttachBuilder(builder Builder, opener KvsetOpener) {
	t.builder = builder
	t.opener = opener
}

// AttachEvictor wires the optional page-eviction advisory collaborator
// used by the capped-tree trimmer's journal-failure fallback
// (spec §4.8). A tree with no evictor attached simply skips the
// advisory on that path.
func (t *Tree) AttachEvictor(evictor PageEvictor) {
	t.evictor = evictor
}

// RuntimeParams returns the tree's current runtime-tunable parameters.
func (t *Tree) RuntimeParams() RuntimeParams { return *t.rparams.Load() }

// SetRuntimeParams atomically replaces the runtime-tunable parameters.
func (t *Tree) SetRuntimeParams(rparams RuntimeParams) {
	rparams.EnsureDefaults()
	t.rparams.Store(&rparams)
}

// Params returns the tree's create-time parameters.
func (t *Tree) Params() Params { return t.params }

// Root returns the tree's root node.
func (t *Tree) Root() *Node { return t.root }

// RequestCancel sets the tree-wide cancellation flag checked at every
// compaction iterator boundary and stage transition (spec §5, §7).
func (t *Tree) RequestCancel() { t.cancelRequested.Store(true) }

// CancelRequested reports whether cancellation has been requested.
func (t *Tree) CancelRequested() bool { return t.cancelRequested.Load() }

// NoSpace reports whether a commit has seen an ENOSPC from the block
// allocator (spec §4.10). It is a flag only: nothing in this package
// blocks writes on it.
func (t *Tree) NoSpace() bool { return t.nospace.Load() }

func (t *Tree) setNoSpace() { t.nospace.Store(true) }

// FindNodeByID resolves a node id to its Node, returning a Bug-kind
// error if the id is unknown (spec §4.1, invariant that every
// referenced node id exists).
func (t *Tree) FindNodeByID(id NodeID) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.findNodeByIDLocked(id)
}

func (t *Tree) findNodeByIDLocked(id NodeID) (*Node, error) {
	n, ok := t.nodeIndex.Get(id)
	if !ok {
		return nil, bugf("node %d not found", id)
	}
	return n, nil
}

// InsertNode registers a node (created out-of-band by a split, or
// replayed from the journal at open) into the tree's flat node list and
// id index. It does not touch the route map; callers install the
// corresponding route entry separately (spec §4.6 split update).
func (t *Tree) InsertNode(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = append(t.nodes, n)
	t.nodeIndex.Put(n.id, n)
}

// InsertKvsetAtNode inserts kv into node's list in dgen order, for use
// only during initialization / journal replay (spec §4.1). It is not
// used on the live write path, which always appends at the head
// (ingest) or spliced positions (compaction tree-updates).
func (t *Tree) InsertKvsetAtNode(node *Node, kv Kvset) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	kv.GetRef()
	if err := node.insertOrdered(kv); err != nil {
		kv.PutRef()
		return err
	}
	// node's list now holds its own reference; drop the one transferred
	// in by the caller (see IngestRoot).
	kv.PutRef()
	return nil
}

// NodeLookupByKey resolves key to its unique node via the route map,
// delegating to it as a black box (spec §4.1, §6).
func (t *Tree) NodeLookupByKey(key []byte, hash uint64) (*Node, error) {
	entry, err := t.routes.Lookup(key, hash)
	if err != nil {
		return nil, err
	}
	return t.FindNodeByID(entry.NodeID())
}

// WalkOrder selects newest-first or oldest-first traversal for
// PreorderWalk (spec §4.1).
type WalkOrder int

const (
	NewestFirst WalkOrder = iota
	OldestFirst
)

// WalkFunc is invoked once per (node, kvset) pair during a preorder
// walk. Returning false stops the walk early.
type WalkFunc func(node *Node, kv Kvset) bool

// walkYieldEvery bounds how many kvsets a long walk visits before
// yielding the read lock to let writers through (spec §4.1 "Long walks
// periodically yield the read lock").
const walkYieldEvery = 256

// PreorderWalk visits the root, then every other node in tree.nodes
// order, walking each node's kvset list in the requested order. It
// periodically releases and reacquires the read lock so writers are
// not starved by a long walk.
func (t *Tree) PreorderWalk(ctx context.Context, order WalkOrder, fn WalkFunc) error {
	visited := 0
	idx := 0
	pos := 0
	for {
		t.mu.RLock()
		if idx >= len(t.nodes) {
			t.mu.RUnlock()
			return nil
		}
		n := t.nodes[idx]
		list := n.kvsets
		stop := false
		yielded := false
		for i := pos; i < len(list); i++ {
			var kv Kvset
			if order == NewestFirst {
				kv = list[i]
			} else {
				kv = list[len(list)-1-i]
			}
			if !fn(n, kv) {
				stop = true
				break
			}
			visited++
			if visited%walkYieldEvery == 0 {
				// Yield the lock; re-check ctx and continue from the
				// same node index. The node's list may have been
				// spliced meanwhile, but per spec §5 kvsets already
				// visited are never mutated in place, only removed
				// under the write lock, so a resumed walk sees a
				// prefix-stable snapshot for entries not yet visited.
				pos = i + 1
				yielded = true
				break
			}
		}
		if !yielded {
			idx++
			pos = 0
		}
		t.mu.RUnlock()
		if stop {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// SnapshotEntry is one element of a SnapshotView: a reference to one of
// a node's kvsets at the time of the snapshot. EdgeKey is the node's
// current max key for a leaf with a route entry, nil otherwise.
type SnapshotEntry struct {
	NodeID  NodeID
	EdgeKey []byte
	Kvset   Kvset
}

// SnapshotView builds a stable, reference-counted list of
// {node-id, edge-key, kvset} tuples covering every kvset in the tree
// (spec §4.1). Callers must call ReleaseSnapshot when done to balance
// the references taken here (spec §8 "snapshot-view -> destroy-view
// releases every reference it acquired").
func (t *Tree) SnapshotView() []SnapshotEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []SnapshotEntry
	for _, n := range t.nodes {
		var edgeKey []byte
		if !n.IsRoot() && n.routeEntry != nil {
			edgeKey = n.MaxKeyLocked()
		}
		for _, kv := range n.kvsets {
			kv.GetRef()
			out = append(out, SnapshotEntry{NodeID: n.id, EdgeKey: edgeKey, Kvset: kv})
		}
	}
	return out
}

// ReleaseSnapshot drops the references SnapshotView took.
func ReleaseSnapshot(entries []SnapshotEntry) {
	for _, e := range entries {
		e.Kvset.PutRef()
	}
}

// MaxKeyLocked returns the max key across a node's current kvset list,
// or nil if the node is empty. Must be called under the tree lock.
func (n *Node) MaxKeyLocked() []byte {
	var max []byte
	for _, kv := range n.kvsets {
		mk := kv.MaxKey()
		if max == nil || bytesGreater(mk, max) {
			max = mk
		}
	}
	return max
}

func bytesGreater(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return len(a) > len(b)
}

// NodeStatsOf returns node's rolled-up stats snapshot, taken under the
// tree lock so it is coherent with the current kvset list (spec §6
// "node-stats").
func (t *Tree) NodeStatsOf(n *Node) NodeStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return n.ns
}

// TreeSamp returns the tree-wide rolled-up sampling stats (spec §6
// "tree-samp").
func (t *Tree) TreeSamp() SampRecord {
	t.sampMu.Lock()
	defer t.sampMu.Unlock()
	return t.samp
}

// MinMaxKeyOfNode returns node's current min/max key bound across its
// kvset list (spec §6 "min/max-key-of-node").
func (t *Tree) MinMaxKeyOfNode(n *Node) (min, max []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, kv := range n.kvsets {
		mn, mx := kv.MinKey(), kv.MaxKey()
		if min == nil || bytesGreater(min, mn) {
			min = mn
		}
		if max == nil || bytesGreater(mx, max) {
			max = mx
		}
	}
	return min, max
}

// MclassOfNode reports the media class a node's compaction outputs
// should be routed through: leaves hold both key and value material,
// the root (spec §4.2 "root-only raw" counters) is treated uniformly as
// key-class for this classification since its kvsets have not yet been
// separated at spill time.
func (t *Tree) MclassOfNode(n *Node) MediaClass {
	if n.IsRoot() {
		return MediaClassKey
	}
	return MediaClassValue
}

// HealthSnapshot reports the tree-wide operational flags an operator
// dashboard would poll: whether any node has wedged, whether ENOSPC
// has been observed, and whether shutdown has been requested
// (SPEC_FULL.md "Tree.Health() snapshot", implied by spec §5's health
// channel but not itself named as an accessor in spec.md).
type HealthSnapshot struct {
	AnyNodeWedged   bool
	NoSpace         bool
	CancelRequested bool
}

// Health returns the tree's current HealthSnapshot.
func (t *Tree) Health() HealthSnapshot {
	t.mu.RLock()
	nodes := t.nodes
	wedged := false
	for _, n := range nodes {
		if n.Wedged() {
			wedged = true
			break
		}
	}
	t.mu.RUnlock()
	return HealthSnapshot{
		AnyNodeWedged:   wedged,
		NoSpace:         t.NoSpace(),
		CancelRequested: t.CancelRequested(),
	}
}

// errNilJournal is returned by operations that require Attach to have
// been called first.
var errNilJournal = errors.New("cn: tree not attached to a journal")
