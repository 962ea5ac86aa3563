package cn

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// busyJobShift is the bit offset separating the active-job count (upper
// bits) from the reserved-kvset count (lower bits) of Node.busy
// (spec §5 "Per-node busy counter").
const busyJobShift = 16

// busyKvsetMask masks the reserved-kvset half of the busy counter.
const busyKvsetMask = (1 << busyJobShift) - 1

// Node is a node in the tree (spec §3). The root is distinguished by
// id 0. Its kvset list, id 0 aside, is structurally identical to a
// leaf's: an ordered, dgen-descending slice from head (newest) to tail
// (oldest).
//
// The kvset slice itself is mutated only under the owning Tree's
// read-mostly lock (spec §4.1). The token, busy counter, rspills FIFO,
// wedged flag, change-gen and ptomb fields each carry their own
// primitive; ns, samp, hlog, routeEntry and trimmerLast are plain
// fields with no synchronization of their own.
type Node struct {
	id      NodeID
	sizeMax uint64

	// kvsets is head-first: kvsets[0] is newest. Guarded by the owning
	// Tree's rw lock.
	kvsets []Kvset

	ns   NodeStats
	samp SampRecord
	hlog *KeySketch

	// token is a 1-weight semaphore standing in for the compaction
	// token bit of spec §5: TryAcquire(1) claims exclusive compaction
	// rights, Release(1) frees them. Root spills do not take it (see
	// AcquireSpillToken).
	token *semaphore.Weighted

	// busy packs active-job-count (upper 16 bits) and reserved-kvset
	// count (lower 16 bits), per spec §5.
	busy atomic.Uint32

	// rspillsMu guards rspills, the FIFO of concurrent in-flight root
	// spills (spec §4.7). Unused on leaves. rspillsCond lets waiting
	// jobs block instead of busy-polling get_completed_spill.
	rspillsMu   sync.Mutex
	rspillsCond *sync.Cond
	rspills     []*CompactionWork

	wedged atomic.Bool

	routeEntry RouteEntry

	changeGen atomic.Uint64

	// ptomb, ptombLen and ptombSeq track the highest-seqno prefix
	// tombstone observed by ingest, used by the capped-tree trimmer
	// (spec §4.8/§4.9).
	ptombMu  sync.Mutex
	ptomb    []byte
	ptombLen int
	ptombSeq Seqno

	// trimmerLast records the dgen of the kvset at which the trimmer's
	// last walk stopped (0 after a tick that trimmed). No code reads it
	// back: every tick walks the root list from the tail again.
	trimmerLast Dgen
}

// NewNode allocates a node with an empty kvset list.
func NewNode(id NodeID, sizeMax uint64) *Node {
	n := &Node{
		id:      id,
		sizeMax: sizeMax,
		token:   semaphore.NewWeighted(1),
	}
	n.rspillsCond = sync.NewCond(&n.rspillsMu)
	return n
}

// ID returns the node's stable identifier.
func (n *Node) ID() NodeID { return n.id }

// IsRoot reports whether this is the tree's root node.
func (n *Node) IsRoot() bool { return n.id == 0 }

// ChangeGen returns the node's current change-generation counter.
func (n *Node) ChangeGen() uint64 { return n.changeGen.Load() }

func (n *Node) bumpChangeGen() { n.changeGen.Add(1) }

// Len returns the number of kvsets currently in the node's list. Must
// be called under the tree's lock.
func (n *Node) Len() int { return len(n.kvsets) }

// List returns the node's kvset list, head (newest) first. The returned
// slice must not be retained past the caller's hold of the tree lock.
func (n *Node) List() []Kvset { return n.kvsets }

// insertOrdered inserts kv into the list, scanning from head toward
// tail and inserting before the first existing entry whose dgen is less
// than kv's (spec §4.1 "Node insert during initialization"). It is also
// reused by kv-compact's tree update (spec §4.6). Returns ErrCorrupt on
// a duplicate dgen.
func (n *Node) insertOrdered(kv Kvset) error {
	d := kv.Dgen()
	i := 0
	for ; i < len(n.kvsets); i++ {
		od := n.kvsets[i].Dgen()
		if od == d {
			return ErrCorrupt
		}
		if od < d {
			break
		}
	}
	n.kvsets = append(n.kvsets, nil)
	copy(n.kvsets[i+1:], n.kvsets[i:])
	n.kvsets[i] = kv
	return nil
}

// insertHead prepends kv, the fast path used by ingest and spill
// (spec §4.9, §4.6).
func (n *Node) insertHead(kv Kvset) {
	n.kvsets = append(n.kvsets, nil)
	copy(n.kvsets[1:], n.kvsets)
	n.kvsets[0] = kv
}

// removeOldest splices the count oldest (tail-most) entries out of the
// list and returns them in list order, newest-first, i.e. in the order
// [tail-(count-1) .. tail]. Used by the capped trimmer.
func (n *Node) removeOldest(count int) []Kvset {
	if count <= 0 || count > len(n.kvsets) {
		return nil
	}
	start := len(n.kvsets) - count
	removed := make([]Kvset, count)
	copy(removed, n.kvsets[start:])
	n.kvsets = n.kvsets[:start]
	return removed
}

// removeWindow splices out the count consecutive entries ending at
// (and including) the entry equal to mark, ordered old-to-new toward
// the head, mirroring the CompactionWork input window of spec §3/§4.4.
// It returns the removed entries oldest-first and the index at which
// they began (for insertOrdered-style reinsertion at mark.prev).
func (n *Node) removeWindow(mark Kvset, count int) (removed []Kvset, at int) {
	markIdx := -1
	for i, kv := range n.kvsets {
		if kv == mark {
			markIdx = i
			break
		}
	}
	if markIdx < 0 {
		return nil, -1
	}
	// The window spans [markIdx-(count-1), markIdx] in head-first
	// indexing, since mark is the oldest input and inputs run
	// head-ward (newer) from it.
	lo := markIdx - (count - 1)
	if lo < 0 {
		return nil, -1
	}
	removed = make([]Kvset, count)
	for i := 0; i < count; i++ {
		removed[i] = n.kvsets[lo+count-1-i] // oldest-first
	}
	n.kvsets = append(n.kvsets[:lo], n.kvsets[markIdx+1:]...)
	return removed, lo
}

// AddBusy adjusts the active-job and reserved-kvset counters
// atomically (spec §5).
func (n *Node) AddBusy(jobs, kvsets int32) {
	for {
		old := n.busy.Load()
		oldJobs := int32(old >> busyJobShift)
		oldKvsets := int32(old & busyKvsetMask)
		newVal := uint32((oldJobs+jobs)<<busyJobShift) | uint32(oldKvsets+kvsets)&busyKvsetMask
		if n.busy.CompareAndSwap(old, newVal) {
			return
		}
	}
}

// Busy returns the current (active-job, reserved-kvset) counts.
func (n *Node) Busy() (jobs, kvsets int) {
	v := n.busy.Load()
	return int(v >> busyJobShift), int(v & busyKvsetMask)
}

// AcquireToken claims the exclusive per-node compaction token
// (spec §5). It never blocks.
func (n *Node) AcquireToken() bool {
	return n.token.TryAcquire(1)
}

// ReleaseToken releases a previously acquired token.
func (n *Node) ReleaseToken() { n.token.Release(1) }

// AcquireSpillToken is the token check for a concurrent root spill. It
// always reports success and does not touch the node's token
// semaphore, so concurrent root spills never exclude one another or a
// token holder here; their commits are ordered only by the rspills
// FIFO (spillorder.go). No spill holds the token during its structural
// update.
func (n *Node) AcquireSpillToken() bool { return true }

// Wedged reports whether an earlier unrecoverable spill failure has
// wedged this node (spec §4.7, §4.10).
func (n *Node) Wedged() bool { return n.wedged.Load() }

func (n *Node) setWedged() { n.wedged.Store(true) }

// RecordPtomb remembers the highest-seqno prefix tombstone ingested at
// this node, used as the capped-trimmer eviction bound (spec §4.9).
func (n *Node) RecordPtomb(key []byte, seq Seqno) {
	n.ptombMu.Lock()
	defer n.ptombMu.Unlock()
	if seq >= n.ptombSeq {
		n.ptomb = append(n.ptomb[:0], key...)
		n.ptombLen = len(key)
		n.ptombSeq = seq
	}
}

// Ptomb returns the remembered largest prefix tombstone, if any.
func (n *Node) Ptomb() (key []byte, seq Seqno, ok bool) {
	n.ptombMu.Lock()
	defer n.ptombMu.Unlock()
	if n.ptombLen == 0 {
		return nil, 0, false
	}
	return append([]byte(nil), n.ptomb...), n.ptombSeq, true
}
