// Package cntest provides in-memory fakes for the external
// collaborators cn consumes as narrow interfaces (Journal,
// BlockAllocator, RouteMap, Scheduler, Health, Kvset, Builder,
// KvsetOpener), the way pebble's tests build in-memory vfs.FS fakes
// instead of touching a real filesystem.
package cntest

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kelpdb/cntree/cn"
)

// Journal is an in-memory cn.Journal fake. Every method is safe for
// concurrent use.
type Journal struct {
	mu       sync.Mutex
	nextTxn  int
	nextNode cn.NodeID
	txns     map[int]*txnState
	Adds     []AddRecord
	Deletes  []cn.Kvset
}

type txnState struct {
	acked   int
	deletes int
	nAdds   int
	nDels   int
}

// AddRecord captures one RecordKvsetAdd call for test assertions.
type AddRecord struct {
	NodeID  cn.NodeID
	Meta    cn.KvsetMeta
	KvsetID uint64
	Hblk    cn.BlockID
	Kblks   []cn.BlockID
	Vblks   []cn.BlockID
}

// NewJournal returns an empty Journal fake. Node ids start at 1 since
// 0 is reserved for the root (spec §3).
func NewJournal() *Journal {
	return &Journal{
		nextNode: 1,
		txns:     make(map[int]*txnState),
	}
}

func (j *Journal) TxStart(ctx context.Context, ingestID uint64, horizon cn.Seqno, nAdds, nDels int) (cn.Txn, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextTxn++
	id := j.nextTxn
	j.txns[id] = &txnState{nAdds: nAdds, nDels: nDels}
	return id, nil
}

func (j *Journal) RecordKvsetAdd(ctx context.Context, txn cn.Txn, cnid uint64, nodeID cn.NodeID, meta cn.KvsetMeta, kvsetID uint64, hblk cn.BlockID, kblks, vblks []cn.BlockID) (cn.Cookie, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Adds = append(j.Adds, AddRecord{NodeID: nodeID, Meta: meta, KvsetID: kvsetID, Hblk: hblk, Kblks: kblks, Vblks: vblks})
	return len(j.Adds) - 1, nil
}

func (j *Journal) RecordKvsetAddAck(ctx context.Context, txn cn.Txn, cookie cn.Cookie) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	t := j.txns[txn.(int)]
	if t != nil {
		t.acked++
	}
	return nil
}

func (j *Journal) RecordKvsetDelete(ctx context.Context, txn cn.Txn, kv cn.Kvset) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Deletes = append(j.Deletes, kv)
	if t := j.txns[txn.(int)]; t != nil {
		t.deletes++
	}
	return nil
}

func (j *Journal) Commit(ctx context.Context, txn cn.Txn) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.txns, txn.(int))
	return nil
}

func (j *Journal) Nak(ctx context.Context, txn cn.Txn) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.txns, txn.(int))
	return nil
}

func (j *Journal) MintNodeID(ctx context.Context) (cn.NodeID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	id := j.nextNode
	j.nextNode++
	return id, nil
}

// BlockAllocator is an in-memory cn.BlockAllocator fake. FailNext, if
// set, causes the next Commit to fail with err and reset itself.
type BlockAllocator struct {
	mu        sync.Mutex
	committed map[cn.BlockID]bool
	FailNext  error
}

func NewBlockAllocator() *BlockAllocator {
	return &BlockAllocator{committed: make(map[cn.BlockID]bool)}
}

func (a *BlockAllocator) Commit(ctx context.Context, blocks []cn.BlockID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FailNext != nil {
		err := a.FailNext
		a.FailNext = nil
		return err
	}
	for _, b := range blocks {
		a.committed[b] = true
	}
	return nil
}

func (a *BlockAllocator) Delete(ctx context.Context, blocks []cn.BlockID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, b := range blocks {
		delete(a.committed, b)
	}
	return nil
}

// Committed reports whether b is currently committed.
func (a *BlockAllocator) Committed(b cn.BlockID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed[b]
}

// routeEntry is cntest's cn.RouteEntry implementation: an edge key
// paired with the node id it routes to, kept in a slice sorted by key
// the way a real route map would keep a sorted index.
type routeEntry struct {
	key    []byte
	nodeID cn.NodeID
}

func (e *routeEntry) NodeID() cn.NodeID { return e.nodeID }

// RouteMap is an in-memory, sorted-by-edge-key cn.RouteMap fake.
type RouteMap struct {
	mu      sync.Mutex
	entries []*routeEntry
}

func NewRouteMap() *RouteMap {
	return &RouteMap{}
}

// Seed inserts an initial route entry without locking semantics that
// matter (used to set up a leaf's key range before a test begins).
func (m *RouteMap) Seed(node cn.NodeID, maxKey []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &routeEntry{key: append([]byte(nil), maxKey...), nodeID: node})
	m.sortLocked()
}

func (m *RouteMap) sortLocked() {
	sort.Slice(m.entries, func(i, j int) bool {
		return string(m.entries[i].key) < string(m.entries[j].key)
	})
}

func (m *RouteMap) Lookup(key []byte, hash uint64) (cn.RouteEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return nil, cn.ErrInvalid
	}
	for _, e := range m.entries {
		if string(key) <= string(e.key) {
			return e, nil
		}
	}
	return m.entries[len(m.entries)-1], nil
}

func (m *RouteMap) Insert(node cn.NodeID, key []byte) (cn.RouteEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &routeEntry{key: append([]byte(nil), key...), nodeID: node}
	m.entries = append(m.entries, e)
	m.sortLocked()
	return e, nil
}

func (m *RouteMap) Delete(entry cn.RouteEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	re := entry.(*routeEntry)
	for i, e := range m.entries {
		if e == re {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *RouteMap) KeyModify(entry cn.RouteEntry, newKey []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	re := entry.(*routeEntry)
	re.key = append([]byte(nil), newKey...)
	m.sortLocked()
	return nil
}

func (m *RouteMap) IsLast(entry cn.RouteEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return false
	}
	return m.entries[len(m.entries)-1] == entry
}

func (m *RouteMap) KeyCmp(entry cn.RouteEntry, key []byte) int {
	re := entry.(*routeEntry)
	switch {
	case string(re.key) < string(key):
		return -1
	case string(re.key) > string(key):
		return 1
	default:
		return 0
	}
}

// Scheduler is a cn.Scheduler fake that just counts notifications.
type Scheduler struct {
	Notifications atomic.Int64
	LastDeltaAlen atomic.Uint64
	LastDeltaWlen atomic.Uint64
}

func NewScheduler() *Scheduler { return &Scheduler{} }

func (s *Scheduler) NotifyIngest(tree *cn.Tree, deltaRAlen, deltaRWlen uint64) {
	s.Notifications.Add(1)
	s.LastDeltaAlen.Store(deltaRAlen)
	s.LastDeltaWlen.Store(deltaRWlen)
}

// Health is a cn.Health fake that records every reported error.
type Health struct {
	mu     sync.Mutex
	Errors []HealthEvent
}

// HealthEvent is one recorded Health.Error call.
type HealthEvent struct {
	Kind cn.ErrorKind
	Err  error
}

func NewHealth() *Health { return &Health{} }

func (h *Health) Error(kind cn.ErrorKind, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Errors = append(h.Errors, HealthEvent{Kind: kind, Err: err})
}

// Events returns a snapshot of every recorded error.
func (h *Health) Events() []HealthEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HealthEvent(nil), h.Errors...)
}
