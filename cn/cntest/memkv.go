package cntest

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kelpdb/cntree/cn"
)

// Entry is one logical key-value pair fed into NewKvset. Kvsets built
// from Entry slices carry a single, already-resolved version per key,
// matching the immutable, already-merged nature of a real on-media
// kvset (spec §3 "immutable").
type Entry struct {
	Key       []byte
	Value     []byte
	Seq       cn.Seqno
	Tombstone bool
}

// Kvset is an in-memory cn.Kvset fake: entries held sorted by key,
// with the metadata a real kvset would expose derived at construction
// time.
type Kvset struct {
	dgen  cn.Dgen
	compc cn.Compc
	work  atomic.Uint64

	entries []Entry
	minKey  []byte
	maxKey  []byte
	seqMin  cn.Seqno
	seqMax  cn.Seqno
	stats   cn.KvsetStats
	hlog    *cn.KeySketch

	vblks []cn.BlockID

	refs        atomic.Int32
	keepVblocks atomic.Bool
	deleted     atomic.Bool
}

// NewKvset builds a Kvset from entries, computing bounds, stats, and a
// key-uniqueness sketch. entries need not be pre-sorted.
func NewKvset(dgen cn.Dgen, compc cn.Compc, entries []Entry, vblks []cn.BlockID) *Kvset {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return string(sorted[i].Key) < string(sorted[j].Key) })

	kv := &Kvset{dgen: dgen, compc: compc, entries: sorted, vblks: vblks}
	kv.refs.Store(1)

	sketch := cn.NewKeySketch()
	var stats cn.KvsetStats
	for i, e := range sorted {
		sketch.Add(e.Key)
		stats.NumKeys++
		if e.Tombstone {
			stats.NumTombstones++
		}
		stats.KeyBytes += uint64(len(e.Key))
		stats.ValBytes += uint64(len(e.Value))
		stats.AllocLen += uint64(len(e.Key) + len(e.Value))
		stats.WriteLen += uint64(len(e.Key) + len(e.Value))
		if i == 0 || string(e.Key) < string(kv.minKey) {
			kv.minKey = e.Key
		}
		if i == 0 || string(e.Key) > string(kv.maxKey) {
			kv.maxKey = e.Key
		}
		if i == 0 || e.Seq < kv.seqMin {
			kv.seqMin = e.Seq
		}
		if i == 0 || e.Seq > kv.seqMax {
			kv.seqMax = e.Seq
		}
	}
	stats.NumKblks = 1
	if len(vblks) > 0 {
		stats.NumVblks = len(vblks)
	}
	kv.stats = stats
	kv.hlog = sketch
	return kv
}

func (kv *Kvset) Dgen() cn.Dgen           { return kv.dgen }
func (kv *Kvset) Compc() cn.Compc         { return kv.compc }
func (kv *Kvset) WorkID() cn.WorkID       { return cn.WorkID(kv.work.Load()) }
func (kv *Kvset) SetWorkID(id cn.WorkID)  { kv.work.Store(uint64(id)) }
func (kv *Kvset) MinKey() []byte          { return kv.minKey }
func (kv *Kvset) MaxKey() []byte          { return kv.maxKey }
func (kv *Kvset) SeqnoMin() cn.Seqno      { return kv.seqMin }
func (kv *Kvset) SeqnoMax() cn.Seqno      { return kv.seqMax }
func (kv *Kvset) Hlog() cn.Hlog {
	if kv.hlog == nil {
		return nil
	}
	return kv.hlog
}
func (kv *Kvset) Stats() cn.KvsetStats { return kv.stats }

func (kv *Kvset) GetRef() { kv.refs.Add(1) }
func (kv *Kvset) PutRef() {
	if kv.refs.Add(-1) == 0 {
		// Real kvsets would free their mblocks here; the fake has
		// nothing to release beyond marking itself gone for
		// use-after-free assertions in tests.
		kv.deleted.Store(true)
	}
}

// Deleted reports whether every reference has been released, for test
// assertions.
func (kv *Kvset) Deleted() bool { return kv.deleted.Load() }

func (kv *Kvset) MarkMblocksForDelete(keepVblocks bool) { kv.keepVblocks.Store(keepVblocks) }
func (kv *Kvset) KeepVblocks() bool                     { return kv.keepVblocks.Load() }

func (kv *Kvset) IterCreate(ctx context.Context) (cn.Iterator, error) {
	return &memIterator{entries: kv.entries}, nil
}

func (kv *Kvset) PointGet(ctx context.Context, key []byte, seq cn.Seqno) (value []byte, found, tombstone bool, err error) {
	i := sort.Search(len(kv.entries), func(i int) bool { return string(kv.entries[i].Key) >= string(key) })
	if i >= len(kv.entries) || string(kv.entries[i].Key) != string(key) {
		return nil, false, false, nil
	}
	e := kv.entries[i]
	if e.Seq > seq {
		return nil, false, false, nil
	}
	return e.Value, true, e.Tombstone, nil
}

func (kv *Kvset) PrefixProbe(ctx context.Context, prefix []byte, seq cn.Seqno) (hit, ptomb bool, err error) {
	i := sort.Search(len(kv.entries), func(i int) bool { return string(kv.entries[i].Key) >= string(prefix) })
	for ; i < len(kv.entries) && len(kv.entries[i].Key) >= len(prefix) && string(kv.entries[i].Key[:len(prefix)]) == string(prefix); i++ {
		if kv.entries[i].Seq > seq {
			continue
		}
		if kv.entries[i].Tombstone {
			return false, true, nil
		}
		return true, false, nil
	}
	return false, false, nil
}

// memIterator implements cn.Iterator over a fixed, sorted entry slice.
type memIterator struct {
	entries []Entry
	pos     int
}

func (it *memIterator) Next(ctx context.Context) (key, value []byte, seq cn.Seqno, tombstone bool, ok bool, err error) {
	if it.pos >= len(it.entries) {
		return nil, nil, 0, false, false, nil
	}
	e := it.entries[it.pos]
	it.pos++
	return e.Key, e.Value, e.Seq, e.Tombstone, true, nil
}

func (it *memIterator) Close() error { return nil }

// MemBuilder is a combined cn.Builder + cn.KvsetOpener fake: it merges
// or partitions the entries of *Kvset inputs entirely in memory and
// hands back BuiltOutput/opened-Kvset pairs threaded through a small
// block-id-keyed entry store, standing in for the real on-media
// merge/build/open library that spec §1 places out of scope.
type MemBuilder struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[cn.BlockID][]Entry
	vblks   map[cn.BlockID][]cn.BlockID
}

// NewMemBuilder returns an empty MemBuilder.
func NewMemBuilder() *MemBuilder {
	return &MemBuilder{entries: make(map[cn.BlockID][]Entry), vblks: make(map[cn.BlockID][]cn.BlockID)}
}

func (b *MemBuilder) alloc(entries []Entry, vblks []cn.BlockID) cn.BlockID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := cn.BlockID(b.nextID)
	b.entries[id] = entries
	b.vblks[id] = vblks
	return id
}

func asMem(kv cn.Kvset) *Kvset {
	mkv, ok := kv.(*Kvset)
	if !ok {
		panic("cntest: MemBuilder given a non-*Kvset input")
	}
	return mkv
}

// mergeEntries merges ins (newest-first, per cn.CompactionWork.Ins)
// into one key-sorted slice, keeping only the newest version of each
// key, and optionally dropping tombstones.
func mergeEntries(ins []cn.Kvset, dropTombstones bool) []Entry {
	best := make(map[string]Entry)
	order := make([]string, 0)
	for _, kv := range ins {
		mkv := asMem(kv)
		for _, e := range mkv.entries {
			k := string(e.Key)
			if existing, ok := best[k]; ok {
				if e.Seq <= existing.Seq {
					continue
				}
			} else {
				order = append(order, k)
			}
			best[k] = e
		}
	}
	sort.Strings(order)
	out := make([]Entry, 0, len(order))
	for _, k := range order {
		e := best[k]
		if dropTombstones && e.Tombstone {
			continue
		}
		out = append(out, e)
	}
	return out
}

func boundsOf(entries []Entry) (min, max []byte, seqMin, seqMax cn.Seqno) {
	for i, e := range entries {
		if i == 0 || string(e.Key) < string(min) {
			min = e.Key
		}
		if i == 0 || string(e.Key) > string(max) {
			max = e.Key
		}
		if i == 0 || e.Seq < seqMin {
			seqMin = e.Seq
		}
		if i == 0 || e.Seq > seqMax {
			seqMax = e.Seq
		}
	}
	return
}

func statsOf(entries []Entry, numVblks int) cn.KvsetStats {
	var s cn.KvsetStats
	for _, e := range entries {
		s.NumKeys++
		if e.Tombstone {
			s.NumTombstones++
		}
		s.KeyBytes += uint64(len(e.Key))
		s.ValBytes += uint64(len(e.Value))
		s.AllocLen += uint64(len(e.Key) + len(e.Value))
		s.WriteLen += uint64(len(e.Key) + len(e.Value))
	}
	if len(entries) > 0 {
		s.NumKblks = 1
	}
	s.NumVblks = numVblks
	return s
}

func (b *MemBuilder) KCompact(ctx context.Context, ins []cn.Kvset, dropTombstones bool) (cn.BuiltOutput, error) {
	merged := mergeEntries(ins, dropTombstones)
	var vblks []cn.BlockID
	for _, kv := range ins {
		vblks = append(vblks, asMem(kv).vblks...)
	}
	if len(merged) == 0 {
		return cn.BuiltOutput{Stats: cn.KvsetStats{}}, nil
	}
	min, max, seqMin, seqMax := boundsOf(merged)
	hblk := b.alloc(merged, vblks)
	return cn.BuiltOutput{
		MinKey: min, MaxKey: max, SeqnoMin: seqMin, SeqnoMax: seqMax,
		Stats: statsOf(merged, len(vblks)),
		Hblk:  hblk,
		Kblks: []cn.BlockID{hblk},
		Vblks: vblks,
	}, nil
}

func (b *MemBuilder) KVCompact(ctx context.Context, ins []cn.Kvset, dropTombstones bool) (cn.BuiltOutput, error) {
	merged := mergeEntries(ins, dropTombstones)
	if len(merged) == 0 {
		return cn.BuiltOutput{Stats: cn.KvsetStats{}}, nil
	}
	min, max, seqMin, seqMax := boundsOf(merged)
	hblk := b.alloc(merged, nil)
	numVblks := 0
	for _, e := range merged {
		if len(e.Value) > 0 {
			numVblks = 1
			break
		}
	}
	return cn.BuiltOutput{
		MinKey: min, MaxKey: max, SeqnoMin: seqMin, SeqnoMax: seqMax,
		Stats: statsOf(merged, numVblks),
		Hblk:  hblk,
		Kblks: []cn.BlockID{hblk},
		Vblks: nil,
	}, nil
}

func (b *MemBuilder) Spill(ctx context.Context, ins []cn.Kvset, route cn.RouteFn) ([]cn.BuiltOutput, error) {
	merged := mergeEntries(ins, false)
	byDest := make(map[cn.NodeID][]Entry)
	var order []cn.NodeID
	for _, e := range merged {
		dest, err := route(e.Key)
		if err != nil {
			return nil, err
		}
		if _, ok := byDest[dest]; !ok {
			order = append(order, dest)
		}
		byDest[dest] = append(byDest[dest], e)
	}
	outs := make([]cn.BuiltOutput, 0, len(order))
	for _, dest := range order {
		entries := byDest[dest]
		min, max, seqMin, seqMax := boundsOf(entries)
		hblk := b.alloc(entries, nil)
		outs = append(outs, cn.BuiltOutput{
			MinKey: min, MaxKey: max, SeqnoMin: seqMin, SeqnoMax: seqMax,
			Stats: statsOf(entries, 0),
			Hblk:  hblk,
			Kblks: []cn.BlockID{hblk},
			DestNode: dest,
		})
	}
	return outs, nil
}

func (b *MemBuilder) Split(ctx context.Context, ins []cn.Kvset, splitKey []byte) (left, right []cn.BuiltOutput, err error) {
	merged := mergeEntries(ins, false)
	var l, r []Entry
	for _, e := range merged {
		if string(e.Key) <= string(splitKey) {
			l = append(l, e)
		} else {
			r = append(r, e)
		}
	}
	build := func(entries []Entry) []cn.BuiltOutput {
		if len(entries) == 0 {
			return nil
		}
		min, max, seqMin, seqMax := boundsOf(entries)
		hblk := b.alloc(entries, nil)
		return []cn.BuiltOutput{{
			MinKey: min, MaxKey: max, SeqnoMin: seqMin, SeqnoMax: seqMax,
			Stats: statsOf(entries, 0),
			Hblk:  hblk,
			Kblks: []cn.BlockID{hblk},
		}}
	}
	return build(l), build(r), nil
}

func (b *MemBuilder) Open(ctx context.Context, meta cn.KvsetMeta, hblk cn.BlockID, kblks, vblks []cn.BlockID) (cn.Kvset, error) {
	b.mu.Lock()
	entries := b.entries[hblk]
	b.mu.Unlock()
	kv := NewKvset(meta.Dgen, meta.Compc, entries, vblks)
	return kv, nil
}

func (b *MemBuilder) OpenSharingMbsets(ctx context.Context, meta cn.KvsetMeta, hblk cn.BlockID, kblks []cn.BlockID, sharedFrom []cn.Kvset) (cn.Kvset, error) {
	b.mu.Lock()
	entries := b.entries[hblk]
	vblks := b.vblks[hblk]
	b.mu.Unlock()
	kv := NewKvset(meta.Dgen, meta.Compc, entries, vblks)
	return kv, nil
}
