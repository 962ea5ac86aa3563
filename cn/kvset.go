package cn

import "context"

// Dgen is a data generation: a strictly monotonic integer tagging a
// kvset. Higher is newer (spec Glossary).
type Dgen uint64

// Compc is a compaction-count hint inflated when a kvset has been
// rewritten many times (spec Glossary).
type Compc uint32

// Seqno is a transaction sequence number.
type Seqno uint64

// WorkID stamps a kvset as reserved by an in-flight compaction job
// (spec §3 invariant 4). Zero means unreserved.
type WorkID uint64

// NodeID identifies a node; the root is always id 0 (spec §3).
type NodeID uint64

// KvsetStats summarizes the block-level shape of a kvset, used by the
// sampling engine (spec §4.2) and the spill seed-boost heuristic
// (spec §4.5 step 3).
type KvsetStats struct {
	NumKeys       uint64
	NumTombstones uint64
	AllocLen      uint64 // raw allocated length across all blocks
	WriteLen      uint64 // logical bytes written, pre-estimator
	KeyBytes      uint64
	ValBytes      uint64
	NumKblks      int
	NumVblks      int
}

// Hlog is a HyperLogLog-style key-uniqueness sketch attached to a kvset
// (spec §3 Node "hyper-log-log sketch"; §4.2 "unique-key estimate").
type Hlog interface {
	// EstimateCardinality returns the estimated number of distinct keys
	// observed by the sketch.
	EstimateCardinality() uint64

	// Merge folds other's registers into the receiver in place.
	Merge(other Hlog)
}

// Iterator walks a kvset's entries in key order. It is the narrow
// surface the core needs from the external merge/iterator library
// (spec §1 "consumed only through narrow interfaces").
type Iterator interface {
	Next(ctx context.Context) (key, value []byte, seq Seqno, tombstone bool, ok bool, err error)
	Close() error
}

// Kvset is the opaque, reference-counted, immutable key-value set
// entity of spec §3. The core never inspects its contents beyond the
// metadata exposed here; construction, byte layout, and value
// compression are delegated to the external kvset-builder library
// (spec §1 Non-goals).
type Kvset interface {
	// Dgen returns the kvset's data generation. Within a node's list,
	// dgen is strictly decreasing from head to tail (invariant 1).
	Dgen() Dgen

	// Compc returns the compaction-count hint.
	Compc() Compc

	// WorkID returns the current reservation stamp, or 0 if unreserved.
	WorkID() WorkID
	// SetWorkID sets the reservation stamp. Only the reserving job may
	// later clear it (spec invariant 4).
	SetWorkID(WorkID)

	// MinKey and MaxKey bound the kvset's key range. A kvset selected
	// as a compaction input must never be empty, since MaxKey would
	// otherwise be undefined (spec §9 open question).
	MinKey() []byte
	MaxKey() []byte

	// SeqnoMin and SeqnoMax bound the kvset's sequence-number range.
	SeqnoMin() Seqno
	SeqnoMax() Seqno

	// Hlog returns the kvset's key-uniqueness sketch, or nil if none
	// was recorded.
	Hlog() Hlog

	// Stats returns the kvset's block-level statistics.
	Stats() KvsetStats

	// GetRef and PutRef implement reference counting. The kvset is
	// shared between a node's list and any transient readers; when the
	// last reference is dropped, mblocks marked for delete are freed
	// and the in-memory object is released (spec §3 Kvset lifetime).
	GetRef()
	PutRef()

	// MarkMblocksForDelete arranges for the kvset's mblocks to be freed
	// when the last reference is dropped. keepVblocks preserves value
	// blocks shared with a k-compact output.
	MarkMblocksForDelete(keepVblocks bool)

	// KeepVblocks reports whether this kvset's vblocks must be
	// preserved by a k-compact that consumes it as input.
	KeepVblocks() bool

	// IterCreate opens an iterator over the kvset's entries.
	IterCreate(ctx context.Context) (Iterator, error)

	// PointGet resolves key at or below seq. found is false if no entry
	// exists; tombstone is true if the resolved entry is a deletion
	// marker.
	PointGet(ctx context.Context, key []byte, seq Seqno) (value []byte, found, tombstone bool, err error)

	// PrefixProbe reports whether any live key has the given prefix at
	// or below seq, and whether a prefix-tombstone covering it was
	// observed.
	PrefixProbe(ctx context.Context, prefix []byte, seq Seqno) (hit, ptomb bool, err error)
}
