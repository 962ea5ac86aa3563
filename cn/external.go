package cn

import "context"

// This file declares the narrow interfaces to the collaborators listed
// as out of scope in spec §1 and §6: the metadata journal, the on-media
// block allocator, the routing map, the compaction scheduler, and the
// health channel. The core only ever calls through these interfaces;
// production implementations, byte formats, and persistence live
// outside this module.

// BlockID identifies an on-media block managed by the block allocator.
type BlockID uint64

// KvsetMeta is the metadata a journal "kvset add" record captures for
// one output of a compaction or ingest (spec §4.5 step 4).
type KvsetMeta struct {
	Dgen     Dgen
	Compc    Compc
	MinKey   []byte
	MaxKey   []byte
	SeqnoMin Seqno
	SeqnoMax Seqno
	Stats    KvsetStats
}

// Cookie is an opaque handle returned by RecordKvsetAdd and consumed by
// RecordKvsetAddAck (spec §4.5 step 4/8).
type Cookie interface{}

// Txn is an opaque journal transaction handle.
type Txn interface{}

// Journal is the metadata transaction log external collaborator
// (spec §6).
type Journal interface {
	// TxStart opens a transaction declaring the number of adds/deletes
	// it will contain and the ingest id / durability horizon it
	// belongs to.
	TxStart(ctx context.Context, ingestID uint64, horizon Seqno, nAdds, nDels int) (Txn, error)

	// RecordKvsetAdd logs one output kvset's metadata and block-id
	// lists under cnid/nodeID, returning a cookie for the later ack.
	RecordKvsetAdd(ctx context.Context, txn Txn, cnid uint64, nodeID NodeID, meta KvsetMeta, kvsetID uint64, hblk BlockID, kblks, vblks []BlockID) (Cookie, error)

	// RecordKvsetAddAck acknowledges a previously logged add once the
	// corresponding kvset has been opened successfully.
	RecordKvsetAddAck(ctx context.Context, txn Txn, cookie Cookie) error

	// RecordKvsetDelete logs the retirement of an input kvset.
	RecordKvsetDelete(ctx context.Context, txn Txn, kv Kvset) error

	// Commit finalizes a transaction once every add has been acked and
	// every delete logged.
	Commit(ctx context.Context, txn Txn) error

	// Nak aborts a transaction, e.g. because a later step in the
	// commit pipeline failed (spec §4.5 step 10).
	Nak(ctx context.Context, txn Txn) error

	// MintNodeID allocates a fresh, durable node id for a split's new
	// left node.
	MintNodeID(ctx context.Context) (NodeID, error)
}

// BlockAllocator is the on-media block allocator external collaborator
// (spec §6).
type BlockAllocator interface {
	// Commit finalizes a list of previously-written blocks, making
	// them durable and owned by the caller's kvset.
	Commit(ctx context.Context, blocks []BlockID) error

	// Delete releases a list of blocks back to the allocator.
	Delete(ctx context.Context, blocks []BlockID) error
}

// RouteEntry is an opaque handle into a RouteMap, associating a node
// with the edge key that bounds its key range.
type RouteEntry interface {
	NodeID() NodeID
}

// RouteMap resolves keys to nodes (spec §6 "used as a black box").
// Implementations are not part of this module's scope; cn/cntest
// provides a reference fake for tests.
type RouteMap interface {
	// Lookup resolves key (whose caller-computed hash is supplied to
	// avoid re-hashing) to the unique node responsible for it.
	Lookup(key []byte, hash uint64) (RouteEntry, error)

	// Insert adds a new route entry for node, keyed by key, and returns
	// a handle to it.
	Insert(node NodeID, key []byte) (RouteEntry, error)

	// Delete removes a route entry.
	Delete(entry RouteEntry) error

	// KeyModify rewrites the edge key of an existing entry in place
	// (spec §4.6 split update, right-node edge-key rewrite).
	KeyModify(entry RouteEntry, newKey []byte) error

	// IsLast reports whether entry is the last (highest-keyed) entry in
	// the map.
	IsLast(entry RouteEntry) bool

	// KeyCmp compares entry's edge key to key, returning <0, 0, or >0.
	KeyCmp(entry RouteEntry, key []byte) int
}

// Scheduler is the compaction scheduler external collaborator
// (spec §6). The core never asks the scheduler to run a job; instead
// the scheduler holds CompactionWork.CompletionCallback and invokes the
// core's Tree.RunCompaction as its own dispatch mechanism.
type Scheduler interface {
	// NotifyIngest reports the size deltas caused by a completed ingest
	// (spec §4.9), used by the scheduler to decide when to trigger a
	// spill.
	NotifyIngest(tree *Tree, deltaRAlen, deltaRWlen uint64)
}

// ErrorKind classifies an error reported through the health channel
// (spec §7).
type ErrorKind int

const (
	KindInvalid ErrorKind = iota
	KindOutOfMemory
	KindBug
	KindNoSpace
	KindShutdown
	KindCorrupt
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindOutOfMemory:
		return "out-of-memory"
	case KindBug:
		return "bug"
	case KindNoSpace:
		return "no-space"
	case KindShutdown:
		return "shutdown"
	case KindCorrupt:
		return "corrupt"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Health is the health-reporting channel external collaborator
// (spec §6). Per spec §7, Shutdown-kind errors must never reach it.
type Health interface {
	Error(kind ErrorKind, err error)
}

// BuiltOutput is one output stream produced by the merge/builder
// library from a compaction's inputs: raw block ids plus the metadata
// needed to derive a KvsetMeta at commit time (spec §1 "kvset builders
// ... merge/iterator library ... out of scope", consumed only through
// Builder below).
type BuiltOutput struct {
	MinKey, MaxKey     []byte
	SeqnoMin, SeqnoMax Seqno
	Stats              KvsetStats
	Hblk               BlockID
	Kblks              []BlockID
	Vblks              []BlockID
	// DestNode is meaningful only for spill outputs: which leaf this
	// output stream belongs to.
	DestNode NodeID
}

// RouteFn resolves a key to its destination node id during spill, so
// the builder can range-partition inputs without importing RouteMap
// itself.
type RouteFn func(key []byte) (NodeID, error)

// Builder is the external kvset-builder / merge-iterator library
// (spec §1, §6): it walks a compaction's input iterators and produces
// the raw block streams for each output. Byte formats and merge
// algorithms are entirely its concern, not the core's.
type Builder interface {
	// KCompact rewrites kblocks for ins into a single output, carrying
	// forward the inputs' vblocks unchanged.
	KCompact(ctx context.Context, ins []Kvset, dropTombstones bool) (BuiltOutput, error)

	// KVCompact merges ins into a single output, rewriting both
	// kblocks and vblocks.
	KVCompact(ctx context.Context, ins []Kvset, dropTombstones bool) (BuiltOutput, error)

	// Spill range-partitions ins across the destination leaves resolved
	// by route. It returns at most one output per non-empty
	// destination.
	Spill(ctx context.Context, ins []Kvset, route RouteFn) ([]BuiltOutput, error)

	// Split range-partitions ins around splitKey, returning the left
	// (<=splitKey) and right (>splitKey) output streams.
	Split(ctx context.Context, ins []Kvset, splitKey []byte) (left, right []BuiltOutput, err error)
}

// PageEvictor is the capped-tree trimmer's low-cost fallback reclaim
// path (spec §4.8 "advise the kernel to evict ... value pages"), used
// when a journal failure prevents the normal delete-and-splice path.
// It is best-effort: implementations are not expected to report
// completion, only to accept the advisory.
type PageEvictor interface {
	AdviseEvict(ctx context.Context, kv Kvset)
}

// KvsetOpener is the external kvset library's construction surface
// (spec §6 "open", "open_sharing_mbsets"). Given block ids already
// committed with the BlockAllocator, it materializes the immutable
// Kvset object the core manipulates from then on.
type KvsetOpener interface {
	// Open constructs a new Kvset from freshly committed blocks.
	Open(ctx context.Context, meta KvsetMeta, hblk BlockID, kblks, vblks []BlockID) (Kvset, error)

	// OpenSharingMbsets constructs a new Kvset that shares vblock
	// (mbset) references with sharedFrom instead of allocating new
	// ones, used by k-compact (spec §4.5 step 6).
	OpenSharingMbsets(ctx context.Context, meta KvsetMeta, hblk BlockID, kblks []BlockID, sharedFrom []Kvset) (Kvset, error)
}
