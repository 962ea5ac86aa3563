package cn

import (
	"sync/atomic"
	"time"
)

// ActionKind identifies which of the four compaction shapes a
// CompactionWork performs (spec §3, Glossary).
type ActionKind int

const (
	// KCompact merges a consecutive run in one node into one output,
	// keeping the inputs' value blocks unchanged.
	KCompact ActionKind = iota
	// KVCompact merges a consecutive run in one node into one output,
	// rewriting both key and value blocks.
	KVCompact
	// Spill rewrites root kvsets into per-leaf streams.
	Spill
	// Split partitions a leaf's kvsets across a chosen split key into
	// two nodes.
	Split
)

func (a ActionKind) String() string {
	switch a {
	case KCompact:
		return "k-compact"
	case KVCompact:
		return "kv-compact"
	case Spill:
		return "spill"
	case Split:
		return "split"
	default:
		return "unknown"
	}
}

// splitScratch holds the split-specific fields of CompactionWork
// (spec §3), excluding SplitKey which callers set directly since
// choosing it is a scheduler/policy decision outside this package.
type splitScratch struct {
	perOutCommit [][]BlockID // per-output block ids to commit
	newNodeIDs   [2]NodeID   // [0]=new left, [1]=existing right (source)

	// leftCount is len(left) from the Builder.Split call: the number of
	// w.Outv's leading entries that belong to the new left node. Builder
	// output slices are content-dependent, not KvsetCnt-sized, so this
	// is the only correct left/right boundary once w.Outv is the
	// concatenation of left and right (spec §4.6 split tree update).
	leftCount int
}

// CompactionWork is a job descriptor, one per scheduled compaction
// (spec §3). The scheduler allocates it, stakes its inputs, and either
// its CompletionCallback or, absent one, the pipeline itself frees it.
type CompactionWork struct {
	Tree   *Tree
	NodeID NodeID
	Action ActionKind

	// Mark is the oldest input; inputs are KvsetCnt consecutive entries
	// ending at Mark, running old-to-new toward the head
	// (spec §3, invariant 8).
	Mark     Kvset
	KvsetCnt int
	Lo, Hi   Dgen

	// Outc/Outv describe the outputs prep.go allocates (spec §4.4).
	Outc         int
	Outv         []BuiltOutput
	OutKvsetIDs  []uint64
	OutDestNodes []NodeID // spill only, len == Outc

	// PreservedVblocks records, for k-compact, which vblocks each input
	// contributes to the shared output (spec §4.4 "preserved vblock
	// map").
	PreservedVblocks map[Kvset][]BlockID

	// TombstoneDrop is enabled when the input window reaches the
	// node's oldest kvset for a non-spill action (spec §4.4).
	TombstoneDrop bool

	// Ins is the input-iterator vector, newest-first: Ins[i] is newer
	// than Ins[i+1] (spec §4.4).
	Ins []Kvset

	// SplitKey is the key chosen to partition a split's inputs. It is
	// set by the caller before Compact runs; choosing it is scheduler
	// policy, out of this package's scope (spec §1).
	SplitKey []byte

	split splitScratch

	Txn Txn

	CompletionCallback func(*CompactionWork)

	cancelRequested atomic.Bool

	StartTime      time.Time
	CompactDone    time.Time
	CommitDone     time.Time

	Err error

	tokenHeld           bool
	concurrentRootSpill bool
	rspillDone          atomic.Bool
	rspillCommitInProg  atomic.Bool
}

// timeNow is a seam over time.Now so tests can substitute a fixed
// clock if timing determinism is needed; production code always uses
// the wall clock.
var timeNow = time.Now

// RequestCancel marks this specific job for cancellation, independent
// of the tree-wide cancel flag.
func (w *CompactionWork) RequestCancel() { w.cancelRequested.Store(true) }

// CancelRequested reports whether either this job or its tree has had
// cancellation requested (spec §5 "checked at every iterator boundary
// and before each stage transition").
func (w *CompactionWork) CancelRequested() bool {
	return w.cancelRequested.Load() || (w.Tree != nil && w.Tree.CancelRequested())
}

// Elapsed returns the wall-clock span from submission to commit
// completion, or the zero duration if the job has not finished
// (SPEC_FULL.md "CompactionWork.Elapsed()").
func (w *CompactionWork) Elapsed() time.Duration {
	if w.CommitDone.IsZero() || w.StartTime.IsZero() {
		return 0
	}
	return w.CommitDone.Sub(w.StartTime)
}

// finish releases w, invoking its completion callback if set, otherwise
// doing nothing further: Go's GC reclaims w once unreferenced. The
// explicit method exists to document the spec §3 lifetime rule and to
// give tests and the pipeline a single place to route completion.
func (w *CompactionWork) finish() {
	if w.CompletionCallback != nil {
		w.CompletionCallback(w)
	}
}
