package cn

import "github.com/cockroachdb/errors"

// Prepare computes n_outs, allocates the output-descriptor and
// per-output vectors, builds the input-iterator vector, and decides
// tombstone-drop eligibility for w (spec §4.4).
//
// The tree lock is taken briefly in read mode to snapshot the node's
// current kvset list; the actual input window must remain stable from
// here to commit because the node's compaction token (or, for spill,
// this job's FIFO ticket) excludes any other structural mutation of
// that window in the meantime.
func (t *Tree) Prepare(w *CompactionWork) error {
	n, err := t.FindNodeByID(w.NodeID)
	if err != nil {
		return err
	}

	t.mu.RLock()
	list := n.kvsets
	markIdx := -1
	for i, kv := range list {
		if kv == w.Mark {
			markIdx = i
			break
		}
	}
	if markIdx < 0 {
		t.mu.RUnlock()
		return bugf("compaction mark not found in node %d's list", w.NodeID)
	}
	lo := markIdx - (w.KvsetCnt - 1)
	if lo < 0 {
		t.mu.RUnlock()
		return bugf("compaction window of %d overruns node %d's list", w.KvsetCnt, w.NodeID)
	}
	// ins[i] newer than ins[i+1]: head-first indexing already satisfies
	// this from lo to markIdx.
	ins := append([]Kvset(nil), list[lo:markIdx+1]...)
	reachesTail := markIdx == len(list)-1
	t.mu.RUnlock()

	if len(ins) == 0 {
		return bugf("compaction work for node %d has no inputs", w.NodeID)
	}
	w.Ins = ins

	switch w.Action {
	case KCompact, KVCompact:
		w.Outc = 1
	case Spill:
		w.Outc = int(t.params.Fanout)
	case Split:
		w.Outc = 2 * w.KvsetCnt
	default:
		return errors.Newf("cn: unknown action kind %v", w.Action)
	}

	w.Outv = make([]BuiltOutput, 0, w.Outc)
	w.OutKvsetIDs = make([]uint64, w.Outc)
	if w.Action == Spill {
		w.OutDestNodes = make([]NodeID, w.Outc)
	}

	if w.Action == KCompact {
		w.PreservedVblocks = preservedVblockMap(ins)
	}

	if w.Action == Split {
		w.split.perOutCommit = make([][]BlockID, w.Outc)
	}

	// Tombstone-drop is enabled when the action is not spill and the
	// input window includes the node's oldest kvset (spec §4.4).
	w.TombstoneDrop = w.Action != Spill && reachesTail

	return nil
}

// preservedVblockMap computes, for a k-compact, the vblocks each input
// contributes to the shared output: k-compact keeps every input's
// vblocks unchanged, rewriting only kblocks (spec §4.4).
func preservedVblockMap(ins []Kvset) map[Kvset][]BlockID {
	m := make(map[Kvset][]BlockID, len(ins))
	for _, kv := range ins {
		// The concrete vblock ids are opaque to the core; Stats()
		// reports counts only. The map's presence records which
		// inputs contribute vblocks at all (NumVblks > 0); the actual
		// ids are threaded through by the Builder at Compact time via
		// BuiltOutput.Vblks.
		if kv.Stats().NumVblks > 0 {
			m[kv] = nil
		}
	}
	return m
}
