package cn

import (
	"context"

	"github.com/cockroachdb/errors"
)

// This file implements the action-specific "tree update" step of
// spec §4.6: splice the compaction's outputs into place, retire its
// inputs, refresh the affected nodes' rolled-up stats, and release the
// node(s)' reservation before finally freeing the retired kvsets
// outside the lock.

// retireInputs marks every kvset in ins for mblock deletion (respecting
// each kvset's own KeepVblocks/PreservedVblocks) and drops the node
// list's reference. Must be called after the write lock has been
// released (spec §4.6 "delete records applied after the structural
// splice, outside the lock").
func (t *Tree) retireInputs(w *CompactionWork, ins []Kvset) {
	for _, kv := range ins {
		keep := kv.KeepVblocks()
		if !keep {
			if _, ok := w.PreservedVblocks[kv]; ok {
				keep = true
			}
		}
		kv.MarkMblocksForDelete(keep)
		kv.PutRef()
	}
}

// installEmptyKCompact retires an all-tombstoned k-compact's inputs
// with no replacement output (spec §4.5 step 1, §4.6).
func (t *Tree) installEmptyKCompact(w *CompactionWork) error {
	n, err := t.FindNodeByID(w.NodeID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	removed, _ := n.removeWindow(w.Mark, w.KvsetCnt)
	if removed == nil {
		t.mu.Unlock()
		return bugf("k-compact input window for node %d vanished before install", w.NodeID)
	}
	t.updateCompact(n)
	n.AddBusy(-1, -int32(w.KvsetCnt))
	t.mu.Unlock()

	t.retireInputs(w, removed)
	return nil
}

// installKVCompact splices the single output of a k-compact or
// kv-compact into the input window's position and retires the inputs
// (spec §4.6 "k-compact/kv-compact tree update").
func (t *Tree) installKVCompact(w *CompactionWork, out Kvset) error {
	n, err := t.FindNodeByID(w.NodeID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	removed, _ := n.removeWindow(w.Mark, w.KvsetCnt)
	if removed == nil {
		t.mu.Unlock()
		out.PutRef()
		return bugf("compaction input window for node %d vanished before install", w.NodeID)
	}
	out.GetRef()
	if err := n.insertOrdered(out); err != nil {
		t.mu.Unlock()
		out.PutRef()
		return err
	}
	n.bumpChangeGen()
	t.updateCompact(n)
	n.AddBusy(-1, -int32(w.KvsetCnt))
	t.mu.Unlock()

	// n's list now holds its own reference; drop the one this function
	// took above, matching installSpill/installSplit's convention.
	out.PutRef()

	t.retireInputs(w, removed)
	return nil
}

// installSpill retires the root's entire spilled window and prepends
// each output to its destination leaf's head, then refreshes the
// root and every touched leaf's samp (spec §4.6 "spill tree update",
// §4.2 "update_spill").
func (t *Tree) installSpill(w *CompactionWork, opened []Kvset, dests []NodeID) error {
	root, err := t.FindNodeByID(w.NodeID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	removed, _ := root.removeWindow(w.Mark, w.KvsetCnt)
	if removed == nil {
		t.mu.Unlock()
		for _, kv := range opened {
			kv.PutRef()
		}
		return bugf("spill input window for root vanished before install")
	}

	var touched []*Node
	seen := make(map[NodeID]bool, len(dests))
	for i, kv := range opened {
		leaf, err := t.findNodeByIDLocked(dests[i])
		if err != nil {
			t.mu.Unlock()
			for _, kv2 := range opened[i:] {
				kv2.PutRef()
			}
			return err
		}
		kv.GetRef()
		leaf.insertHead(kv)
		leaf.bumpChangeGen()
		if !seen[leaf.id] {
			seen[leaf.id] = true
			touched = append(touched, leaf)
		}
	}
	root.bumpChangeGen()
	t.updateSpill(root, touched)
	root.AddBusy(-1, -int32(w.KvsetCnt))
	t.mu.Unlock()

	for _, kv := range opened {
		kv.PutRef()
	}
	t.retireInputs(w, removed)
	return nil
}

// installSplit registers the new left node, distributes the split's
// outputs between it and the existing (now right-hand) source node,
// updates the route map's new boundary, and retires the inputs
// (spec §4.6 "split tree update").
func (t *Tree) installSplit(ctx context.Context, w *CompactionWork, opened []Kvset, dests []NodeID) error {
	if t.routes == nil {
		return errNilJournal
	}
	right, err := t.FindNodeByID(w.NodeID)
	if err != nil {
		return err
	}
	leftID := w.split.newNodeIDs[0]
	left := NewNode(leftID, t.params.SizeMax)

	t.mu.Lock()
	removed, _ := right.removeWindow(w.Mark, w.KvsetCnt)
	if removed == nil {
		t.mu.Unlock()
		for _, kv := range opened {
			kv.PutRef()
		}
		return bugf("split input window for node %d vanished before install", w.NodeID)
	}

	// dests[i] was computed in deriveOutputMetadata using the same
	// left/right boundary that governs opened's placement here, so the
	// two stay consistent regardless of how many outputs each side of
	// the split actually produced.
	for i, kv := range opened {
		kv.GetRef()
		var target *Node
		if dests[i] == leftID {
			target = left
		} else {
			target = right
		}
		if err := target.insertOrdered(kv); err != nil {
			t.mu.Unlock()
			for _, kv2 := range opened {
				kv2.PutRef()
			}
			return err
		}
	}
	right.bumpChangeGen()
	left.bumpChangeGen()

	t.nodes = append(t.nodes, left)
	t.nodeIndex.Put(left.id, left)

	t.updateCompact(left)
	t.updateCompact(right)
	right.AddBusy(-1, -int32(w.KvsetCnt))

	// Overflowing-last-node-edge case (spec §3 invariant 8, edge case
	// F): if right was the last route entry and its stored edge key
	// does not already cover the new split key, its edge key is stale
	// (it only ever needs to be an upper bound for lookups, and was
	// never rewritten when kvsets past it were ingested). Capture its
	// true max key now, while still under the tree's write lock, and
	// rewrite the entry so future lookups past the old edge still
	// resolve to right instead of falling off the map.
	rightEntry := right.routeEntry
	var newRightEdge []byte
	rewriteRightEdge := rightEntry != nil && t.routes.IsLast(rightEntry) && t.routes.KeyCmp(rightEntry, w.SplitKey) <= 0
	if rewriteRightEdge {
		newRightEdge = right.MaxKeyLocked()
	}
	t.mu.Unlock()

	if rewriteRightEdge && len(newRightEdge) > 0 {
		if err := t.routes.KeyModify(rightEntry, newRightEdge); err != nil {
			t.reportHealth(errors.Mark(err, ErrTransient))
		}
	}

	entry, err := t.routes.Insert(leftID, w.SplitKey)
	if err != nil {
		// The structural split has already committed; a failed route
		// insert leaves left unreachable by lookup but still valid and
		// walkable, which reportHealth surfaces for a repair pass
		// rather than unwinding the split (spec §4.10 "structural
		// updates are not rolled back once installed").
		t.reportHealth(errors.Mark(err, ErrTransient))
	} else {
		left.routeEntry = entry
	}

	for _, kv := range opened {
		kv.PutRef()
	}
	t.retireInputs(w, removed)
	return nil
}
