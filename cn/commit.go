package cn

import (
	"context"

	"github.com/cockroachdb/errors"
)

// commit runs the "committed" stage of spec §4.5: it opens a journal
// transaction, derives each output's metadata, commits blocks, opens
// the resulting kvsets, retires the inputs, and dispatches to the
// action-specific tree update (spec §4.6). Any failure after the
// transaction opens routes through cleanup (spec §4.5 step 10, §4.10).
func (t *Tree) commit(ctx context.Context, w *CompactionWork) error {
	if w.CancelRequested() {
		return ErrShutdown
	}
	if t.journal == nil || t.alloc == nil || t.opener == nil {
		return errors.New("cn: tree missing journal/allocator/opener")
	}

	skipCommit := false
	if w.Action == KCompact && len(w.Outv) == 1 && w.Outv[0].Stats.NumKblks == 0 {
		// All keys were tombstoned away; nothing to commit
		// (spec §4.5 step 1).
		skipCommit = true
		w.Outv = nil
		w.Outc = 0
	}

	nAdds := len(w.Outv)
	nDels := w.KvsetCnt

	// A compaction transaction is not an ingest, so it advances no
	// durability horizon of its own; only the capped trimmer's
	// transactions (capped.go) carry a meaningful horizon.
	txn, err := t.journal.TxStart(ctx, 0, 0, nAdds, nDels)
	if err != nil {
		return errors.Mark(err, ErrTransient)
	}
	w.Txn = txn

	metas, dests, compcs, err := t.deriveOutputMetadata(w)
	if err != nil {
		_ = t.journal.Nak(ctx, txn)
		return err
	}

	type addedOutput struct {
		cookie Cookie
		meta   KvsetMeta
		dest   NodeID
		out    BuiltOutput
	}
	added := make([]addedOutput, 0, len(w.Outv))

	for i, out := range w.Outv {
		meta := metas[i]
		meta.Compc = compcs[i]
		kvsetID := uint64(i) + 1
		if i < len(w.OutKvsetIDs) {
			w.OutKvsetIDs[i] = kvsetID
		}
		cookie, err := t.journal.RecordKvsetAdd(ctx, txn, t.cnid, dests[i], meta, kvsetID, out.Hblk, out.Kblks, out.Vblks)
		if err != nil {
			_ = t.journal.Nak(ctx, txn)
			return t.cleanupAfterFailure(ctx, w, errors.Mark(err, ErrTransient))
		}
		added = append(added, addedOutput{cookie: cookie, meta: meta, dest: dests[i], out: out})
	}

	if err := t.commitBlocks(ctx, w); err != nil {
		_ = t.journal.Nak(ctx, txn)
		if errors.Is(err, ErrNoSpace) {
			t.setNoSpace()
		}
		return t.cleanupAfterFailure(ctx, w, err)
	}

	opened := make([]Kvset, 0, len(added))
	for _, a := range added {
		var kv Kvset
		var err error
		if w.Action == KCompact {
			kv, err = t.opener.OpenSharingMbsets(ctx, a.meta, a.out.Hblk, a.out.Kblks, w.Ins)
		} else {
			kv, err = t.opener.Open(ctx, a.meta, a.out.Hblk, a.out.Kblks, a.out.Vblks)
		}
		if err != nil {
			for _, o := range opened {
				o.PutRef()
			}
			_ = t.journal.Nak(ctx, txn)
			return t.cleanupAfterFailure(ctx, w, errors.Mark(err, ErrTransient))
		}
		opened = append(opened, kv)
	}

	for _, kv := range w.Ins {
		if err := t.journal.RecordKvsetDelete(ctx, txn, kv); err != nil {
			for _, o := range opened {
				o.PutRef()
			}
			_ = t.journal.Nak(ctx, txn)
			return t.cleanupAfterFailure(ctx, w, errors.Mark(err, ErrTransient))
		}
	}

	for _, a := range added {
		if err := t.journal.RecordKvsetAddAck(ctx, txn, a.cookie); err != nil {
			for _, o := range opened {
				o.PutRef()
			}
			_ = t.journal.Nak(ctx, txn)
			return t.cleanupAfterFailure(ctx, w, errors.Mark(err, ErrTransient))
		}
	}

	if err := t.journal.Commit(ctx, txn); err != nil {
		for _, o := range opened {
			o.PutRef()
		}
		return t.cleanupAfterFailure(ctx, w, errors.Mark(err, ErrTransient))
	}

	w.CommitDone = timeNow()

	if skipCommit {
		// Nothing new to install; only the tombstoned inputs retire.
		return t.installEmptyKCompact(w)
	}

	switch w.Action {
	case KCompact, KVCompact:
		return t.installKVCompact(w, opened[0])
	case Spill:
		return t.installSpill(w, opened, dests)
	case Split:
		return t.installSplit(ctx, w, opened, dests)
	default:
		return errors.Newf("cn: unknown action %v", w.Action)
	}
}

// deriveOutputMetadata computes each output's KvsetMeta (minus Compc),
// destination node id, and Compc value, per spec §4.5 step 3.
func (t *Tree) deriveOutputMetadata(w *CompactionWork) (metas []KvsetMeta, dests []NodeID, compcs []Compc, err error) {
	n, err := t.FindNodeByID(w.NodeID)
	if err != nil {
		return nil, nil, nil, err
	}

	metas = make([]KvsetMeta, len(w.Outv))
	dests = make([]NodeID, len(w.Outv))
	compcs = make([]Compc, len(w.Outv))

	maxInCompc := Compc(0)
	for _, kv := range w.Ins {
		if kv.Compc() > maxInCompc {
			maxInCompc = kv.Compc()
		}
	}

	var siblingCompc Compc
	hasSibling := false
	if w.Action == KCompact || w.Action == KVCompact {
		t.mu.RLock()
		list := n.kvsets
		for i, kv := range list {
			if kv == w.Mark && i+1 < len(list) {
				siblingCompc = list[i+1].Compc()
				hasSibling = true
				break
			}
		}
		t.mu.RUnlock()
	}

	for i, out := range w.Outv {
		var dgen Dgen
		var dest NodeID
		var compc Compc

		switch w.Action {
		case KCompact, KVCompact:
			dgen = w.Hi
			dest = w.NodeID
			compc = maxInCompc + 1
			if hasSibling && siblingCompc < compc {
				compc = maxInCompc
			}
		case Spill:
			dgen = w.Hi
			dest = out.DestNode
			compc = t.spillSeedBoost(dest, out)
		case Split:
			dgen = w.Hi + 1 + Dgen(i)
			if i < w.split.leftCount {
				dest = w.split.newNodeIDs[0] // left
			} else {
				dest = w.split.newNodeIDs[1] // right (source node)
			}
			compc = maxInCompc // carried from source
		}

		metas[i] = KvsetMeta{
			Dgen:     dgen,
			MinKey:   out.MinKey,
			MaxKey:   out.MaxKey,
			SeqnoMin: out.SeqnoMin,
			SeqnoMax: out.SeqnoMax,
			Stats:    out.Stats,
		}
		dests[i] = dest
		compcs[i] = compc
	}
	return metas, dests, compcs, nil
}

// spillSeedBoost applies the +RuntimeParams.SpillSeedBoost bump when a
// spill output becomes the first kvset in an empty destination node and
// the output is large enough to defer rewriting a monotonic-load region
// (spec §4.5 step 3).
func (t *Tree) spillSeedBoost(dest NodeID, out BuiltOutput) Compc {
	n, err := t.FindNodeByID(dest)
	if err != nil {
		return 0
	}
	t.mu.RLock()
	empty := len(n.kvsets) == 0
	t.mu.RUnlock()
	if !empty {
		return 0
	}
	rp := t.RuntimeParams()
	if out.Stats.NumKblks > rp.SpillSeedBoostKblks || out.Stats.NumVblks > rp.SpillSeedBoostVblks {
		return Compc(rp.SpillSeedBoost)
	}
	return 0
}

// commitBlocks commits each output's block ids with the allocator. For
// split, each output is committed independently via its own block
// list, recorded in w.split.perOutCommit once its Commit succeeds so
// cleanup can delete it; non-split actions commit every block across
// every output in one bulk call (spec §4.5 step 5).
func (t *Tree) commitBlocks(ctx context.Context, w *CompactionWork) error {
	if w.Action == Split {
		for i, out := range w.Outv {
			blocks := blockList(out)
			if err := t.alloc.Commit(ctx, blocks); err != nil {
				return errors.Mark(err, classifyAllocErr(err))
			}
			w.split.perOutCommit[i] = blocks
		}
		return nil
	}
	var all []BlockID
	for _, out := range w.Outv {
		all = append(all, blockList(out)...)
	}
	if len(all) == 0 {
		return nil
	}
	if err := t.alloc.Commit(ctx, all); err != nil {
		return errors.Mark(err, classifyAllocErr(err))
	}
	return nil
}

func blockList(out BuiltOutput) []BlockID {
	blocks := make([]BlockID, 0, 1+len(out.Kblks)+len(out.Vblks))
	blocks = append(blocks, out.Hblk)
	blocks = append(blocks, out.Kblks...)
	blocks = append(blocks, out.Vblks...)
	return blocks
}

func classifyAllocErr(err error) error {
	// The block allocator reports media-full via a sentinel the core
	// cannot see through an opaque error type in tests; production
	// adapters are expected to wrap ENOSPC as ErrNoSpace themselves.
	if errors.Is(err, ErrNoSpace) {
		return ErrNoSpace
	}
	return ErrTransient
}

// cleanupAfterFailure runs cleanup and returns its error, or the
// original error if cleanup itself does not fail more specifically.
func (t *Tree) cleanupAfterFailure(ctx context.Context, w *CompactionWork, cause error) error {
	if err := t.cleanup(ctx, w); err != nil {
		return err
	}
	if w.Action == Spill {
		if n, ferr := t.FindNodeByID(w.NodeID); ferr == nil {
			n.setWedged()
		}
	}
	return cause
}

// cleanup frees any already-committed blocks and per-output scratch
// after a failed commit (spec §4.10). For a failed split it deletes
// only what has actually been committed so far; for other actions it
// destroys all allocated output mblocks.
func (t *Tree) cleanup(ctx context.Context, w *CompactionWork) error {
	if t.alloc == nil {
		return nil
	}
	if w.Action == Split {
		for _, blocks := range w.split.perOutCommit {
			if len(blocks) == 0 {
				continue
			}
			if err := t.alloc.Delete(ctx, blocks); err != nil {
				return errors.Mark(err, ErrTransient)
			}
		}
		w.split.perOutCommit = nil
		return nil
	}
	var all []BlockID
	for _, out := range w.Outv {
		all = append(all, blockList(out)...)
	}
	if len(all) == 0 {
		return nil
	}
	if err := t.alloc.Delete(ctx, all); err != nil {
		return errors.Mark(err, ErrTransient)
	}
	return nil
}
