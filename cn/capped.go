package cn

import (
	"context"

	"github.com/cockroachdb/errors"
)

// bytesLess reports whether a sorts strictly before b.
func bytesLess(a, b []byte) bool { return bytesGreater(b, a) }

// CappedCompactTick runs one pass of the capped-tree trimmer
// (spec §4.8): it evicts the run of expired kvsets at the tail of the
// root list, bounded by sequenceHorizon and the remembered prefix
// tombstone. Non-capped trees return nil immediately.
func (t *Tree) CappedCompactTick(ctx context.Context, sequenceHorizon Seqno) error {
	if !t.params.Capped {
		return nil
	}
	if t.journal == nil {
		return errNilJournal
	}

	root := t.root

	t.mu.RLock()
	list := append([]Kvset(nil), root.kvsets...)
	t.mu.RUnlock()
	if len(list) == 0 {
		return nil
	}

	ptombKey, ptombSeq, hasPtomb := root.Ptomb()

	horizon := sequenceHorizon
	if hasPtomb && ptombSeq < horizon {
		horizon = ptombSeq
	}

	// Walk from the tail (list[len-1], oldest) toward the head
	// (list[0], newest), stopping at the first kvset that does not
	// expire. run accumulates oldest-first. Every kvset older than a
	// previously-remembered non-expiring boundary is already gone from
	// the list (ingest only ever adds at the head), so trimmerLast is
	// purely an observability marker of the last examined position, not
	// a hard skip: expiry is always re-evaluated in case the horizon has
	// advanced since the last tick.
	var run []Kvset
	for i := len(list) - 1; i >= 0; i-- {
		kv := list[i]
		expired := kv.SeqnoMax() < horizon &&
			(!hasPtomb || bytesLess(ptombKey, kv.MaxKey()))
		if !expired {
			root.trimmerLast = kv.Dgen()
			break
		}
		run = append(run, kv)
	}
	if len(run) == 0 {
		return nil
	}

	txn, err := t.journal.TxStart(ctx, 0, horizon, 0, len(run))
	if err != nil {
		t.evictOldest(ctx, list)
		return errors.Mark(err, ErrTransient)
	}

	for _, kv := range run {
		if err := t.journal.RecordKvsetDelete(ctx, txn, kv); err != nil {
			_ = t.journal.Nak(ctx, txn)
			t.evictOldest(ctx, list)
			return errors.Mark(err, ErrTransient)
		}
	}
	if err := t.journal.Commit(ctx, txn); err != nil {
		t.evictOldest(ctx, list)
		return errors.Mark(err, ErrTransient)
	}

	t.mu.Lock()
	removed := root.removeOldest(len(run))
	if removed == nil {
		t.mu.Unlock()
		return bugf("capped trimmer run of %d vanished from root before splice", len(run))
	}
	root.trimmerLast = 0
	t.updateCompact(root)
	t.mu.Unlock()

	for _, kv := range removed {
		kv.MarkMblocksForDelete(false)
		kv.PutRef()
	}
	return nil
}

// evictOldest advises the kernel to evict the tail (oldest) kvset's
// value pages as a low-cost fallback reclaim when the journal cannot
// durably record the trim (spec §4.8).
func (t *Tree) evictOldest(ctx context.Context, list []Kvset) {
	if t.evictor == nil || len(list) == 0 {
		return
	}
	t.evictor.AdviseEvict(ctx, list[len(list)-1])
}
