package cn_test

import (
	"context"
	"testing"

	"github.com/kelpdb/cntree/cn/cntest"
	"github.com/stretchr/testify/require"
)

func newCappedTestTree(t *testing.T) (*Tree, *cntest.Journal) {
	t.Helper()
	tr, err := Create(Params{Fanout: 1, SizeMax: 1 << 20, Capped: true}, nil, RuntimeParams{})
	require.NoError(t, err)
	journal := cntest.NewJournal()
	tr.Attach(journal, cntest.NewBlockAllocator(), cntest.NewRouteMap(), cntest.NewScheduler(), 1)
	return tr, journal
}

func TestCappedCompactTickNoOpOnUncappedTree(t *testing.T) {
	tr, err := Create(Params{Fanout: 1, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)
	err = tr.CappedCompactTick(context.Background(), 100)
	require.NoError(t, err) // never touches the nil journal
}

func TestCappedCompactTickNoOpOnEmptyRoot(t *testing.T) {
	tr, _ := newCappedTestTree(t)
	err := tr.CappedCompactTick(context.Background(), 100)
	require.NoError(t, err)
}

func TestCappedCompactTickTrimsExpiredTail(t *testing.T) {
	tr, journal := newCappedTestTree(t)

	kvOld := cntest.NewKvset(1, 0, []cntest.Entry{{Key: []byte("a"), Value: []byte("v1"), Seq: 1}}, nil)
	tr.IngestRoot(kvOld, nil, 0)
	kvNew := cntest.NewKvset(2, 0, []cntest.Entry{{Key: []byte("b"), Value: []byte("v2"), Seq: 10}}, nil)
	tr.IngestRoot(kvNew, nil, 0)

	root := tr.Root()
	require.Equal(t, 2, root.Len())

	// horizon 5 expires kvOld (max seqno 1) but not kvNew (max seqno 10).
	err := tr.CappedCompactTick(context.Background(), 5)
	require.NoError(t, err)

	require.Equal(t, 1, root.Len())
	require.Equal(t, Dgen(2), root.List()[0].Dgen())
	require.Len(t, journal.Deletes, 1)
	require.True(t, kvOld.Deleted())
	require.False(t, kvNew.Deleted())
}

func TestCappedCompactTickStopsAtFirstNonExpired(t *testing.T) {
	tr, _ := newCappedTestTree(t)

	// Oldest-to-newest: dgen 1 (seq 1), dgen 2 (seq 20, survives), dgen 3 (seq 30).
	// Only dgen 1 at the tail should trim; dgen 2 blocks the walk even
	// though nothing later is examined.
	tr.IngestRoot(cntest.NewKvset(1, 0, []cntest.Entry{{Key: []byte("a"), Value: []byte("v"), Seq: 1}}, nil), nil, 0)
	tr.IngestRoot(cntest.NewKvset(2, 0, []cntest.Entry{{Key: []byte("b"), Value: []byte("v"), Seq: 20}}, nil), nil, 0)
	tr.IngestRoot(cntest.NewKvset(3, 0, []cntest.Entry{{Key: []byte("c"), Value: []byte("v"), Seq: 30}}, nil), nil, 0)

	err := tr.CappedCompactTick(context.Background(), 10)
	require.NoError(t, err)

	root := tr.Root()
	require.Equal(t, 2, root.Len())
	require.Equal(t, Dgen(3), root.List()[0].Dgen())
	require.Equal(t, Dgen(2), root.List()[1].Dgen())
}

func TestCappedCompactTickHonorsPrefixTombstoneBound(t *testing.T) {
	tr, journal := newCappedTestTree(t)

	// The prefix tombstone "a" sorts before kv's max key "m", and kv's
	// max seqno (5) is below the effective horizon min(1000, 10) = 10
	// that the tombstone's seqno bounds the sequenceHorizon to, so kv
	// expires.
	kv := cntest.NewKvset(1, 0, []cntest.Entry{{Key: []byte("m"), Value: []byte("v"), Seq: 5}}, nil)
	tr.IngestRoot(kv, []byte("a"), 10)

	err := tr.CappedCompactTick(context.Background(), 1000)
	require.NoError(t, err)

	require.Equal(t, 0, tr.Root().Len())
	require.Len(t, journal.Deletes, 1)
}

func TestCappedCompactTickPrefixTombstoneDoesNotExpireKeysAtOrBelowIt(t *testing.T) {
	tr, _ := newCappedTestTree(t)

	// kv's max key "a" does not sort after the prefix tombstone "m", so
	// kv stays even though its max seqno (1) is below the effective
	// horizon min(1000, 10) = 10.
	kv := cntest.NewKvset(1, 0, []cntest.Entry{{Key: []byte("a"), Value: []byte("v"), Seq: 1}}, nil)
	tr.IngestRoot(kv, []byte("m"), 10)

	err := tr.CappedCompactTick(context.Background(), 1000)
	require.NoError(t, err)
	require.Equal(t, 1, tr.Root().Len())
}

// failingJournal wraps cntest.Journal to fail every TxStart, exercising
// CappedCompactTick's evictor fallback path.
type failingJournal struct {
	*cntest.Journal
}

func (f *failingJournal) TxStart(ctx context.Context, ingestID uint64, horizon Seqno, nAdds, nDels int) (Txn, error) {
	return nil, ErrTransient
}

type fakeEvictor struct {
	advised []Kvset
}

func (e *fakeEvictor) AdviseEvict(ctx context.Context, kv Kvset) {
	e.advised = append(e.advised, kv)
}

func TestCappedCompactTickFallsBackToEvictorOnJournalFailure(t *testing.T) {
	tr, err := Create(Params{Fanout: 1, SizeMax: 1 << 20, Capped: true}, nil, RuntimeParams{})
	require.NoError(t, err)
	inner := cntest.NewJournal()
	tr.Attach(&failingJournal{inner}, cntest.NewBlockAllocator(), cntest.NewRouteMap(), cntest.NewScheduler(), 1)
	evictor := &fakeEvictor{}
	tr.AttachEvictor(evictor)

	kv := cntest.NewKvset(1, 0, []cntest.Entry{{Key: []byte("a"), Value: []byte("v"), Seq: 1}}, nil)
	tr.IngestRoot(kv, nil, 0)

	err = tr.CappedCompactTick(context.Background(), 100)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrTransient)

	require.Equal(t, 1, tr.Root().Len()) // structural state unchanged
	require.Len(t, evictor.advised, 1)
	require.Same(t, kv, evictor.advised[0])
}
