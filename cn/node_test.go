package cn_test

import (
	"testing"

	"github.com/kelpdb/cntree/cn/cntest"
	"github.com/stretchr/testify/require"
)

func mk(dgen Dgen, key string) Kvset {
	return cntest.NewKvset(dgen, 0, []cntest.Entry{{Key: []byte(key), Value: []byte("v"), Seq: 1}}, nil)
}

func TestNodeInsertOrdered(t *testing.T) {
	n := NewNode(1, 1<<20)
	require.NoError(t, n.insertOrdered(mk(3, "c")))
	require.NoError(t, n.insertOrdered(mk(5, "e")))
	require.NoError(t, n.insertOrdered(mk(1, "a")))

	require.Equal(t, 3, n.Len())
	require.Equal(t, Dgen(5), n.List()[0].Dgen())
	require.Equal(t, Dgen(3), n.List()[1].Dgen())
	require.Equal(t, Dgen(1), n.List()[2].Dgen())
}

func TestNodeInsertOrderedDuplicateDgenIsCorrupt(t *testing.T) {
	n := NewNode(1, 1<<20)
	require.NoError(t, n.insertOrdered(mk(3, "c")))
	err := n.insertOrdered(mk(3, "d"))
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestNodeInsertHeadIsFastPath(t *testing.T) {
	n := NewNode(1, 1<<20)
	n.insertHead(mk(1, "a"))
	n.insertHead(mk(2, "b"))
	n.insertHead(mk(3, "c"))

	require.Equal(t, []Dgen{3, 2, 1}, dgens(n.List()))
}

func TestNodeRemoveOldest(t *testing.T) {
	n := NewNode(1, 1<<20)
	for _, d := range []Dgen{1, 2, 3, 4, 5} {
		n.insertHead(mk(d, "k"))
	}
	removed := n.removeOldest(2)
	require.Equal(t, []Dgen{2, 1}, dgens(removed))
	require.Equal(t, []Dgen{5, 4, 3}, dgens(n.List()))
}

func TestNodeRemoveOldestRejectsOverrun(t *testing.T) {
	n := NewNode(1, 1<<20)
	n.insertHead(mk(1, "a"))
	require.Nil(t, n.removeOldest(2))
	require.Nil(t, n.removeOldest(0))
}

func TestNodeRemoveWindow(t *testing.T) {
	n := NewNode(1, 1<<20)
	kvs := make(map[Dgen]Kvset, 5)
	for _, d := range []Dgen{1, 2, 3, 4, 5} {
		kv := mk(d, "k")
		kvs[d] = kv
		n.insertHead(kv)
	}
	// list is now [5,4,3,2,1] head-first; window of 3 ending at mark=dgen2
	// spans dgen 4,3,2 (indices 1..3).
	mark := kvs[2]
	removed, at := n.removeWindow(mark, 3)
	require.Equal(t, 1, at)
	require.Equal(t, []Dgen{2, 3, 4}, dgens(removed))
	require.Equal(t, []Dgen{5, 1}, dgens(n.List()))
}

func TestNodeRemoveWindowMissingMark(t *testing.T) {
	n := NewNode(1, 1<<20)
	n.insertHead(mk(1, "a"))
	removed, at := n.removeWindow(mk(9, "z"), 1)
	require.Nil(t, removed)
	require.Equal(t, -1, at)
}

func TestNodeBusyCounterPacksJobsAndKvsets(t *testing.T) {
	n := NewNode(1, 1<<20)
	n.AddBusy(1, 3)
	n.AddBusy(2, -1)
	jobs, kvsets := n.Busy()
	require.Equal(t, 3, jobs)
	require.Equal(t, 2, kvsets)
}

func TestNodeTokenIsExclusive(t *testing.T) {
	n := NewNode(1, 1<<20)
	require.True(t, n.AcquireToken())
	require.False(t, n.AcquireToken())
	n.ReleaseToken()
	require.True(t, n.AcquireToken())
}

func TestNodePtombKeepsHighestSeqno(t *testing.T) {
	n := NewNode(1, 1<<20)
	n.RecordPtomb([]byte("a"), 5)
	n.RecordPtomb([]byte("z"), 3)
	key, seq, ok := n.Ptomb()
	require.True(t, ok)
	require.Equal(t, []byte("a"), key)
	require.Equal(t, Seqno(5), seq)

	n.RecordPtomb([]byte("m"), 7)
	key, seq, ok = n.Ptomb()
	require.True(t, ok)
	require.Equal(t, []byte("m"), key)
	require.Equal(t, Seqno(7), seq)
}

func dgens(list []Kvset) []Dgen {
	out := make([]Dgen, len(list))
	for i, kv := range list {
		out[i] = kv.Dgen()
	}
	return out
}
