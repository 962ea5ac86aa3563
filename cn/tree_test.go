package cn_test

import (
	"context"
	"testing"

	"github.com/kelpdb/cntree/cn/cntest"
	"github.com/stretchr/testify/require"
)

func TestCreateValidatesParams(t *testing.T) {
	_, err := Create(Params{Fanout: 3, SizeMax: 1}, nil, RuntimeParams{})
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Create(Params{Fanout: 2, SizeMax: 0}, nil, RuntimeParams{})
	require.ErrorIs(t, err, ErrInvalid)

	tr, err := Create(Params{Fanout: 4, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)
	require.Equal(t, NodeID(0), tr.Root().ID())
	require.True(t, tr.Root().IsRoot())
}

func TestFindNodeByIDUnknownIsBug(t *testing.T) {
	tr, err := Create(Params{Fanout: 2, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)
	_, err = tr.FindNodeByID(99)
	require.Error(t, err)
}

func TestInsertNodeRegistersInIndex(t *testing.T) {
	tr, err := Create(Params{Fanout: 2, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)
	leaf := NewNode(1, 1<<20)
	tr.InsertNode(leaf)
	got, err := tr.FindNodeByID(1)
	require.NoError(t, err)
	require.Same(t, leaf, got)
}

func TestPreorderWalkVisitsEveryKvset(t *testing.T) {
	tr, err := Create(Params{Fanout: 2, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)
	leaf := NewNode(1, 1<<20)
	tr.InsertNode(leaf)

	ingestKV(tr, 1, cntest.Entry{Key: []byte("a"), Value: []byte("1"), Seq: 1})
	require.NoError(t, tr.InsertKvsetAtNode(leaf, cntest.NewKvset(1, 0, []cntest.Entry{{Key: []byte("b"), Value: []byte("2"), Seq: 1}}, nil)))

	seen := 0
	err = tr.PreorderWalk(context.Background(), NewestFirst, func(n *Node, kv Kvset) bool {
		seen++
		return true
	})
	require.NoError(t, err)
	require.Equal(t, 2, seen)
}

func TestPreorderWalkStopsEarly(t *testing.T) {
	tr, err := Create(Params{Fanout: 2, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)
	ingestKV(tr, 1, cntest.Entry{Key: []byte("a"), Value: []byte("1"), Seq: 1})
	ingestKV(tr, 2, cntest.Entry{Key: []byte("b"), Value: []byte("2"), Seq: 2})

	seen := 0
	err = tr.PreorderWalk(context.Background(), NewestFirst, func(n *Node, kv Kvset) bool {
		seen++
		return false
	})
	require.NoError(t, err)
	require.Equal(t, 1, seen)
}

func TestSnapshotViewTakesAndReleasesRefs(t *testing.T) {
	tr, err := Create(Params{Fanout: 2, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)
	kv := cntest.NewKvset(1, 0, []cntest.Entry{{Key: []byte("a"), Value: []byte("1"), Seq: 1}}, nil)
	tr.IngestRoot(kv, nil, 0)

	entries := tr.SnapshotView()
	require.Len(t, entries, 1)
	require.False(t, kv.Deleted())

	ReleaseSnapshot(entries)
	require.False(t, kv.Deleted()) // root's own reference still holds it
}

func TestMinMaxKeyOfNode(t *testing.T) {
	tr, err := Create(Params{Fanout: 2, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)
	ingestKV(tr, 1, cntest.Entry{Key: []byte("m"), Value: []byte("1"), Seq: 1})
	ingestKV(tr, 2, cntest.Entry{Key: []byte("a"), Value: []byte("2"), Seq: 2})
	ingestKV(tr, 3, cntest.Entry{Key: []byte("z"), Value: []byte("3"), Seq: 3})

	min, max := tr.MinMaxKeyOfNode(tr.Root())
	require.Equal(t, []byte("a"), min)
	require.Equal(t, []byte("z"), max)
}

func TestMclassOfNode(t *testing.T) {
	tr, err := Create(Params{Fanout: 2, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)
	leaf := NewNode(1, 1<<20)
	tr.InsertNode(leaf)
	require.Equal(t, MediaClassKey, tr.MclassOfNode(tr.Root()))
	require.Equal(t, MediaClassValue, tr.MclassOfNode(leaf))
}

func TestHealthSnapshotReportsWedgedAndNoSpace(t *testing.T) {
	tr, err := Create(Params{Fanout: 2, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)
	snap := tr.Health()
	require.False(t, snap.AnyNodeWedged)
	require.False(t, snap.NoSpace)
	require.False(t, snap.CancelRequested)

	tr.Root().setWedged()
	tr.setNoSpace()
	tr.RequestCancel()

	snap = tr.Health()
	require.True(t, snap.AnyNodeWedged)
	require.True(t, snap.NoSpace)
	require.True(t, snap.CancelRequested)
}

func TestDestroyDrainsAsyncTeardown(t *testing.T) {
	tr, err := Create(Params{Fanout: 2, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)
	kv := cntest.NewKvset(1, 0, []cntest.Entry{{Key: []byte("a"), Value: []byte("1"), Seq: 1}}, nil)
	tr.IngestRoot(kv, nil, 0)

	tr.Destroy()
	require.True(t, tr.CancelRequested())
	require.True(t, kv.Deleted())
}
