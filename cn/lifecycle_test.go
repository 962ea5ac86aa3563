package cn_test

import (
	"testing"

	"github.com/kelpdb/cntree/cn/cntest"
	"github.com/stretchr/testify/require"
)

func TestDestroyReleasesEveryNodesKvsetReferences(t *testing.T) {
	tr, err := Create(Params{Fanout: 2, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)

	leaf := NewNode(1, 1<<20)
	tr.InsertNode(leaf)

	rootKV := cntest.NewKvset(1, 0, []cntest.Entry{{Key: []byte("a"), Value: []byte("1"), Seq: 1}}, nil)
	tr.IngestRoot(rootKV, nil, 0)
	leafKV := cntest.NewKvset(1, 0, []cntest.Entry{{Key: []byte("b"), Value: []byte("2"), Seq: 1}}, nil)
	require.NoError(t, tr.InsertKvsetAtNode(leaf, leafKV))

	tr.Destroy()

	require.True(t, rootKV.Deleted())
	require.True(t, leafKV.Deleted())
}

func TestDestroyIsIdempotent(t *testing.T) {
	tr, err := Create(Params{Fanout: 2, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)
	kv := cntest.NewKvset(1, 0, []cntest.Entry{{Key: []byte("a"), Value: []byte("1"), Seq: 1}}, nil)
	tr.IngestRoot(kv, nil, 0)

	tr.Destroy()
	require.NotPanics(t, func() { tr.Destroy() })
	require.True(t, kv.Deleted())
}

func TestAsyncDestroyerRunsAllSubmittedWork(t *testing.T) {
	d := newAsyncDestroyer()
	const n = 50
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		d.Submit(func() { done <- struct{}{} })
	}
	d.Join()
	require.Len(t, done, n)
}
