package cn_test

import (
	"context"
	"sync"
	"testing"

	"github.com/kelpdb/cntree/cn/cntest"
	"github.com/stretchr/testify/require"
)

func TestAddToRspillsAppendsInSubmissionOrder(t *testing.T) {
	tr, _, _, _, _, _, _ := newTestTree(t, 1)
	root := tr.Root()
	w1 := &CompactionWork{Tree: tr, NodeID: 0, Action: Spill}
	w2 := &CompactionWork{Tree: tr, NodeID: 0, Action: Spill}

	tr.addToRspills(root, w1)
	tr.addToRspills(root, w2)

	require.Equal(t, []*CompactionWork{w1, w2}, root.rspills)
}

// TestRunSpillOrderedCommitsInFIFOOrderRegardlessOfCompactionFinishOrder
// exercises spec §4.7: two spills are submitted (added to the FIFO) in
// order w1, w2, but w2's own compact stage is the one that calls
// runSpillOrdered first, simulating a worker finishing compaction out
// of submission order. The FIFO protocol must still commit w1 before
// w2 regardless of which goroutine happens to run first, because a
// non-head job can only wait, never commit ahead of the head.
func TestRunSpillOrderedCommitsInFIFOOrderRegardlessOfCompactionFinishOrder(t *testing.T) {
	tr, journal, _, routes, _, _, mb := newTestTree(t, 2)
	ctx := context.Background()

	leafLo := NewNode(1, 1<<20)
	leafHi := NewNode(2, 1<<20)
	tr.InsertNode(leafLo)
	tr.InsertNode(leafHi)
	_, err := routes.Insert(1, []byte("m"))
	require.NoError(t, err)
	_, err = routes.Insert(2, []byte("\xff\xff\xff\xff"))
	require.NoError(t, err)

	route := func(key []byte) (NodeID, error) {
		hash, err := tr.RouteHash(key)
		if err != nil {
			return 0, err
		}
		node, err := tr.NodeLookupByKey(key, hash)
		if err != nil {
			return 0, err
		}
		return node.ID(), nil
	}

	ingestKV(tr, 1, cntest.Entry{Key: []byte("a"), Value: []byte("va"), Seq: 1})
	ingestKV(tr, 2, cntest.Entry{Key: []byte("z"), Value: []byte("vz"), Seq: 2})

	root := tr.Root()
	kv2 := root.List()[0] // newest, dgen 2, key "z"
	kv1 := root.List()[1] // oldest, dgen 1, key "a"

	out1, err := mb.Spill(ctx, []Kvset{kv1}, route)
	require.NoError(t, err)
	out2, err := mb.Spill(ctx, []Kvset{kv2}, route)
	require.NoError(t, err)

	w1 := &CompactionWork{Tree: tr, NodeID: 0, Action: Spill, Mark: kv1, KvsetCnt: 1, Hi: 10, Ins: []Kvset{kv1}, Outv: out1}
	w2 := &CompactionWork{Tree: tr, NodeID: 0, Action: Spill, Mark: kv2, KvsetCnt: 1, Hi: 11, Ins: []Kvset{kv2}, Outv: out2}

	tr.addToRspills(root, w1)
	tr.addToRspills(root, w2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// w2 announces its compaction is done before w1 does, but must
		// still wait for w1 to be processed first.
		err := tr.runSpillOrdered(ctx, root, w2, nil)
		require.NoError(t, err)
	}()

	err = tr.runSpillOrdered(ctx, root, w1, nil)
	require.NoError(t, err)
	wg.Wait()

	require.Len(t, journal.Adds, 2)
	require.Equal(t, NodeID(1), journal.Adds[0].NodeID) // w1's output ("a") to leafLo, committed first
	require.Equal(t, NodeID(2), journal.Adds[1].NodeID) // w2's output ("z") to leafHi, committed second

	require.Equal(t, 1, leafLo.Len())
	require.Equal(t, 1, leafHi.Len())
	require.Equal(t, 0, root.Len())
}

func TestRunSpillOrderedWedgedRootShortCircuitsQueuedJob(t *testing.T) {
	tr, _, _, _, _, health, _ := newTestTree(t, 1)
	root := tr.Root()
	root.setWedged()

	w := &CompactionWork{Tree: tr, NodeID: 0, Action: Spill}
	tr.addToRspills(root, w)

	err := tr.runSpillOrdered(context.Background(), root, w, nil)
	require.ErrorIs(t, err, ErrShutdown)
	require.True(t, w.CancelRequested())
	// Shutdown-marked errors are not health-reported (spec §7).
	require.Empty(t, health.Events())
}
