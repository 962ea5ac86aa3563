package cn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSampRecordAddSub(t *testing.T) {
	a := SampRecord{RAlen: 10, RWlen: 5, IAlen: 10, LAlen: 1, LGood: 1}
	b := SampRecord{RAlen: 3, RWlen: 1, IAlen: 3, LAlen: 1, LGood: 1}
	require.Equal(t, SampRecord{RAlen: 13, RWlen: 6, IAlen: 13, LAlen: 2, LGood: 2}, a.Add(b))
	require.Equal(t, SampRecord{RAlen: 7, RWlen: 4, IAlen: 7, LAlen: 0, LGood: 0}, a.Sub(b))
}

func TestFinishAllUniqueWithoutHlog(t *testing.T) {
	rp := RuntimeParams{}
	rp.EnsureDefaults()
	acc := NodeStats{NumKeys: 100, WriteLen: 1000, KeyBytes: 400, ValBytes: 600}
	finish(&acc, nil, 1<<20, &rp)

	require.Equal(t, uint64(100), acc.UniqueKeys)
	require.Equal(t, 1.0, acc.UniqueFrac)
	require.Equal(t, uint64(400), acc.KeyClen)
	require.Equal(t, uint64(600), acc.ValClen)
}

func TestFinishScalesByUniqueFraction(t *testing.T) {
	rp := RuntimeParams{}
	rp.EnsureDefaults()
	acc := NodeStats{NumKeys: 100, WriteLen: 1000, KeyBytes: 500, ValBytes: 500}
	finish(&acc, capSketch{50}, 1<<20, &rp)

	require.Equal(t, uint64(50), acc.UniqueKeys)
	require.Equal(t, 0.5, acc.UniqueFrac)
	require.Equal(t, uint64(250), acc.KeyClen)
	require.Equal(t, uint64(250), acc.ValClen)
}

func TestFinishCapsPcapAt65535(t *testing.T) {
	rp := RuntimeParams{}
	rp.EnsureDefaults()
	acc := NodeStats{NumKeys: 1, WriteLen: 1 << 30, KeyBytes: 1 << 29, ValBytes: 1 << 29}
	finish(&acc, nil, 1, &rp)
	require.Equal(t, uint32(65535), acc.Pcap)
}

func TestFinishZeroKeysIsFullyUnique(t *testing.T) {
	rp := RuntimeParams{}
	rp.EnsureDefaults()
	acc := NodeStats{}
	finish(&acc, nil, 1<<20, &rp)
	require.Equal(t, 1.0, acc.UniqueFrac)
	require.Equal(t, uint32(0), acc.Pcap)
}

// capSketch is a fixed-cardinality Hlog fake for finish() tests that need
// a specific unique-key estimate rather than a real sketch's statistical
// approximation.
type capSketch struct{ n uint64 }

func (c capSketch) EstimateCardinality() uint64 { return c.n }
func (c capSketch) Merge(Hlog)                  {}

func TestNodeSampRootVsLeaf(t *testing.T) {
	root := NewNode(0, 1<<20)
	leaf := NewNode(1, 1<<20)

	ns := NodeStats{AllocLen: 100, WriteLen: 80, KeyClen: 20, ValClen: 30}
	rootSamp := nodeSamp(root, ns)
	leafSamp := nodeSamp(leaf, ns)

	require.Equal(t, SampRecord{RAlen: 100, RWlen: 80, IAlen: 100}, rootSamp)
	require.Equal(t, SampRecord{LAlen: 100, LGood: 50}, leafSamp)
}

func TestApplySampDeltaBracketsExactChange(t *testing.T) {
	tr, err := Create(Params{Fanout: 2, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)

	root := tr.Root()
	tr.applySampDelta(root, NodeStats{AllocLen: 100, WriteLen: 100})
	require.Equal(t, uint64(100), tr.TreeSamp().RAlen)

	tr.applySampDelta(root, NodeStats{AllocLen: 150, WriteLen: 150})
	require.Equal(t, uint64(150), tr.TreeSamp().RAlen)
}

func TestUpdateIngestFoldsOnlyNewerHead(t *testing.T) {
	tr, err := Create(Params{Fanout: 2, SizeMax: 1 << 20}, nil, RuntimeParams{})
	require.NoError(t, err)
	root := tr.Root()

	kv1 := mk(1, "a")
	root.insertHead(kv1)
	tr.updateIngest(root)
	require.Equal(t, uint64(1), tr.NodeStatsOf(root).NumKeys)

	// Calling again without a newer head must be a no-op.
	tr.updateIngest(root)
	require.Equal(t, uint64(1), tr.NodeStatsOf(root).NumKeys)

	kv2 := mk(2, "b")
	root.insertHead(kv2)
	tr.updateIngest(root)
	require.Equal(t, uint64(2), tr.NodeStatsOf(root).NumKeys)
}
