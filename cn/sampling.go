package cn

import "github.com/cockroachdb/crlib/crhumanize"

// NodeStats is a node's rolled-up kvset statistics plus the derived
// fields the scheduler consumes (spec §4.2).
type NodeStats struct {
	NumKeys       uint64
	NumTombstones uint64
	AllocLen      uint64
	WriteLen      uint64
	KeyBytes      uint64
	ValBytes      uint64
	NumKblks      int
	NumVblks      int

	// Derived by finish().
	UniqueKeys uint64
	UniqueFrac float64
	KeyClen    uint64
	ValClen    uint64
	Pcap       uint32

	// foldedDgen is the watermark update_ingest folds against: only a
	// head kvset newer than this has been incorporated (spec §4.2
	// "folds only the head kvset if its dgen exceeds the previously-
	// folded dgen watermark").
	foldedDgen Dgen
}

// String renders a human-scale summary for debug logs, following the
// teacher's convention (internal/manifest.TableMetadata.SafeFormat) of
// giving every stats-bearing type a redaction-aware formatter, and its
// metrics package's use of crlib/crhumanize for byte counts.
func (s NodeStats) String() string {
	return "keys=" + humanizeCount(s.NumKeys) +
		" alen=" + crhumanize.Bytes(s.AllocLen).String() +
		" clen=" + crhumanize.Bytes(s.KeyClen+s.ValClen).String() +
		" pcap=" + humanizeCount(uint64(s.Pcap))
}

func humanizeCount(v uint64) string {
	// crhumanize.Count mirrors crhumanize.Bytes but without a byte
	// suffix; both are used in pebble's metrics package for compact
	// operator dashboards.
	return crhumanize.Count(v).String()
}

// SampRecord is the five-counter sampling category described in
// spec §4.2: raw root allocation/write length, the root's contribution
// to the tree's internal-node budget, and leaf allocation/"good"
// (compacted-equivalent) length.
type SampRecord struct {
	RAlen uint64 // root-only raw allocated length
	RWlen uint64 // root-only raw written length
	IAlen uint64 // internal (root) allocated length
	LAlen uint64 // leaf allocated length
	LGood uint64 // leaf compacted-equivalent length
}

// Add returns the element-wise sum of s and o.
func (s SampRecord) Add(o SampRecord) SampRecord {
	return SampRecord{
		RAlen: s.RAlen + o.RAlen,
		RWlen: s.RWlen + o.RWlen,
		IAlen: s.IAlen + o.IAlen,
		LAlen: s.LAlen + o.LAlen,
		LGood: s.LGood + o.LGood,
	}
}

// Sub returns the element-wise difference s - o.
func (s SampRecord) Sub(o SampRecord) SampRecord {
	return SampRecord{
		RAlen: s.RAlen - o.RAlen,
		RWlen: s.RWlen - o.RWlen,
		IAlen: s.IAlen - o.IAlen,
		LAlen: s.LAlen - o.LAlen,
		LGood: s.LGood - o.LGood,
	}
}

// foldKvsetStats folds one kvset's stats into an accumulator, the unit
// of work shared by full recomputation (update_compact) and incremental
// folding (update_ingest).
func foldKvsetStats(acc *NodeStats, kv Kvset) {
	s := kv.Stats()
	acc.NumKeys += s.NumKeys
	acc.NumTombstones += s.NumTombstones
	acc.AllocLen += s.AllocLen
	acc.WriteLen += s.WriteLen
	acc.KeyBytes += s.KeyBytes
	acc.ValBytes += s.ValBytes
	acc.NumKblks += s.NumKblks
	acc.NumVblks += s.NumVblks
}

// finish computes the derived fields of NodeStats from the folded raw
// counters (spec §4.2 "The finish step"). hlog may be nil, in which
// case every key is assumed unique.
func finish(acc *NodeStats, hlog Hlog, sizeMax uint64, rp *RuntimeParams) {
	if hlog != nil {
		u := hlog.EstimateCardinality()
		if u > acc.NumKeys {
			u = acc.NumKeys
		}
		acc.UniqueKeys = u
	} else {
		acc.UniqueKeys = acc.NumKeys
	}

	if acc.NumKeys == 0 {
		acc.UniqueFrac = 1
	} else {
		acc.UniqueFrac = float64(acc.UniqueKeys) / float64(acc.NumKeys)
	}

	scaledWrite := uint64(float64(acc.WriteLen) * acc.UniqueFrac)
	keyShare := uint64(0)
	valShare := uint64(0)
	if acc.KeyBytes+acc.ValBytes > 0 {
		keyShare = scaledWrite * acc.KeyBytes / (acc.KeyBytes + acc.ValBytes)
		valShare = scaledWrite - keyShare
	}
	acc.KeyClen = rp.KeyEstimator(keyShare, MediaClassKey)
	acc.ValClen = rp.ValueEstimator(valShare, MediaClassValue)

	if sizeMax == 0 {
		acc.Pcap = 0
		return
	}
	clen := acc.KeyClen + acc.ValClen
	pcap := 100 * clen / sizeMax
	if pcap > 65535 {
		pcap = 65535
	}
	acc.Pcap = uint32(pcap)
}

// nodeSamp derives a node's SampRecord contribution from its NodeStats,
// per spec §4.2's five-counter breakdown: the root contributes raw
// root counters and the internal-node share of the budget, leaves
// contribute their raw allocation and compacted-equivalent "good"
// length. This split is not spelled out byte-for-byte in spec.md
// (recorded as a DESIGN.md decision).
func nodeSamp(n *Node, ns NodeStats) SampRecord {
	if n.IsRoot() {
		return SampRecord{RAlen: ns.AllocLen, RWlen: ns.WriteLen, IAlen: ns.AllocLen}
	}
	return SampRecord{LAlen: ns.AllocLen, LGood: ns.KeyClen + ns.ValClen}
}

// applySampDelta brackets a tree mutation's exact delta (spec §3
// invariant 6 "samp_pre and samp_post ... bracket the exact delta"):
// it recomputes node's contribution, applies (post - pre) to the
// tree-wide total, and stores the new per-node samp.
func (t *Tree) applySampDelta(n *Node, newStats NodeStats) {
	t.sampMu.Lock()
	defer t.sampMu.Unlock()

	pre := n.samp
	post := nodeSamp(n, newStats)

	n.ns = newStats
	n.samp = post
	t.samp = t.samp.Sub(pre).Add(post)
}

// updateCompact fully recomputes node's stats from scratch, folding
// every kvset with force=true (spec §4.2). Callers must hold the tree
// lock in a mode sufficient to read node.kvsets consistently; ingest
// and compaction tree-updates call this while already holding the
// write lock.
func (t *Tree) updateCompact(n *Node) {
	var acc NodeStats
	var hlog *KeySketch
	for _, kv := range n.kvsets {
		foldKvsetStats(&acc, kv)
		if h, ok := kv.Hlog().(*KeySketch); ok && h != nil {
			if hlog == nil {
				hlog = NewKeySketch()
			}
			hlog.Merge(h)
		}
	}
	if len(n.kvsets) > 0 {
		acc.foldedDgen = n.kvsets[0].Dgen()
	}
	rp := t.RuntimeParams()
	finish(&acc, hlogOrNil(hlog), n.sizeMax, &rp)
	n.hlog = hlog
	t.applySampDelta(n, acc)
}

func hlogOrNil(h *KeySketch) Hlog {
	if h == nil {
		return nil
	}
	return h
}

// updateIngest incrementally folds only the head kvset if its dgen
// exceeds the previously-folded watermark (spec §4.2).
func (t *Tree) updateIngest(n *Node) {
	if len(n.kvsets) == 0 {
		return
	}
	head := n.kvsets[0]
	acc := n.ns
	if head.Dgen() <= acc.foldedDgen {
		return
	}
	foldKvsetStats(&acc, head)
	acc.foldedDgen = head.Dgen()
	if h, ok := head.Hlog().(*KeySketch); ok && h != nil {
		if n.hlog == nil {
			n.hlog = NewKeySketch()
		}
		n.hlog.Merge(h)
	}
	rp := t.RuntimeParams()
	finish(&acc, hlogOrNil(n.hlog), n.sizeMax, &rp)
	t.applySampDelta(n, acc)
}

// updateSpill recomputes the root fully and incrementally folds each
// affected leaf, matching the two-step description in spec §4.2
// ("update_compact(root) then update_ingest(leaf) for each leaf").
func (t *Tree) updateSpill(root *Node, leaves []*Node) {
	t.updateCompact(root)
	for _, l := range leaves {
		t.updateIngest(l)
	}
}
