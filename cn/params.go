package cn

import "github.com/cockroachdb/errors"

// MediaClass distinguishes the two size-estimator families a node's
// stats are routed through: keys are typically stored on faster, smaller
// media than values (spec §4.2 "allocator-aware estimators").
type MediaClass int

const (
	// MediaClassKey is the media class backing kblocks.
	MediaClassKey MediaClass = iota
	// MediaClassValue is the media class backing vblocks.
	MediaClassValue
)

// SizeEstimator computes the compacted-equivalent length of writeLen
// bytes written to the given media class. Implementations are injected
// as configuration (spec §9 "Size estimators (kbb/vbb)"); the default
// treats writeLen as already compacted.
type SizeEstimator func(writeLen uint64, class MediaClass) uint64

func defaultSizeEstimator(writeLen uint64, _ MediaClass) uint64 { return writeLen }

// Params holds the tree's create-time parameters (spec §3 Tree).
type Params struct {
	// Fanout is the number of leaves a root spill partitions into. Must
	// be a power of two in [1, 32].
	Fanout uint32

	// PrefixLen is the byte length P used by the prefix/suffix hashing
	// policy in lookup.go. Zero disables prefix-based routing.
	PrefixLen uint32

	// SuffixLen is the byte length S subtracted from keylen before
	// hashing when PrefixLen is set (spec §4.3).
	SuffixLen uint32

	// Capped marks the tree as append-mostly with TTL-based eviction
	// (spec §4.8) instead of ordinary leaf compaction.
	Capped bool

	// SizeMax is the per-node byte threshold used to compute pcap
	// (spec §4.2).
	SizeMax uint64
}

// RuntimeParams holds parameters that can be adjusted after Create,
// mirroring pebble's separation of Options (create-time) from a
// runtime-tunable subset.
type RuntimeParams struct {
	// SpillSeedBoostKblks and SpillSeedBoostVblks gate the compc seed
	// boost described in spec §4.5 step 3; SpillSeedBoost is the boost
	// applied. These are policy, not correctness (spec §9 open question).
	SpillSeedBoostKblks int
	SpillSeedBoostVblks int
	SpillSeedBoost      uint32

	// KeyEstimator and ValueEstimator back the samp "finish" step
	// (spec §4.2).
	KeyEstimator   SizeEstimator
	ValueEstimator SizeEstimator
}

// EnsureDefaults fills in zero-valued fields with defaults, mirroring
// pebble's (*Options).EnsureDefaults. It returns the receiver for
// chaining.
func (p *RuntimeParams) EnsureDefaults() *RuntimeParams {
	if p.SpillSeedBoostKblks == 0 {
		p.SpillSeedBoostKblks = 2
	}
	if p.SpillSeedBoostVblks == 0 {
		p.SpillSeedBoostVblks = 32
	}
	if p.SpillSeedBoost == 0 {
		p.SpillSeedBoost = 7
	}
	if p.KeyEstimator == nil {
		p.KeyEstimator = defaultSizeEstimator
	}
	if p.ValueEstimator == nil {
		p.ValueEstimator = defaultSizeEstimator
	}
	return p
}

// Validate checks Params for construction-time errors, returning
// ErrInvalid on failure (spec §7).
func (p *Params) Validate() error {
	if p.Fanout == 0 || p.Fanout > 32 || p.Fanout&(p.Fanout-1) != 0 {
		return errors.Mark(errors.Newf("cn: fanout %d must be a power of two in [1,32]", p.Fanout), ErrInvalid)
	}
	if p.PrefixLen > 255 {
		return errors.Mark(errors.Newf("cn: prefix length %d too long", p.PrefixLen), ErrInvalid)
	}
	if p.SuffixLen > 255 {
		return errors.Mark(errors.Newf("cn: suffix length %d too long", p.SuffixLen), ErrInvalid)
	}
	if p.SizeMax == 0 {
		return errors.Mark(errors.New("cn: size_max must be > 0"), ErrInvalid)
	}
	return nil
}
