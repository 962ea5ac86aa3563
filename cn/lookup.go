package cn

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/cespare/xxhash/v2"
)

// RouteHash computes the hash cn passes to RouteMap.Lookup/Insert,
// implementing the prefix/suffix hashing policy of spec §4.3 with
// xxhash (the fast, non-cryptographic hash pebble itself uses for
// similar routing/lookup hot paths).
//
// Policy: if the tree has a prefix length P, keys shorter than P hash
// by the full key; keys of exactly length P hash by the full key
// (letting the caller reuse a precomputed hash); longer keys hash by
// the P-byte prefix. If the tree additionally has a suffix length S,
// the hashed span length is reduced by S; keylen < P+S is rejected.
func (t *Tree) RouteHash(key []byte) (uint64, error) {
	p := int(t.params.PrefixLen)
	s := int(t.params.SuffixLen)
	if p == 0 {
		return xxhash.Sum64(key), nil
	}
	if s > 0 && len(key) < p+s {
		return 0, errors.Mark(errors.Newf("cn: key length %d shorter than prefix+suffix %d", len(key), p+s), ErrInvalid)
	}
	span := len(key) - s
	if len(key) <= p {
		return xxhash.Sum64(key[:span]), nil
	}
	if span > p {
		span = p
	}
	return xxhash.Sum64(key[:span]), nil
}

// PointGet descends root then, if unresolved, the routed leaf, walking
// each node's kvset list head-to-tail (spec §4.3). Total descent depth
// is at most two. On a tree with no leaf nodes a root miss is reported
// as not found without consulting the route map.
func (t *Tree) PointGet(ctx context.Context, key []byte, seq Seqno) (value []byte, found bool, err error) {
	hash, err := t.RouteHash(key)
	if err != nil {
		return nil, false, err
	}

	t.mu.RLock()
	rootList := append([]Kvset(nil), t.root.kvsets...)
	rootOnly := len(t.nodes) == 1
	t.mu.RUnlock()

	if v, f, tomb, ok, err := pointGetList(ctx, rootList, key, seq); err != nil {
		return nil, false, err
	} else if ok {
		if tomb || !f {
			return nil, false, nil
		}
		return v, true, nil
	}
	if rootOnly {
		return nil, false, nil
	}

	leaf, err := t.NodeLookupByKey(key, hash)
	if err != nil {
		return nil, false, err
	}
	t.mu.RLock()
	leafList := append([]Kvset(nil), leaf.kvsets...)
	t.mu.RUnlock()

	v, f, tomb, ok, err := pointGetList(ctx, leafList, key, seq)
	if err != nil {
		return nil, false, err
	}
	if !ok || tomb || !f {
		return nil, false, nil
	}
	return v, true, nil
}

// pointGetList walks list head-to-tail, returning on the first kvset
// that resolves the key (found, error, or tombstone). ok reports
// whether any kvset resolved the key at all.
func pointGetList(ctx context.Context, list []Kvset, key []byte, seq Seqno) (value []byte, found, tombstone, ok bool, err error) {
	for _, kv := range list {
		v, f, tomb, err := kv.PointGet(ctx, key, seq)
		if err != nil {
			return nil, false, false, false, err
		}
		if f {
			return v, true, tomb, true, nil
		}
	}
	return nil, false, false, false, nil
}

// PrefixProbe walks the same descent shape as PointGet but with a
// prefix-lookup primitive that stops once a prefix-tombstone is
// observed or the hit count exceeds one, which is sufficient to answer
// "does any key with this prefix exist" (spec §4.3).
func (t *Tree) PrefixProbe(ctx context.Context, prefix []byte, seq Seqno) (exists bool, err error) {
	hash, err := t.RouteHash(prefix)
	if err != nil {
		return false, err
	}

	t.mu.RLock()
	rootList := append([]Kvset(nil), t.root.kvsets...)
	rootOnly := len(t.nodes) == 1
	t.mu.RUnlock()

	hits, ptomb, err := prefixProbeList(ctx, rootList, prefix, seq)
	if err != nil {
		return false, err
	}
	if ptomb {
		return false, nil
	}
	if hits > 1 {
		return true, nil
	}
	if rootOnly {
		return hits > 0, nil
	}

	leaf, err := t.NodeLookupByKey(prefix, hash)
	if err != nil {
		return false, err
	}
	t.mu.RLock()
	leafList := append([]Kvset(nil), leaf.kvsets...)
	t.mu.RUnlock()

	leafHits, leafPtomb, err := prefixProbeList(ctx, leafList, prefix, seq)
	if err != nil {
		return false, err
	}
	if leafPtomb {
		return false, nil
	}
	return hits+leafHits > 0, nil
}

func prefixProbeList(ctx context.Context, list []Kvset, prefix []byte, seq Seqno) (hits int, ptomb bool, err error) {
	for _, kv := range list {
		hit, tomb, err := kv.PrefixProbe(ctx, prefix, seq)
		if err != nil {
			return hits, false, err
		}
		if tomb {
			return hits, true, nil
		}
		if hit {
			hits++
			if hits > 1 {
				return hits, false, nil
			}
		}
	}
	return hits, false, nil
}
