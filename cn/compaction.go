package cn

import (
	"context"

	"github.com/cockroachdb/errors"
)

// RunCompaction drives one job through the full state machine described
// in spec §4.5: submitted -> compacted -> committed -> installed ->
// released. It is the function the scheduler registers as its
// dispatch callback (spec §6 "job dispatch via a callback carrying the
// job object").
//
// On success it returns nil; the job's outputs are already installed
// into the tree. On failure the error is also stored on w.Err and, for
// canceled jobs, is not reported through the health channel
// (spec §7 "Shutdown ... not logged, not health-reported").
func (t *Tree) RunCompaction(ctx context.Context, w *CompactionWork) error {
	defer w.finish()
	w.StartTime = timeNow()

	var root *Node
	if w.Action == Spill {
		if n, err := t.FindNodeByID(w.NodeID); err == nil {
			root = n
			w.concurrentRootSpill = true
			t.addToRspills(root, w)
		}
	}

	err := t.compact(ctx, w)

	if root != nil {
		// Concurrent-spill commits must apply in submission order
		// (spec §3 invariant 5, §4.7), so a spill never calls t.commit
		// directly; runSpillOrdered does, once it is this job's turn.
		if err != nil && w.CancelRequested() {
			err = errors.Mark(err, ErrShutdown)
		}
		w.Err = t.runSpillOrdered(ctx, root, w, err)
		return w.Err
	}

	if err != nil {
		w.Err = err
		if w.CancelRequested() {
			w.Err = errors.Mark(w.Err, ErrShutdown)
			return w.Err
		}
		t.reportHealth(w.Err)
		return w.Err
	}

	err = t.commit(ctx, w)
	w.Err = err
	if err != nil {
		if isShutdown(err) {
			return err
		}
		t.reportHealth(err)
	}
	return err
}

func (t *Tree) reportHealth(err error) {
	if t.health == nil || err == nil {
		return
	}
	t.health.Error(classify(err), err)
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	case errors.Is(err, ErrNoSpace):
		return KindNoSpace
	case errors.Is(err, ErrShutdown):
		return KindShutdown
	case errors.Is(err, ErrCorrupt), errors.Is(err, ErrWedged):
		return KindCorrupt
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindBug
	}
}

// compact runs the "compacted" stage: a health check, preparation
// (4.4), then dispatch by action into the external Builder
// (spec §4.5 "compact").
func (t *Tree) compact(ctx context.Context, w *CompactionWork) error {
	if w.CancelRequested() {
		return ErrShutdown
	}
	if t.builder == nil {
		return errors.New("cn: tree has no builder attached")
	}

	n, err := t.FindNodeByID(w.NodeID)
	if err != nil {
		return err
	}
	if w.Action == Spill && n.Wedged() {
		return errors.Mark(ErrWedged, ErrShutdown)
	}

	if err := t.Prepare(w); err != nil {
		return err
	}
	if w.CancelRequested() {
		return ErrShutdown
	}

	switch w.Action {
	case KCompact:
		out, err := t.builder.KCompact(ctx, w.Ins, w.TombstoneDrop)
		if err != nil {
			return err
		}
		w.Outv = append(w.Outv, out)

	case KVCompact:
		out, err := t.builder.KVCompact(ctx, w.Ins, w.TombstoneDrop)
		if err != nil {
			return err
		}
		w.Outv = append(w.Outv, out)

	case Spill:
		route := func(key []byte) (NodeID, error) {
			hash, err := t.RouteHash(key)
			if err != nil {
				return 0, err
			}
			node, err := t.NodeLookupByKey(key, hash)
			if err != nil {
				return 0, err
			}
			return node.ID(), nil
		}
		outs, err := t.builder.Spill(ctx, w.Ins, route)
		if err != nil {
			return err
		}
		w.Outv = append(w.Outv, outs...)
		for i := range w.Outv {
			if i < len(w.OutDestNodes) {
				w.OutDestNodes[i] = w.Outv[i].DestNode
			}
		}

	case Split:
		if len(w.SplitKey) == 0 {
			return bugf("split work for node %d has no split key", w.NodeID)
		}
		if t.journal == nil {
			return errors.New("cn: tree has no journal attached")
		}
		leftID, err := t.journal.MintNodeID(ctx)
		if err != nil {
			return errors.Mark(err, ErrTransient)
		}
		w.split.newNodeIDs[0] = leftID
		w.split.newNodeIDs[1] = w.NodeID

		left, right, err := t.builder.Split(ctx, w.Ins, w.SplitKey)
		if err != nil {
			return err
		}
		// left/right are content-dependent, not KvsetCnt-sized: a single
		// merged input can produce one non-empty side and one empty
		// side, or an unbalanced pair. leftCount is the only correct
		// left/right boundary into the concatenated w.Outv from here on
		// (deriveOutputMetadata, installSplit).
		w.split.leftCount = len(left)
		w.Outv = append(w.Outv, left...)
		w.Outv = append(w.Outv, right...)

	default:
		return errors.Newf("cn: unknown action %v", w.Action)
	}

	w.CompactDone = timeNow()
	if w.CancelRequested() {
		if err := t.cleanup(ctx, w); err != nil {
			return err
		}
		return ErrShutdown
	}
	return nil
}
