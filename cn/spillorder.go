package cn

import "context"

// addToRspills appends w to root's FIFO of in-flight concurrent root
// spills. It must be called before the job's compact stage runs, at
// the point the job is considered "added to the in-flight set"
// (spec §4.7).
func (t *Tree) addToRspills(root *Node, w *CompactionWork) {
	root.rspillsMu.Lock()
	root.rspills = append(root.rspills, w)
	root.rspillsMu.Unlock()
}

// runSpillOrdered implements the get_completed_spill / release
// protocol of spec §4.7: on compact completion the calling job marks
// itself rspill_done, then drains every ready-and-not-in-progress head
// of root's FIFO in order (committing each via t.commit), until its own
// job has been processed. This lets one worker's drain pass commit an
// earlier job that finished compacting first, while still guaranteeing
// per-key ordering because commits only ever happen head-first.
func (t *Tree) runSpillOrdered(ctx context.Context, root *Node, w *CompactionWork, compactErr error) error {
	root.rspillsMu.Lock()
	w.rspillDone.Store(true)
	if compactErr != nil {
		w.Err = compactErr
	}

	for {
		for len(root.rspills) > 0 {
			head := root.rspills[0]
			if !head.rspillDone.Load() || head.rspillCommitInProg.Load() {
				break
			}
			head.rspillCommitInProg.Store(true)

			if root.Wedged() && head.Err == nil {
				head.Err = ErrShutdown
				head.RequestCancel()
			}

			root.rspillsMu.Unlock()
			herr := t.processSpillHead(ctx, head)
			root.rspillsMu.Lock()

			if len(root.rspills) == 0 || root.rspills[0] != head {
				// The FIFO invariant that only the committed job's own
				// slot is popped here has been violated by concurrent
				// mutation outside this protocol (spec §4.7 "violation
				// => corruption assertion").
				head.Err = ErrCorrupt
				root.rspillsMu.Unlock()
				return ErrCorrupt
			}
			head.Err = herr
			root.rspills = root.rspills[1:]
			root.rspillsCond.Broadcast()
		}

		// w is done once it has been started and popped: while another
		// goroutine is still committing it, it remains the FIFO head.
		if w.rspillCommitInProg.Load() && (len(root.rspills) == 0 || root.rspills[0] != w) {
			break
		}
		root.rspillsCond.Wait()
	}

	err := w.Err
	root.rspillsMu.Unlock()

	if err != nil && !isShutdown(err) {
		t.reportHealth(err)
	}
	return err
}

// processSpillHead commits (or, if it already failed at the compact
// stage, simply propagates the failure of) the FIFO head job. A commit
// failure wedges the root so later spills short-circuit to Shutdown
// (spec §4.7, §4.10).
func (t *Tree) processSpillHead(ctx context.Context, head *CompactionWork) error {
	if head.Err != nil {
		if !isShutdown(head.Err) {
			if n, err := t.FindNodeByID(head.NodeID); err == nil {
				n.setWedged()
			}
		}
		return head.Err
	}
	err := t.commit(ctx, head)
	if err != nil && !isShutdown(err) {
		if n, ferr := t.FindNodeByID(head.NodeID); ferr == nil {
			n.setWedged()
		}
	}
	return err
}
