package cn

import "github.com/cockroachdb/errors"

// Error kinds, as described in spec §7. Callers match with errors.Is;
// the core never retries internally.
var (
	// ErrInvalid marks bad parameters at construction time (fanout out
	// of range, prefix/suffix too long relative to key space).
	ErrInvalid = errors.New("cn: invalid parameter")

	// ErrNoSpace is returned when the block allocator reports the
	// backing media is full. It also sets Tree.nospace.
	ErrNoSpace = errors.New("cn: no space")

	// ErrShutdown marks a job that observed cancellation. It is never
	// logged and never reported through the health channel.
	ErrShutdown = errors.New("cn: shutdown")

	// ErrCorrupt marks a fatal internal-consistency violation: a spill
	// FIFO head mismatch, or a dgen-ordering break discovered at commit
	// time. It is not recoverable within the current process.
	ErrCorrupt = errors.New("cn: corruption detected")

	// ErrTransient marks journal or I/O failures encountered during
	// commit. It is reported through the health channel and may wedge a
	// node (root spill) but never tears down the tree.
	ErrTransient = errors.New("cn: transient failure")

	// ErrWedged is returned, marked as ErrShutdown, when a spill's
	// compact stage starts on a node whose earlier spill failed
	// irrecoverably.
	ErrWedged = errors.New("cn: node wedged")
)

// bugf reports an invariant violation reached at runtime, e.g. a lookup
// for a node id that must exist. Bug-kind errors are always logged via
// the health channel by the caller.
func bugf(format string, args ...interface{}) error {
	return errors.AssertionFailedf("cn: bug: "+format, args...)
}

// isShutdown reports whether err represents (possibly wrapped)
// cancellation, in which case it must be suppressed from health
// reporting per spec §7.
func isShutdown(err error) bool {
	return errors.Is(err, ErrShutdown)
}
