// Package ticks drives per-thread hardware performance counters for a
// record/replay tracer. A tick is one retired conditional branch of the
// traced thread: the deterministic progress measure the tracer compares
// between recording and replay. Each Counters instance manages the kernel
// counter objects of one thread, arms an interrupt after a chosen number of
// ticks, and reads the accumulated progress.
//
// Counters performs no locking of its own. The tracer drives it from a
// single controlling thread, arms it only while the traced thread is
// stopped, and reads it only after the traced thread has stopped again.
package ticks

import "errors"

// Counter failures fall into three classes, matched with errors.Is.
var (
	// ErrUnavailable means the kernel or hardware cannot supply the tick
	// event: permissions, an unknown PMU, or broken counting. Deterministic
	// replay is impossible; the session must abort rather than degrade.
	ErrUnavailable = errors.New("hardware tick counters unavailable")

	// ErrBadConfig means the kernel rejected a counter configuration, such
	// as an unusable interrupt period.
	ErrBadConfig = errors.New("unsupported tick counter configuration")

	// ErrNotStarted means a value was read while no counters were armed.
	// Readings are only defined between a Reset and the following Stop.
	ErrNotStarted = errors.New("tick counters not started")
)

// Extra carries the auxiliary counter readings taken alongside ticks. It
// stays all zero unless the process-wide extra-counters configuration
// enables the auxiliary counters.
type Extra struct {
	PageFaults          int64
	HwInterrupts        int64
	InstructionsRetired int64
}
