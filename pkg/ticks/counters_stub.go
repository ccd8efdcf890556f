//go:build !linux
// +build !linux

package ticks

import "fmt"

var errUnsupported = fmt.Errorf("%w: tick counters require linux", ErrUnavailable)

// Counters is inert off linux: construction succeeds so cross-platform
// tooling can link against the package, but arming always fails.
type Counters struct {
	tid      int
	counting bool
}

// NewCounters returns a manager bound to tid.
func NewCounters(tid int) *Counters { return &Counters{tid: tid} }

// SetTid rebinds the manager to a new kernel thread id.
func (c *Counters) SetTid(tid int) { c.tid = tid }

// Counting reports whether the counters are armed; never true off linux.
func (c *Counters) Counting() bool { return c.counting }

// InterruptFD always reports no descriptor.
func (c *Counters) InterruptFD() int { return -1 }

// Reset fails: there is no perf facility to arm.
func (c *Counters) Reset(ticksPeriod uint64) error { return errUnsupported }

// Stop is a no-op.
func (c *Counters) Stop() error { return nil }

// Close is a no-op.
func (c *Counters) Close() error { return nil }

// StopCounting is a no-op.
func (c *Counters) StopCounting() error {
	c.counting = false
	return nil
}

// ReadTicks fails: nothing can ever be armed.
func (c *Counters) ReadTicks() (uint64, error) { return 0, errUnsupported }

// ReadExtra returns the all-zero snapshot.
func (c *Counters) ReadExtra() (Extra, error) { return Extra{}, nil }
