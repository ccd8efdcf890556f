//go:build linux
// +build linux

package ticks

import (
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

func TestFilterInstructionShape(t *testing.T) {
	offs := []int16{0, 8, 128}
	ins := filterInstructions(10, 11, offs)

	// Prologue, one three-instruction compare per slot, then the deliver
	// and skip tails.
	want := 9 + 3*len(offs) + 13
	if len(ins) != want {
		t.Fatalf("%d instructions, want %d", len(ins), want)
	}

	var refSkip, refDeliver, refOut, symbols int
	for _, in := range ins {
		switch in.Reference() {
		case "skip":
			refSkip++
		case "deliver":
			refDeliver++
		case "out":
			refOut++
		}
		if in.Symbol() != "" {
			symbols++
		}
	}
	if refSkip != len(offs) {
		t.Fatalf("%d jumps to the skip tail, want one per compared slot", refSkip)
	}
	if refDeliver != 1 || refOut != 1 {
		t.Fatalf("deliver/out referenced %d/%d times, want 1/1", refDeliver, refOut)
	}
	if symbols != 3 {
		t.Fatalf("%d jump targets, want deliver, skip, and out", symbols)
	}
}

func TestBreakpointAttrShape(t *testing.T) {
	attr := breakpointAttr(0xdead0)
	if attr.Type != unix.PERF_TYPE_BREAKPOINT {
		t.Fatalf("attr type %d, want PERF_TYPE_BREAKPOINT", attr.Type)
	}
	if attr.Bp_type != hwBreakpointX || attr.Ext1 != 0xdead0 || attr.Ext2 != hwBreakpointLen8 {
		t.Fatalf("breakpoint shape %#x/%#x/%#x, want execute at 0xdead0 over 8 bytes",
			attr.Bp_type, attr.Ext1, attr.Ext2)
	}
	if attr.Sample != 1 {
		t.Fatalf("sample period %d, want every hit", attr.Sample)
	}
	if attr.Bits&unix.PerfBitDisabled == 0 {
		t.Fatal("breakpoint must open disabled until the filter is primed")
	}
	if attr.Bits&unix.PerfBitPinned == 0 {
		t.Fatal("breakpoint must be pinned")
	}
}

func TestAccelerateFallsBackWhenFilterUnavailable(t *testing.T) {
	stubFilter(t, nil, errFilterUnsupported)

	c := NewCounters(3)
	ok, err := c.AccelerateAsyncSignal(&unix.PtraceRegs{})
	if ok || err != nil {
		t.Fatalf("unavailable filter must fall back cleanly, got %v %v", ok, err)
	}
	n, err := c.SkippedSignals()
	if n != 0 || err != nil {
		t.Fatalf("no breakpoint means no skips, got %d %v", n, err)
	}
}

func TestAccelerateSkipsWhenBreakpointOpenFails(t *testing.T) {
	k := newFakeKernel(t)
	stubFilter(t, &signalFilter{}, nil)
	k.openErr = unix.ENOSPC

	c := NewCounters(3)
	ok, err := c.AccelerateAsyncSignal(&unix.PtraceRegs{})
	if ok || err != nil {
		t.Fatalf("exhausted debug registers must fall back cleanly, got %v %v", ok, err)
	}
	if c.fdBreakpoint.isOpen() {
		t.Fatal("failed acceleration must not leave a breakpoint open")
	}
}

func TestSkippedSignalsWithoutBreakpoint(t *testing.T) {
	stubFilter(t, &signalFilter{}, nil)

	c := NewCounters(3)
	n, err := c.SkippedSignals()
	if n != 0 || err != nil {
		t.Fatalf("no breakpoint means no skips, got %d %v", n, err)
	}
}

func stubFilter(t *testing.T, f *signalFilter, err error) {
	t.Helper()
	resetFilter()
	buildFilter = func() (*signalFilter, error) { return f, err }
	t.Cleanup(func() {
		buildFilter = buildSignalFilter
		resetFilter()
	})
}

func resetFilter() {
	filterOnce = sync.Once{}
	filterVal, filterErr = nil, nil
}
