//go:build linux
// +build linux

package ticks

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"

	"github.com/replayforge/ticks-perf/pkg/config"
	"github.com/replayforge/ticks-perf/pkg/logging"
)

// Execute breakpoints carry their address and length in the attr union
// fields; the length must be sizeof(long).
const (
	hwBreakpointX    = 0x4 // HW_BREAKPOINT_X
	hwBreakpointLen8 = 0x8
)

var errFilterUnsupported = errors.New("breakpoint signal filter unsupported")

// signalFilter is the process-wide BPF program and map pair suppressing
// breakpoint signals whose register state does not match the expected one.
// One tracee is filtered at a time; each Counters owns its breakpoint fd.
type signalFilter struct {
	prog     *ebpf.Program
	expected *ebpf.Map
	skips    *ebpf.Map
}

var (
	filterOnce sync.Once
	filterVal  *signalFilter
	filterErr  error
)

// buildFilter is a seam for tests.
var buildFilter = buildSignalFilter

func activeFilter() (*signalFilter, error) {
	filterOnce.Do(func() {
		filterVal, filterErr = buildFilter()
		if filterErr != nil {
			lg := logging.NewLoggerWithContext("ticks")
			lg.Debug().
				Err(filterErr).
				Msg("breakpoint signal filter disabled")
		}
	})
	return filterVal, filterErr
}

func buildSignalFilter() (*signalFilter, error) {
	if !config.SignalFilterEnabled() {
		return nil, fmt.Errorf("%w: disabled by configuration", errFilterUnsupported)
	}
	offsets := compareRegOffsets()
	if len(offsets) == 0 {
		return nil, fmt.Errorf("%w on this architecture", errFilterUnsupported)
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("raising memlock limit: %w", err)
	}

	expected, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "expected_regs",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  ptRegsWords * 8,
		MaxEntries: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("creating expected-registers map: %w", err)
	}
	skips, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "bp_skips",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  8,
		MaxEntries: 1,
	})
	if err != nil {
		expected.Close()
		return nil, fmt.Errorf("creating skip-count map: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "bp_regs_filter",
		Type:         ebpf.PerfEvent,
		License:      "Dual MIT/GPL",
		Instructions: filterInstructions(expected.FD(), skips.FD(), offsets),
	})
	if err != nil {
		expected.Close()
		skips.Close()
		return nil, fmt.Errorf("loading filter program: %w", err)
	}

	return &signalFilter{prog: prog, expected: expected, skips: skips}, nil
}

// filterInstructions assembles the filter: look up the expected registers,
// compare the interrupted pt_regs slot by slot, deliver the sample (and
// with it the signal) only on a full match, otherwise bump the skip counter
// and swallow the overflow.
func filterInstructions(expectedFD, skipsFD int, offsets []int16) asm.Instructions {
	ins := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.Mov.Imm(asm.R1, 0),
		asm.StoreMem(asm.RFP, -4, asm.R1, asm.Word),
		asm.LoadMapPtr(asm.R1, expectedFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "deliver"),
		asm.Mov.Reg(asm.R7, asm.R0),
	}
	for _, off := range offsets {
		ins = append(ins,
			asm.LoadMem(asm.R1, asm.R6, off, asm.DWord),
			asm.LoadMem(asm.R2, asm.R7, off, asm.DWord),
			asm.JNE.Reg(asm.R1, asm.R2, "skip"),
		)
	}
	ins = append(ins,
		asm.Mov.Imm(asm.R0, 1).WithSymbol("deliver"),
		asm.Return(),

		asm.Mov.Imm(asm.R1, 0).WithSymbol("skip"),
		asm.StoreMem(asm.RFP, -4, asm.R1, asm.Word),
		asm.LoadMapPtr(asm.R1, skipsFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -4),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "out"),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("out"),
		asm.Return(),
	)
	return ins
}

// breakpointAttr builds an execute breakpoint at addr that fires on every
// hit.
func breakpointAttr(addr uint64) unix.PerfEventAttr {
	return unix.PerfEventAttr{
		Type:    unix.PERF_TYPE_BREAKPOINT,
		Size:    attrSize,
		Sample:  1,
		Bp_type: hwBreakpointX,
		Ext1:    addr,             // bp_addr
		Ext2:    hwBreakpointLen8, // bp_len
		Bits:    unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeGuest | unix.PerfBitPinned,
	}
}

// AccelerateAsyncSignal arms an execute breakpoint at the instruction
// pointer in regs and installs the in-kernel filter so that only a hit with
// exactly these registers delivers TimeSliceSignal; spurious hits are
// counted and swallowed without waking anyone. Reports false when filtering
// is unavailable, in which case the tracer falls back to plain breakpoints.
//
// The traced thread must be stopped, as with Reset.
func (c *Counters) AccelerateAsyncSignal(regs *unix.PtraceRegs) (bool, error) {
	filter, err := activeFilter()
	if err != nil {
		return false, nil
	}
	value, ok := expectedRegsValue(regs)
	if !ok {
		return false, nil
	}

	attr := breakpointAttr(breakpointAddr(regs))
	if c.fdBreakpoint.isOpen() {
		// Retarget the existing breakpoint; on failure fall back to a
		// fresh one.
		if err := sysIoctlSetInt(c.fdBreakpoint.raw(), unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
			c.fdBreakpoint.close()
		} else if err := sysIoctlModify(c.fdBreakpoint.raw(), &attr); err != nil {
			c.fdBreakpoint.close()
		}
	}
	if !c.fdBreakpoint.isOpen() {
		fd, err := sysPerfEventOpen(&attr, c.tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			// Debug registers may be exhausted; not fatal.
			c.log.Debug().Err(err).Int("tid", c.tid).Msg("breakpoint open failed, acceleration skipped")
			return false, nil
		}
		c.fdBreakpoint = newScopedFD(fd)
		if err := routeSignal(c.fdBreakpoint.raw(), c.tid); err != nil {
			c.fdBreakpoint.close()
			return false, err
		}
		if err := sysIoctlSetInt(c.fdBreakpoint.raw(), unix.PERF_EVENT_IOC_SET_BPF, filter.prog.FD()); err != nil {
			// Kernel predates BPF filters on perf events.
			c.fdBreakpoint.close()
			c.log.Debug().Err(err).Msg("attaching filter failed, acceleration skipped")
			return false, nil
		}
	}

	if err := filter.expected.Put(uint32(0), value); err != nil {
		return false, fmt.Errorf("writing expected registers: %w", err)
	}
	if err := filter.skips.Put(uint32(0), uint64(0)); err != nil {
		return false, fmt.Errorf("clearing skip counter: %w", err)
	}
	if err := sysIoctlSetInt(c.fdBreakpoint.raw(), unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		return false, fmt.Errorf("resetting breakpoint counter: %w", err)
	}
	if err := sysIoctlSetInt(c.fdBreakpoint.raw(), unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return false, fmt.Errorf("enabling breakpoint counter: %w", err)
	}
	return true, nil
}

// SkippedSignals returns how many breakpoint hits the filter swallowed
// since the last AccelerateAsyncSignal.
func (c *Counters) SkippedSignals() (uint64, error) {
	if !c.fdBreakpoint.isOpen() {
		return 0, nil
	}
	filter, err := activeFilter()
	if err != nil {
		return 0, nil
	}
	var n uint64
	if err := filter.skips.Lookup(uint32(0), &n); err != nil {
		return 0, fmt.Errorf("reading skip counter: %w", err)
	}
	return n, nil
}
