//go:build linux && !amd64
// +build linux,!amd64

package ticks

import "golang.org/x/sys/unix"

// Breakpoint signal filtering relies on the x86-64 pt_regs layout; other
// architectures fall back to unfiltered breakpoints.
const ptRegsWords = 21

func compareRegOffsets() []int16 { return nil }

func expectedRegsValue(regs *unix.PtraceRegs) ([ptRegsWords]uint64, bool) {
	return [ptRegsWords]uint64{}, false
}

func breakpointAddr(regs *unix.PtraceRegs) uint64 { return 0 }
