//go:build linux && amd64
// +build linux,amd64

package ticks

import "golang.org/x/sys/unix"

// pt_regs slot indexes on x86-64. The BPF perf event context exposes the
// interrupted registers in this layout, and the expected-registers map value
// mirrors it so both sides compare at the same offsets.
const (
	regR15 = iota
	regR14
	regR13
	regR12
	regBP
	regBX
	regR11
	regR10
	regR9
	regR8
	regAX
	regCX
	regDX
	regSI
	regDI
	regOrigAX
	regIP
	regCS
	regFlags
	regSP
	regSS
	ptRegsWords
)

// compareRegs lists the slots the filter checks: the general purpose
// registers plus ip and sp. Flags and segment state wobble between
// otherwise identical visits and are left out.
var compareRegs = [...]int{
	regR15, regR14, regR13, regR12, regBP, regBX, regR11, regR10,
	regR9, regR8, regAX, regCX, regDX, regSI, regDI, regIP, regSP,
}

func compareRegOffsets() []int16 {
	offs := make([]int16, 0, len(compareRegs))
	for _, r := range compareRegs {
		offs = append(offs, int16(r*8))
	}
	return offs
}

// expectedRegsValue flattens ptrace registers into the map value layout.
func expectedRegsValue(regs *unix.PtraceRegs) ([ptRegsWords]uint64, bool) {
	var v [ptRegsWords]uint64
	v[regR15] = regs.R15
	v[regR14] = regs.R14
	v[regR13] = regs.R13
	v[regR12] = regs.R12
	v[regBP] = regs.Rbp
	v[regBX] = regs.Rbx
	v[regR11] = regs.R11
	v[regR10] = regs.R10
	v[regR9] = regs.R9
	v[regR8] = regs.R8
	v[regAX] = regs.Rax
	v[regCX] = regs.Rcx
	v[regDX] = regs.Rdx
	v[regSI] = regs.Rsi
	v[regDI] = regs.Rdi
	v[regOrigAX] = regs.Orig_rax
	v[regIP] = regs.Rip
	v[regCS] = regs.Cs
	v[regFlags] = regs.Eflags
	v[regSP] = regs.Rsp
	v[regSS] = regs.Ss
	return v, true
}

func breakpointAddr(regs *unix.PtraceRegs) uint64 { return regs.Rip }
