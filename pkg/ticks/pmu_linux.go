//go:build linux
// +build linux

package ticks

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/replayforge/ticks-perf/pkg/logging"
)

// procReadFile allows tests to stub /proc and /sys reads.
var procReadFile = os.ReadFile

const (
	vendorIntel = "GenuineIntel"
	vendorAMD   = "AuthenticAMD"
)

var attrSize = uint32(unsafe.Sizeof(unix.PerfEventAttr{}))

// Perfmon config bits selecting transactional-memory filtering: inTx counts
// only inside transactions, inTxcp additionally discards events from
// transactions that later aborted.
const (
	configInTx   = uint64(1) << 32
	configInTxcp = uint64(1) << 33
)

// pmuConfig holds the counter event encodings for one microarchitecture
// generation. The raw configs use the perfmon MSR encoding with the
// user-mode and enable bits folded in.
type pmuConfig struct {
	name        string
	ticksEvent  uint64 // retired conditional branches
	hwIntrEvent uint64 // hardware interrupts received
	instrEvent  uint64 // instructions retired
	skid        uint64 // worst observed overshoot past an armed period
}

var intelPMUs = []struct {
	models []int
	cfg    pmuConfig
}{
	{[]int{0x1a, 0x1e, 0x1f, 0x2e}, pmuConfig{"Intel Nehalem", 0x5101c4, 0x50011d, 0x5100c0, 100}},
	{[]int{0x25, 0x2c, 0x2f}, pmuConfig{"Intel Westmere", 0x5101c4, 0x50011d, 0x5100c0, 100}},
	{[]int{0x2a, 0x2d}, pmuConfig{"Intel SandyBridge", 0x5101c4, 0x5301cb, 0x5100c0, 100}},
	{[]int{0x3a, 0x3e}, pmuConfig{"Intel IvyBridge", 0x5101c4, 0x5301cb, 0x5100c0, 100}},
	{[]int{0x3c, 0x3f, 0x45, 0x46}, pmuConfig{"Intel Haswell", 0x5101c4, 0x5301cb, 0x5100c0, 100}},
	{[]int{0x3d, 0x47, 0x4f, 0x56}, pmuConfig{"Intel Broadwell", 0x5101c4, 0x5301cb, 0x5100c0, 100}},
	{[]int{0x4e, 0x55, 0x5e, 0x8e, 0x9e, 0xa5, 0xa6}, pmuConfig{"Intel Skylake", 0x5101c4, 0x5301cb, 0x5100c0, 100}},
	{[]int{0x66}, pmuConfig{"Intel Cannonlake", 0x5101c4, 0x5301cb, 0x5100c0, 100}},
	{[]int{0x6a, 0x6c, 0x7d, 0x7e}, pmuConfig{"Intel Icelake", 0x5101c4, 0x5301cb, 0x5100c0, 100}},
	{[]int{0x8c, 0x8d}, pmuConfig{"Intel Tigerlake", 0x5101c4, 0x5301cb, 0x5100c0, 100}},
	{[]int{0xa7}, pmuConfig{"Intel Rocketlake", 0x5101c4, 0x5301cb, 0x5100c0, 100}},
	{[]int{0x8f}, pmuConfig{"Intel Sapphire Rapids", 0x5101c4, 0x5301cb, 0x5100c0, 100}},
	{[]int{0x97, 0x9a, 0xbe}, pmuConfig{"Intel Alderlake", 0x5101c4, 0x5301cb, 0x5100c0, 100}},
	{[]int{0xb7, 0xba, 0xbf}, pmuConfig{"Intel Raptorlake", 0x5101c4, 0x5301cb, 0x5100c0, 100}},
}

var amdPMUs = []struct {
	families []int
	cfg      pmuConfig
}{
	{[]int{0x17, 0x19, 0x1a}, pmuConfig{"AMD Zen", 0x5100d1, 0x51002c, 0x5100c0, 10000}},
}

// pmu is the cached process-wide detection result.
type pmu struct {
	cfg     pmuConfig
	rawType uint32 // event source for raw PMU events
	txcp    bool   // transactional checkpoint filtering is a candidate
}

var (
	pmuOnce sync.Once
	pmuVal  *pmu
	pmuErr  error
)

// detectPMU is a seam for tests.
var detectPMU = detectSystemPMU

// activePMU resolves the microarchitecture once per process.
func activePMU() (*pmu, error) {
	pmuOnce.Do(func() { pmuVal, pmuErr = detectPMU() })
	return pmuVal, pmuErr
}

func detectSystemPMU() (*pmu, error) {
	data, err := procReadFile("/proc/cpuinfo")
	if err != nil {
		return nil, fmt.Errorf("reading /proc/cpuinfo: %w", err)
	}
	id, err := parseCPUID(data)
	if err != nil {
		return nil, err
	}
	cfg, err := pmuForCPU(id)
	if err != nil {
		return nil, err
	}

	p := &pmu{
		cfg:     *cfg,
		rawType: rawEventType(),
		txcp:    id.vendor == vendorIntel && id.rtm,
	}
	lg := logging.NewLoggerWithContext("ticks")
	lg.Debug().
		Str("pmu", cfg.name).
		Uint64("ticks_event", cfg.ticksEvent).
		Msg("detected cpu microarchitecture")
	return p, nil
}

type cpuID struct {
	vendor string
	family int
	model  int
	rtm    bool
}

// parseCPUID pulls vendor, family, model, and the rtm feature flag out of
// the first processor block of /proc/cpuinfo.
func parseCPUID(data []byte) (cpuID, error) {
	var id cpuID
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" && id.vendor != "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		var err error
		switch strings.TrimSpace(key) {
		case "vendor_id":
			id.vendor = value
		case "cpu family":
			id.family, err = strconv.Atoi(value)
		case "model":
			id.model, err = strconv.Atoi(value)
		case "flags":
			for _, f := range strings.Fields(value) {
				if f == "rtm" {
					id.rtm = true
				}
			}
		}
		if err != nil {
			return id, fmt.Errorf("malformed /proc/cpuinfo line %q: %w", line, err)
		}
	}
	if id.vendor == "" {
		return id, fmt.Errorf("%w: cannot identify the cpu from /proc/cpuinfo", ErrUnavailable)
	}
	return id, nil
}

func pmuForCPU(id cpuID) (*pmuConfig, error) {
	switch id.vendor {
	case vendorIntel:
		if id.family == 6 {
			for _, entry := range intelPMUs {
				for _, m := range entry.models {
					if m == id.model {
						return &entry.cfg, nil
					}
				}
			}
		}
	case vendorAMD:
		for _, entry := range amdPMUs {
			for _, f := range entry.families {
				if f == id.family {
					return &entry.cfg, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("%w: no deterministic tick event known for %s family %#x model %#x",
		ErrUnavailable, id.vendor, id.family, id.model)
}

// rawEventType resolves the perf event source for raw PMU events,
// preferring the core PMU on hybrid parts.
func rawEventType() uint32 {
	for _, dev := range []string{"cpu", "cpu_core"} {
		data, err := procReadFile("/sys/bus/event_source/devices/" + dev + "/type")
		if err != nil {
			continue
		}
		if v, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
			return uint32(v)
		}
	}
	return unix.PERF_TYPE_RAW
}

// ticksAttr builds the tick counter configuration. With txcp the counter
// discards ticks from aborted hardware transactions but cannot drive a
// sample period; without it the count includes them and may interrupt.
// Either way only tracee user code counts.
func (p *pmu) ticksAttr(txcp bool) unix.PerfEventAttr {
	attr := unix.PerfEventAttr{
		Type:   p.rawType,
		Size:   attrSize,
		Config: p.cfg.ticksEvent,
		Bits:   unix.PerfBitExcludeKernel | unix.PerfBitExcludeGuest,
	}
	if txcp {
		attr.Config |= configInTxcp
	}
	return attr
}

func (p *pmu) pageFaultsAttr() unix.PerfEventAttr {
	return unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_SOFTWARE,
		Size:   attrSize,
		Config: unix.PERF_COUNT_SW_PAGE_FAULTS,
		Bits:   unix.PerfBitExcludeKernel | unix.PerfBitExcludeGuest,
	}
}

func (p *pmu) hwInterruptsAttr() unix.PerfEventAttr {
	// The canonical encoding of this event also excludes the hypervisor.
	return unix.PerfEventAttr{
		Type:   p.rawType,
		Size:   attrSize,
		Config: p.cfg.hwIntrEvent,
		Bits:   unix.PerfBitExcludeKernel | unix.PerfBitExcludeGuest | unix.PerfBitExcludeHv,
	}
}

func (p *pmu) instructionsAttr() unix.PerfEventAttr {
	return unix.PerfEventAttr{
		Type:   p.rawType,
		Size:   attrSize,
		Config: p.cfg.instrEvent,
		Bits:   unix.PerfBitExcludeKernel | unix.PerfBitExcludeGuest,
	}
}

func cyclesAttr() unix.PerfEventAttr {
	return unix.PerfEventAttr{
		Type:   unix.PERF_TYPE_HARDWARE,
		Size:   attrSize,
		Config: unix.PERF_COUNT_HW_CPU_CYCLES,
		Bits:   unix.PerfBitExcludeKernel | unix.PerfBitExcludeGuest,
	}
}

// IsTicksAttr reports whether attr is one of the tick counter encodings
// (either transactional variant) rather than an auxiliary counter, letting
// code that enumerates a thread's counters attribute a signal to its
// source. False when no usable PMU was detected.
func IsTicksAttr(attr *unix.PerfEventAttr) bool {
	pm, err := activePMU()
	if err != nil {
		return false
	}
	return attr.Type == pm.rawType && attr.Config&^(configInTx|configInTxcp) == pm.cfg.ticksEvent
}
