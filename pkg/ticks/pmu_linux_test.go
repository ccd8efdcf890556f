//go:build linux
// +build linux

package ticks

import (
	"errors"
	"os"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

const skylakeCPUInfo = `processor	: 0
vendor_id	: GenuineIntel
cpu family	: 6
model		: 94
model name	: Intel(R) Core(TM) i7-6700K CPU @ 4.00GHz
stepping	: 3
microcode	: 0xf0
cpu MHz		: 4008.007
cache size	: 8192 KB
flags		: fpu vme de pse tsc msr pae mce cx8 apic sep mtrr pge mca cmov pat pse36 clflush mmx fxsr sse sse2 ss ht syscall nx pdpe1gb rdtscp lm constant_tsc avx avx2 bmi1 bmi2 hle rtm xsave fma
`

const zenCPUInfo = `processor	: 0
vendor_id	: AuthenticAMD
cpu family	: 23
model		: 113
model name	: AMD Ryzen 9 3950X 16-Core Processor
stepping	: 0
flags		: fpu vme de pse tsc msr pae mce cx8 apic sep mtrr pge mca cmov pat pse36 clflush mmx fxsr sse sse2 ht syscall nx mmxext fxsr_opt pdpe1gb rdtscp lm sse4a misalignsse 3dnowprefetch
`

func stubProcFiles(t *testing.T, files map[string]string) {
	t.Helper()
	t.Cleanup(func() { procReadFile = os.ReadFile })
	procReadFile = func(path string) ([]byte, error) {
		if data, ok := files[path]; ok {
			return []byte(data), nil
		}
		return nil, os.ErrNotExist
	}
}

func TestDetectSystemPMUSkylake(t *testing.T) {
	files := map[string]string{"/proc/cpuinfo": skylakeCPUInfo}
	files["/sys/bus/event_source/devices/cpu/type"] = "4\n"
	stubProcFiles(t, files)

	pm, err := detectSystemPMU()
	if err != nil {
		t.Fatalf("detection failed: %v", err)
	}
	if pm.cfg.name != "Intel Skylake" {
		t.Fatalf("detected %q, want Intel Skylake", pm.cfg.name)
	}
	if pm.cfg.ticksEvent != 0x5101c4 {
		t.Fatalf("ticks event %#x, want 0x5101c4", pm.cfg.ticksEvent)
	}
	if pm.rawType != 4 {
		t.Fatalf("raw event type %d, want 4", pm.rawType)
	}
	if !pm.txcp {
		t.Fatal("rtm in the cpuinfo flags makes transactional filtering a candidate")
	}
}

func TestDetectSystemPMUWithoutRTM(t *testing.T) {
	stubProcFiles(t, map[string]string{
		"/proc/cpuinfo": strings.ReplaceAll(skylakeCPUInfo, " rtm", ""),
	})
	pm, err := detectSystemPMU()
	if err != nil {
		t.Fatalf("detection failed: %v", err)
	}
	if pm.txcp {
		t.Fatal("hardware without rtm cannot filter aborted transactions")
	}
}

func TestDetectSystemPMUZen(t *testing.T) {
	stubProcFiles(t, map[string]string{"/proc/cpuinfo": zenCPUInfo})
	pm, err := detectSystemPMU()
	if err != nil {
		t.Fatalf("detection failed: %v", err)
	}
	if pm.cfg.name != "AMD Zen" {
		t.Fatalf("detected %q, want AMD Zen", pm.cfg.name)
	}
	if pm.cfg.ticksEvent != 0x5100d1 {
		t.Fatalf("ticks event %#x, want 0x5100d1", pm.cfg.ticksEvent)
	}
	if pm.txcp {
		t.Fatal("transactional filtering is never a candidate off Intel")
	}
}

func TestDetectSystemPMUHybridUsesCorePMU(t *testing.T) {
	files := map[string]string{
		"/proc/cpuinfo": strings.ReplaceAll(skylakeCPUInfo, "model		: 94", "model		: 151"),
	}
	files["/sys/bus/event_source/devices/cpu_core/type"] = "10\n"
	stubProcFiles(t, files)

	pm, err := detectSystemPMU()
	if err != nil {
		t.Fatalf("detection failed: %v", err)
	}
	if pm.cfg.name != "Intel Alderlake" {
		t.Fatalf("detected %q, want Intel Alderlake", pm.cfg.name)
	}
	if pm.rawType != 10 {
		t.Fatalf("raw event type %d, want the core pmu's 10", pm.rawType)
	}
}

func TestDetectSystemPMUUnknownVendor(t *testing.T) {
	stubProcFiles(t, map[string]string{
		"/proc/cpuinfo": strings.ReplaceAll(skylakeCPUInfo, "GenuineIntel", "CentaurHauls"),
	})
	if _, err := detectSystemPMU(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for an unknown vendor, got %v", err)
	}
}

func TestDetectSystemPMUUnknownModel(t *testing.T) {
	stubProcFiles(t, map[string]string{
		"/proc/cpuinfo": strings.ReplaceAll(skylakeCPUInfo, "model		: 94", "model		: 1"),
	})
	if _, err := detectSystemPMU(); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable for an unknown model, got %v", err)
	}
}

func TestParseCPUIDReadsFirstProcessorBlock(t *testing.T) {
	data := skylakeCPUInfo + "\nprocessor	: 1\ncpu family	: garbage\n"
	id, err := parseCPUID([]byte(data))
	if err != nil {
		t.Fatalf("later processor blocks must not be parsed: %v", err)
	}
	if id.vendor != vendorIntel || id.family != 6 || id.model != 94 || !id.rtm {
		t.Fatalf("parsed %+v, want GenuineIntel family 6 model 94 with rtm", id)
	}
}

func TestParseCPUIDMalformedField(t *testing.T) {
	data := strings.ReplaceAll(skylakeCPUInfo, "cpu family	: 6", "cpu family	: six")
	if _, err := parseCPUID([]byte(data)); err == nil || !strings.Contains(err.Error(), "malformed") {
		t.Fatalf("expected a malformed-line error, got %v", err)
	}
}

func TestParseCPUIDMissingVendor(t *testing.T) {
	if _, err := parseCPUID([]byte("processor	: 0\n\n")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable without a vendor, got %v", err)
	}
}

func TestRawEventTypeDefaultsToRaw(t *testing.T) {
	stubProcFiles(t, map[string]string{})
	if got := rawEventType(); got != unix.PERF_TYPE_RAW {
		t.Fatalf("raw event type %d, want PERF_TYPE_RAW", got)
	}
}

func TestTicksAttrShape(t *testing.T) {
	pm := testPMU()

	attr := pm.ticksAttr(false)
	if attr.Type != unix.PERF_TYPE_RAW || attr.Config != 0x5101c4 {
		t.Fatalf("unexpected tick attr type %d config %#x", attr.Type, attr.Config)
	}
	if attr.Bits&unix.PerfBitExcludeKernel == 0 || attr.Bits&unix.PerfBitExcludeGuest == 0 {
		t.Fatal("tick counter must count tracee user code only")
	}
	if attr.Bits&unix.PerfBitDisabled != 0 {
		t.Fatal("tick counter opens enabled")
	}

	tx := pm.ticksAttr(true)
	if tx.Config != 0x5101c4|configInTxcp {
		t.Fatalf("checkpoint attr config %#x, want the checkpoint bit set", tx.Config)
	}

	hw := pm.hwInterruptsAttr()
	if hw.Bits&unix.PerfBitExcludeHv == 0 {
		t.Fatal("hardware interrupt counter must exclude the hypervisor")
	}
}

func TestIsTicksAttrVariants(t *testing.T) {
	primePlatform(t, testPMU(), platformCaps{})
	pm := testPMU()

	base := pm.ticksAttr(false)
	txcp := pm.ticksAttr(true)
	if !IsTicksAttr(&base) || !IsTicksAttr(&txcp) {
		t.Fatal("both transactional variants should classify as tick counters")
	}

	inTx := base
	inTx.Config |= configInTx
	if !IsTicksAttr(&inTx) {
		t.Fatal("the in-transaction variant should classify as a tick counter")
	}

	for _, attr := range []unix.PerfEventAttr{
		pm.pageFaultsAttr(),
		pm.hwInterruptsAttr(),
		pm.instructionsAttr(),
		cyclesAttr(),
	} {
		if IsTicksAttr(&attr) {
			t.Fatalf("attr type %d config %#x must not classify as a tick counter", attr.Type, attr.Config)
		}
	}
}

func TestIsTicksAttrWithoutPMU(t *testing.T) {
	resetPlatform()
	detectPMU = func() (*pmu, error) { return nil, ErrUnavailable }
	t.Cleanup(func() {
		detectPMU = detectSystemPMU
		resetPlatform()
	})

	pm := testPMU()
	attr := pm.ticksAttr(false)
	if IsTicksAttr(&attr) {
		t.Fatal("no detected pmu means nothing classifies as a tick counter")
	}
}
