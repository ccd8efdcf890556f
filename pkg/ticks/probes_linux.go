//go:build linux
// +build linux

package ticks

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/replayforge/ticks-perf/pkg/logging"
)

// platformCaps captures the kernel and hardware quirks probed once per
// process.
type platformCaps struct {
	iocPeriodBug   bool // reprogramming an open counter's period applies lazily
	onlyOneCounter bool // a single programmable counter is usable
	txcpWorks      bool // aborted-transaction filtering opens and counts
}

// recreateOnReset reports whether Reset must close and reopen the counters
// instead of reprogramming them in place.
func (c platformCaps) recreateOnReset() bool { return c.iocPeriodBug || c.onlyOneCounter }

var (
	capsOnce sync.Once
	capsVal  platformCaps
	capsErr  error
)

// probeCaps is a seam for tests.
var probeCaps = probeSystemCaps

// activeCaps probes the platform once per process.
func activeCaps() (platformCaps, error) {
	capsOnce.Do(func() { capsVal, capsErr = probeCaps() })
	return capsVal, capsErr
}

func probeSystemCaps() (platformCaps, error) {
	pm, err := activePMU()
	if err != nil {
		return platformCaps{}, err
	}

	// Probe counters open on pid 0, the current os thread; the goroutine
	// must stay on it so the calibration loop is what gets counted.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var caps platformCaps
	if caps.iocPeriodBug, err = probeIOCPeriodBug(pm); err != nil {
		return caps, err
	}
	if caps.onlyOneCounter, err = probeCounterPair(pm); err != nil {
		return caps, err
	}
	if caps.txcpWorks, err = probeTxcp(pm); err != nil {
		return caps, err
	}

	lg := logging.NewLoggerWithContext("ticks")
	lg.Debug().
		Bool("ioc_period_bug", caps.iocPeriodBug).
		Bool("only_one_counter", caps.onlyOneCounter).
		Bool("txcp", caps.txcpWorks).
		Msg("probed counter capabilities")
	return caps, nil
}

const probeCalibration = 512

// branchLoop executes at least n conditional branches so probe counters
// have something to count.
//
//go:noinline
func branchLoop(n uint64) uint64 {
	var acc uint64
	for i := uint64(0); i < n; i++ {
		acc = acc*31 + i
	}
	return acc
}

func openSelfCounter(attr *unix.PerfEventAttr) (scopedFD, error) {
	attr.Bits |= unix.PerfBitPinned
	fd, err := sysPerfEventOpen(attr, 0, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return scopedFD{}, counterOpenError(err)
	}
	return newScopedFD(fd), nil
}

// probeIOCPeriodBug reports whether shrinking an open counter's period
// takes effect lazily. On such kernels a reused counter can fire with a
// stale threshold, so counters must be recreated on every reset.
func probeIOCPeriodBug(pm *pmu) (bool, error) {
	attr := pm.ticksAttr(false)
	attr.Sample = 0xffffffff
	res, err := openSelfCounter(&attr)
	if err != nil {
		return false, err
	}
	defer res.close()

	period := uint64(1)
	if err := sysIoctlPeriod(res.raw(), &period); err != nil {
		return false, periodError(err)
	}
	branchLoop(probeCalibration)

	fds := []unix.PollFd{{Fd: int32(res.raw()), Events: unix.POLLIN}}
	if _, err := sysPoll(fds, 0); err != nil {
		return false, fmt.Errorf("polling probe counter: %w", err)
	}
	return fds[0].Revents == 0, nil
}

// probeCounterPair verifies that the tick event counts at all and detects
// parts where only one programmable counter works: the second pinned
// counter never gets scheduled there and reads zero.
func probeCounterPair(pm *pmu) (bool, error) {
	attr := pm.ticksAttr(false)
	ticksRes, err := openSelfCounter(&attr)
	if err != nil {
		return false, err
	}
	defer ticksRes.close()

	cycles := cyclesAttr()
	cyclesRes, err := openSelfCounter(&cycles)
	if err != nil {
		return false, err
	}
	defer cyclesRes.close()

	branchLoop(probeCalibration)

	ticksVal, err := readCounterValue(&ticksRes)
	if err != nil {
		return false, err
	}
	if ticksVal == 0 {
		return false, fmt.Errorf("%w: tick event opened but counted nothing", ErrUnavailable)
	}
	cyclesVal, err := readCounterValue(&cyclesRes)
	if err != nil {
		return false, err
	}
	return cyclesVal == 0, nil
}

// probeTxcp checks that the transactional checkpoint bit both opens and
// counts; some hypervisors accept the bit and then count nothing.
func probeTxcp(pm *pmu) (bool, error) {
	if !pm.txcp {
		return false, nil
	}
	attr := pm.ticksAttr(true)
	res, err := openSelfCounter(&attr)
	if err != nil {
		// The kernel predates checkpoint filtering; not an error.
		return false, nil
	}
	defer res.close()

	branchLoop(probeCalibration)

	v, err := readCounterValue(&res)
	if err != nil {
		return false, err
	}
	return v > 0, nil
}
