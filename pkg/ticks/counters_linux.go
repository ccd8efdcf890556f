//go:build linux
// +build linux

package ticks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/phuslu/log"
	"golang.org/x/sys/unix"

	"github.com/replayforge/ticks-perf/pkg/config"
	"github.com/replayforge/ticks-perf/pkg/logging"
)

// TimeSliceSignal is raised on the traced thread when its interrupt counter
// reaches the period armed by Reset. SIGSTKFLT is effectively unused on
// linux, so traced programs will not collide with it.
const TimeSliceSignal = unix.SIGSTKFLT

// unboundedPeriod stands in for "no interrupt": farther than any real
// scheduling quantum reaches.
const unboundedPeriod = uint64(1) << 60

// extraCountersEnabled is the process-wide switch for the auxiliary
// counters, seamed for tests.
var extraCountersEnabled = config.ExtraPerfCountersEnabled

// Syscall seams let tests drive the arming state machine against a fake
// kernel.
var (
	sysPerfEventOpen = unix.PerfEventOpen
	sysIoctlSetInt   = unix.IoctlSetInt
	sysIoctlPeriod   = ioctlSetPeriod
	sysIoctlModify   = ioctlModifyAttr
	sysFcntlInt      = fcntlInt
	sysFcntlOwner    = fcntlSetOwnerTid
	sysRead          = unix.Read
	sysClose         = unix.Close
	sysPoll          = unix.Poll
)

// Counters manages the kernel performance counters of one traced thread.
//
// Two counters track the same tick event: the interrupt counter carries the
// armed period and includes ticks from aborted hardware transactions, while
// the measure counter (where the hardware supports it) discards those ticks
// but cannot interrupt. They are deliberately separate kernel objects with
// different semantics. Up to three auxiliary counters join them when the
// process-wide extra-counters configuration is on.
//
// The tracer serializes all calls; Counters itself holds no locks.
type Counters struct {
	tid      int
	armedTid int // thread the open descriptors observe

	fdTicksMeasure   scopedFD
	fdTicksInterrupt scopedFD
	fdPageFaults     scopedFD
	fdHwInterrupts   scopedFD
	fdInstructions   scopedFD
	fdBreakpoint     scopedFD

	counting bool
	started  bool

	log log.Logger
}

// NewCounters returns a manager bound to tid with no kernel resources open.
func NewCounters(tid int) *Counters {
	return &Counters{tid: tid, log: logging.NewLoggerWithContext("ticks")}
}

// SetTid rebinds the manager to a new kernel thread id. It opens and closes
// nothing itself; counters already open keep observing the old thread until
// the next Reset releases them and re-arms on the new one, or Stop releases
// them outright.
func (c *Counters) SetTid(tid int) {
	c.tid = tid
}

// Counting reports whether a Reset armed the counters more recently than
// any suspension.
func (c *Counters) Counting() bool { return c.counting }

// InterruptFD exposes the interrupt counter's descriptor for the tracer's
// poll loop; readability means the time slice signal has fired or is about
// to. Returns -1 while no counters are open.
func (c *Counters) InterruptFD() int { return c.fdTicksInterrupt.raw() }

// Reset arms the counters for one scheduling quantum: all counts restart
// from zero and the traced thread receives TimeSliceSignal once it has
// executed ticksPeriod ticks. A period of zero arms the counters without an
// interrupt. Must be called while the traced thread is stopped, so no tick
// escapes between the zeroing and the thread resuming.
//
// Failure to open or program a counter means deterministic replay cannot
// work here; the error is terminal for the session, never retried.
func (c *Counters) Reset(ticksPeriod uint64) error {
	pm, err := activePMU()
	if err != nil {
		c.log.Error().Err(err).Msg("no usable tick counter hardware")
		return err
	}
	caps, err := activeCaps()
	if err != nil {
		c.log.Error().Err(err).Msg("tick counter capability probing failed")
		return err
	}

	if ticksPeriod == 0 && !caps.recreateOnReset() {
		// An open counter cannot move between sampling and non-sampling
		// modes, so "no interrupt" becomes a period no quantum reaches.
		ticksPeriod = unboundedPeriod
	}

	// Open descriptors can only be reprogrammed in place when the kernel
	// applies periods eagerly and they still observe the right thread.
	if c.started && (caps.recreateOnReset() || c.tid != c.armedTid) {
		if err := c.Stop(); err != nil {
			return err
		}
	}

	if c.started {
		if err := c.rearm(ticksPeriod); err != nil {
			c.log.Error().Err(err).Int("tid", c.tid).Msg("re-arming tick counters failed")
			return err
		}
	} else {
		if err := c.arm(pm, caps, ticksPeriod); err != nil {
			c.log.Error().Err(err).Int("tid", c.tid).Msg("arming tick counters failed")
			return err
		}
	}

	c.counting = true
	c.started = true
	return nil
}

// rearm reprograms the counters that are still open from the previous
// quantum.
func (c *Counters) rearm(ticksPeriod uint64) error {
	fd := c.fdTicksInterrupt.raw()
	if err := sysIoctlSetInt(fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		return fmt.Errorf("resetting interrupt counter: %w", err)
	}
	if err := sysIoctlPeriod(fd, &ticksPeriod); err != nil {
		return periodError(err)
	}
	if err := sysIoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("enabling interrupt counter: %w", err)
	}

	for _, res := range []*scopedFD{&c.fdTicksMeasure, &c.fdPageFaults, &c.fdHwInterrupts, &c.fdInstructions} {
		if !res.isOpen() {
			continue
		}
		if err := sysIoctlSetInt(res.raw(), unix.PERF_EVENT_IOC_RESET, 0); err != nil {
			return fmt.Errorf("resetting counter: %w", err)
		}
		if err := sysIoctlSetInt(res.raw(), unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			return fmt.Errorf("enabling counter: %w", err)
		}
	}
	return nil
}

// arm opens the counters from scratch and routes the interrupt signal at
// the traced thread. Counters begin counting at open; the thread is stopped,
// so nothing is lost before it resumes.
func (c *Counters) arm(pm *pmu, caps platformCaps, ticksPeriod uint64) error {
	attr := pm.ticksAttr(false)
	attr.Sample = ticksPeriod
	attr.Bits |= unix.PerfBitPinned
	fd, err := sysPerfEventOpen(&attr, c.tid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return counterOpenError(err)
	}
	c.fdTicksInterrupt = newScopedFD(fd)

	if caps.txcpWorks && !caps.onlyOneCounter {
		mattr := pm.ticksAttr(true)
		mfd, err := sysPerfEventOpen(&mattr, c.tid, -1, c.fdTicksInterrupt.raw(), unix.PERF_FLAG_FD_CLOEXEC)
		switch {
		case err == nil:
			c.fdTicksMeasure = newScopedFD(mfd)
		case errors.Is(err, unix.EINVAL):
			// This kernel rejects the checkpoint bit after all; the
			// interrupt counter serves reads alone.
		default:
			c.Stop()
			return counterOpenError(err)
		}
	}

	if err := routeSignal(c.fdTicksInterrupt.raw(), c.tid); err != nil {
		c.Stop()
		return err
	}

	if extraCountersEnabled() {
		// The auxiliaries join the interrupt counter's group so the whole
		// set schedules onto the PMU as one unit.
		leader := c.fdTicksInterrupt.raw()
		for _, aux := range []struct {
			attr unix.PerfEventAttr
			dst  *scopedFD
		}{
			{pm.pageFaultsAttr(), &c.fdPageFaults},
			{pm.hwInterruptsAttr(), &c.fdHwInterrupts},
			{pm.instructionsAttr(), &c.fdInstructions},
		} {
			fd, err := sysPerfEventOpen(&aux.attr, c.tid, -1, leader, unix.PERF_FLAG_FD_CLOEXEC)
			if err != nil {
				c.Stop()
				return counterOpenError(err)
			}
			*aux.dst = newScopedFD(fd)
		}
	}

	c.armedTid = c.tid
	c.log.Debug().Int("tid", c.tid).Uint64("period", ticksPeriod).Msg("armed tick counters")
	return nil
}

// routeSignal asks the kernel to raise TimeSliceSignal on the traced thread
// whenever the interrupt counter overflows. Owner and signal are set before
// async mode so an overflow can never route as a default SIGIO.
func routeSignal(fd, tid int) error {
	if err := sysFcntlOwner(fd, tid); err != nil {
		return fmt.Errorf("directing counter signal to tid %d: %w", tid, err)
	}
	if _, err := sysFcntlInt(fd, unix.F_SETSIG, int(TimeSliceSignal)); err != nil {
		return fmt.Errorf("binding interrupt counter signal: %w", err)
	}
	if _, err := sysFcntlInt(fd, unix.F_SETFL, unix.O_ASYNC); err != nil {
		return fmt.Errorf("making interrupt counter async: %w", err)
	}
	return nil
}

// Stop closes every open counter. Safe from any state, idempotent, and
// always the path by which a manager is discarded.
func (c *Counters) Stop() error {
	err := errors.Join(
		c.fdTicksMeasure.close(),
		c.fdTicksInterrupt.close(),
		c.fdPageFaults.close(),
		c.fdHwInterrupts.close(),
		c.fdInstructions.close(),
		c.fdBreakpoint.close(),
	)
	c.counting = false
	c.started = false
	return err
}

// Close releases all kernel resources. Equivalent to Stop.
func (c *Counters) Close() error { return c.Stop() }

// StopCounting suspends measurement: no interrupt signal fires until the
// next Reset. Whether the hardware counters physically halt depends on the
// platform; on kernels where reprogramming is safe the descriptors stay
// open, merely disabled, for the next Reset to reuse.
func (c *Counters) StopCounting() error {
	c.counting = false
	if !c.started {
		return nil
	}

	caps, err := activeCaps()
	if err != nil {
		return err
	}
	if caps.recreateOnReset() {
		return c.Stop()
	}

	var errs []error
	for _, res := range []*scopedFD{&c.fdTicksInterrupt, &c.fdTicksMeasure, &c.fdPageFaults, &c.fdHwInterrupts, &c.fdInstructions, &c.fdBreakpoint} {
		if !res.isOpen() {
			continue
		}
		if err := sysIoctlSetInt(res.raw(), unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
			errs = append(errs, fmt.Errorf("disabling counter: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ReadTicks returns the ticks accumulated since the last Reset. Valid while
// the counters remain open, armed or suspended; once Stop or a suspension
// that had to close them has released the descriptors, reads fail until the
// next Reset. Within one epoch repeated reads never go backwards.
func (c *Counters) ReadTicks() (uint64, error) {
	if !c.started {
		return 0, fmt.Errorf("%w: ticks read with no counters armed", ErrNotStarted)
	}

	interrupt, err := readCounterValue(&c.fdTicksInterrupt)
	if err != nil {
		return 0, err
	}
	if !c.fdTicksMeasure.isOpen() {
		return interrupt, nil
	}

	measure, err := readCounterValue(&c.fdTicksMeasure)
	if err != nil {
		return 0, err
	}
	if measure > interrupt {
		// The filtered counter can only trail the raw one; anything else
		// is counter scheduling noise, and the raw value wins.
		c.log.Debug().
			Uint64("measure", measure).
			Uint64("interrupt", interrupt).
			Msg("filtered tick counter overtook raw counter")
		return interrupt, nil
	}
	return measure, nil
}

// ReadExtra returns the auxiliary counter snapshot. All zero unless the
// process-wide extra-counters configuration enabled the counters.
func (c *Counters) ReadExtra() (Extra, error) {
	if !extraCountersEnabled() {
		return Extra{}, nil
	}
	if !c.started {
		return Extra{}, fmt.Errorf("%w: auxiliary counters read with no counters armed", ErrNotStarted)
	}

	var extra Extra
	for _, src := range []struct {
		res *scopedFD
		dst *int64
	}{
		{&c.fdPageFaults, &extra.PageFaults},
		{&c.fdHwInterrupts, &extra.HwInterrupts},
		{&c.fdInstructions, &extra.InstructionsRetired},
	} {
		v, err := readCounterValue(src.res)
		if err != nil {
			return Extra{}, err
		}
		*src.dst = int64(v)
	}
	return extra, nil
}

func readCounterValue(res *scopedFD) (uint64, error) {
	var buf [8]byte
	n, err := sysRead(res.raw(), buf[:])
	if err != nil {
		return 0, fmt.Errorf("reading counter value: %w", err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("reading counter value: short read of %d bytes", n)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// counterOpenError folds perf_event_open failures into the package error
// classes.
func counterOpenError(err error) error {
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return fmt.Errorf("%w: perf_event_open denied; check /proc/sys/kernel/perf_event_paranoid", ErrUnavailable)
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ENODEV), errors.Is(err, unix.EOPNOTSUPP):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case errors.Is(err, unix.EINVAL):
		return fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	return fmt.Errorf("perf_event_open: %w", err)
}

func periodError(err error) error {
	if errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("%w: kernel rejected the interrupt period", ErrBadConfig)
	}
	return fmt.Errorf("programming interrupt period: %w", err)
}

func ioctlSetPeriod(fd int, period *uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.PERF_EVENT_IOC_PERIOD), uintptr(unsafe.Pointer(period)))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlModifyAttr(fd int, attr *unix.PerfEventAttr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.PERF_EVENT_IOC_MODIFY_ATTRIBUTES), uintptr(unsafe.Pointer(attr)))
	if errno != 0 {
		return errno
	}
	return nil
}

func fcntlInt(fd, cmd, arg int) (int, error) {
	return unix.FcntlInt(uintptr(fd), cmd, arg)
}

// fOwnerEx mirrors struct f_owner_ex for F_SETOWN_EX.
type fOwnerEx struct {
	Type int32
	Pid  int32
}

const fOwnerTid = 0 // F_OWNER_TID

func fcntlSetOwnerTid(fd, tid int) error {
	owner := fOwnerEx{Type: fOwnerTid, Pid: int32(tid)}
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_SETOWN_EX, uintptr(unsafe.Pointer(&owner)))
	if errno != 0 {
		return errno
	}
	return nil
}
