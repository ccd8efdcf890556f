//go:build linux
// +build linux

package ticks

// A scopedFD owns one perf event descriptor. The zero value is closed.
// Ownership moves with the struct; closing twice is a no-op.
type scopedFD struct {
	fd   int
	open bool
}

func newScopedFD(fd int) scopedFD { return scopedFD{fd: fd, open: true} }

func (s *scopedFD) isOpen() bool { return s.open }

// raw returns the descriptor, or -1 when closed.
func (s *scopedFD) raw() int {
	if !s.open {
		return -1
	}
	return s.fd
}

func (s *scopedFD) close() error {
	if !s.open {
		return nil
	}
	fd := s.fd
	s.fd, s.open = 0, false
	return sysClose(fd)
}
