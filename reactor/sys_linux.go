//go:build linux

// File: reactor/sys_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Thin wrappers over the kernel descriptors the core depends on: eventfd for
// cross-thread wakeups and timerfd for the timer queue. Also hosts the
// process-wide one-time setup performed before the first loop runs.

package reactor

import (
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// initProcess runs once, before the first EventLoop is constructed.
// SIGPIPE must be ignored before any socket callback can reach user code, so
// that writing to a closed peer yields EPIPE instead of killing the process.
func initProcess() {
	signal.Ignore(syscall.SIGPIPE)
}

func newEventFd() (int, error) {
	return unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
}

func newTimerFd() (int, error) {
	return unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
}

// minTimerInterval is the floor applied when arming the timerfd: an expiry
// that has already passed still fires, on the next loop iteration.
const minTimerInterval = 100 * time.Microsecond

// armTimerFd programs fd to fire once at the given absolute time.
func armTimerFd(fd int, when time.Time) error {
	d := time.Until(when)
	if d < minTimerInterval {
		d = minTimerInterval
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	return unix.TimerfdSettime(fd, 0, &spec, nil)
}
