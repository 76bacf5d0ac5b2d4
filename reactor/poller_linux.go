//go:build linux

// File: reactor/poller_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Poller wraps the loop's epoll instance and the fd -> Channel table. It is
// the only place that talks to epoll_ctl/epoll_wait. Every method runs on
// the owning loop's thread.

package reactor

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-reactor/internal/logging"
)

// initialEventListSize is the starting capacity of the ready-event buffer.
// The buffer doubles whenever a poll fills it completely.
const initialEventListSize = 16

type poller struct {
	epollFd  int
	loop     *EventLoop
	events   []unix.EpollEvent
	channels map[int]*Channel
}

func newPoller(loop *EventLoop) (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{
		epollFd:  epfd,
		loop:     loop,
		events:   make([]unix.EpollEvent, initialEventListSize),
		channels: make(map[int]*Channel),
	}, nil
}

// poll blocks in epoll_wait for at most timeoutMs and appends every channel
// with a non-empty ready mask to active. The returned timestamp is taken
// right after epoll_wait comes back.
func (p *poller) poll(timeoutMs int, active *[]*Channel) time.Time {
	n, err := unix.EpollWait(p.epollFd, p.events, timeoutMs)
	now := time.Now()
	switch {
	case n > 0:
		p.collectActiveChannels(n, active)
		if n == len(p.events) {
			p.events = make([]unix.EpollEvent, 2*len(p.events))
		}
	case n == 0:
		logging.L().Debug("poller: nothing happened")
	default:
		if err != unix.EINTR {
			logging.L().Error("poller: epoll_wait", zap.Error(err))
		}
	}
	return now
}

func (p *poller) collectActiveChannels(n int, active *[]*Channel) {
	for i := 0; i < n; i++ {
		ch, ok := p.channels[int(p.events[i].Fd)]
		if !ok {
			// The fd was removed while its event sat in the kernel queue.
			continue
		}
		ch.setRevents(p.events[i].Events)
		*active = append(*active, ch)
	}
}

// updateChannel reconciles the channel's interest with the kernel.
// New channels are inserted into the fd table and added to epoll; deleted
// ones re-added; added ones modified, or removed from epoll when the
// interest set became empty.
func (p *poller) updateChannel(ch *Channel) {
	p.loop.AssertInLoopThread()
	switch ch.state {
	case stateNew, stateDeleted:
		if ch.state == stateNew {
			p.channels[ch.fd] = ch
		}
		ch.state = stateAdded
		p.update(unix.EPOLL_CTL_ADD, ch)
	case stateAdded:
		if ch.IsNoneEvent() {
			p.update(unix.EPOLL_CTL_DEL, ch)
			ch.state = stateDeleted
		} else {
			p.update(unix.EPOLL_CTL_MOD, ch)
		}
	}
}

// removeChannel erases the channel from the fd table, then detaches it from
// epoll when it is still added. The channel must hold no interest.
func (p *poller) removeChannel(ch *Channel) {
	p.loop.AssertInLoopThread()
	delete(p.channels, ch.fd)
	if ch.state == stateAdded {
		p.update(unix.EPOLL_CTL_DEL, ch)
	}
	ch.state = stateNew
}

// hasChannel reports whether the table maps ch's fd to exactly ch.
func (p *poller) hasChannel(ch *Channel) bool {
	p.loop.AssertInLoopThread()
	got, ok := p.channels[ch.fd]
	return ok && got == ch
}

// update issues one epoll_ctl. ADD and MOD failures are programmer errors
// and fatal; DEL failures are expected when the fd was closed first.
func (p *poller) update(op int, ch *Channel) {
	ev := unix.EpollEvent{Events: ch.events, Fd: int32(ch.fd)}
	if err := unix.EpollCtl(p.epollFd, op, ch.fd, &ev); err != nil {
		if op == unix.EPOLL_CTL_DEL {
			logging.L().Warn("poller: epoll_ctl",
				zap.String("op", opString(op)), zap.Int("fd", ch.fd), zap.Error(err))
		} else {
			logging.L().Fatal("poller: epoll_ctl",
				zap.String("op", opString(op)), zap.Int("fd", ch.fd), zap.Error(err))
		}
	}
}

func (p *poller) close() {
	if err := unix.Close(p.epollFd); err != nil {
		logging.L().Warn("poller: close", zap.Error(err))
	}
}

func opString(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "ADD"
	case unix.EPOLL_CTL_DEL:
		return "DEL"
	case unix.EPOLL_CTL_MOD:
		return "MOD"
	default:
		return "???"
	}
}
