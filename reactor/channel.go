//go:build linux

// File: reactor/channel.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Channel binds one file descriptor to its epoll interest set and the
// callbacks fired when the descriptor becomes ready. The fd is opened and
// closed by an external owner; a Channel never closes it.

package reactor

import (
	"fmt"
	"runtime"
	"strings"
	"time"
	"weak"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-reactor/internal/logging"
)

// ReadCallback receives the poll-return timestamp of the iteration that
// observed the readable event.
type ReadCallback func(time.Time)

// Callback is a plain event callback.
type Callback func()

// Event interest masks, in epoll terms.
const (
	noneEvent  uint32 = 0
	readEvent  uint32 = unix.EPOLLIN | unix.EPOLLPRI
	writeEvent uint32 = unix.EPOLLOUT
)

// Registration state of a Channel relative to its loop's poller.
// A deleted channel is absent from epoll but still present in the fd table.
const (
	stateNew int8 = iota
	stateAdded
	stateDeleted
)

// Channel represents one file descriptor's interest in the loop's poller.
// All methods must be called on the owning loop's thread.
type Channel struct {
	loop *EventLoop
	fd   int

	events  uint32
	revents uint32
	state   int8

	tied            bool
	tie             liveness
	logHUP          bool
	runningCallback bool

	readCallback  ReadCallback
	writeCallback Callback
	closeCallback Callback
	errorCallback Callback
}

// NewChannel creates a Channel for fd on loop. The fd stays owned by the
// caller.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd, state: stateNew, logHUP: true}
}

// liveness is the type-erased weak handle installed by Tie.
type liveness interface {
	upgrade() (any, bool)
}

type weakTie[T any] struct {
	p weak.Pointer[T]
}

func (w weakTie[T]) upgrade() (any, bool) {
	v := w.p.Value()
	return v, v != nil
}

// Tie binds ch's dispatch to owner's liveness. Once the owner becomes
// unreachable, every subsequent dispatch is skipped without invoking any
// callback; while a dispatch is in flight the owner is kept alive. A free
// function because Go methods cannot introduce type parameters.
func Tie[T any](ch *Channel, owner *T) {
	ch.tie = weakTie[T]{weak.Make(owner)}
	ch.tied = true
}

// Fd returns the descriptor this channel manages.
func (ch *Channel) Fd() int { return ch.fd }

// OwnerLoop returns the loop this channel belongs to.
func (ch *Channel) OwnerLoop() *EventLoop { return ch.loop }

// SetReadCallback installs the readable-event callback.
func (ch *Channel) SetReadCallback(cb ReadCallback) { ch.readCallback = cb }

// SetWriteCallback installs the writable-event callback.
func (ch *Channel) SetWriteCallback(cb Callback) { ch.writeCallback = cb }

// SetCloseCallback installs the hangup callback.
func (ch *Channel) SetCloseCallback(cb Callback) { ch.closeCallback = cb }

// SetErrorCallback installs the error callback.
func (ch *Channel) SetErrorCallback(cb Callback) { ch.errorCallback = cb }

// EnableLogHUP turns on warning logs for EPOLLHUP events (the default).
func (ch *Channel) EnableLogHUP() { ch.logHUP = true }

// DisableLogHUP suppresses EPOLLHUP warning logs, for fds where hangup is an
// expected part of the protocol.
func (ch *Channel) DisableLogHUP() { ch.logHUP = false }

// IsNoneEvent reports whether no interest is registered.
func (ch *Channel) IsNoneEvent() bool { return ch.events == noneEvent }

// IsReading reports whether read interest is registered.
func (ch *Channel) IsReading() bool { return ch.events&readEvent != 0 }

// IsWriting reports whether write interest is registered.
func (ch *Channel) IsWriting() bool { return ch.events&writeEvent != 0 }

// EnableReading registers read interest with the poller.
func (ch *Channel) EnableReading() {
	ch.events |= readEvent
	ch.update()
}

// DisableReading unregisters read interest.
func (ch *Channel) DisableReading() {
	ch.events &^= readEvent
	ch.update()
}

// EnableWriting registers write interest with the poller.
func (ch *Channel) EnableWriting() {
	ch.events |= writeEvent
	ch.update()
}

// DisableWriting unregisters write interest.
func (ch *Channel) DisableWriting() {
	ch.events &^= writeEvent
	ch.update()
}

// DisableAll unregisters every interest; the fd leaves epoll but stays in
// the poller's table until Remove.
func (ch *Channel) DisableAll() {
	ch.events = noneEvent
	ch.update()
}

// Remove drops the channel from its loop entirely.
func (ch *Channel) Remove() {
	ch.loop.RemoveChannel(ch)
}

func (ch *Channel) update() {
	ch.loop.UpdateChannel(ch)
}

// setRevents records the ready mask reported by the poller.
func (ch *Channel) setRevents(revents uint32) { ch.revents = revents }

// handleEvent dispatches the ready mask recorded by the last poll. When tied,
// the owner is upgraded first; a dead owner suppresses the whole dispatch.
func (ch *Channel) handleEvent(recvTime time.Time) {
	if ch.tied {
		guard, ok := ch.tie.upgrade()
		if !ok {
			return
		}
		ch.handleEventWithGuard(recvTime)
		runtime.KeepAlive(guard)
		return
	}
	ch.handleEventWithGuard(recvTime)
}

// Dispatch order: close before read so a callback tearing the fd down does
// not see a later spurious readable event; error before read for the same
// reason; read before write to favor draining.
func (ch *Channel) handleEventWithGuard(recvTime time.Time) {
	ch.runningCallback = true
	if ch.revents&unix.EPOLLHUP != 0 && ch.revents&unix.EPOLLIN == 0 {
		if ch.logHUP {
			logging.L().Warn("channel EPOLLHUP", zap.Int("fd", ch.fd))
		}
		if ch.closeCallback != nil {
			ch.closeCallback()
		}
	}
	if ch.revents&unix.EPOLLERR != 0 {
		if ch.errorCallback != nil {
			ch.errorCallback()
		}
	}
	if ch.revents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		if ch.readCallback != nil {
			ch.readCallback(recvTime)
		}
	}
	if ch.revents&unix.EPOLLOUT != 0 {
		if ch.writeCallback != nil {
			ch.writeCallback()
		}
	}
	ch.runningCallback = false
}

// EventsString renders the registered interest mask, for trace logs.
func (ch *Channel) EventsString() string { return eventsToString(ch.fd, ch.events) }

// ReventsString renders the last reported ready mask, for trace logs.
func (ch *Channel) ReventsString() string { return eventsToString(ch.fd, ch.revents) }

func eventsToString(fd int, ev uint32) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d:", fd)
	if ev&unix.EPOLLIN != 0 {
		sb.WriteString(" IN")
	}
	if ev&unix.EPOLLPRI != 0 {
		sb.WriteString(" PRI")
	}
	if ev&unix.EPOLLOUT != 0 {
		sb.WriteString(" OUT")
	}
	if ev&unix.EPOLLHUP != 0 {
		sb.WriteString(" HUP")
	}
	if ev&unix.EPOLLRDHUP != 0 {
		sb.WriteString(" RDHUP")
	}
	if ev&unix.EPOLLERR != 0 {
		sb.WriteString(" ERR")
	}
	return sb.String()
}
