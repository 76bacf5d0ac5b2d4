//go:build linux

// File: reactor/timerqueue_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TimerQueue keeps an ordered set of timers behind a single timerfd whose
// fire time always equals the earliest pending expiry. Add and cancel may be
// called from any goroutine; both hop onto the owning loop. Everything else
// runs on the loop thread and needs no locking.

package reactor

import (
	"time"

	"github.com/google/btree"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-reactor/internal/logging"
)

const timerTreeDegree = 8

type timerQueue struct {
	loop    *EventLoop
	timerFd int
	channel *Channel

	// timers is ordered by (expiry, seq); active maps seq to the same
	// entries for cancel lookup.
	timers *btree.BTreeG[*Timer]
	active map[int64]*Timer

	// cancelledSoon collects cancellations issued while callbacks run, so
	// the executing batch is never mutated under its own feet and a
	// self-cancelled repeater is not rearmed.
	cancelledSoon    []int64
	runningCallbacks bool
}

func newTimerQueue(loop *EventLoop) (*timerQueue, error) {
	fd, err := newTimerFd()
	if err != nil {
		return nil, err
	}
	tq := &timerQueue{
		loop:    loop,
		timerFd: fd,
		timers:  btree.NewG(timerTreeDegree, timerLess),
		active:  make(map[int64]*Timer),
	}
	tq.channel = NewChannel(loop, fd)
	tq.channel.SetReadCallback(tq.handleExpiry)
	tq.channel.EnableReading()
	return tq, nil
}

func (tq *timerQueue) close() {
	tq.channel.DisableAll()
	tq.channel.Remove()
	if err := unix.Close(tq.timerFd); err != nil {
		logging.L().Warn("timerqueue: close", zap.Error(err))
	}
}

// addTimer schedules cb at when, repeating every interval if interval > 0.
// Callable from any goroutine; the insertion itself runs on the loop thread.
func (tq *timerQueue) addTimer(cb Callback, when time.Time, interval time.Duration) TimerID {
	t := newTimer(cb, when, interval)
	tq.loop.Run(func() { tq.addTimerInLoop(t) })
	return TimerID{timer: t, seq: t.seq}
}

func (tq *timerQueue) addTimerInLoop(t *Timer) {
	tq.loop.AssertInLoopThread()
	if tq.insert(t) {
		tq.arm(t.when)
	}
}

// cancel revokes id. Best-effort: a callback already executing completes,
// and a repeater cancelled from inside its own callback is not rearmed.
func (tq *timerQueue) cancel(id TimerID) {
	tq.loop.Run(func() { tq.cancelInLoop(id) })
}

func (tq *timerQueue) cancelInLoop(id TimerID) {
	tq.loop.AssertInLoopThread()
	t, ok := tq.active[id.seq]
	if !ok || t != id.timer {
		return
	}
	if tq.runningCallbacks {
		tq.cancelledSoon = append(tq.cancelledSoon, id.seq)
		return
	}
	tq.timers.Delete(t)
	delete(tq.active, id.seq)
}

// handleExpiry fires when the timerfd becomes readable: drain the fd, run
// every due callback in expiry order, rearm repeaters, apply deferred
// cancellations, then reprogram the timerfd to the new earliest expiry.
func (tq *timerQueue) handleExpiry(now time.Time) {
	tq.loop.AssertInLoopThread()
	tq.readTimerFd()

	expired := tq.takeExpired(now)

	tq.runningCallbacks = true
	for _, t := range expired {
		t.run()
	}
	tq.runningCallbacks = false

	tq.reset(expired, now)
}

// readTimerFd clears the expiration count so the level-triggered fd stops
// reporting readable.
func (tq *timerQueue) readTimerFd() {
	var buf [8]byte
	n, err := unix.Read(tq.timerFd, buf[:])
	if n != 8 {
		logging.L().Warn("timerqueue: short timerfd read",
			zap.Int("n", n), zap.Error(err))
	}
}

// takeExpired moves every timer with expiry <= now out of the ordered set,
// in (expiry, seq) order.
func (tq *timerQueue) takeExpired(now time.Time) []*Timer {
	var expired []*Timer
	for {
		t, ok := tq.timers.Min()
		if !ok || t.when.After(now) {
			break
		}
		tq.timers.DeleteMin()
		expired = append(expired, t)
	}
	return expired
}

func (tq *timerQueue) reset(expired []*Timer, now time.Time) {
	cancelled := make(map[int64]bool, len(tq.cancelledSoon))
	for _, seq := range tq.cancelledSoon {
		cancelled[seq] = true
	}

	for _, t := range expired {
		if t.repeat && !cancelled[t.seq] {
			t.restart(now)
			tq.timers.ReplaceOrInsert(t)
		} else {
			delete(tq.active, t.seq)
		}
	}

	for _, seq := range tq.cancelledSoon {
		if t, ok := tq.active[seq]; ok {
			tq.timers.Delete(t)
			delete(tq.active, seq)
		}
	}
	tq.cancelledSoon = tq.cancelledSoon[:0]

	tq.rearm()
}

// rearm programs the timerfd to the earliest pending expiry. An expiry that
// slipped into the past while callbacks ran (scheduling delay, clock jump)
// is discarded, or rescheduled if repeating, and the next one is tried.
func (tq *timerQueue) rearm() {
	for {
		next, ok := tq.timers.Min()
		if !ok {
			return
		}
		if time.Until(next.when) > 0 {
			tq.arm(next.when)
			return
		}
		logging.L().Warn("timerqueue: expired timer ignored while rearming",
			zap.Int64("seq", next.seq))
		tq.timers.DeleteMin()
		if next.repeat {
			next.restart(time.Now())
			tq.timers.ReplaceOrInsert(next)
		} else {
			delete(tq.active, next.seq)
		}
	}
}

func (tq *timerQueue) arm(when time.Time) {
	if err := armTimerFd(tq.timerFd, when); err != nil {
		logging.L().Error("timerqueue: timerfd_settime", zap.Error(err))
	}
}

// insert places t into the ordered set and reports whether the earliest
// expiry changed.
func (tq *timerQueue) insert(t *Timer) bool {
	earliestChanged := true
	if min, ok := tq.timers.Min(); ok && !timerLess(t, min) {
		earliestChanged = false
	}
	tq.timers.ReplaceOrInsert(t)
	tq.active[t.seq] = t
	return earliestChanged
}
