//go:build linux

// File: reactor/timer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"sync/atomic"
	"time"
)

var timerSeq atomic.Int64

// Timer is one scheduled callback, owned by its loop's timer queue after
// submission. A zero interval means one-shot.
type Timer struct {
	cb       Callback
	when     time.Time
	interval time.Duration
	repeat   bool
	seq      int64
}

func newTimer(cb Callback, when time.Time, interval time.Duration) *Timer {
	return &Timer{
		cb:       cb,
		when:     when,
		interval: interval,
		repeat:   interval > 0,
		seq:      timerSeq.Add(1),
	}
}

func (t *Timer) run() { t.cb() }

// restart advances a repeating timer by one interval past now.
func (t *Timer) restart(now time.Time) {
	if t.repeat {
		t.when = now.Add(t.interval)
	} else {
		t.when = time.Time{}
	}
}

// TimerID identifies a scheduled timer. It is an opaque token, safe to copy
// and to pass between goroutines.
type TimerID struct {
	timer *Timer
	seq   int64
}

// timerLess orders timers by expiry, ties broken by sequence number so that
// two timers with identical expiry stay distinguishable.
func timerLess(a, b *Timer) bool {
	if !a.when.Equal(b.when) {
		return a.when.Before(b.when)
	}
	return a.seq < b.seq
}
