//go:build linux

// File: reactor/eventloop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// EventLoop is the per-thread scheduler at the center of the core: it owns
// the poller, the timer queue, the eventfd wakeup channel and the pending
// task queue, and it enforces the one-loop-per-thread discipline everything
// else relies on.

package reactor

import (
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-reactor/internal/logging"
)

// pollTimeoutMs bounds one blocking multiplexer wait.
const pollTimeoutMs = 10000

var initOnce sync.Once

// loopRegistry is the process-wide thread -> loop slot, the moral equivalent
// of a thread-local pointer. NewEventLoop pins its goroutine to an OS thread
// first, so the tid is a stable key for the loop's whole lifetime.
var loopRegistry = struct {
	mu    sync.Mutex
	byTID map[int]*EventLoop
}{byTID: make(map[int]*EventLoop)}

// EventLoop runs the reactor cycle for one OS thread: wait for readiness,
// dispatch ready channels, drain injected tasks, repeat. Construction and
// Loop must happen on the same goroutine; NewEventLoop locks that goroutine
// to its OS thread.
type EventLoop struct {
	tid int

	looping           atomic.Bool
	quitFlag          atomic.Bool
	runningCallback   atomic.Bool
	runningExtraTasks atomic.Bool
	loopCount         atomic.Int64
	returnTime        time.Time

	poller     *poller
	timerQueue *timerQueue

	wakeupFd      int
	wakeupChannel *Channel

	activeChannels []*Channel

	mu         sync.Mutex // guards extraTasks
	extraTasks *queue.Queue
}

// NewEventLoop constructs a loop bound to the calling goroutine's OS thread.
// Constructing a second loop on the same thread is a programmer error and
// aborts the process.
func NewEventLoop() (*EventLoop, error) {
	initOnce.Do(initProcess)
	runtime.LockOSThread()
	tid := unix.Gettid()

	loopRegistry.mu.Lock()
	if prev := loopRegistry.byTID[tid]; prev != nil {
		loopRegistry.mu.Unlock()
		logging.L().Fatal("another EventLoop exists in this thread",
			zap.Int("tid", tid))
	}
	el := &EventLoop{tid: tid, extraTasks: queue.New()}
	loopRegistry.byTID[tid] = el
	loopRegistry.mu.Unlock()

	fail := func(err error) (*EventLoop, error) {
		loopRegistry.mu.Lock()
		delete(loopRegistry.byTID, tid)
		loopRegistry.mu.Unlock()
		runtime.UnlockOSThread()
		return nil, err
	}

	p, err := newPoller(el)
	if err != nil {
		return fail(err)
	}
	el.poller = p

	tq, err := newTimerQueue(el)
	if err != nil {
		p.close()
		return fail(err)
	}
	el.timerQueue = tq

	wfd, err := newEventFd()
	if err != nil {
		tq.close()
		p.close()
		return fail(err)
	}
	el.wakeupFd = wfd
	el.wakeupChannel = NewChannel(el, wfd)
	el.wakeupChannel.SetReadCallback(func(time.Time) { el.handleWakeupRead() })
	el.wakeupChannel.EnableReading()

	logging.L().Debug("EventLoop created", zap.Int("tid", tid))
	return el, nil
}

// LoopOfThisThread returns the loop bound to the calling goroutine's OS
// thread, or nil. Meaningful only from goroutines locked to their thread.
func LoopOfThisThread() *EventLoop {
	tid := unix.Gettid()
	loopRegistry.mu.Lock()
	defer loopRegistry.mu.Unlock()
	return loopRegistry.byTID[tid]
}

// Loop runs the reactor cycle until Quit. It must be called on the owning
// thread and returns only after the quit flag is observed.
func (el *EventLoop) Loop() {
	el.AssertInLoopThread()
	el.looping.Store(true)
	el.quitFlag.Store(false)
	logging.L().Debug("EventLoop start looping", zap.Int("tid", el.tid))

	for !el.quitFlag.Load() {
		el.activeChannels = el.activeChannels[:0]
		el.returnTime = el.poller.poll(pollTimeoutMs, &el.activeChannels)
		el.loopCount.Add(1)

		if logging.L().Core().Enabled(zapcore.DebugLevel) {
			for _, ch := range el.activeChannels {
				logging.L().Debug("active channel", zap.String("revents", ch.ReventsString()))
			}
		}

		el.runningCallback.Store(true)
		for _, ch := range el.activeChannels {
			ch.handleEvent(el.returnTime)
		}
		el.runningCallback.Store(false)

		el.runExtraTasks()
	}

	logging.L().Debug("EventLoop stop looping", zap.Int("tid", el.tid))
	el.looping.Store(false)
}

// Quit asks the loop to exit after the current iteration. Callable from any
// goroutine; an off-thread quit wakes the loop out of its poll.
func (el *EventLoop) Quit() {
	el.quitFlag.Store(true)
	if !el.InLoopThread() {
		el.Wakeup()
	}
}

// Run executes task on the owning thread: synchronously when already there,
// otherwise through the task queue.
func (el *EventLoop) Run(task Callback) {
	if el.InLoopThread() {
		task()
	} else {
		el.AddExtraTask(task)
	}
}

// AddExtraTask enqueues task for the drain phase of a loop iteration. The
// wakeup makes sure a loop blocked in poll, or one already past its drain,
// sees the task promptly.
func (el *EventLoop) AddExtraTask(task Callback) {
	el.mu.Lock()
	el.extraTasks.Add(task)
	el.mu.Unlock()

	if !el.InLoopThread() || el.runningExtraTasks.Load() {
		el.Wakeup()
	}
}

// runExtraTasks swaps the queue out under the mutex and runs the batch with
// the lock dropped: short hold time, and a task may submit further tasks
// without deadlocking (they land in the fresh queue, next iteration).
func (el *EventLoop) runExtraTasks() {
	el.runningExtraTasks.Store(true)
	el.mu.Lock()
	pending := el.extraTasks
	el.extraTasks = queue.New()
	el.mu.Unlock()

	for pending.Length() > 0 {
		pending.Remove().(Callback)()
	}
	el.runningExtraTasks.Store(false)
}

// ExtraTaskCount returns the number of queued tasks.
func (el *EventLoop) ExtraTaskCount() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.extraTasks.Length()
}

// Wakeup breaks the loop out of its multiplexer wait by bumping the eventfd
// counter.
func (el *EventLoop) Wakeup() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if n, err := unix.Write(el.wakeupFd, buf[:]); n != 8 {
		logging.L().Warn("EventLoop: wakeup write",
			zap.Int("n", n), zap.Error(err))
	}
}

func (el *EventLoop) handleWakeupRead() {
	var buf [8]byte
	if n, err := unix.Read(el.wakeupFd, buf[:]); n != 8 {
		logging.L().Warn("EventLoop: wakeup read",
			zap.Int("n", n), zap.Error(err))
	}
}

// RunAt schedules cb once at the absolute time when.
func (el *EventLoop) RunAt(when time.Time, cb Callback) TimerID {
	return el.timerQueue.addTimer(cb, when, 0)
}

// RunAfter schedules cb once, delay from now.
func (el *EventLoop) RunAfter(delay time.Duration, cb Callback) TimerID {
	return el.RunAt(time.Now().Add(delay), cb)
}

// RunEvery schedules cb repeatedly with the given interval, first firing one
// interval from now.
func (el *EventLoop) RunEvery(interval time.Duration, cb Callback) TimerID {
	return el.timerQueue.addTimer(cb, time.Now().Add(interval), interval)
}

// Cancel revokes a timer. Best-effort: a callback already executing when the
// cancel arrives completes.
func (el *EventLoop) Cancel(id TimerID) {
	el.timerQueue.cancel(id)
}

// UpdateChannel registers or reconciles a channel with the poller.
func (el *EventLoop) UpdateChannel(ch *Channel) {
	el.AssertInLoopThread()
	el.poller.updateChannel(ch)
}

// RemoveChannel drops a channel from the poller entirely.
func (el *EventLoop) RemoveChannel(ch *Channel) {
	el.AssertInLoopThread()
	el.poller.removeChannel(ch)
}

// HasChannel reports whether the poller knows ch.
func (el *EventLoop) HasChannel(ch *Channel) bool {
	el.AssertInLoopThread()
	return el.poller.hasChannel(ch)
}

// InLoopThread reports whether the caller runs on the owning thread.
func (el *EventLoop) InLoopThread() bool {
	return unix.Gettid() == el.tid
}

// AssertInLoopThread aborts when called off the owning thread.
func (el *EventLoop) AssertInLoopThread() {
	if !el.InLoopThread() {
		logging.L().Fatal("EventLoop accessed from wrong thread",
			zap.Int("owner", el.tid), zap.Int("current", unix.Gettid()))
	}
}

// IsRunningCallback reports whether the loop is dispatching channel events.
func (el *EventLoop) IsRunningCallback() bool { return el.runningCallback.Load() }

// ThreadID returns the owning OS thread id.
func (el *EventLoop) ThreadID() int { return el.tid }

// ReturnTime returns the timestamp of the last poll return.
func (el *EventLoop) ReturnTime() time.Time { return el.returnTime }

// LoopCount returns the number of completed poll cycles.
func (el *EventLoop) LoopCount() int64 { return el.loopCount.Load() }

// Close releases the loop's descriptors and frees its thread slot. Must run
// on the owning thread, after Loop has returned.
func (el *EventLoop) Close() {
	el.AssertInLoopThread()
	el.wakeupChannel.DisableAll()
	el.wakeupChannel.Remove()
	if err := unix.Close(el.wakeupFd); err != nil {
		logging.L().Warn("EventLoop: close wakeup fd", zap.Error(err))
	}
	el.timerQueue.close()
	el.poller.close()

	loopRegistry.mu.Lock()
	delete(loopRegistry.byTID, el.tid)
	loopRegistry.mu.Unlock()
	runtime.UnlockOSThread()

	logging.L().Debug("EventLoop closed", zap.Int("tid", el.tid))
}
