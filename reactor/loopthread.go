//go:build linux

// File: reactor/loopthread.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// LoopThread runs one EventLoop on a dedicated, locked OS thread and hands
// the loop pointer back to the starter once the loop is ready.

package reactor

import (
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/hioload-reactor/internal/logging"
)

// InitFunc is invoked on the new loop's own thread before it starts looping.
type InitFunc func(*EventLoop)

// LoopThread owns the lifecycle of one loop thread: spawn, initialize,
// publish, loop, tear down.
type LoopThread struct {
	mu      sync.Mutex
	cond    *sync.Cond
	loop    *EventLoop
	exiting bool

	name   string
	initFn InitFunc
	wg     sync.WaitGroup
}

// NewLoopThread creates a loop thread. initFn may be nil; name is used in
// logs only.
func NewLoopThread(initFn InitFunc, name string) *LoopThread {
	lt := &LoopThread{name: name, initFn: initFn}
	lt.cond = sync.NewCond(&lt.mu)
	return lt
}

// Start spawns the loop goroutine and blocks until its EventLoop has been
// constructed and initialized, then returns it.
func (lt *LoopThread) Start() *EventLoop {
	lt.wg.Add(1)
	go lt.run()

	lt.mu.Lock()
	for lt.loop == nil {
		lt.cond.Wait()
	}
	loop := lt.loop
	lt.mu.Unlock()
	return loop
}

func (lt *LoopThread) run() {
	defer lt.wg.Done()

	loop, err := NewEventLoop()
	if err != nil {
		logging.L().Fatal("loop thread: create loop",
			zap.String("name", lt.name), zap.Error(err))
	}
	if lt.initFn != nil {
		lt.initFn(loop)
	}

	lt.mu.Lock()
	lt.loop = loop
	lt.cond.Signal()
	lt.mu.Unlock()

	loop.Loop()

	lt.mu.Lock()
	lt.loop = nil
	lt.mu.Unlock()
	loop.Close()
}

// Stop quits the loop and joins the thread. Safe to call more than once.
func (lt *LoopThread) Stop() {
	lt.mu.Lock()
	lt.exiting = true
	loop := lt.loop
	lt.mu.Unlock()

	if loop != nil {
		loop.Quit()
	}
	lt.wg.Wait()
}

// Name returns the thread's log name.
func (lt *LoopThread) Name() string { return lt.name }
