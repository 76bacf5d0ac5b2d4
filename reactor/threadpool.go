//go:build linux

// File: reactor/threadpool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// LoopThreadPool bootstraps N loops on N threads over a base loop and offers
// round-robin and random distribution to callers handing out connections.

package reactor

import (
	"fmt"
	"math/rand/v2"
)

// LoopThreadPool owns N loop threads beside a base loop. All methods except
// construction and SetThreadCount must run on the base loop's thread.
type LoopThreadPool struct {
	baseLoop   *EventLoop
	name       string
	started    bool
	numThreads int
	next       int
	threads    []*LoopThread
	loops      []*EventLoop
}

// NewLoopThreadPool creates a pool over baseLoop. Thread names derive from
// name plus an index.
func NewLoopThreadPool(baseLoop *EventLoop, name string) *LoopThreadPool {
	return &LoopThreadPool{baseLoop: baseLoop, name: name}
}

// SetThreadCount fixes the number of loop threads to spawn on Start.
func (p *LoopThreadPool) SetThreadCount(n int) { p.numThreads = n }

// Start spawns the loop threads and blocks until every loop has been
// constructed and initialized.
// With a thread count of zero, initFn runs on the base loop instead.
func (p *LoopThreadPool) Start(initFn InitFunc) error {
	p.baseLoop.AssertInLoopThread()
	if p.started {
		return ErrPoolStarted
	}
	p.started = true

	for i := 0; i < p.numThreads; i++ {
		t := NewLoopThread(initFn, fmt.Sprintf("%s%d", p.name, i))
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, t.Start())
	}
	if p.numThreads == 0 && initFn != nil {
		initFn(p.baseLoop)
	}
	return nil
}

// NextLoop hands out loops round-robin, or the base loop when the pool is
// empty.
func (p *LoopThreadPool) NextLoop() *EventLoop {
	p.baseLoop.AssertInLoopThread()
	loop := p.baseLoop
	if len(p.loops) > 0 {
		loop = p.loops[p.next]
		p.next++
		if p.next >= len(p.loops) {
			p.next = 0
		}
	}
	return loop
}

// RandomLoop hands out a uniformly random loop, or the base loop when the
// pool is empty.
func (p *LoopThreadPool) RandomLoop() *EventLoop {
	p.baseLoop.AssertInLoopThread()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	return p.loops[rand.IntN(len(p.loops))]
}

// AllLoops returns every pool loop, or the base loop alone when the pool is
// empty.
func (p *LoopThreadPool) AllLoops() []*EventLoop {
	p.baseLoop.AssertInLoopThread()
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return p.loops
}

// Started reports whether Start has run.
func (p *LoopThreadPool) Started() bool { return p.started }

// Name returns the pool name.
func (p *LoopThreadPool) Name() string { return p.name }

// Stop quits every pool loop and joins the threads. The base loop is left to
// its owner.
func (p *LoopThreadPool) Stop() {
	for _, t := range p.threads {
		t.Stop()
	}
}
