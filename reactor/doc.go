// File: reactor/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package reactor implements a Linux-only, multi-threaded, event-driven I/O
// core in the one-loop-per-thread style.
//
// An EventLoop owns an epoll instance (Poller), a timerfd-backed TimerQueue,
// and an eventfd wakeup channel, and is pinned to the OS thread that created
// it. File descriptors are represented by Channels, which hold the event
// interest and the read/write/close/error callbacks for one fd. Any
// goroutine may inject work into a loop through Run or AddExtraTask, or arm
// and cancel timers through RunAt, RunAfter, RunEvery and Cancel; the loop
// executes everything on its own thread.
//
// LoopThread and LoopThreadPool bootstrap N loops on N locked OS threads for
// the usual acceptor/worker split.
//
// The package is not portable: it requires epoll(7), eventfd(2) and
// timerfd_create(2).
package reactor
