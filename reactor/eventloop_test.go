//go:build linux

// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// eventloop_test.go — loop lifecycle, cross-thread task injection, wakeup.
package reactor

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventLoop_CrossThreadExtraTask(t *testing.T) {
	lt := NewLoopThread(nil, "wakeup")
	loop := lt.Start()
	defer lt.Stop()

	var counter atomic.Int32
	loop.AddExtraTask(func() { counter.Add(1) })

	require.Eventually(t, func() bool { return counter.Load() == 1 },
		20*time.Millisecond, time.Millisecond,
		"extra task not observed within 20ms")
}

func TestEventLoop_RunSynchronousOnOwnThread(t *testing.T) {
	lt := NewLoopThread(nil, "sync")
	loop := lt.Start()
	defer lt.Stop()

	done := make(chan bool, 1)
	loop.AddExtraTask(func() {
		// Now on the loop thread: Run must invoke inline, observable by the
		// flag being set before Run returns.
		ran := false
		loop.Run(func() { ran = true })
		done <- ran
	})

	select {
	case ran := <-done:
		require.True(t, ran, "Run on owning thread must execute synchronously")
	case <-time.After(time.Second):
		t.Fatal("loop never ran the probe task")
	}
}

func TestEventLoop_TasksRunInSubmissionOrder(t *testing.T) {
	lt := NewLoopThread(nil, "order")
	loop := lt.Start()
	defer lt.Stop()

	order := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		loop.AddExtraTask(func() { order <- i })
	}

	for want := 1; want <= 3; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Fatalf("task order: got %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatal("tasks did not drain")
		}
	}
}

func TestEventLoop_TaskSubmittedDuringDrain(t *testing.T) {
	lt := NewLoopThread(nil, "drain")
	loop := lt.Start()
	defer lt.Stop()

	var both atomic.Int32
	loop.AddExtraTask(func() {
		both.Add(1)
		// Submitted mid-drain: lands in the fresh queue and must still run,
		// on a later iteration.
		loop.AddExtraTask(func() { both.Add(1) })
	})

	require.Eventually(t, func() bool { return both.Load() == 2 },
		time.Second, time.Millisecond)
}

func TestEventLoop_QuitFromOtherThread(t *testing.T) {
	lt := NewLoopThread(nil, "quit")
	loop := lt.Start()

	// An idle loop sits in a 10s poll; a wakeup lets it complete one cycle.
	loop.Wakeup()
	require.Eventually(t, func() bool { return loop.LoopCount() >= 1 },
		time.Second, time.Millisecond)
	lt.Stop()
}

func TestEventLoop_LoopOfThisThread(t *testing.T) {
	lt := NewLoopThread(nil, "tls")
	loop := lt.Start()
	defer lt.Stop()

	got := make(chan *EventLoop, 1)
	inLoop := make(chan bool, 1)
	loop.AddExtraTask(func() {
		got <- LoopOfThisThread()
		inLoop <- loop.InLoopThread()
	})

	require.Equal(t, loop, <-got)
	require.True(t, <-inLoop)

	// A plain locked thread with no loop has an empty slot.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	require.Nil(t, LoopOfThisThread())
	require.False(t, loop.InLoopThread())
}

func TestEventLoop_ExtraTaskCountDrainsToZero(t *testing.T) {
	lt := NewLoopThread(nil, "count")
	loop := lt.Start()
	defer lt.Stop()

	for i := 0; i < 10; i++ {
		loop.AddExtraTask(func() {})
	}
	require.Eventually(t, func() bool { return loop.ExtraTaskCount() == 0 },
		time.Second, time.Millisecond)
}

func TestEventLoop_ThreadIDAndReturnTime(t *testing.T) {
	lt := NewLoopThread(nil, "ids")
	loop := lt.Start()
	defer lt.Stop()

	if loop.ThreadID() <= 0 {
		t.Errorf("ThreadID: got %d", loop.ThreadID())
	}

	rt := make(chan time.Time, 1)
	loop.AddExtraTask(func() { rt <- loop.ReturnTime() })
	if ts := <-rt; ts.IsZero() {
		t.Error("ReturnTime is zero after a poll cycle")
	}
}
