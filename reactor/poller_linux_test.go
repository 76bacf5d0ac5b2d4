//go:build linux

// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

// poller_linux_test.go — readiness dispatch through a live epoll instance
// and ready-buffer growth under saturation.
package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func makePipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPoller_ReadDispatch(t *testing.T) {
	lt := NewLoopThread(nil, "dispatch")
	loop := lt.Start()
	defer lt.Stop()

	r, w := makePipe(t)

	payload := make(chan []byte, 1)
	loop.Run(func() {
		ch := NewChannel(loop, r)
		ch.SetReadCallback(func(time.Time) {
			buf := make([]byte, 64)
			n, err := unix.Read(r, buf)
			if err != nil {
				t.Errorf("pipe read: %v", err)
				return
			}
			payload <- buf[:n]
			ch.DisableAll()
			ch.Remove()
		})
		ch.EnableReading()
	})

	_, err := unix.Write(w, []byte("ping"))
	require.NoError(t, err)

	select {
	case got := <-payload:
		require.Equal(t, "ping", string(got))
	case <-time.After(time.Second):
		t.Fatal("read callback never fired")
	}
}

func TestPoller_WritableDispatch(t *testing.T) {
	lt := NewLoopThread(nil, "writable")
	loop := lt.Start()
	defer lt.Stop()

	_, w := makePipe(t)

	writable := make(chan struct{}, 1)
	loop.Run(func() {
		ch := NewChannel(loop, w)
		ch.SetWriteCallback(func() {
			writable <- struct{}{}
			ch.DisableAll()
			ch.Remove()
		})
		ch.EnableWriting()
	})

	select {
	case <-writable:
	case <-time.After(time.Second):
		t.Fatal("write callback never fired on an empty pipe")
	}
}

// TestPoller_EventBufferGrows saturates one poll with more ready fds than
// the initial event buffer holds and checks the buffer doubled.
func TestPoller_EventBufferGrows(t *testing.T) {
	lt := NewLoopThread(nil, "grow")
	loop := lt.Start()
	defer lt.Stop()

	const pipes = initialEventListSize + 4
	readers := make([]int, 0, pipes)
	writers := make([]int, 0, pipes)
	for i := 0; i < pipes; i++ {
		r, w := makePipe(t)
		readers = append(readers, r)
		writers = append(writers, w)
	}

	// Every pipe is readable before registration, so the first poll after
	// it reports more fds than the buffer holds.
	for _, w := range writers {
		_, err := unix.Write(w, []byte{1})
		require.NoError(t, err)
	}

	fired := make(chan int, pipes)
	done := make(chan struct{})
	loop.Run(func() {
		for i, r := range readers {
			i, r := i, r
			ch := NewChannel(loop, r)
			ch.SetReadCallback(func(time.Time) {
				var buf [8]byte
				unix.Read(r, buf[:])
				fired <- i
				ch.DisableAll()
				ch.Remove()
			})
			ch.EnableReading()
		}
		close(done)
	})
	<-done

	for i := 0; i < pipes; i++ {
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatalf("only %d of %d channels dispatched", i, pipes)
		}
	}

	size := make(chan int, 1)
	loop.Run(func() { size <- len(loop.poller.events) })
	require.GreaterOrEqual(t, <-size, 2*initialEventListSize,
		"ready-event buffer should double once saturated")
}
