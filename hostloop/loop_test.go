//go:build linux || darwin

package hostloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLoop_RunOnceIdleReturnsImmediately(t *testing.T) {
	l := newLoop(t)
	assert.False(t, l.Alive())

	done := make(chan error, 1)
	go func() { done <- l.RunOnce() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunOnce blocked on an idle loop")
	}
}

func TestLoop_TimersFireInDeadlineOrder(t *testing.T) {
	l := newLoop(t)

	var order []string
	l.AfterFunc(20*time.Millisecond, func() { order = append(order, "late") })
	l.AfterFunc(0, func() { order = append(order, "first") })
	l.AfterFunc(0, func() { order = append(order, "second") })

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []string{"first", "second", "late"}, order)
	assert.False(t, l.Alive())
}

func TestLoop_ZeroDelayTimerNeverRunsSynchronously(t *testing.T) {
	l := newLoop(t)

	ran := false
	l.AfterFunc(0, func() { ran = true })
	assert.False(t, ran)

	require.NoError(t, l.RunOnce())
	assert.True(t, ran)
}

func TestLoop_TimerScheduledFromTimerWaitsForNextIteration(t *testing.T) {
	l := newLoop(t)

	var steps []int
	l.AfterFunc(0, func() {
		steps = append(steps, 1)
		l.AfterFunc(0, func() { steps = append(steps, 2) })
	})

	require.NoError(t, l.RunNoWait())
	assert.Equal(t, []int{1}, steps)

	require.NoError(t, l.RunNoWait())
	assert.Equal(t, []int{1, 2}, steps)
}

func TestLoop_TimerStop(t *testing.T) {
	l := newLoop(t)

	fired := false
	tm := l.AfterFunc(0, func() { fired = true })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	assert.False(t, l.Alive())

	require.NoError(t, l.RunNoWait())
	assert.False(t, fired)
}

func TestLoop_PostFromOtherGoroutineWakesPoll(t *testing.T) {
	l := newLoop(t)

	got := make(chan int, 1)
	l.Go(func() func() {
		time.Sleep(10 * time.Millisecond)
		return func() { got <- 42 }
	})
	assert.True(t, l.Alive())

	require.NoError(t, l.Run(context.Background()))
	select {
	case v := <-got:
		assert.Equal(t, 42, v)
	default:
		t.Fatal("continuation did not run")
	}
}

func TestLoop_WatchReadable(t *testing.T) {
	l := newLoop(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var events []Events
	w, err := l.Watch(fds[0], Readable, func(ev Events) {
		events = append(events, ev)
		buf := make([]byte, 8)
		_, _ = unix.Read(fds[0], buf)
	})
	require.NoError(t, err)

	_, err = l.Watch(fds[0], Readable, func(Events) {})
	require.Error(t, err, "second watcher on the same descriptor")

	require.NoError(t, l.RunNoWait())
	assert.Empty(t, events)

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)
	require.NoError(t, l.RunOnce())
	assert.Equal(t, []Events{Readable}, events)

	w.Modify(0)
	assert.False(t, l.Alive())
	w.Stop()
	w.Stop()
}

func TestLoop_RunStopsOnContextCancel(t *testing.T) {
	l := newLoop(t)
	l.AfterFunc(time.Hour, func() {})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoop_NestedRunRejected(t *testing.T) {
	l := newLoop(t)

	var nested error
	l.AfterFunc(0, func() { nested = l.RunNoWait() })
	require.NoError(t, l.RunOnce())
	require.Error(t, nested)
}
