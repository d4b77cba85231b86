package poller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type event struct {
	fd                          int
	readable, writable, errored bool
}

type recorder struct {
	events []event
	onRead func(fd int)
}

func (r *recorder) HandleEvent(fd int, readable, writable, errored bool) {
	r.events = append(r.events, event{fd, readable, writable, errored})
	if readable && r.onRead != nil {
		r.onRead(fd)
	}
}

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newPoller(t *testing.T) *Poller {
	t.Helper()
	p, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestTurnDispatchesReadable(t *testing.T) {
	p := newPoller(t)
	a, b := socketPair(t)

	rec := &recorder{}
	p.WatchRead(a, rec)

	require.NoError(t, p.Turn(0))
	assert.Empty(t, rec.events, "nothing to read yet")

	_, err := unix.Write(b, []byte("x"))
	require.NoError(t, err)
	require.NoError(t, p.Turn(time.Second))

	require.Len(t, rec.events, 1)
	assert.Equal(t, event{fd: a, readable: true}, rec.events[0])
}

func TestWatchWriteAndUnwatch(t *testing.T) {
	p := newPoller(t)
	a, _ := socketPair(t)

	rec := &recorder{}
	p.WatchWrite(a, rec)
	require.NoError(t, p.Turn(time.Second))
	require.Len(t, rec.events, 1)
	assert.True(t, rec.events[0].writable)

	p.UnwatchWrite(a)
	r, w := p.Watched(a)
	assert.False(t, r)
	assert.False(t, w)
	assert.Equal(t, 0, p.Len())

	require.NoError(t, p.Turn(0))
	assert.Len(t, rec.events, 1)
}

func TestUnwatchDuringDispatch(t *testing.T) {
	p := newPoller(t)
	a, b := socketPair(t)

	rec := &recorder{}
	rec.onRead = func(fd int) { p.UnwatchAll(fd) }
	p.WatchRead(a, rec)
	p.WatchWrite(a, rec)

	unix.Write(b, []byte("x"))
	require.NoError(t, p.Turn(time.Second))

	require.Len(t, rec.events, 1, "write dispatch skipped after UnwatchAll")
	assert.True(t, rec.events[0].readable)
}

func TestNestedTurn(t *testing.T) {
	p := newPoller(t)
	a, b := socketPair(t)
	c, d := socketPair(t)

	inner := &recorder{}
	p.WatchRead(c, inner)

	outer := &recorder{}
	outer.onRead = func(fd int) {
		var buf [8]byte
		unix.Read(fd, buf[:])
		unix.Write(d, []byte("y"))
		require.NoError(t, p.Turn(time.Second))
	}
	p.WatchRead(a, outer)

	unix.Write(b, []byte("x"))
	require.NoError(t, p.Turn(time.Second))

	assert.NotEmpty(t, outer.events)
	assert.NotEmpty(t, inner.events)
}

func TestPostRunsOnTurn(t *testing.T) {
	p := newPoller(t)

	var ran atomic.Bool
	go p.Post(func() { ran.Store(true) })

	deadline := time.Now().Add(2 * time.Second)
	for !ran.Load() && time.Now().Before(deadline) {
		require.NoError(t, p.Turn(100*time.Millisecond))
	}
	assert.True(t, ran.Load())
}

func TestRunStopsOnCancel(t *testing.T) {
	p := newPoller(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClosedPoller(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Turn(0), ErrClosed)
	p.Wakeup()
}

func TestHandlerFunc(t *testing.T) {
	p := newPoller(t)
	a, b := socketPair(t)

	var got int
	p.WatchRead(a, HandlerFunc(func(fd int, readable, _, _ bool) {
		if readable {
			got = fd
		}
	}))
	unix.Write(b, []byte("x"))
	require.NoError(t, p.Turn(time.Second))
	assert.Equal(t, a, got)
}
