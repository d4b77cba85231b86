// Package poller is a single-threaded readiness reactor over poll(2).
//
// Handlers register interest per file descriptor and are called from Turn
// with the readiness flags of that descriptor. Turn may be re-entered from a
// handler; each call takes its own snapshot of the watch set.
//
// Post and Wakeup are the only methods safe to call from other goroutines.
package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// ErrClosed indicates the poller was closed.
var ErrClosed = errors.New("poller closed")

// Handler receives readiness notifications.
type Handler interface {
	HandleEvent(fd int, readable, writable, errored bool)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(fd int, readable, writable, errored bool)

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(fd int, readable, writable, errored bool) {
	f(fd, readable, writable, errored)
}

type watch struct {
	read, write bool
	rh, wh      Handler
}

// Poller dispatches poll(2) readiness to handlers.
type Poller struct {
	watches map[int]*watch

	wakeR, wakeW int

	mu     sync.Mutex
	posted []func()
	closed bool
}

// New creates a poller with its wakeup pipe.
func New() (*Poller, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, err
		}
	}
	return &Poller{
		watches: make(map[int]*watch),
		wakeR:   fds[0],
		wakeW:   fds[1],
	}, nil
}

// WatchRead reports readability of fd to h.
func (p *Poller) WatchRead(fd int, h Handler) {
	w := p.entry(fd)
	w.read, w.rh = true, h
}

// WatchWrite reports writability of fd to h.
func (p *Poller) WatchWrite(fd int, h Handler) {
	w := p.entry(fd)
	w.write, w.wh = true, h
}

// UnwatchRead stops read notifications for fd.
func (p *Poller) UnwatchRead(fd int) {
	if w, ok := p.watches[fd]; ok {
		w.read, w.rh = false, nil
		p.prune(fd, w)
	}
}

// UnwatchWrite stops write notifications for fd.
func (p *Poller) UnwatchWrite(fd int) {
	if w, ok := p.watches[fd]; ok {
		w.write, w.wh = false, nil
		p.prune(fd, w)
	}
}

// UnwatchAll forgets fd.
func (p *Poller) UnwatchAll(fd int) {
	delete(p.watches, fd)
}

// Watched reports the current interest for fd.
func (p *Poller) Watched(fd int) (read, write bool) {
	if w, ok := p.watches[fd]; ok {
		return w.read, w.write
	}
	return false, false
}

// Len returns the number of watched descriptors.
func (p *Poller) Len() int {
	return len(p.watches)
}

func (p *Poller) entry(fd int) *watch {
	w, ok := p.watches[fd]
	if !ok {
		w = &watch{}
		p.watches[fd] = w
	}
	return w
}

func (p *Poller) prune(fd int, w *watch) {
	if !w.read && !w.write {
		delete(p.watches, fd)
	}
}

// Post queues fn to run on the loop goroutine during the next Turn.
func (p *Poller) Post(fn func()) {
	p.mu.Lock()
	p.posted = append(p.posted, fn)
	p.mu.Unlock()
	p.Wakeup()
}

// Wakeup interrupts a Turn blocked in poll(2).
func (p *Poller) Wakeup() {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	_, _ = unix.Write(p.wakeW, []byte{0})
}

// Turn waits up to timeout for readiness and dispatches it. A negative
// timeout waits indefinitely; zero polls without blocking.
func (p *Poller) Turn(timeout time.Duration) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	fds := make([]int, 0, len(p.watches))
	for fd := range p.watches {
		fds = append(fds, fd)
	}
	sort.Ints(fds)

	pfds := make([]unix.PollFd, 0, len(fds)+1)
	pfds = append(pfds, unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN})
	for _, fd := range fds {
		w := p.watches[fd]
		var ev int16
		if w.read {
			ev |= unix.POLLIN
		}
		if w.write {
			ev |= unix.POLLOUT
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: ev})
	}

	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.Poll(pfds, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}

	if pfds[0].Revents != 0 {
		p.drainWakeup()
	}
	p.runPosted()
	if n == 0 {
		return nil
	}

	for _, pfd := range pfds[1:] {
		if pfd.Revents == 0 {
			continue
		}
		fd := int(pfd.Fd)
		if pfd.Revents&unix.POLLNVAL != 0 {
			delete(p.watches, fd)
			continue
		}
		p.dispatch(fd, pfd.Revents)
	}
	return nil
}

func (p *Poller) dispatch(fd int, revents int16) {
	// Handlers may have changed the watch set since the snapshot.
	w, ok := p.watches[fd]
	if !ok {
		return
	}
	errored := revents&unix.POLLERR != 0
	readable := w.read && revents&(unix.POLLIN|unix.POLLPRI|unix.POLLHUP|unix.POLLERR) != 0
	writable := w.write && revents&(unix.POLLOUT|unix.POLLERR) != 0

	rh, wh := w.rh, w.wh
	if readable && rh != nil {
		rh.HandleEvent(fd, true, false, errored)
	}
	if writable && wh != nil {
		if cur, ok := p.watches[fd]; ok && cur.write {
			wh.HandleEvent(fd, false, true, errored)
		}
	}
}

func (p *Poller) drainWakeup() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *Poller) runPosted() {
	p.mu.Lock()
	fns := p.posted
	p.posted = nil
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Run calls Turn until ctx is done or Turn fails.
func (p *Poller) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, p.Wakeup)
	defer stop()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Turn(-1); err != nil {
			return err
		}
	}
}

// Close releases the wakeup pipe. Watched descriptors are not closed.
func (p *Poller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.watches = make(map[int]*watch)
	return multierr.Append(unix.Close(p.wakeR), unix.Close(p.wakeW))
}
