package engine

import (
	"golang.org/x/sys/unix"

	"github.com/sockport/sockport/pkg/peer"
	"github.com/sockport/sockport/pkg/sockopt"
)

// waitState is one suspended operation waiting for readiness on its socket.
// HandleEvent marks it ready; the waiting call notices on its next loop.
type waitState struct {
	events int16
	ready  bool
	outer  *waitState
}

func (w *waitState) notify(readable, writable, errored bool) {
	if errored ||
		(readable && w.events&unix.POLLIN != 0) ||
		(writable && w.events&unix.POLLOUT != 0) {
		w.ready = true
	}
}

// waitFor suspends the caller until the peer's socket reports events,
// holding the peer in gate meanwhile. Other sockets are serviced by
// re-entering the reactor; beyond MaxWaitDepth nested waits the socket is
// polled directly. It returns ErrPeerClosed when the peer was closed or
// removed during the wait.
func (e *Engine) waitFor(l *Link, events int16, gate peer.ReadingState) error {
	fd := l.Fd()
	prev := l.p.Reading
	if prev != peer.DontClose {
		e.setReading(l, gate, "waiting for socket")
	}

	ws := &waitState{events: events, outer: e.waits[fd]}
	e.waits[fd] = ws
	l.waiting++
	e.waitDepth++
	if events&unix.POLLOUT != 0 {
		e.reactor.WatchWrite(fd, e)
	}

	defer func() {
		e.waitDepth--
		l.waiting--
		if ws.outer != nil {
			e.waits[fd] = ws.outer
		} else {
			delete(e.waits, fd)
		}
		if !e.alive(l) {
			return
		}
		if events&unix.POLLOUT != 0 && (ws.outer == nil || ws.outer.events&unix.POLLOUT == 0) {
			e.reactor.UnwatchWrite(fd)
		}
		if l.p.Reading == gate {
			e.setReading(l, prev, "socket ready")
		}
	}()

	for {
		if !e.alive(l) || l.removeRequested || l.p.Reading == peer.DontClose {
			return ErrPeerClosed
		}
		if ws.ready {
			return nil
		}
		if ok, err := sockopt.PollOne(fd, events, 0); err != nil || ok {
			return nil
		}
		if e.waitDepth > e.cfg.MaxWaitDepth {
			if _, err := sockopt.PollOne(fd, events, e.cfg.WaitSlice); err != nil {
				return nil
			}
			continue
		}
		if err := e.reactor.Turn(e.cfg.WaitSlice); err != nil {
			return e.fatal(KindIO, l.p.ID, "wait", err)
		}
	}
}

// alive reports whether l still refers to the registered peer.
func (e *Engine) alive(l *Link) bool {
	cur, ok := e.peers.Get(l.p.ID)
	return ok && cur == l.p
}
