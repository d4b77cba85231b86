package engine

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sockport/sockport/pkg/peer"
	"github.com/sockport/sockport/pkg/sockopt"
	"github.com/sockport/sockport/pkg/trace"
)

// readChunk bounds one plain read.
const readChunk = 4096

// HandleEvent implements poller.Handler. Peer readiness is processed before
// listener readiness.
func (e *Engine) HandleEvent(fd int, readable, writable, errored bool) {
	ws, waiting := e.waits[fd]
	if waiting {
		ws.notify(readable, writable, errored)
	}

	if l, ok := e.links[peer.ID(fd)]; ok && readable && l.p.Reading.Receives() {
		if !waiting || ws.events&unix.POLLIN == 0 {
			e.handleReadable(l)
		}
	}

	if fd == e.listenFd && e.listenFd >= 0 && readable {
		e.acceptOne()
	}
}

// handleReadable performs one receive step and delivers complete messages.
func (e *Engine) handleReadable(l *Link) {
	n, err := e.receive(l)
	switch {
	case errors.Is(err, ErrWouldBlock):
		return
	case err != nil:
		kind := KindIO
		if l.p.IsTLS() {
			kind = KindTLS
		}
		e.fatal(kind, l.p.ID, "receive", err)
		return
	case n == 0:
		e.remoteClosed(l)
		return
	}
	if l.delivering || l.sending > 0 {
		l.pendingDelivery = true
		return
	}
	e.deliver(l)
}

// receive reads what is available into the peer's inbox.
func (e *Engine) receive(l *Link) (int, error) {
	if e.ext != nil && l.p.Ext != nil {
		l.receiving = true
		n, err := e.ext.Receive(l)
		l.receiving = false
		return n, err
	}

	buf := l.p.Inbox.Tail(readChunk)
	n, err := sockopt.Read(l.Fd(), buf)
	switch {
	case err != nil && sockopt.WouldBlock(err):
		return 0, ErrWouldBlock
	case err != nil:
		e.logger.Warn("receive failed, closing", "peer", l.Fd(), "error", err)
		return 0, nil
	}
	if n > 0 {
		l.p.Inbox.Commit(n)
		e.metrics.add(bytesIn, n)
		e.traceFrame(l, trace.LayerSocket, trace.DirectionIn, buf[:n])
		if e.cfg.Debug {
			e.logger.Debug("received", "peer", l.Fd(), "bytes", n)
		}
	}
	return n, nil
}

// deliver hands complete messages to the handler until the inbox has no
// complete message left or the handler removed the peer. Bytes buffered by
// a nested send during the handler call are picked up by the same pass.
func (e *Engine) deliver(l *Link) {
	l.delivering = true
	l.pendingDelivery = false
	_, err := e.assembler.Deliver(&l.p.Inbox, func(msg []byte) bool {
		e.metrics.inc(messagesIn)
		e.traceFrame(l, trace.LayerFraming, trace.DirectionIn, msg)
		e.handler.MessageIncoming(msg, l.p.ID)
		return e.alive(l) && !l.removeRequested
	})
	l.delivering = false
	l.pendingDelivery = false
	if err != nil {
		e.fatal(KindFraming, l.p.ID, "deliver", err)
	}
}

// remoteClosed handles an orderly close from the remote side.
func (e *Engine) remoteClosed(l *Link) {
	switch l.p.Reading {
	case peer.BlockForSending:
		e.reactor.UnwatchRead(l.Fd())
		e.setReading(l, peer.DontClose, "closed by peer during send")
		return
	case peer.DontClose:
		return
	}

	if l.p.TCP == peer.CloseWait || l.p.TCP == peer.FinWait {
		e.dropPeer(l, "closed by peer")
		e.peerDisconnected(l.p.ID)
		return
	}

	err := sockopt.Shutdown(l.Fd(), unix.SHUT_RD)
	switch {
	case err != nil && sockopt.NotConnected(err):
		e.dropPeer(l, "not connected")
		e.peerDisconnected(l.p.ID)
		return
	case err != nil:
		e.fatal(KindIO, l.p.ID, "shutdown", err)
		return
	}

	e.setTCP(l, peer.CloseWait, "closed by peer")
	e.reactor.UnwatchRead(l.Fd())
	if e.cfg.HandleHalfClose {
		e.handler.PeerHalfClosed(l.p.ID)
		return
	}
	e.dropPeer(l, "half closed by peer")
	e.peerDisconnected(l.p.ID)
}

// Send writes data to a peer completely. peer.Unspecified selects the only
// peer. A zero-length send does nothing.
//
// A send to a peer that already has a send in progress, issued by a handler
// callback while the outer send waits, is queued and written after the
// outer one completes. It returns nil; a later failure is reported through
// Handler.ReportError.
func (e *Engine) Send(id peer.ID, data []byte) error {
	l, err := e.target(id, "send")
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if l.sending > 0 {
		l.queued = append(l.queued, bytes.Clone(data))
		return nil
	}

	l.sending++
	err = e.sendNow(l, data)
	ok := err == nil
	for ok && len(l.queued) > 0 && e.alive(l) {
		next := l.queued[0]
		l.queued = l.queued[1:]
		ok = e.sendNow(l, next) == nil
	}
	if n := len(l.queued); n > 0 {
		e.logger.Warn("queued sends dropped", "peer", l.Fd(), "count", n)
	}
	l.queued = nil
	l.sending--

	if l.pendingDelivery && !l.delivering && e.alive(l) && !l.removeRequested &&
		l.p.Reading.Receives() && l.p.Reading != peer.DontClose {
		e.deliver(l)
	}
	return err
}

func (e *Engine) sendNow(l *Link, data []byte) error {
	if l.p.TCP != peer.Established && l.p.TCP != peer.CloseWait {
		se := &SendError{Peer: l.p.ID, Attempted: len(data), Sent: -2, Data: data,
			Message: fmt.Sprintf("peer is in state %s", l.p.TCP)}
		e.reportError(se)
		return se
	}

	var (
		n   int
		err error
	)
	if e.ext != nil && l.p.Ext != nil {
		n, err = e.ext.Send(l, data)
	} else {
		n, err = e.writeAll(l, data, peer.BlockForSending)
		if n > 0 {
			e.traceFrame(l, trace.LayerSocket, trace.DirectionOut, data[:n])
		}
	}

	if errors.Is(err, ErrPeerClosed) {
		return e.sendClosed(l)
	}
	if n != len(data) || err != nil {
		msg := "incomplete send"
		if err != nil {
			msg = err.Error()
		}
		se := &SendError{Peer: l.p.ID, Attempted: len(data), Sent: n, Data: data, Message: msg}
		e.reportError(se)
		return se
	}
	return nil
}

// sendClosed finishes a send that found the peer gone.
func (e *Engine) sendClosed(l *Link) error {
	closed := fmt.Errorf("peer %d: %w", l.p.ID, ErrPeerClosed)
	if !e.alive(l) {
		return closed
	}
	if l.waiting > 0 {
		// An outer wait on this peer completes the removal.
		e.reactor.UnwatchRead(l.Fd())
		e.setReading(l, peer.DontClose, "closed by peer during send")
		return closed
	}
	silent := l.removeRequested
	e.setReading(l, peer.Normal, "send finished")
	if l.pendingDelivery && !l.delivering && !silent {
		e.deliver(l)
		if !e.alive(l) {
			return closed
		}
	}
	e.dropPeer(l, "closed by peer")
	if !silent {
		e.peerDisconnected(l.p.ID)
	}
	return closed
}

func (e *Engine) reportError(se *SendError) {
	e.logger.Warn("send incomplete", "peer", int(se.Peer), "attempted", se.Attempted, "sent", se.Sent, "reason", se.Message)
	e.handler.ReportError(se)
}

// writeAll writes b completely. In non-blocking mode a full socket first
// grows its send buffer, then waits cooperatively with the peer in gate.
func (e *Engine) writeAll(l *Link, b []byte, gate peer.ReadingState) (int, error) {
	fd := l.Fd()
	sent := 0
	for sent < len(b) {
		if l.removeRequested || l.p.Reading == peer.DontClose {
			return sent, ErrPeerClosed
		}
		n, err := sockopt.Send(fd, b[sent:])
		if n > 0 {
			sent += n
			e.metrics.add(bytesOut, n)
		}
		switch {
		case err == nil:
		case sockopt.Interrupted(err):
		case sockopt.PeerGone(err):
			return sent, ErrPeerClosed
		case sockopt.WouldBlock(err):
			if !e.cfg.NonBlocking {
				if _, perr := sockopt.PollOne(fd, unix.POLLOUT, -1); perr != nil {
					return sent, perr
				}
				continue
			}
			if e.growSendBuffer(l) {
				continue
			}
			e.metrics.inc(blockedSends)
			e.warn("send would block, waiting for socket", "peer", fd, "pending", len(b)-sent)
			if err := e.waitFor(l, unix.POLLOUT, gate); err != nil {
				return sent, err
			}
		default:
			return sent, err
		}
	}
	return sent, nil
}

func (e *Engine) growSendBuffer(l *Link) bool {
	oldSize, newSize, grown, err := sockopt.GrowSendBuffer(l.Fd())
	if err != nil {
		e.logger.Warn("send buffer size query failed", "peer", l.Fd(), "error", err)
		return false
	}
	if !grown {
		return false
	}
	e.metrics.inc(bufferGrows)
	e.warn("send buffer grown", "peer", l.Fd(), "old", oldSize, "new", newSize)
	return true
}

// HalfClose shuts down the sending direction of an established peer.
func (e *Engine) HalfClose(id peer.ID) error {
	l, err := e.target(id, "half close")
	if err != nil {
		return err
	}
	if l.p.TCP != peer.Established {
		return e.fatal(KindProgramming, l.p.ID, "half close",
			fmt.Errorf("%w: state %s", ErrNotEstablished, l.p.TCP))
	}
	err = sockopt.Shutdown(l.Fd(), unix.SHUT_WR)
	switch {
	case err != nil && sockopt.NotConnected(err):
		e.dropPeer(l, "not connected")
		e.peerDisconnected(l.p.ID)
		return fmt.Errorf("peer %d: %w", l.p.ID, ErrPeerClosed)
	case err != nil:
		return e.fatal(KindIO, l.p.ID, "half close", err)
	}
	e.setTCP(l, peer.FinWait, "half closed locally")
	return nil
}
