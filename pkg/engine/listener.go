package engine

import (
	"context"
	"errors"
	"fmt"

	temperrcatcher "github.com/jbenet/go-temp-err-catcher"

	"github.com/sockport/sockport/pkg/peer"
	"github.com/sockport/sockport/pkg/resolve"
	"github.com/sockport/sockport/pkg/sockopt"
	"github.com/sockport/sockport/pkg/trace"
)

// OpenListener closes any previous listener and listens on host:port. An
// empty host listens on every local address of the configured family; port
// 0 picks an ephemeral port. It returns the bound port.
func (e *Engine) OpenListener(host string, port int) (int, error) {
	if err := e.CloseListener(); err != nil {
		e.logger.Warn("closing previous listener failed", "error", err)
	}

	candidates, err := e.resolver.Resolve(context.Background(), host, port, e.cfg.Family, true)
	if err != nil {
		return e.listenFailed("resolve", err)
	}

	fd := -1
	var lastErr error
	for _, addr := range candidates {
		s, err := sockopt.Socket(addr)
		if err != nil {
			lastErr = err
			continue
		}
		if err := e.tuneSocket(s); err != nil {
			sockopt.Close(s)
			return e.listenFailed("setsockopt", err)
		}
		if err := sockopt.SetReuseAddr(s); err != nil {
			sockopt.Close(s)
			return e.listenFailed("setsockopt", err)
		}
		if err := sockopt.Bind(s, addr); err != nil {
			if e.cfg.Debug {
				e.logger.Debug("bind failed, trying next address", "addr", addr.String(), "error", err)
			}
			sockopt.Close(s)
			lastErr = fmt.Errorf("bind %s: %w", addr, err)
			continue
		}
		fd = s
		break
	}
	if fd < 0 {
		if lastErr == nil {
			lastErr = resolve.ErrNoAddress
		}
		return e.listenFailed("bind", lastErr)
	}

	if err := sockopt.Listen(fd, e.cfg.Backlog); err != nil {
		sockopt.Close(fd)
		return e.listenFailed("listen", err)
	}
	local, err := sockopt.LocalAddr(fd)
	if err != nil {
		sockopt.Close(fd)
		return e.listenFailed("getsockname", err)
	}
	if err := sockopt.SetNonblock(fd, true); err != nil {
		sockopt.Close(fd)
		return e.listenFailed("set non-blocking", err)
	}

	e.listenFd = fd
	e.listenPort = int(local.Port())
	e.reactor.WatchRead(fd, e)
	e.traceListener("", "LISTENING", local.String())
	e.logger.Info("listening", "addr", local.String(), "backlog", e.cfg.Backlog)
	if e.cfg.NotifyConnections {
		e.handler.ListenerOpened(e.listenPort, nil)
	}
	return e.listenPort, nil
}

func (e *Engine) listenFailed(op string, err error) (int, error) {
	err = fmt.Errorf("%s: %w", op, err)
	if e.cfg.NotifyConnections {
		e.logger.Warn("cannot open listener", "error", err)
		e.handler.ListenerOpened(-1, err)
		return -1, err
	}
	return -1, e.fatal(KindResource, peer.NoID, "open listener", err)
}

// CloseListener stops listening. Accepted peers are unaffected.
func (e *Engine) CloseListener() error {
	if e.listenFd < 0 {
		return nil
	}
	e.reactor.UnwatchAll(e.listenFd)
	e.traceListener("LISTENING", "CLOSED", "")
	err := sockopt.Close(e.listenFd)
	e.listenFd, e.listenPort = -1, 0
	if err != nil {
		return fmt.Errorf("close listener: %w", err)
	}
	return nil
}

// acceptOne accepts exactly one pending connection.
func (e *Engine) acceptOne() {
	fd, remote, err := sockopt.Accept(e.listenFd)
	if err != nil {
		switch {
		case sockopt.WouldBlock(err):
		case temperrcatcher.ErrIsTemporary(err), sockopt.Interrupted(err):
			e.warn("accept failed, ignoring", "error", err)
		default:
			e.fatal(KindResource, peer.NoID, "accept", err)
		}
		return
	}

	if err := e.tuneSocket(fd); err != nil {
		sockopt.Close(fd)
		e.fatal(KindIO, peer.ID(fd), "configure accepted socket", err)
		return
	}
	if err := sockopt.SetNonblock(fd, e.cfg.NonBlocking); err != nil {
		sockopt.Close(fd)
		e.fatal(KindIO, peer.ID(fd), "configure accepted socket", err)
		return
	}

	l, err := e.addPeer(fd, remote, trace.RoleServer)
	if err != nil {
		return
	}
	e.reactor.WatchRead(fd, e)
	e.metrics.inc(accepted)
	if e.cfg.Debug {
		e.logger.Debug("accepted", "peer", fd, "remote", remote.String())
	}

	if err := e.attach(l); err != nil {
		e.metrics.inc(handshakeFailures)
		e.logger.Warn("connection refused", "peer", fd, "remote", remote.String(), "error", err)
		silent := l.removeRequested
		e.dropPeer(l, "refused")
		if !silent {
			e.metrics.inc(disconnects)
			e.handler.PeerDisconnected(l.p.ID)
		}
		return
	}
	e.handler.PeerConnected(l.p.ID, remote)
	e.drainAttached(l)
}

// attach runs the extension's Attach with receives suspended.
func (e *Engine) attach(l *Link) error {
	if e.ext == nil {
		return nil
	}
	e.setReading(l, peer.DontReceive, "extension handshake")
	err := e.ext.Attach(l)
	if !e.alive(l) {
		if err == nil {
			err = ErrPeerClosed
		}
		return err
	}
	if l.p.Reading == peer.DontReceive {
		e.setReading(l, peer.Normal, "extension ready")
	}
	if err == nil && l.removeRequested {
		err = ErrPeerClosed
	}
	if err != nil && !errors.Is(err, ErrPeerClosed) {
		err = fmt.Errorf("%w: %w", ErrRefused, err)
	}
	return err
}

// drainAttached runs one receive step after Attach. Records that arrived
// with the handshake are already buffered by the extension and the socket
// does not report them readable again.
func (e *Engine) drainAttached(l *Link) {
	if e.ext == nil || l.p.Ext == nil || !e.alive(l) || l.removeRequested || !l.p.Reading.Receives() {
		return
	}
	e.handleReadable(l)
}

// tuneSocket applies the Nagle setting.
func (e *Engine) tuneSocket(fd int) error {
	if e.cfg.Nagle {
		return nil
	}
	return sockopt.SetNoDelay(fd, true)
}
