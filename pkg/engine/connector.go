package engine

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/sockport/sockport/pkg/backoff"
	"github.com/sockport/sockport/pkg/peer"
	"github.com/sockport/sockport/pkg/resolve"
	"github.com/sockport/sockport/pkg/sockopt"
	"github.com/sockport/sockport/pkg/trace"
)

// addrInUseRetries bounds EADDRINUSE retries per OpenClientConnection call.
const addrInUseRetries = 16

// attemptResult is the outcome of trying one candidate address.
type attemptResult uint8

const (
	attemptConnected attemptResult = iota
	attemptInUse
	attemptFailed
	attemptFatal
)

// OpenClientConnection connects to remoteHost:remotePort, optionally bound
// to localHost:localPort. With AutoReconnect the whole candidate list is
// retried up to ReconnectAttempts times in total.
func (e *Engine) OpenClientConnection(remoteHost string, remotePort int, localHost string, localPort int) (peer.ID, error) {
	ctx := context.Background()
	remotes, err := e.resolver.Resolve(ctx, remoteHost, remotePort, e.cfg.Family, false)
	if err != nil {
		return e.connectFailed(KindResource, "resolve", err)
	}
	var locals []netip.AddrPort
	if localHost != "" || localPort != 0 {
		locals, err = e.resolver.Resolve(ctx, localHost, localPort, e.cfg.Family, true)
		if err != nil {
			return e.connectFailed(KindResource, "resolve local", err)
		}
	}

	attempts := 1
	if e.cfg.AutoReconnect {
		attempts = e.cfg.ReconnectAttempts
	}
	pace := backoff.New(backoff.Config{
		Initial:    e.cfg.ReconnectDelay,
		Multiplier: e.cfg.ReconnectBackoff,
	})
	inUse := addrInUseRetries

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		fd, remote, res, err := e.tryCandidates(remotes, locals, &inUse)
		switch res {
		case attemptConnected:
			return e.connected(fd, remote)
		case attemptFatal:
			return e.connectFailed(KindResource, "connect", err)
		}
		lastErr = err
		if attempt < attempts {
			delay := pace.Next()
			e.logger.Warn("connect failed, retrying",
				"remote", remoteHost, "port", remotePort,
				"attempt", attempt, "attempts", attempts, "delay", delay, "error", err)
			e.metrics.inc(reconnects)
			e.clock.Sleep(delay)
		}
	}
	if attempts > 1 {
		lastErr = fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
	}
	return e.connectFailed(KindResource, "connect", lastErr)
}

// tryCandidates tries each remote address in order. EADDRINUSE retries the
// same address while the shared budget lasts.
func (e *Engine) tryCandidates(remotes, locals []netip.AddrPort, inUse *int) (int, netip.AddrPort, attemptResult, error) {
	var lastErr error
	for _, remote := range remotes {
		for {
			fd, res, err := e.tryConnect(remote, locals)
			switch res {
			case attemptConnected:
				return fd, remote, res, nil
			case attemptInUse:
				*inUse--
				if *inUse < 0 {
					return -1, remote, attemptFatal, fmt.Errorf("address in use, retries exhausted: %w", err)
				}
				e.warn("address in use, retrying", "remote", remote.String(), "error", err)
				continue
			case attemptFatal:
				return -1, remote, res, err
			}
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		lastErr = resolve.ErrNoAddress
	}
	return -1, netip.AddrPort{}, attemptFailed, lastErr
}

// tryConnect makes one connect attempt to remote.
func (e *Engine) tryConnect(remote netip.AddrPort, locals []netip.AddrPort) (int, attemptResult, error) {
	e.metrics.inc(connectAttempts)
	fd, err := sockopt.Socket(remote)
	if err != nil {
		return -1, attemptFailed, err
	}
	fail := func(err error) (int, attemptResult, error) {
		sockopt.Close(fd)
		if sockopt.AddrInUse(err) {
			return -1, attemptInUse, err
		}
		return -1, attemptFailed, err
	}

	if err := e.tuneSocket(fd); err != nil {
		sockopt.Close(fd)
		return -1, attemptFatal, fmt.Errorf("setsockopt: %w", err)
	}
	if len(locals) > 0 {
		if err := sockopt.SetReuseAddr(fd); err != nil {
			sockopt.Close(fd)
			return -1, attemptFatal, fmt.Errorf("setsockopt: %w", err)
		}
		if err := bindLocal(fd, remote, locals); err != nil {
			return fail(err)
		}
	}
	if e.cfg.Debug {
		e.logger.Debug("connecting", "remote", remote.String(), "fd", fd)
	}
	if err := sockopt.Connect(fd, remote, e.cfg.ConnectTimeout); err != nil {
		return fail(fmt.Errorf("connect %s: %w", remote, err))
	}
	return fd, attemptConnected, nil
}

// bindLocal binds fd to the first local candidate of the remote's family.
func bindLocal(fd int, remote netip.AddrPort, locals []netip.AddrPort) error {
	err := error(resolve.ErrNoAddress)
	for _, la := range locals {
		if sockopt.Domain(la) != sockopt.Domain(remote) {
			continue
		}
		if err = sockopt.Bind(fd, la); err == nil {
			return nil
		}
		err = fmt.Errorf("bind %s: %w", la, err)
	}
	return err
}

// connected registers a freshly connected socket and attaches the extension.
func (e *Engine) connected(fd int, remote netip.AddrPort) (peer.ID, error) {
	if err := sockopt.SetNonblock(fd, e.cfg.NonBlocking); err != nil {
		sockopt.Close(fd)
		return e.connectFailed(KindIO, "configure socket", err)
	}
	l, err := e.addPeer(fd, remote, trace.RoleClient)
	if err != nil {
		return peer.NoID, err
	}
	e.reactor.WatchRead(fd, e)

	if err := e.attach(l); err != nil {
		e.metrics.inc(handshakeFailures)
		e.dropPeer(l, "refused")
		kind := KindTLS
		if errors.Is(err, ErrPeerClosed) {
			kind = KindResource
		}
		return e.connectFailed(kind, "attach", err)
	}

	e.logger.Info("connected", "peer", fd, "remote", remote.String())
	e.handler.ConnectionOpened(l.p.ID, nil)
	e.drainAttached(l)
	return l.p.ID, nil
}

func (e *Engine) connectFailed(kind Kind, op string, err error) (peer.ID, error) {
	e.metrics.inc(connectFailures)
	if e.cfg.NotifyConnections {
		e.logger.Warn("cannot open connection", "op", op, "error", err)
		e.handler.ConnectionOpened(peer.NoID, err)
		return peer.NoID, fmt.Errorf("%s: %w", op, err)
	}
	return peer.NoID, e.fatal(kind, peer.NoID, op, err)
}
