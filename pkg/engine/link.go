package engine

import (
	"crypto/x509"
	"io"
	"log/slog"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/sockport/sockport/pkg/peer"
	"github.com/sockport/sockport/pkg/sockopt"
	"github.com/sockport/sockport/pkg/trace"
)

// Extension layers a protocol such as TLS between the socket and the
// framing assembler. One extension serves every peer of an engine.
type Extension interface {
	// Validate checks the extension's configuration at Map time.
	Validate(server bool) error

	// Attach runs after the TCP handshake, before the peer is reported.
	// Returning an error refuses the connection.
	Attach(l *Link) error

	// Detach releases the peer's extension state before the socket closes.
	Detach(l *Link)

	// Receive appends decoded bytes to the peer's inbox. It returns 0 with a
	// nil error when the session ended, and ErrWouldBlock when nothing is
	// available.
	Receive(l *Link) (int, error)

	// Send encodes and writes data completely. A gone peer yields ErrPeerClosed.
	Send(l *Link, data []byte) (int, error)
}

// Link is an extension's view of one peer: raw socket access that honours
// the engine's gating and backpressure rules.
type Link struct {
	e    *Engine
	p    *peer.Peer
	role trace.Role

	receiving bool
	quiet     bool
	waiting   int

	// sending counts Send calls in progress on this peer; queued holds
	// sends issued meanwhile, written in order once the outer one returns.
	sending int
	queued  [][]byte

	// delivering is set while the handler is being handed messages.
	// Bytes received during a send or a delivery are only buffered and
	// pendingDelivery marks them for the next delivery pass.
	delivering      bool
	pendingDelivery bool

	removeRequested bool
}

// ID returns the peer id.
func (l *Link) ID() peer.ID { return l.p.ID }

// Peer returns the peer state.
func (l *Link) Peer() *peer.Peer { return l.p }

// Fd returns the socket handle.
func (l *Link) Fd() int { return int(l.p.ID) }

// Server reports whether the peer was accepted by the listener.
func (l *Link) Server() bool { return l.role == trace.RoleServer }

// Remote returns the peer address.
func (l *Link) Remote() netip.AddrPort { return l.p.Remote }

// Logger returns a logger scoped to the peer.
func (l *Link) Logger() *slog.Logger {
	return l.e.logger.With("peer", int(l.p.ID), "remote", l.p.Remote.String())
}

// Blocking reports whether the socket is in blocking mode.
func (l *Link) Blocking() bool { return !l.e.cfg.NonBlocking }

// Receiving reports whether the engine is inside Extension.Receive.
func (l *Link) Receiving() bool { return l.receiving }

// Readable reports, without waiting, whether a read would make progress.
func (l *Link) Readable() bool {
	ok, err := sockopt.PollOne(l.Fd(), unix.POLLIN, 0)
	return ok || err != nil
}

// Read reads raw bytes from the socket. It returns io.EOF when the remote
// side closed and ErrWouldBlock when no data is available.
func (l *Link) Read(b []byte) (int, error) {
	n, err := sockopt.Read(l.Fd(), b)
	switch {
	case err != nil && sockopt.WouldBlock(err):
		return 0, ErrWouldBlock
	case err != nil:
		return 0, err
	case n == 0 && len(b) > 0:
		return 0, io.EOF
	}
	l.e.metrics.add(bytesIn, n)
	return n, nil
}

// Write writes b completely, waiting cooperatively while the socket is
// full. Inside Receive the peer waits in WaitForWriteCallback, otherwise in
// DontReceive. After Quiet, a single attempt is made and nothing waits.
func (l *Link) Write(b []byte) (int, error) {
	if l.quiet {
		return sockopt.Send(l.Fd(), b)
	}
	gate := peer.DontReceive
	if l.receiving {
		gate = peer.WaitForWriteCallback
	}
	return l.e.writeAll(l, b, gate)
}

// WaitReadable suspends until the socket is readable, servicing other
// peers meanwhile. The peer does not receive while waiting.
func (l *Link) WaitReadable() error {
	if l.Blocking() {
		_, err := sockopt.PollOne(l.Fd(), unix.POLLIN, -1)
		return err
	}
	return l.e.waitFor(l, unix.POLLIN, peer.DontReceive)
}

// Quiet switches Write to a single non-waiting attempt for teardown.
func (l *Link) Quiet() { l.quiet = true }

// VerifyPeer consults the handler's CertVerifier, if any.
func (l *Link) VerifyPeer(cert *x509.Certificate) bool {
	if v, ok := l.e.handler.(CertVerifier); ok {
		return v.VerifyPeerCertificate(l.p.ID, cert)
	}
	return true
}

// TraceState records an extension state transition.
func (l *Link) TraceState(oldState, newState, reason string) {
	l.e.traceState(l, trace.LayerTLS, trace.StateEntityTLS, oldState, newState, reason)
}

// TraceFrame records bytes crossing the extension.
func (l *Link) TraceFrame(dir trace.Direction, data []byte) {
	l.e.traceFrame(l, trace.LayerTLS, dir, data)
}
