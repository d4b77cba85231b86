package tlslayer

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sockport/sockport/pkg/engine"
	"github.com/sockport/sockport/pkg/peer"
	"github.com/sockport/sockport/pkg/sockopt"
	"github.com/sockport/sockport/pkg/trace"
)

// recordChunk is the inbox space reserved per TLS read.
const recordChunk = 16384

var (
	// ErrCertificateRejected is returned when the handler's CertVerifier
	// refuses the peer certificate.
	ErrCertificateRejected = errors.New("peer certificate rejected")

	errNoSession   = errors.New("peer has no TLS session")
	errNotPrepared = errors.New("tls layer used before Validate")
)

// State is the lifecycle of one TLS session.
type State uint8

const (
	HandshakePending State = iota
	Established
	ShutdownSent
)

func (s State) String() string {
	switch s {
	case HandshakePending:
		return "HANDSHAKE_PENDING"
	case Established:
		return "ESTABLISHED"
	case ShutdownSent:
		return "SHUTDOWN_SENT"
	default:
		return "UNKNOWN"
	}
}

// session is the per-peer extension state stored in peer.Peer.Ext.
type session struct {
	conn       *tls.Conn
	state      State
	peerClosed bool
}

func (s *session) setState(l *engine.Link, next State, reason string) {
	l.TraceState(s.state.String(), next.String(), reason)
	s.state = next
}

// Layer implements engine.Extension over crypto/tls.
type Layer struct {
	cfg    Config
	logger *slog.Logger

	server   *tls.Config
	client   *tls.Config
	roots    *x509.CertPool
	sessions *sessionCache
}

var _ engine.Extension = (*Layer)(nil)

// New creates a TLS layer. Certificates are loaded by Validate, which the
// engine calls from Map.
func New(cfg Config, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Layer{cfg: cfg, logger: logger.With("component", "tls")}
}

// Config returns the layer configuration.
func (x *Layer) Config() Config { return x.cfg }

// CachedSessions returns the number of client sessions held for resumption.
func (x *Layer) CachedSessions() int {
	if x.sessions == nil {
		return 0
	}
	return x.sessions.Len()
}

// Validate checks the mandatory files for the mode and builds the
// crypto/tls configuration.
func (x *Layer) Validate(server bool) error {
	c := &x.cfg
	if server {
		for _, f := range []struct{ param, value string }{
			{"tls.key_file", c.KeyFile},
			{"tls.cert_file", c.CertFile},
			{"tls.ca_file", c.CAFile},
		} {
			if f.value == "" {
				return &engine.ConfigError{Param: f.param, Reason: "must be set in server mode"}
			}
		}
	} else if c.VerifyCertificate && c.CAFile == "" {
		return &engine.ConfigError{Param: "tls.ca_file", Reason: "must be set to verify certificates"}
	}
	if (c.KeyFile == "") != (c.CertFile == "") {
		return &engine.ConfigError{Param: "tls.key_file", Reason: "key and certificate must be set together"}
	}

	minV, maxV, err := c.versions()
	if err != nil {
		return &engine.ConfigError{Param: "tls.disable_tls1_x", Reason: err.Error()}
	}
	suites, err := c.cipherSuites()
	if err != nil {
		return &engine.ConfigError{Param: "tls.ciphers", Reason: err.Error()}
	}

	var certs []tls.Certificate
	if c.KeyFile != "" {
		pair, err := loadKeyPair(c.CertFile, c.KeyFile, c.KeyPassword)
		if err != nil {
			return &engine.ConfigError{Param: "tls.key_file", Reason: err.Error()}
		}
		certs = []tls.Certificate{pair}
	}
	x.roots = nil
	if c.CAFile != "" {
		if x.roots, err = loadPool(c.CAFile); err != nil {
			return &engine.ConfigError{Param: "tls.ca_file", Reason: err.Error()}
		}
	}

	if server {
		x.server = &tls.Config{
			MinVersion:             minV,
			MaxVersion:             maxV,
			CipherSuites:           suites,
			Certificates:           certs,
			ClientAuth:             tls.RequestClientCert,
			SessionTicketsDisabled: !c.SessionResumption,
		}
		// An advertised CA list makes clients withhold certificates from
		// other issuers, so it is only sent when chains are verified.
		if c.VerifyCertificate {
			x.server.ClientAuth = tls.RequireAndVerifyClientCert
			x.server.ClientCAs = x.roots
		}
		return nil
	}

	// Hostnames are not checked; the chain is verified in VerifyConnection.
	x.client = &tls.Config{
		MinVersion:         minV,
		MaxVersion:         maxV,
		CipherSuites:       suites,
		Certificates:       certs,
		ServerName:         c.ServerName,
		InsecureSkipVerify: true,
	}
	if c.SessionResumption {
		if x.sessions == nil {
			if x.sessions, err = newSessionCache(c.SessionCacheSize); err != nil {
				return &engine.ConfigError{Param: "tls.session_cache_size", Reason: err.Error()}
			}
		}
		x.client.ClientSessionCache = x.sessions
	}
	return nil
}

// Attach runs the handshake for a freshly connected peer.
func (x *Layer) Attach(l *engine.Link) error {
	if x.client == nil && x.server == nil {
		return errNotPrepared
	}
	base := x.client
	if l.Server() {
		base = x.server
	}
	if base == nil {
		return errNotPrepared
	}

	cfg := base.Clone()
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if !l.Server() && x.cfg.VerifyCertificate {
			if err := verifyChain(cs.PeerCertificates, x.roots); err != nil {
				return err
			}
		}
		var leaf *x509.Certificate
		if len(cs.PeerCertificates) > 0 {
			leaf = cs.PeerCertificates[0]
		}
		if !l.VerifyPeer(leaf) {
			return ErrCertificateRejected
		}
		return nil
	}

	sc := &sockConn{l: l}
	s := &session{}
	role := trace.RoleClient
	if l.Server() {
		s.conn = tls.Server(sc, cfg)
		role = trace.RoleServer
	} else {
		s.conn = tls.Client(sc, cfg)
	}
	l.TraceState("", s.state.String(), role.String())

	if err := s.conn.Handshake(); err != nil {
		l.TraceState(s.state.String(), "FAILED", err.Error())
		l.Logger().Warn("tls handshake failed", "error", err)
		return fmt.Errorf("tls handshake: %w", err)
	}

	cs := s.conn.ConnectionState()
	s.setState(l, Established, tls.VersionName(cs.Version))
	l.Peer().Ext = s
	l.Logger().Info("tls established",
		"version", tls.VersionName(cs.Version),
		"cipher", tls.CipherSuiteName(cs.CipherSuite),
		"resumed", cs.DidResume)
	return nil
}

// Detach sends close_notify unless the remote side already ended the session.
func (x *Layer) Detach(l *engine.Link) {
	s, ok := l.Peer().Ext.(*session)
	if !ok || s.state != Established || s.peerClosed {
		return
	}
	if err := s.conn.CloseWrite(); err != nil {
		l.Logger().Debug("close_notify not sent", "error", err)
	}
	s.setState(l, ShutdownSent, "detach")
}

// Receive drains every decrypted byte available into the peer's inbox.
func (x *Layer) Receive(l *engine.Link) (int, error) {
	s, ok := l.Peer().Ext.(*session)
	if !ok {
		return 0, errNoSession
	}
	inbox := &l.Peer().Inbox
	total := 0
	for {
		buf := inbox.Tail(recordChunk)
		n, err := s.conn.Read(buf)
		if n > 0 {
			inbox.Commit(n)
			total += n
			l.TraceFrame(trace.DirectionIn, buf[:n])
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, errWouldBlock):
			if total == 0 {
				return 0, engine.ErrWouldBlock
			}
			return total, nil
		case errors.Is(err, io.EOF), errors.Is(err, engine.ErrPeerClosed), sockopt.PeerGone(err):
			s.peerClosed = true
			return total, nil
		default:
			return total, fmt.Errorf("tls read: %w", err)
		}
	}
}

// Send encrypts data and writes every record.
func (x *Layer) Send(l *engine.Link, data []byte) (int, error) {
	s, ok := l.Peer().Ext.(*session)
	if !ok {
		return 0, errNoSession
	}
	n, err := s.conn.Write(data)
	if n > 0 {
		l.TraceFrame(trace.DirectionOut, data[:n])
	}
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, engine.ErrPeerClosed), sockopt.PeerGone(err):
		s.peerClosed = true
		return n, engine.ErrPeerClosed
	default:
		return n, fmt.Errorf("tls write: %w", err)
	}
}

// ConnectionState returns the TLS state of a peer, if it has a session.
func ConnectionState(p *peer.Peer) (tls.ConnectionState, bool) {
	s, ok := p.Ext.(*session)
	if !ok {
		return tls.ConnectionState{}, false
	}
	return s.conn.ConnectionState(), true
}

// verifyChain checks the leaf against roots without matching hostnames.
func verifyChain(certs []*x509.Certificate, roots *x509.CertPool) error {
	if len(certs) == 0 {
		return errors.New("no certificate presented")
	}
	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return fmt.Errorf("certificate chain verification failed: %w", err)
	}
	return nil
}
