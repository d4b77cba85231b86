package tlslayer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sockport/sockport/pkg/engine"
	"github.com/sockport/sockport/pkg/peer"
)

// testPKI is a self-signed ECDSA identity written to a temp dir.
type testPKI struct {
	certFile string
	keyFile  string
	key      *ecdsa.PrivateKey
	cert     *x509.Certificate
	pair     tls.Certificate
	keyDER   []byte
}

func newPKI(t *testing.T, cn string) *testPKI {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	p := &testPKI{
		certFile: filepath.Join(dir, cn+".crt"),
		keyFile:  filepath.Join(dir, cn+".key"),
		key:      key,
		cert:     cert,
		keyDER:   keyDER,
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(p.certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(p.keyFile, keyPEM, 0o600))
	p.pair, err = tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return p
}

// config trusts only this identity.
func (p *testPKI) config() Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.KeyFile = p.keyFile
	cfg.CertFile = p.certFile
	cfg.CAFile = p.certFile
	return cfg
}

func (p *testPKI) pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(p.cert)
	return pool
}

// recorder is an engine.Handler that remembers callbacks.
type recorder struct {
	engine.BaseHandler

	messages     [][]byte
	from         []peer.ID
	connected    []peer.ID
	opened       []peer.ID
	disconnected []peer.ID
	seen         []*x509.Certificate

	verify    func(cert *x509.Certificate) bool
	onMessage func(msg []byte, id peer.ID)
}

func (r *recorder) MessageIncoming(msg []byte, id peer.ID) {
	r.messages = append(r.messages, append([]byte(nil), msg...))
	r.from = append(r.from, id)
	if r.onMessage != nil {
		r.onMessage(msg, id)
	}
}

func (r *recorder) PeerConnected(id peer.ID, _ netip.AddrPort) { r.connected = append(r.connected, id) }
func (r *recorder) ConnectionOpened(id peer.ID, _ error) { r.opened = append(r.opened, id) }
func (r *recorder) PeerDisconnected(id peer.ID) { r.disconnected = append(r.disconnected, id) }

func (r *recorder) VerifyPeerCertificate(_ peer.ID, cert *x509.Certificate) bool {
	r.seen = append(r.seen, cert)
	if r.verify == nil {
		return true
	}
	return r.verify(cert)
}

type fatals struct {
	errs []*engine.FatalError
}

func (f *fatals) record(err *engine.FatalError) { f.errs = append(f.errs, err) }

func (f *fatals) last() *engine.FatalError {
	if len(f.errs) == 0 {
		return nil
	}
	return f.errs[len(f.errs)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(t *testing.T, cfg engine.Config, h engine.Handler, layer *Layer, opts ...engine.Option) (*engine.Engine, *fatals) {
	t.Helper()
	f := &fatals{}
	all := append([]engine.Option{
		engine.WithLogger(quietLogger()),
		engine.WithFatalFunc(f.record),
		engine.WithExtension(layer),
	}, opts...)
	e, err := engine.New(cfg, h, all...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, f
}

// tlsServerEngine maps a listening engine with the TLS layer.
func tlsServerEngine(t *testing.T, tcfg Config, h engine.Handler, opts ...engine.Option) (*engine.Engine, *fatals, string) {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.ServerMode = true
	cfg.LocalHost = "127.0.0.1"
	cfg.Backlog = 4
	e, f := newEngine(t, cfg, h, New(tcfg, quietLogger()), opts...)
	require.NoError(t, e.Map())
	addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(e.ListenPort()))
	return e, f, addr.String()
}

func turnUntil(t *testing.T, cond func() bool, e *engine.Engine) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		require.NoError(t, e.Turn(5*time.Millisecond))
	}
}

// dialTLS connects a crypto/tls client while the engine is turned.
func dialTLS(t *testing.T, e *engine.Engine, addr string, cfg *tls.Config) (*tls.Conn, error) {
	t.Helper()
	type result struct {
		conn *tls.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := tls.Dial("tcp", addr, cfg)
		ch <- result{conn, err}
	}()
	var r result
	done := false
	turnUntil(t, func() bool {
		select {
		case r = <-ch:
			done = true
		default:
		}
		return done
	}, e)
	if r.conn != nil {
		t.Cleanup(func() { r.conn.Close() })
	}
	return r.conn, r.err
}

// goTLSServer runs a crypto/tls listener that hands out handshaken conns.
func goTLSServer(t *testing.T, cfg *tls.Config) (int, <-chan *tls.Conn) {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	conns := make(chan *tls.Conn, 8)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			tc := c.(*tls.Conn)
			go func() {
				if err := tc.Handshake(); err != nil {
					tc.Close()
					return
				}
				conns <- tc
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, conns
}

func clientEngineConfig(port int) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.RemoteHost = "127.0.0.1"
	cfg.RemotePort = port
	return cfg
}
