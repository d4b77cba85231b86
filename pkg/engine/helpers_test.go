package engine

import (
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sockport/sockport/pkg/peer"
	"github.com/sockport/sockport/pkg/poller"
)

// recorder is a Handler that remembers every callback.
type recorder struct {
	BaseHandler

	messages     [][]byte
	from         []peer.ID
	connected    []peer.ID
	opened       []peer.ID
	openErrs     []error
	listeners    []int
	listenErrs   []error
	disconnected []peer.ID
	halfClosed   []peer.ID
	reports      []*SendError

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

func (r *recorder) ConnectionOpened(id peer.ID, err error) {
	r.opened = append(r.opened, id)
	r.openErrs = append(r.openErrs, err)
}

func (r *recorder) ListenerOpened(port int, err error) {
	r.listeners = append(r.listeners, port)
	r.listenErrs = append(r.listenErrs, err)
}

func (r *recorder) PeerDisconnected(id peer.ID) { r.disconnected = append(r.disconnected, id) }
func (r *recorder) PeerHalfClosed(id peer.ID)   { r.halfClosed = append(r.halfClosed, id) }
func (r *recorder) ReportError(err *SendError)  { r.reports = append(r.reports, err) }

// fatals collects fatal errors instead of panicking.
type fatals struct {
	errs []*FatalError
}

func (f *fatals) record(err *FatalError) { f.errs = append(f.errs, err) }

func (f *fatals) last() *FatalError {
	if len(f.errs) == 0 {
		return nil
	}
	return f.errs[len(f.errs)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, cfg Config, h Handler, opts ...Option) (*Engine, *fatals) {
	t.Helper()
	f := &fatals{}
	all := append([]Option{WithLogger(quietLogger()), WithFatalFunc(f.record)}, opts...)
	e, err := New(cfg, h, all...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, f
}

func serverConfig() Config {
	cfg := DefaultConfig()
	cfg.ServerMode = true
	cfg.LocalHost = "127.0.0.1"
	cfg.Backlog = 4
	return cfg
}

// turnUntil drives the engines until cond holds or the deadline passes.
func turnUntil(t *testing.T, cond func() bool, engines ...*Engine) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		for _, e := range engines {
			require.NoError(t, e.Turn(5*time.Millisecond))
		}
	}
}

// mapServer starts a listening engine and returns it with its address.
func mapServer(t *testing.T, cfg Config, h Handler, opts ...Option) (*Engine, *fatals, string) {
	t.Helper()
	e, f := newTestEngine(t, cfg, h, opts...)
	require.NoError(t, e.Map())
	require.Positive(t, e.ListenPort())
	return e, f, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(e.ListenPort())).String()
}

// dialAccepted connects a plain client to the engine and waits for the accept.
func dialAccepted(t *testing.T, e *Engine, rec *recorder, addr string) (*net.TCPConn, peer.ID) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	before := len(rec.connected)
	turnUntil(t, func() bool { return len(rec.connected) > before }, e)
	return conn.(*net.TCPConn), rec.connected[len(rec.connected)-1]
}

// closedPort returns a loopback port with nothing listening on it.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// mockReactor records registrations without polling.
type mockReactor struct{ mock.Mock }

func (m *mockReactor) WatchRead(fd int, h poller.Handler)  { m.Called(fd, h) }
func (m *mockReactor) WatchWrite(fd int, h poller.Handler) { m.Called(fd, h) }
func (m *mockReactor) UnwatchRead(fd int)                  { m.Called(fd) }
func (m *mockReactor) UnwatchWrite(fd int)                 { m.Called(fd) }
func (m *mockReactor) UnwatchAll(fd int)                   { m.Called(fd) }
func (m *mockReactor) Turn(timeout time.Duration) error    { return m.Called(timeout).Error(0) }
