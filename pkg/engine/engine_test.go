package engine

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sockport/sockport/pkg/framing"
	"github.com/sockport/sockport/pkg/peer"
	"github.com/sockport/sockport/pkg/trace"
)

type traceRecorder struct {
	events []trace.Event
}

func (r *traceRecorder) Log(e trace.Event) { r.events = append(r.events, e) }

func (r *traceRecorder) states(entity trace.StateEntity) []string {
	var out []string
	for _, e := range r.events {
		if e.StateChange != nil && e.StateChange.Entity == entity {
			out = append(out, e.StateChange.NewState)
		}
	}
	return out
}

func TestHelloMessage(t *testing.T) {
	cfg := serverConfig()
	cfg.Header = &framing.HeaderDescr{LengthSize: 4, Order: framing.BigEndian, Multiplier: 1, Bias: 4}
	rec := &recorder{}
	e, f, addr := mapServer(t, cfg, rec)

	conn, id := dialAccepted(t, e, rec, addr)
	_, err := conn.Write([]byte("\x00\x00\x00\x05hello"))
	require.NoError(t, err)

	turnUntil(t, func() bool { return len(rec.messages) == 1 }, e)
	assert.Equal(t, "hello", string(rec.messages[0][4:]))
	assert.Len(t, rec.messages[0], 9)
	assert.Equal(t, id, rec.from[0])

	inbox, ok := e.Inbox(id)
	require.True(t, ok)
	assert.Zero(t, inbox.Len())
	assert.Empty(t, f.errs)
}

func TestEchoBetweenEngines(t *testing.T) {
	header := framing.LengthPrefix4()

	srvRec := &recorder{}
	srvCfg := serverConfig()
	srvCfg.Header = &header
	srv, srvFatals, _ := mapServer(t, srvCfg, srvRec)
	srvRec.onMessage = func(msg []byte, id peer.ID) {
		require.NoError(t, srv.Send(id, msg))
	}

	cliRec := &recorder{}
	cliCfg := DefaultConfig()
	cliCfg.Header = &header
	cliCfg.RemoteHost = "127.0.0.1"
	cliCfg.RemotePort = srv.ListenPort()
	cli, cliFatals := newTestEngine(t, cliCfg, cliRec)
	require.NoError(t, cli.Map())
	require.Len(t, cliRec.opened, 1)
	require.NoError(t, cliRec.openErrs[0])
	assert.Equal(t, int(cliRec.opened[0]), cli.SocketFd())

	frame, err := header.Encode([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, cli.Send(peer.Unspecified, frame))

	turnUntil(t, func() bool { return len(cliRec.messages) == 1 }, srv, cli)
	assert.Equal(t, frame, cliRec.messages[0])
	assert.Len(t, srvRec.connected, 1)
	assert.Empty(t, srvFatals.errs)
	assert.Empty(t, cliFatals.errs)
}

func TestRemovePeerTwiceIsFatal(t *testing.T) {
	rec := &recorder{}
	e, f, addr := mapServer(t, serverConfig(), rec)
	_, id := dialAccepted(t, e, rec, addr)

	require.NoError(t, e.RemovePeer(id))
	assert.Zero(t, e.PeerCount())
	assert.Empty(t, rec.disconnected, "local removal is not reported")

	err := e.RemovePeer(id)
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindProgramming, fe.Kind)
	assert.ErrorIs(t, err, peer.ErrUnknownPeer)
	assert.Len(t, f.errs, 1)
}

func TestDefaultFatalPanics(t *testing.T) {
	e, err := New(DefaultConfig(), nil, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer e.Close()

	defer func() {
		fe, ok := recover().(*FatalError)
		require.True(t, ok, "expected a *FatalError panic")
		assert.Equal(t, KindProgramming, fe.Kind)
		assert.ErrorIs(t, fe, peer.ErrUnknownPeer)
	}()
	e.RemovePeer(12345)
	t.Error("RemovePeer of an unknown peer returned")
}

func TestMapValidatesConfig(t *testing.T) {
	e, f := newTestEngine(t, DefaultConfig(), nil)
	err := e.Map()
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "remote_host", ce.Param)
	require.NotNil(t, f.last())
	assert.Equal(t, KindConfig, f.last().Kind)
	assert.False(t, e.Mapped())
}

func TestNotificationModeMapOpensNothing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NotifyConnections = true
	rec := &recorder{}
	e, f := newTestEngine(t, cfg, rec)
	require.NoError(t, e.Map())
	assert.True(t, e.Mapped())
	assert.Equal(t, -1, e.ListenPort())
	assert.Equal(t, -1, e.SocketFd())

	port, err := e.OpenListener("127.0.0.1", 0)
	require.NoError(t, err)
	assert.Equal(t, []int{port}, rec.listeners)
	assert.Empty(t, f.errs)
}

func TestNotificationModeListenerFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := DefaultConfig()
	cfg.NotifyConnections = true
	rec := &recorder{}
	e, f := newTestEngine(t, cfg, rec)

	port, err := e.OpenListener("127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
	assert.Error(t, err)
	assert.Equal(t, -1, port)
	assert.Equal(t, []int{-1}, rec.listeners)
	assert.Error(t, rec.listenErrs[0])
	assert.Empty(t, f.errs)
}

func TestListenerFailureIsFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := serverConfig()
	cfg.LocalPort = ln.Addr().(*net.TCPAddr).Port
	e, f := newTestEngine(t, cfg, nil)

	require.Error(t, e.Map())
	require.NotNil(t, f.last())
	assert.Equal(t, KindResource, f.last().Kind)
}

func TestSocketFdAndListenPort(t *testing.T) {
	rec := &recorder{}
	e, _, _ := mapServer(t, serverConfig(), rec)
	assert.GreaterOrEqual(t, e.SocketFd(), 0)

	require.NoError(t, e.CloseListener())
	assert.Equal(t, -1, e.ListenPort())
	assert.Equal(t, -1, e.SocketFd())
	require.NoError(t, e.CloseListener())
}

func TestServerContinuesAfterPeerLeaves(t *testing.T) {
	rec := &recorder{}
	e, f, addr := mapServer(t, serverConfig(), rec)

	first, firstID := dialAccepted(t, e, rec, addr)
	second, secondID := dialAccepted(t, e, rec, addr)
	assert.Equal(t, 2, e.PeerCount())

	require.NoError(t, first.Close())
	turnUntil(t, func() bool { return len(rec.disconnected) == 1 }, e)
	assert.Equal(t, []peer.ID{firstID}, rec.disconnected)
	assert.Empty(t, f.errs, "servers do not halt on reset by default")

	_, err := second.Write([]byte("still here"))
	require.NoError(t, err)
	turnUntil(t, func() bool { return len(rec.messages) == 1 }, e)
	assert.Equal(t, secondID, rec.from[0])
}

func TestRetainBufferLeavesInbox(t *testing.T) {
	cfg := serverConfig()
	cfg.RetainBuffer = true
	rec := &recorder{}
	e, _, addr := mapServer(t, cfg, rec)
	conn, id := dialAccepted(t, e, rec, addr)

	_, err := conn.Write([]byte("abc"))
	require.NoError(t, err)
	turnUntil(t, func() bool { return len(rec.messages) == 1 }, e)

	_, err = conn.Write([]byte("def"))
	require.NoError(t, err)
	turnUntil(t, func() bool { return len(rec.messages) == 2 }, e)
	assert.Equal(t, "abcdef", string(rec.messages[1]))

	inbox, ok := e.Inbox(id)
	require.True(t, ok)
	inbox.Discard(inbox.Len())
	assert.Zero(t, inbox.Len())
}

func TestFramingViolationIsFatal(t *testing.T) {
	cfg := serverConfig()
	h := framing.LengthPrefix4()
	cfg.Header = &h
	rec := &recorder{}
	e, f, addr := mapServer(t, cfg, rec)
	conn, _ := dialAccepted(t, e, rec, addr)

	_, err := conn.Write([]byte{0, 0, 0, 1})
	require.NoError(t, err)
	turnUntil(t, func() bool { return len(f.errs) > 0 }, e)
	assert.Equal(t, KindFraming, f.last().Kind)
	assert.ErrorIs(t, f.last(), framing.ErrInvalidLength)
}

func TestReactorRegistration(t *testing.T) {
	r := &mockReactor{}
	r.On("WatchRead", mock.Anything, mock.Anything).Return()
	r.On("UnwatchAll", mock.Anything).Return()

	cfg := DefaultConfig()
	cfg.NotifyConnections = true
	e, f := newTestEngine(t, cfg, nil, WithReactor(r))
	require.Nil(t, e.Poller())

	_, err := e.OpenListener("127.0.0.1", 0)
	require.NoError(t, err)
	fd := e.listenFd
	r.AssertCalled(t, "WatchRead", fd, e)

	require.NoError(t, e.CloseListener())
	r.AssertCalled(t, "UnwatchAll", fd)
	assert.Empty(t, f.errs)
}

func TestTraceRecordsLifecycle(t *testing.T) {
	tr := &traceRecorder{}
	rec := &recorder{}
	e, _, addr := mapServer(t, serverConfig(), rec, WithTrace(tr))
	conn, _ := dialAccepted(t, e, rec, addr)

	_, err := conn.Write([]byte("x"))
	require.NoError(t, err)
	turnUntil(t, func() bool { return len(rec.messages) == 1 }, e)
	require.NoError(t, conn.Close())
	turnUntil(t, func() bool { return len(rec.disconnected) == 1 }, e)

	assert.Equal(t, []string{"LISTENING"}, tr.states(trace.StateEntityListener))
	assert.Equal(t, []string{"ESTABLISHED", "CLOSE_WAIT", "CLOSED"}, tr.states(trace.StateEntityTCP))

	var frames int
	for _, ev := range tr.events {
		if ev.Frame != nil && ev.Direction == trace.DirectionIn {
			frames++
			assert.NotEmpty(t, ev.ConnectionID)
			assert.Equal(t, trace.RoleServer, ev.LocalRole)
		}
	}
	assert.Equal(t, 2, frames, "one socket frame and one message")
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")
	rec := &recorder{}
	e, _, addr := mapServer(t, serverConfig(), rec, WithMetrics(m))

	conn, _ := dialAccepted(t, e, rec, addr)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Accepted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Peers))

	_, err := conn.Write([]byte("12345"))
	require.NoError(t, err)
	turnUntil(t, func() bool { return len(rec.messages) == 1 }, e)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.BytesIn))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MessagesIn))

	require.NoError(t, conn.Close())
	turnUntil(t, func() bool { return len(rec.disconnected) == 1 }, e)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Peers))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Disconnects))

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.inc(accepted)
	m.add(bytesIn, 10)
	m.peers(1)
}

func TestFatalErrorFormatting(t *testing.T) {
	err := &FatalError{Kind: KindTLS, Peer: 7, Op: "attach", Err: errors.New("bad certificate")}
	assert.Equal(t, "sockport: fatal tls error in attach (peer 7): bad certificate", err.Error())
	noPeer := &FatalError{Kind: KindConfig, Peer: peer.NoID, Op: "map", Err: errors.New("x")}
	assert.Equal(t, "sockport: fatal config error in map: x", noPeer.Error())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestWaitStateNotify(t *testing.T) {
	w := &waitState{events: unix.POLLOUT}
	w.notify(true, false, false)
	assert.False(t, w.ready)
	w.notify(false, true, false)
	assert.True(t, w.ready)

	r := &waitState{events: unix.POLLIN}
	r.notify(false, false, true)
	assert.True(t, r.ready)
}

func TestTurnUsesReactor(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig(), nil)
	start := time.Now()
	require.NoError(t, e.Turn(10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}
