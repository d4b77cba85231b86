package engine

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sockport/sockport/pkg/framing"
	"github.com/sockport/sockport/pkg/peer"
	"github.com/sockport/sockport/pkg/resolve"
)

func clientConfig(port int) Config {
	cfg := DefaultConfig()
	cfg.RemoteHost = "127.0.0.1"
	cfg.RemotePort = port
	return cfg
}

func TestReconnectGivesUpAfterAttempts(t *testing.T) {
	cfg := clientConfig(closedPort(t))
	cfg.AutoReconnect = true
	cfg.ReconnectAttempts = 2
	cfg.ReconnectDelay = 0
	m := NewMetrics(nil, "test")
	e, f := newTestEngine(t, cfg, &recorder{}, WithMetrics(m))

	err := e.Map()
	require.Error(t, err)
	require.Len(t, f.errs, 1)
	assert.Equal(t, KindResource, f.errs[0].Kind)
	assert.Contains(t, err.Error(), "giving up after 2 attempts")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectFailures))
	assert.Zero(t, e.PeerCount())
}

func TestConnectWithoutReconnectTriesOnce(t *testing.T) {
	cfg := clientConfig(closedPort(t))
	m := NewMetrics(nil, "test")
	e, f := newTestEngine(t, cfg, &recorder{}, WithMetrics(m))

	require.Error(t, e.Map())
	require.NotNil(t, f.last())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectAttempts))
	assert.Zero(t, testutil.ToFloat64(m.Reconnects))
}

func TestReconnectWaitsOnClock(t *testing.T) {
	cfg := clientConfig(closedPort(t))
	cfg.NotifyConnections = true
	cfg.AutoReconnect = true
	cfg.ReconnectAttempts = 3
	cfg.ReconnectDelay = time.Second
	cfg.ReconnectBackoff = 2

	mock := clock.NewMock()
	start := mock.Now()
	rec := &recorder{}
	e, f := newTestEngine(t, cfg, rec, WithClock(mock))

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				mock.Add(250 * time.Millisecond)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	id, err := e.OpenClientConnection(cfg.RemoteHost, cfg.RemotePort, "", 0)
	require.Error(t, err)
	assert.Equal(t, peer.NoID, id)
	assert.GreaterOrEqual(t, mock.Now().Sub(start), 3*time.Second)
	assert.Equal(t, []peer.ID{peer.NoID}, rec.opened)
	assert.Error(t, rec.openErrs[0])
	assert.Empty(t, f.errs)
}

func TestNotificationModeConnectFailure(t *testing.T) {
	cfg := clientConfig(0)
	cfg.NotifyConnections = true
	rec := &recorder{}
	e, f := newTestEngine(t, cfg, rec)

	require.NoError(t, e.Map())
	_, err := e.OpenClientConnection("127.0.0.1", closedPort(t), "", 0)
	require.Error(t, err)
	require.Len(t, rec.opened, 1)
	assert.Equal(t, peer.NoID, rec.opened[0])
	assert.Error(t, rec.openErrs[0])
	assert.Empty(t, f.errs)
}

func TestNotificationModeConnectSuccess(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := clientConfig(0)
	cfg.NotifyConnections = true
	rec := &recorder{}
	e, _ := newTestEngine(t, cfg, rec)

	id, err := e.OpenClientConnection("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, "127.0.0.1", 0)
	require.NoError(t, err)
	assert.Equal(t, []peer.ID{id}, rec.opened)
	assert.NoError(t, rec.openErrs[0])

	p, ok := e.Peer(id)
	require.True(t, ok)
	assert.Equal(t, peer.Established, p.TCP)
	assert.Equal(t, e.SocketFd(), int(id))
}

func TestClientHaltsOnRemoteClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	rec := &recorder{}
	e, f := newTestEngine(t, clientConfig(ln.Addr().(*net.TCPAddr).Port), rec)
	require.NoError(t, e.Map())
	require.Len(t, rec.opened, 1)

	conn, err := ln.Accept()
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	turnUntil(t, func() bool { return f.last() != nil }, e)
	assert.Equal(t, KindReset, f.last().Kind)
	assert.ErrorIs(t, f.last(), ErrConnectionInterrupted)
	assert.Equal(t, rec.opened, rec.disconnected)
}

func TestClientReconnectsAfterDisconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	halt := false
	cfg := clientConfig(ln.Addr().(*net.TCPAddr).Port)
	cfg.AutoReconnect = true
	cfg.HaltOnReset = &halt
	m := NewMetrics(nil, "test")
	rec := &recorder{}
	e, f := newTestEngine(t, cfg, rec, WithMetrics(m))
	require.NoError(t, e.Map())

	first, err := ln.Accept()
	require.NoError(t, err)
	require.NoError(t, first.Close())

	turnUntil(t, func() bool { return len(rec.opened) == 2 }, e)
	second, err := ln.Accept()
	require.NoError(t, err)
	defer second.Close()

	assert.Len(t, rec.disconnected, 1)
	assert.Equal(t, 1, e.PeerCount())
	assert.True(t, e.Mapped())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Disconnects))
	assert.Empty(t, f.errs)

	_, err = second.Write([]byte("again"))
	require.NoError(t, err)
	turnUntil(t, func() bool { return len(rec.messages) == 1 }, e)
	assert.Equal(t, rec.opened[1], rec.from[0])
}

func TestReconnectAfterDisconnectGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	halt := false
	cfg := clientConfig(ln.Addr().(*net.TCPAddr).Port)
	cfg.AutoReconnect = true
	cfg.ReconnectAttempts = 2
	cfg.ReconnectDelay = 0
	cfg.HaltOnReset = &halt
	m := NewMetrics(nil, "test")
	rec := &recorder{}
	e, f := newTestEngine(t, cfg, rec, WithMetrics(m))
	require.NoError(t, e.Map())
	require.Len(t, rec.opened, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectAttempts))

	conn, err := ln.Accept()
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	require.NoError(t, conn.Close())
	time.Sleep(20 * time.Millisecond)

	if err := e.Send(rec.opened[0], []byte("ping")); err != nil {
		assert.ErrorIs(t, err, ErrPeerClosed)
	}
	turnUntil(t, func() bool { return f.last() != nil }, e)
	assert.Equal(t, KindResource, f.last().Kind)
	assert.ErrorContains(t, f.last(), "giving up after 2 attempts")
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ConnectAttempts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects))
	assert.Equal(t, rec.opened, rec.disconnected)
	assert.Zero(t, e.PeerCount())
	assert.False(t, e.Mapped())
}

func TestServerIgnoresAutoReconnect(t *testing.T) {
	cfg := serverConfig()
	cfg.AutoReconnect = true
	rec := &recorder{}
	e, f, addr := mapServer(t, cfg, rec)
	conn, _ := dialAccepted(t, e, rec, addr)
	require.NoError(t, conn.Close())

	turnUntil(t, func() bool { return len(rec.disconnected) == 1 }, e)
	assert.Zero(t, e.PeerCount())
	assert.Positive(t, e.ListenPort())
	assert.Empty(t, rec.opened)
	assert.Empty(t, f.errs)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		cfg   func() Config
		param string
	}{
		{"client", func() Config { return clientConfig(80) }, ""},
		{"client missing host", func() Config { c := clientConfig(80); c.RemoteHost = ""; return c }, "remote_host"},
		{"client missing port", func() Config { return clientConfig(0) }, "remote_port"},
		{"client bad local port", func() Config { c := clientConfig(80); c.LocalPort = 70000; return c }, "local_port"},
		{"server ephemeral", func() Config { return serverConfig() }, ""},
		{"server bad port", func() Config { c := serverConfig(); c.LocalPort = -1; return c }, "local_port"},
		{"notification mode skips addresses", func() Config { c := clientConfig(0); c.NotifyConnections = true; return c }, ""},
		{"bad header", func() Config {
			c := serverConfig()
			c.Header = &framing.HeaderDescr{LengthSize: 9, Multiplier: 1}
			return c
		}, "header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg()
			err := cfg.Validate()
			if tt.param == "" {
				assert.NoError(t, err)
				return
			}
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.param, ce.Param)
		})
	}
}

func TestConfigHaltsOnResetDefaults(t *testing.T) {
	client := clientConfig(80)
	assert.True(t, client.HaltsOnReset())

	server := serverConfig()
	assert.False(t, server.HaltsOnReset())

	on := true
	server.HaltOnReset = &on
	assert.True(t, server.HaltsOnReset())
}

func TestConfigSetParameter(t *testing.T) {
	cfg := DefaultConfig()
	params := map[string]string{
		"server_mode":              "yes",
		"use_connection_asps":      "on",
		"halt_on_connection_reset": "false",
		"client_tcp_reconnect":     "1",
		"tcp_reconnect_attempts":   "7",
		"tcp_reconnect_delay":      "2.5",
		"reconnect_backoff":        "1.5",
		"nagling":                  "no",
		"use_non_blocking_socket":  "off",
		"server_backlog":           "16",
		"ai_family":                "ipv6",
		"localipaddress":           "::1",
		"serverport":               "9000",
		"destipaddress":            "example.net",
		"destport":                 "9001",
		"retain_buffer":            "true",
		"connect_timeout":          "750ms",
		"header.offset":            "2",
		"header.size":              "2",
		"header.order":             "lsb",
		"header.bias":              "-4",
	}
	for name, value := range params {
		require.NoError(t, cfg.SetParameter(name, value), name)
	}

	assert.True(t, cfg.ServerMode)
	assert.True(t, cfg.NotifyConnections)
	require.NotNil(t, cfg.HaltOnReset)
	assert.False(t, *cfg.HaltOnReset)
	assert.True(t, cfg.AutoReconnect)
	assert.Equal(t, 7, cfg.ReconnectAttempts)
	assert.Equal(t, 2500*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 1.5, cfg.ReconnectBackoff)
	assert.False(t, cfg.Nagle)
	assert.False(t, cfg.NonBlocking)
	assert.Equal(t, 16, cfg.Backlog)
	assert.Equal(t, resolve.IPv6, cfg.Family)
	assert.Equal(t, "::1", cfg.LocalHost)
	assert.Equal(t, 9000, cfg.LocalPort)
	assert.Equal(t, "example.net", cfg.RemoteHost)
	assert.Equal(t, 9001, cfg.RemotePort)
	assert.True(t, cfg.RetainBuffer)
	assert.Equal(t, 750*time.Millisecond, cfg.ConnectTimeout)
	assert.Equal(t, &framing.HeaderDescr{
		LengthOffset: 2,
		LengthSize:   2,
		Order:        framing.LittleEndian,
		Multiplier:   1,
		Bias:         -4,
	}, cfg.Header)
}

func TestConfigSetParameterErrors(t *testing.T) {
	cfg := DefaultConfig()

	var ce *ConfigError
	err := cfg.SetParameter("no_such_thing", "1")
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "unknown parameter", ce.Reason)

	err = cfg.SetParameter("nagle", "maybe")
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "nagle", ce.Param)

	assert.Error(t, cfg.SetParameter("remote_port", "eighty"))
	assert.Error(t, cfg.SetParameter("ai_family", "ipx"))
	assert.Error(t, cfg.SetParameter("header.order", "middle"))
}

func TestParseBoolSpellings(t *testing.T) {
	for _, s := range []string{"yes", "TRUE", "on", "1", " Yes "} {
		v, err := ParseBool(s)
		require.NoError(t, err, s)
		assert.True(t, v, s)
	}
	for _, s := range []string{"no", "False", "OFF", "0"} {
		v, err := ParseBool(s)
		require.NoError(t, err, s)
		assert.False(t, v, s)
	}
	_, err := ParseBool("y")
	assert.Error(t, err)
}
