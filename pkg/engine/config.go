package engine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sockport/sockport/pkg/framing"
	"github.com/sockport/sockport/pkg/resolve"
)

// Default configuration values.
const (
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 1 * time.Second
	DefaultBacklog           = 1
	DefaultWaitSlice         = 100 * time.Millisecond
	DefaultMaxWaitDepth      = 8
)

// Config controls an Engine. It must be complete before Map.
type Config struct {
	// Debug enables per-syscall debug records.
	Debug bool `yaml:"debug" toml:"debug"`

	// ServerMode makes Map open a listener instead of a client connection.
	ServerMode bool `yaml:"server_mode" toml:"server_mode"`

	// NotifyConnections makes Map open nothing. Connection and listener
	// outcomes are reported through Handler callbacks instead of being fatal.
	NotifyConnections bool `yaml:"notify_connections" toml:"notify_connections"`

	// HaltOnReset escalates a lost connection to a fatal error. Unset means
	// true for clients and false for servers.
	HaltOnReset *bool `yaml:"halt_on_reset" toml:"halt_on_reset"`

	// HandleHalfClose keeps half-closed peers and reports PeerHalfClosed.
	HandleHalfClose bool `yaml:"handle_half_close" toml:"handle_half_close"`

	// AutoReconnect retries failed connects and reopens a lost client
	// connection, up to ReconnectAttempts tries in total.
	AutoReconnect     bool `yaml:"auto_reconnect" toml:"auto_reconnect"`
	ReconnectAttempts int  `yaml:"reconnect_attempts" toml:"reconnect_attempts"`
	// ReconnectDelay is slept between attempts on the engine's goroutine.
	// No socket is serviced during the sleep, so listeners and other peers
	// stall for the whole retry sequence.
	ReconnectDelay time.Duration `yaml:"reconnect_delay" toml:"reconnect_delay"`
	// ReconnectBackoff multiplies the delay after each attempt; 1 keeps it fixed.
	ReconnectBackoff float64 `yaml:"reconnect_backoff" toml:"reconnect_backoff"`

	// Nagle leaves Nagle's algorithm on. When false TCP_NODELAY is set.
	Nagle bool `yaml:"nagle" toml:"nagle"`

	// NonBlocking selects non-blocking sockets with backpressure handling.
	NonBlocking bool `yaml:"non_blocking" toml:"non_blocking"`

	Backlog int            `yaml:"backlog" toml:"backlog"`
	Family  resolve.Family `yaml:"address_family" toml:"address_family"`

	LocalHost  string `yaml:"local_host" toml:"local_host"`
	LocalPort  int    `yaml:"local_port" toml:"local_port"`
	RemoteHost string `yaml:"remote_host" toml:"remote_host"`
	RemotePort int    `yaml:"remote_port" toml:"remote_port"`

	// RetainBuffer leaves delivered bytes in the inbox; the handler consumes
	// them through Engine.Inbox.
	RetainBuffer bool `yaml:"retain_buffer" toml:"retain_buffer"`

	// Header selects header-delimited framing. Nil delivers whatever arrived.
	Header *framing.HeaderDescr `yaml:"header" toml:"header"`

	// ConnectTimeout bounds one connect attempt. Zero waits for the kernel.
	ConnectTimeout time.Duration `yaml:"connect_timeout" toml:"connect_timeout"`

	// WaitSlice is the reactor timeout used by cooperative waits.
	WaitSlice time.Duration `yaml:"wait_slice" toml:"wait_slice"`

	// MaxWaitDepth bounds nested cooperative waits; deeper waits poll their
	// own socket directly.
	MaxWaitDepth int `yaml:"max_wait_depth" toml:"max_wait_depth"`
}

// DefaultConfig returns a client configuration with every default applied.
func DefaultConfig() Config {
	return Config{
		ReconnectAttempts: DefaultReconnectAttempts,
		ReconnectDelay:    DefaultReconnectDelay,
		ReconnectBackoff:  1,
		Nagle:             true,
		NonBlocking:       true,
		Backlog:           DefaultBacklog,
		WaitSlice:         DefaultWaitSlice,
		MaxWaitDepth:      DefaultMaxWaitDepth,
	}
}

// withDefaults fills zero values that have no meaning of their own.
func (c Config) withDefaults() Config {
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelay < 0 {
		c.ReconnectDelay = 0
	}
	if c.ReconnectBackoff < 1 {
		c.ReconnectBackoff = 1
	}
	if c.Backlog <= 0 {
		c.Backlog = DefaultBacklog
	}
	if c.WaitSlice <= 0 {
		c.WaitSlice = DefaultWaitSlice
	}
	if c.MaxWaitDepth <= 0 {
		c.MaxWaitDepth = DefaultMaxWaitDepth
	}
	return c
}

// Validate checks the parameters Map needs for the selected mode.
func (c *Config) Validate() error {
	if c.Header != nil {
		if err := c.Header.Validate(); err != nil {
			return &ConfigError{Param: "header", Reason: err.Error()}
		}
	}
	if c.NotifyConnections {
		return nil
	}
	if c.ServerMode {
		if c.LocalPort < 0 || c.LocalPort > 65535 {
			return &ConfigError{Param: "local_port", Reason: fmt.Sprintf("invalid port %d", c.LocalPort)}
		}
		return nil
	}
	if c.RemoteHost == "" {
		return &ConfigError{Param: "remote_host", Reason: "must be set in client mode"}
	}
	if c.RemotePort <= 0 || c.RemotePort > 65535 {
		return &ConfigError{Param: "remote_port", Reason: "must be set in client mode"}
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return &ConfigError{Param: "local_port", Reason: fmt.Sprintf("invalid port %d", c.LocalPort)}
	}
	return nil
}

// HaltsOnReset resolves HaltOnReset against the mode.
func (c *Config) HaltsOnReset() bool {
	if c.HaltOnReset != nil {
		return *c.HaltOnReset
	}
	return !c.ServerMode
}

// SetParameter sets one parameter by its configuration key. Booleans accept
// yes/no, true/false, on/off and 1/0.
func (c *Config) SetParameter(name, value string) error {
	var err error
	switch strings.ToLower(name) {
	case "debug", "socket_debugging":
		c.Debug, err = ParseBool(value)
	case "server_mode", "server_backlog_mode":
		c.ServerMode, err = ParseBool(value)
	case "notify_connections", "use_connection_asps":
		c.NotifyConnections, err = ParseBool(value)
	case "halt_on_reset", "halt_on_connection_reset":
		var v bool
		if v, err = ParseBool(value); err == nil {
			c.HaltOnReset = &v
		}
	case "handle_half_close":
		c.HandleHalfClose, err = ParseBool(value)
	case "auto_reconnect", "client_tcp_reconnect":
		c.AutoReconnect, err = ParseBool(value)
	case "reconnect_attempts", "tcp_reconnect_attempts":
		c.ReconnectAttempts, err = strconv.Atoi(value)
	case "reconnect_delay", "tcp_reconnect_delay":
		c.ReconnectDelay, err = parseDuration(value)
	case "reconnect_backoff":
		c.ReconnectBackoff, err = strconv.ParseFloat(value, 64)
	case "nagle", "nagling":
		c.Nagle, err = ParseBool(value)
	case "non_blocking", "use_non_blocking_socket":
		c.NonBlocking, err = ParseBool(value)
	case "backlog", "server_backlog":
		c.Backlog, err = strconv.Atoi(value)
	case "address_family", "ai_family":
		c.Family, err = resolve.ParseFamily(value)
	case "local_host", "localipaddress":
		c.LocalHost = value
	case "local_port", "localport", "serverport":
		c.LocalPort, err = strconv.Atoi(value)
	case "remote_host", "remoteaddress", "destipaddress":
		c.RemoteHost = value
	case "remote_port", "remoteport", "destport":
		c.RemotePort, err = strconv.Atoi(value)
	case "retain_buffer":
		c.RetainBuffer, err = ParseBool(value)
	case "connect_timeout":
		c.ConnectTimeout, err = parseDuration(value)
	case "wait_slice":
		c.WaitSlice, err = parseDuration(value)
	case "max_wait_depth":
		c.MaxWaitDepth, err = strconv.Atoi(value)
	case "header.offset", "header.size", "header.order", "header.multiplier", "header.bias":
		err = c.setHeader(strings.TrimPrefix(strings.ToLower(name), "header."), value)
	default:
		return &ConfigError{Param: name, Reason: "unknown parameter"}
	}
	if err != nil {
		return &ConfigError{Param: name, Reason: err.Error()}
	}
	return nil
}

func (c *Config) setHeader(field, value string) error {
	if c.Header == nil {
		c.Header = &framing.HeaderDescr{Multiplier: 1}
	}
	var err error
	switch field {
	case "offset":
		c.Header.LengthOffset, err = strconv.Atoi(value)
	case "size":
		c.Header.LengthSize, err = strconv.Atoi(value)
	case "order":
		c.Header.Order, err = framing.ParseByteOrder(value)
	case "multiplier":
		c.Header.Multiplier, err = strconv.ParseUint(value, 10, 64)
	case "bias":
		c.Header.Bias, err = strconv.ParseInt(value, 10, 64)
	}
	return err
}

// ParseBool parses the boolean spellings accepted in configuration.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "true", "on", "1":
		return true, nil
	case "no", "false", "off", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}

// parseDuration accepts Go durations and bare numbers of seconds.
func parseDuration(s string) (time.Duration, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
