package engine

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/sockport/sockport/pkg/framing"
	"github.com/sockport/sockport/pkg/peer"
	"github.com/sockport/sockport/pkg/poller"
	"github.com/sockport/sockport/pkg/resolve"
	"github.com/sockport/sockport/pkg/sockopt"
	"github.com/sockport/sockport/pkg/trace"
)

// Reactor is the readiness loop the engine registers its sockets with.
// poller.Poller implements it.
type Reactor interface {
	WatchRead(fd int, h poller.Handler)
	WatchWrite(fd int, h poller.Handler)
	UnwatchRead(fd int)
	UnwatchWrite(fd int)
	UnwatchAll(fd int)
	Turn(timeout time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithReactor sets the reactor. By default the engine creates a
// poller.Poller and closes it in Close.
func WithReactor(r Reactor) Option {
	return func(e *Engine) { e.reactor = r }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTrace sets the protocol trace logger.
func WithTrace(t trace.Logger) Option {
	return func(e *Engine) { e.trace = t }
}

// WithExtension layers x over every connection.
func WithExtension(x Extension) Option {
	return func(e *Engine) { e.ext = x }
}

// WithResolver sets the address resolver.
func WithResolver(r resolve.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the clock used between reconnect attempts.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithFatalFunc sets the fatal error sink.
func WithFatalFunc(f FatalFunc) Option {
	return func(e *Engine) { e.onFatal = f }
}

// Engine owns the sockets of one test port. It is not safe for concurrent
// use: every method must be called from the goroutine driving the reactor.
type Engine struct {
	cfg      Config
	handler  Handler
	reactor  Reactor
	ownedPol *poller.Poller
	ext      Extension
	resolver resolve.Resolver
	logger   *slog.Logger
	trace    trace.Logger
	metrics  *Metrics
	clock    clock.Clock
	onFatal  FatalFunc

	assembler *framing.Assembler
	peers     *peer.Registry
	links     map[peer.ID]*Link
	waits     map[int]*waitState
	waitDepth int

	listenFd   int
	listenPort int
	mapped     bool

	warnings rate.Sometimes
}

// New creates an engine. cfg should start from DefaultConfig.
func New(cfg Config, h Handler, opts ...Option) (*Engine, error) {
	if h == nil {
		h = BaseHandler{}
	}
	e := &Engine{
		cfg:      cfg.withDefaults(),
		handler:  h,
		resolver: resolve.NetResolver{},
		logger:   slog.Default(),
		trace:    trace.NoopLogger{},
		clock:    clock.New(),
		onFatal:  PanicOnFatal,
		peers:    peer.NewRegistry(),
		links:    make(map[peer.ID]*Link),
		waits:    make(map[int]*waitState),
		listenFd: -1,
		warnings: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")

	asm, err := framing.NewAssembler(e.cfg.Header, e.cfg.RetainBuffer)
	if err != nil {
		return nil, &ConfigError{Param: "header", Reason: err.Error()}
	}
	e.assembler = asm

	if e.reactor == nil {
		p, err := poller.New()
		if err != nil {
			return nil, fmt.Errorf("create poller: %w", err)
		}
		e.reactor, e.ownedPol = p, p
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Reactor returns the reactor driving the engine.
func (e *Engine) Reactor() Reactor { return e.reactor }

// Poller returns the engine-created poller, or nil when WithReactor was used.
func (e *Engine) Poller() *poller.Poller { return e.ownedPol }

// Turn runs one reactor iteration.
func (e *Engine) Turn(timeout time.Duration) error { return e.reactor.Turn(timeout) }

// Mapped reports whether Map succeeded and Unmap has not run since.
func (e *Engine) Mapped() bool { return e.mapped }

// Map validates the configuration and, unless notification mode is on,
// opens the listener (server mode) or the client connection.
func (e *Engine) Map() error {
	if err := e.cfg.Validate(); err != nil {
		return e.fatal(KindConfig, peer.NoID, "map", err)
	}
	if e.ext != nil {
		if err := e.ext.Validate(e.cfg.ServerMode); err != nil {
			return e.fatal(KindConfig, peer.NoID, "map", err)
		}
	}
	e.mapped = true
	if e.cfg.NotifyConnections {
		return nil
	}
	if e.cfg.ServerMode {
		_, err := e.OpenListener(e.cfg.LocalHost, e.cfg.LocalPort)
		return err
	}
	_, err := e.OpenClientConnection(e.cfg.RemoteHost, e.cfg.RemotePort, e.cfg.LocalHost, e.cfg.LocalPort)
	return err
}

// Unmap removes every peer and closes the listener.
func (e *Engine) Unmap() error {
	err := multierr.Append(e.RemoveAllPeers(), e.CloseListener())
	e.mapped = false
	return err
}

// Close unmaps and releases the engine-created poller.
func (e *Engine) Close() error {
	err := e.Unmap()
	if e.ownedPol != nil {
		err = multierr.Append(err, e.ownedPol.Close())
		e.ownedPol = nil
	}
	return err
}

// Peer returns a registered peer.
func (e *Engine) Peer(id peer.ID) (*peer.Peer, bool) { return e.peers.Get(id) }

// PeerCount returns the number of registered peers.
func (e *Engine) PeerCount() int { return e.peers.Len() }

// PeerIDs returns the registered ids in ascending order.
func (e *Engine) PeerIDs() []peer.ID { return e.peers.IDs() }

// ListenPort returns the bound listener port, or -1 without a listener.
func (e *Engine) ListenPort() int {
	if e.listenFd < 0 {
		return -1
	}
	return e.listenPort
}

// SocketFd returns the listener handle in server mode, otherwise the first
// peer's handle. It returns -1 when there is none.
func (e *Engine) SocketFd() int {
	if e.cfg.ServerMode {
		return e.listenFd
	}
	if id, ok := e.peers.First(); ok {
		return int(id)
	}
	return -1
}

// Inbox returns a peer's receive buffer for callers that consume it
// themselves with RetainBuffer.
func (e *Engine) Inbox(id peer.ID) (*framing.Buffer, bool) {
	p, ok := e.peers.Get(id)
	if !ok {
		return nil, false
	}
	return &p.Inbox, true
}

// fatal reports an unrecoverable error and returns it for call sites whose
// FatalFunc returns.
func (e *Engine) fatal(kind Kind, id peer.ID, op string, err error) error {
	fe := &FatalError{Kind: kind, Peer: id, Op: op, Err: err}
	e.logger.Error("fatal error", "kind", kind.String(), "peer", int(id), "op", op, "error", err)
	layer := trace.LayerSocket
	switch kind {
	case KindTLS:
		layer = trace.LayerTLS
	case KindFraming:
		layer = trace.LayerFraming
	}
	ev := trace.Event{
		Timestamp: time.Now(),
		PeerID:    int(id),
		Layer:     layer,
		Category:  trace.CategoryError,
		Error:     &trace.ErrorEventData{Layer: layer, Message: err.Error(), Fatal: true, Context: op},
	}
	if l, ok := e.links[id]; ok {
		ev.ConnectionID = l.p.ConnID
		ev.LocalRole = l.role
		ev.RemoteAddr = l.p.Remote.String()
	}
	e.trace.Log(ev)
	e.onFatal(fe)
	return fe
}

// addPeer registers a connected socket.
func (e *Engine) addPeer(fd int, remote netip.AddrPort, role trace.Role) (*Link, error) {
	p, err := e.peers.Add(peer.ID(fd))
	if err != nil {
		return nil, e.fatal(KindProgramming, peer.ID(fd), "register peer", err)
	}
	p.ConnID = uuid.NewString()
	p.Remote = remote
	l := &Link{e: e, p: p, role: role}
	e.links[p.ID] = l
	e.metrics.peers(1)
	e.traceState(l, trace.LayerSocket, trace.StateEntityTCP, "", p.TCP.String(), role.String())
	if e.cfg.Debug {
		e.logger.Debug("peer registered", "peer", fd, "remote", remote.String(), "role", role.String())
	}
	return l, nil
}

// dropPeer tears a peer down. A peer with a send or handshake wait in
// progress is only marked; the waiting call finishes the removal.
func (e *Engine) dropPeer(l *Link, reason string) error {
	if cur, ok := e.peers.Get(l.p.ID); !ok || cur != l.p {
		return nil
	}
	if l.waiting > 0 {
		l.removeRequested = true
		e.reactor.UnwatchRead(l.Fd())
		e.setReading(l, peer.DontClose, reason)
		return nil
	}

	fd := l.Fd()
	e.reactor.UnwatchAll(fd)
	if e.ext != nil && l.p.Ext != nil {
		l.Quiet()
		e.ext.Detach(l)
		l.p.Ext = nil
	}
	if _, err := e.peers.Remove(l.p.ID); err != nil {
		return e.fatal(KindProgramming, l.p.ID, "remove peer", err)
	}
	delete(e.links, l.p.ID)
	err := sockopt.Close(fd)
	if err != nil {
		e.logger.Warn("close failed", "peer", fd, "error", err)
		err = fmt.Errorf("close peer %d: %w", fd, err)
	}
	e.metrics.peers(-1)
	e.traceState(l, trace.LayerSocket, trace.StateEntityTCP, l.p.TCP.String(), "CLOSED", reason)
	if e.cfg.Debug {
		e.logger.Debug("peer removed", "peer", fd, "reason", reason)
	}
	return err
}

// RemovePeer closes a peer without reporting PeerDisconnected. An unknown
// id is fatal.
func (e *Engine) RemovePeer(id peer.ID) error {
	l, err := e.target(id, "remove peer")
	if err != nil {
		return err
	}
	return e.dropPeer(l, "removed locally")
}

// RemoveAllPeers closes every peer.
func (e *Engine) RemoveAllPeers() error {
	var err error
	for _, id := range e.peers.IDs() {
		if l, ok := e.links[id]; ok {
			err = multierr.Append(err, e.dropPeer(l, "removed locally"))
		}
	}
	return err
}

// target resolves id, inferring the only peer for peer.Unspecified.
func (e *Engine) target(id peer.ID, op string) (*Link, error) {
	if id == peer.Unspecified {
		switch e.peers.Len() {
		case 0:
			return nil, e.fatal(KindProgramming, id, op, ErrNoPeer)
		case 1:
			id, _ = e.peers.First()
		default:
			return nil, e.fatal(KindProgramming, id, op, ErrAmbiguousPeer)
		}
	}
	l, ok := e.links[id]
	if !ok {
		return nil, e.fatal(KindProgramming, id, op, fmt.Errorf("%w: %d", peer.ErrUnknownPeer, id))
	}
	return l, nil
}

// peerDisconnected reports a lost connection and applies the disconnect
// policy outside notification mode.
func (e *Engine) peerDisconnected(id peer.ID) {
	e.metrics.inc(disconnects)
	e.handler.PeerDisconnected(id)
	if e.cfg.NotifyConnections {
		return
	}
	if e.cfg.HaltsOnReset() {
		e.fatal(KindReset, id, "disconnect", ErrConnectionInterrupted)
		return
	}
	if e.cfg.AutoReconnect && !e.cfg.ServerMode && e.mapped {
		e.logger.Warn("connection lost, reconnecting", "peer", int(id))
		e.Unmap()
		e.Map()
	}
}

func (e *Engine) setTCP(l *Link, s peer.TCPState, reason string) {
	if l.p.TCP == s {
		return
	}
	old := l.p.TCP
	l.p.TCP = s
	e.traceState(l, trace.LayerSocket, trace.StateEntityTCP, old.String(), s.String(), reason)
}

func (e *Engine) setReading(l *Link, s peer.ReadingState, reason string) {
	if l.p.Reading == s {
		return
	}
	old := l.p.Reading
	l.p.Reading = s
	e.traceState(l, trace.LayerSocket, trace.StateEntityReading, old.String(), s.String(), reason)
}

func (e *Engine) traceState(l *Link, layer trace.Layer, entity trace.StateEntity, oldState, newState, reason string) {
	e.trace.Log(trace.Event{
		Timestamp:    time.Now(),
		ConnectionID: l.p.ConnID,
		PeerID:       int(l.p.ID),
		Layer:        layer,
		Category:     trace.CategoryState,
		LocalRole:    l.role,
		RemoteAddr:   l.p.Remote.String(),
		StateChange:  &trace.StateChangeEvent{Entity: entity, OldState: oldState, NewState: newState, Reason: reason},
	})
}

func (e *Engine) traceFrame(l *Link, layer trace.Layer, dir trace.Direction, data []byte) {
	e.trace.Log(trace.Event{
		Timestamp:    time.Now(),
		ConnectionID: l.p.ConnID,
		PeerID:       int(l.p.ID),
		Direction:    dir,
		Layer:        layer,
		Category:     trace.CategoryMessage,
		LocalRole:    l.role,
		RemoteAddr:   l.p.Remote.String(),
		Frame:        trace.NewFrameEvent(data),
	})
}

func (e *Engine) traceListener(oldState, newState, reason string) {
	e.trace.Log(trace.Event{
		Timestamp:   time.Now(),
		PeerID:      e.listenFd,
		Layer:       trace.LayerSocket,
		Category:    trace.CategoryState,
		LocalRole:   trace.RoleServer,
		StateChange: &trace.StateChangeEvent{Entity: trace.StateEntityListener, OldState: oldState, NewState: newState, Reason: reason},
	})
}

// warn logs recoverable anomalies that may repeat quickly, rate limited.
func (e *Engine) warn(msg string, args ...any) {
	e.warnings.Do(func() { e.logger.Warn(msg, args...) })
}
