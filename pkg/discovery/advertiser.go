package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// AdvertiserConfig configures an Advertiser.
type AdvertiserConfig struct {
	// Interface restricts announcements to one network interface.
	// Empty means all multicast interfaces.
	Interface string

	// TTL overrides the record TTL. Zero keeps the zeroconf default.
	TTL time.Duration

	Logger *slog.Logger
}

// Advertiser publishes listening ports via mDNS.
type Advertiser struct {
	config AdvertiserConfig
	logger *slog.Logger

	mu      sync.Mutex
	servers map[ServiceName]shutdowner

	// register is zeroconf.Register, replaceable in tests.
	register func(instance, service string, port int, txt []string, ifaces []net.Interface, ttl time.Duration) (shutdowner, error)
}

type shutdowner interface {
	Shutdown()
}

// NewAdvertiser creates an advertiser with no active registrations.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{
		config:   config,
		logger:   logger.With("component", "mdns"),
		servers:  make(map[ServiceName]shutdowner),
		register: zeroconfRegister,
	}
}

func zeroconfRegister(instance, service string, port int, txt []string, ifaces []net.Interface, ttl time.Duration) (shutdowner, error) {
	var opts []zeroconf.ServerOption
	if ttl > 0 {
		opts = append(opts, zeroconf.TTL(uint32(ttl.Seconds())))
	}
	return zeroconf.Register(instance, service, Domain, port, txt, ifaces, opts...)
}

// interfaces returns nil to announce on every interface.
func (a *Advertiser) interfaces() []net.Interface {
	if a.config.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.config.Interface)
	if err != nil {
		a.logger.Warn("interface not found, announcing on all", "interface", a.config.Interface, "error", err)
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise registers instance under service on port. Re-advertising the
// same name replaces the earlier registration.
func (a *Advertiser) Advertise(instance, service string, port int, txt map[string]string) (ServiceName, error) {
	if err := validateInstance(instance); err != nil {
		return ServiceName{}, err
	}
	st, err := ServiceType(service)
	if err != nil {
		return ServiceName{}, err
	}
	if port <= 0 || port > 65535 {
		return ServiceName{}, fmt.Errorf("%w: port %d", ErrInvalidName, port)
	}
	name := ServiceName{Instance: instance, Service: st}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopLocked(name)
	srv, err := a.register(instance, st, port, EncodeTXT(txt), a.interfaces(), a.config.TTL)
	if err != nil {
		return ServiceName{}, fmt.Errorf("register %s: %w", name, err)
	}
	a.servers[name] = srv
	a.logger.Info("advertising", "name", name.String(), "port", port)
	return name, nil
}

// Withdraw stops advertising one name. Unknown names are ignored.
func (a *Advertiser) Withdraw(name ServiceName) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked(name)
}

func (a *Advertiser) stopLocked(name ServiceName) {
	if srv, ok := a.servers[name]; ok {
		srv.Shutdown()
		delete(a.servers, name)
		a.logger.Debug("withdrawn", "name", name.String())
	}
}

// Active returns the number of registrations.
func (a *Advertiser) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.servers)
}

// Shutdown withdraws every registration.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name := range a.servers {
		a.stopLocked(name)
	}
}
