package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/sockport/sockport/pkg/resolve"
)

// DefaultBrowseTimeout bounds one lookup.
const DefaultBrowseTimeout = 3 * time.Second

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// Next resolves every name that is not a DNS-SD service name.
	// Nil uses resolve.NetResolver.
	Next resolve.Resolver

	// BrowseTimeout bounds each lookup. Zero uses DefaultBrowseTimeout.
	BrowseTimeout time.Duration

	// Interface restricts browsing to one network interface.
	Interface string

	Logger *slog.Logger
}

// Resolver resolves DNS-SD service names via mDNS and delegates everything
// else.
type Resolver struct {
	next    resolve.Resolver
	timeout time.Duration
	iface   string
	logger  *slog.Logger

	// lookup browses until it finds name or ctx ends.
	lookup func(ctx context.Context, name ServiceName) (*zeroconf.ServiceEntry, error)
}

var _ resolve.Resolver = (*Resolver)(nil)

// NewResolver creates a Resolver.
func NewResolver(config ResolverConfig) *Resolver {
	r := &Resolver{
		next:    config.Next,
		timeout: config.BrowseTimeout,
		iface:   config.Interface,
		logger:  config.Logger,
	}
	if r.next == nil {
		r.next = resolve.NetResolver{}
	}
	if r.timeout <= 0 {
		r.timeout = DefaultBrowseTimeout
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "mdns")
	r.lookup = r.browse
	return r
}

// Resolve implements resolve.Resolver. For service names the advertised port
// replaces port; passive lookups always delegate.
func (r *Resolver) Resolve(ctx context.Context, host string, port int, family resolve.Family, passive bool) ([]netip.AddrPort, error) {
	name, ok := ParseName(host)
	if !ok || passive {
		return r.next.Resolve(ctx, host, port, family, passive)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entry, err := r.lookup(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("%w: browse %s: %v", resolve.ErrNoAddress, name, err)
	}
	if entry.Port > 0 {
		port = entry.Port
	}
	addrs := entryAddrs(entry, port)
	r.logger.Debug("service resolved", "name", name.String(), "host", entry.HostName, "addresses", len(addrs))
	return resolve.Filter(family, addrs)
}

// browse runs a zeroconf browse and returns the first entry for name that
// carries addresses.
func (r *Resolver) browse(ctx context.Context, name ServiceName) (*zeroconf.ServiceEntry, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if r.iface != "" {
		iface, err := net.InterfaceByName(r.iface)
		if err != nil {
			return nil, err
		}
		opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
	}

	errc := make(chan error, 1)
	go func() {
		errc <- zeroconf.Browse(ctx, name.Service, Domain, entries, removed, opts...)
	}()

	var found *zeroconf.ServiceEntry
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				entries = nil
				continue
			}
			if !strings.EqualFold(entry.Instance, name.Instance) {
				continue
			}
			found = mergeEntry(found, entry)
			if len(found.AddrIPv4)+len(found.AddrIPv6) > 0 {
				return found, nil
			}
		case <-removed:
		case err := <-errc:
			if err != nil {
				return nil, err
			}
			errc = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// mergeEntry folds the addresses of next into into, keeping one copy of each.
func mergeEntry(into, next *zeroconf.ServiceEntry) *zeroconf.ServiceEntry {
	if into == nil {
		return next
	}
	into.AddrIPv4 = mergeIPs(into.AddrIPv4, next.AddrIPv4)
	into.AddrIPv6 = mergeIPs(into.AddrIPv6, next.AddrIPv6)
	if into.Port == 0 {
		into.Port = next.Port
	}
	return into
}

func mergeIPs(existing, add []net.IP) []net.IP {
	for _, ip := range add {
		dup := false
		for _, have := range existing {
			if have.Equal(ip) {
				dup = true
				break
			}
		}
		if !dup {
			existing = append(existing, ip)
		}
	}
	return existing
}

// entryAddrs lists IPv4 addresses before IPv6 ones.
func entryAddrs(entry *zeroconf.ServiceEntry, port int) []netip.AddrPort {
	out := make([]netip.AddrPort, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ips := range [][]net.IP{entry.AddrIPv4, entry.AddrIPv6} {
		for _, ip := range ips {
			addr, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			out = append(out, netip.AddrPortFrom(addr.Unmap(), uint16(port)))
		}
	}
	return out
}
