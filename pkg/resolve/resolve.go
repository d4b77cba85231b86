// Package resolve turns configured hosts and ports into candidate socket
// addresses, independent of address family.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ErrNoAddress indicates resolution produced no usable candidate.
var ErrNoAddress = errors.New("no usable address")

// Family selects which address families are acceptable.
type Family uint8

const (
	// Any accepts IPv4 and IPv6.
	Any Family = iota
	// IPv4 accepts IPv4 only.
	IPv4
	// IPv6 accepts IPv6 only.
	IPv6
)

// String returns the family name.
func (f Family) String() string {
	switch f {
	case Any:
		return "any"
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// ParseFamily parses "any"/"unspec", "ipv4"/"inet" or "ipv6"/"inet6".
func ParseFamily(s string) (Family, error) {
	switch strings.ToLower(s) {
	case "", "any", "unspec", "af_unspec":
		return Any, nil
	case "ipv4", "inet", "af_inet", "4":
		return IPv4, nil
	case "ipv6", "inet6", "af_inet6", "6":
		return IPv6, nil
	default:
		return Any, fmt.Errorf("unknown address family %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Family) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Family) UnmarshalText(text []byte) error {
	v, err := ParseFamily(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Accepts reports whether addr belongs to an acceptable family.
func (f Family) Accepts(addr netip.Addr) bool {
	switch f {
	case IPv4:
		return addr.Is4() || addr.Is4In6()
	case IPv6:
		return addr.Is6() && !addr.Is4In6()
	default:
		return true
	}
}

// Resolver produces candidate addresses in preference order.
// With passive set and an empty host, wildcard addresses are returned.
type Resolver interface {
	Resolve(ctx context.Context, host string, port int, family Family, passive bool) ([]netip.AddrPort, error)
}

// NetResolver resolves through the Go resolver.
type NetResolver struct {
	// Resolver is the underlying resolver; nil uses net.DefaultResolver.
	Resolver *net.Resolver
}

// Resolve implements Resolver.
func (r NetResolver) Resolve(ctx context.Context, host string, port int, family Family, passive bool) ([]netip.AddrPort, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	p := uint16(port)

	if host == "" {
		if !passive {
			return nil, fmt.Errorf("%w: empty host", ErrNoAddress)
		}
		return Filter(family, []netip.AddrPort{
			netip.AddrPortFrom(netip.IPv4Unspecified(), p),
			netip.AddrPortFrom(netip.IPv6Unspecified(), p),
		})
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return Filter(family, []netip.AddrPort{netip.AddrPortFrom(addr.Unmap(), p)})
	}

	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	network := "ip"
	switch family {
	case IPv4:
		network = "ip4"
	case IPv6:
		network = "ip6"
	}
	addrs, err := res.LookupNetIP(ctx, network, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}

	out := make([]netip.AddrPort, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, netip.AddrPortFrom(a.Unmap(), p))
	}
	return Filter(family, out)
}

// Filter drops candidates outside family. It fails when nothing remains.
func Filter(family Family, candidates []netip.AddrPort) ([]netip.AddrPort, error) {
	out := candidates[:0:0]
	for _, c := range candidates {
		if family.Accepts(c.Addr()) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w for family %s", ErrNoAddress, family)
	}
	return out, nil
}

var _ Resolver = NetResolver{}
