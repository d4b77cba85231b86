package discovery

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Domain is the only browsing domain supported.
const Domain = "local"

// MaxInstanceNameLen is the DNS label limit for instance names.
const MaxInstanceNameLen = 63

var (
	// ErrInvalidName is returned for malformed instance or service names.
	ErrInvalidName = errors.New("invalid service name")
)

// ServiceName identifies one advertised port.
type ServiceName struct {
	Instance string
	// Service is the DNS-SD service type, e.g. "_sockport._tcp".
	Service string
}

// String returns the fully qualified name.
func (n ServiceName) String() string {
	return n.Instance + "." + n.Service + "." + Domain
}

// ParseName splits "<instance>._<service>._tcp.local" into its parts. A
// trailing dot is accepted. ok is false for any other host name.
func ParseName(host string) (ServiceName, bool) {
	rest := strings.TrimSuffix(host, ".")
	const suffix = "._tcp." + Domain
	if len(rest) <= len(suffix) || !strings.EqualFold(rest[len(rest)-len(suffix):], suffix) {
		return ServiceName{}, false
	}
	rest = rest[:len(rest)-len(suffix)]

	i := strings.LastIndex(rest, "._")
	if i <= 0 || i+2 == len(rest) {
		return ServiceName{}, false
	}
	return ServiceName{
		Instance: rest[:i],
		Service:  rest[i+1:] + "._tcp",
	}, true
}

// ServiceType normalizes "sockport", "_sockport" and "_sockport._tcp" to
// "_sockport._tcp".
func ServiceType(service string) (string, error) {
	s := strings.TrimSuffix(service, "._tcp")
	s = strings.TrimPrefix(s, "_")
	if s == "" || len(s) > 15 || strings.ContainsAny(s, "._ ") {
		return "", fmt.Errorf("%w: service %q", ErrInvalidName, service)
	}
	return "_" + s + "._tcp", nil
}

func validateInstance(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty instance", ErrInvalidName)
	}
	if len(name) > MaxInstanceNameLen {
		return fmt.Errorf("%w: instance longer than %d bytes", ErrInvalidName, MaxInstanceNameLen)
	}
	return nil
}

// EncodeTXT renders TXT records as sorted "key=value" strings. Empty values
// become bare keys.
func EncodeTXT(txt map[string]string) []string {
	out := make([]string, 0, len(txt))
	for k, v := range txt {
		if v == "" {
			out = append(out, k)
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// DecodeTXT parses "key=value" strings. Keys without a value map to "".
func DecodeTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, s := range records {
		k, v, _ := strings.Cut(s, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}
