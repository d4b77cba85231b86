package config

import (
	"strings"
	"time"
)

// Overrides collects repeated -p name=value flags.
type Overrides []string

func (o *Overrides) String() string {
	return strings.Join(*o, " ")
}

// Set implements flag.Value.
func (o *Overrides) Set(v string) error {
	if !strings.Contains(v, "=") {
		return &LoadError{Message: "override " + v + " is not name=value"}
	}
	*o = append(*o, v)
	return nil
}

// Apply sets each name=value pair in order. Names prefixed with "tls." and
// the ssl_* aliases go to the TLS section, "trace.", "metrics." and
// "discovery." to the CLI sections, everything else to the engine.
func (f *File) Apply(overrides []string) error {
	for _, o := range overrides {
		name, value, ok := strings.Cut(o, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return &LoadError{Message: "override " + o + " is not name=value"}
		}
		value = strings.TrimSpace(value)
		if err := f.set(name, value); err != nil {
			return &LoadError{Message: "override " + name, Cause: err}
		}
	}
	return nil
}

func (f *File) set(name, value string) error {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "tls."):
		return f.TLS.SetParameter(name[len("tls."):], value)
	case strings.HasPrefix(lower, "ssl_"):
		return f.TLS.SetParameter(name, value)
	case lower == "trace.file":
		f.Trace.File = value
	case lower == "metrics.listen":
		f.Metrics.Listen = value
	case lower == "discovery.instance":
		f.Discovery.Instance = value
	case lower == "discovery.service":
		f.Discovery.Service = value
	case lower == "discovery.interface":
		f.Discovery.Interface = value
	case lower == "discovery.browse_timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		f.Discovery.BrowseTimeout = d
	case strings.HasPrefix(lower, "discovery.txt."):
		if f.Discovery.TXT == nil {
			f.Discovery.TXT = make(map[string]string)
		}
		f.Discovery.TXT[name[len("discovery.txt."):]] = value
	default:
		return f.Engine.SetParameter(name, value)
	}
	return nil
}
