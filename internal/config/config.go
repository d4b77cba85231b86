// Package config loads test port configuration files and applies named
// parameter overrides on top of them.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/sockport/sockport/pkg/engine"
	"github.com/sockport/sockport/pkg/tlslayer"
)

// File is the content of a configuration file.
type File struct {
	Engine    engine.Config   `yaml:"engine" toml:"engine"`
	TLS       tlslayer.Config `yaml:"tls" toml:"tls"`
	Trace     Trace           `yaml:"trace" toml:"trace"`
	Metrics   Metrics         `yaml:"metrics" toml:"metrics"`
	Discovery Discovery       `yaml:"discovery" toml:"discovery"`
}

// Trace selects the protocol trace file.
type Trace struct {
	File string `yaml:"file" toml:"file"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Listen is the HTTP address serving /metrics. Empty disables it.
	Listen string `yaml:"listen" toml:"listen"`
}

// Discovery configures mDNS advertising and browsing.
type Discovery struct {
	// Instance advertises a server under this name. Empty disables it.
	Instance      string            `yaml:"instance" toml:"instance"`
	Service       string            `yaml:"service" toml:"service"`
	Interface     string            `yaml:"interface" toml:"interface"`
	BrowseTimeout time.Duration     `yaml:"browse_timeout" toml:"browse_timeout"`
	TXT           map[string]string `yaml:"txt" toml:"txt"`
}

// DefaultService is the DNS-SD service type used when none is configured.
const DefaultService = "sockport"

// Default returns a File with every package default applied.
func Default() File {
	return File{
		Engine:    engine.DefaultConfig(),
		TLS:       tlslayer.DefaultConfig(),
		Discovery: Discovery{Service: DefaultService},
	}
}

// LoadError describes a configuration file that could not be used.
type LoadError struct {
	File string
	// Line is the line of a parse error, 0 if unknown.
	Line    int
	Message string
	Cause   error
}

func (e *LoadError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			b.WriteString(":")
			b.WriteString(strconv.Itoa(e.Line))
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *LoadError) Unwrap() error {
	return e.Cause
}

// Load reads a .yaml, .yml or .toml file over the defaults.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, &LoadError{File: path, Message: "failed to read file", Cause: err}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(path, data)
	case ".toml":
		return ParseTOML(path, data)
	default:
		return File{}, &LoadError{File: path, Message: "unsupported file extension, want .yaml, .yml or .toml"}
	}
}

// ParseYAML decodes YAML over the defaults. Unknown keys are rejected.
func ParseYAML(name string, data []byte) (File, error) {
	f := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, &LoadError{File: name, Message: "failed to parse YAML", Cause: err}
	}
	return f, nil
}

// ParseTOML decodes TOML over the defaults. Unknown keys are rejected.
func ParseTOML(name string, data []byte) (File, error) {
	f := Default()
	meta, err := toml.Decode(string(data), &f)
	if err != nil {
		le := &LoadError{File: name, Message: "failed to parse TOML", Cause: err}
		var pe toml.ParseError
		if errors.As(err, &pe) {
			le.Line = pe.Position.Line
		}
		return File{}, le
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return File{}, &LoadError{File: name, Message: "unknown keys " + strings.Join(keys, ", ")}
	}
	return f, nil
}
