package tlslayer

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sockport/sockport/pkg/engine"
)

// DefaultSessionCacheSize is the number of client sessions kept for resumption.
const DefaultSessionCacheSize = 64

// Config selects the certificates and protocol options of the TLS layer.
type Config struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`

	KeyFile  string `yaml:"key_file" toml:"key_file"`
	CertFile string `yaml:"cert_file" toml:"cert_file"`
	CAFile   string `yaml:"ca_file" toml:"ca_file"`

	// KeyPassword decrypts an encrypted private key.
	KeyPassword string `yaml:"key_password" toml:"key_password"`

	// Ciphers lists IANA cipher suite names separated by ':' or ','.
	// TLS 1.3 suites are not configurable and ignore this list.
	Ciphers string `yaml:"ciphers" toml:"ciphers"`

	// VerifyCertificate makes servers require client certificates and
	// clients check the server chain against CAFile.
	VerifyCertificate bool `yaml:"verify_certificate" toml:"verify_certificate"`

	SessionResumption bool `yaml:"session_resumption" toml:"session_resumption"`
	SessionCacheSize  int  `yaml:"session_cache_size" toml:"session_cache_size"`

	DisableTLS10 bool `yaml:"disable_tls1_0" toml:"disable_tls1_0"`
	DisableTLS11 bool `yaml:"disable_tls1_1" toml:"disable_tls1_1"`
	DisableTLS12 bool `yaml:"disable_tls1_2" toml:"disable_tls1_2"`
	DisableTLS13 bool `yaml:"disable_tls1_3" toml:"disable_tls1_3"`

	// ServerName is sent as SNI by clients. Hostnames are never verified.
	ServerName string `yaml:"server_name" toml:"server_name"`
}

// DefaultConfig returns a disabled configuration with resumption on.
func DefaultConfig() Config {
	return Config{
		SessionResumption: true,
		SessionCacheSize:  DefaultSessionCacheSize,
	}
}

// SetParameter sets one option by its configuration key.
func (c *Config) SetParameter(name, value string) error {
	var err error
	switch strings.ToLower(name) {
	case "enabled", "ssl_use_ssl", "use_ssl":
		c.Enabled, err = engine.ParseBool(value)
	case "key_file", "ssl_private_key_file":
		c.KeyFile = value
	case "cert_file", "ssl_certificate_chain_file":
		c.CertFile = value
	case "ca_file", "ssl_trustedcalist_file":
		c.CAFile = value
	case "key_password", "ssl_private_key_password":
		c.KeyPassword = value
	case "ciphers", "ssl_allowed_ciphers_list":
		c.Ciphers = value
	case "verify_certificate", "ssl_verify_certificate":
		c.VerifyCertificate, err = engine.ParseBool(value)
	case "session_resumption", "ssl_use_session_resumption":
		c.SessionResumption, err = engine.ParseBool(value)
	case "session_cache_size":
		c.SessionCacheSize, err = strconv.Atoi(value)
	case "disable_tls1_0", "ssl_disable_tlsv1":
		c.DisableTLS10, err = engine.ParseBool(value)
	case "disable_tls1_1", "ssl_disable_tlsv1_1":
		c.DisableTLS11, err = engine.ParseBool(value)
	case "disable_tls1_2", "ssl_disable_tlsv1_2":
		c.DisableTLS12, err = engine.ParseBool(value)
	case "disable_tls1_3", "ssl_disable_tlsv1_3":
		c.DisableTLS13, err = engine.ParseBool(value)
	case "ssl_disable_sslv2", "ssl_disable_sslv3":
		_, err = engine.ParseBool(value)
	case "server_name":
		c.ServerName = value
	default:
		return &engine.ConfigError{Param: name, Reason: "unknown parameter"}
	}
	if err != nil {
		return &engine.ConfigError{Param: name, Reason: err.Error()}
	}
	return nil
}

// versions returns the enabled protocol range.
func (c *Config) versions() (uint16, uint16, error) {
	enabled := []struct {
		v   uint16
		off bool
	}{
		{tls.VersionTLS10, c.DisableTLS10},
		{tls.VersionTLS11, c.DisableTLS11},
		{tls.VersionTLS12, c.DisableTLS12},
		{tls.VersionTLS13, c.DisableTLS13},
	}
	var lo, hi uint16
	for _, e := range enabled {
		if e.off {
			continue
		}
		if lo == 0 {
			lo = e.v
		}
		hi = e.v
	}
	if lo == 0 {
		return 0, 0, errors.New("every protocol version is disabled")
	}
	return lo, hi, nil
}

// cipherSuites resolves Ciphers to suite ids. An empty list keeps Go's defaults.
func (c *Config) cipherSuites() ([]uint16, error) {
	names := strings.FieldsFunc(c.Ciphers, func(r rune) bool {
		return r == ':' || r == ',' || r == ' '
	})
	if len(names) == 0 {
		return nil, nil
	}
	known := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		known[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		known[s.Name] = s.ID
	}
	ids := make([]uint16, 0, len(names))
	for _, n := range names {
		id, ok := known[strings.ToUpper(n)]
		if !ok {
			return nil, fmt.Errorf("unknown cipher suite %q", n)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in CA file %s", path)
	}
	return pool, nil
}
