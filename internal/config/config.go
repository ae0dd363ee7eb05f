// Package config provides YAML configuration parsing and validation for
// the relay core: the client/server role selector and every option of
// spec.md's "Configuration options recognised by this core" table, plus
// the listen/log settings a runnable binary needs.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nimbusrelay/sstunnel/internal/crypto"
	"github.com/nimbusrelay/sstunnel/internal/relay"
	"github.com/nimbusrelay/sstunnel/internal/tunnel"
)

// Config is the complete configuration for one relay process, covering
// either role. Role determines which fields are meaningful: a client reads
// LocalAddress/LocalPort and optional Tunnel*, a server reads ServerPort as
// its own bind port and ignores LocalAddress.
type Config struct {
	Role string `yaml:"role"`

	Server     StringOrList `yaml:"server"`
	ServerPort IntOrList    `yaml:"server_port"`

	LocalAddress string `yaml:"local_address"`
	LocalPort    int    `yaml:"local_port"`

	Password   string `yaml:"password"`
	Method     string `yaml:"method"`
	CryptoPath string `yaml:"crypto_path"`

	OneTimeAuth bool `yaml:"one_time_auth"`
	FastOpen    bool `yaml:"fast_open"`

	Timeout time.Duration `yaml:"timeout"`

	ForbiddenIP []string `yaml:"forbidden_ip"`

	TunnelRemote     string `yaml:"tunnel_remote"`
	TunnelRemotePort int    `yaml:"tunnel_remote_port"`
	TunnelPort       int    `yaml:"tunnel_port"`

	Verbose bool `yaml:"verbose"`

	Log LogConfig `yaml:"log"`
}

// LogConfig controls the ambient slog-based logger, following the
// teacher's agent.log_level/log_format split.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StringOrList unmarshals either a scalar string or a YAML sequence of
// strings, matching spec.md's "server ... may be a list" option shape.
type StringOrList []string

// UnmarshalYAML implements custom decoding for the scalar-or-sequence shape.
func (s *StringOrList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var single string
		if err := value.Decode(&single); err != nil {
			return err
		}
		*s = StringOrList{single}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return fmt.Errorf("expected a string or a list of strings: %w", err)
	}
	*s = StringOrList(list)
	return nil
}

// IntOrList unmarshals either a scalar int or a YAML sequence of ints.
type IntOrList []int

// UnmarshalYAML implements custom decoding for the scalar-or-sequence shape.
func (s *IntOrList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var single int
		if err := value.Decode(&single); err != nil {
			return err
		}
		*s = IntOrList{single}
		return nil
	}
	var list []int
	if err := value.Decode(&list); err != nil {
		return fmt.Errorf("expected an int or a list of ints: %w", err)
	}
	*s = IntOrList(list)
	return nil
}

// Default returns a Config populated with this core's defaults.
func Default() *Config {
	return &Config{
		Role:         "client",
		LocalAddress: "127.0.0.1",
		LocalPort:    1080,
		Method:       "chacha20",
		Timeout:      5 * time.Minute,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and parses a YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes, expanding ${VAR}/$VAR references
// against the process environment before decoding, then validates the
// result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for internally inconsistent or missing
// required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Role != "client" && c.Role != "server" {
		errs = append(errs, fmt.Sprintf("role must be \"client\" or \"server\", got %q", c.Role))
	}
	if c.Password == "" {
		errs = append(errs, "password is required")
	}
	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if c.Role == "client" && len(c.Server) == 0 {
		errs = append(errs, "server is required for the client role")
	}
	if len(c.ServerPort) == 0 {
		errs = append(errs, "server_port is required")
	}
	if c.Timeout < 0 {
		errs = append(errs, "timeout must not be negative")
	}
	for i, cidr := range c.ForbiddenIP {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			if net.ParseIP(cidr) == nil {
				errs = append(errs, fmt.Sprintf("forbidden_ip[%d]: invalid IP or CIDR: %s", i, cidr))
			}
		}
	}
	if c.tunnelConfigured() {
		if c.TunnelRemote == "" || c.TunnelRemotePort == 0 {
			errs = append(errs, "tunnel_remote and tunnel_remote_port must both be set to enable tunnel mode")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) tunnelConfigured() bool {
	return c.TunnelRemote != "" || c.TunnelRemotePort != 0 || c.TunnelPort != 0
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	}
	return false
}

// forbiddenNetworks parses ForbiddenIP into *net.IPNet values, widening a
// bare IP (as opposed to a CIDR) to a single-address network.
func (c *Config) forbiddenNetworks() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.ForbiddenIP))
	for _, entry := range c.ForbiddenIP {
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, ipnet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("config: invalid forbidden_ip entry %q", entry)
		}
		bits := net.IPv4len * 8
		if ip.To4() == nil {
			bits = net.IPv6len * 8
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

// upstreams builds the client role's candidate server list by zipping
// Server against ServerPort, repeating the last port if fewer ports than
// hosts were configured (mirroring a single shared server_port applied to
// every listed server).
func (c *Config) upstreams() []relay.Upstream {
	if len(c.Server) == 0 || len(c.ServerPort) == 0 {
		return nil
	}
	out := make([]relay.Upstream, 0, len(c.Server))
	for i, host := range c.Server {
		port := c.ServerPort[len(c.ServerPort)-1]
		if i < len(c.ServerPort) {
			port = c.ServerPort[i]
		}
		out = append(out, relay.Upstream{Host: host, Port: uint16(port)})
	}
	return out
}

// RelayConfig builds the relay.Config this process's Handlers should be
// constructed from.
func (c *Config) RelayConfig() (relay.Config, error) {
	key, err := crypto.DeriveStreamKey(c.Password, c.Method)
	if err != nil {
		return relay.Config{}, fmt.Errorf("config: derive stream key: %w", err)
	}
	forbidden, err := c.forbiddenNetworks()
	if err != nil {
		return relay.Config{}, err
	}

	role := relay.RoleClient
	if c.Role == "server" {
		role = relay.RoleServer
	}

	rc := relay.Config{
		Role:                role,
		StreamKey:           key,
		Method:              c.Method,
		OneTimeAuth:         c.OneTimeAuth,
		OneTimeAuthRequired: c.OneTimeAuth && role == relay.RoleServer,
		FastOpen:            c.FastOpen,
		Timeout:             c.Timeout,
		ForbiddenIPs:        forbidden,
		Upstreams:           c.upstreams(),
	}
	if c.tunnelConfigured() {
		rc.Tunnel = tunnel.Endpoint{
			Remote:     c.TunnelRemote,
			RemotePort: uint16(c.TunnelRemotePort),
			ListenPort: uint16(c.TunnelPort),
		}
	}
	return rc, nil
}

// ListenAddress is the local address this process's Listener should bind:
// LocalAddress/LocalPort for the client role, and the first of
// Server/ServerPort for the server role (its own bind address/port).
func (c *Config) ListenAddress() string {
	if c.Role == "server" {
		host := "0.0.0.0"
		if len(c.Server) > 0 {
			host = c.Server[0]
		}
		port := 0
		if len(c.ServerPort) > 0 {
			port = c.ServerPort[0]
		}
		return fmt.Sprintf("%s:%d", host, port)
	}
	return fmt.Sprintf("%s:%d", c.LocalAddress, c.LocalPort)
}
