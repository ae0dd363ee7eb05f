package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nimbusrelay/sstunnel/internal/relay"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Role != "client" {
		t.Errorf("Role = %s, want client", cfg.Role)
	}
	if cfg.LocalPort != 1080 {
		t.Errorf("LocalPort = %d, want 1080", cfg.LocalPort)
	}
	if cfg.Method != "chacha20" {
		t.Errorf("Method = %s, want chacha20", cfg.Method)
	}
	if cfg.Timeout != 5*time.Minute {
		t.Errorf("Timeout = %v, want 5m", cfg.Timeout)
	}
}

func TestParseValidClientConfig(t *testing.T) {
	yamlConfig := `
role: client
server: 203.0.113.9
server_port: 8388
local_address: 127.0.0.1
local_port: 1080
password: correct horse battery staple
method: chacha20
one_time_auth: true
timeout: 60s
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Role != "client" {
		t.Errorf("Role = %s, want client", cfg.Role)
	}
	if len(cfg.Server) != 1 || cfg.Server[0] != "203.0.113.9" {
		t.Errorf("Server = %v, want [203.0.113.9]", cfg.Server)
	}
	if len(cfg.ServerPort) != 1 || cfg.ServerPort[0] != 8388 {
		t.Errorf("ServerPort = %v, want [8388]", cfg.ServerPort)
	}
	if cfg.Timeout != 60*time.Second {
		t.Errorf("Timeout = %v, want 60s", cfg.Timeout)
	}
}

func TestParseServerListAndPortList(t *testing.T) {
	yamlConfig := `
role: client
server:
  - 203.0.113.9
  - 203.0.113.10
server_port:
  - 8388
  - 8389
password: a shared secret
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(cfg.Server) != 2 || len(cfg.ServerPort) != 2 {
		t.Fatalf("expected 2 servers and 2 ports, got %v / %v", cfg.Server, cfg.ServerPort)
	}

	upstreams := cfg.upstreams()
	if len(upstreams) != 2 {
		t.Fatalf("upstreams() = %v, want 2 entries", upstreams)
	}
	if upstreams[0].Host != "203.0.113.9" || upstreams[0].Port != 8388 {
		t.Errorf("upstreams[0] = %+v", upstreams[0])
	}
	if upstreams[1].Host != "203.0.113.10" || upstreams[1].Port != 8389 {
		t.Errorf("upstreams[1] = %+v", upstreams[1])
	}
}

func TestParseSingleServerPortAppliesToAllServers(t *testing.T) {
	yamlConfig := `
role: client
server:
  - 203.0.113.9
  - 203.0.113.10
server_port: 8388
password: a shared secret
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	upstreams := cfg.upstreams()
	if len(upstreams) != 2 {
		t.Fatalf("upstreams() = %v, want 2 entries", upstreams)
	}
	if upstreams[0].Port != 8388 || upstreams[1].Port != 8388 {
		t.Errorf("expected both upstreams to share port 8388, got %+v", upstreams)
	}
}

func TestParseMissingPasswordFails(t *testing.T) {
	yamlConfig := `
role: client
server: 203.0.113.9
server_port: 8388
`
	if _, err := Parse([]byte(yamlConfig)); err == nil {
		t.Fatal("expected validation error for missing password")
	}
}

func TestParseInvalidRoleFails(t *testing.T) {
	yamlConfig := `
role: relay
server_port: 8388
password: secret
`
	_, err := Parse([]byte(yamlConfig))
	if err == nil {
		t.Fatal("expected validation error for invalid role")
	}
	if !strings.Contains(err.Error(), "role must be") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestParseInvalidForbiddenIPFails(t *testing.T) {
	yamlConfig := `
role: server
server_port: 8388
password: secret
forbidden_ip:
  - not-an-ip
`
	if _, err := Parse([]byte(yamlConfig)); err == nil {
		t.Fatal("expected validation error for invalid forbidden_ip entry")
	}
}

func TestParseTunnelModeRequiresBothRemoteFields(t *testing.T) {
	yamlConfig := `
role: client
server: 203.0.113.9
server_port: 8388
password: secret
tunnel_remote_port: 22
`
	if _, err := Parse([]byte(yamlConfig)); err == nil {
		t.Fatal("expected validation error: tunnel_remote_port without tunnel_remote")
	}
}

func TestParseTunnelModeConfigured(t *testing.T) {
	yamlConfig := `
role: client
server: 203.0.113.9
server_port: 8388
password: secret
tunnel_remote: internal.example.com
tunnel_remote_port: 22
tunnel_port: 2222
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rc, err := cfg.RelayConfig()
	if err != nil {
		t.Fatalf("RelayConfig: %v", err)
	}
	if !rc.Tunnel.Enabled() {
		t.Fatal("expected tunnel mode to be enabled")
	}
	if rc.Tunnel.Remote != "internal.example.com" || rc.Tunnel.RemotePort != 22 {
		t.Errorf("Tunnel = %+v", rc.Tunnel)
	}
}

func TestRelayConfigServerRoleRequiresOTA(t *testing.T) {
	yamlConfig := `
role: server
server_port: 8388
password: secret
one_time_auth: true
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rc, err := cfg.RelayConfig()
	if err != nil {
		t.Fatalf("RelayConfig: %v", err)
	}
	if rc.Role != relay.RoleServer {
		t.Errorf("Role = %v, want RoleServer", rc.Role)
	}
	if !rc.OneTimeAuthRequired {
		t.Error("expected OneTimeAuthRequired on a server role with one_time_auth set")
	}
}

func TestRelayConfigClientRoleDoesNotRequireOTA(t *testing.T) {
	yamlConfig := `
role: client
server: 203.0.113.9
server_port: 8388
password: secret
one_time_auth: true
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rc, err := cfg.RelayConfig()
	if err != nil {
		t.Fatalf("RelayConfig: %v", err)
	}
	if rc.OneTimeAuthRequired {
		t.Error("client role should never set OneTimeAuthRequired")
	}
	if !rc.OneTimeAuth {
		t.Error("expected OneTimeAuth to carry through from config")
	}
}

func TestForbiddenNetworksParsesCIDRAndBareIP(t *testing.T) {
	yamlConfig := `
role: server
server_port: 8388
password: secret
forbidden_ip:
  - 10.0.0.0/8
  - 192.168.1.1
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	rc, err := cfg.RelayConfig()
	if err != nil {
		t.Fatalf("RelayConfig: %v", err)
	}
	if len(rc.ForbiddenIPs) != 2 {
		t.Fatalf("ForbiddenIPs = %v, want 2 entries", rc.ForbiddenIPs)
	}
}

func TestListenAddressClientVsServer(t *testing.T) {
	clientCfg, err := Parse([]byte(`
role: client
server: 203.0.113.9
server_port: 8388
local_address: 127.0.0.1
local_port: 1080
password: secret
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := clientCfg.ListenAddress(); got != "127.0.0.1:1080" {
		t.Errorf("client ListenAddress() = %s, want 127.0.0.1:1080", got)
	}

	serverCfg, err := Parse([]byte(`
role: server
server: 0.0.0.0
server_port: 8388
password: secret
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := serverCfg.ListenAddress(); got != "0.0.0.0:8388" {
		t.Errorf("server ListenAddress() = %s, want 0.0.0.0:8388", got)
	}
}

func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sstunnel.yaml")
	content := "role: server\nserver_port: 8388\npassword: secret\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Role != "server" {
		t.Errorf("Role = %s, want server", cfg.Role)
	}
}

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("SSTUNNEL_TEST_PASSWORD", "env-supplied-secret")
	defer os.Unsetenv("SSTUNNEL_TEST_PASSWORD")

	yamlConfig := `
role: server
server_port: 8388
password: ${SSTUNNEL_TEST_PASSWORD}
`
	cfg, err := Parse([]byte(yamlConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Password != "env-supplied-secret" {
		t.Errorf("Password = %s, want env-supplied-secret", cfg.Password)
	}
}
