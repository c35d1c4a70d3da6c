package config

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoad_ValidConfig(t *testing.T) {
	cfgPath := writeConfig(t, `
[server]
  listen              = "0.0.0.0:8080"
  rpc_socket          = "/tmp/wk.sock"
  max_conns           = 512
  rate_limit          = 20.0
  report_interval     = "30s"
  stream_idle_timeout = "2m"
  log_level           = "debug"

[storage]
  driver = "sqlite"
  path   = "/tmp/hosts.sqlite"

[ingest]
  mailbox_capacity = 64
  mailbox_mode     = "per-session"

[agent]
  server_url    = "https://wk.example.com"
  machine_id    = "m-123"
  interval      = "15s"
  transport     = "batch"
  network_range = "10.51.240.0/23"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:8080" {
		t.Errorf("Server.Listen: got %s, want 0.0.0.0:8080", cfg.Server.Listen)
	}
	if cfg.Server.MaxConns != 512 {
		t.Errorf("Server.MaxConns: got %d, want 512", cfg.Server.MaxConns)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver: got %s, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Ingest.MailboxCapacity != 64 {
		t.Errorf("Ingest.MailboxCapacity: got %d, want 64", cfg.Ingest.MailboxCapacity)
	}
	if cfg.Ingest.MailboxMode != MailboxPerSession {
		t.Errorf("Ingest.MailboxMode: got %s, want %s", cfg.Ingest.MailboxMode, MailboxPerSession)
	}
	if cfg.Agent.MachineID != "m-123" {
		t.Errorf("Agent.MachineID: got %s, want m-123", cfg.Agent.MachineID)
	}
	if cfg.Agent.Transport != "batch" {
		t.Errorf("Agent.Transport: got %s, want batch", cfg.Agent.Transport)
	}
}

func TestLoad_Defaults(t *testing.T) {
	// Empty config: all defaults should apply
	cfgPath := writeConfig(t, ``)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Server.Listen != "127.0.0.1:5000" {
		t.Errorf("default Listen: got %s, want 127.0.0.1:5000", cfg.Server.Listen)
	}
	if cfg.Storage.Driver != "bolt" {
		t.Errorf("default Driver: got %s, want bolt", cfg.Storage.Driver)
	}
	if cfg.Ingest.MailboxCapacity != 16 {
		t.Errorf("default MailboxCapacity: got %d, want 16", cfg.Ingest.MailboxCapacity)
	}
	if cfg.Ingest.MailboxMode != MailboxPerHost {
		t.Errorf("default MailboxMode: got %s, want %s", cfg.Ingest.MailboxMode, MailboxPerHost)
	}
	if cfg.Agent.Transport != "stream" {
		t.Errorf("default Transport: got %s, want stream", cfg.Agent.Transport)
	}
	if cfg.Server.LogLevel != "info" {
		t.Errorf("default LogLevel: got %s, want info", cfg.Server.LogLevel)
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	cfgPath := writeConfig(t, "invalid [[[ toml")

	_, err := Load(cfgPath)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown driver", "[storage]\n driver = \"postgres\"\n", "Driver"},
		{"unknown mailbox mode", "[ingest]\n mailbox_mode = \"global\"\n", "MailboxMode"},
		{"negative capacity", "[ingest]\n mailbox_capacity = -1\n", "MailboxCapacity"},
		{"bad transport", "[agent]\n transport = \"udp\"\n", "Transport"},
		{"bad server url", "[agent]\n server_url = \"not a url\"\n", "ServerURL"},
		{"bad cidr", "[agent]\n network_range = \"10.0.0.0/99\"\n", "NetworkRange"},
		{"bad duration", "[server]\n report_interval = \"soon\"\n", "report_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %s", err, tt.want)
			}
		})
	}
}

func TestParseInterval_Default(t *testing.T) {
	cfg := &AgentConfig{}
	d, err := cfg.ParseInterval()
	if err != nil {
		t.Fatalf("parse interval: %v", err)
	}
	if d != 60*time.Second {
		t.Errorf("Default interval: got %v, want 60s", d)
	}
}

func TestParseOptionalDurations(t *testing.T) {
	cfg := &ServerConfig{StreamIdleTimeout: "90s"}

	d, err := cfg.ParseStreamIdleTimeout()
	if err != nil {
		t.Fatalf("parse idle timeout: %v", err)
	}
	if d != 90*time.Second {
		t.Errorf("idle timeout: got %v, want 90s", d)
	}

	d, err = cfg.ParseReportInterval()
	if err != nil {
		t.Fatalf("parse report interval: %v", err)
	}
	if d != 0 {
		t.Errorf("unset report interval: got %v, want 0", d)
	}

	d, err = cfg.ParseShutdownTimeout()
	if err != nil {
		t.Fatalf("parse shutdown timeout: %v", err)
	}
	if d != 10*time.Second {
		t.Errorf("default shutdown timeout: got %v, want 10s", d)
	}
}

func TestExpandPath(t *testing.T) {
	if got := ExpandPath("/var/lib/wk/hosts.db"); got != "/var/lib/wk/hosts.db" {
		t.Errorf("absolute path changed: %s", got)
	}

	usr, err := user.Current()
	if err != nil {
		t.Skipf("no current user: %v", err)
	}
	if got := ExpandPath("~/hosts.db"); got != filepath.Join(usr.HomeDir, "hosts.db") {
		t.Errorf("tilde not expanded: %s", got)
	}
}
