// Package config provides TOML configuration loading for wk.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	toml "github.com/pelletier/go-toml/v2"
)

// Mailbox modes.
const (
	MailboxPerHost    = "per-host"
	MailboxPerSession = "per-session"
)

// Config is the top-level configuration structure.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Ingest  IngestConfig  `toml:"ingest"`
	Agent   AgentConfig   `toml:"agent"`
}

// ServerConfig holds settings for the ingestion server.
type ServerConfig struct {
	Listen            string  `toml:"listen" validate:"required"`
	RPCSocket         string  `toml:"rpc_socket"`
	MaxConns          int     `toml:"max_conns" validate:"gte=0"`
	RateLimit         float64 `toml:"rate_limit" validate:"gte=0"`
	ReportInterval    string  `toml:"report_interval"`
	StreamIdleTimeout string  `toml:"stream_idle_timeout"`
	ShutdownTimeout   string  `toml:"shutdown_timeout"`
	Debug             bool    `toml:"debug"`
	LogLevel          string  `toml:"log_level" validate:"oneof=debug info warn error"`
}

// StorageConfig selects and locates the host store.
type StorageConfig struct {
	Driver string `toml:"driver" validate:"oneof=bolt sqlite"`
	Path   string `toml:"path" validate:"required"`
}

// IngestConfig tunes the per-host mailboxes.
type IngestConfig struct {
	MailboxCapacity int    `toml:"mailbox_capacity" validate:"gt=0"`
	MailboxMode     string `toml:"mailbox_mode" validate:"oneof=per-host per-session"`
}

// AgentConfig holds settings for the reporting agent.
type AgentConfig struct {
	ServerURL    string `toml:"server_url" validate:"required,url"`
	MachineID    string `toml:"machine_id"`
	Interval     string `toml:"interval"`
	Transport    string `toml:"transport" validate:"oneof=stream batch"`
	NetworkRange string `toml:"network_range" validate:"omitempty,cidr"`
	LogLevel     string `toml:"log_level" validate:"oneof=debug info warn error"`
}

// ParseReportInterval parses the interval advertised to agents. Zero means unset.
func (s *ServerConfig) ParseReportInterval() (time.Duration, error) {
	return parseOptional(s.ReportInterval)
}

// ParseStreamIdleTimeout parses the stream read deadline. Zero disables it.
func (s *ServerConfig) ParseStreamIdleTimeout() (time.Duration, error) {
	return parseOptional(s.StreamIdleTimeout)
}

// ParseShutdownTimeout parses the graceful shutdown budget.
func (s *ServerConfig) ParseShutdownTimeout() (time.Duration, error) {
	if s.ShutdownTimeout == "" {
		return 10 * time.Second, nil
	}
	return time.ParseDuration(s.ShutdownTimeout)
}

// ParseInterval parses the agent report interval string to a time.Duration.
func (a *AgentConfig) ParseInterval() (time.Duration, error) {
	if a.Interval == "" {
		return 60 * time.Second, nil
	}
	return time.ParseDuration(a.Interval)
}

func parseOptional(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Load reads and parses a TOML config file, applying defaults for unset values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(cfg)
	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and duration syntax.
func (cfg *Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	durations := map[string]string{
		"server.report_interval":     cfg.Server.ReportInterval,
		"server.stream_idle_timeout": cfg.Server.StreamIdleTimeout,
		"server.shutdown_timeout":    cfg.Server.ShutdownTimeout,
		"agent.interval":             cfg.Agent.Interval,
	}
	for key, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func (cfg *Config) expandPaths() {
	cfg.Storage.Path = ExpandPath(cfg.Storage.Path)
	cfg.Server.RPCSocket = ExpandPath(cfg.Server.RPCSocket)
}

// ExpandPath expands tilde (~) to the user's home directory.
func ExpandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	usr, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return usr.HomeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(usr.HomeDir, path[2:])
	}
	return path
}

func applyDefaults(cfg *Config) {

	// Server defaults
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = "127.0.0.1:5000"
	}
	if cfg.Server.RPCSocket == "" {
		cfg.Server.RPCSocket = "/run/wk/server.sock"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}

	// Storage defaults
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "bolt"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/lib/wk/hosts.db"
	}

	// Ingest defaults
	if cfg.Ingest.MailboxCapacity == 0 {
		cfg.Ingest.MailboxCapacity = 16
	}
	if cfg.Ingest.MailboxMode == "" {
		cfg.Ingest.MailboxMode = MailboxPerHost
	}

	// Agent defaults
	if cfg.Agent.ServerURL == "" {
		cfg.Agent.ServerURL = "http://127.0.0.1:5000"
	}
	if cfg.Agent.Interval == "" {
		cfg.Agent.Interval = "60s"
	}
	if cfg.Agent.Transport == "" {
		cfg.Agent.Transport = "stream"
	}
	if cfg.Agent.LogLevel == "" {
		cfg.Agent.LogLevel = "info"
	}
}
