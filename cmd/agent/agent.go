// Package agent implements the wk agent CLI entry point.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tsln1998/wk/internal/reporter"
	"github.com/tsln1998/wk/pkg/config"
	"github.com/tsln1998/wk/pkg/logger"
)

// Run starts the reporting agent. Flags in args override the [agent] section
// of the config file, which may be missing.
func Run(configPath string, args []string) error {
	cfg, err := config.Load(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	flags := pflag.NewFlagSet("agent", pflag.ContinueOnError)
	flags.StringVarP(&cfg.Agent.ServerURL, "server", "s", cfg.Agent.ServerURL, "wk server base URL")
	flags.StringVar(&cfg.Agent.MachineID, "machine-id", cfg.Agent.MachineID, "machine id to report as (derived from host facts when empty)")
	flags.StringVarP(&cfg.Agent.Interval, "interval", "i", cfg.Agent.Interval, "report interval, overridden by the server's config")
	flags.StringVarP(&cfg.Agent.Transport, "transport", "t", cfg.Agent.Transport, "transport: stream or batch")
	flags.StringVar(&cfg.Agent.NetworkRange, "network-range", cfg.Agent.NetworkRange, "only report an address inside this CIDR")
	flags.StringVar(&cfg.Agent.LogLevel, "log-level", cfg.Agent.LogLevel, "log level: debug, info, warn, error")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid agent settings: %w", err)
	}

	log := logger.Init(cfg.Agent.LogLevel)

	interval, err := cfg.Agent.ParseInterval()
	if err != nil {
		return fmt.Errorf("parsing interval: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := reporter.New(reporter.Options{
		ServerURL:    cfg.Agent.ServerURL,
		MachineID:    cfg.Agent.MachineID,
		Interval:     interval,
		Transport:    cfg.Agent.Transport,
		NetworkRange: cfg.Agent.NetworkRange,
	}, log)

	if err := r.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("Agent stopped")
	return nil
}
