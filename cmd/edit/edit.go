// Package edit implements the wk edit CLI.
package edit

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
)

const defaultConfigTemplate = `[server]
  listen              = "127.0.0.1:5000"
  rpc_socket          = "/run/wk/server.sock"
  max_conns           = 0
  rate_limit          = 0.0
  report_interval     = "60s"
  stream_idle_timeout = "5m"
  shutdown_timeout    = "10s"
  debug               = false
  log_level           = "info"

[storage]
  driver = "bolt"                  # bolt or sqlite
  path   = "/var/lib/wk/hosts.db"

[ingest]
  mailbox_capacity = 16
  mailbox_mode     = "per-host"    # per-host or per-session

[agent]
  server_url    = "http://127.0.0.1:5000"
  machine_id    = ""               # derived from host facts when empty
  interval      = "60s"
  transport     = "stream"         # stream or batch
  network_range = ""
  log_level     = "info"
`

// Config opens path in an editor. A missing file is first seeded with the
// [server], [storage], [ingest] and [agent] sections at their defaults.
func Config(path string) error {
	if err := seed(path); err != nil {
		return err
	}

	editor, err := findEditor()
	if err != nil {
		return err
	}

	cmd := exec.Command(editor, path)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running %s: %w", editor, err)
	}
	return nil
}

// seed writes the default template to path unless something is already there.
func seed(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
		return fmt.Errorf("seeding %s: %w", path, err)
	}
	fmt.Printf("Wrote default wk config with [server], [storage], [ingest] and [agent] sections to %s\n", path)
	return nil
}

var fallbackEditors = []string{"vi", "nano", "vim"}

func findEditor() (string, error) {
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor, nil
	}
	for _, name := range fallbackEditors {
		if _, err := exec.LookPath(name); err == nil {
			return name, nil
		}
	}
	return "", errors.New("set $EDITOR to edit the wk config; none of vi, nano or vim is installed")
}
