// Package hosts implements the wk hosts CLI, which lists stored hosts through
// the server's RPC socket.
package hosts

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/tsln1998/wk/internal/rpc"
	"github.com/tsln1998/wk/internal/store"
	"github.com/tsln1998/wk/pkg/config"
)

const defaultWidth = 120

// Run prints the host table, or one host in detail when a machine id is given.
func Run(configPath string, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Connect to RPC server
	client, err := rpc.NewClient(cfg.Server.RPCSocket)
	if err != nil {
		return fmt.Errorf("connecting to server: %w\nIs 'wk server' running?", err)
	}
	defer client.Close()

	if len(args) > 0 {
		host, err := client.GetHost(args[0])
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no host with machine id %s", args[0])
		}
		if err != nil {
			return fmt.Errorf("fetching host: %w", err)
		}
		displayHost(os.Stdout, host)
		return nil
	}

	hosts, err := client.ListHosts()
	if err != nil {
		return fmt.Errorf("fetching hosts: %w", err)
	}

	if len(hosts) == 0 {
		fmt.Println("No hosts have reported yet. Make sure agents are running.")
		return nil
	}

	fmt.Printf("\n  Hosts (%d found)\n\n", len(hosts))
	displayHostTable(os.Stdout, hosts, terminalWidth())
	return nil
}

func terminalWidth() int {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return defaultWidth
	}
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return defaultWidth
	}
	return w
}

// displayHostTable prints one row per host. The OS column absorbs whatever
// width the terminal leaves over.
func displayHostTable(w io.Writer, hosts []store.Host, width int) {
	const fixed = 2 + 5 + 33 + 16 + 8 + 8 + 4
	osWidth := width - fixed
	if osWidth < 12 {
		osWidth = 12
	}
	if osWidth > 40 {
		osWidth = 40
	}

	fmt.Fprintf(w, "  %-4s %-32s %-15s %-7s %-*s %-7s %s\n",
		"#", "Machine ID", "IP Address", "Country", osWidth, "OS", "Arch", "VM")
	fmt.Fprintf(w, "  %s %s %s %s %s %s %s\n",
		strings.Repeat("─", 4),
		strings.Repeat("─", 32),
		strings.Repeat("─", 15),
		strings.Repeat("─", 7),
		strings.Repeat("─", osWidth),
		strings.Repeat("─", 7),
		strings.Repeat("─", 2))

	for i, h := range hosts {
		vm := "✗"
		if h.OSVirtualization {
			vm = "✓"
		}
		osName := h.OSName
		if osName == "" {
			osName = h.OSFamily
		}

		fmt.Fprintf(w, "  %-4d %-32s %-15s %-7s %-*s %-7s %s\n",
			i+1,
			truncate(h.MachineID, 32),
			orDash(h.MachineIP),
			orDash(h.MachineCountry),
			osWidth, truncate(orDash(osName), osWidth),
			truncate(orDash(h.OSArch), 7),
			vm,
		)
	}
}

func displayHost(w io.Writer, h *store.Host) {
	rows := [][2]string{
		{"Host ID", h.ID.String()},
		{"Machine ID", h.MachineID},
		{"IP Address", orDash(h.MachineIP)},
		{"Country", orDash(h.MachineCountry)},
		{"Geo", orDash(h.MachineGeo)},
		{"OS Family", orDash(h.OSFamily)},
		{"OS Name", orDash(h.OSName)},
		{"OS Version", orDash(h.OSVersion)},
		{"Arch", orDash(h.OSArch)},
		{"Build", orDash(h.OSBuild)},
		{"Virtualized", fmt.Sprintf("%t", h.OSVirtualization)},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "  %-12s %s\n", r[0]+":", r[1])
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len([]rune(s)) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen-1]) + "…"
}
