// wk — agent host-ingestion service
//
// Usage:
//
//	wk server — accept agent reports and persist host records
//	wk agent  — collect local facts and report them to a server
//	wk hosts  — list hosts known to a running server
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/tsln1998/wk/cmd/agent"
	"github.com/tsln1998/wk/cmd/edit"
	"github.com/tsln1998/wk/cmd/hosts"
	"github.com/tsln1998/wk/cmd/server"
)

const (
	defaultSystemPath = "/etc/wk/config.toml"
	defaultLocalPath  = "config.toml"
	version           = "0.3.0"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	configPath := ""

	// Parse --config flag if present
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" && i+1 < len(args) {
			configPath = args[i+1]
			args = append(args[:i], args[i+2:]...)
			i--
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			configPath = strings.TrimPrefix(arg, "--config=")
			args = append(args[:i], args[i+1:]...)
			i--
			continue
		}
	}

	// Auto-discover config if not specified
	if configPath == "" {
		if _, err := os.Stat(defaultLocalPath); err == nil {
			configPath = defaultLocalPath
		} else {
			configPath = defaultSystemPath
		}
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	var err error

	switch subcommand {
	case "server":
		err = server.Run(configPath)
	case "agent":
		err = agent.Run(configPath, args[1:])
	case "hosts":
		err = hosts.Run(configPath, args[1:])
	case "edit":
		err = edit.Config(configPath)
	case "version":
		fmt.Printf("wk v%s\n", version)
		return
	case "help", "--help", "-h":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`wk v%s — agent host-ingestion service

Usage:
  wk <command> [--config <path>] [args]

Commands:
  server           Accept agent reports over HTTP and WebSocket
  agent [flags]    Report this machine to a server (see 'wk agent --help')
  hosts [id]       List known hosts, or show one by machine id
  edit             Edit the configuration file in your system editor
  version          Print version information
  help             Show this help message

Options:
  --config <path>  Path to config file (default: looks for ./config.toml, then %s)

Examples:
  wk server                                  # Start the server with default config
  wk agent --server http://10.0.0.1:5000     # Report to a remote server
  wk agent --transport batch --interval 5m   # Use periodic batch posts
  wk hosts                                   # Show reported hosts

`, version, defaultSystemPath)
}
