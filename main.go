// dtnbeacon: DTN neighbor discovery beacons
//
// Usage:
//
//	dtnbeacon node: advertise this node and record peers
//	dtnbeacon peers: list peers known to the running node
//	dtnbeacon decode: parse a hex encoded beacon
package main

import (
	"fmt"
	"os"

	"dtnbeacon/cmd/decode"
	"dtnbeacon/cmd/node"
	"dtnbeacon/cmd/peers"
	"dtnbeacon/internal/beacon"
)

const (
	defaultSystemPath = "/etc/dtnbeacon/config.toml"
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
		if len(arg) > 9 && arg[:9] == "--config=" {
			configPath = arg[9:]
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
	case "node":
		err = node.Run(configPath)
	case "peers":
		err = peers.Run(configPath, args[1:])
	case "decode":
		err = decode.Run(args[1:])
	case "edit":
		err = node.EditConfig(configPath)
	case "version":
		fmt.Printf("dtnbeacon v%s (beacon format %d)\n", version, beacon.Version)
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
	fmt.Printf(`dtnbeacon v%s: DTN neighbor discovery beacons

Usage:
  dtnbeacon <command> [--config <path>]

Commands:
  node              Start the discovery node (sends beacons & records peers)
  peers [--all]     List peers known to the running node
  decode <hex|->    Parse a hex encoded beacon [--src <ip> to derive CLA addresses]
  edit              Edit the configuration file in your system editor
  version           Print version information
  help              Show this help message

Options:
  --config <path>  Path to config file (default: looks for ./config.toml, then %s)

Examples:
  dtnbeacon node                        # Start node with default config
  dtnbeacon peers --all                 # Include peers that went quiet
  dtnbeacon decode 9408000090           # Inspect a captured beacon

`, version, defaultSystemPath)
}
