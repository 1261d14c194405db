package node

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

const defaultConfigTemplate = `[node]
  # node_id       = "dtn://myhost/"   # defaults to dtn://<hostname>/
  anonymous       = false
  interfaces      = []                # empty: every multicast interface
  multicast_v4    = "224.0.0.26"      # "off" to disable
  multicast_v6    = "ff02::1"         # "off" to disable
  port            = 3003
  interval        = "10s"
  advertise_period = true
  db_path         = "/var/lib/dtnbeacon/peers.db"
  rpc_socket      = "/run/dtnbeacon/node.sock"
  stale_threshold = "30s"
  log_level       = "info"
  metrics_listen  = ""                # e.g. "127.0.0.1:9100"

[[service]]
  type = "tcpclv4"
  port = 4556

[peers]
  rpc_socket = "/run/dtnbeacon/node.sock"
`

// EditConfig opens the configuration file in the system editor.
// If the file does not exist, it creates it with default values.
func EditConfig(path string) error {
	if err := writeTemplate(path); err != nil {
		return err
	}

	// Determine editor
	editor := os.Getenv("EDITOR")
	if editor == "" {
		// Fallback to vi or nano
		for _, e := range []string{"vi", "nano", "vim"} {
			if _, err := exec.LookPath(e); err == nil {
				editor = e
				break
			}
		}
	}

	if editor == "" {
		return fmt.Errorf("no editor found ($EDITOR environment variable not set, and vi/nano/vim not in PATH)")
	}

	cmd := exec.Command(editor, path)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// writeTemplate creates path with the default configuration unless it
// already exists.
func writeTemplate(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("Creating new config file at %s...\n", path)
		if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
			return fmt.Errorf("writing default config: %w", err)
		}
	}
	return nil
}
