package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dtnbeacon/internal/discovery"
	"dtnbeacon/internal/metrics"
	"dtnbeacon/internal/rpc"
	"dtnbeacon/internal/store"
	"dtnbeacon/internal/sysinfo"
	"dtnbeacon/pkg/config"
	"dtnbeacon/pkg/logger"
)

// Run starts the beacon discovery node.
func Run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logger.Init(cfg.Node.LogLevel)

	self, err := cfg.Beacon()
	if err != nil {
		return fmt.Errorf("building beacon: %w", err)
	}
	if _, err := self.AsBytes(); err != nil {
		return fmt.Errorf("encoding beacon: %w", err)
	}

	interval, err := cfg.Node.ParseInterval()
	if err != nil {
		return fmt.Errorf("parsing interval: %w", err)
	}
	staleThreshold, err := cfg.Node.ParseStaleThreshold()
	if err != nil {
		return fmt.Errorf("parsing stale threshold: %w", err)
	}
	groups, err := cfg.Node.Groups()
	if err != nil {
		return fmt.Errorf("parsing multicast groups: %w", err)
	}

	info, err := sysinfo.Collect()
	if err != nil {
		return fmt.Errorf("collecting interfaces: %w", err)
	}
	ifaces := info.MulticastInterfaces(cfg.Node.Interfaces)
	if len(ifaces) == 0 {
		return fmt.Errorf("no usable multicast interface (configured: %v)", cfg.Node.Interfaces)
	}

	// Ensure database directory exists
	dbDir := filepath.Dir(cfg.Node.DBPath)
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return fmt.Errorf("creating database directory %s: %w", dbDir, err)
	}

	// Ensure RPC socket directory exists
	sockDir := filepath.Dir(cfg.Node.RPCSocket)
	if err := os.MkdirAll(sockDir, 0700); err != nil {
		return fmt.Errorf("creating socket directory %s: %w", sockDir, err)
	}

	db, err := store.New(cfg.Node.DBPath, log)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db.RunExpiry(ctx, 5*time.Second, staleThreshold)

	// Start RPC server (for 'dtnbeacon peers' to query this node)
	if err := rpc.StartServer(ctx, cfg.Node.RPCSocket, db, log); err != nil {
		return fmt.Errorf("starting RPC server: %w", err)
	}

	if cfg.Node.MetricsListen != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Node.MetricsListen, log); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	nodeID := "anonymous"
	if self.NodeID != nil {
		nodeID = *self.NodeID
	}
	log.Info().
		Str("node_id", nodeID).
		Str("host", info.Hostname).
		Str("os", info.OSName).
		Str("db_path", cfg.Node.DBPath).
		Int("services", len(self.Services)).
		Msg("Starting DTN beacon node")

	node := discovery.NewNode(self, discovery.Options{
		Interfaces:   ifaces,
		Groups:       groups,
		Port:         cfg.Node.Port,
		Interval:     interval,
		RestartAfter: staleThreshold,
		IsLocal:      info.IsLocal,
	}, db, log)

	go func() {
		for p := range node.Peers() {
			if p.New {
				log.Info().
					Str("peer", p.Key).
					Strs("cla", p.CLAAddresses).
					Msg("Peer available")
			}
		}
	}()

	if err := node.Run(ctx); err != nil {
		return fmt.Errorf("discovery error: %w", err)
	}
	log.Info().Msg("Shutting down")
	return nil
}
