// Package config provides TOML configuration loading for dtnbeacon.
package config

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/vmihailenco/msgpack/v5"

	"dtnbeacon/internal/beacon"
	"dtnbeacon/internal/sysinfo"
)

// Config is the top-level configuration structure.
type Config struct {
	Node     NodeConfig      `toml:"node"`
	Services []ServiceConfig `toml:"service"`
	Peers    PeersConfig     `toml:"peers"`
}

// NodeConfig holds settings for the discovery node.
type NodeConfig struct {
	NodeID          string   `toml:"node_id"`
	Anonymous       bool     `toml:"anonymous"`
	Interfaces      []string `toml:"interfaces"`
	MulticastV4     string   `toml:"multicast_v4"`
	MulticastV6     string   `toml:"multicast_v6"`
	Port            int      `toml:"port"`
	Interval        string   `toml:"interval"`
	AdvertisePeriod *bool    `toml:"advertise_period"`
	DBPath          string   `toml:"db_path"`
	RPCSocket       string   `toml:"rpc_socket"`
	StaleThreshold  string   `toml:"stale_threshold"`
	LogLevel        string   `toml:"log_level"`
	MetricsListen   string   `toml:"metrics_listen"`
}

// ServiceConfig describes one advertised service.
type ServiceConfig struct {
	Type      string      `toml:"type"`
	Port      int         `toml:"port"`
	Latitude  float32     `toml:"latitude"`
	Longitude float32     `toml:"longitude"`
	Address   string      `toml:"address"`
	Tag       int         `toml:"tag"`
	Value     interface{} `toml:"value"`
}

// PeersConfig holds settings for the peers CLI.
type PeersConfig struct {
	RPCSocket string `toml:"rpc_socket"`
}

// ParseInterval parses the node beacon interval string to a time.Duration.
func (n *NodeConfig) ParseInterval() (time.Duration, error) {
	if n.Interval == "" {
		return 10 * time.Second, nil
	}
	d, err := time.ParseDuration(n.Interval)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %s", n.Interval)
	}
	return d, nil
}

// ParseStaleThreshold parses the node stale threshold string to a time.Duration.
func (n *NodeConfig) ParseStaleThreshold() (time.Duration, error) {
	if n.StaleThreshold == "" {
		return 30 * time.Second, nil
	}
	return time.ParseDuration(n.StaleThreshold)
}

// Groups parses the multicast groups to join. A group set to "off" is skipped.
func (n *NodeConfig) Groups() ([]netip.Addr, error) {
	var groups []netip.Addr
	for _, g := range []struct {
		name, value string
		v4          bool
	}{
		{"multicast_v4", n.MulticastV4, true},
		{"multicast_v6", n.MulticastV6, false},
	} {
		if g.value == "off" {
			continue
		}
		addr, err := netip.ParseAddr(g.value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", g.name, err)
		}
		if !addr.IsMulticast() || addr.Is4() != g.v4 {
			return nil, fmt.Errorf("%s: %s is not a multicast group of the right family", g.name, g.value)
		}
		groups = append(groups, addr)
	}
	if len(groups) == 0 {
		return nil, fmt.Errorf("both multicast groups are off")
	}
	return groups, nil
}

// Service converts the entry into a beacon service.
func (s ServiceConfig) Service() (beacon.Service, error) {
	switch s.Type {
	case "tcpclv4", "tcpclv3", "mtcp":
		if s.Port < 0 || s.Port > 65535 {
			return nil, fmt.Errorf("%s service: port %d out of range", s.Type, s.Port)
		}
		port := uint16(s.Port)
		switch s.Type {
		case "tcpclv4":
			return beacon.TCPCLv4{Port: port}, nil
		case "tcpclv3":
			return beacon.TCPCLv3{Port: port}, nil
		default:
			return beacon.MTCPCL{Port: port}, nil
		}
	case "geo":
		return beacon.GeoLocation{Latitude: s.Latitude, Longitude: s.Longitude}, nil
	case "address":
		return beacon.Address{Address: s.Address}, nil
	case "raw":
		if s.Tag < 0 || s.Tag > 255 || beacon.ServiceTag(s.Tag).Known() {
			return nil, fmt.Errorf("raw service: tag %d is reserved or out of range", s.Tag)
		}
		var buf bytes.Buffer
		enc := msgpack.NewEncoder(&buf)
		// TOML tables decode to maps; keep their encoding stable across runs.
		enc.SetSortMapKeys(true)
		if err := enc.Encode(s.Value); err != nil {
			return nil, fmt.Errorf("raw service: encoding value: %w", err)
		}
		return beacon.Unknown{Type: beacon.ServiceTag(s.Tag), Value: buf.Bytes()}, nil
	default:
		return nil, fmt.Errorf("unknown service type %q", s.Type)
	}
}

// Beacon builds the initial beacon advertised by this node.
func (cfg *Config) Beacon() (*beacon.Beacon, error) {
	b := beacon.New()
	if !cfg.Node.Anonymous {
		b.SetNodeID(cfg.Node.NodeID)
	}
	if cfg.Node.AdvertisePeriod == nil || *cfg.Node.AdvertisePeriod {
		interval, err := cfg.Node.ParseInterval()
		if err != nil {
			return nil, fmt.Errorf("parsing interval: %w", err)
		}
		b.SetPeriod(interval)
	}
	for i, sc := range cfg.Services {
		s, err := sc.Service()
		if err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}
		b.AddService(s)
	}
	return b, nil
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
	return cfg, nil
}

func (cfg *Config) expandPaths() {
	cfg.Node.DBPath = ExpandPath(cfg.Node.DBPath)
	cfg.Node.RPCSocket = ExpandPath(cfg.Node.RPCSocket)
	cfg.Peers.RPCSocket = ExpandPath(cfg.Peers.RPCSocket)
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

// DefaultNodeID derives a node identifier from the local host name.
func DefaultNodeID() string {
	return "dtn://" + sysinfo.Hostname() + "/"
}

func applyDefaults(cfg *Config) {

	// Node defaults
	if cfg.Node.NodeID == "" {
		cfg.Node.NodeID = DefaultNodeID()
	}
	if cfg.Node.MulticastV4 == "" {
		cfg.Node.MulticastV4 = "224.0.0.26"
	}
	if cfg.Node.MulticastV6 == "" {
		cfg.Node.MulticastV6 = "ff02::1"
	}
	if cfg.Node.Port == 0 {
		cfg.Node.Port = 3003
	}
	if cfg.Node.Interval == "" {
		cfg.Node.Interval = "10s"
	}
	if cfg.Node.AdvertisePeriod == nil {
		advertise := true
		cfg.Node.AdvertisePeriod = &advertise
	}
	if cfg.Node.DBPath == "" {
		cfg.Node.DBPath = "/var/lib/dtnbeacon/peers.db"
	}
	if cfg.Node.RPCSocket == "" {
		cfg.Node.RPCSocket = "/run/dtnbeacon/node.sock"
	}
	if cfg.Node.StaleThreshold == "" {
		cfg.Node.StaleThreshold = "30s"
	}
	if cfg.Node.LogLevel == "" {
		cfg.Node.LogLevel = "info"
	}

	// Peers defaults
	if cfg.Peers.RPCSocket == "" {
		cfg.Peers.RPCSocket = cfg.Node.RPCSocket
	}
}
