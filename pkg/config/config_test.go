package config

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/vmihailenco/msgpack/v5"

	"dtnbeacon/internal/beacon"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoad_ValidConfig(t *testing.T) {
	cfgPath := writeConfig(t, `
[node]
  node_id = "dtn://node1/"
  interfaces = ["eth0", "wlan0"]
  multicast_v4 = "239.1.2.3"
  port = 4000
  interval = "5s"
  db_path = "/tmp/test.db"
  rpc_socket = "/tmp/test.sock"
  stale_threshold = "20s"
  log_level = "debug"
  metrics_listen = "127.0.0.1:9100"

[[service]]
  type = "tcpclv4"
  port = 4556

[[service]]
  type = "geo"
  latitude = 48.5
  longitude = 2.25

[[service]]
  type = "address"
  address = "room 1"

[peers]
  rpc_socket = "/tmp/peers.sock"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Node.NodeID != "dtn://node1/" {
		t.Errorf("Node.NodeID: got %s, want dtn://node1/", cfg.Node.NodeID)
	}
	if diff := cmp.Diff([]string{"eth0", "wlan0"}, cfg.Node.Interfaces); diff != "" {
		t.Errorf("Node.Interfaces (-want +got):\n%s", diff)
	}
	if cfg.Node.MulticastV4 != "239.1.2.3" {
		t.Errorf("Node.MulticastV4: got %s, want 239.1.2.3", cfg.Node.MulticastV4)
	}
	if cfg.Node.Port != 4000 {
		t.Errorf("Node.Port: got %d, want 4000", cfg.Node.Port)
	}
	if cfg.Node.LogLevel != "debug" {
		t.Errorf("Node.LogLevel: got %s, want debug", cfg.Node.LogLevel)
	}
	if cfg.Node.MetricsListen != "127.0.0.1:9100" {
		t.Errorf("Node.MetricsListen: got %s, want 127.0.0.1:9100", cfg.Node.MetricsListen)
	}
	if cfg.Peers.RPCSocket != "/tmp/peers.sock" {
		t.Errorf("Peers.RPCSocket: got %s, want /tmp/peers.sock", cfg.Peers.RPCSocket)
	}
	if len(cfg.Services) != 3 {
		t.Fatalf("expected 3 services, got %d", len(cfg.Services))
	}

	b, err := cfg.Beacon()
	if err != nil {
		t.Fatalf("building beacon: %v", err)
	}

	id := "dtn://node1/"
	period := 5 * time.Second
	want := &beacon.Beacon{
		Version: beacon.Version,
		NodeID:  &id,
		Period:  &period,
		Services: []beacon.Service{
			beacon.TCPCLv4{Port: 4556},
			beacon.GeoLocation{Latitude: 48.5, Longitude: 2.25},
			beacon.Address{Address: "room 1"},
		},
	}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("beacon mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Defaults(t *testing.T) {
	// Empty config, all defaults should apply
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.Node.NodeID != DefaultNodeID() {
		t.Errorf("default NodeID: got %s, want %s", cfg.Node.NodeID, DefaultNodeID())
	}
	if cfg.Node.Port != 3003 {
		t.Errorf("default Port: got %d, want 3003", cfg.Node.Port)
	}
	if cfg.Node.MulticastV4 != "224.0.0.26" {
		t.Errorf("default MulticastV4: got %s, want 224.0.0.26", cfg.Node.MulticastV4)
	}
	if cfg.Node.MulticastV6 != "ff02::1" {
		t.Errorf("default MulticastV6: got %s, want ff02::1", cfg.Node.MulticastV6)
	}
	if cfg.Node.Interval != "10s" {
		t.Errorf("default Interval: got %s, want 10s", cfg.Node.Interval)
	}
	if cfg.Node.AdvertisePeriod == nil || !*cfg.Node.AdvertisePeriod {
		t.Error("default AdvertisePeriod: want true")
	}
	if cfg.Node.StaleThreshold != "30s" {
		t.Errorf("default StaleThreshold: got %s, want 30s", cfg.Node.StaleThreshold)
	}
	if cfg.Node.LogLevel != "info" {
		t.Errorf("default LogLevel: got %s, want info", cfg.Node.LogLevel)
	}
	if cfg.Peers.RPCSocket != cfg.Node.RPCSocket {
		t.Errorf("default Peers.RPCSocket: got %s, want %s", cfg.Peers.RPCSocket, cfg.Node.RPCSocket)
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid [[[ toml"))
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestBeacon_AnonymousWithoutPeriod(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[node]
  anonymous = true
  advertise_period = false
`))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	b, err := cfg.Beacon()
	if err != nil {
		t.Fatalf("building beacon: %v", err)
	}
	if b.NodeID != nil {
		t.Errorf("NodeID: got %q, want nil", *b.NodeID)
	}
	if b.Period != nil {
		t.Errorf("Period: got %v, want nil", *b.Period)
	}
}

func TestServiceConfig_Raw(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[[service]]
  type = "raw"
  tag = 200
  value = "battery=80"
`))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	s, err := cfg.Services[0].Service()
	if err != nil {
		t.Fatalf("Service failed: %v", err)
	}
	u, ok := s.(beacon.Unknown)
	if !ok {
		t.Fatalf("expected beacon.Unknown, got %T", s)
	}
	if u.Type != 200 {
		t.Errorf("Type: got %d, want 200", u.Type)
	}
	want, _ := msgpack.Marshal("battery=80")
	if !bytes.Equal(u.Value, want) {
		t.Errorf("Value: got %x, want %x", u.Value, want)
	}
}

func TestServiceConfig_Invalid(t *testing.T) {
	tests := []ServiceConfig{
		{Type: "tcpclv4", Port: -1},
		{Type: "mtcp", Port: 70000},
		{Type: "raw", Tag: int(beacon.TagAddress)},
		{Type: "raw", Tag: 256},
		{Type: "carrier-pigeon"},
	}
	for _, sc := range tests {
		if _, err := sc.Service(); err == nil {
			t.Errorf("%+v: expected error", sc)
		}
	}
}

func TestParseInterval(t *testing.T) {
	cfg := &NodeConfig{Interval: "2s"}
	d, err := cfg.ParseInterval()
	if err != nil {
		t.Fatalf("parse interval: %v", err)
	}
	if d.Seconds() != 2 {
		t.Errorf("Interval: got %v, want 2s", d)
	}
}

func TestParseInterval_Default(t *testing.T) {
	cfg := &NodeConfig{}
	d, err := cfg.ParseInterval()
	if err != nil {
		t.Fatalf("parse interval: %v", err)
	}
	if d.Seconds() != 10 {
		t.Errorf("Default interval: got %v, want 10s", d)
	}
}

func TestParseInterval_NonPositive(t *testing.T) {
	cfg := &NodeConfig{Interval: "0s"}
	if _, err := cfg.ParseInterval(); err == nil {
		t.Error("expected error for zero interval")
	}
}

func TestParseStaleThreshold(t *testing.T) {
	cfg := &NodeConfig{StaleThreshold: "120s"}
	d, err := cfg.ParseStaleThreshold()
	if err != nil {
		t.Fatalf("parse threshold: %v", err)
	}
	if d.Seconds() != 120 {
		t.Errorf("Threshold: got %v, want 120s", d)
	}
}

func TestGroups(t *testing.T) {
	cfg := &NodeConfig{MulticastV4: "224.0.0.26", MulticastV6: "ff02::1"}
	groups, err := cfg.Groups()
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	want := []netip.Addr{netip.MustParseAddr("224.0.0.26"), netip.MustParseAddr("ff02::1")}
	if diff := cmp.Diff(want, groups, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("groups (-want +got):\n%s", diff)
	}
}

func TestGroups_Off(t *testing.T) {
	cfg := &NodeConfig{MulticastV4: "224.0.0.26", MulticastV6: "off"}
	groups, err := cfg.Groups()
	if err != nil {
		t.Fatalf("groups: %v", err)
	}
	if len(groups) != 1 || !groups[0].Is4() {
		t.Errorf("groups: got %v, want only the IPv4 group", groups)
	}
}

func TestGroups_Invalid(t *testing.T) {
	tests := []NodeConfig{
		{MulticastV4: "10.0.0.1", MulticastV6: "off"},
		{MulticastV4: "ff02::1", MulticastV6: "off"},
		{MulticastV4: "off", MulticastV6: "224.0.0.26"},
		{MulticastV4: "not-an-ip", MulticastV6: "off"},
		{MulticastV4: "off", MulticastV6: "off"},
	}
	for _, cfg := range tests {
		if _, err := cfg.Groups(); err == nil {
			t.Errorf("%s/%s: expected error", cfg.MulticastV4, cfg.MulticastV6)
		}
	}
}

func TestServiceConfig_PortZero(t *testing.T) {
	s, err := ServiceConfig{Type: "tcpclv3"}.Service()
	if err != nil {
		t.Fatalf("Service failed: %v", err)
	}
	if s != (beacon.TCPCLv3{Port: 0}) {
		t.Errorf("got %v, want TCPCLv3(0)", s)
	}
}

func TestServiceConfig_RawTableSortedKeys(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[[service]]
  type = "raw"
  tag = 201
  value = { zeta = 1, alpha = "x", mid = true, beta = 2.5 }
`))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	first, err := cfg.Services[0].Service()
	if err != nil {
		t.Fatalf("Service failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := cfg.Services[0].Service()
		if err != nil {
			t.Fatalf("Service failed: %v", err)
		}
		if !bytes.Equal(first.(beacon.Unknown).Value, again.(beacon.Unknown).Value) {
			t.Fatalf("encoding changed between calls:\n%x\n%x", first.(beacon.Unknown).Value, again.(beacon.Unknown).Value)
		}
	}

	dec := msgpack.NewDecoder(bytes.NewReader(first.(beacon.Unknown).Value))
	n, err := dec.DecodeMapLen()
	if err != nil {
		t.Fatalf("decoding map: %v", err)
	}
	var keys []string
	for i := 0; i < n; i++ {
		k, err := dec.DecodeString()
		if err != nil {
			t.Fatalf("decoding key %d: %v", i, err)
		}
		keys = append(keys, k)
		if err := dec.Skip(); err != nil {
			t.Fatalf("skipping value %d: %v", i, err)
		}
	}
	if diff := cmp.Diff([]string{"alpha", "beta", "mid", "zeta"}, keys); diff != "" {
		t.Errorf("map keys (-want +got):\n%s", diff)
	}
}
