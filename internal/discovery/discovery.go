// Package discovery runs the beacon node: it advertises the local beacon on
// the link-local multicast groups and records the peers it hears from.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dtnbeacon/internal/beacon"
	"dtnbeacon/internal/metrics"
	"dtnbeacon/internal/store"
	"dtnbeacon/internal/sysinfo"
)

const (
	receiveQueueSize = 64
	peerEventBuffer  = 32
)

// PeerStore persists accepted beacons.
type PeerStore interface {
	Upsert(src netip.Addr, b *beacon.Beacon, raw []byte) (bool, error)
}

// Peer is emitted for every beacon accepted from another node.
type Peer struct {
	Key          string
	Source       netip.Addr
	Beacon       *beacon.Beacon
	CLAAddresses []string
	New          bool
	ReceivedAt   time.Time
}

// Options configures a Node.
type Options struct {
	// Interfaces to send and listen on.
	Interfaces []sysinfo.Interface
	// Groups are the multicast groups, at most one per address family.
	Groups   []netip.Addr
	Port     int
	Interval time.Duration
	// RestartAfter is how long a peer may be silent before a lower sequence
	// number from it is accepted as a restart.
	RestartAfter time.Duration
	// IsLocal reports whether an address belongs to this host. Used to
	// recognise our own anonymous beacons.
	IsLocal func(netip.Addr) bool
}

// Node sends the local beacon and processes beacons from peers.
type Node struct {
	opts   Options
	store  PeerStore
	log    zerolog.Logger
	replay *replayCache
	events chan Peer
	now    func() time.Time

	closeEvents sync.Once

	mu       sync.Mutex
	current  *beacon.Beacon
	lastSent []byte
}

// NewNode returns a node advertising b, starting at b's sequence number. b
// is not modified; each send advances a private copy.
func NewNode(b *beacon.Beacon, opts Options, db PeerStore, log zerolog.Logger) *Node {
	if opts.RestartAfter <= 0 {
		opts.RestartAfter = 3 * opts.Interval
	}
	if opts.IsLocal == nil {
		opts.IsLocal = func(netip.Addr) bool { return false }
	}
	current := b.Next()
	current.SequenceNumber = b.SequenceNumber

	return &Node{
		opts:    opts,
		store:   db,
		log:     log,
		replay:  newReplayCache(replayCacheSize, opts.RestartAfter),
		events:  make(chan Peer, peerEventBuffer),
		now:     time.Now,
		current: current,
	}
}

// Peers returns the channel of accepted peer beacons. Events are dropped
// when nobody keeps up with the channel. The channel is closed when Run
// returns.
func (n *Node) Peers() <-chan Peer {
	return n.events
}

// Run opens the multicast sockets and sends and receives beacons until ctx
// is cancelled. A Node runs at most once.
func (n *Node) Run(ctx context.Context) error {
	defer n.closeEvents.Do(func() { close(n.events) })

	ifaces, err := resolveInterfaces(n.opts.Interfaces)
	if err != nil {
		return err
	}

	var transports []transport
	for _, g := range n.opts.Groups {
		t, err := openTransport(g, n.opts.Port, ifaces, n.log)
		if err != nil {
			n.log.Warn().Err(err).Str("group", g.String()).Msg("Multicast group unavailable")
			continue
		}
		transports = append(transports, t)
	}
	if len(transports) == 0 {
		return errors.New("no usable multicast group")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbox := make(chan datagram, receiveQueueSize)
	var wg sync.WaitGroup
	for _, t := range transports {
		wg.Add(1)
		go func(t transport) {
			defer wg.Done()
			if err := readLoop(ctx, t, inbox, n.log); err != nil && !errors.Is(err, context.Canceled) {
				n.log.Error().Err(err).Msg("Multicast reader stopped")
			}
		}(t)
	}
	defer func() {
		for _, t := range transports {
			t.close()
		}
		wg.Wait()
	}()

	names := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		names = append(names, iface.Name)
	}
	n.log.Info().
		Strs("interfaces", names).
		Int("port", n.opts.Port).
		Dur("interval", n.opts.Interval).
		Msg("Discovery node started")

	ticker := time.NewTicker(n.opts.Interval)
	defer ticker.Stop()

	n.broadcast(transports)
	for {
		select {
		case <-ctx.Done():
			n.log.Info().Msg("Discovery node stopped")
			return nil
		case <-ticker.C:
			n.broadcast(transports)
		case d := <-inbox:
			n.handlePacket(d.data, d.src)
		}
	}
}

// nextPacket encodes the beacon to send now and advances the sequence.
func (n *Node) nextPacket() ([]byte, uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	b := n.current
	data, err := b.AsBytes()
	if err != nil {
		return nil, 0, err
	}
	n.current = b.Next()
	n.lastSent = data
	return data, b.SequenceNumber, nil
}

func (n *Node) broadcast(transports []transport) {
	data, seq, err := n.nextPacket()
	if err != nil {
		n.log.Error().Err(err).Msg("Encoding beacon failed")
		metrics.SendErrors.Inc()
		return
	}

	for _, t := range transports {
		sent, err := t.send(data)
		if err != nil {
			n.log.Error().Err(err).Str("target", t.String()).Msg("Failed to send beacon")
			metrics.SendErrors.Inc()
			continue
		}
		metrics.BeaconsSent.Add(float64(sent))
		n.log.Debug().
			Str("target", t.String()).
			Uint64("sequence", seq).
			Int("bytes", len(data)).
			Int("interfaces", sent).
			Msg("Beacon sent")
	}
}

// isSelf reports whether b was sent by this node.
func (n *Node) isSelf(b *beacon.Beacon, packet []byte, src netip.Addr) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if b.NodeID != nil {
		return n.current.NodeID != nil && *b.NodeID == *n.current.NodeID
	}
	return n.current.NodeID == nil && n.opts.IsLocal(src) && bytes.Equal(packet, n.lastSent)
}

// handlePacket processes one received datagram and returns the outcome
// recorded for it.
func (n *Node) handlePacket(packet []byte, src netip.Addr) string {
	b, err := beacon.Parse(packet)
	if err != nil {
		n.log.Warn().Err(err).Str("src", src.String()).Int("bytes", len(packet)).Msg("Malformed beacon dropped")
		metrics.BeaconsReceived.WithLabelValues(metrics.OutcomeMalformed).Inc()
		return metrics.OutcomeMalformed
	}

	if n.isSelf(b, packet, src) {
		metrics.BeaconsReceived.WithLabelValues(metrics.OutcomeSelf).Inc()
		return metrics.OutcomeSelf
	}

	now := n.now()
	key := store.PeerKey(b, src)
	if !n.replay.accept(key, b.SequenceNumber, now) {
		n.log.Warn().
			Str("peer", key).
			Str("src", src.String()).
			Uint64("sequence", b.SequenceNumber).
			Msg("Replayed beacon dropped")
		metrics.BeaconsReceived.WithLabelValues(metrics.OutcomeReplayed).Inc()
		return metrics.OutcomeReplayed
	}
	metrics.BeaconsReceived.WithLabelValues(metrics.OutcomeAccepted).Inc()

	for _, svc := range b.Services {
		if u, ok := svc.(beacon.Unknown); ok {
			metrics.UnknownServices.WithLabelValues(fmt.Sprint(uint8(u.Type))).Inc()
		}
	}

	created, err := n.store.Upsert(src, b, packet)
	if err != nil {
		n.log.Error().Err(err).Str("peer", key).Msg("Database write error")
	}

	peer := Peer{
		Key:          key,
		Source:       src,
		Beacon:       b,
		CLAAddresses: b.CLAAddresses(src),
		New:          created,
		ReceivedAt:   now,
	}
	select {
	case n.events <- peer:
	default:
	}

	return metrics.OutcomeAccepted
}

// resolveInterfaces maps the selected host interfaces to their net form.
func resolveInterfaces(ifaces []sysinfo.Interface) ([]*net.Interface, error) {
	if len(ifaces) == 0 {
		return nil, errors.New("no multicast interfaces available")
	}
	out := make([]*net.Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		ni, err := net.InterfaceByName(iface.Name)
		if err != nil {
			return nil, fmt.Errorf("finding interface %s: %w", iface.Name, err)
		}
		out = append(out, ni)
	}
	return out, nil
}
