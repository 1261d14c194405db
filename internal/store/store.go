// Package store provides a BoltDB-backed peer table for dtnbeacon.
package store

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"dtnbeacon/internal/beacon"
	"dtnbeacon/internal/metrics"
)

var peersBucket = []byte("peers")

// missedBeacons is how many advertised periods may pass before a peer is stale.
const missedBeacons = 3

// PeerRecord represents a discovered peer in the database.
type PeerRecord struct {
	Key            string        `msgpack:"key"`
	NodeID         string        `msgpack:"node_id,omitempty"`
	Source         string        `msgpack:"source"`
	Version        uint8         `msgpack:"version"`
	SequenceNumber uint64        `msgpack:"sequence_number"`
	Period         time.Duration `msgpack:"period,omitempty"`
	CLAAddresses   []string      `msgpack:"cla_addresses"`
	Services       []string      `msgpack:"services"`
	Beacon         []byte        `msgpack:"beacon"`
	FirstSeen      time.Time     `msgpack:"first_seen"`
	LastSeen       time.Time     `msgpack:"last_seen"`
	BeaconCount    uint64        `msgpack:"beacon_count"`
	Active         bool          `msgpack:"active"`
}

// PeerKey identifies the sender of b: its node identifier, or its source
// address for anonymous beacons.
func PeerKey(b *beacon.Beacon, src netip.Addr) string {
	if b.NodeID != nil {
		return *b.NodeID
	}
	return "anon:" + src.Unmap().String()
}

// Store wraps a bbolt database for peer records.
type Store struct {
	db  *bolt.DB
	mu  sync.RWMutex
	log zerolog.Logger
	now func() time.Time
}

// New opens or creates a BoltDB file at the given path.
func New(path string, log zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	// Ensure the peers bucket exists
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(peersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating peers bucket: %w", err)
	}

	return &Store{db: db, log: log, now: time.Now}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert inserts or updates the record of the peer that sent b from src.
// raw is the datagram b was parsed from. It reports whether the peer was new.
func (s *Store) Upsert(src netip.Addr, b *beacon.Beacon, raw []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := PeerKey(b, src)
	created := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(peersBucket)
		now := s.now()

		var record PeerRecord
		if existing := bk.Get([]byte(key)); existing != nil {
			if err := msgpack.Unmarshal(existing, &record); err != nil {
				s.log.Warn().Err(err).Str("peer", key).Msg("Failed to unmarshal existing record, overwriting")
				record = PeerRecord{FirstSeen: now}
			}
		} else {
			record.FirstSeen = now
			created = true
		}

		record.Key = key
		record.Source = src.Unmap().String()
		record.Version = b.Version
		record.SequenceNumber = b.SequenceNumber
		record.Period = 0
		if b.Period != nil {
			record.Period = *b.Period
		}
		record.NodeID = ""
		if b.NodeID != nil {
			record.NodeID = *b.NodeID
		}
		record.CLAAddresses = b.CLAAddresses(src)
		record.Services = record.Services[:0]
		for _, svc := range b.Services {
			record.Services = append(record.Services, fmt.Sprint(svc))
		}
		record.Beacon = append([]byte(nil), raw...)
		record.LastSeen = now
		record.BeaconCount++
		record.Active = true

		data, err := msgpack.Marshal(&record)
		if err != nil {
			return fmt.Errorf("marshaling peer record: %w", err)
		}
		return bk.Put([]byte(key), data)
	})
	if err != nil {
		return false, err
	}

	if created {
		s.log.Info().
			Str("peer", key).
			Str("source", src.String()).
			Strs("cla", b.CLAAddresses(src)).
			Msg("New peer discovered")
	} else {
		s.log.Debug().
			Str("peer", key).
			Uint64("sequence", b.SequenceNumber).
			Msg("Peer updated")
	}
	return created, nil
}

// Get returns the record stored under key.
func (s *Store) Get(key string) (*PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var record *PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(peersBucket).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("peer %s not found", key)
		}
		record = &PeerRecord{}
		if err := msgpack.Unmarshal(v, record); err != nil {
			return fmt.Errorf("unmarshaling record: %w", err)
		}
		return nil
	})
	return record, err
}

// GetAll returns all peer records, ordered by key.
func (s *Store) GetAll() ([]PeerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(peersBucket)
		return b.ForEach(func(k, v []byte) error {
			var record PeerRecord
			if err := msgpack.Unmarshal(v, &record); err != nil {
				s.log.Warn().Err(err).Str("key", string(k)).Msg("Skipping corrupt record")
				return nil
			}
			records = append(records, record)
			return nil
		})
	})
	return records, err
}

// GetActive returns only active peer records.
func (s *Store) GetActive() ([]PeerRecord, error) {
	all, err := s.GetAll()
	if err != nil {
		return nil, err
	}

	var active []PeerRecord
	for _, r := range all {
		if r.Active {
			active = append(active, r)
		}
	}
	return active, nil
}

// RunExpiry marks peers inactive once they have not been heard from for
// threshold or for missedBeacons of their advertised periods, whichever is
// longer. It checks every checkInterval until ctx is cancelled.
func (s *Store) RunExpiry(ctx context.Context, checkInterval, threshold time.Duration) {
	go func() {
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.expireStalePeers(threshold)
			}
		}
	}()
}

func (s *Store) expireStalePeers(threshold time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	active := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(peersBucket)
		return b.ForEach(func(k, v []byte) error {
			var record PeerRecord
			if err := msgpack.Unmarshal(v, &record); err != nil {
				return nil
			}
			if !record.Active {
				return nil
			}

			window := threshold
			if p := missedBeacons * record.Period; p > window {
				window = p
			}
			if !record.LastSeen.Before(now.Add(-window)) {
				active++
				return nil
			}

			record.Active = false

			s.log.Info().
				Str("peer", record.Key).
				Time("last_seen", record.LastSeen).
				Dur("window", window).
				Msg("Peer marked inactive")

			data, err := msgpack.Marshal(&record)
			if err != nil {
				return nil
			}
			return b.Put(k, data)
		})
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Database error during expiry check")
		return
	}
	metrics.ActivePeers.Set(float64(active))
}
