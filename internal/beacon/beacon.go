// Package beacon defines the DTN neighbor-discovery beacon and its wire codec.
package beacon

import (
	"bytes"
	"net/netip"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Version is the beacon format version written by New.
const Version uint8 = 8

// Beacon is sent periodically by a DTN node to advertise itself to peers on
// the local segment.
type Beacon struct {
	// Version of the beacon format.
	Version uint8
	// NodeID is nil for anonymous beacons.
	NodeID *string
	// SequenceNumber grows by one for each beacon a node emits and wraps on overflow.
	SequenceNumber uint64
	// Services advertised by the node, in insertion order.
	Services []Service
	// Period is the expected interval between beacons, nil if unspecified.
	Period *time.Duration
}

// New returns an empty version 8 beacon with sequence number 0.
func New() *Beacon {
	return &Beacon{Version: Version}
}

// SetNodeID sets the advertised node identifier.
func (b *Beacon) SetNodeID(id string) {
	b.NodeID = &id
}

// SetPeriod sets the advertised beacon period.
func (b *Beacon) SetPeriod(d time.Duration) {
	b.Period = &d
}

// AddService appends services to the beacon.
func (b *Beacon) AddService(s ...Service) {
	b.Services = append(b.Services, s...)
}

// Next returns a copy of b with the sequence number advanced by one. b is not
// modified and the copy shares no memory with it.
func (b *Beacon) Next() *Beacon {
	next := &Beacon{
		Version:        b.Version,
		SequenceNumber: b.SequenceNumber + 1,
	}
	if b.NodeID != nil {
		next.SetNodeID(*b.NodeID)
	}
	if b.Period != nil {
		next.SetPeriod(*b.Period)
	}
	if b.Services != nil {
		next.Services = make([]Service, len(b.Services))
		for i, s := range b.Services {
			next.Services[i] = cloneService(s)
		}
	}
	return next
}

// CLAAddresses returns the dialable addresses of every convergence layer
// service in b, reached through src.
func (b *Beacon) CLAAddresses(src netip.Addr) []string {
	var addrs []string
	for _, s := range b.Services {
		if !s.IsCLA() {
			continue
		}
		addr, err := s.CLAAddress(src)
		if err != nil {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

// AsBytes encodes the beacon.
func (b *Beacon) AsBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeBeacon(msgpack.NewEncoder(&buf), b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Parse decodes a beacon from data. Malformed input yields a *DecodeError.
func Parse(data []byte) (*Beacon, error) {
	r := bytes.NewReader(data)
	b := &Beacon{}
	if err := decodeBeacon(msgpack.NewDecoder(r), b); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, &DecodeError{Field: "beacon", Err: ErrTrailingData}
	}
	return b, nil
}
