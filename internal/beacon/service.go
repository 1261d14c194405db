package beacon

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

// ServiceTag is the wire identifier of a service type.
type ServiceTag uint8

// Recognized service tags. Tags outside this set decode into Unknown.
const (
	TagTCPCLv4     ServiceTag = 1
	TagTCPCLv3     ServiceTag = 2
	TagMTCPCL      ServiceTag = 3
	TagGeoLocation ServiceTag = 4
	TagAddress     ServiceTag = 5
)

func (t ServiceTag) String() string {
	switch t {
	case TagTCPCLv4:
		return "tcpclv4"
	case TagTCPCLv3:
		return "tcpclv3"
	case TagMTCPCL:
		return "mtcp"
	case TagGeoLocation:
		return "geo"
	case TagAddress:
		return "address"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

// Known reports whether t is one of the recognized service tags.
func (t ServiceTag) Known() bool {
	return t >= TagTCPCLv4 && t <= TagAddress
}

// Service is a capability or attribute advertised in a beacon. The set of
// implementations is closed: TCPCLv4, TCPCLv3, MTCPCL, GeoLocation, Address
// and Unknown.
type Service interface {
	Tag() ServiceTag
	// IsCLA reports whether the service is a convergence layer endpoint.
	IsCLA() bool
	// CLAAddress returns "<scheme>:<host>:<port>" for convergence layer
	// services reached through src, or ErrNotCLA.
	CLAAddress(src netip.Addr) (string, error)

	encodePayload(enc *msgpack.Encoder) error
}

// TCPCLv4 is a TCP Convergence Layer v4 endpoint (RFC 9174).
type TCPCLv4 struct {
	Port uint16
}

// TCPCLv3 is a TCP Convergence Layer v3 endpoint (RFC 7242).
type TCPCLv3 struct {
	Port uint16
}

// MTCPCL is a Minimal TCP Convergence Layer endpoint.
type MTCPCL struct {
	Port uint16
}

// GeoLocation is the geographic position of the node.
type GeoLocation struct {
	Latitude  float32
	Longitude float32
}

// Address is a free-form physical address.
type Address struct {
	Address string
}

// Unknown is a service type this codec does not understand. Value holds the
// payload exactly as it was received so that it can be forwarded unchanged.
type Unknown struct {
	Type  ServiceTag
	Value msgpack.RawMessage
}

func (TCPCLv4) Tag() ServiceTag     { return TagTCPCLv4 }
func (TCPCLv3) Tag() ServiceTag     { return TagTCPCLv3 }
func (MTCPCL) Tag() ServiceTag      { return TagMTCPCL }
func (GeoLocation) Tag() ServiceTag { return TagGeoLocation }
func (Address) Tag() ServiceTag     { return TagAddress }
func (s Unknown) Tag() ServiceTag   { return s.Type }

func (TCPCLv4) IsCLA() bool     { return true }
func (TCPCLv3) IsCLA() bool     { return true }
func (MTCPCL) IsCLA() bool      { return true }
func (GeoLocation) IsCLA() bool { return false }
func (Address) IsCLA() bool     { return false }
func (Unknown) IsCLA() bool     { return false }

func (s TCPCLv4) CLAAddress(src netip.Addr) (string, error) {
	return claAddress("tcpclv4", src, s.Port)
}

func (s TCPCLv3) CLAAddress(src netip.Addr) (string, error) {
	return claAddress("tcpclv3", src, s.Port)
}

func (s MTCPCL) CLAAddress(src netip.Addr) (string, error) {
	return claAddress("mtcp", src, s.Port)
}

func (GeoLocation) CLAAddress(netip.Addr) (string, error) { return "", ErrNotCLA }
func (Address) CLAAddress(netip.Addr) (string, error)     { return "", ErrNotCLA }
func (Unknown) CLAAddress(netip.Addr) (string, error)     { return "", ErrNotCLA }

func (s TCPCLv4) String() string { return fmt.Sprintf("TCPCLv4(%d)", s.Port) }
func (s TCPCLv3) String() string { return fmt.Sprintf("TCPCLv3(%d)", s.Port) }
func (s MTCPCL) String() string  { return fmt.Sprintf("MTCPCL(%d)", s.Port) }

func (s GeoLocation) String() string {
	return fmt.Sprintf("GeoLocation(%g, %g)", s.Latitude, s.Longitude)
}

func (s Address) String() string { return fmt.Sprintf("Address(%q)", s.Address) }

func (s Unknown) String() string {
	return fmt.Sprintf("Unknown(%d, %s)", uint8(s.Type), hex.EncodeToString(s.Value))
}

func claAddress(scheme string, src netip.Addr, port uint16) (string, error) {
	if !src.IsValid() {
		return "", ErrInvalidAddress
	}
	return scheme + ":" + formatHost(src) + ":" + strconv.Itoa(int(port)), nil
}

// formatHost renders IPv4 and IPv4-mapped/compatible IPv6 addresses as a
// dotted quad and any other IPv6 address in brackets.
func formatHost(ip netip.Addr) string {
	switch {
	case ip.Is4():
		return ip.String()
	case ip.Is4In6():
		return ip.Unmap().String()
	case isV4Compatible(ip):
		b := ip.As16()
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}).String()
	default:
		return "[" + ip.String() + "]"
	}
}

// isV4Compatible matches the deprecated ::a.b.c.d form. The unspecified and
// loopback addresses share that prefix and stay IPv6.
func isV4Compatible(ip netip.Addr) bool {
	if !ip.Is6() || ip.Zone() != "" {
		return false
	}
	b := ip.As16()
	for _, x := range b[:12] {
		if x != 0 {
			return false
		}
	}
	return !(b[12] == 0 && b[13] == 0 && b[14] == 0 && b[15] <= 1)
}

func (s TCPCLv4) encodePayload(enc *msgpack.Encoder) error {
	return enc.EncodeUint(uint64(s.Port))
}

func (s TCPCLv3) encodePayload(enc *msgpack.Encoder) error {
	return enc.EncodeUint(uint64(s.Port))
}

func (s MTCPCL) encodePayload(enc *msgpack.Encoder) error {
	return enc.EncodeUint(uint64(s.Port))
}

func (s GeoLocation) encodePayload(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeFloat32(s.Latitude); err != nil {
		return err
	}
	return enc.EncodeFloat32(s.Longitude)
}

func (s Address) encodePayload(enc *msgpack.Encoder) error {
	return enc.EncodeString(s.Address)
}

func (s Unknown) encodePayload(enc *msgpack.Encoder) error {
	return enc.Encode(s.Value)
}

// cloneService returns a copy that shares no memory with s.
func cloneService(s Service) Service {
	if u, ok := s.(Unknown); ok {
		v := make(msgpack.RawMessage, len(u.Value))
		copy(v, u.Value)
		return Unknown{Type: u.Type, Value: v}
	}
	return s
}
