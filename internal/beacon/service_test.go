package beacon

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestService_IsCLA(t *testing.T) {
	tests := []struct {
		service Service
		want    bool
	}{
		{TCPCLv4{Port: 4556}, true},
		{TCPCLv3{Port: 4556}, true},
		{MTCPCL{Port: 4556}, true},
		{GeoLocation{Latitude: 1, Longitude: 2}, false},
		{Address{Address: "room 1"}, false},
		{Unknown{Type: 0xFE, Value: msgpack.RawMessage{0xc0}}, false},
	}

	for _, tt := range tests {
		if got := tt.service.IsCLA(); got != tt.want {
			t.Errorf("%v IsCLA: got %v, want %v", tt.service, got, tt.want)
		}
	}
}

func TestService_CLAAddress(t *testing.T) {
	tests := []struct {
		service Service
		src     string
		want    string
	}{
		{TCPCLv4{Port: 4556}, "127.0.0.1", "tcpclv4:127.0.0.1:4556"},
		{TCPCLv3{Port: 4556}, "10.0.0.2", "tcpclv3:10.0.0.2:4556"},
		{MTCPCL{Port: 16}, "192.168.0.9", "mtcp:192.168.0.9:16"},
		{TCPCLv4{Port: 4556}, "::ffff:10.1.2.3", "tcpclv4:10.1.2.3:4556"},
		{TCPCLv4{Port: 4556}, "::10.1.2.3", "tcpclv4:10.1.2.3:4556"},
		{TCPCLv4{Port: 4556}, "::1", "tcpclv4:[::1]:4556"},
		{TCPCLv4{Port: 4556}, "::", "tcpclv4:[::]:4556"},
		{MTCPCL{Port: 80}, "2001:db8::1", "mtcp:[2001:db8::1]:80"},
		{TCPCLv3{Port: 0}, "fe80::1%eth0", "tcpclv3:[fe80::1%eth0]:0"},
	}

	for _, tt := range tests {
		got, err := tt.service.CLAAddress(netip.MustParseAddr(tt.src))
		if err != nil {
			t.Errorf("%v via %s: unexpected error %v", tt.service, tt.src, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%v via %s: got %s, want %s", tt.service, tt.src, got, tt.want)
		}
	}
}

func TestService_CLAAddress_NotCLA(t *testing.T) {
	src := netip.MustParseAddr("127.0.0.1")
	for _, s := range []Service{
		Address{Address: "room 1"},
		GeoLocation{Latitude: 1, Longitude: 2},
		Unknown{Type: 0xFE, Value: msgpack.RawMessage{0xc0}},
	} {
		if _, err := s.CLAAddress(src); !errors.Is(err, ErrNotCLA) {
			t.Errorf("%v: got %v, want ErrNotCLA", s, err)
		}
	}
}

func TestService_CLAAddress_InvalidSource(t *testing.T) {
	if _, err := (TCPCLv4{Port: 1}).CLAAddress(netip.Addr{}); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("got %v, want ErrInvalidAddress", err)
	}
}

func TestServiceTag_String(t *testing.T) {
	tests := map[ServiceTag]string{
		TagTCPCLv4:     "tcpclv4",
		TagTCPCLv3:     "tcpclv3",
		TagMTCPCL:      "mtcp",
		TagGeoLocation: "geo",
		TagAddress:     "address",
		0xFE:           "unknown(254)",
	}
	for tag, want := range tests {
		if got := tag.String(); got != want {
			t.Errorf("tag %d: got %s, want %s", uint8(tag), got, want)
		}
	}
}
