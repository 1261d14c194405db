package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const maxPacketSize = 65536

type datagram struct {
	data []byte
	src  netip.Addr
}

// transport is one multicast socket, joined to a group on a set of
// interfaces. The same socket is used for sending and receiving.
type transport interface {
	send(data []byte) (int, error)
	read(buf []byte) (int, netip.Addr, error)
	close() error
	String() string
}

func openTransport(group netip.Addr, port int, ifaces []*net.Interface, log zerolog.Logger) (transport, error) {
	if group.Is4() {
		return openV4(group, port, ifaces, log)
	}
	return openV6(group, port, ifaces, log)
}

type v4Transport struct {
	conn   net.PacketConn
	pc     *ipv4.PacketConn
	group  *net.UDPAddr
	ifaces []*net.Interface
	log    zerolog.Logger
}

func openV4(group netip.Addr, port int, ifaces []*net.Interface, log zerolog.Logger) (*v4Transport, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listening on UDP port %d: %w", port, err)
	}

	t := &v4Transport{
		conn:  conn,
		pc:    ipv4.NewPacketConn(conn),
		group: net.UDPAddrFromAddrPort(netip.AddrPortFrom(group, uint16(port))),
		log:   log,
	}

	if err := t.pc.SetMulticastTTL(1); err != nil {
		log.Warn().Err(err).Msg("Failed to set multicast TTL")
	}
	if err := t.pc.SetMulticastLoopback(true); err != nil {
		log.Warn().Err(err).Msg("Failed to enable multicast loopback")
	}

	for _, iface := range ifaces {
		if err := t.pc.JoinGroup(iface, &net.UDPAddr{IP: t.group.IP}); err != nil {
			log.Warn().Err(err).Str("interface", iface.Name).Msg("IPv4 multicast join failed")
			continue
		}
		t.ifaces = append(t.ifaces, iface)
	}
	if len(t.ifaces) == 0 {
		conn.Close()
		return nil, errors.New("no IPv4 multicast interfaces available")
	}
	return t, nil
}

func (t *v4Transport) send(data []byte) (int, error) {
	var lastErr error
	sent := 0
	for _, iface := range t.ifaces {
		if err := t.pc.SetMulticastInterface(iface); err != nil {
			lastErr = err
			continue
		}
		t.pc.SetWriteDeadline(time.Now().Add(time.Second))
		_, err := t.pc.WriteTo(data, nil, t.group)
		t.pc.SetWriteDeadline(time.Time{})
		if err != nil {
			t.log.Debug().Err(err).Str("interface", iface.Name).Msg("IPv4 beacon write failed")
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return 0, lastErr
	}
	return sent, nil
}

func (t *v4Transport) read(buf []byte) (int, netip.Addr, error) {
	n, _, src, err := t.pc.ReadFrom(buf)
	if err != nil {
		return 0, netip.Addr{}, err
	}
	return n, addrOf(src), nil
}

func (t *v4Transport) close() error { return t.conn.Close() }

func (t *v4Transport) String() string { return t.group.String() }

type v6Transport struct {
	conn   net.PacketConn
	pc     *ipv6.PacketConn
	group  *net.UDPAddr
	ifaces []*net.Interface
	log    zerolog.Logger
}

func openV6(group netip.Addr, port int, ifaces []*net.Interface, log zerolog.Logger) (*v6Transport, error) {
	conn, err := net.ListenPacket("udp6", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listening on UDP port %d: %w", port, err)
	}

	t := &v6Transport{
		conn:  conn,
		pc:    ipv6.NewPacketConn(conn),
		group: net.UDPAddrFromAddrPort(netip.AddrPortFrom(group, uint16(port))),
		log:   log,
	}

	if err := t.pc.SetMulticastLoopback(true); err != nil {
		log.Warn().Err(err).Msg("Failed to enable multicast loopback")
	}

	for _, iface := range ifaces {
		if err := t.pc.JoinGroup(iface, &net.UDPAddr{IP: t.group.IP}); err != nil {
			log.Warn().Err(err).Str("interface", iface.Name).Msg("IPv6 multicast join failed")
			continue
		}
		t.ifaces = append(t.ifaces, iface)
	}
	if len(t.ifaces) == 0 {
		conn.Close()
		return nil, errors.New("no IPv6 multicast interfaces available")
	}
	return t, nil
}

func (t *v6Transport) send(data []byte) (int, error) {
	wcm := &ipv6.ControlMessage{HopLimit: 1}

	var lastErr error
	sent := 0
	for _, iface := range t.ifaces {
		wcm.IfIndex = iface.Index
		t.pc.SetWriteDeadline(time.Now().Add(time.Second))
		_, err := t.pc.WriteTo(data, wcm, t.group)
		t.pc.SetWriteDeadline(time.Time{})
		if err != nil {
			t.log.Debug().Err(err).Str("interface", iface.Name).Msg("IPv6 beacon write failed")
			lastErr = err
			continue
		}
		sent++
	}
	if sent == 0 {
		return 0, lastErr
	}
	return sent, nil
}

func (t *v6Transport) read(buf []byte) (int, netip.Addr, error) {
	n, _, src, err := t.pc.ReadFrom(buf)
	if err != nil {
		return 0, netip.Addr{}, err
	}
	return n, addrOf(src), nil
}

func (t *v6Transport) close() error { return t.conn.Close() }

func (t *v6Transport) String() string { return t.group.String() }

func addrOf(a net.Addr) netip.Addr {
	if ua, ok := a.(*net.UDPAddr); ok {
		return ua.AddrPort().Addr()
	}
	return netip.Addr{}
}

// readLoop copies every datagram read from t into out until ctx is done or
// the socket fails. Datagrams are dropped when out is full.
func readLoop(ctx context.Context, t transport, out chan<- datagram, log zerolog.Logger) error {
	buf := make([]byte, maxPacketSize)
	for {
		n, src, err := t.read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading from %s: %w", t, err)
		}

		log.Debug().Int("bytes", n).Str("src", src.String()).Msg("Datagram received")

		packet := make([]byte, n)
		copy(packet, buf[:n])

		select {
		case out <- datagram{data: packet, src: src}:
		case <-ctx.Done():
			return ctx.Err()
		default:
			log.Warn().Str("src", src.String()).Msg("Receive queue full, dropping datagram")
		}
	}
}
