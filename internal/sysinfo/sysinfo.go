// Package sysinfo collects host and network interface facts used by the
// discovery node.
package sysinfo

import (
	"net/netip"
	"os"
	"runtime"
	"slices"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	psnet "github.com/shirou/gopsutil/v3/net"
)

// Interface is a network interface of the local host.
type Interface struct {
	Name      string
	Index     int
	Addrs     []netip.Addr
	Up        bool
	Loopback  bool
	Multicast bool
}

// SystemInfo holds all collected system information.
type SystemInfo struct {
	Hostname   string
	OSName     string
	Kernel     string
	Arch       string
	Interfaces []Interface
}

// Collect gathers local host information and the interface list.
func Collect() (*SystemInfo, error) {
	info := &SystemInfo{
		Hostname: Hostname(),
		Arch:     runtime.GOARCH,
	}

	hostInfo, err := host.Info()
	if err == nil {
		info.OSName = hostInfo.Platform
		if hostInfo.PlatformVersion != "" {
			info.OSName += " " + hostInfo.PlatformVersion
		}
		info.Kernel = hostInfo.KernelVersion
	} else {
		info.OSName = runtime.GOOS
	}

	ifaces, err := psnet.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		info.Interfaces = append(info.Interfaces, convert(iface))
	}

	return info, nil
}

// Hostname returns the host name reported by the OS, or "localhost".
func Hostname() string {
	if hostInfo, err := host.Info(); err == nil && hostInfo.Hostname != "" {
		return hostInfo.Hostname
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "localhost"
}

func convert(iface psnet.InterfaceStat) Interface {
	out := Interface{
		Name:      iface.Name,
		Index:     iface.Index,
		Up:        slices.Contains(iface.Flags, "up"),
		Loopback:  slices.Contains(iface.Flags, "loopback"),
		Multicast: slices.Contains(iface.Flags, "multicast"),
	}
	for _, a := range iface.Addrs {
		// gopsutil reports addresses in CIDR form
		s, _, _ := strings.Cut(a.Addr, "/")
		if addr, err := netip.ParseAddr(s); err == nil {
			out.Addrs = append(out.Addrs, addr)
		}
	}
	return out
}

// MulticastInterfaces returns the up, multicast-capable interfaces. When
// names is non-empty only interfaces with those names are returned.
func (s *SystemInfo) MulticastInterfaces(names []string) []Interface {
	var out []Interface
	for _, iface := range s.Interfaces {
		if !iface.Up || !iface.Multicast {
			continue
		}
		if len(names) > 0 && !slices.Contains(names, iface.Name) {
			continue
		}
		out = append(out, iface)
	}
	return out
}

// IsLocal reports whether addr belongs to one of the host's interfaces.
func (s *SystemInfo) IsLocal(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	for _, iface := range s.Interfaces {
		for _, a := range iface.Addrs {
			if a.WithZone("") == addr {
				return true
			}
		}
	}
	return false
}
