// Package socket implements Mordor's socket layer (spec.md §4.5): an
// Address abstraction over IPv4/IPv6/Unix endpoints and a cancellable,
// ioman-driven, non-blocking Socket.
//
// Address's shape is a direct port of mordor/socket.h's Address/
// IPAddress hierarchy (lookup, getInterfaceAddresses,
// broadcastAddress/networkAddress/subnetMask, the family/type/protocol
// triple), re-expressed as a small interface plus two concrete structs
// instead of a virtual base class.
package socket

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/mordor-go/mordor/merr"
)

// Address is spec.md §4.5's Address: anything that can produce a raw
// sockaddr for bind/connect/sendto and a human string form.
type Address interface {
	Family() int
	Sockaddr() unix.Sockaddr
	String() string
}

// IPAddress is an IPv4 or IPv6 endpoint, spec.md §4.5's IPAddress.
type IPAddress struct {
	IP   net.IP
	Zone string
	Port int
}

// Family reports AF_INET or AF_INET6 depending on the address's shape.
func (a *IPAddress) Family() int {
	if a.IP.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// Sockaddr converts to the golang.org/x/sys/unix representation needed
// by Bind/Connect/Sendto.
func (a *IPAddress) Sockaddr() unix.Sockaddr {
	if v4 := a.IP.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], v4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return sa
}

func (a *IPAddress) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(a.Port))
}

// WithPort returns a copy of the address with a different port, the Go
// substitute for the original's stream-insertion port-toggle manipulator
// (spec.md §4.5 "Formatting").
func (a *IPAddress) WithPort(port int) *IPAddress {
	cp := *a
	cp.Port = port
	return &cp
}

// BroadcastAddress computes the broadcast address for the given prefix
// length (IPAddress::broadcastAddress in the original; IPv6 has no
// broadcast concept so this returns an error for IPv6 receivers).
func (a *IPAddress) BroadcastAddress(prefixLength int) (*IPAddress, error) {
	v4 := a.IP.To4()
	if v4 == nil {
		return nil, fmt.Errorf("socket: broadcast address is not defined for IPv6")
	}
	mask := net.CIDRMask(prefixLength, 32)
	out := make(net.IP, 4)
	for i := range out {
		out[i] = v4[i] | ^mask[i]
	}
	return &IPAddress{IP: out, Port: a.Port}, nil
}

// NetworkAddress computes the network (base) address for the given
// prefix length (IPAddress::networkAddress).
func (a *IPAddress) NetworkAddress(prefixLength int) (*IPAddress, error) {
	ip := a.IP
	bits := 32
	if ip.To4() == nil {
		bits = 128
	} else {
		ip = ip.To4()
	}
	mask := net.CIDRMask(prefixLength, bits)
	out := ip.Mask(mask)
	return &IPAddress{IP: out, Port: a.Port}, nil
}

// SubnetMask returns the mask itself as an address (IPAddress::subnetMask).
func (a *IPAddress) SubnetMask(prefixLength int) (*IPAddress, error) {
	bits := 32
	if a.IP.To4() == nil {
		bits = 128
	}
	mask := net.IPMask(net.CIDRMask(prefixLength, bits))
	return &IPAddress{IP: net.IP(mask), Port: 0}, nil
}

// UnixAddress is AF_UNIX path endpoint, spec.md §4.5's UnixAddress.
type UnixAddress struct {
	Path string
}

func (a *UnixAddress) Family() int { return unix.AF_UNIX }

func (a *UnixAddress) Sockaddr() unix.Sockaddr {
	return &unix.SockaddrUnix{Name: a.Path}
}

func (a *UnixAddress) String() string { return "unix:" + a.Path }

// FromSockaddr builds an Address from a raw unix.Sockaddr, the
// counterpart of Address::create(sockaddr*, socklen_t).
func FromSockaddr(sa unix.Sockaddr) (Address, error) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &IPAddress{IP: net.IP(s.Addr[:]).To4(), Port: s.Port}, nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, 16)
		copy(ip, s.Addr[:])
		return &IPAddress{IP: ip, Port: s.Port}, nil
	case *unix.SockaddrUnix:
		return &UnixAddress{Path: s.Name}, nil
	default:
		return nil, fmt.Errorf("socket: unsupported sockaddr type %T", sa)
	}
}

// Lookup resolves host to a list of addresses, the LookupClass taxonomy
// of spec.md §4.5 collapsed onto Go's resolver (see merr.FromDNSError):
// net.DNSError's IsNotFound maps to host-not-found, IsTemporary and
// IsTimeout map to temporary, and every other DNS error is generic. The
// permanent and no-data kinds are never returned.
func Lookup(host string, port int) ([]Address, error) {
	ips, err := net.LookupIP(host)
	if err != nil {
		if dnsErr, ok := err.(*net.DNSError); ok {
			return nil, merr.FromDNSError("lookup", dnsErr)
		}
		return nil, err
	}
	out := make([]Address, 0, len(ips))
	for _, ip := range ips {
		out = append(out, &IPAddress{IP: ip, Port: port})
	}
	return out, nil
}

// InterfacePrefix pairs an address with its network prefix length, the
// Go analogue of the original's std::pair<Address::ptr, unsigned int>.
type InterfacePrefix struct {
	Address      *IPAddress
	PrefixLength int
}

// InterfaceAddresses returns every local interface's addresses, keyed by
// interface name (Address::getInterfaceAddresses). This is built on the
// standard library's net.Interfaces()/Addrs() rather than a raw
// getifaddrs(3) binding: getifaddrs is a libc wrapper, not a raw Linux
// syscall, and golang.org/x/sys/unix deliberately does not wrap libc-only
// calls — using it here would require cgo, which the rest of this module
// avoids throughout. This is the one ambient helper in the socket
// package built on stdlib net instead of x/sys/unix for that reason.
func InterfaceAddresses() (map[string][]InterfacePrefix, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	result := make(map[string][]InterfacePrefix, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		var entries []InterfacePrefix
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ones, _ := ipnet.Mask.Size()
			entries = append(entries, InterfacePrefix{
				Address:      &IPAddress{IP: ipnet.IP},
				PrefixLength: ones,
			})
		}
		if len(entries) > 0 {
			result[iface.Name] = entries
		}
	}
	return result, nil
}
