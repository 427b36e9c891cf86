// Package session describes the connection or request being routed.
package session

import (
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
)

const (
	NetworkTCP = "tcp"
	NetworkUDP = "udp"

	ProtocolDNS = "dns"
)

var lastID atomic.Uint64

// Session carries the metadata rules inspect. Rules must treat it as
// read-only; the caller owns it for the duration of a match.
type Session struct {
	ID       uint64
	Network  string
	Protocol string
	Inbound  string

	// Host is the destination domain, if known.
	Host string
	// IP is the destination address, if known.
	IP   netip.Addr
	Port uint16

	Source netip.AddrPort
	Labels map[string]string
}

// New returns a session with a fresh ID. host may be a domain or a literal
// IP address.
func New(network, host string, port uint16) *Session {
	s := &Session{
		ID:      lastID.Add(1),
		Network: network,
		Port:    port,
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		s.IP = ip
	} else {
		s.Host = host
	}

	return s
}

func (s *Session) HasIP() bool {
	return s.IP.IsValid()
}

// Destination returns host:port, preferring the domain over the address.
func (s *Session) Destination() string {
	host := s.Host
	if host == "" && s.IP.IsValid() {
		host = s.IP.String()
	}

	return net.JoinHostPort(host, strconv.Itoa(int(s.Port)))
}
