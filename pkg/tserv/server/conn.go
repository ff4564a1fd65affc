package server

import (
	"net"
	"strconv"
	"strings"
	"sync"
)

// PeerInfo is the captured address tuple of a connected peer.
type PeerInfo struct {
	Family string // Network family, "tcp4" or "tcp6"
	Port   int    // Peer port
	Name   string // Resolved peer name; equals Addr unless resolution is enabled
	Addr   string // Numeric peer address
}

// String renders the peer as host:port.
func (p PeerInfo) String() string {
	return net.JoinHostPort(p.Addr, strconv.Itoa(p.Port))
}

// Conn is a single accepted peer connection. It is owned exclusively by the
// worker processing it and closed unconditionally when the handler returns.
// A nil *Conn is the wake-only sentinel used to unblock parked workers
// during shutdown; it never reaches a Handler.
type Conn struct {
	net.Conn
	peer      PeerInfo
	closeOnce sync.Once
	closeErr  error
}

// lookupAddr is a variable so tests can cover name resolution without
// touching real DNS.
var lookupAddr = net.LookupAddr

func newConn(nc net.Conn, resolve bool) *Conn {
	return &Conn{Conn: nc, peer: peerInfo(nc.RemoteAddr(), resolve)}
}

// Peer returns the peer address tuple captured at accept time.
func (c *Conn) Peer() PeerInfo {
	return c.peer
}

// Close closes the underlying connection exactly once. The worker cleanup
// path and KillAll may both reach for it concurrently.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.Conn.Close()
	})
	return c.closeErr
}

func peerInfo(addr net.Addr, resolve bool) PeerInfo {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		// Non-TCP transports (net.Pipe in tests) carry no port/family split.
		return PeerInfo{
			Family: addr.Network(),
			Name:   addr.String(),
			Addr:   addr.String(),
		}
	}

	family := "tcp6"
	if tcp.IP.To4() != nil {
		family = "tcp4"
	}

	p := PeerInfo{
		Family: family,
		Port:   tcp.Port,
		Addr:   tcp.IP.String(),
	}
	p.Name = p.Addr
	if resolve {
		if names, err := lookupAddr(p.Addr); err == nil && len(names) > 0 {
			p.Name = strings.TrimSuffix(names[0], ".")
		}
	}
	return p
}
