package sacn

import (
	"net"
	"runtime"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Socket is the minimal collaborator the core consumes: bind,
// multicast group join/leave, send-to, recv-from with a deadline, and the
// handful of socket options the protocol cares about. Source and Receiver
// never touch net.UDPConn directly so an embedder can swap in a different
// transport (see socket_pcap.go for a gopacket-based alternative).
type Socket interface {
	// SendTo writes b to addr.
	SendTo(b []byte, addr *net.UDPAddr) (int, error)
	// RecvFrom blocks until a packet arrives, timeout elapses, or the
	// socket is closed. timeout == 0 means block forever.
	RecvFrom(b []byte, timeout time.Duration) (n int, src *net.UDPAddr, err error)
	// JoinGroup/LeaveGroup manage multicast membership for addr.IP.
	JoinGroup(addr *net.UDPAddr) error
	LeaveGroup(addr *net.UDPAddr) error
	SetMulticastTTL(ttl int) error
	SetMulticastLoop(loop bool) error
	// SetMulticastInterface selects the outbound interface for multicast
	// traffic; nil reverts to the OS default.
	SetMulticastInterface(iface *net.Interface) error
	// LocalAddr is the bound local address.
	LocalAddr() net.Addr
	Close() error
}

// udpSocket is the default Socket, a conventional net.UDPConn wrapped in
// golang.org/x/net's ipv4/ipv6 PacketConn for multicast control, grounded
// on gopatchy-artmap/sacn/sender.go and receiver.go (which only wired the
// IPv4 half of this; this module extends the same library family to IPv6).
type udpSocket struct {
	conn   *net.UDPConn
	isV6   bool
	pc4    *ipv4.PacketConn
	pc6    *ipv6.PacketConn
	iface  *net.Interface
	onlyV6 bool
}

// udpSocketOptions configures NewUDPSocket.
type udpSocketOptions struct {
	ReuseAddr bool
	OnlyV6    bool
	Interface *net.Interface
}

// NewUDPSocket binds a UDP endpoint at addr, selecting the IPv4 or IPv6
// packet-conn wrapper based on addr's address family.
func NewUDPSocket(addr *net.UDPAddr, opts udpSocketOptions) (*udpSocket, error) {
	isV6 := addr.IP.To4() == nil && addr.IP != nil

	if isV6 && runtime.GOOS == "windows" {
		// On Windows, IPv6+multicast cannot be fully honored by
		// this socket layer's reuse/join semantics.
		return nil, &Error{Kind: ErrKindOSOperationUnsupported, Message: "ipv6 multicast on windows"}
	}

	network := "udp4"
	if isV6 {
		network = "udp6"
	}

	conn, err := listenUDPReusable(network, addr, opts.ReuseAddr)
	if err != nil {
		return nil, wrapErr(ErrKindUnsupportedIPVersion, err, "bind %s", addr)
	}

	s := &udpSocket{conn: conn, isV6: isV6, iface: opts.Interface, onlyV6: opts.OnlyV6}
	if isV6 {
		s.pc6 = ipv6.NewPacketConn(conn)
		if opts.OnlyV6 {
			_ = s.pc6.SetControlMessage(ipv6.FlagDst, true)
		}
	} else {
		s.pc4 = ipv4.NewPacketConn(conn)
	}
	return s, nil
}

func (s *udpSocket) SendTo(b []byte, addr *net.UDPAddr) (int, error) {
	return s.conn.WriteToUDP(b, addr)
}

func (s *udpSocket) RecvFrom(b []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	if timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, nil, err
		}
	} else {
		if err := s.conn.SetReadDeadline(time.Time{}); err != nil {
			return 0, nil, err
		}
	}
	n, addr, err := s.conn.ReadFromUDP(b)
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return n, addr, &Error{Kind: ErrKindReceiveTimeout, Message: "recv timeout", Cause: err}
	}
	return n, addr, err
}

func (s *udpSocket) JoinGroup(addr *net.UDPAddr) error {
	if s.isV6 {
		return s.pc6.JoinGroup(s.iface, &net.UDPAddr{IP: addr.IP})
	}
	return s.pc4.JoinGroup(s.iface, &net.UDPAddr{IP: addr.IP})
}

func (s *udpSocket) LeaveGroup(addr *net.UDPAddr) error {
	if s.isV6 {
		return s.pc6.LeaveGroup(s.iface, &net.UDPAddr{IP: addr.IP})
	}
	return s.pc4.LeaveGroup(s.iface, &net.UDPAddr{IP: addr.IP})
}

func (s *udpSocket) SetMulticastTTL(ttl int) error {
	if s.isV6 {
		return s.pc6.SetMulticastHopLimit(ttl)
	}
	return s.pc4.SetMulticastTTL(ttl)
}

func (s *udpSocket) SetMulticastLoop(loop bool) error {
	if s.isV6 {
		return s.pc6.SetMulticastLoopback(loop)
	}
	return s.pc4.SetMulticastLoopback(loop)
}

func (s *udpSocket) SetMulticastInterface(iface *net.Interface) error {
	s.iface = iface
	if s.isV6 {
		return s.pc6.SetMulticastInterface(iface)
	}
	return s.pc4.SetMulticastInterface(iface)
}

func (s *udpSocket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *udpSocket) Close() error {
	return s.conn.Close()
}
