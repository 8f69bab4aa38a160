package sacn

import (
	"net"
	"sync"
	"time"
)

// fakeSocket is an in-memory Socket double used by source_test.go and
// receiver_test.go so tests never touch a real UDP port.
type fakeSocket struct {
	mu     sync.Mutex
	sent   []fakeSentPacket
	groups map[string]bool
	recvCh chan fakeRecvPacket
	closed bool
}

type fakeSentPacket struct {
	Buf  []byte
	Addr *net.UDPAddr
}

type fakeRecvPacket struct {
	Buf []byte
	Src *net.UDPAddr
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		groups: make(map[string]bool),
		recvCh: make(chan fakeRecvPacket, 16),
	}
}

func (s *fakeSocket) SendTo(b []byte, addr *net.UDPAddr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, fakeSentPacket{Buf: append([]byte(nil), b...), Addr: addr})
	return len(b), nil
}

func (s *fakeSocket) RecvFrom(b []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case p, ok := <-s.recvCh:
		if !ok {
			return 0, nil, net.ErrClosed
		}
		n := copy(b, p.Buf)
		return n, p.Src, nil
	case <-timer:
		return 0, nil, &Error{Kind: ErrKindReceiveTimeout, Message: "fake recv timeout"}
	}
}

func (s *fakeSocket) JoinGroup(addr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[addr.IP.String()] = true
	return nil
}

func (s *fakeSocket) LeaveGroup(addr *net.UDPAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, addr.IP.String())
	return nil
}

func (s *fakeSocket) SetMulticastTTL(ttl int) error                    { return nil }
func (s *fakeSocket) SetMulticastLoop(loop bool) error                 { return nil }
func (s *fakeSocket) SetMulticastInterface(iface *net.Interface) error { return nil }
func (s *fakeSocket) LocalAddr() net.Addr                              { return &net.UDPAddr{IP: net.IPv4zero, Port: Port} }

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.recvCh)
	}
	return nil
}

func (s *fakeSocket) deliver(buf []byte, src *net.UDPAddr) {
	s.recvCh <- fakeRecvPacket{Buf: buf, Src: src}
}

func (s *fakeSocket) sentPackets() []fakeSentPacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]fakeSentPacket, len(s.sent))
	copy(out, s.sent)
	return out
}
