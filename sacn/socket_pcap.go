package sacn

import (
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// pcapSocket is a recv-only Socket that captures raw UDP/5568 traffic with
// packet capture instead of binding the port, grounded on
// gopatchy-artmap/sacn/receiver_pcap.go. Useful when another process
// already owns port 5568 on the host. Packets
// handed back from RecvFrom are raw bytes decoded by the SAME codec
// (Parse) the udpSocket path uses, rather than a second ad hoc parser.
type pcapSocket struct {
	handle *pcap.Handle
	source *gopacket.PacketSource
	pkts   chan decodedUDP
	done   chan struct{}
}

type decodedUDP struct {
	payload []byte
	src     *net.UDPAddr
}

// NewPcapSocket opens iface for live capture and filters for sACN's UDP
// port. It requires elevated privileges (root/admin) the way any raw
// capture does.
func NewPcapSocket(iface string) (*pcapSocket, error) {
	handle, err := pcap.OpenLive(iface, 1600, true, pcap.BlockForever)
	if err != nil {
		return nil, wrapErr(ErrKindOSOperationUnsupported, err, "pcap open %s", iface)
	}
	if err := handle.SetBPFFilter(fmt.Sprintf("udp port %d", Port)); err != nil {
		handle.Close()
		return nil, wrapErr(ErrKindOSOperationUnsupported, err, "pcap filter")
	}

	s := &pcapSocket{
		handle: handle,
		source: gopacket.NewPacketSource(handle, handle.LinkType()),
		pkts:   make(chan decodedUDP, 64),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (s *pcapSocket) pump() {
	for {
		select {
		case <-s.done:
			return
		case pkt, ok := <-s.source.Packets():
			if !ok {
				return
			}
			du, ok := decodeUDPPacket(pkt)
			if !ok {
				continue
			}
			select {
			case s.pkts <- du:
			case <-s.done:
				return
			}
		}
	}
}

func decodeUDPPacket(pkt gopacket.Packet) (decodedUDP, bool) {
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return decodedUDP{}, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return decodedUDP{}, false
	}

	var ip net.IP
	if v4 := pkt.Layer(layers.LayerTypeIPv4); v4 != nil {
		ip = v4.(*layers.IPv4).SrcIP
	} else if v6 := pkt.Layer(layers.LayerTypeIPv6); v6 != nil {
		ip = v6.(*layers.IPv6).SrcIP
	} else {
		return decodedUDP{}, false
	}

	return decodedUDP{
		payload: udp.Payload,
		src:     &net.UDPAddr{IP: ip, Port: int(udp.SrcPort)},
	}, true
}

func (s *pcapSocket) SendTo(b []byte, addr *net.UDPAddr) (int, error) {
	return 0, &Error{Kind: ErrKindOSOperationUnsupported, Message: "pcap socket is recv-only"}
}

func (s *pcapSocket) RecvFrom(b []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case du := <-s.pkts:
		n := copy(b, du.payload)
		return n, du.src, nil
	case <-timer:
		return 0, nil, &Error{Kind: ErrKindReceiveTimeout, Message: "recv timeout"}
	case <-s.done:
		return 0, nil, net.ErrClosed
	}
}

func (s *pcapSocket) JoinGroup(addr *net.UDPAddr) error { return nil }
func (s *pcapSocket) LeaveGroup(addr *net.UDPAddr) error { return nil }
func (s *pcapSocket) SetMulticastTTL(ttl int) error {
	return &Error{Kind: ErrKindOSOperationUnsupported, Message: "pcap socket is recv-only"}
}
func (s *pcapSocket) SetMulticastLoop(loop bool) error {
	return &Error{Kind: ErrKindOSOperationUnsupported, Message: "pcap socket is recv-only"}
}
func (s *pcapSocket) SetMulticastInterface(iface *net.Interface) error {
	return &Error{Kind: ErrKindOSOperationUnsupported, Message: "pcap socket selects its interface at NewPcapSocket"}
}

func (s *pcapSocket) LocalAddr() net.Addr { return nil }

func (s *pcapSocket) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.handle.Close()
	return nil
}

// ListPcapInterfaces returns available network interfaces for packet
// capture, grounded on gopatchy-artmap/sacn/receiver_pcap.go.
func ListPcapInterfaces() ([]string, error) {
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(devices))
	for _, dev := range devices {
		names = append(names, dev.Name)
	}
	return names, nil
}
