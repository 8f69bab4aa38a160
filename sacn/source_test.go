package sacn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSource(t *testing.T) (*Source, *fakeSocket) {
	t.Helper()
	sock := newFakeSocket()
	s, err := NewSource("test source", nil, &net.UDPAddr{IP: net.IPv4zero, Port: Port},
		WithSourceSocket(sock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, sock
}

func TestSourceRegisterUniverseRejectsOutOfRange(t *testing.T) {
	s, _ := newTestSource(t)
	require.Error(t, s.RegisterUniverse(0))
	require.Error(t, s.RegisterUniverse(64000))
	require.NoError(t, s.RegisterUniverse(64214))
}

func TestSourceSendRequiresRegistration(t *testing.T) {
	s, _ := newTestSource(t)
	err := s.Send([]uint16{1}, []byte{0, 1, 2}, SendOptions{})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUniverseNotRegistered)
}

func TestSourceSendSingleUniverse(t *testing.T) {
	s, sock := newTestSource(t)
	require.NoError(t, s.RegisterUniverse(1))

	require.NoError(t, s.Send([]uint16{1}, []byte{0, 10, 20, 30}, SendOptions{}))

	sent := sock.sentPackets()
	require.Len(t, sent, 1)

	pkt, err := Parse(sent[0].Buf)
	require.NoError(t, err)
	dp, ok := pkt.(*DataPacket)
	require.True(t, ok)
	require.Equal(t, uint16(1), dp.Universe)
	require.Equal(t, uint8(0), dp.Sequence)
	require.Equal(t, []byte{0, 10, 20, 30}, dp.Data)
}

func TestSourceSendAdvancesSequencePerUniverse(t *testing.T) {
	s, sock := newTestSource(t)
	require.NoError(t, s.RegisterUniverse(1))

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Send([]uint16{1}, []byte{0, byte(i)}, SendOptions{}))
	}

	sent := sock.sentPackets()
	require.Len(t, sent, 3)
	for i, p := range sent {
		pkt, err := Parse(p.Buf)
		require.NoError(t, err)
		require.Equal(t, uint8(i), pkt.(*DataPacket).Sequence)
	}
}

func TestSourceSendSplitsAcrossUniverses(t *testing.T) {
	s, sock := newTestSource(t)
	require.NoError(t, s.RegisterUniverses([]uint16{1, 2}))

	data := make([]byte, 513+10)
	require.NoError(t, s.Send([]uint16{1, 2}, data, SendOptions{}))

	sent := sock.sentPackets()
	require.Len(t, sent, 2)

	first, _ := Parse(sent[0].Buf)
	second, _ := Parse(sent[1].Buf)
	require.Equal(t, uint16(1), first.(*DataPacket).Universe)
	require.Equal(t, uint16(2), second.(*DataPacket).Universe)
	require.Len(t, first.(*DataPacket).Data, 513)
	require.Len(t, second.(*DataPacket).Data, 10)
}

func TestSourceSendRejectsDiscoveryUniverse(t *testing.T) {
	s, _ := newTestSource(t)
	require.NoError(t, s.RegisterUniverse(DiscoveryUniverse))
	err := s.Send([]uint16{DiscoveryUniverse}, []byte{0, 1}, SendOptions{})
	require.Error(t, err)
}

func TestSourceTerminateUniverseSendsThreePackets(t *testing.T) {
	s, sock := newTestSource(t)
	require.NoError(t, s.RegisterUniverse(1))

	require.NoError(t, s.TerminateUniverse(1, 0))

	sent := sock.sentPackets()
	require.Len(t, sent, TerminationPacketCount)
	for _, p := range sent {
		pkt, err := Parse(p.Buf)
		require.NoError(t, err)
		dp := pkt.(*DataPacket)
		require.True(t, dp.StreamTerminated)
		require.Equal(t, []byte{0}, dp.Data)
	}

	require.NotContains(t, s.RegisteredUniverses(), uint16(1))
}

func TestSourceSendAfterTerminateFails(t *testing.T) {
	s, _ := newTestSource(t)
	require.NoError(t, s.RegisterUniverse(1))
	require.NoError(t, s.Terminate())

	err := s.Send([]uint16{1}, []byte{0}, SendOptions{})
	require.ErrorIs(t, err, ErrSenderTerminated)
}

func TestSourceSendSyncPacket(t *testing.T) {
	s, sock := newTestSource(t)
	require.NoError(t, s.SendSyncPacket(5, nil))

	sent := sock.sentPackets()
	require.Len(t, sent, 1)
	pkt, err := Parse(sent[0].Buf)
	require.NoError(t, err)
	sp := pkt.(*SyncPacket)
	require.Equal(t, uint16(5), sp.SyncAddress)
}

func TestSourceTick(t *testing.T) {
	sock := newFakeSocket()
	s, err := NewSource("disco source", nil, &net.UDPAddr{IP: net.IPv4zero, Port: Port}, WithSourceSocket(sock))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RegisterUniverses([]uint16{1, 2, 3}))
	require.NoError(t, s.Tick(time.Time{}))

	sent := sock.sentPackets()
	require.GreaterOrEqual(t, len(sent), 1)
	foundDisco := false
	for _, p := range sent {
		pkt, err := Parse(p.Buf)
		require.NoError(t, err)
		if disc, ok := pkt.(*DiscoveryPacket); ok {
			foundDisco = true
			require.Equal(t, []uint16{1, 2, 3}, disc.Universes)
		}
	}
	require.True(t, foundDisco, "Tick should send at least one discovery page")
}

func TestSourceStartDiscoverySendsImmediatePage(t *testing.T) {
	sock := newFakeSocket()
	s, err := NewSource("disco source", nil, &net.UDPAddr{IP: net.IPv4zero, Port: Port}, WithSourceSocket(sock))
	require.NoError(t, err)

	require.NoError(t, s.RegisterUniverses([]uint16{7}))
	s.StartDiscovery()
	s.StartDiscovery() // second call must be a no-op, not a second goroutine

	require.Eventually(t, func() bool {
		for _, p := range sock.sentPackets() {
			pkt, err := Parse(p.Buf)
			if err != nil {
				continue
			}
			if disc, ok := pkt.(*DiscoveryPacket); ok && equalUniverses(disc.Universes, []uint16{7}) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
}

func TestSourceCloseWithoutStartDiscoveryDoesNotBlock(t *testing.T) {
	s, _ := newTestSource(t)
	require.NoError(t, s.Close())
}
