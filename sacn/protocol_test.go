package sacn

import (
	"bytes"
	"testing"
)

func sampleDataPacket() *DataPacket {
	return &DataPacket{
		CID:        NewCID(),
		SourceName: "test source",
		Priority:   100,
		Sequence:   7,
		Universe:   1,
		Data:       append([]byte{0x00}, bytes.Repeat([]byte{0xff}, 16)...),
	}
}

func TestDataPacketRoundTrip(t *testing.T) {
	p := sampleDataPacket()
	buf, err := p.PackAlloc()
	if err != nil {
		t.Fatalf("PackAlloc: %v", err)
	}

	pkt, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, ok := pkt.(*DataPacket)
	if !ok {
		t.Fatalf("Parse returned %T, want *DataPacket", pkt)
	}
	if got.CID != p.CID || got.SourceName != p.SourceName || got.Priority != p.Priority ||
		got.Sequence != p.Sequence || got.Universe != p.Universe || !bytes.Equal(got.Data, p.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestDataPacketOptionBits(t *testing.T) {
	p := sampleDataPacket()
	p.Preview = true
	p.StreamTerminated = true
	p.ForceSync = true
	p.SyncAddress = 5

	buf, err := p.PackAlloc()
	if err != nil {
		t.Fatalf("PackAlloc: %v", err)
	}
	pkt, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := pkt.(*DataPacket)
	if !got.Preview || !got.StreamTerminated || !got.ForceSync || got.SyncAddress != 5 {
		t.Fatalf("option bits/sync address not preserved: %+v", got)
	}
}

func TestSyncPacketRoundTrip(t *testing.T) {
	p := &SyncPacket{CID: NewCID(), Sequence: 42, SyncAddress: 99}
	buf, err := p.PackAlloc()
	if err != nil {
		t.Fatalf("PackAlloc: %v", err)
	}
	if len(buf) != 49 {
		t.Fatalf("sync packet length = %d, want 49", len(buf))
	}

	pkt, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, ok := pkt.(*SyncPacket)
	if !ok {
		t.Fatalf("Parse returned %T, want *SyncPacket", pkt)
	}
	if *got != *p {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestDiscoveryPacketRoundTrip(t *testing.T) {
	p := &DiscoveryPacket{
		CID:        NewCID(),
		SourceName: "disco",
		Page:       0,
		LastPage:   0,
		Universes:  []uint16{1, 2, 3, 500},
	}
	buf, err := p.PackAlloc()
	if err != nil {
		t.Fatalf("PackAlloc: %v", err)
	}

	pkt, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got, ok := pkt.(*DiscoveryPacket)
	if !ok {
		t.Fatalf("Parse returned %T, want *DiscoveryPacket", pkt)
	}
	if got.CID != p.CID || got.SourceName != p.SourceName || got.Page != p.Page ||
		got.LastPage != p.LastPage || !equalUniverses(got.Universes, p.Universes) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, p)
	}
}

func TestDiscoveryPacketRejectsUnsortedUniverses(t *testing.T) {
	p := &DiscoveryPacket{CID: NewCID(), Universes: []uint16{5, 3}}
	if _, err := p.PackAlloc(); err == nil {
		t.Fatal("expected error packing non-ascending universe list")
	}
}

func TestDataPacketRejectsOversizedName(t *testing.T) {
	p := sampleDataPacket()
	p.SourceName = string(bytes.Repeat([]byte{'x'}, 64))
	if _, err := p.PackAlloc(); err == nil {
		t.Fatal("expected error for oversized source name")
	} else if e, ok := err.(*Error); !ok || e.Kind != ErrKindMalformedSourceName {
		t.Fatalf("got %v, want ErrKindMalformedSourceName", err)
	}
}

func TestDataPacketRejectsInvalidPriority(t *testing.T) {
	p := sampleDataPacket()
	p.Priority = 201
	if _, err := p.PackAlloc(); err == nil {
		t.Fatal("expected error for priority > 200")
	}
}

func TestParseRejectsShortBuffer(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for too-short buffer")
	}
}

func TestParseRejectsBadIdentifier(t *testing.T) {
	p := sampleDataPacket()
	buf, err := p.PackAlloc()
	if err != nil {
		t.Fatalf("PackAlloc: %v", err)
	}
	buf[4] = 'X'
	if _, err := Parse(buf); err == nil {
		t.Fatal("expected error for corrupted ACN identifier")
	}
}

func equalUniverses(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
