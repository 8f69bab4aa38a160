package sacn

import "encoding/binary"

// Wire constants, per ANSI E1.31-2018. Big-endian throughout.
const (
	flagsMask  = 0xf000
	lengthMask = 0x0fff
	pduFlags   = 0x7000

	preambleSize  = 0x0010
	postambleSize = 0x0000

	rootLayerFixedLen     = 22 // flags/len(2) + vector(4) + cid(16), PDU-relative
	dataFramingFixedLen   = 77 // flags/len(2)+vector(4)+name(64)+prio(1)+sync(2)+seq(1)+opts(1)+universe(2)
	syncFramingFixedLen   = 11 // flags/len(2)+vector(4)+seq(1)+sync(2)+reserved(2)
	discFramingFixedLen   = 74 // flags/len(2)+vector(4)+name(64)+reserved(4)
	discContentFixedLen   = 8  // flags/len(2)+vector(4)+page(1)+lastpage(1)
	dmpFixedLen           = 10 // flags/len(2)+vector(1)+addrType(1)+firstAddr(2)+addrIncr(2)+count(2)

	optBitPreview    = 0x80
	optBitTerminated = 0x40
	optBitForceSync  = 0x20

	maxDMXLen           = 513 // including start code
	maxDiscoveryPerPage = 512
	sourceNameFieldLen  = 64
)

// acnPacketIdentifier is the 12-byte ACN root-layer identifier, "ASC-E1.17"
// followed by three NUL bytes.
var acnPacketIdentifier = [12]byte{
	0x41, 0x53, 0x43, 0x2d, 0x45, 0x31, 0x2e, 0x31, 0x37, 0x00, 0x00, 0x00,
}

// Root-layer vectors.
const (
	VectorRootE131Data     uint32 = 0x00000004
	VectorRootE131Extended uint32 = 0x00000008
)

// Framing-layer vectors.
const (
	VectorE131DataPacket uint32 = 0x00000002
	VectorE131Sync       uint32 = 0x00000001
	VectorE131Discovery  uint32 = 0x00000002
)

// Content-layer vectors.
const (
	VectorDMPSetProperty    uint8  = 0x02
	VectorUniverseDiscovery uint32 = 0x00000001
)

// DMP fixed fields, validated verbatim on parse.
const (
	dmpAddrType    uint8  = 0xa1
	dmpFirstAddr   uint16 = 0x0000
	dmpAddrIncr    uint16 = 0x0001
)

// Packet is the closed sum type of the three sACN packet variants this
// module understands: DataPacket, SyncPacket, DiscoveryPacket.
type Packet interface {
	// PackInto writes the wire encoding into buf and returns the number of
	// bytes written. It never writes past len(buf).
	PackInto(buf []byte) (int, error)
	// PackAlloc returns a freshly allocated, correctly sized buffer holding
	// the wire encoding.
	PackAlloc() ([]byte, error)
	packetLen() int
}

// DataPacket is an E1.31 Data packet: DMX (or other DMP-addressed) payload
// for one universe, optionally tagged for cross-universe synchronization.
type DataPacket struct {
	CID              CID
	SourceName       string
	Priority         uint8
	SyncAddress      uint16
	Sequence         uint8
	Preview          bool
	StreamTerminated bool
	ForceSync        bool
	Universe         uint16
	// Data is the DMP payload: first byte is the DMX start code, remaining
	// bytes are channel values. 1-513 bytes total.
	Data []byte
}

// SyncPacket is an E1.31 Synchronization packet: a rendezvous token that
// releases every buffered Data frame addressed to the same SyncAddress.
type SyncPacket struct {
	CID         CID
	Sequence    uint8
	SyncAddress uint16
}

// DiscoveryPacket is one page of an E1.31 Universe Discovery packet: the
// set of universes a source has registered, paginated 512-per-page.
type DiscoveryPacket struct {
	CID        CID
	SourceName string
	Page       uint8
	LastPage   uint8
	Universes  []uint16
}

func putFlagsLength(buf []byte, length int) {
	binary.BigEndian.PutUint16(buf, pduFlags|uint16(length&lengthMask))
}

func getFlagsLength(buf []byte) (flags uint16, length uint16) {
	v := binary.BigEndian.Uint16(buf)
	return v & flagsMask, v & lengthMask
}

// encodeSourceName writes s, truncated to 63 bytes plus a NUL terminator,
// into a fixed 64-byte field. Validation that s fits happens before this
// is called (see validateSourceName); this just performs the fixed-width
// padding the wire format requires.
func encodeSourceName(buf []byte, s string) {
	n := copy(buf[:len(buf)-1], s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

// decodeSourceName reads a NUL-terminated (or fully-populated) 64-byte
// field back into a Go string.
func decodeSourceName(buf []byte) string {
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n])
}

// validateSourceName reports whether name's UTF-8 encoding fits in 63 bytes,
// leaving room for the wire format's NUL terminator.
func validateSourceName(name string) bool {
	return len(name) <= sourceNameFieldLen-1
}

// --- Parse ---------------------------------------------------------------

// Parse decodes a raw UDP payload into one of DataPacket, SyncPacket, or
// DiscoveryPacket. On failure it returns a *ParseError
// wrapped in *Error{Kind: ErrKindParse}.
func Parse(b []byte) (Packet, error) {
	pkt, err := parse(b)
	if err != nil {
		return nil, asParseErr(err)
	}
	return pkt, nil
}

func parse(b []byte) (Packet, error) {
	if len(b) < 16 {
		return nil, parseErr(ParseErrInsufficientData, "preamble", len(b))
	}
	preamble := binary.BigEndian.Uint16(b[0:2])
	postamble := binary.BigEndian.Uint16(b[2:4])
	if preamble != preambleSize || postamble != postambleSize {
		return nil, parseErr(ParseErrInvalidPreamble, "preamble/postamble", [2]uint16{preamble, postamble})
	}
	if [12]byte(b[4:16]) != acnPacketIdentifier {
		return nil, parseErr(ParseErrInvalidAcnIdentifier, "acn_identifier", nil)
	}

	// Root layer PDU starts at offset 16.
	if len(b) < 16+2 {
		return nil, parseErr(ParseErrInsufficientData, "root.flags_length", len(b))
	}
	rootFlags, rootLen := getFlagsLength(b[16:18])
	if rootFlags != pduFlags {
		return nil, parseErr(ParseErrInvalidFlags, "root.flags", rootFlags)
	}
	if int(rootLen) < rootLayerFixedLen {
		return nil, parseErr(ParseErrInvalidLength, "root.length", rootLen)
	}
	if 16+int(rootLen) > len(b) {
		return nil, parseErr(ParseErrInsufficientData, "root.length", rootLen)
	}
	rootEnd := 16 + int(rootLen)
	body := b[:rootEnd]

	if len(body) < 22 {
		return nil, parseErr(ParseErrInsufficientData, "root.vector", len(body))
	}
	rootVector := binary.BigEndian.Uint32(body[18:22])
	if rootVector != VectorRootE131Data && rootVector != VectorRootE131Extended {
		return nil, parseErr(ParseErrInvalidVector, "root.vector", rootVector)
	}
	if len(body) < 38 {
		return nil, parseErr(ParseErrInsufficientData, "root.cid", len(body))
	}
	cid := CIDFromBytes([16]byte(body[22:38]))

	// Framing layer PDU starts at offset 38.
	framing := body[38:]
	if len(framing) < 6 {
		return nil, parseErr(ParseErrInsufficientData, "framing.flags_length", len(framing))
	}
	framingFlags, framingLen := getFlagsLength(framing[0:2])
	if framingFlags != pduFlags {
		return nil, parseErr(ParseErrInvalidFlags, "framing.flags", framingFlags)
	}
	if int(framingLen) > len(framing) {
		return nil, parseErr(ParseErrInsufficientData, "framing.length", framingLen)
	}
	framing = framing[:framingLen]
	framingVector := binary.BigEndian.Uint32(framing[2:6])

	switch {
	case rootVector == VectorRootE131Data && framingVector == VectorE131DataPacket:
		return parseDataPacket(cid, framing)
	case rootVector == VectorRootE131Extended && framingVector == VectorE131Sync:
		return parseSyncPacket(cid, framing)
	case rootVector == VectorRootE131Extended && framingVector == VectorE131Discovery:
		return parseDiscoveryPacket(cid, framing)
	default:
		return nil, parseErr(ParseErrInvalidVector, "framing.vector", framingVector)
	}
}

func parseDataPacket(cid CID, framing []byte) (*DataPacket, error) {
	if len(framing) < dataFramingFixedLen {
		return nil, parseErr(ParseErrInvalidLength, "data_framing.length", len(framing))
	}
	name := decodeSourceName(framing[6:70])
	priority := framing[70]
	if !ValidPriority(priority) {
		return nil, parseErr(ParseErrInvalidPriority, "priority", priority)
	}
	syncAddr := binary.BigEndian.Uint16(framing[71:73])
	if !ValidSyncAddress(syncAddr) {
		return nil, parseErr(ParseErrInvalidSyncAddress, "sync_address", syncAddr)
	}
	sequence := framing[73]
	options := framing[74]
	universe := binary.BigEndian.Uint16(framing[75:77])
	if !ValidUniverse(universe) {
		return nil, parseErr(ParseErrInvalidUniverse, "universe", universe)
	}

	dmp := framing[dataFramingFixedLen:]
	data, err := parseDMP(dmp)
	if err != nil {
		return nil, err
	}

	return &DataPacket{
		CID:              cid,
		SourceName:       name,
		Priority:         priority,
		SyncAddress:      syncAddr,
		Sequence:         sequence,
		Preview:          options&optBitPreview != 0,
		StreamTerminated: options&optBitTerminated != 0,
		ForceSync:        options&optBitForceSync != 0,
		Universe:         universe,
		Data:             data,
	}, nil
}

func parseDMP(b []byte) ([]byte, error) {
	if len(b) < 6 {
		return nil, parseErr(ParseErrInsufficientData, "dmp.flags_length", len(b))
	}
	flags, length := getFlagsLength(b[0:2])
	if flags != pduFlags {
		return nil, parseErr(ParseErrInvalidFlags, "dmp.flags", flags)
	}
	if int(length) > len(b) {
		return nil, parseErr(ParseErrInsufficientData, "dmp.length", length)
	}
	if int(length) < dmpFixedLen+1 {
		return nil, parseErr(ParseErrInvalidLength, "dmp.length", length)
	}
	b = b[:length]

	vector := b[2]
	if vector != VectorDMPSetProperty {
		return nil, parseErr(ParseErrInvalidVector, "dmp.vector", vector)
	}
	addrType := b[3]
	firstAddr := binary.BigEndian.Uint16(b[4:6])
	addrIncr := binary.BigEndian.Uint16(b[6:8])
	if addrType != dmpAddrType || firstAddr != dmpFirstAddr || addrIncr != dmpAddrIncr {
		return nil, parseErr(ParseErrInvalidVector, "dmp.address_fields", [3]uint16{uint16(addrType), firstAddr, addrIncr})
	}
	count := binary.BigEndian.Uint16(b[8:10])
	if count < 1 || int(count) > maxDMXLen {
		return nil, parseErr(ParseErrInvalidLength, "dmp.count", count)
	}
	payload := b[dmpFixedLen:]
	if len(payload) < int(count) {
		return nil, parseErr(ParseErrInsufficientData, "dmp.payload", len(payload))
	}
	out := make([]byte, count)
	copy(out, payload[:count])
	return out, nil
}

func parseSyncPacket(cid CID, framing []byte) (*SyncPacket, error) {
	if len(framing) < syncFramingFixedLen {
		return nil, parseErr(ParseErrInvalidLength, "sync_framing.length", len(framing))
	}
	sequence := framing[6]
	syncAddr := binary.BigEndian.Uint16(framing[7:9])
	if !ValidUniverse(syncAddr) {
		return nil, parseErr(ParseErrInvalidSyncAddress, "sync_address", syncAddr)
	}
	// framing[9:11] is reserved: ignored on receive.
	return &SyncPacket{CID: cid, Sequence: sequence, SyncAddress: syncAddr}, nil
}

func parseDiscoveryPacket(cid CID, framing []byte) (*DiscoveryPacket, error) {
	if len(framing) < discFramingFixedLen {
		return nil, parseErr(ParseErrInvalidLength, "disc_framing.length", len(framing))
	}
	name := decodeSourceName(framing[6:70])
	// framing[70:74] is reserved: ignored on receive.

	content := framing[discFramingFixedLen:]
	if len(content) < 6 {
		return nil, parseErr(ParseErrInsufficientData, "disc_content.flags_length", len(content))
	}
	flags, length := getFlagsLength(content[0:2])
	if flags != pduFlags {
		return nil, parseErr(ParseErrInvalidFlags, "disc_content.flags", flags)
	}
	if int(length) > len(content) {
		return nil, parseErr(ParseErrInsufficientData, "disc_content.length", length)
	}
	content = content[:length]
	vector := binary.BigEndian.Uint32(content[2:6])
	if vector != VectorUniverseDiscovery {
		return nil, parseErr(ParseErrInvalidVector, "disc_content.vector", vector)
	}
	if len(content) < discContentFixedLen {
		return nil, parseErr(ParseErrInvalidLength, "disc_content.length", len(content))
	}
	page := content[6]
	lastPage := content[7]
	if page > lastPage {
		return nil, parseErr(ParseErrInvalidPage, "page", [2]uint8{page, lastPage})
	}

	universeBytes := content[discContentFixedLen:]
	if len(universeBytes)%2 != 0 {
		return nil, parseErr(ParseErrInvalidLength, "universes", len(universeBytes))
	}
	n := len(universeBytes) / 2
	if n > maxDiscoveryPerPage {
		return nil, parseErr(ParseErrInvalidLength, "universes.count", n)
	}
	universes := make([]uint16, n)
	var prev uint16
	for i := 0; i < n; i++ {
		u := binary.BigEndian.Uint16(universeBytes[i*2 : i*2+2])
		if i > 0 && u <= prev {
			return nil, parseErr(ParseErrInvalidUniverseOrder, "universes", u)
		}
		universes[i] = u
		prev = u
	}

	return &DiscoveryPacket{
		CID:        cid,
		SourceName: name,
		Page:       page,
		LastPage:   lastPage,
		Universes:  universes,
	}, nil
}

// --- Pack ------------------------------------------------------------------

func (p *DataPacket) packetLen() int {
	dataLen := len(p.Data)
	return 16 + rootLayerFixedLen + dataFramingFixedLen + dmpFixedLen + dataLen
}

// PackInto writes the DataPacket's wire encoding into buf.
func (p *DataPacket) PackInto(buf []byte) (int, error) {
	if !validateSourceName(p.SourceName) {
		return 0, newErr(ErrKindMalformedSourceName, "source name %d bytes, must be <=63", len(p.SourceName))
	}
	if len(p.Data) < 1 || len(p.Data) > maxDMXLen {
		return 0, asPackErr(packErr(PackErrPayloadTooLarge, "data length %d, must be 1-513", len(p.Data)))
	}
	if !ValidPriority(p.Priority) {
		return 0, asPackErr(packErr(PackErrInvalidFieldValue, "priority %d > 200", p.Priority))
	}
	if !ValidSyncAddress(p.SyncAddress) {
		return 0, asPackErr(packErr(PackErrInvalidFieldValue, "sync address %d invalid", p.SyncAddress))
	}
	if !ValidUniverse(p.Universe) {
		return 0, asPackErr(packErr(PackErrInvalidFieldValue, "universe %d invalid", p.Universe))
	}

	total := p.packetLen()
	if len(buf) < total {
		return 0, asPackErr(packErr(PackErrBufferTooSmall, "need %d bytes, have %d", total, len(buf)))
	}
	buf = buf[:total]

	writeRootPreamble(buf)
	putFlagsLength(buf[16:18], total-16)
	binary.BigEndian.PutUint32(buf[18:22], VectorRootE131Data)
	copy(buf[22:38], p.CID[:])

	framing := buf[38:]
	putFlagsLength(framing[0:2], total-38)
	binary.BigEndian.PutUint32(framing[2:6], VectorE131DataPacket)
	encodeSourceName(framing[6:70], p.SourceName)
	framing[70] = p.Priority
	binary.BigEndian.PutUint16(framing[71:73], p.SyncAddress)
	framing[73] = p.Sequence
	var opts byte
	if p.Preview {
		opts |= optBitPreview
	}
	if p.StreamTerminated {
		opts |= optBitTerminated
	}
	if p.ForceSync {
		opts |= optBitForceSync
	}
	framing[74] = opts
	binary.BigEndian.PutUint16(framing[75:77], p.Universe)

	dmp := framing[dataFramingFixedLen:]
	dmpLen := dmpFixedLen + len(p.Data)
	putFlagsLength(dmp[0:2], dmpLen)
	dmp[2] = VectorDMPSetProperty
	dmp[3] = dmpAddrType
	binary.BigEndian.PutUint16(dmp[4:6], dmpFirstAddr)
	binary.BigEndian.PutUint16(dmp[6:8], dmpAddrIncr)
	binary.BigEndian.PutUint16(dmp[8:10], uint16(len(p.Data)))
	copy(dmp[dmpFixedLen:], p.Data)

	return total, nil
}

// PackAlloc allocates and returns the DataPacket's wire encoding.
func (p *DataPacket) PackAlloc() ([]byte, error) {
	buf := make([]byte, p.packetLen())
	n, err := p.PackInto(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *SyncPacket) packetLen() int {
	return 16 + rootLayerFixedLen + syncFramingFixedLen
}

// PackInto writes the SyncPacket's wire encoding into buf.
func (p *SyncPacket) PackInto(buf []byte) (int, error) {
	if !ValidUniverse(p.SyncAddress) {
		return 0, asPackErr(packErr(PackErrInvalidFieldValue, "sync address %d invalid", p.SyncAddress))
	}
	total := p.packetLen()
	if len(buf) < total {
		return 0, asPackErr(packErr(PackErrBufferTooSmall, "need %d bytes, have %d", total, len(buf)))
	}
	buf = buf[:total]

	writeRootPreamble(buf)
	putFlagsLength(buf[16:18], total-16)
	binary.BigEndian.PutUint32(buf[18:22], VectorRootE131Extended)
	copy(buf[22:38], p.CID[:])

	framing := buf[38:]
	putFlagsLength(framing[0:2], total-38)
	binary.BigEndian.PutUint32(framing[2:6], VectorE131Sync)
	framing[6] = p.Sequence
	binary.BigEndian.PutUint16(framing[7:9], p.SyncAddress)
	framing[9] = 0
	framing[10] = 0

	return total, nil
}

// PackAlloc allocates and returns the SyncPacket's wire encoding.
func (p *SyncPacket) PackAlloc() ([]byte, error) {
	buf := make([]byte, p.packetLen())
	n, err := p.PackInto(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (p *DiscoveryPacket) packetLen() int {
	return 16 + rootLayerFixedLen + discFramingFixedLen + discContentFixedLen + len(p.Universes)*2
}

// PackInto writes the DiscoveryPacket's wire encoding into buf.
func (p *DiscoveryPacket) PackInto(buf []byte) (int, error) {
	if !validateSourceName(p.SourceName) {
		return 0, newErr(ErrKindMalformedSourceName, "source name %d bytes, must be <=63", len(p.SourceName))
	}
	if len(p.Universes) > maxDiscoveryPerPage {
		return 0, asPackErr(packErr(PackErrPayloadTooLarge, "%d universes exceeds %d per page", len(p.Universes), maxDiscoveryPerPage))
	}
	if p.Page > p.LastPage {
		return 0, asPackErr(packErr(PackErrInvalidFieldValue, "page %d > last_page %d", p.Page, p.LastPage))
	}
	for i := 1; i < len(p.Universes); i++ {
		if p.Universes[i] <= p.Universes[i-1] {
			return 0, asPackErr(packErr(PackErrInvalidFieldValue, "universes not strictly ascending at index %d", i))
		}
	}

	total := p.packetLen()
	if len(buf) < total {
		return 0, asPackErr(packErr(PackErrBufferTooSmall, "need %d bytes, have %d", total, len(buf)))
	}
	buf = buf[:total]

	writeRootPreamble(buf)
	putFlagsLength(buf[16:18], total-16)
	binary.BigEndian.PutUint32(buf[18:22], VectorRootE131Extended)
	copy(buf[22:38], p.CID[:])

	framing := buf[38:]
	putFlagsLength(framing[0:2], total-38)
	binary.BigEndian.PutUint32(framing[2:6], VectorE131Discovery)
	encodeSourceName(framing[6:70], p.SourceName)
	framing[70], framing[71], framing[72], framing[73] = 0, 0, 0, 0

	content := framing[discFramingFixedLen:]
	putFlagsLength(content[0:2], len(content))
	binary.BigEndian.PutUint32(content[2:6], VectorUniverseDiscovery)
	content[6] = p.Page
	content[7] = p.LastPage
	for i, u := range p.Universes {
		binary.BigEndian.PutUint16(content[discContentFixedLen+i*2:discContentFixedLen+i*2+2], u)
	}

	return total, nil
}

// PackAlloc allocates and returns the DiscoveryPacket's wire encoding.
func (p *DiscoveryPacket) PackAlloc() ([]byte, error) {
	buf := make([]byte, p.packetLen())
	n, err := p.PackInto(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func writeRootPreamble(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], preambleSize)
	binary.BigEndian.PutUint16(buf[2:4], postambleSize)
	copy(buf[4:16], acnPacketIdentifier[:])
}
