package sacn

import (
	"log"
	"net"
	"sort"
	"sync"
)

// DefaultPriority is the priority assumed when send's priority argument is
// nil.
const DefaultPriority uint8 = 100

// TerminationPacketCount is the number of termination packets E1.31 §6.2.6
// requires a source emit when releasing a universe.
const TerminationPacketCount = 3

// Source is the sending half of the engine: it owns one UDP endpoint,
// tracks a sorted universe registry and a per-universe sequence counter,
// and periodically advertises its registered universes via Universe
// Discovery.
type Source struct {
	mu sync.Mutex

	sock  Socket
	clock Clock
	log   *log.Logger

	cid  CID
	name string

	universes []uint16 // sorted ascending, deduplicated
	sequences map[uint16]uint8

	preview       bool
	ttl           int
	multicastLoop bool
	iface         *net.Interface
	onlyV6        bool
	isV6          bool

	terminated bool

	discoveryDone    chan struct{}
	discoveryWG      sync.WaitGroup
	discoveryStarted bool
}

// SourceOption configures NewSource.
type SourceOption func(*Source)

// WithSourceLogger overrides the *log.Logger used for non-fatal conditions
// noticed by the background discovery task.
func WithSourceLogger(l *log.Logger) SourceOption {
	return func(s *Source) { s.log = l }
}

// WithSourceSocket overrides the Socket collaborator, letting callers wire
// in a test double or the pcap-based socket instead of the default UDP one.
func WithSourceSocket(sock Socket) SourceOption {
	return func(s *Source) { s.sock = sock }
}

// WithSourceClock overrides the Clock collaborator stored on the Source.
// The background discovery task does not read it: it is paced by a
// time.Ticker running on real time.
func WithSourceClock(c Clock) SourceOption {
	return func(s *Source) { s.clock = c }
}

// WithSourceMulticastInterface selects the outbound interface for this
// source's multicast traffic, for hosts with more than one NIC.
func WithSourceMulticastInterface(iface *net.Interface) SourceOption {
	return func(s *Source) { s.iface = iface }
}

// NewSource constructs a Source bound to bindAddr. If cid is nil, a random
// one is generated. Default options: multicast TTL 1 (IPv4),
// only_v6=true when bindAddr is IPv6, multicast_loop=true. Call
// StartDiscovery to begin periodic Universe Discovery advertisement, or
// drive it manually with Tick.
func NewSource(name string, cid *CID, bindAddr *net.UDPAddr, opts ...SourceOption) (*Source, error) {
	if !validateSourceName(name) {
		return nil, newErr(ErrKindMalformedSourceName, "source name %d bytes, must be <=63", len(name))
	}

	s := &Source{
		clock:         SystemClock,
		log:           log.New(log.Writer(), "sacn: ", log.Flags()),
		name:          name,
		sequences:     make(map[uint16]uint8),
		ttl:           1,
		multicastLoop: true,
		discoveryDone: make(chan struct{}),
	}
	if cid != nil {
		s.cid = *cid
	} else {
		s.cid = NewCID()
	}
	for _, o := range opts {
		o(s)
	}

	s.isV6 = bindAddr != nil && bindAddr.IP != nil && bindAddr.IP.To4() == nil
	s.onlyV6 = s.isV6

	if s.sock == nil {
		sock, err := NewUDPSocket(bindAddr, udpSocketOptions{OnlyV6: s.onlyV6})
		if err != nil {
			return nil, err
		}
		s.sock = sock
		_ = sock.SetMulticastTTL(s.ttl)
		_ = sock.SetMulticastLoop(s.multicastLoop)
		if s.iface != nil {
			_ = sock.SetMulticastInterface(s.iface)
		}
	}

	return s, nil
}

// StartDiscovery starts the background task that advertises this source's
// registered universes via Universe Discovery every DiscoveryInterval,
// sending an immediate page first. Calling it more than once is a no-op.
func (s *Source) StartDiscovery() {
	s.mu.Lock()
	if s.discoveryStarted {
		s.mu.Unlock()
		return
	}
	s.discoveryStarted = true
	s.mu.Unlock()

	s.discoveryWG.Add(1)
	go s.discoveryLoop()
}

// CID returns the source's component identifier.
func (s *Source) CID() CID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cid
}

// SetCID replaces the source's CID; callers should normally set it once
// before sending.
func (s *Source) SetCID(cid CID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cid = cid
}

// Name returns the source's name.
func (s *Source) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SetName validates and updates the source's name (UTF-8, <=63 bytes).
func (s *Source) SetName(name string) error {
	if !validateSourceName(name) {
		return newErr(ErrKindMalformedSourceName, "source name %d bytes, must be <=63", len(name))
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	return nil
}

// PreviewData reports whether outgoing Data packets are marked preview-only.
func (s *Source) PreviewData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preview
}

// SetPreviewData sets the preview-data option bit applied to future sends.
func (s *Source) SetPreviewData(preview bool) {
	s.mu.Lock()
	s.preview = preview
	s.mu.Unlock()
}

// SetMulticastTTL updates the multicast TTL (the multicast hop limit on IPv6
// sockets).
func (s *Source) SetMulticastTTL(ttl int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttl = ttl
	return s.sock.SetMulticastTTL(ttl)
}

// SetMulticastLoop updates whether outgoing multicast is looped back
// locally.
func (s *Source) SetMulticastLoop(loop bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.multicastLoop = loop
	return s.sock.SetMulticastLoop(loop)
}

// OnlyV6 reports whether this source's socket is configured IPv6-only.
func (s *Source) OnlyV6() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onlyV6
}

// RegisterUniverse adds u to the sorted registry. u must be an ordinary
// data universe or the reserved discovery universe (it may be registered:
// 64214 may be registered but is never used as a Data universe).
// Idempotent.
func (s *Source) RegisterUniverse(u uint16) error {
	if !ValidListenUniverse(u) {
		return newErr(ErrKindIllegalUniverse, "universe %d out of range", u)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertUniverseLocked(u)
	return nil
}

// RegisterUniverses registers every universe in us, stopping at the first
// invalid one (already-registered prefixes are not rolled back).
func (s *Source) RegisterUniverses(us []uint16) error {
	for _, u := range us {
		if err := s.RegisterUniverse(u); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) insertUniverseLocked(u uint16) {
	i := sort.Search(len(s.universes), func(i int) bool { return s.universes[i] >= u })
	if i < len(s.universes) && s.universes[i] == u {
		return
	}
	s.universes = append(s.universes, 0)
	copy(s.universes[i+1:], s.universes[i:])
	s.universes[i] = u
	if _, ok := s.sequences[u]; !ok {
		s.sequences[u] = 0
	}
}

// DeregisterUniverse removes u from the registry without sending
// termination packets.
func (s *Source) DeregisterUniverse(u uint16) {
	s.mu.Lock()
	s.removeUniverseLocked(u)
	s.mu.Unlock()
}

func (s *Source) removeUniverseLocked(u uint16) {
	i := sort.Search(len(s.universes), func(i int) bool { return s.universes[i] >= u })
	if i < len(s.universes) && s.universes[i] == u {
		s.universes = append(s.universes[:i], s.universes[i+1:]...)
	}
}

// RegisteredUniverses returns a sorted copy of the current registry.
func (s *Source) RegisteredUniverses() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, len(s.universes))
	copy(out, s.universes)
	return out
}

func (s *Source) isRegisteredLocked(u uint16) bool {
	i := sort.Search(len(s.universes), func(i int) bool { return s.universes[i] >= u })
	return i < len(s.universes) && s.universes[i] == u
}

func (s *Source) nextSequenceLocked(u uint16) uint8 {
	seq := s.sequences[u]
	s.sequences[u] = seq + 1
	return seq
}

// SendOptions carries send's optional arguments, grouped the way the
// original Rust crate's send(universes, data, priority, dst_ip, sync_uni)
// positional-Option signature does, but as named fields for Go callers.
type SendOptions struct {
	// Priority defaults to DefaultPriority (100) when nil.
	Priority *uint8
	// Dst, if non-nil, sends unicast/broadcast instead of multicast.
	Dst *net.UDPAddr
	// SyncUniverse, if non-nil, tags the packet(s) for synchronized
	// release on the given universe. Must not be 0.
	SyncUniverse *uint16
}

// Send splits data into chunks of at most 513 bytes (including the DMX
// start code) across universes in order, and sends one Data packet per
// chunk. Every universe must already be registered. Advances each
// universe's sequence counter after its packet is sent.
func (s *Source) Send(universes []uint16, data []byte, opts SendOptions) error {
	priority := DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	if !ValidPriority(priority) {
		return ErrInvalidPriority
	}

	var syncAddr uint16
	if opts.SyncUniverse != nil {
		if *opts.SyncUniverse == 0 {
			return newErr(ErrKindIllegalUniverse, "sync universe 0 is reserved for \"no sync\"")
		}
		if !ValidUniverse(*opts.SyncUniverse) {
			return newErr(ErrKindIllegalUniverse, "sync universe %d out of range", *opts.SyncUniverse)
		}
		syncAddr = *opts.SyncUniverse
	}

	if len(universes) == 0 {
		return newErr(ErrKindUniverseNotRegistered, "no universes given")
	}
	capacity := maxDMXLen * len(universes)
	if len(data) == 0 || len(data) > capacity {
		return wrapErr(ErrKindExceedUniverseCapacity, nil, "data length %d exceeds capacity %d", len(data), capacity)
	}

	numChunks := (len(data) + maxDMXLen - 1) / maxDMXLen
	if numChunks > len(universes) {
		return wrapErr(ErrKindExceedUniverseCapacity, nil, "data needs %d universes, got %d", numChunks, len(universes))
	}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return ErrSenderTerminated
	}
	for i := 0; i < numChunks; i++ {
		u := universes[i]
		if u == DiscoveryUniverse {
			s.mu.Unlock()
			return newErr(ErrKindIllegalUniverse, "universe %d is reserved for discovery", u)
		}
		if !s.isRegisteredLocked(u) {
			s.mu.Unlock()
			return wrapErr(ErrKindUniverseNotRegistered, nil, "universe %d not registered", u)
		}
	}

	cid, name, preview := s.cid, s.name, s.preview
	packets := make([]*DataPacket, numChunks)
	for i := 0; i < numChunks; i++ {
		u := universes[i]
		start := i * maxDMXLen
		end := start + maxDMXLen
		if end > len(data) {
			end = len(data)
		}
		packets[i] = &DataPacket{
			CID:         cid,
			SourceName:  name,
			Priority:    priority,
			SyncAddress: syncAddr,
			Sequence:    s.nextSequenceLocked(u),
			Preview:     preview,
			Universe:    u,
			Data:        append([]byte(nil), data[start:end]...),
		}
	}
	s.mu.Unlock()

	for _, p := range packets {
		if err := s.sendPacket(p.Universe, p, opts.Dst); err != nil {
			return err
		}
	}
	return nil
}

// SendSyncPacket emits a Synchronization packet for syncUni, releasing any
// buffered frames receivers are holding for that sync address.
func (s *Source) SendSyncPacket(syncUni uint16, dst *net.UDPAddr) error {
	if syncUni == 0 {
		return newErr(ErrKindIllegalUniverse, "sync universe 0 is reserved for \"no sync\"")
	}
	if !ValidUniverse(syncUni) {
		return newErr(ErrKindIllegalUniverse, "sync universe %d out of range", syncUni)
	}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return ErrSenderTerminated
	}
	cid := s.cid
	seq := s.nextSequenceLocked(syncUni)
	s.mu.Unlock()

	p := &SyncPacket{CID: cid, Sequence: seq, SyncAddress: syncUni}
	buf, err := p.PackAlloc()
	if err != nil {
		return err
	}
	addr := dst
	if addr == nil {
		addr, err = MulticastAddr(syncUni, s.isV6)
		if err != nil {
			return err
		}
	}
	_, err = s.sock.SendTo(buf, addr)
	return err
}

func (s *Source) sendPacket(universe uint16, p *DataPacket, dst *net.UDPAddr) error {
	buf, err := p.PackAlloc()
	if err != nil {
		return err
	}
	addr := dst
	if addr == nil {
		addr, err = MulticastAddr(universe, s.isV6)
		if err != nil {
			return err
		}
	}
	_, err = s.sock.SendTo(buf, addr)
	return err
}

// TerminateUniverse emits TerminationPacketCount data packets on u with the
// stream-terminated option bit set and a 1-byte [startCode] payload, then
// removes u from the registry, per E1.31 §6.2.6.
func (s *Source) TerminateUniverse(u uint16, startCode byte) error {
	s.mu.Lock()
	if !s.isRegisteredLocked(u) {
		s.mu.Unlock()
		return wrapErr(ErrKindUniverseNotRegistered, nil, "universe %d not registered", u)
	}
	cid, name := s.cid, s.name
	s.mu.Unlock()

	for i := 0; i < TerminationPacketCount; i++ {
		s.mu.Lock()
		seq := s.nextSequenceLocked(u)
		s.mu.Unlock()

		p := &DataPacket{
			CID:              cid,
			SourceName:       name,
			Priority:         DefaultPriority,
			Sequence:         seq,
			StreamTerminated: true,
			Universe:         u,
			Data:             []byte{startCode},
		}
		if err := s.sendPacket(u, p, nil); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.removeUniverseLocked(u)
	s.mu.Unlock()
	return nil
}

// Terminate releases every registered universe (sending termination
// packets for each data universe; the discovery universe is deregistered
// without any) and marks the source as terminated: further Send/
// SendSyncPacket calls fail with ErrSenderTerminated.
func (s *Source) Terminate() error {
	for _, u := range s.RegisteredUniverses() {
		if u == DiscoveryUniverse {
			s.DeregisterUniverse(u)
			continue
		}
		if err := s.TerminateUniverse(u, 0); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
	return nil
}

// Close terminates every registered universe and stops the background
// discovery task, then closes the underlying socket. It is safe to call
// more than once.
func (s *Source) Close() error {
	_ = s.Terminate()

	s.mu.Lock()
	started := s.discoveryStarted
	s.mu.Unlock()

	if started {
		select {
		case <-s.discoveryDone:
		default:
			close(s.discoveryDone)
		}
		s.discoveryWG.Wait()
	}

	return s.sock.Close()
}
