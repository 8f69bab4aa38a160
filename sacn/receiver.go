package sacn

import (
	"log"
	"net"
	"sync"
	"time"
)

// NetworkDataLossTimeout is how long a Receiver waits without hearing from
// a source on a universe before evicting it, per ANSI E1.31-2018 table 4-1
// (E131_NETWORK_DATA_LOSS_TIMEOUT).
const NetworkDataLossTimeout = 2500 * time.Millisecond

// SequenceDiscardWindow bounds how far behind a received sequence number
// may trail the last one accepted before the packet is treated as
// out-of-order and dropped, per E1.31 §6.7.2.
const SequenceDiscardWindow = 20

// DMXData is one universe's merged output, delivered to a DMXHandler
// whenever the merge result for that universe changes.
type DMXData struct {
	Universe uint16
	Values   []byte
}

// DMXHandler receives merged per-universe data, generalized from a fixed
// [512]byte array to the variable-length merge result this module
// produces.
type DMXHandler func(data DMXData)

// ProtocolEventKind identifies a non-fatal condition the Receiver can
// optionally announce instead of handling silently.
type ProtocolEventKind int

const (
	EventSourceDiscovered ProtocolEventKind = iota
	EventUniverseTerminated
	EventUniverseTimeout
	EventOutOfSequence
	EventSourcesExceeded
)

// ProtocolEvent describes one occurrence of a ProtocolEventKind, delivered
// to an EventHandler when the corresponding Announce* flag is set.
type ProtocolEvent struct {
	Kind     ProtocolEventKind
	CID      CID
	Universe uint16
	Err      error
}

// EventHandler receives ProtocolEvents the Receiver has been told to
// announce instead of swallow.
type EventHandler func(ev ProtocolEvent)

// DiscoveryHandler receives a DiscoveredSource once its Universe Discovery
// page sequence completes.
type DiscoveryHandler func(src DiscoveredSource)

// perSourceState is one (universe, CID) pair's tracked contribution.
type perSourceState struct {
	cid      CID
	priority uint8
	lastSeq  uint8
	haveSeq  bool
	lastSeen time.Time
	preview  bool

	values []byte // last committed (non-buffered) DMP payload

	pendingSync   uint16 // nonzero while holding a frame for a Sync packet
	pendingValues []byte
	pendingForce  bool // ForceSync bit on the held frame
}

type universeState struct {
	sources map[CID]*perSourceState
}

// Receiver listens for sACN Data, Sync, and Universe Discovery packets,
// tracks per-source state per listened universe, merges concurrent sources
// with a pluggable MergeFunc, and maintains a table of discovered sources.
type Receiver struct {
	sock  Socket
	clock Clock
	log   *log.Logger

	mergeFunc MergeFunc

	iface *net.Interface

	mu          sync.Mutex
	isV6        bool
	listening   map[uint16]bool
	states      map[uint16]*universeState
	discovering bool
	discBuild   map[CID]*discoveryBuild
	discovered  map[CID]*DiscoveredSource

	sourceLimit int
	sourceCount map[CID]bool // distinct CIDs currently tracked across all universes

	previewAccept bool

	announceDiscovered      bool
	announceTermination     bool
	announceTimeout         bool
	announceOutOfSequence   bool
	announceSourcesExceeded bool

	dmxHandler       DMXHandler
	eventHandler     EventHandler
	discoveryHandler DiscoveryHandler

	done chan struct{}
	wg   sync.WaitGroup
}

// ReceiverOption configures NewReceiver.
type ReceiverOption func(*Receiver)

// WithReceiverLogger overrides the *log.Logger used for swallowed
// conditions (malformed packets, socket read errors in the background loop).
func WithReceiverLogger(l *log.Logger) ReceiverOption {
	return func(r *Receiver) { r.log = l }
}

// WithReceiverSocket overrides the Socket collaborator.
func WithReceiverSocket(sock Socket) ReceiverOption {
	return func(r *Receiver) { r.sock = sock }
}

// WithReceiverClock overrides the Clock collaborator, primarily for tests
// exercising the 2.5s/25s timeout windows deterministically.
func WithReceiverClock(c Clock) ReceiverOption {
	return func(r *Receiver) { r.clock = c }
}

// WithReceiverMulticastInterface selects the interface multicast group
// joins are bound to, for hosts with more than one NIC.
func WithReceiverMulticastInterface(iface *net.Interface) ReceiverOption {
	return func(r *Receiver) { r.iface = iface }
}

// WithMergeFunc overrides the default HTPMerge policy.
func WithMergeFunc(f MergeFunc) ReceiverOption {
	return func(r *Receiver) { r.mergeFunc = f }
}

// WithDMXHandler sets the callback invoked when a universe's merged output
// changes.
func WithDMXHandler(h DMXHandler) ReceiverOption {
	return func(r *Receiver) { r.dmxHandler = h }
}

// WithEventHandler sets the callback invoked for announced ProtocolEvents.
func WithEventHandler(h EventHandler) ReceiverOption {
	return func(r *Receiver) { r.eventHandler = h }
}

// WithDiscoveryHandler sets the callback invoked when a source's Universe
// Discovery page sequence completes.
func WithDiscoveryHandler(h DiscoveryHandler) ReceiverOption {
	return func(r *Receiver) { r.discoveryHandler = h }
}

// NewReceiver binds bindAddr with SO_REUSEADDR set (so more than one
// receiver-like process can share port 5568, per socket_reuseaddr_unix.go/
// socket_reuseaddr_windows.go) and constructs a Receiver. sourceLimit caps
// the number of distinct CIDs tracked at once; 0 means unlimited.
func NewReceiver(bindAddr *net.UDPAddr, sourceLimit int, opts ...ReceiverOption) (*Receiver, error) {
	r := &Receiver{
		clock:       SystemClock,
		log:         log.New(log.Writer(), "sacn: ", log.Flags()),
		mergeFunc:   HTPMerge,
		listening:   make(map[uint16]bool),
		states:      make(map[uint16]*universeState),
		discBuild:   make(map[CID]*discoveryBuild),
		discovered:  make(map[CID]*DiscoveredSource),
		sourceLimit: sourceLimit,
		sourceCount: make(map[CID]bool),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}

	r.isV6 = bindAddr != nil && bindAddr.IP != nil && bindAddr.IP.To4() == nil

	if r.sock == nil {
		sock, err := NewUDPSocket(bindAddr, udpSocketOptions{OnlyV6: r.isV6, ReuseAddr: true, Interface: r.iface})
		if err != nil {
			return nil, err
		}
		r.sock = sock
	} else if r.iface != nil {
		_ = r.sock.SetMulticastInterface(r.iface)
	}

	return r, nil
}

// SetPreviewData controls whether Data packets with the preview-data
// option bit set contribute to the merge. Default false (dropped).
func (r *Receiver) SetPreviewData(accept bool) {
	r.mu.Lock()
	r.previewAccept = accept
	r.mu.Unlock()
}

// SetAnnounceDiscoveredSources controls whether a completed discovery page
// sequence is delivered to the DiscoveryHandler. No EventSourceDiscovered
// ProtocolEvent is emitted for it. Enabling it joins the
// reserved discovery universe (64214) implicitly if ListenUniverses hasn't
// already been called for it.
func (r *Receiver) SetAnnounceDiscoveredSources(announce bool) {
	r.mu.Lock()
	r.announceDiscovered = announce
	alreadyJoined := r.discovering
	r.mu.Unlock()

	if announce && !alreadyJoined {
		if err := r.ListenUniverses(DiscoveryUniverse); err != nil {
			r.log.Printf("join discovery universe: %v", err)
		}
	}
}

// SetAnnounceTermination controls whether EventUniverseTerminated is
// delivered to the EventHandler.
func (r *Receiver) SetAnnounceTermination(announce bool) {
	r.mu.Lock()
	r.announceTermination = announce
	r.mu.Unlock()
}

// SetAnnounceTimeout controls whether EventUniverseTimeout is delivered to
// the EventHandler.
func (r *Receiver) SetAnnounceTimeout(announce bool) {
	r.mu.Lock()
	r.announceTimeout = announce
	r.mu.Unlock()
}

// SetAnnounceOutOfSequence controls whether EventOutOfSequence is delivered
// to the EventHandler.
func (r *Receiver) SetAnnounceOutOfSequence(announce bool) {
	r.mu.Lock()
	r.announceOutOfSequence = announce
	r.mu.Unlock()
}

// SetAnnounceSourcesExceeded controls whether EventSourcesExceeded is
// delivered to the EventHandler.
func (r *Receiver) SetAnnounceSourcesExceeded(announce bool) {
	r.mu.Lock()
	r.announceSourcesExceeded = announce
	r.mu.Unlock()
}

// ListenUniverses joins the multicast group for each universe (data
// universes or the reserved discovery universe 64214) and marks it
// listened-to. Idempotent per universe.
func (r *Receiver) ListenUniverses(us ...uint16) error {
	for _, u := range us {
		if !ValidListenUniverse(u) {
			return newErr(ErrKindIllegalUniverse, "universe %d out of range", u)
		}
		addr, err := MulticastAddr(u, r.isV6)
		if err != nil {
			return err
		}
		if err := r.sock.JoinGroup(addr); err != nil {
			return err
		}

		r.mu.Lock()
		r.listening[u] = true
		if u == DiscoveryUniverse {
			r.discovering = true
		} else if _, ok := r.states[u]; !ok {
			r.states[u] = &universeState{sources: make(map[CID]*perSourceState)}
		}
		r.mu.Unlock()
	}
	return nil
}

// MuteUniverse leaves a universe's multicast group and discards its
// tracked source state.
func (r *Receiver) MuteUniverse(u uint16) error {
	addr, err := MulticastAddr(u, r.isV6)
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.listening, u)
	if u == DiscoveryUniverse {
		r.discovering = false
	} else if st, ok := r.states[u]; ok {
		for cid := range st.sources {
			delete(r.sourceCount, cid)
		}
		delete(r.states, u)
	}
	r.mu.Unlock()

	return r.sock.LeaveGroup(addr)
}

// StartReceiving spawns a background goroutine pulling and dispatching
// packets until Close is called.
func (r *Receiver) StartReceiving() {
	r.wg.Add(1)
	go r.receiveLoop()
}

func (r *Receiver) receiveLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		default:
		}
		if err := r.ReceiveOnce(NetworkDataLossTimeout); err != nil {
			select {
			case <-r.done:
				return
			default:
				r.log.Printf("recv: %v", err)
			}
		}
	}
}

// ReceiveOnce pulls and dispatches packets, blocking up to timeout (0 blocks
// forever), until one produces an application-visible result (a DMX merge
// update, a universe termination, a completed discovery page sequence, or a
// network-data-loss eviction) or the timeout elapses. Packets that carry no
// visible result (an out-of-sequence discard, a sync packet that releases
// nothing, a non-final discovery page, a source rejected for exceeding
// sourceLimit) are absorbed internally and the read is retried against the
// remaining time budget. Exposed directly for single-threaded/embedded
// hosts that drive the Receiver from their own poll loop instead of
// StartReceiving.
func (r *Receiver) ReceiveOnce(timeout time.Duration) error {
	var deadline time.Time
	hasDeadline := timeout > 0
	if hasDeadline {
		deadline = r.clock.Now().Add(timeout)
	}

	buf := make([]byte, 1144)
	for {
		remaining := timeout
		if hasDeadline {
			remaining = deadline.Sub(r.clock.Now())
			if remaining <= 0 {
				r.pruneExpired(r.clock.Now())
				return ErrReceiveTimeout
			}
		}

		n, _, err := r.sock.RecvFrom(buf, remaining)
		evicted := r.pruneExpired(r.clock.Now())
		if err != nil {
			return err
		}

		pkt, err := Parse(buf[:n])
		if err != nil {
			r.log.Printf("parse: %v", err)
			if evicted {
				return nil
			}
			continue
		}

		var visible bool
		switch p := pkt.(type) {
		case *DataPacket:
			visible = r.handleData(p)
		case *SyncPacket:
			visible = r.handleSync(p)
		case *DiscoveryPacket:
			visible = r.handleDiscovery(p)
		}
		if visible || evicted {
			return nil
		}
	}
}

// Close stops the background receive loop (if started) and closes the
// underlying socket.
func (r *Receiver) Close() error {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	r.wg.Wait()
	return r.sock.Close()
}

func (r *Receiver) emitEvent(kind ProtocolEventKind, cid CID, universe uint16, err error) {
	if r.eventHandler != nil {
		r.eventHandler(ProtocolEvent{Kind: kind, CID: cid, Universe: universe, Err: err})
	}
}

// handleData applies p to its (universe, CID) state and reports whether
// processing it produced an application-visible result: a committed merge
// update or a universe termination. A buffered (pending-sync) frame, an
// out-of-sequence discard, an unlistened universe, and a source rejected
// for exceeding sourceLimit are all non-visible.
func (r *Receiver) handleData(p *DataPacket) bool {
	r.mu.Lock()

	if !r.listening[p.Universe] {
		r.mu.Unlock()
		return false
	}
	st := r.states[p.Universe]
	if st == nil {
		st = &universeState{sources: make(map[CID]*perSourceState)}
		r.states[p.Universe] = st
	}

	src, ok := st.sources[p.CID]
	if !ok {
		if r.sourceLimit > 0 && !r.sourceCount[p.CID] && len(r.sourceCount) >= r.sourceLimit {
			announce := r.announceSourcesExceeded
			r.mu.Unlock()
			if announce {
				r.emitEvent(EventSourcesExceeded, p.CID, p.Universe, ErrSourcesExceeded())
			}
			return false
		}
		src = &perSourceState{cid: p.CID}
		st.sources[p.CID] = src
		r.sourceCount[p.CID] = true
	} else if src.haveSeq {
		delta := int8(p.Sequence - src.lastSeq)
		if delta <= 0 && delta >= -SequenceDiscardWindow {
			announce := r.announceOutOfSequence
			r.mu.Unlock()
			if announce {
				r.emitEvent(EventOutOfSequence, p.CID, p.Universe, ErrOutOfSequence())
			}
			return false
		}
	}

	src.lastSeq = p.Sequence
	src.haveSeq = true
	src.lastSeen = r.clock.Now()
	src.priority = p.Priority
	src.preview = p.Preview

	if p.StreamTerminated {
		delete(st.sources, p.CID)
		delete(r.sourceCount, p.CID)
		announce := r.announceTermination
		levels := r.universeLevelsLocked(st)
		r.mu.Unlock()

		if announce {
			r.emitEvent(EventUniverseTerminated, p.CID, p.Universe, ErrUniverseTerminated())
		}
		r.notifyMerge(p.Universe, levels)
		return true
	}

	if p.SyncAddress == 0 {
		src.values = append([]byte(nil), p.Data...)
		src.pendingSync = 0
		levels := r.universeLevelsLocked(st)
		r.mu.Unlock()
		r.notifyMerge(p.Universe, levels)
		return true
	}

	src.pendingSync = p.SyncAddress
	src.pendingValues = append([]byte(nil), p.Data...)
	src.pendingForce = p.ForceSync
	r.mu.Unlock()
	return false
}

// handleSync releases every frame buffered under p.SyncAddress and reports
// whether at least one universe's merge changed as a result; a sync packet
// matching no buffered frame is non-visible.
func (r *Receiver) handleSync(p *SyncPacket) bool {
	r.mu.Lock()
	type release struct {
		universe uint16
		levels   []SourceLevels
	}
	var releases []release
	for universe, st := range r.states {
		changed := false
		for _, src := range st.sources {
			if src.pendingSync == p.SyncAddress {
				src.values = src.pendingValues
				src.pendingValues = nil
				src.pendingSync = 0
				src.pendingForce = false
				changed = true
			}
		}
		if changed {
			releases = append(releases, release{universe: universe, levels: r.universeLevelsLocked(st)})
		}
	}
	r.mu.Unlock()

	for _, rel := range releases {
		r.notifyMerge(rel.universe, rel.levels)
	}
	return len(releases) > 0
}

// universeLevelsLocked returns the SourceLevels contributing to universe's
// merge: preview sources are excluded unless previewAccept is set, and
// sources still holding a buffered (not-yet-synced) frame contribute
// nothing until their Sync packet arrives. Caller must hold r.mu.
func (r *Receiver) universeLevelsLocked(st *universeState) []SourceLevels {
	levels := make([]SourceLevels, 0, len(st.sources))
	for _, src := range st.sources {
		if src.preview && !r.previewAccept {
			continue
		}
		if src.values == nil {
			continue
		}
		levels = append(levels, SourceLevels{CID: src.cid, Priority: src.priority, Values: src.values})
	}
	return levels
}

func (r *Receiver) notifyMerge(universe uint16, levels []SourceLevels) {
	if r.dmxHandler == nil {
		return
	}
	r.dmxHandler(DMXData{Universe: universe, Values: r.mergeFunc(levels)})
}

// pruneExpired evicts sources that have not sent within
// NetworkDataLossTimeout and discovered sources stale past their
// discovery-table expiry window, reporting whether any source was evicted
// (a "timeout" application-visible result). A source evicted while still
// holding an un-synced frame without ForceSync releases that frame (one
// last merge with it included) before reverting to live as the eviction
// itself drops it; a ForceSync-held frame is discarded silently on eviction
// instead.
func (r *Receiver) pruneExpired(now time.Time) bool {
	type timeout struct {
		cid      CID
		universe uint16
	}
	var timeouts []timeout
	type release struct {
		universe uint16
		levels   []SourceLevels
	}
	var releases []release

	r.mu.Lock()
	for universe, st := range r.states {
		changed := false
		for cid, src := range st.sources {
			if now.Sub(src.lastSeen) <= NetworkDataLossTimeout {
				continue
			}
			if src.pendingSync != 0 && !src.pendingForce && src.pendingValues != nil {
				src.values = src.pendingValues
				releases = append(releases, release{universe: universe, levels: r.universeLevelsLocked(st)})
			}
			delete(st.sources, cid)
			delete(r.sourceCount, cid)
			timeouts = append(timeouts, timeout{cid: cid, universe: universe})
			changed = true
		}
		if changed {
			releases = append(releases, release{universe: universe, levels: r.universeLevelsLocked(st)})
		}
	}
	r.pruneDiscoveredLocked(now)
	announce := r.announceTimeout
	r.mu.Unlock()

	if announce {
		for _, t := range timeouts {
			r.emitEvent(EventUniverseTimeout, t.cid, t.universe, ErrUniverseTimeout())
		}
	}
	for _, rel := range releases {
		r.notifyMerge(rel.universe, rel.levels)
	}
	return len(timeouts) > 0
}

// ErrSourcesExceeded, ErrOutOfSequence, ErrUniverseTerminated, and
// ErrUniverseTimeout build the protocol-event sentinel errors carried on a
// ProtocolEvent; unlike the package-level Err* vars they need per-call
// construction since they are informational, not failures callers return.
func ErrSourcesExceeded() error    { return newErr(ErrKindSourcesExceeded, "source limit exceeded") }
func ErrOutOfSequence() error      { return newErr(ErrKindOutOfSequence, "packet out of sequence") }
func ErrUniverseTerminated() error { return newErr(ErrKindUniverseTerminated, "universe terminated") }
func ErrUniverseTimeout() error    { return newErr(ErrKindUniverseTimeout, "universe timed out") }
