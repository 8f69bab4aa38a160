package sacn

import "time"

// DiscoveredSourceExpiry is how long a discovered source is kept without a
// fresh advertisement, per E1.31 §6.9: 2.5 * the discovery interval.
const DiscoveredSourceExpiry = 25 * time.Second

// DiscoveredSource is a completed Universe Discovery advertisement: a
// source's name, CID, and the full ascending universe list assembled
// across all of its pages.
type DiscoveredSource struct {
	CID       CID
	Name      string
	Universes []uint16
	LastSeen  time.Time
}

// discoveryBuild accumulates a source's in-progress page set until
// page == lastPage is seen, at which point it is finalized into
// Receiver.discovered.
type discoveryBuild struct {
	name     string
	lastPage uint8
	pages    map[uint8][]uint16
	lastSeen time.Time
}

// handleDiscovery accumulates p into its source's in-progress page set and
// reports whether the page sequence completed this call (an
// application-visible "discovery" result); an out-of-order/partial page,
// or a packet received while discovery ingestion isn't enabled, is
// non-visible.
func (r *Receiver) handleDiscovery(p *DiscoveryPacket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.discovering {
		return false
	}

	now := r.clock.Now()
	b, ok := r.discBuild[p.CID]
	if !ok {
		b = &discoveryBuild{pages: make(map[uint8][]uint16)}
		r.discBuild[p.CID] = b
	}
	b.name = p.SourceName
	b.lastPage = p.LastPage
	b.pages[p.Page] = append([]uint16(nil), p.Universes...)
	b.lastSeen = now

	if existing, ok := r.discovered[p.CID]; ok {
		existing.LastSeen = now
	}

	if len(b.pages) != int(b.lastPage)+1 {
		return false
	}

	var universes []uint16
	for page := uint8(0); ; page++ {
		universes = append(universes, b.pages[page]...)
		if page == b.lastPage {
			break
		}
	}
	delete(r.discBuild, p.CID)

	src := DiscoveredSource{CID: p.CID, Name: b.name, Universes: universes, LastSeen: now}
	r.discovered[p.CID] = &src

	if r.announceDiscovered && r.discoveryHandler != nil {
		r.discoveryHandler(src)
	}
	return true
}

// pruneDiscoveredLocked removes discovered sources silent for longer than
// DiscoveredSourceExpiry. Caller must hold r.mu.
func (r *Receiver) pruneDiscoveredLocked(now time.Time) {
	for cid, src := range r.discovered {
		if now.Sub(src.LastSeen) > DiscoveredSourceExpiry {
			delete(r.discovered, cid)
		}
	}
	for cid, b := range r.discBuild {
		if now.Sub(b.lastSeen) > DiscoveredSourceExpiry {
			delete(r.discBuild, cid)
		}
	}
}

// GetDiscoveredSources sweeps expired entries first, then returns a
// snapshot of the remaining discovered sources.
func (r *Receiver) GetDiscoveredSources() []DiscoveredSource {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneDiscoveredLocked(r.clock.Now())
	return r.snapshotDiscoveredLocked()
}

// GetDiscoveredSourcesNoCheck returns a snapshot of discovered sources
// without pruning expired entries first, matching the distinction the
// original source.rs-era API names as "no_check".
func (r *Receiver) GetDiscoveredSourcesNoCheck() []DiscoveredSource {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshotDiscoveredLocked()
}

func (r *Receiver) snapshotDiscoveredLocked() []DiscoveredSource {
	out := make([]DiscoveredSource, 0, len(r.discovered))
	for _, src := range r.discovered {
		out = append(out, *src)
	}
	return out
}
