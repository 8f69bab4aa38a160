package sacn

import "time"

// DiscoveryInterval is how often a Source re-advertises its registered
// universes, per E1.31 §4.3, table 4-1 (E131_UNIVERSE_DISCOVERY_INTERVAL).
const DiscoveryInterval = 10 * time.Second

// MaxUniversesPerDiscoveryPage is the largest universe list a single
// Universe Discovery packet can carry.
const MaxUniversesPerDiscoveryPage = 512

// Tick sends one round of Universe Discovery pages immediately, for hosts
// that drive the source from their own event loop instead of the
// background goroutine started by StartDiscovery.
func (s *Source) Tick(now time.Time) error {
	return s.sendDiscovery()
}

// discoveryLoop runs the periodic Universe Discovery advertisement until
// Close stops it, sending an initial round immediately and then one every
// DiscoveryInterval.
func (s *Source) discoveryLoop() {
	defer s.discoveryWG.Done()

	if err := s.sendDiscovery(); err != nil {
		s.log.Printf("discovery: %v", err)
	}

	ticker := time.NewTicker(DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.discoveryDone:
			return
		case <-ticker.C:
			if err := s.sendDiscovery(); err != nil {
				s.log.Printf("discovery: %v", err)
			}
		}
	}
}

// sendDiscovery paginates the registered universe list into pages of at
// most MaxUniversesPerDiscoveryPage entries and multicasts one Universe
// Discovery packet per page, ascending, page 0 through last_page, to the
// reserved discovery universe 64214. An empty registry still produces a
// single empty page so listeners can learn the source has no universes.
func (s *Source) sendDiscovery() error {
	s.mu.Lock()
	cid, name := s.cid, s.name
	universes := make([]uint16, len(s.universes))
	copy(universes, s.universes)
	isV6 := s.isV6
	s.mu.Unlock()

	lastPage := 0
	if len(universes) > 0 {
		lastPage = (len(universes) - 1) / MaxUniversesPerDiscoveryPage
	}

	addr, err := MulticastAddr(DiscoveryUniverse, isV6)
	if err != nil {
		return err
	}

	for page := 0; page <= lastPage; page++ {
		start := page * MaxUniversesPerDiscoveryPage
		end := start + MaxUniversesPerDiscoveryPage
		if end > len(universes) {
			end = len(universes)
		}

		p := &DiscoveryPacket{
			CID:        cid,
			SourceName: name,
			Page:       uint8(page),
			LastPage:   uint8(lastPage),
			Universes:  universes[start:end],
		}
		buf, err := p.PackAlloc()
		if err != nil {
			return err
		}
		if _, err := s.sock.SendTo(buf, addr); err != nil {
			return err
		}
	}
	return nil
}
