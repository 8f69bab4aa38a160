package sacn

// SourceLevels is one source's contribution to a universe at merge time:
// its priority and its current DMP payload (including start code).
type SourceLevels struct {
	CID      CID
	Priority uint8
	Values   []byte
}

// MergeFunc arbitrates between multiple sources sending the same universe
// and returns the merged payload. The default, HTPMerge, lets the highest
// priority win; priority-0 sources are used only when no source has a
// higher priority, and ties are broken per-slot. It's a plain
// function value the Receiver holds and calls, not an interface to
// implement.
type MergeFunc func(sources []SourceLevels) []byte

// HTPMerge is the default MergeFunc: Highest Takes Precedence per
// E1.31 §6.2.1. The highest-priority source(s) win; among sources tied at
// the winning priority, each DMX slot independently takes the highest
// value across those sources.
func HTPMerge(sources []SourceLevels) []byte {
	winners := priorityWinners(sources)
	if len(winners) == 0 {
		return nil
	}
	if len(winners) == 1 {
		return append([]byte(nil), winners[0].Values...)
	}

	maxLen := 0
	for _, w := range winners {
		if len(w.Values) > maxLen {
			maxLen = len(w.Values)
		}
	}
	out := make([]byte, maxLen)
	for _, w := range winners {
		for i, v := range w.Values {
			if v > out[i] {
				out[i] = v
			}
		}
	}
	return out
}

// LTPMerge is Latest Takes Precedence: the most recently received source
// wins outright (sources is expected in arrival order, last element most
// recent), offered as an alternative merge policy.
func LTPMerge(sources []SourceLevels) []byte {
	if len(sources) == 0 {
		return nil
	}
	return append([]byte(nil), sources[len(sources)-1].Values...)
}

// PriorityOnlyMerge picks the single highest-priority source with no
// per-slot tie-break; ties are broken by the first winner encountered.
func PriorityOnlyMerge(sources []SourceLevels) []byte {
	winners := priorityWinners(sources)
	if len(winners) == 0 {
		return nil
	}
	return append([]byte(nil), winners[0].Values...)
}

// priorityWinners returns the subset of sources at the winning priority
// level: the highest priority present, unless only priority-0 sources are
// present, in which case all of them are eligible (priority 0 means "do
// not use unless it is the only one").
func priorityWinners(sources []SourceLevels) []SourceLevels {
	if len(sources) == 0 {
		return nil
	}

	hasPositive := false
	for _, s := range sources {
		if s.Priority > 0 {
			hasPositive = true
			break
		}
	}

	eligible := sources
	if hasPositive {
		eligible = make([]SourceLevels, 0, len(sources))
		for _, s := range sources {
			if s.Priority > 0 {
				eligible = append(eligible, s)
			}
		}
	}

	maxPriority := eligible[0].Priority
	for _, s := range eligible {
		if s.Priority > maxPriority {
			maxPriority = s.Priority
		}
	}

	winners := make([]SourceLevels, 0, len(eligible))
	for _, s := range eligible {
		if s.Priority == maxPriority {
			winners = append(winners, s)
		}
	}
	return winners
}
