package sacn

import (
	"bytes"
	"testing"
)

func TestHTPMergeSinglePriorityWinner(t *testing.T) {
	a := SourceLevels{CID: NewCID(), Priority: 200, Values: []byte{10, 20, 30}}
	b := SourceLevels{CID: NewCID(), Priority: 100, Values: []byte{50, 50, 50}}

	got := HTPMerge([]SourceLevels{a, b})
	if !bytes.Equal(got, a.Values) {
		t.Fatalf("got %v, want the priority-200 source's values %v", got, a.Values)
	}
}

func TestHTPMergeTiedPrioritiesTakesHighestPerSlot(t *testing.T) {
	a := SourceLevels{CID: NewCID(), Priority: 100, Values: []byte{10, 90, 0}}
	b := SourceLevels{CID: NewCID(), Priority: 100, Values: []byte{80, 20, 5}}

	got := HTPMerge([]SourceLevels{a, b})
	want := []byte{80, 90, 5}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestHTPMergePriorityZeroOnlyUsedAlone(t *testing.T) {
	zero := SourceLevels{CID: NewCID(), Priority: 0, Values: []byte{1, 2, 3}}

	got := HTPMerge([]SourceLevels{zero})
	if !bytes.Equal(got, zero.Values) {
		t.Fatalf("sole priority-0 source should win, got %v", got)
	}

	positive := SourceLevels{CID: NewCID(), Priority: 50, Values: []byte{9, 9, 9}}
	got = HTPMerge([]SourceLevels{zero, positive})
	if !bytes.Equal(got, positive.Values) {
		t.Fatalf("priority-0 source should be excluded once another source is present, got %v", got)
	}
}

func TestHTPMergeEmpty(t *testing.T) {
	if got := HTPMerge(nil); got != nil {
		t.Fatalf("merging no sources should yield nil, got %v", got)
	}
}

func TestLTPMergeLastWins(t *testing.T) {
	a := SourceLevels{CID: NewCID(), Priority: 100, Values: []byte{1}}
	b := SourceLevels{CID: NewCID(), Priority: 100, Values: []byte{2}}
	got := LTPMerge([]SourceLevels{a, b})
	if !bytes.Equal(got, b.Values) {
		t.Fatalf("got %v, want the last source's values %v", got, b.Values)
	}
}

func TestPriorityOnlyMergeNoTieBreak(t *testing.T) {
	a := SourceLevels{CID: NewCID(), Priority: 150, Values: []byte{1, 1}}
	b := SourceLevels{CID: NewCID(), Priority: 150, Values: []byte{2, 2}}
	got := PriorityOnlyMerge([]SourceLevels{a, b})
	if !bytes.Equal(got, a.Values) && !bytes.Equal(got, b.Values) {
		t.Fatalf("expected one of the tied sources' values verbatim, got %v", got)
	}
}
