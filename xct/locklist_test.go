package xct

import (
	"testing"
)

func TestCurrentLockListOrderAndDedup(t *testing.T) {
	owners := make([]RwLockableXctId, 4)

	var cll CurrentLockList
	cll.Add(&owners[2])
	cll.Add(&owners[0])
	cll.Add(&owners[3])
	cll.Add(&owners[0]) // duplicate
	cll.Add(&owners[1])
	cll.Finalize()

	entries := cll.Entries()
	if len(entries) != 4 {
		t.Fatalf("after dedup got %d entries want 4", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Addr >= entries[i].Addr {
			t.Fatalf("entries not in ascending address order at %d", i)
		}
	}
}

func TestRetrospectiveConstruct(t *testing.T) {
	owners := make([]RwLockableXctId, 3)

	var cll CurrentLockList
	for i := range owners {
		cll.Add(&owners[i])
	}
	cll.Finalize()

	var rll RetrospectiveLockList
	rll.Construct(&cll)
	if rll.Empty() {
		t.Fatal("retrospective list empty after construct")
	}
	for i := range owners {
		if !rll.Contains(&owners[i]) {
			t.Errorf("retrospective list missing owner %d", i)
		}
	}

	var other RwLockableXctId
	if rll.Contains(&other) {
		t.Error("retrospective list contains an owner it never saw")
	}

	// Prepopulation carries the entries into the next run's lock list.
	var next CurrentLockList
	next.PrepopulateFromRetrospective(&rll)
	if len(next.Entries()) != 3 {
		t.Fatalf("prepopulated list got %d entries want 3", len(next.Entries()))
	}

	rll.Clear()
	if !rll.Empty() {
		t.Fatal("retrospective list not empty after clear")
	}
}
