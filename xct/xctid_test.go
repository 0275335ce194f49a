package xct

import (
	"sync"
	"testing"

	"github.com/gleandb/glean/epoch"
)

func TestXctIdPacking(t *testing.T) {
	cases := []struct {
		epoch   epoch.Epoch
		ordinal uint32
	}{
		{1, 1},
		{1, MaxOrdinal},
		{(1 << epoch.Bits) - 1, 12345},
		{42, 0},
	}
	for _, c := range cases {
		id := MakeXctId(c.epoch, c.ordinal)
		if id.Epoch() != c.epoch {
			t.Errorf("MakeXctId(%d, %d).Epoch() got %d", c.epoch, c.ordinal, id.Epoch())
		}
		if id.Ordinal() != c.ordinal {
			t.Errorf("MakeXctId(%d, %d).Ordinal() got %d", c.epoch, c.ordinal,
				id.Ordinal())
		}
		if id.IsDeleted() {
			t.Errorf("MakeXctId(%d, %d) unexpectedly deleted", c.epoch, c.ordinal)
		}
	}
}

func TestXctIdStatus(t *testing.T) {
	id := MakeXctId(7, 9)
	del := id.SetDeleted()
	if !del.IsDeleted() {
		t.Error("SetDeleted did not set the deleted bit")
	}
	if del.Epoch() != 7 || del.Ordinal() != 9 {
		t.Error("SetDeleted changed the version")
	}
	if !del.EqualsVersion(id) {
		t.Error("EqualsVersion should ignore status bits")
	}
	if del.EqualsObserved(id) {
		t.Error("EqualsObserved must see the deleted bit")
	}
	if del.ClearStatus() != id {
		t.Error("ClearStatus did not restore the original id")
	}
}

func TestXctIdOrdering(t *testing.T) {
	cases := []struct {
		a, b   XctId
		before bool
	}{
		{MakeXctId(1, 1), MakeXctId(1, 2), true},
		{MakeXctId(1, 2), MakeXctId(2, 1), true},
		{MakeXctId(2, 1), MakeXctId(1, 9), false},
		{MakeXctId(3, 3), MakeXctId(3, 3), false},
	}
	for _, c := range cases {
		if got := c.a.Before(c.b); got != c.before {
			t.Errorf("%s.Before(%s) got %t want %t", c.a, c.b, got, c.before)
		}
	}
	if MaxXctId(MakeXctId(1, 5), MakeXctId(2, 1)) != MakeXctId(2, 1) {
		t.Error("MaxXctId picked the wrong id")
	}
}

func TestRwLockExclusion(t *testing.T) {
	var owner RwLockableXctId
	owner.WriteLock(1)
	if owner.TryWriteLock(2) {
		t.Fatal("second writer acquired a held lock")
	}
	if !owner.IsWriteLocked() {
		t.Fatal("lock not reported held")
	}
	if owner.LastWriter() != 1 {
		t.Fatalf("LastWriter got %d want 1", owner.LastWriter())
	}
	owner.WriteUnlock()
	if !owner.TryWriteLock(2) {
		t.Fatal("lock not acquirable after unlock")
	}
	owner.WriteUnlock()
}

func TestRwLockReaders(t *testing.T) {
	var owner RwLockableXctId
	owner.ReadLock()
	owner.ReadLock()
	if owner.TryWriteLock(1) {
		t.Fatal("writer acquired lock with readers present")
	}
	owner.ReadUnlock()
	owner.ReadUnlock()
	if !owner.TryWriteLock(1) {
		t.Fatal("writer blocked with no readers")
	}
	owner.WriteUnlock()
}

func TestRwLockContention(t *testing.T) {
	var owner RwLockableXctId
	var counter int
	var wg sync.WaitGroup
	const workers = 8
	const rounds = 200
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				owner.WriteLock(uint16(w))
				counter++
				owner.WriteUnlock()
			}
		}(w)
	}
	wg.Wait()
	if counter != workers*rounds {
		t.Fatalf("counter got %d want %d", counter, workers*rounds)
	}
}

func TestLoadStableSpinsPastWriter(t *testing.T) {
	var owner RwLockableXctId
	owner.InitVersion(MakeXctId(1, 1))
	owner.WriteLock(1)
	done := make(chan XctId)
	go func() {
		done <- owner.LoadStable()
	}()
	owner.SetCommitted(MakeXctId(2, 1))
	owner.WriteUnlock()
	got := <-done
	if got != MakeXctId(2, 1) {
		t.Fatalf("LoadStable got %s want %s", got, MakeXctId(2, 1))
	}
}
