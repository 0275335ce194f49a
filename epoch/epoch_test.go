package epoch_test

import (
	"sync"
	"testing"
	"time"

	"github.com/gleandb/glean/epoch"
)

func TestEpochBefore(t *testing.T) {
	cases := []struct {
		e, o   epoch.Epoch
		before bool
	}{
		{1, 2, true},
		{2, 1, false},
		{1, 1, false},
		{1, 1000, true},
		{(1 << epoch.Bits) - 1, 1, true},
		{1, (1 << epoch.Bits) - 1, false},
		{(1 << epoch.Bits) - 2, (1 << epoch.Bits) - 1, true},
	}
	for _, c := range cases {
		if got := c.e.Before(c.o); got != c.before {
			t.Errorf("Epoch(%d).Before(%d) got %t want %t", c.e, c.o, got, c.before)
		}
	}
}

func TestEpochNextPrev(t *testing.T) {
	if got := epoch.Epoch((1 << epoch.Bits) - 1).Next(); got != 1 {
		t.Errorf("max.Next() got %d want 1", got)
	}
	if got := epoch.Epoch(1).Prev(); got != (1<<epoch.Bits)-1 {
		t.Errorf("Epoch(1).Prev() got %d want %d", got, (1<<epoch.Bits)-1)
	}
	if got := epoch.Epoch(5).Next(); got != 6 {
		t.Errorf("Epoch(5).Next() got %d want 6", got)
	}
	for e := epoch.Epoch(1); e < 100; e++ {
		if e.Next().Prev() != e {
			t.Fatalf("Next then Prev of %d got %d", e, e.Next().Prev())
		}
		if !e.Before(e.Next()) {
			t.Fatalf("Epoch(%d) not before its next", e)
		}
	}
}

func TestClockAdvance(t *testing.T) {
	clock := epoch.NewClock(1)
	if got := clock.Current(); got != 1 {
		t.Fatalf("Current() got %d want 1", got)
	}
	for i := 0; i < 10; i++ {
		prev := clock.Current()
		next := clock.Advance()
		if next != prev.Next() {
			t.Fatalf("Advance() got %d want %d", next, prev.Next())
		}
		if clock.Grace() != next.Prev() {
			t.Fatalf("Grace() got %d want %d", clock.Grace(), next.Prev())
		}
	}
}

func TestClockWaiters(t *testing.T) {
	clock := epoch.NewClock(1)
	target := epoch.Epoch(5)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		clock.WaitUntilCurrent(target)
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for clock.Current().Before(target) {
		clock.Advance()
		time.Sleep(time.Millisecond)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke after advance")
	}
}

func TestClockDurable(t *testing.T) {
	clock := epoch.NewClock(1)
	clock.SetDurable(3)
	if got := clock.Durable(); got != 3 {
		t.Fatalf("Durable() got %d want 3", got)
	}
	// The frontier never moves backwards.
	clock.SetDurable(2)
	if got := clock.Durable(); got != 3 {
		t.Fatalf("Durable() after backwards set got %d want 3", got)
	}

	done := make(chan struct{})
	go func() {
		clock.WaitUntilDurable(5)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	clock.SetDurable(5)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("durable waiter never woke")
	}
}
