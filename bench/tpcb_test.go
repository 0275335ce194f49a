package bench_test

import (
	"path/filepath"
	"testing"

	"github.com/gleandb/glean/bench"
	"github.com/gleandb/glean/engine"
	"github.com/gleandb/glean/testutil"
	"github.com/gleandb/glean/thread"
)

func startEngine(t *testing.T) *engine.Engine {
	t.Helper()
	err := testutil.CleanDir("testdata", []string{".gitignore"})
	if err != nil {
		t.Fatal(err)
	}
	testutil.SetupLogger(filepath.Join("testdata", "tpcb_test.log"))
	dir := t.TempDir()
	opts := engine.DefaultOptions()
	opts.LogFolder = filepath.Join(dir, "logs")
	opts.PoolPagesPerNode = 1 << 12
	opts.Snapshot.FolderPathPattern = filepath.Join(dir, "snapshots", "node_$NODE$")
	opts.Snapshot.SnapshotIntervalMilliseconds = 3600 * 1000

	e, err := engine.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	err = e.Start()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		e.Stop()
	})
	return e
}

func TestTpcbSingleThread(t *testing.T) {
	e := startEngine(t)
	tp, err := bench.Setup(e, e.Thread(0))
	if err != nil {
		t.Fatal(err)
	}

	lastEpoch, err := tp.Run([]*thread.Thread{e.Thread(0)}, 100, false, 1)
	if err != nil {
		t.Fatal(err)
	}
	err = e.WaitForCommit(lastEpoch)
	if err != nil {
		t.Fatal(err)
	}

	sums, err := tp.HistorySums(e.Thread(0))
	if err != nil {
		t.Fatal(err)
	}
	if sums.Count != 100 {
		t.Fatalf("history count got %d want 100", sums.Count)
	}
	err = tp.Verify(e.Thread(0))
	if err != nil {
		t.Fatalf("balance invariants violated: %s", err)
	}
}

func TestTpcbContendedThreads(t *testing.T) {
	e := startEngine(t)
	tp, err := bench.Setup(e, e.Thread(0))
	if err != nil {
		t.Fatal(err)
	}

	threads := []*thread.Thread{
		e.Thread(0), e.Thread(1), e.Thread(2), e.Thread(3),
	}
	lastEpoch, err := tp.Run(threads, 100, true, 7)
	if err != nil {
		t.Fatal(err)
	}
	err = e.WaitForCommit(lastEpoch)
	if err != nil {
		t.Fatal(err)
	}

	sums, err := tp.HistorySums(e.Thread(0))
	if err != nil {
		t.Fatal(err)
	}
	if sums.Count != 400 {
		t.Fatalf("history count got %d want 400", sums.Count)
	}
	err = tp.Verify(e.Thread(0))
	if err != nil {
		t.Fatalf("balance invariants violated: %s", err)
	}
}

func TestTpcbSnapshotPreservesBalances(t *testing.T) {
	e := startEngine(t)
	tp, err := bench.Setup(e, e.Thread(0))
	if err != nil {
		t.Fatal(err)
	}

	lastEpoch, err := tp.Run([]*thread.Thread{e.Thread(0), e.Thread(1)}, 50, true, 3)
	if err != nil {
		t.Fatal(err)
	}
	err = e.WaitForCommit(lastEpoch)
	if err != nil {
		t.Fatal(err)
	}

	err = e.SnapshotManager().TriggerSnapshot()
	if err != nil {
		t.Fatal(err)
	}

	// The invariants hold identically when reads go through the new
	// snapshot pages.
	err = tp.Verify(e.Thread(0))
	if err != nil {
		t.Fatalf("balance invariants violated after snapshot: %s", err)
	}
}
