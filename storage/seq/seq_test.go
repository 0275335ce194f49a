package seq

import (
	"testing"

	"github.com/gleandb/glean/epoch"
	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/log"
	"github.com/gleandb/glean/memory"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/thread"
	"github.com/gleandb/glean/xct"
)

type noMoves struct{}

func (noMoves) TrackMoved(w *xct.WriteAccess) errcode.ErrorCode {
	return errcode.Internal
}

func newSeqHarness(t *testing.T, threads int) (*Storage, []*thread.Thread, *xct.Manager) {
	t.Helper()
	pool, err := memory.NewGlobalPool(1, 1<<10)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		pool.Close()
	})

	var ths []*thread.Thread
	for i := 0; i < threads; i++ {
		x := xct.NewXct(uint16(i), 1024, 1024, 1<<16)
		buf := log.NewBuffer(0, uint16(i))
		ths = append(ths, thread.New(uint16(i), 0, x, buf, pool))
	}
	clock := epoch.NewClock(1)
	mgr := xct.NewManager(clock, nil, noMoves{}, 0)

	meta := &storage.Metadata{ID: 1, Type: storage.TypeSeq, Name: "hist"}
	st := newStorage(meta, &storage.Context{Pool: pool, Nodes: 1, Threads: threads})
	return st, ths, mgr
}

func appendOne(t *testing.T, mgr *xct.Manager, st *Storage, th *thread.Thread,
	payload []byte) {

	t.Helper()
	if code := mgr.Begin(th.Xct(), xct.Serializable); code != errcode.Ok {
		t.Fatal(code)
	}
	if code := st.Append(th, payload); code != errcode.Ok {
		t.Fatal(code)
	}
	_, code := mgr.Precommit(th.Xct(), th.LogBuffer())
	if code != errcode.Ok {
		t.Fatal(code)
	}
}

func TestSeqAppendScan(t *testing.T) {
	st, ths, mgr := newSeqHarness(t, 2)

	appendOne(t, mgr, st, ths[0], []byte("a0"))
	appendOne(t, mgr, st, ths[1], []byte("b0"))
	appendOne(t, mgr, st, ths[0], []byte("a1"))

	var got []string
	if code := mgr.Begin(ths[0].Xct(), xct.Serializable); code != errcode.Ok {
		t.Fatal(code)
	}
	code := st.Scan(ths[0], mgr.Clock().Current(),
		func(id xct.XctId, payload []byte) errcode.ErrorCode {
			if !id.Valid() {
				t.Error("scanned record with invalid xct id")
			}
			got = append(got, string(payload))
			return errcode.Ok
		})
	if code != errcode.Ok {
		t.Fatal(code)
	}
	if _, code := mgr.Precommit(ths[0].Xct(), ths[0].LogBuffer()); code != errcode.Ok {
		t.Fatal(code)
	}

	if len(got) != 3 {
		t.Fatalf("Scan got %d records want 3", len(got))
	}
	counts := map[string]int{}
	for _, p := range got {
		counts[p]++
	}
	for _, want := range []string{"a0", "a1", "b0"} {
		if counts[want] != 1 {
			t.Errorf("payload %q seen %d times", want, counts[want])
		}
	}
}

func TestSeqChainGrowsAcrossPages(t *testing.T) {
	st, ths, mgr := newSeqHarness(t, 1)

	// Each record consumes a few hundred bytes; enough of them chain
	// multiple pages.
	payload := make([]byte, 400)
	const n = 40
	for i := 0; i < n; i++ {
		payload[0] = byte(i)
		appendOne(t, mgr, st, ths[0], payload)
	}

	count := 0
	if code := mgr.Begin(ths[0].Xct(), xct.Serializable); code != errcode.Ok {
		t.Fatal(code)
	}
	code := st.Scan(ths[0], mgr.Clock().Current(),
		func(id xct.XctId, p []byte) errcode.ErrorCode {
			if len(p) != len(payload) {
				t.Errorf("payload length got %d want %d", len(p), len(payload))
			}
			count++
			return errcode.Ok
		})
	if code != errcode.Ok {
		t.Fatal(code)
	}
	if _, code := mgr.Precommit(ths[0].Xct(), ths[0].LogBuffer()); code != errcode.Ok {
		t.Fatal(code)
	}
	if count != n {
		t.Fatalf("Scan got %d records want %d", count, n)
	}

	// The chain spans more than one page.
	chain := st.chains[0]
	if chain.head.IsNull() || chain.head == chain.tail {
		t.Fatal("expected a multi-page chain")
	}
}

func TestSeqOversizePayload(t *testing.T) {
	st, ths, mgr := newSeqHarness(t, 1)
	if code := mgr.Begin(ths[0].Xct(), xct.Serializable); code != errcode.Ok {
		t.Fatal(code)
	}
	code := st.Append(ths[0], make([]byte, 5000))
	if code != errcode.StrTooLongPayload {
		t.Fatalf("oversize Append got %s", code)
	}
	mgr.Abort(ths[0].Xct())
}
