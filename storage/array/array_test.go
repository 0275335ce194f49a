package array

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

type harness struct {
	pool   *memory.GlobalPool
	thread *thread.Thread
	mgr    *xct.Manager
	st     *Storage
}

func newHarness(t *testing.T, recordSize uint16, arraySize uint64) *harness {
	t.Helper()
	pool, err := memory.NewGlobalPool(1, 1<<12)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		pool.Close()
	})

	x := xct.NewXct(0, 4096, 1024, 1<<16)
	buf := log.NewBuffer(0, 0)
	th := thread.New(0, 0, x, buf, pool)
	clock := epoch.NewClock(1)
	mgr := xct.NewManager(clock, nil, noMoves{}, 0)

	meta := &storage.Metadata{ID: 1, Type: storage.TypeArray, Name: "a",
		RecordSize: recordSize, ArraySize: arraySize}
	st, err := newStorage(meta, &storage.Context{Pool: pool, Nodes: 1, Threads: 1})
	if err != nil {
		t.Fatal(err)
	}
	return &harness{pool: pool, thread: th, mgr: mgr, st: st}
}

func (h *harness) commit(t *testing.T, fn func() errcode.ErrorCode) {
	t.Helper()
	if code := h.mgr.Begin(h.thread.Xct(), xct.Serializable); code != errcode.Ok {
		t.Fatal(code)
	}
	if code := fn(); code != errcode.Ok {
		t.Fatal(code)
	}
	_, code := h.mgr.Precommit(h.thread.Xct(), h.thread.LogBuffer())
	if code != errcode.Ok {
		t.Fatal(code)
	}
}

func TestArrayLevels(t *testing.T) {
	cases := []struct {
		recordSize uint16
		arraySize  uint64
		levels     int
	}{
		{16, 10, 1},
		{64, 1000, 2},
		{8, 100000, 3},
	}
	for _, c := range cases {
		h := newHarness(t, c.recordSize, c.arraySize)
		if h.st.levels != c.levels {
			t.Errorf("record %d size %d: levels got %d want %d",
				c.recordSize, c.arraySize, h.st.levels, c.levels)
		}
	}
}

func TestArrayOverwriteGet(t *testing.T) {
	h := newHarness(t, 64, 1000)

	offsets := []uint64{0, 49, 50, 252, 500, 999}
	for _, offset := range offsets {
		offset := offset
		h.commit(t, func() errcode.ErrorCode {
			return h.st.OverwriteInt64(h.thread, offset, 0, int64(offset)*3)
		})
	}
	h.commit(t, func() errcode.ErrorCode {
		for _, offset := range offsets {
			v, code := h.st.GetInt64(h.thread, offset, 0)
			if code != errcode.Ok {
				return code
			}
			if v != int64(offset)*3 {
				t.Errorf("offset %d got %d want %d", offset, v, offset*3)
			}
		}
		return errcode.Ok
	})

	// Untouched records read as zero.
	h.commit(t, func() errcode.ErrorCode {
		v, code := h.st.GetInt64(h.thread, 7, 0)
		if code != errcode.Ok {
			return code
		}
		if v != 0 {
			t.Errorf("untouched record got %d want 0", v)
		}
		return errcode.Ok
	})
}

func TestArrayBounds(t *testing.T) {
	h := newHarness(t, 16, 10)
	h.commit(t, func() errcode.ErrorCode {
		if code := h.st.Overwrite(h.thread, 10, make([]byte, 16)); code != errcode.StrInvalidOffset {
			t.Errorf("out-of-range Overwrite got %s", code)
		}
		if code := h.st.Overwrite(h.thread, 0, make([]byte, 17)); code != errcode.StrTooLongPayload {
			t.Errorf("oversize Overwrite got %s", code)
		}
		var buf [16]byte
		if code := h.st.GetPart(h.thread, 0, 10, buf[:8]); code != errcode.StrInvalidOffset {
			t.Errorf("out-of-range GetPart got %s", code)
		}
		return errcode.Ok
	})
}

func TestArrayPartialOverwrite(t *testing.T) {
	h := newHarness(t, 32, 8)
	h.commit(t, func() errcode.ErrorCode {
		return h.st.OverwritePart(h.thread, 2, 8, []byte{1, 2, 3, 4})
	})
	h.commit(t, func() errcode.ErrorCode {
		return h.st.OverwritePart(h.thread, 2, 0, []byte{9, 9})
	})
	h.commit(t, func() errcode.ErrorCode {
		var buf [12]byte
		code := h.st.GetPart(h.thread, 2, 0, buf[:])
		if code != errcode.Ok {
			return code
		}
		want := [12]byte{9, 9, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4}
		if buf != want {
			t.Errorf("GetPart got %v want %v", buf, want)
		}
		return errcode.Ok
	})
}

func TestArrayIncrement(t *testing.T) {
	h := newHarness(t, 16, 4)
	for i := 1; i <= 5; i++ {
		i := i
		h.commit(t, func() errcode.ErrorCode {
			v, code := h.st.Increment(h.thread, 1, 0, 10)
			if code != errcode.Ok {
				return code
			}
			if v != int64(i*10) {
				t.Errorf("Increment %d got %d want %d", i, v, i*10)
			}
			return errcode.Ok
		})
	}
}
