package memory

import (
	"sync"
	"testing"

	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/storage/page"
)

func TestPagePoolAllocateRelease(t *testing.T) {
	pool, err := NewPagePool(0, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	if pool.FreeCount() != 16 {
		t.Fatalf("FreeCount got %d want 16", pool.FreeCount())
	}

	seen := map[page.PoolOffset]struct{}{}
	var offs []page.PoolOffset
	for i := 0; i < 16; i++ {
		off, code := pool.Allocate()
		if code != errcode.Ok {
			t.Fatalf("Allocate %d failed with %s", i, code)
		}
		if off == 0 || uint32(off) > 16 {
			t.Fatalf("Allocate returned out-of-range offset %d", off)
		}
		if _, ok := seen[off]; ok {
			t.Fatalf("Allocate returned offset %d twice", off)
		}
		seen[off] = struct{}{}
		offs = append(offs, off)
	}
	if _, code := pool.Allocate(); code != errcode.MemNoFreePages {
		t.Fatalf("Allocate on empty pool got %s want %s", code, errcode.MemNoFreePages)
	}
	if pool.FreeCount() != 0 {
		t.Fatalf("FreeCount got %d want 0", pool.FreeCount())
	}

	for _, off := range offs {
		pool.Release(off)
	}
	if pool.FreeCount() != 16 {
		t.Fatalf("FreeCount after release got %d want 16", pool.FreeCount())
	}
}

func TestPagePoolZeroesFrames(t *testing.T) {
	pool, err := NewPagePool(0, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	off, code := pool.Allocate()
	if code != errcode.Ok {
		t.Fatal(code)
	}
	frame := pool.Page(off)
	for i := range frame {
		frame[i] = 0xff
	}
	pool.Release(off)

	off2, code := pool.Allocate()
	if code != errcode.Ok {
		t.Fatal(code)
	}
	frame = pool.Page(off2)
	for i, b := range frame {
		if b != 0 {
			t.Fatalf("frame byte %d not zeroed: %x", i, b)
		}
	}
}

func TestPagePoolConcurrent(t *testing.T) {
	pool, err := NewPagePool(0, 256)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				off, code := pool.Allocate()
				if code != errcode.Ok {
					continue
				}
				pool.Release(off)
			}
		}()
	}
	wg.Wait()
	if pool.FreeCount() != 256 {
		t.Fatalf("FreeCount after churn got %d want 256", pool.FreeCount())
	}
}

func TestOffsetChunkBatchedRelease(t *testing.T) {
	pool, err := NewPagePool(0, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	chunk := NewPagePoolOffsetChunk(0)
	for i := 0; i < 32; i++ {
		off, code := pool.Allocate()
		if code != errcode.Ok {
			t.Fatal(code)
		}
		chunk.Add(off)
	}
	if chunk.Size() != 32 {
		t.Fatalf("chunk Size got %d want 32", chunk.Size())
	}
	pool.ReleaseChunk(chunk)
	if chunk.Size() != 0 {
		t.Fatalf("chunk not reset after release")
	}
	if pool.FreeCount() != 64 {
		t.Fatalf("FreeCount got %d want 64", pool.FreeCount())
	}
}

func TestGlobalPoolResolve(t *testing.T) {
	gp, err := NewGlobalPool(2, 8)
	if err != nil {
		t.Fatal(err)
	}
	defer gp.Close()

	vpp, frame, code := gp.Allocate(1)
	if code != errcode.Ok {
		t.Fatal(code)
	}
	if vpp.Node() != 1 {
		t.Fatalf("allocated pointer node got %d want 1", vpp.Node())
	}
	frame[0] = 0xab
	if gp.Resolve(vpp)[0] != 0xab {
		t.Fatal("Resolve returned a different frame")
	}
	gp.Release(vpp)
}

func TestLocalWorkMemory(t *testing.T) {
	lwm := NewLocalWorkMemory(64)
	b, code := lwm.Allocate(10)
	if code != errcode.Ok || len(b) != 10 {
		t.Fatalf("Allocate(10) got len %d code %s", len(b), code)
	}
	// Aligned to 8.
	if lwm.Used() != 16 {
		t.Fatalf("Used got %d want 16", lwm.Used())
	}
	_, code = lwm.Allocate(100)
	if code != errcode.XctNoMoreLocalWorkMemory {
		t.Fatalf("oversize Allocate got %s want %s", code,
			errcode.XctNoMoreLocalWorkMemory)
	}
	lwm.Reset()
	if lwm.Used() != 0 {
		t.Fatal("Reset did not clear usage")
	}
	_, code = lwm.Allocate(64)
	if code != errcode.Ok {
		t.Fatalf("Allocate after reset got %s", code)
	}
}
