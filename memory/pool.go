// Package memory provides the NUMA-partitioned volatile page pool and the
// per-transaction local work memory.
package memory

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/storage/page"
)

// PagePool hands out fixed-size page frames for one NUMA node from a
// single contiguous arena. The free list is a lock-free stack of offsets:
// the list link for a free frame is stored in the frame's first word, and
// the head word packs a counter, bumped on every push and pop, with the
// top offset to avoid ABA.
type PagePool struct {
	node  uint8
	arena []byte
	pages uint32
	head  atomic.Uint64 // {counter : 32, offset : 32}
	free  atomic.Int64
}

func NewPagePool(node uint8, pages uint32) (*PagePool, error) {
	if pages == 0 {
		return nil, fmt.Errorf("memory: node %d: pool must have at least one page", node)
	}
	arena, err := allocateArena((int(pages) + 1) * page.Size)
	if err != nil {
		return nil, fmt.Errorf("memory: node %d: %s", node, err)
	}

	pool := &PagePool{
		node:  node,
		arena: arena,
		pages: pages,
	}
	// Offset zero is reserved as null, so frame 0 is never handed out.
	for off := page.PoolOffset(pages); off >= 1; off-- {
		pool.push(off)
	}
	return pool, nil
}

func (pool *PagePool) Close() error {
	arena := pool.arena
	pool.arena = nil
	return releaseArena(arena)
}

func (pool *PagePool) Node() uint8 {
	return pool.node
}

// Pages returns the pool capacity in pages.
func (pool *PagePool) Pages() uint32 {
	return pool.pages
}

// FreeCount returns the current number of free pages; approximate under
// concurrent allocation.
func (pool *PagePool) FreeCount() uint32 {
	n := pool.free.Load()
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// FreePercent returns the free fraction of the pool in percent.
func (pool *PagePool) FreePercent() uint32 {
	return uint32(uint64(pool.FreeCount()) * 100 / uint64(pool.pages))
}

// Page returns the frame for a pool offset. Offsets come only from this
// pool's Allocate, so out-of-range access indicates a corrupted pointer.
func (pool *PagePool) Page(off page.PoolOffset) []byte {
	base := int(off) * page.Size
	return pool.arena[base : base+page.Size : base+page.Size]
}

func (pool *PagePool) frameLink(off page.PoolOffset) *uint64 {
	return (*uint64)(unsafe.Pointer(&pool.arena[int(off)*page.Size]))
}

func (pool *PagePool) push(off page.PoolOffset) {
	for {
		head := pool.head.Load()
		atomic.StoreUint64(pool.frameLink(off), head&0xffffffff)
		next := ((head + (1 << 32)) &^ 0xffffffff) | uint64(off)
		if pool.head.CompareAndSwap(head, next) {
			pool.free.Add(1)
			return
		}
	}
}

func (pool *PagePool) pop() (page.PoolOffset, bool) {
	for {
		head := pool.head.Load()
		off := page.PoolOffset(head)
		if off == 0 {
			return 0, false
		}
		link := atomic.LoadUint64(pool.frameLink(off))
		next := ((head + (1 << 32)) &^ 0xffffffff) | (link & 0xffffffff)
		if pool.head.CompareAndSwap(head, next) {
			pool.free.Add(-1)
			return off, true
		}
	}
}

// Allocate grabs one free frame, zeroes it, and returns its offset.
func (pool *PagePool) Allocate() (page.PoolOffset, errcode.ErrorCode) {
	off, ok := pool.pop()
	if !ok {
		return 0, errcode.MemNoFreePages
	}
	frame := pool.Page(off)
	for i := range frame {
		frame[i] = 0
	}
	return off, errcode.Ok
}

// Release returns one frame to the pool.
func (pool *PagePool) Release(off page.PoolOffset) {
	if off == 0 || uint32(off) > pool.pages {
		panic(fmt.Sprintf("memory: node %d: bad release offset %d", pool.node, off))
	}
	pool.push(off)
}

// ReleaseChunk batch-returns every offset collected in the chunk and
// resets it.
func (pool *PagePool) ReleaseChunk(chunk *PagePoolOffsetChunk) {
	for _, off := range chunk.offsets {
		pool.push(off)
	}
	chunk.offsets = chunk.offsets[:0]
}
