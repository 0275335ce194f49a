package memory

import (
	"github.com/gleandb/glean/storage/page"
)

// ChunkCapacity is how many offsets one PagePoolOffsetChunk holds before
// it must be drained back to its pool.
const ChunkCapacity = 1024

// PagePoolOffsetChunk batches page returns so that dropping a large
// subtree of volatile pages touches the pool's free list once per chunk
// rather than once per page. Each chunk collects offsets for exactly one
// node's pool.
type PagePoolOffsetChunk struct {
	node    uint8
	offsets []page.PoolOffset
}

func NewPagePoolOffsetChunk(node uint8) *PagePoolOffsetChunk {
	return &PagePoolOffsetChunk{
		node:    node,
		offsets: make([]page.PoolOffset, 0, ChunkCapacity),
	}
}

func (chunk *PagePoolOffsetChunk) Node() uint8 {
	return chunk.node
}

func (chunk *PagePoolOffsetChunk) Size() int {
	return len(chunk.offsets)
}

func (chunk *PagePoolOffsetChunk) Full() bool {
	return len(chunk.offsets) >= ChunkCapacity
}

// Add collects one offset; the caller drains the chunk via
// PagePool.ReleaseChunk when Full reports true.
func (chunk *PagePoolOffsetChunk) Add(off page.PoolOffset) {
	chunk.offsets = append(chunk.offsets, off)
}
