package memory

import (
	"fmt"

	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/storage/page"
)

// GlobalPool aggregates the per-node page pools and resolves volatile
// page pointers across nodes.
type GlobalPool struct {
	nodes []*PagePool
}

func NewGlobalPool(nodes int, pagesPerNode uint32) (*GlobalPool, error) {
	if nodes < 1 {
		return nil, fmt.Errorf("memory: need at least one node, got %d", nodes)
	}
	gp := &GlobalPool{}
	for node := 0; node < nodes; node++ {
		pool, err := NewPagePool(uint8(node), pagesPerNode)
		if err != nil {
			gp.Close()
			return nil, err
		}
		gp.nodes = append(gp.nodes, pool)
	}
	return gp, nil
}

func (gp *GlobalPool) Close() error {
	var err error
	for _, pool := range gp.nodes {
		if cerr := pool.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	gp.nodes = nil
	return err
}

func (gp *GlobalPool) Nodes() int {
	return len(gp.nodes)
}

func (gp *GlobalPool) Node(node uint8) *PagePool {
	return gp.nodes[node]
}

// Resolve returns the frame behind a volatile page pointer.
func (gp *GlobalPool) Resolve(vpp page.VolatilePagePointer) []byte {
	return gp.nodes[vpp.Node()].Page(vpp.Offset())
}

// Allocate grabs a zeroed frame from the given node's pool.
func (gp *GlobalPool) Allocate(node uint8) (page.VolatilePagePointer, []byte, errcode.ErrorCode) {
	off, code := gp.nodes[node].Allocate()
	if code != errcode.Ok {
		return 0, nil, code
	}
	vpp := page.NewVolatilePointer(node, off)
	return vpp, gp.nodes[node].Page(off), errcode.Ok
}

// Release returns one frame to its owning node's pool.
func (gp *GlobalPool) Release(vpp page.VolatilePagePointer) {
	gp.nodes[vpp.Node()].Release(vpp.Offset())
}

// FreeCount sums the free pages across all nodes.
func (gp *GlobalPool) FreeCount() uint64 {
	var total uint64
	for _, pool := range gp.nodes {
		total += uint64(pool.FreeCount())
	}
	return total
}

// MinFreePercent returns the lowest free percentage across nodes; the
// snapshot trigger watches this value.
func (gp *GlobalPool) MinFreePercent() uint32 {
	min := uint32(100)
	for _, pool := range gp.nodes {
		if pct := pool.FreePercent(); pct < min {
			min = pct
		}
	}
	return min
}
