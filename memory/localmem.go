package memory

import (
	"github.com/gleandb/glean/errcode"
)

// LocalWorkMemory is a per-transaction bump allocator for stack-scoped
// intermediate buffers used by storage operations. It is reset wholesale
// when a transaction activates; individual allocations are never freed.
type LocalWorkMemory struct {
	buf []byte
	cur int
}

func NewLocalWorkMemory(size int) *LocalWorkMemory {
	return &LocalWorkMemory{
		buf: make([]byte, size),
	}
}

func (lwm *LocalWorkMemory) Reset() {
	lwm.cur = 0
}

func (lwm *LocalWorkMemory) Used() int {
	return lwm.cur
}

// Allocate returns n bytes, 8-byte aligned, valid until the next Reset.
func (lwm *LocalWorkMemory) Allocate(n int) ([]byte, errcode.ErrorCode) {
	aligned := (n + 7) &^ 7
	if lwm.cur+aligned > len(lwm.buf) {
		return nil, errcode.XctNoMoreLocalWorkMemory
	}
	b := lwm.buf[lwm.cur : lwm.cur+n : lwm.cur+n]
	lwm.cur += aligned
	return b, errcode.Ok
}
