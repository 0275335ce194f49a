//go:build unix

package memory

import (
	"golang.org/x/sys/unix"
)

// Page pool arenas are mmap-backed so frames are page aligned and the
// memory is returned to the OS on close rather than lingering on the Go
// heap.
func allocateArena(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

func releaseArena(arena []byte) error {
	if arena == nil {
		return nil
	}
	return unix.Munmap(arena)
}
