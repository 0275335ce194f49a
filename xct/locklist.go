package xct

import (
	"sort"
	"unsafe"
)

// LockEntry names one record lock by its owner word. Entries are ordered
// by the owner's address; both lock lists keep that order so acquisition
// can never cycle.
type LockEntry struct {
	Addr  uintptr
	Owner *RwLockableXctId

	locked bool
}

func entryAddr(owner *RwLockableXctId) uintptr {
	return uintptr(unsafe.Pointer(owner))
}

// CurrentLockList is the ordered set of record locks a transaction holds
// or is about to acquire during precommit.
type CurrentLockList struct {
	entries []LockEntry
}

func (cll *CurrentLockList) Clear() {
	cll.entries = cll.entries[:0]
}

func (cll *CurrentLockList) Empty() bool {
	return len(cll.entries) == 0
}

func (cll *CurrentLockList) Entries() []LockEntry {
	return cll.entries
}

func (cll *CurrentLockList) Add(owner *RwLockableXctId) {
	cll.entries = append(cll.entries, LockEntry{Addr: entryAddr(owner), Owner: owner})
}

// Finalize sorts the list by address and removes duplicates; precommit
// calls this once before the lock phase.
func (cll *CurrentLockList) Finalize() {
	sort.Slice(cll.entries, func(i, j int) bool {
		return cll.entries[i].Addr < cll.entries[j].Addr
	})
	out := cll.entries[:0]
	var prev uintptr
	for _, ent := range cll.entries {
		if ent.Addr == prev {
			continue
		}
		prev = ent.Addr
		out = append(out, ent)
	}
	cll.entries = out
}

// PrepopulateFromRetrospective seeds the list with the locks the previous
// run of this transaction wanted; acquiring them up front avoids
// rediscovering the same conflicts.
func (cll *CurrentLockList) PrepopulateFromRetrospective(rll *RetrospectiveLockList) {
	cll.entries = append(cll.entries, rll.entries...)
}

// RetrospectiveLockList is the hint carried across an abort: the lock
// addresses of the aborted run's write set, in order. The next activation
// prepopulates the current lock list from it.
type RetrospectiveLockList struct {
	entries []LockEntry
}

func (rll *RetrospectiveLockList) Clear() {
	rll.entries = rll.entries[:0]
}

func (rll *RetrospectiveLockList) Empty() bool {
	return len(rll.entries) == 0
}

func (rll *RetrospectiveLockList) Entries() []LockEntry {
	return rll.entries
}

// Construct rebuilds the list from an aborted transaction's write set and
// lock list, already in address order.
func (rll *RetrospectiveLockList) Construct(cll *CurrentLockList) {
	rll.entries = append(rll.entries[:0], cll.entries...)
}

// Contains reports whether the list names the given owner address.
func (rll *RetrospectiveLockList) Contains(owner *RwLockableXctId) bool {
	addr := entryAddr(owner)
	idx := sort.Search(len(rll.entries), func(i int) bool {
		return rll.entries[i].Addr >= addr
	})
	return idx < len(rll.entries) && rll.entries[idx].Addr == addr
}
