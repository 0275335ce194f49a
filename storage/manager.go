package storage

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/gleandb/glean/errcode"
	"github.com/gleandb/glean/memory"
	"github.com/gleandb/glean/xct"
)

// Context carries the engine resources a storage needs; storages hold it
// non-owning.
type Context struct {
	Pool    *memory.GlobalPool
	Nodes   int
	Threads int
}

// CreateFunc builds a concrete storage from metadata. Concrete storage
// packages register one per type in their init.
type CreateFunc func(meta *Metadata, ctx *Context) (ComposableStorage, error)

var (
	registryMutex sync.Mutex
	registry      = map[Type]CreateFunc{}
)

// Register installs the factory for one storage type; called from the
// concrete packages' init functions.
func Register(typ Type, create CreateFunc) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	if _, ok := registry[typ]; ok {
		panic(fmt.Sprintf("storage: type %s registered twice", typ))
	}
	registry[typ] = create
}

func lookupCreate(typ Type) (CreateFunc, bool) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	create, ok := registry[typ]
	return create, ok
}

// Manager owns every storage and dispatches cross-storage concerns:
// creation, lookup, moved-record tracking during commits, and the
// snapshot pipeline's per-storage iteration.
type Manager struct {
	ctx *Context

	mutex    sync.RWMutex
	storages map[StorageId]ComposableStorage
	byName   map[string]StorageId
	lastID   StorageId
}

func NewManager(ctx *Context) *Manager {
	return &Manager{
		ctx:      ctx,
		storages: map[StorageId]ComposableStorage{},
		byName:   map[string]StorageId{},
	}
}

// Create builds and registers a new storage. The metadata's ID field is
// assigned here; names must be unique.
func (mgr *Manager) Create(meta Metadata) (ComposableStorage, error) {
	create, ok := lookupCreate(meta.Type)
	if !ok {
		return nil, fmt.Errorf("storage: %w: %s", ErrUnknownType, meta.Type)
	}

	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()
	if _, ok := mgr.byName[meta.Name]; ok {
		return nil, errcode.Stackf(errcode.StrDuplicateStorage, "storage %q", meta.Name)
	}
	mgr.lastID++
	meta.ID = mgr.lastID

	st, err := create(&meta, mgr.ctx)
	if err != nil {
		mgr.lastID--
		return nil, err
	}
	mgr.storages[meta.ID] = st
	mgr.byName[meta.Name] = meta.ID
	log.WithFields(log.Fields{
		"storage": meta.Name,
		"id":      meta.ID,
		"type":    meta.Type.String(),
	}).Info("created storage")
	return st, nil
}

// Load rebuilds a storage from persisted metadata, keeping its id; used
// when restarting over an existing snapshot.
func (mgr *Manager) Load(meta Metadata) (ComposableStorage, error) {
	create, ok := lookupCreate(meta.Type)
	if !ok {
		return nil, fmt.Errorf("storage: %w: %s", ErrUnknownType, meta.Type)
	}

	mgr.mutex.Lock()
	defer mgr.mutex.Unlock()
	if _, ok := mgr.storages[meta.ID]; ok {
		return nil, errcode.Stackf(errcode.StrDuplicateStorage, "storage id %d", meta.ID)
	}
	st, err := create(&meta, mgr.ctx)
	if err != nil {
		return nil, err
	}
	mgr.storages[meta.ID] = st
	mgr.byName[meta.Name] = meta.ID
	if meta.ID > mgr.lastID {
		mgr.lastID = meta.ID
	}
	return st, nil
}

func (mgr *Manager) Lookup(id StorageId) (ComposableStorage, bool) {
	mgr.mutex.RLock()
	st, ok := mgr.storages[id]
	mgr.mutex.RUnlock()
	return st, ok
}

func (mgr *Manager) LookupByName(name string) (ComposableStorage, bool) {
	mgr.mutex.RLock()
	id, ok := mgr.byName[name]
	var st ComposableStorage
	if ok {
		st = mgr.storages[id]
	}
	mgr.mutex.RUnlock()
	return st, ok
}

// All returns every storage in id order.
func (mgr *Manager) All() []ComposableStorage {
	mgr.mutex.RLock()
	defer mgr.mutex.RUnlock()
	all := make([]ComposableStorage, 0, len(mgr.storages))
	for id := StorageId(1); id <= mgr.lastID; id++ {
		if st, ok := mgr.storages[id]; ok {
			all = append(all, st)
		}
	}
	return all
}

// DropStorage destroys one storage, releasing its volatile pages.
func (mgr *Manager) DropStorage(id StorageId) error {
	mgr.mutex.Lock()
	st, ok := mgr.storages[id]
	if ok {
		delete(mgr.storages, id)
		delete(mgr.byName, st.Name())
	}
	mgr.mutex.Unlock()
	if !ok {
		return fmt.Errorf("storage: no storage with id %d", id)
	}
	st.Drop()
	return nil
}

// TrackMoved implements the commit protocol's moved-record hook by
// dispatching to the owning storage.
func (mgr *Manager) TrackMoved(w *xct.WriteAccess) errcode.ErrorCode {
	st, ok := mgr.Lookup(StorageId(w.StorageID))
	if !ok {
		return errcode.Internal
	}
	return st.TrackMoved(w)
}
