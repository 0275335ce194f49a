package snapshot

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gleandb/glean/epoch"
	glog "github.com/gleandb/glean/log"
	"github.com/gleandb/glean/memory"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/thread"
	"github.com/gleandb/glean/xct"
)

// Gleaner orchestrates one snapshot cycle: it decides the epoch window,
// drives mappers and reducers through it, runs the composers, installs
// the new snapshot pointers inside a transaction pause, and drops
// volatile pages the snapshot made redundant.
type Gleaner struct {
	opts     *Options
	clock    *epoch.Clock
	logMgr   *glog.Manager
	storMgr  *storage.Manager
	xctMgr   *xct.Manager
	pool     *memory.GlobalPool
	threads  *thread.Pool
	fileSet  *FileSet
	manifest *Manifest

	partitions int

	// Per-cycle state.
	base       epoch.Epoch
	validUntil epoch.Epoch
	barrier    *epochBarrier
	reducers   []*Reducer
	mappers    []*Mapper
}

func NewGleaner(opts *Options, clock *epoch.Clock, logMgr *glog.Manager,
	storMgr *storage.Manager, xctMgr *xct.Manager, pool *memory.GlobalPool,
	threads *thread.Pool, fileSet *FileSet, manifest *Manifest) *Gleaner {

	return &Gleaner{
		opts:       opts,
		clock:      clock,
		logMgr:     logMgr,
		storMgr:    storMgr,
		xctMgr:     xctMgr,
		pool:       pool,
		threads:    threads,
		fileSet:    fileSet,
		manifest:   manifest,
		partitions: pool.Nodes(),
	}
}

// Run executes one snapshot cycle. Returns the completed snapshot, or
// nil when no new epoch was ready to snapshot.
func (g *Gleaner) Run() (*Snapshot, error) {
	err := g.logMgr.Flush()
	if err != nil {
		return nil, err
	}

	prev, err := g.manifest.Latest()
	if err != nil {
		return nil, err
	}
	g.base = epoch.Invalid
	id := ID(1)
	if prev != nil {
		g.base = prev.ValidUntil
		id = prev.ID + 1
	}
	g.validUntil = g.clock.Durable()
	if !g.validUntil.Valid() || g.validUntil == g.base {
		return nil, nil
	}

	snap := &Snapshot{
		ID:         id,
		BaseEpoch:  g.base,
		ValidUntil: g.validUntil,
		Storages:   map[storage.StorageId]StorageEntry{},
	}
	log.WithFields(log.Fields{
		"snapshot":    snap.ID,
		"base":        snap.BaseEpoch,
		"valid_until": snap.ValidUntil,
	}).Info("gleaner starting snapshot cycle")

	err = g.mapReduce()
	if err != nil {
		g.teardown()
		return nil, err
	}

	err = g.composeAll(snap)
	if err != nil {
		g.teardown()
		return nil, err
	}

	err = g.manifest.Record(snap)
	if err != nil {
		g.teardown()
		return nil, err
	}

	g.install(snap)
	g.teardown()
	log.WithField("snapshot", snap.ID).Info("gleaner finished snapshot cycle")
	return snap, nil
}

// mapReduce runs the mappers through the epoch window under the barrier
// and finalizes the reducers' sorted sequences.
func (g *Gleaner) mapReduce() error {
	first := g.base.Next()
	g.barrier = newEpochBarrier(first, g.validUntil, g.partitions)

	g.reducers = make([]*Reducer, g.partitions)
	for n := 0; n < g.partitions; n++ {
		g.reducers[n] = newReducer(g.opts, uint8(n))
	}

	g.mappers = make([]*Mapper, g.partitions)
	for n := 0; n < g.partitions; n++ {
		var paths []string
		for _, buf := range g.logMgr.Buffers() {
			if buf.Node() == uint8(n) {
				paths = append(paths, g.logMgr.ThreadLogPath(buf.Node(), buf.Thread()))
			}
		}
		m, err := newMapper(g, uint8(n), paths)
		if err != nil {
			return err
		}
		g.mappers[n] = m
	}

	var eg errgroup.Group
	for _, m := range g.mappers {
		m := m
		eg.Go(m.run)
	}
	for g.barrier.advanceWhenComplete() {
	}
	err := eg.Wait()
	if err != nil {
		return fmt.Errorf("snapshot: mapper failed: %s", err)
	}
	if g.barrier.failed() {
		return fmt.Errorf("snapshot: map phase reported errors")
	}

	for _, r := range g.reducers {
		err = r.finalize()
		if err != nil {
			return err
		}
	}
	return nil
}

// composeAll runs every storage's composer over each partition's sorted
// runs and constructs the new roots.
func (g *Gleaner) composeAll(snap *Snapshot) error {
	for _, st := range g.storMgr.All() {
		comp := st.Composer()
		meta := *st.Metadata()

		writers := make([]*Writer, g.partitions)
		for n := 0; n < g.partitions; n++ {
			w, err := NewWriter(g.opts, snap.ID, uint8(n), &meta)
			if err != nil {
				return err
			}
			writers[n] = w
		}

		infos := make([]*storage.RootInfo, g.partitions)
		var eg errgroup.Group
		for p := 0; p < g.partitions; p++ {
			p := p
			args := &storage.ComposeArgs{
				Writer:     writers[p],
				Previous:   g.fileSet,
				Streams:    g.reducers[p].Streams(st.ID()),
				BaseEpoch:  g.base,
				ValidUntil: g.validUntil,
				Partition:  p,
				Partitions: g.partitions,
			}
			eg.Go(func() error {
				err := comp.Compose(args)
				if err != nil {
					return err
				}
				infos[p] = &args.RootInfo
				return nil
			})
		}
		err := eg.Wait()
		if err != nil {
			g.closeWriters(writers)
			return fmt.Errorf("snapshot: composing %s: %s", st.Name(), err)
		}

		rootArgs := &storage.ConstructRootArgs{
			Writer:    writers[0],
			Previous:  g.fileSet,
			RootInfos: infos,
		}
		err = comp.ConstructRoot(rootArgs)
		if err != nil {
			g.closeWriters(writers)
			return fmt.Errorf("snapshot: constructing root of %s: %s", st.Name(), err)
		}

		err = g.closeWriters(writers)
		if err != nil {
			return err
		}

		files := map[int]string{}
		for n := 0; n < g.partitions; n++ {
			files[n] = FileName(snap.ID, st.ID())
		}
		meta.RootSnapshot = rootArgs.NewRootPointer
		snap.Storages[st.ID()] = StorageEntry{
			Metadata: meta,
			Root:     rootArgs.NewRootPointer,
			Files:    files,
		}
	}
	return nil
}

func (g *Gleaner) closeWriters(writers []*Writer) error {
	var err error
	for _, w := range writers {
		if w == nil {
			continue
		}
		if cerr := w.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// epochFenced is implemented by storages that need the snapshot's
// valid-until epoch to fence volatile reads (the sequential storage).
type epochFenced interface {
	SetSnapshotEpoch(e epoch.Epoch)
}

// install pauses transactions, swings the snapshot pointers, and drops
// redundant volatile pages within the pause budget.
func (g *Gleaner) install(snap *Snapshot) {
	g.xctMgr.PauseAll()
	defer g.xctMgr.ResumeAll()
	start := time.Now()
	deadline := start.Add(time.Duration(g.opts.SnapshotPauseBudgetMs) * time.Millisecond)

	var dropped uint64
	chunks := make([]*memory.PagePoolOffsetChunk, g.partitions)
	for n := range chunks {
		chunks[n] = memory.NewPagePoolOffsetChunk(uint8(n))
	}

	for _, st := range g.storMgr.All() {
		entry, ok := snap.Storages[st.ID()]
		if !ok {
			continue
		}
		comp := st.Composer()
		// Pointer swings always complete, budget or not.
		err := comp.InstallSnapshotPointers(entry.Root, g.fileSet, nil)
		if err != nil {
			log.WithFields(log.Fields{
				"storage": st.Name(),
				"error":   err,
			}).Error("snapshot pointer installation failed")
			continue
		}
		if fenced, ok := st.(epochFenced); ok {
			fenced.SetSnapshotEpoch(snap.ValidUntil)
		}

		result := storage.DropResult{DroppedAll: true}
		for p := 0; p < g.partitions; p++ {
			args := &storage.DropVolatilesArgs{
				ValidUntil:      snap.ValidUntil,
				Pool:            g.pool,
				Chunks:          chunks,
				Dropped:         &dropped,
				Partition:       p,
				Partitions:      g.partitions,
				PartitionedDrop: true,
				Deadline:        deadline,
			}
			result.Combine(comp.DropVolatiles(args))
		}
		if result.DroppedAll {
			args := &storage.DropVolatilesArgs{
				ValidUntil: snap.ValidUntil,
				Pool:       g.pool,
				Chunks:     chunks,
				Dropped:    &dropped,
				Deadline:   deadline,
			}
			comp.DropRootVolatile(args)
		}
	}

	flushArgs := &storage.DropVolatilesArgs{Pool: g.pool, Chunks: chunks}
	flushArgs.Flush()

	// Volatile drops may have invalidated record addresses held in
	// retrospective lock lists.
	g.threads.ClearRetrospectives()

	log.WithFields(log.Fields{
		"snapshot": snap.ID,
		"dropped":  dropped,
		"pause":    time.Since(start),
	}).Info("snapshot installed")
}

// teardown releases per-cycle resources; explicitly idempotent because
// it runs both on the normal path and again when an error unwinds a
// partially built cycle.
func (g *Gleaner) teardown() {
	if g.barrier != nil {
		g.barrier.stop()
	}
	for _, m := range g.mappers {
		if m != nil {
			m.uninit()
		}
	}
	for _, r := range g.reducers {
		if r != nil {
			r.cleanup()
		}
	}
	g.mappers = nil
	g.reducers = nil
	g.barrier = nil
}
