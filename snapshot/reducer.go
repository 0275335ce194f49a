package snapshot

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	glog "github.com/gleandb/glean/log"
	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/xct"
)

// Reducer collects one partition's bucketed records from every mapper,
// sorts them by (storage, key, xct id), and serves the merged sorted
// sequence to the composers. The in-memory arena is bounded; overflow
// spills sorted runs to disk under the partition's node folder.
type Reducer struct {
	node     uint8
	folder   string
	arenaCap int

	mutex sync.Mutex
	arena []byte
	runs  []string

	// merged is the finalized, per-storage record sequence.
	merged map[storage.StorageId][][]byte
}

func newReducer(opts *Options, node uint8) *Reducer {
	return &Reducer{
		node:     node,
		folder:   opts.ConvertFolderPathPattern(int(node)),
		arenaCap: int(opts.LogReducerBufferMb) * 1024 * 1024,
	}
}

// consume takes one bucket's raw record bytes; called by any mapper.
func (r *Reducer) consume(chunk []byte) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if len(r.arena)+len(chunk) > r.arenaCap && len(r.arena) > 0 {
		err := r.spillLocked()
		if err != nil {
			// Spill failure surfaces at finalize; keep the records in
			// memory rather than losing them.
			log.WithFields(log.Fields{
				"node":  r.node,
				"error": err,
			}).Error("reducer spill failed, keeping arena in memory")
		}
	}
	r.arena = append(r.arena, chunk...)
}

// recordLess is the reducer sort order: storage, key, then xct id so the
// last writer wins; the committing thread breaks exact ties.
func recordLess(a, b []byte) bool {
	sa, sb := glog.StorageID(a), glog.StorageID(b)
	if sa != sb {
		return sa < sb
	}
	ka, kb := glog.SortKey(a), glog.SortKey(b)
	if c := compareBytes(ka, kb); c != 0 {
		return c < 0
	}
	ia := xct.XctIdFromData(glog.XctData(a))
	ib := xct.XctIdFromData(glog.XctData(b))
	if !ia.EqualsVersion(ib) {
		return ia.Before(ib)
	}
	return glog.XctThread(a) < glog.XctThread(b)
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

func parseRecords(data []byte) ([][]byte, error) {
	var recs [][]byte
	for len(data) > 0 {
		rec, rest, err := glog.Next(data)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
		data = rest
	}
	return recs, nil
}

// spillLocked sorts the arena and writes it as one run file.
func (r *Reducer) spillLocked() error {
	recs, err := parseRecords(r.arena)
	if err != nil {
		return err
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recordLess(recs[i], recs[j])
	})

	err = os.MkdirAll(r.folder, 0755)
	if err != nil {
		return err
	}
	path := filepath.Join(r.folder, fmt.Sprintf("run_%d_%d.tmp", r.node, len(r.runs)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, rec := range recs {
		_, err = w.Write(rec)
		if err != nil {
			f.Close()
			return err
		}
	}
	err = w.Flush()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	r.runs = append(r.runs, path)
	r.arena = r.arena[:0]
	log.WithFields(log.Fields{
		"node": r.node,
		"run":  path,
	}).Debug("reducer spilled sorted run")
	return nil
}

// finalize merges the arena and every spilled run into the final
// per-storage sorted sequences.
func (r *Reducer) finalize() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	recs, err := parseRecords(r.arena)
	if err != nil {
		return err
	}
	for _, path := range r.runs {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("snapshot: reading run %s: %s", path, err)
		}
		runRecs, err := parseRecords(data)
		if err != nil {
			return err
		}
		recs = append(recs, runRecs...)
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recordLess(recs[i], recs[j])
	})

	r.merged = map[storage.StorageId][][]byte{}
	for _, rec := range recs {
		id := storage.StorageId(glog.StorageID(rec))
		r.merged[id] = append(r.merged[id], rec)
	}
	r.arena = nil
	return nil
}

// cleanup removes spilled run files; idempotent.
func (r *Reducer) cleanup() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, path := range r.runs {
		os.Remove(path)
	}
	r.runs = nil
}

// sliceStream serves a finalized record sequence as a sorted stream.
type sliceStream struct {
	recs [][]byte
	pos  int
}

func (ss *sliceStream) Next() ([]byte, error) {
	if ss.pos >= len(ss.recs) {
		return nil, nil
	}
	rec := ss.recs[ss.pos]
	ss.pos++
	return rec, nil
}

// Streams returns this partition's sorted record sequence for one
// storage; empty when the storage saw no writes in the window.
func (r *Reducer) Streams(id storage.StorageId) []storage.SortedStream {
	r.mutex.Lock()
	recs := r.merged[id]
	r.mutex.Unlock()
	if len(recs) == 0 {
		return nil
	}
	return []storage.SortedStream{&sliceStream{recs: recs}}
}
