package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	snapshotsBucket = []byte("snapshots")
	metaBucket      = []byte("meta")
	latestKey       = []byte("latest")
)

// Manifest is the durable registry of completed snapshots, kept in a
// bbolt database under the node-0 snapshot folder. A snapshot exists
// once its manifest record commits; everything before that is garbage a
// restart may ignore.
type Manifest struct {
	db *bolt.DB
}

func OpenManifest(opts *Options) (*Manifest, error) {
	dir := opts.ConvertFolderPathPattern(0)
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %s", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "snapshots.bolt"), 0644, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: opening manifest: %s", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		if err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("snapshot: initializing manifest: %s", err)
	}
	return &Manifest{db: db}, nil
}

func (m *Manifest) Close() error {
	return m.db.Close()
}

func idKey(id ID) []byte {
	var key [2]byte
	binary.BigEndian.PutUint16(key[:], uint16(id))
	return key[:]
}

// Record durably registers a completed snapshot and marks it latest.
func (m *Manifest) Record(snap *Snapshot) error {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snap)
	if err != nil {
		return fmt.Errorf("snapshot: encoding manifest record: %s", err)
	}
	err = m.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(snapshotsBucket).Put(idKey(snap.ID), buf.Bytes())
		if err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(latestKey, idKey(snap.ID))
	})
	if err != nil {
		return fmt.Errorf("snapshot: recording manifest: %s", err)
	}
	return nil
}

// Latest returns the most recent snapshot, or nil when none exists.
func (m *Manifest) Latest() (*Snapshot, error) {
	var snap *Snapshot
	err := m.db.View(func(tx *bolt.Tx) error {
		idv := tx.Bucket(metaBucket).Get(latestKey)
		if idv == nil {
			return nil
		}
		raw := tx.Bucket(snapshotsBucket).Get(idv)
		if raw == nil {
			return fmt.Errorf("latest snapshot %d missing from manifest",
				binary.BigEndian.Uint16(idv))
		}
		snap = &Snapshot{}
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(snap)
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: reading manifest: %s", err)
	}
	return snap, nil
}

// List returns every recorded snapshot in id order.
func (m *Manifest) List() ([]*Snapshot, error) {
	var snaps []*Snapshot
	err := m.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(snapshotsBucket).ForEach(func(k, v []byte) error {
			snap := &Snapshot{}
			err := gob.NewDecoder(bytes.NewReader(v)).Decode(snap)
			if err != nil {
				return err
			}
			snaps = append(snaps, snap)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: listing manifest: %s", err)
	}
	return snaps, nil
}
