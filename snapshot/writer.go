package snapshot

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/storage/page"
)

// Writer emits composed pages into the snapshot file of one (storage,
// partition). Page id 0 is the file's header page carrying the storage
// metadata; data pages follow sequentially.
type Writer struct {
	opts      *Options
	id        ID
	node      uint8
	storageID storage.StorageId

	file   *os.File
	nextID uint64
}

func NewWriter(opts *Options, id ID, node uint8,
	meta *storage.Metadata) (*Writer, error) {

	dir := opts.ConvertFolderPathPattern(int(node))
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %s", err)
	}
	path := filepath.Join(dir, FileName(id, meta.ID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %s", err)
	}
	w := &Writer{
		opts:      opts,
		id:        id,
		node:      node,
		storageID: meta.ID,
		file:      f,
		nextID:    1,
	}
	err = w.writeHeaderPage(meta)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// writeHeaderPage serializes the storage metadata into page 0.
func (w *Writer) writeHeaderPage(meta *storage.Metadata) error {
	frame := make([]byte, page.Size)
	page.HeaderOf(frame).Init(uint32(meta.ID), page.KindFileHeader, w.node, 0)

	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(meta)
	if err != nil {
		return fmt.Errorf("snapshot: encoding storage metadata: %s", err)
	}
	body := page.Body(frame)
	if buf.Len()+8 > len(body) {
		return fmt.Errorf("snapshot: storage metadata too large: %d bytes", buf.Len())
	}
	binary.LittleEndian.PutUint64(body[0:], uint64(buf.Len()))
	copy(body[8:], buf.Bytes())
	_, err = w.file.Write(frame)
	if err != nil {
		return fmt.Errorf("snapshot: %s", err)
	}
	return nil
}

func (w *Writer) Node() uint8 {
	return w.node
}

func (w *Writer) SnapshotID() uint16 {
	return uint16(w.id)
}

// WritePage appends one composed page and returns its pointer.
func (w *Writer) WritePage(frame []byte) (page.SnapshotPagePointer, error) {
	if len(frame) != page.Size {
		return 0, fmt.Errorf("snapshot: page frame must be %d bytes, got %d",
			page.Size, len(frame))
	}
	ptr := page.NewSnapshotPointer(w.node, uint16(w.id), w.nextID)
	page.HeaderOf(frame).SnapshotOrigin = ptr
	_, err := w.file.Write(frame)
	if err != nil {
		return 0, fmt.Errorf("snapshot: %s", err)
	}
	w.nextID++
	return ptr, nil
}

// PagesWritten returns the number of data pages emitted so far.
func (w *Writer) PagesWritten() uint64 {
	return w.nextID - 1
}

// Close fsyncs and closes the file; the snapshot is not durable until
// every writer has closed successfully.
func (w *Writer) Close() error {
	err := w.file.Sync()
	if cerr := w.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("snapshot: %s", err)
	}
	return nil
}

// ReadHeaderMetadata loads the storage metadata from a snapshot file's
// header page.
func ReadHeaderMetadata(path string) (*storage.Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %s", err)
	}
	defer f.Close()
	frame := make([]byte, page.Size)
	_, err = f.ReadAt(frame, 0)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %s", err)
	}
	body := page.Body(frame)
	n := binary.LittleEndian.Uint64(body[0:])
	var meta storage.Metadata
	err = gob.NewDecoder(bytes.NewReader(body[8 : 8+n])).Decode(&meta)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decoding storage metadata: %s", err)
	}
	return &meta, nil
}
