package snapshot

import (
	"fmt"
	"os"
	"sync"

	"github.com/gleandb/glean/storage"
	"github.com/gleandb/glean/storage/page"
)

// FileSet resolves snapshot page pointers into page frames, keeping the
// underlying files open across reads. It serves both transaction threads
// (through the thread-local reader interface) and composers reading the
// previous snapshot.
type FileSet struct {
	opts *Options

	mutex sync.Mutex
	files map[string]*os.File
}

func NewFileSet(opts *Options) *FileSet {
	return &FileSet{
		opts:  opts,
		files: map[string]*os.File{},
	}
}

func (fs *FileSet) Close() error {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	var err error
	for path, f := range fs.files {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(fs.files, path)
	}
	return err
}

func (fs *FileSet) open(path string) (*os.File, error) {
	fs.mutex.Lock()
	defer fs.mutex.Unlock()
	f, ok := fs.files[path]
	if ok {
		return f, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fs.files[path] = f
	return f, nil
}

// ReadPage reads the page behind a snapshot pointer into frame.
func (fs *FileSet) ReadPage(storageID uint32, spp page.SnapshotPagePointer,
	frame []byte) error {

	if spp.IsNull() {
		return fmt.Errorf("snapshot: reading null snapshot pointer")
	}
	path := FilePath(fs.opts, int(spp.Node()), ID(spp.SnapshotID()),
		storage.StorageId(storageID))
	f, err := fs.open(path)
	if err != nil {
		return fmt.Errorf("snapshot: %s", err)
	}
	_, err = f.ReadAt(frame[:page.Size], int64(spp.PageID())*page.Size)
	if err != nil {
		return fmt.Errorf("snapshot: reading %s page %d: %s", path, spp.PageID(), err)
	}
	return nil
}
