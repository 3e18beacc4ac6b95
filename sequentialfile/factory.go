// Package sequentialfile provides numbered files in a directory with aligned,
// optionally asynchronous writes whose completion is delivered to an IOCallback.
package sequentialfile

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// DefaultMaxIO bounds the number of queued writes per file in async mode.
const DefaultMaxIO = 500

// Factory creates the files of one directory.
type Factory interface {
	CreateFile(name string) File
	ListFiles(extension string) ([]string, error)
	Alignment() int
	CalculateBlockSize(size int) int
	NewBuffer(size int) []byte
	SupportsCallbacks() bool
	Directory() string
	CreateDirs() error
	Stop()
}

type Options struct {
	// Alignment is the unit every write size and offset must be a multiple of.
	Alignment int
	// Async dispatches writes to a writer goroutine per file.
	Async bool
	// MaxIO is the per file write queue length when Async is set.
	MaxIO int
}

// FileFactory is the os.File backed Factory.
type FileFactory struct {
	dir       string
	alignment int
	async     bool
	maxIO     int

	mu   sync.Mutex
	open map[*file]struct{}
}

func NewFactory(dir string, opts Options) (*FileFactory, error) {
	if opts.Alignment <= 0 {
		return nil, AlignmentError(fmt.Sprintf("alignment must be positive, got %d", opts.Alignment))
	}
	if opts.MaxIO <= 0 {
		opts.MaxIO = DefaultMaxIO
	}
	return &FileFactory{
		dir:       dir,
		alignment: opts.Alignment,
		async:     opts.Async,
		maxIO:     opts.MaxIO,
		open:      map[*file]struct{}{},
	}, nil
}

func (ff *FileFactory) CreateFile(name string) File {
	return &file{factory: ff, name: name}
}

// ListFiles returns the names of the files carrying extension, sorted by name.
func (ff *FileFactory) ListFiles(extension string) ([]string, error) {
	entries, err := os.ReadDir(ff.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", ff.dir, err)
	}
	suffix := "." + extension
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (ff *FileFactory) Alignment() int { return ff.alignment }

func (ff *FileFactory) CalculateBlockSize(size int) int {
	return AlignUp(size, ff.alignment)
}

// NewBuffer returns a zeroed buffer whose length is size rounded up to the alignment.
func (ff *FileFactory) NewBuffer(size int) []byte {
	return make([]byte, ff.CalculateBlockSize(size))
}

func (ff *FileFactory) SupportsCallbacks() bool { return ff.async }

func (ff *FileFactory) Directory() string { return ff.dir }

func (ff *FileFactory) CreateDirs() error {
	return os.MkdirAll(ff.dir, 0o700)
}

// Stop closes every file still open, draining their pending writes.
func (ff *FileFactory) Stop() {
	ff.mu.Lock()
	files := make([]*file, 0, len(ff.open))
	for f := range ff.open {
		files = append(files, f)
	}
	ff.mu.Unlock()

	for _, f := range files {
		_ = f.Close()
	}
}

func (ff *FileFactory) track(f *file) {
	ff.mu.Lock()
	ff.open[f] = struct{}{}
	ff.mu.Unlock()
}

func (ff *FileFactory) untrack(f *file) {
	ff.mu.Lock()
	delete(ff.open, f)
	ff.mu.Unlock()
}

// AlignUp rounds n up to the next multiple of alignment.
func AlignUp(n, alignment int) int {
	if alignment <= 1 {
		return n
	}
	return (n + alignment - 1) / alignment * alignment
}
