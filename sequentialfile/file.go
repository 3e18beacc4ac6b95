package sequentialfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// File is a sequentially written file owned by a single Journal or paging store.
// Writes are appended at the current position; the position is reserved by the
// calling goroutine so that writes complete in submission order.
type File interface {
	Open() error
	IsOpen() bool
	FileName() string
	Fill(size int64) error
	Size() (int64, error)
	Position() int64
	SetPosition(pos int64)
	// Write appends buf at the current position. When the factory supports
	// callbacks the call returns immediately and cb receives the outcome,
	// otherwise cb is invoked before Write returns.
	Write(buf []byte, sync bool, cb IOCallback)
	// WriteDirect appends buf and waits for the outcome.
	WriteDirect(buf []byte, sync bool) error
	Read(buf []byte) (int, error)
	ReadAt(buf []byte, off int64) (int, error)
	Sync() error
	Close() error
	Delete() error
	RenameTo(newName string) error
}

type writeRequest struct {
	buf  []byte
	off  int64
	sync bool
	cb   IOCallback
}

type file struct {
	factory *FileFactory
	mu      sync.Mutex
	name    string
	fp      *os.File

	position int64

	writes     chan writeRequest
	writerDone chan struct{}
}

func (f *file) path() string {
	return filepath.Join(f.factory.dir, f.name)
}

func (f *file) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fp != nil {
		return nil
	}
	fp, err := os.OpenFile(f.path(), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", f.name, err)
	}
	f.fp = fp
	f.position = 0
	if f.factory.async {
		f.writes = make(chan writeRequest, f.factory.maxIO)
		f.writerDone = make(chan struct{})
		go f.writeLoop(f.fp, f.writes, f.writerDone)
	}
	f.factory.track(f)
	return nil
}

func (f *file) writeLoop(fp *os.File, writes <-chan writeRequest, done chan<- struct{}) {
	defer close(done)
	for req := range writes {
		complete(req.cb, writeAt(fp, req.buf, req.off, req.sync))
	}
}

func writeAt(fp *os.File, buf []byte, off int64, sync bool) error {
	if _, err := fp.WriteAt(buf, off); err != nil {
		return IOError{Code: CodeIOError, Msg: err.Error()}
	}
	if sync {
		if err := fp.Sync(); err != nil {
			return IOError{Code: CodeIOError, Msg: err.Error()}
		}
	}
	return nil
}

func (f *file) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fp != nil
}

func (f *file) FileName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

// Fill preallocates the file to size. The file is extended with truncate,
// so the unwritten region reads back as zeros without consuming blocks.
func (f *file) Fill(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fp == nil {
		return IOError{Code: CodeFileClosed, Msg: f.name + " is not open"}
	}
	return f.fp.Truncate(size)
}

func (f *file) Size() (int64, error) {
	f.mu.Lock()
	fp := f.fp
	f.mu.Unlock()
	if fp == nil {
		fi, err := os.Stat(f.path())
		if err != nil {
			return 0, err
		}
		return fi.Size(), nil
	}
	fi, err := fp.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (f *file) Position() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

func (f *file) SetPosition(pos int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.position = pos
}

func (f *file) Write(buf []byte, sync bool, cb IOCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fp == nil {
		complete(cb, IOError{Code: CodeFileClosed, Msg: f.name + " is not open"})
		return
	}
	if a := int64(f.factory.alignment); a > 1 && (int64(len(buf))%a != 0 || f.position%a != 0) {
		complete(cb, IOError{Code: CodeIOError, Msg: AlignmentError(
			fmt.Sprintf("write of %d bytes at %d in %s, alignment %d", len(buf), f.position, f.name, a)).Error()})
		return
	}
	off := f.position
	f.position += int64(len(buf))

	if f.writes == nil {
		complete(cb, writeAt(f.fp, buf, off, sync))
		return
	}
	f.writes <- writeRequest{buf: buf, off: off, sync: sync, cb: cb}
}

func (f *file) WriteDirect(buf []byte, sync bool) error {
	c := NewSyncCompletion()
	f.Write(buf, sync, c)
	return c.Wait()
}

func (f *file) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fp == nil {
		return 0, IOError{Code: CodeFileClosed, Msg: f.name + " is not open"}
	}
	n, err := f.fp.ReadAt(buf, f.position)
	f.position += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (f *file) ReadAt(buf []byte, off int64) (int, error) {
	f.mu.Lock()
	fp := f.fp
	f.mu.Unlock()
	if fp == nil {
		return 0, IOError{Code: CodeFileClosed, Msg: f.name + " is not open"}
	}
	return fp.ReadAt(buf, off)
}

// Sync waits for the pending writes and flushes the file to stable storage.
func (f *file) Sync() error {
	f.mu.Lock()
	async := f.writes != nil
	fp := f.fp
	f.mu.Unlock()
	if fp == nil {
		return IOError{Code: CodeFileClosed, Msg: f.name + " is not open"}
	}
	if async {
		// an empty synced write is queued behind every pending write
		return f.WriteDirect(nil, true)
	}
	return fp.Sync()
}

// Close drains the pending writes and closes the file descriptor.
func (f *file) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fp == nil {
		return nil
	}
	if f.writes != nil {
		close(f.writes)
		<-f.writerDone
		f.writes = nil
		f.writerDone = nil
	}
	err := f.fp.Close()
	f.fp = nil
	f.factory.untrack(f)
	return err
}

func (f *file) Delete() error {
	if err := f.Close(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (f *file) RenameTo(newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if newName == f.name {
		return nil
	}
	if err := os.Rename(f.path(), filepath.Join(f.factory.dir, newName)); err != nil {
		return fmt.Errorf("rename %s to %s: %w", f.name, newName, err)
	}
	f.name = newName
	return nil
}
