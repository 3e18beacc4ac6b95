package sequentialfile

import "github.com/alpacahq/queuestore/utils/log"

// DefaultBlockSize is the buffer size used when none is given.
const DefaultBlockSize = 32 * 1024

// BufferedWriter abstracts a File with a block-sized buffer to group
// appends that arrive in small pieces. This object does not provide
// any mean of concurrency guarantee; the owner serializes calls.
// Appended data reaches the file once the buffer fills, or on Flush,
// Sync and Close.
type BufferedWriter struct {
	f         File
	blockSize int
	buffer    []byte
}

func NewBufferedWriter(f File, blockSize int) *BufferedWriter {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &BufferedWriter{
		f:         f,
		blockSize: blockSize,
		buffer:    make([]byte, 0, blockSize),
	}
}

// Write appends data to the buffer, writing the buffer out when it reaches the block size.
func (w *BufferedWriter) Write(data []byte) error {
	w.buffer = append(w.buffer, data...)
	if len(w.buffer) >= w.blockSize {
		return w.Flush()
	}
	return nil
}

// Buffered is the number of bytes not yet handed to the file.
func (w *BufferedWriter) Buffered() int {
	return len(w.buffer)
}

func (w *BufferedWriter) Flush() error {
	if len(w.buffer) == 0 {
		return nil
	}
	if err := w.f.WriteDirect(w.buffer, false); err != nil {
		return err
	}
	if cap(w.buffer) > 2*w.blockSize {
		w.buffer = make([]byte, 0, w.blockSize)
	} else {
		w.buffer = w.buffer[:0]
	}
	return nil
}

// Sync writes the buffer and flushes the file to stable storage.
func (w *BufferedWriter) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *BufferedWriter) Close() error {
	if err := w.Flush(); err != nil {
		log.Error("failed to write buffer before closing %s. err=%v", w.f.FileName(), err)
	}
	return w.f.Close()
}
