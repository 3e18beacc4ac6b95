package paging

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/alpacahq/queuestore/sequentialfile"
	"github.com/alpacahq/queuestore/utils/log"
)

const pageExtension = "page"

func pageFileName(id int64) string {
	return fmt.Sprintf("%09d.%s", id, pageExtension)
}

func parsePageFileName(name string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSuffix(name, "."+pageExtension), 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}

// Page is one sequence numbered page file of a store. The store serializes
// every call.
type Page struct {
	id     int64
	file   sequentialfile.File
	writer *sequentialfile.BufferedWriter

	size     int64
	messages int
}

func newPage(factory sequentialfile.Factory, id int64) *Page {
	return &Page{id: id, file: factory.CreateFile(pageFileName(id))}
}

func (p *Page) ID() int64 {
	return p.id
}

// NumberOfMessages counts the entries written, or found by openForAppend.
func (p *Page) NumberOfMessages() int {
	return p.messages
}

func (p *Page) Size() int64 {
	return p.size
}

// openForAppend opens the page and places the cursor after its last complete entry.
func (p *Page) openForAppend(blockSize int) error {
	if err := p.file.Open(); err != nil {
		return err
	}
	entries, end, err := p.scan()
	if err != nil {
		p.file.Close()
		return err
	}
	if size, _ := p.file.Size(); size > end {
		// drop the torn tail so that appends are not followed by garbage
		if err := p.file.Fill(end); err != nil {
			p.file.Close()
			return err
		}
	}
	p.messages = len(entries)
	p.size = end
	p.file.SetPosition(end)
	p.writer = sequentialfile.NewBufferedWriter(p.file, blockSize)
	return nil
}

func (p *Page) write(entry []byte) error {
	if p.writer == nil {
		return errors.Errorf("page %d is not open for writing", p.id)
	}
	if err := p.writer.Write(entry); err != nil {
		return err
	}
	p.size += int64(len(entry))
	p.messages++
	return nil
}

func (p *Page) sync() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Sync()
}

// seal flushes the buffered entries and closes the page for writing.
func (p *Page) seal() error {
	if p.writer == nil {
		return nil
	}
	err := p.writer.Close()
	p.writer = nil
	return err
}

// read returns the messages of the page in write order.
func (p *Page) read() ([]*PagedMessage, error) {
	if err := p.seal(); err != nil {
		return nil, errors.Wrapf(err, "seal page %d", p.id)
	}
	if err := p.file.Open(); err != nil {
		return nil, err
	}
	defer p.file.Close()
	entries, _, err := p.scan()
	return entries, err
}

// scan decodes the open file. A truncated tail is ignored.
func (p *Page) scan() ([]*PagedMessage, int64, error) {
	size, err := p.file.Size()
	if err != nil {
		return nil, 0, err
	}
	if size == 0 {
		return nil, 0, nil
	}
	buf := make([]byte, size)
	n, err := p.file.ReadAt(buf, 0)
	if int64(n) != size {
		if err == nil {
			return nil, 0, errors.Errorf("short read of page %d: %d of %d bytes", p.id, n, size)
		}
		return nil, 0, errors.Wrapf(err, "short read of page %d", p.id)
	}

	var (
		entries []*PagedMessage
		pos     int
	)
	for pos < len(buf) {
		pm, n, err := decodeEntry(buf[pos:])
		if err != nil {
			log.Warn("ignoring unreadable tail of page %d at offset %d: %v", p.id, pos, err)
			break
		}
		if n == 0 {
			log.Warn("ignoring torn entry at the end of page %d, offset %d", p.id, pos)
			break
		}
		entries = append(entries, pm)
		pos += n
	}
	return entries, int64(pos), nil
}

// close releases the file without deleting it.
func (p *Page) close() error {
	if p.writer != nil {
		return p.seal()
	}
	return p.file.Close()
}

func (p *Page) delete() error {
	p.writer = nil
	return p.file.Delete()
}
