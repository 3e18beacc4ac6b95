package paging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alpacahq/queuestore/models"
	"github.com/alpacahq/queuestore/sequentialfile"
)

func TestEntryRoundTrip(t *testing.T) {
	msg := models.NewMessage("orders", []byte("payload"), true)
	msg.MessageID = 42
	msg.Properties = map[string]string{"k": "v"}

	entry, err := encodeEntry(msg, 7)
	require.NoError(t, err)
	pm, n, err := decodeEntry(entry)
	require.NoError(t, err)
	assert.Equal(t, len(entry), n)
	assert.Equal(t, int64(7), pm.TransactionID)
	assert.True(t, pm.InTransaction())
	assert.Equal(t, msg.UserID, pm.Message.UserID)
	assert.Equal(t, "v", pm.Message.Properties["k"])

	entry, err = encodeEntry(msg, -20)
	require.NoError(t, err)
	pm, _, err = decodeEntry(entry)
	require.NoError(t, err)
	assert.Equal(t, NoTransaction, pm.TransactionID)
	assert.False(t, pm.InTransaction())

	// an incomplete entry is not an error, the entry is just not there yet
	pm, n, err = decodeEntry(entry[:len(entry)-1])
	assert.NoError(t, err)
	assert.Nil(t, pm)
	assert.Zero(t, n)
}

func writeTestPage(t *testing.T, ff sequentialfile.Factory, id int64, n int) *Page {
	t.Helper()
	p := newPage(ff, id)
	require.NoError(t, p.openForAppend(0))
	for i := 0; i < n; i++ {
		msg := models.NewMessage("orders", []byte(fmt.Sprintf("m%d", i)), false)
		msg.MessageID = int64(i + 1)
		entry, err := encodeEntry(msg, NoTransaction)
		require.NoError(t, err)
		require.NoError(t, p.write(entry))
	}
	return p
}

func TestPageIgnoresTornTail(t *testing.T) {
	dir := t.TempDir()
	ff, err := sequentialfile.NewFactory(dir, sequentialfile.Options{Alignment: 1})
	require.NoError(t, err)

	p := writeTestPage(t, ff, 1, 3)
	require.NoError(t, p.seal())
	size := p.Size()

	// half an entry header left by a crash
	f, err := os.OpenFile(filepath.Join(dir, pageFileName(1)), os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := newPage(ff, 1).read()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "m2", string(entries[2].Message.Body))

	// reopening for append drops the torn tail
	p = newPage(ff, 1)
	require.NoError(t, p.openForAppend(0))
	assert.Equal(t, 3, p.NumberOfMessages())
	assert.Equal(t, size, p.Size())
	msg := models.NewMessage("orders", []byte("m3"), false)
	entry, err := encodeEntry(msg, NoTransaction)
	require.NoError(t, err)
	require.NoError(t, p.write(entry))
	require.NoError(t, p.seal())

	entries, err = newPage(ff, 1).read()
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, "m3", string(entries[3].Message.Body))
}

// shortFile returns one byte less than asked for, without an error.
type shortFile struct {
	sequentialfile.File
}

func (f shortFile) ReadAt(buf []byte, off int64) (int, error) {
	n, err := f.File.ReadAt(buf[:len(buf)-1], off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func TestPageShortReadFails(t *testing.T) {
	ff, err := sequentialfile.NewFactory(t.TempDir(), sequentialfile.Options{Alignment: 1})
	require.NoError(t, err)
	require.NoError(t, writeTestPage(t, ff, 1, 2).seal())

	p := &Page{id: 1, file: shortFile{File: ff.CreateFile(pageFileName(1))}}
	entries, err := p.read()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "short read of page 1")
	assert.Nil(t, entries)

	p = &Page{id: 1, file: shortFile{File: ff.CreateFile(pageFileName(1))}}
	assert.Error(t, p.openForAppend(0))
}

func TestPageFileNames(t *testing.T) {
	assert.Equal(t, "000000012.page", pageFileName(12))
	id, ok := parsePageFileName("000000012.page")
	assert.True(t, ok)
	assert.Equal(t, int64(12), id)
	_, ok = parsePageFileName("address.txt")
	assert.False(t, ok)
}

func TestPageTransactionWaitCompletion(t *testing.T) {
	committed := NewPageTransactionInfo(1)
	rolledBack := NewPageTransactionInfo(2)
	pending := NewPageTransactionInfo(3)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	errs := make([]error, 2)
	for i, info := range []*PageTransactionInfo{committed, rolledBack} {
		wg.Add(1)
		go func(i int, info *PageTransactionInfo) {
			defer wg.Done()
			results[i], errs[i] = info.WaitCompletion(5 * time.Second)
		}(i, info)
	}
	committed.MarkPrepared()
	assert.True(t, committed.IsPrepared())
	committed.Commit()
	rolledBack.Rollback()
	wg.Wait()

	assert.NoError(t, errs[0])
	assert.True(t, results[0])
	assert.NoError(t, errs[1])
	assert.False(t, results[1])

	// resolution is final
	rolledBack.Commit()
	assert.True(t, rolledBack.IsRolledBack())

	ok, err := pending.WaitCompletion(20 * time.Millisecond)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrTransactionPending)
}

func TestPageTransactionCounts(t *testing.T) {
	info := NewPageTransactionInfo(9)
	info.Increment()
	info.Increment()
	assert.Equal(t, int32(2), info.NumberOfMessages())
	assert.Equal(t, int32(1), info.Decrement(1))
	assert.Equal(t, int32(0), info.Decrement(5))

	reloaded := newCommittedPageTransaction(9, 100, 4)
	assert.True(t, reloaded.IsCommitted())
	assert.Equal(t, int64(100), reloaded.RecordID())
	ok, err := reloaded.WaitCompletion(time.Millisecond)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestPageResult(t *testing.T) {
	assert.True(t, NotPaged.Accepted())
	assert.True(t, Paged.Accepted())
	assert.False(t, Dropped.Accepted())
	assert.Equal(t, "DROPPED", Dropped.String())
}
