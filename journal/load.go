package journal

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/alpacahq/queuestore/utils/log"
)

// RecordInfo is a record made visible by Load.
type RecordInfo struct {
	ID             int64
	UserRecordType byte
	Data           []byte
	// IsUpdate marks an update of a record returned earlier in the same result.
	IsUpdate bool
}

// PreparedTransaction is a transaction found prepared but neither committed
// nor rolled back. It stays open in the journal until resolved.
type PreparedTransaction struct {
	ID              int64
	ExtraData       []byte
	Records         []RecordInfo
	RecordsToDelete []RecordInfo
}

type LoadResult struct {
	// Records holds the adds and updates of the live records in the order they became visible.
	Records  []RecordInfo
	Prepared []PreparedTransaction
	// MaxID is the largest record or transaction id found in the files.
	MaxID int64
}

type loadedEntry struct {
	info    RecordInfo
	removed bool
}

type loadedTransaction struct {
	tx       *transaction
	prepared bool
	broken   bool
	extra    []byte
}

// loader replays the journal files in file id order.
type loader struct {
	j       *Journal
	entries []*loadedEntry
	byID    map[int64][]*loadedEntry
	txs     map[int64]*loadedTransaction
	maxID   int64
	// present holds the ids of the files found on disk.
	present map[int64]bool
}

// Load reads every journal file of the directory, rebuilds the live records and
// the prepared transactions, and readies the current file for appends.
// Transactions without a commit or prepare record are discarded.
func (j *Journal) Load() (*LoadResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != stateCreated {
		return nil, ErrAlreadyLoaded
	}
	if err := j.factory.CreateDirs(); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	names, err := j.factory.ListFiles(j.cfg.FileExtension)
	if err != nil {
		return nil, err
	}

	var (
		loaded   []*journalFile
		unusable []*journalFile
	)
	closeAll := func() {
		for _, jf := range append(loaded, unusable...) {
			_ = jf.file.Close()
		}
	}
	for _, name := range names {
		f := j.factory.CreateFile(name)
		if err := f.Open(); err != nil {
			closeAll()
			return nil, err
		}
		size, err := f.Size()
		if err != nil {
			_ = f.Close()
			closeAll()
			return nil, err
		}
		if size != int64(j.cfg.FileSize) {
			_ = f.Close()
			closeAll()
			return nil, CorruptFileError{File: name, Reason: fmt.Sprintf("size %d, expected %d", size, j.cfg.FileSize)}
		}
		header := make([]byte, sizeHeader)
		if _, err := f.ReadAt(header, 0); err != nil && !errors.Is(err, io.EOF) {
			_ = f.Close()
			closeAll()
			return nil, err
		}
		id, ok := decodeHeader(header)
		if !ok {
			log.Warn("journal file %s has no valid header, reusing it", name)
			unusable = append(unusable, newJournalFile(f, 0))
			continue
		}
		loaded = append(loaded, newJournalFile(f, id))
		if id >= j.nextFileID {
			j.nextFileID = id + 1
		}
	}
	sort.Slice(loaded, func(a, b int) bool { return loaded[a].fileID < loaded[b].fileID })
	for _, jf := range loaded {
		j.files[jf.fileID] = jf
	}

	l := &loader{
		j:    j,
		byID:    map[int64][]*loadedEntry{},
		txs:     map[int64]*loadedTransaction{},
		present: map[int64]bool{},
	}
	for _, jf := range loaded {
		l.present[jf.fileID] = true
	}
	for _, jf := range loaded {
		end, count, err := l.scan(jf)
		if err != nil {
			closeAll()
			return nil, err
		}
		if count == 0 {
			delete(j.files, jf.fileID)
			j.freeFiles = append(j.freeFiles, jf)
			continue
		}
		jf.file.SetPosition(end)
		j.dataFiles = append(j.dataFiles, jf)
	}
	j.freeFiles = append(j.freeFiles, unusable...)

	result := &LoadResult{MaxID: l.maxID}
	result.Prepared = l.restorePrepared()
	for _, e := range l.entries {
		if !e.removed {
			result.Records = append(result.Records, e.info)
		}
	}

	if n := len(j.dataFiles); n > 0 {
		j.current = j.dataFiles[n-1]
	} else if err := j.moveNextFile(); err != nil {
		return nil, err
	}
	for len(j.dataFiles)+len(j.freeFiles) < j.cfg.MinFiles {
		jf, err := j.createFile()
		if err != nil {
			return nil, err
		}
		j.freeFiles = append(j.freeFiles, jf)
	}
	j.updateFileMetrics()

	j.state = stateLoaded
	log.Info("journal loaded %d records from %d files, %d prepared transactions",
		len(j.records), len(j.dataFiles), len(result.Prepared))
	return result, nil
}

// scan applies the records of jf and returns the offset after the last valid one.
func (l *loader) scan(jf *journalFile) (int64, int, error) {
	buf := make([]byte, l.j.cfg.FileSize)
	n, err := jf.file.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, 0, fmt.Errorf("read %s: %w", jf.file.FileName(), err)
	}
	buf = buf[:n]

	pos := l.j.headerSize
	count := 0
	for pos < len(buf) {
		rec, size, ok := decodeRecord(buf[pos:], int32(jf.fileID))
		if !ok {
			break
		}
		l.apply(&rec, jf)
		count++
		pos += l.j.factory.CalculateBlockSize(size)
	}
	return int64(pos), count, nil
}

func (l *loader) apply(rec *record, jf *journalFile) {
	j := l.j
	if rec.id > l.maxID {
		l.maxID = rec.id
	}
	if rec.txID > l.maxID {
		l.maxID = rec.txID
	}

	switch rec.kind {
	case addRecord:
		j.forgetRecord(rec.id)
		l.hide(rec.id)
		info := &recordInfo{}
		j.holdRecord(info, jf.fileID)
		j.records[rec.id] = info
		l.show(RecordInfo{ID: rec.id, UserRecordType: rec.userType, Data: rec.payload})
	case updateRecord:
		info, ok := j.records[rec.id]
		if !ok {
			log.Debug("ignoring update of unknown record %d in %s", rec.id, jf)
			return
		}
		j.holdRecord(info, jf.fileID)
		l.show(RecordInfo{ID: rec.id, UserRecordType: rec.userType, Data: rec.payload, IsUpdate: true})
	case deleteRecord:
		info, ok := j.records[rec.id]
		if !ok {
			return
		}
		j.removeRecord(rec.id, info, jf.fileID)
		l.hide(rec.id)
	case addRecordTx, updateRecordTx, deleteRecordTx:
		lt := l.transaction(rec.txID)
		kind := txOpAdd
		switch rec.kind {
		case updateRecordTx:
			kind = txOpUpdate
		case deleteRecordTx:
			kind = txOpDelete
		}
		lt.tx.ops = append(lt.tx.ops, txOp{
			kind: kind, id: rec.id, userType: rec.userType, fileID: jf.fileID, data: rec.payload,
		})
		lt.tx.count(jf.fileID)
		lt.tx.files[jf.fileID] = struct{}{}
	case prepareRecord:
		lt := l.transaction(rec.txID)
		lt.prepared = true
		lt.extra = rec.payload
		lt.tx.files[jf.fileID] = struct{}{}
		if fileID, ok := l.complete(rec, lt.tx); !ok {
			log.Warn("prepared transaction %d lacks records in journal file %d, ignoring it", rec.txID, fileID)
			lt.broken = true
		}
	case commitRecord:
		lt, ok := l.txs[rec.txID]
		delete(l.txs, rec.txID)
		if !ok {
			return
		}
		if fileID, ok := l.complete(rec, lt.tx); !ok {
			log.Warn("transaction %d lacks records in journal file %d, ignoring it", rec.txID, fileID)
			return
		}
		j.applyCommit(lt.tx, jf.fileID, func(op txOp) {
			switch op.kind {
			case txOpAdd:
				l.hide(op.id)
				l.show(RecordInfo{ID: op.id, UserRecordType: op.userType, Data: op.data})
			case txOpUpdate:
				l.show(RecordInfo{ID: op.id, UserRecordType: op.userType, Data: op.data, IsUpdate: true})
			case txOpDelete:
				l.hide(op.id)
			}
		})
	case rollbackRecord:
		delete(l.txs, rec.txID)
	}
}

// complete checks the record counts a prepare or commit declares against the
// records found for tx. Files reclaimed since then are skipped, their records
// were all deleted. It returns the first file whose count differs and false.
func (l *loader) complete(rec *record, tx *transaction) (int64, bool) {
	for _, fc := range rec.files {
		if !l.present[fc.fileID] {
			continue
		}
		if tx.perFile[fc.fileID] != fc.count {
			return fc.fileID, false
		}
	}
	return 0, true
}

func (l *loader) transaction(txID int64) *loadedTransaction {
	lt, ok := l.txs[txID]
	if !ok {
		lt = &loadedTransaction{tx: newTransaction(txID)}
		l.txs[txID] = lt
	}
	return lt
}

func (l *loader) show(info RecordInfo) {
	e := &loadedEntry{info: info}
	l.entries = append(l.entries, e)
	l.byID[info.ID] = append(l.byID[info.ID], e)
}

func (l *loader) hide(id int64) {
	for _, e := range l.byID[id] {
		e.removed = true
	}
	delete(l.byID, id)
}

// restorePrepared reopens the prepared transactions and drops the incomplete ones.
func (l *loader) restorePrepared() []PreparedTransaction {
	j := l.j
	ids := make([]int64, 0, len(l.txs))
	for id := range l.txs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	var prepared []PreparedTransaction
	for _, id := range ids {
		lt := l.txs[id]
		if !lt.prepared || lt.broken {
			log.Debug("discarding incomplete transaction %d with %d records", id, lt.tx.recordCount)
			continue
		}
		tx := lt.tx
		tx.state = txPrepared
		for fileID := range tx.files {
			if jf := j.files[fileID]; jf != nil {
				jf.txPins++
			}
		}
		j.transactions[id] = tx

		pt := PreparedTransaction{ID: id, ExtraData: lt.extra}
		for _, op := range tx.ops {
			info := RecordInfo{ID: op.id, UserRecordType: op.userType, Data: op.data, IsUpdate: op.kind == txOpUpdate}
			if op.kind == txOpDelete {
				pt.RecordsToDelete = append(pt.RecordsToDelete, info)
			} else {
				pt.Records = append(pt.Records, info)
			}
		}
		prepared = append(prepared, pt)
	}
	return prepared
}
