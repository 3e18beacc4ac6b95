// Package journal implements an append-only log of typed records spread over
// rotating fixed-size files. Records are added, updated and deleted either
// directly or under a transaction, and Load replays the files to rebuild the
// set of live records after a restart.
package journal

import (
	"fmt"
	"sync"

	"github.com/alpacahq/queuestore/metrics"
	"github.com/alpacahq/queuestore/sequentialfile"
	"github.com/alpacahq/queuestore/utils/log"
)

const (
	DefaultFileSize      = 10 * 1024 * 1024
	DefaultMinFiles      = 2
	DefaultFilePrefix    = "queuestore-data"
	DefaultFileExtension = "qsj"
)

type Config struct {
	FileSize int
	MinFiles int
	// PoolFiles is the number of reclaimed files kept for reuse, MinFiles when
	// zero. A negative value keeps every reclaimed file.
	PoolFiles     int
	FilePrefix    string
	FileExtension string
}

type journalState int8

const (
	stateCreated journalState = iota
	stateLoaded
	stateStarted
	stateStopped
)

// recordInfo lists the files holding the add and updates of a live record.
type recordInfo struct {
	files []int64
}

// Journal is safe for concurrent use. Completion callbacks run on the I/O
// goroutine of the file and must not call back into the journal.
type Journal struct {
	cfg        Config
	factory    sequentialfile.Factory
	headerSize int
	capacity   int

	mu           sync.Mutex
	state        journalState
	files        map[int64]*journalFile
	dataFiles    []*journalFile
	freeFiles    []*journalFile
	current      *journalFile
	nextFileID   int64
	records      map[int64]*recordInfo
	transactions map[int64]*transaction

	reclaimCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New validates cfg against the factory alignment and returns an unloaded journal.
func New(cfg Config, factory sequentialfile.Factory) (*Journal, error) {
	if cfg.FileSize == 0 {
		cfg.FileSize = DefaultFileSize
	}
	if cfg.MinFiles < DefaultMinFiles {
		cfg.MinFiles = DefaultMinFiles
	}
	if cfg.PoolFiles == 0 {
		cfg.PoolFiles = cfg.MinFiles
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = DefaultFilePrefix
	}
	if cfg.FileExtension == "" {
		cfg.FileExtension = DefaultFileExtension
	}

	alignment := factory.Alignment()
	if alignment <= 0 {
		return nil, AlignmentError(fmt.Sprintf("alignment must be positive, got %d", alignment))
	}
	if cfg.FileSize%alignment != 0 {
		return nil, AlignmentError(fmt.Sprintf("file size %d is not a multiple of the alignment %d",
			cfg.FileSize, alignment))
	}
	headerSize := factory.CalculateBlockSize(sizeHeader)
	if cfg.FileSize < headerSize+factory.CalculateBlockSize(sizeAddRecord) {
		return nil, AlignmentError(fmt.Sprintf("file size %d cannot hold a header and one record at alignment %d",
			cfg.FileSize, alignment))
	}

	return &Journal{
		cfg:          cfg,
		factory:      factory,
		headerSize:   headerSize,
		capacity:     cfg.FileSize - headerSize,
		files:        map[int64]*journalFile{},
		nextFileID:   1,
		records:      map[int64]*recordInfo{},
		transactions: map[int64]*transaction{},
		reclaimCh:    make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}, nil
}

// Start begins accepting appends and runs the background reclaimer. Load must be called first.
func (j *Journal) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.state {
	case stateCreated:
		return ErrNotLoaded
	case stateStarted:
		return nil
	case stateStopped:
		return ErrJournalStopped
	}
	j.state = stateStarted
	j.wg.Add(1)
	go j.reclaimLoop()
	j.signalReclaim()
	return nil
}

// Stop waits for the reclaimer and closes every file, draining pending writes.
func (j *Journal) Stop() error {
	j.mu.Lock()
	if j.state == stateStopped {
		j.mu.Unlock()
		return nil
	}
	wasStarted := j.state == stateStarted
	j.state = stateStopped
	j.mu.Unlock()

	if wasStarted {
		close(j.stopCh)
		j.wg.Wait()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for _, jf := range append(append([]*journalFile{}, j.dataFiles...), j.freeFiles...) {
		if err := jf.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (j *Journal) AppendAddRecord(id int64, userType byte, data []byte, sync bool, cb sequentialfile.IOCallback) error {
	done, wait := completion(sync, cb)
	pending, err := j.locked(func() (func(), error) {
		if j.inUse(id) {
			return nil, DuplicateRecordError(id)
		}
		rec := record{kind: addRecord, id: id, userType: userType, payload: data}
		jf, buf, err := j.reserve(&rec)
		if err != nil {
			return nil, err
		}
		info := &recordInfo{}
		j.holdRecord(info, jf.fileID)
		j.records[id] = info
		return j.write(jf, buf, sync, done), nil
	})
	return finish(pending, wait, err)
}

func (j *Journal) AppendUpdateRecord(id int64, userType byte, data []byte, sync bool, cb sequentialfile.IOCallback) error {
	done, wait := completion(sync, cb)
	pending, err := j.locked(func() (func(), error) {
		info, ok := j.records[id]
		if !ok {
			return nil, RecordNotFoundError(id)
		}
		rec := record{kind: updateRecord, id: id, userType: userType, payload: data}
		jf, buf, err := j.reserve(&rec)
		if err != nil {
			return nil, err
		}
		j.holdRecord(info, jf.fileID)
		return j.write(jf, buf, sync, done), nil
	})
	return finish(pending, wait, err)
}

func (j *Journal) AppendDeleteRecord(id int64, sync bool, cb sequentialfile.IOCallback) error {
	done, wait := completion(sync, cb)
	pending, err := j.locked(func() (func(), error) {
		info, ok := j.records[id]
		if !ok {
			return nil, RecordNotFoundError(id)
		}
		rec := record{kind: deleteRecord, id: id}
		jf, buf, err := j.reserve(&rec)
		if err != nil {
			return nil, err
		}
		j.removeRecord(id, info, jf.fileID)
		return j.write(jf, buf, sync, done), nil
	})
	return finish(pending, wait, err)
}

// AppendAddRecordTransactional adds a record that becomes live when txID commits.
// Transactional appends never block; their outcome is reported by the commit.
func (j *Journal) AppendAddRecordTransactional(txID, id int64, userType byte, data []byte) error {
	pending, err := j.locked(func() (func(), error) {
		if j.inUse(id) {
			return nil, DuplicateRecordError(id)
		}
		return j.appendTransactional(txID, txOpAdd, &record{
			kind: addRecordTx, txID: txID, id: id, userType: userType, payload: data,
		})
	})
	return finish(pending, nil, err)
}

func (j *Journal) AppendUpdateRecordTransactional(txID, id int64, userType byte, data []byte) error {
	pending, err := j.locked(func() (func(), error) {
		if !j.visibleTo(txID, id) {
			return nil, RecordNotFoundError(id)
		}
		return j.appendTransactional(txID, txOpUpdate, &record{
			kind: updateRecordTx, txID: txID, id: id, userType: userType, payload: data,
		})
	})
	return finish(pending, nil, err)
}

func (j *Journal) AppendDeleteRecordTransactional(txID, id int64) error {
	pending, err := j.locked(func() (func(), error) {
		if !j.visibleTo(txID, id) {
			return nil, RecordNotFoundError(id)
		}
		return j.appendTransactional(txID, txOpDelete, &record{kind: deleteRecordTx, txID: txID, id: id})
	})
	return finish(pending, nil, err)
}

// AppendPrepareRecord marks txID as prepared. A prepared transaction survives a
// restart and is returned by Load until it is committed or rolled back.
func (j *Journal) AppendPrepareRecord(txID int64, extra []byte, sync bool, cb sequentialfile.IOCallback) error {
	done, wait := completion(sync, cb)
	pending, err := j.locked(func() (func(), error) {
		tx, ok := j.transactions[txID]
		if ok && tx.state == txPrepared {
			return nil, TransactionIncompleteError(txID)
		}
		var files []fileCount
		if ok {
			files = tx.fileCounts()
		}
		rec := record{kind: prepareRecord, txID: txID, files: files, payload: extra}
		jf, buf, err := j.reserve(&rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			tx = newTransaction(txID)
			j.transactions[txID] = tx
		}
		tx.state = txPrepared
		tx.pin(jf)
		return j.resolveWrite(tx, jf, buf, sync, done), nil
	})
	return finish(pending, wait, err)
}

func (j *Journal) AppendCommitRecord(txID int64, sync bool, cb sequentialfile.IOCallback) error {
	done, wait := completion(sync, cb)
	pending, err := j.locked(func() (func(), error) {
		tx, ok := j.transactions[txID]
		if !ok {
			return nil, TransactionIncompleteError(txID)
		}
		rec := record{kind: commitRecord, txID: txID, files: tx.fileCounts()}
		jf, buf, err := j.reserve(&rec)
		if err != nil {
			return nil, err
		}
		j.applyCommit(tx, jf.fileID, nil)
		j.releaseTransaction(tx)
		return j.resolveWrite(tx, jf, buf, sync, done), nil
	})
	return finish(pending, wait, err)
}

func (j *Journal) AppendRollbackRecord(txID int64, sync bool, cb sequentialfile.IOCallback) error {
	done, wait := completion(sync, cb)
	pending, err := j.locked(func() (func(), error) {
		tx, ok := j.transactions[txID]
		if !ok {
			return nil, TransactionIncompleteError(txID)
		}
		rec := record{kind: rollbackRecord, txID: txID}
		jf, buf, err := j.reserve(&rec)
		if err != nil {
			return nil, err
		}
		j.releaseTransaction(tx)
		return j.resolveWrite(tx, jf, buf, sync, done), nil
	})
	return finish(pending, wait, err)
}

// ForceMoveNextFile closes the current file for appends and continues in the next one.
func (j *Journal) ForceMoveNextFile() error {
	_, err := j.locked(func() (func(), error) {
		return nil, j.moveNextFile()
	})
	return err
}

func (j *Journal) appendTransactional(txID int64, kind txOpKind, rec *record) (func(), error) {
	tx, ok := j.transactions[txID]
	if ok && tx.state == txPrepared {
		return nil, fmt.Errorf("transaction %d is prepared and takes no more records", txID)
	}
	jf, buf, err := j.reserve(rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		tx = newTransaction(txID)
		j.transactions[txID] = tx
	}
	tx.ops = append(tx.ops, txOp{kind: kind, id: rec.id, userType: rec.userType, fileID: jf.fileID})
	tx.count(jf.fileID)
	tx.pin(jf)
	return j.write(jf, buf, false, tx.tracker.LineUp()), nil
}

// inUse reports whether id is live or added by an open transaction.
func (j *Journal) inUse(id int64) bool {
	if _, ok := j.records[id]; ok {
		return true
	}
	for _, tx := range j.transactions {
		if tx.addsRecord(id) {
			return true
		}
	}
	return false
}

// visibleTo reports whether id is live from the point of view of transaction txID.
func (j *Journal) visibleTo(txID, id int64) bool {
	tx := j.transactions[txID]
	if tx != nil && tx.deletesRecord(id) {
		return false
	}
	if _, ok := j.records[id]; ok {
		return true
	}
	return tx != nil && tx.addsRecord(id)
}

// resolveWrite writes a prepare, commit or rollback record of tx. done fires once
// that write and every record write of the transaction has completed.
func (j *Journal) resolveWrite(tx *transaction, jf *journalFile, buf []byte, sync bool, done sequentialfile.IOCallback) func() {
	pending := j.write(jf, buf, sync, tx.tracker.LineUp())
	return func() {
		if pending != nil {
			pending()
		}
		tx.tracker.ExecuteOnCompletion(done)
	}
}

// applyCommit makes the operations of tx visible. visit, when set, is called
// for every operation that changed the record map.
func (j *Journal) applyCommit(tx *transaction, commitFileID int64, visit func(op txOp)) {
	for _, op := range tx.ops {
		switch op.kind {
		case txOpAdd:
			j.forgetRecord(op.id)
			info := &recordInfo{}
			j.holdRecord(info, op.fileID, commitFileID)
			j.records[op.id] = info
		case txOpUpdate:
			info, ok := j.records[op.id]
			if !ok {
				continue
			}
			j.holdRecord(info, op.fileID, commitFileID)
		case txOpDelete:
			info, ok := j.records[op.id]
			if !ok {
				continue
			}
			j.removeRecord(op.id, info, op.fileID, commitFileID)
		}
		if visit != nil {
			visit(op)
		}
	}
}

func (j *Journal) releaseTransaction(tx *transaction) {
	for fileID := range tx.files {
		if jf := j.files[fileID]; jf != nil && jf.txPins > 0 {
			jf.txPins--
		}
	}
	delete(j.transactions, tx.id)
}

// holdRecord records that the given files now hold an entry of the record.
func (j *Journal) holdRecord(info *recordInfo, fileIDs ...int64) {
	for i, fileID := range fileIDs {
		if i > 0 && fileID == fileIDs[i-1] {
			continue
		}
		info.files = append(info.files, fileID)
		if jf := j.files[fileID]; jf != nil {
			jf.posCount++
		}
	}
}

// forgetRecord releases the entries of a live record replaced by a new add of
// the same id. Appends reject such adds, so this only happens on replay.
func (j *Journal) forgetRecord(id int64) {
	info, ok := j.records[id]
	if !ok {
		return
	}
	for _, fileID := range info.files {
		if jf := j.files[fileID]; jf != nil && jf.posCount > 0 {
			jf.posCount--
		}
	}
	delete(j.records, id)
}

// removeRecord drops a live record whose delete is held by holders. Each holder
// keeps a negative reference on every other file that held the record.
func (j *Journal) removeRecord(id int64, info *recordInfo, holders ...int64) {
	for _, fileID := range info.files {
		if jf := j.files[fileID]; jf != nil && jf.posCount > 0 {
			jf.posCount--
		}
		for _, holder := range holders {
			if holder == fileID {
				continue
			}
			if hf := j.files[holder]; hf != nil {
				hf.negCounts[fileID]++
			}
		}
	}
	delete(j.records, id)
}

func (j *Journal) locked(fn func() (func(), error)) (func(), error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch j.state {
	case stateStarted:
	case stateStopped:
		return nil, ErrJournalStopped
	default:
		return nil, ErrNotStarted
	}
	return fn()
}

// reserve encodes rec for the file it will be written to, moving to the next
// file when the current one cannot hold it.
func (j *Journal) reserve(rec *record) (*journalFile, []byte, error) {
	size := rec.encodedSize()
	block := j.factory.CalculateBlockSize(size)
	if block > j.capacity {
		return nil, nil, RecordTooLargeError{Size: size, Capacity: j.capacity}
	}
	if j.current.file.Position()+int64(block) > int64(j.cfg.FileSize) {
		if err := j.moveNextFile(); err != nil {
			return nil, nil, err
		}
	}
	rec.fileID = int32(j.current.fileID)
	buf := j.factory.NewBuffer(size)
	rec.encode(buf)
	return j.current, buf, nil
}

// write submits buf to jf. A synchronous factory completes the write inline,
// so its outcome is captured and delivered by the returned function once the
// journal lock is released.
func (j *Journal) write(jf *journalFile, buf []byte, sync bool, cb sequentialfile.IOCallback) func() {
	if j.factory.SupportsCallbacks() {
		jf.file.Write(buf, sync, cb)
		return nil
	}
	var failure *sequentialfile.IOError
	jf.file.Write(buf, sync, sequentialfile.CallbackFuncs{
		OnFail: func(code int, message string) {
			failure = &sequentialfile.IOError{Code: code, Msg: message}
		},
	})
	return func() {
		switch {
		case cb == nil:
		case failure != nil:
			cb.OnError(failure.Code, failure.Msg)
		default:
			cb.Done()
		}
	}
}

func (j *Journal) moveNextFile() error {
	jf, err := j.takeFile()
	if err != nil {
		return fmt.Errorf("move to next journal file: %w", err)
	}
	j.files[jf.fileID] = jf
	j.dataFiles = append(j.dataFiles, jf)
	j.current = jf
	log.Debug("journal moved to %s", jf)
	j.updateFileMetrics()
	j.signalReclaim()
	return nil
}

// takeFile returns a file ready for appends: a pooled file under a fresh id, or a new one.
func (j *Journal) takeFile() (*journalFile, error) {
	if len(j.freeFiles) > 0 {
		jf := j.freeFiles[0]
		if err := j.initialize(jf); err != nil {
			return nil, err
		}
		j.freeFiles = j.freeFiles[1:]
		return jf, nil
	}
	return j.createFile()
}

func (j *Journal) createFile() (*journalFile, error) {
	id := j.nextFileID
	j.nextFileID++
	f := j.factory.CreateFile(j.fileName(id))
	if err := f.Open(); err != nil {
		return nil, err
	}
	if err := f.Fill(int64(j.cfg.FileSize)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("fill %s: %w", f.FileName(), err)
	}
	jf := newJournalFile(f, id)
	if err := j.writeHeader(jf); err != nil {
		_ = f.Close()
		return nil, err
	}
	return jf, nil
}

// initialize gives a reused file a fresh id, renames it and rewrites its header.
// Records left from the previous use carry the old id and are ignored by Load.
func (j *Journal) initialize(jf *journalFile) error {
	id := j.nextFileID
	j.nextFileID++
	if !jf.file.IsOpen() {
		if err := jf.file.Open(); err != nil {
			return err
		}
	}
	if err := jf.file.RenameTo(j.fileName(id)); err != nil {
		return err
	}
	jf.reset(id)
	return j.writeHeader(jf)
}

func (j *Journal) writeHeader(jf *journalFile) error {
	buf := j.factory.NewBuffer(sizeHeader)
	encodeHeader(buf, jf.fileID)
	jf.file.SetPosition(0)
	if err := jf.file.WriteDirect(buf, true); err != nil {
		return fmt.Errorf("write header of %s: %w", jf.file.FileName(), err)
	}
	return nil
}

func (j *Journal) fileName(id int64) string {
	return fmt.Sprintf("%s-%d.%s", j.cfg.FilePrefix, id, j.cfg.FileExtension)
}

func (j *Journal) updateFileMetrics() {
	metrics.JournalDataFiles.Set(float64(len(j.dataFiles)))
	metrics.JournalFreeFiles.Set(float64(len(j.freeFiles)))
}

// DataFileIDs returns the ids of the files holding data, oldest first. The last one is the current file.
func (j *Journal) DataFileIDs() []int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	ids := make([]int64, len(j.dataFiles))
	for i, jf := range j.dataFiles {
		ids[i] = jf.fileID
	}
	return ids
}

func (j *Journal) FreeFileCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.freeFiles)
}

// LiveRecordCount is the number of live record entries held by a data file.
func (j *Journal) LiveRecordCount(fileID int64) (int, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	jf, ok := j.files[fileID]
	if !ok {
		return 0, false
	}
	return jf.posCount, true
}

// RecordCount is the number of live records.
func (j *Journal) RecordCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

func (j *Journal) OpenTransactionCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.transactions)
}

func completion(sync bool, cb sequentialfile.IOCallback) (sequentialfile.IOCallback, *sequentialfile.SyncCompletion) {
	if cb != nil {
		return cb, nil
	}
	if sync {
		c := sequentialfile.NewSyncCompletion()
		return c, c
	}
	return logFailure, nil
}

var logFailure = sequentialfile.CallbackFuncs{
	OnFail: func(code int, message string) {
		log.Error("journal write failed (code %d): %s", code, message)
	},
}

func finish(pending func(), wait *sequentialfile.SyncCompletion, err error) error {
	if err != nil {
		return err
	}
	if pending != nil {
		pending()
	}
	if wait != nil {
		return wait.Wait()
	}
	return nil
}
