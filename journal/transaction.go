package journal

import (
	"sort"

	"github.com/alpacahq/queuestore/sequentialfile"
)

type txState int8

const (
	txOpen txState = iota
	txPrepared
)

type txOpKind int8

const (
	txOpAdd txOpKind = iota
	txOpUpdate
	txOpDelete
)

type txOp struct {
	kind     txOpKind
	id       int64
	userType byte
	fileID   int64
	// data is only kept for transactions rebuilt by Load, to expose in-doubt records.
	data []byte
}

// transaction is the ledger entry of an open or prepared journal transaction.
type transaction struct {
	id          int64
	state       txState
	ops         []txOp
	files       map[int64]struct{}
	recordCount int32
	// perFile counts the transactional records written to each file.
	perFile map[int64]int32
	// tracker follows the writes of the transaction records so that the
	// prepare, commit or rollback completion covers all of them.
	tracker *sequentialfile.Tracker
}

func newTransaction(id int64) *transaction {
	return &transaction{
		id:      id,
		files:   map[int64]struct{}{},
		perFile: map[int64]int32{},
		tracker: sequentialfile.NewTracker(),
	}
}

func (tx *transaction) pin(jf *journalFile) {
	if _, ok := tx.files[jf.fileID]; ok {
		return
	}
	tx.files[jf.fileID] = struct{}{}
	jf.txPins++
}

// count accounts one transactional record written to fileID.
func (tx *transaction) count(fileID int64) {
	tx.recordCount++
	tx.perFile[fileID]++
}

// fileCounts returns the per file record counts in file id order.
func (tx *transaction) fileCounts() []fileCount {
	out := make([]fileCount, 0, len(tx.perFile))
	for fileID, n := range tx.perFile {
		out = append(out, fileCount{fileID: fileID, count: n})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].fileID < out[b].fileID })
	return out
}

func (tx *transaction) addsRecord(id int64) bool {
	live := false
	for _, op := range tx.ops {
		if op.id != id {
			continue
		}
		switch op.kind {
		case txOpAdd:
			live = true
		case txOpDelete:
			live = false
		}
	}
	return live
}

func (tx *transaction) deletesRecord(id int64) bool {
	for i := len(tx.ops) - 1; i >= 0; i-- {
		op := tx.ops[i]
		if op.id != id {
			continue
		}
		return op.kind == txOpDelete
	}
	return false
}
