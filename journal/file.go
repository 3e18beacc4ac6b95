package journal

import (
	"fmt"

	"github.com/alpacahq/queuestore/sequentialfile"
)

// journalFile is one slot of the file arena. Counters are guarded by the journal lock.
type journalFile struct {
	file   sequentialfile.File
	fileID int64

	// posCount is the number of live record entries held by the file.
	posCount int
	// negCounts holds, per older file id, the deletes stored in this file for
	// records living there. This file must outlive each of those files.
	negCounts map[int64]int
	// txPins is the number of open transactions with records in this file.
	txPins int
}

func newJournalFile(f sequentialfile.File, fileID int64) *journalFile {
	return &journalFile{
		file:      f,
		fileID:    fileID,
		negCounts: map[int64]int{},
	}
}

func (jf *journalFile) String() string {
	return fmt.Sprintf("JournalFile[%s id=%d pos=%d pins=%d]", jf.file.FileName(), jf.fileID, jf.posCount, jf.txPins)
}

func (jf *journalFile) reset(fileID int64) {
	jf.fileID = fileID
	jf.posCount = 0
	jf.txPins = 0
	jf.negCounts = map[int64]int{}
}
