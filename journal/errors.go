package journal

import (
	"errors"
	"fmt"
)

var (
	ErrNotStarted     = errors.New("journal is not started")
	ErrAlreadyLoaded  = errors.New("journal is already loaded")
	ErrNotLoaded      = errors.New("journal must be loaded before it is started")
	ErrJournalStopped = errors.New("journal is stopped")
)

// AlignmentError is a journal configuration that cannot honor the alignment of its files.
type AlignmentError string

func (msg AlignmentError) Error() string {
	return "journal alignment violation: " + string(msg)
}

// RecordNotFoundError is an update or delete of an id that is not live.
type RecordNotFoundError int64

func (id RecordNotFoundError) Error() string {
	return fmt.Sprintf("record %d not found", int64(id))
}

// DuplicateRecordError is an add of an id that is already live.
type DuplicateRecordError int64

func (id DuplicateRecordError) Error() string {
	return fmt.Sprintf("record %d already exists", int64(id))
}

// TransactionIncompleteError is a prepare, commit or rollback of a transaction
// the journal does not hold open.
type TransactionIncompleteError int64

func (id TransactionIncompleteError) Error() string {
	return fmt.Sprintf("transaction %d is unknown or already resolved", int64(id))
}

// RecordTooLargeError is a record that would not fit in an empty journal file.
type RecordTooLargeError struct {
	Size, Capacity int
}

func (e RecordTooLargeError) Error() string {
	return fmt.Sprintf("record of %d bytes exceeds the journal file capacity of %d bytes", e.Size, e.Capacity)
}

// CorruptFileError is a journal file whose header cannot be used.
type CorruptFileError struct {
	File   string
	Reason string
}

func (e CorruptFileError) Error() string {
	return fmt.Sprintf("journal file %s: %s", e.File, e.Reason)
}
