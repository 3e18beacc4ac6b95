// Package persistence stores messages and paging state in the journal.
package persistence

import (
	"github.com/alpacahq/queuestore/models"
	"github.com/alpacahq/queuestore/sequentialfile"
)

// User record types written to the journal.
const (
	MessageRecord         byte = 31
	PageTransactionRecord byte = 35
	LastPageRecordType    byte = 36
	IDCounterRecord       byte = 40
)

// StorageManager persists broker state. Operations lined up through a view
// returned by WithContext are followed by that view's AfterCompleteOperations.
type StorageManager interface {
	GenerateUniqueID() (int64, error)

	StoreMessage(msg *models.Message) error
	StoreMessageTransactional(txID int64, msg *models.Message) error
	DeleteMessage(messageID int64) error
	DeleteMessageTransactional(txID, messageID int64) error

	// StorePageTransaction writes the current state of info under txID and
	// assigns it a new record id, replacing the previous record.
	StorePageTransaction(txID int64, info PageTransaction) error
	StoreDeletePageTransaction(txID, recordID int64) error
	StoreLastPage(txID int64, rec *LastPageRecord) error

	Prepare(txID int64, xid []byte) error
	Commit(txID int64) error
	Rollback(txID int64) error

	// AfterCompleteOperations runs cb once every operation lined up so far
	// through this storage view is acknowledged.
	AfterCompleteOperations(cb sequentialfile.IOCallback)
	WithContext(ctx *OperationContext) StorageManager
}

// PageTransaction is the persisted view of a transaction whose messages went to page files.
type PageTransaction interface {
	TransactionID() int64
	NumberOfMessages() int32
	RecordID() int64
	SetRecordID(id int64)
}

// PageTransactionData is a page transaction record found by Load.
type PageTransactionData struct {
	RecordID         int64 `msgpack:"-"`
	TransactionID    int64 `msgpack:"tx"`
	NumberOfMessages int32 `msgpack:"n"`
}

// LastPageRecord remembers the last page id depaged for an address.
type LastPageRecord struct {
	RecordID int64  `msgpack:"-"`
	Address  string `msgpack:"address"`
	PageID   int64  `msgpack:"page"`
}

// PreparedTransaction is a transaction prepared before a restart and not yet resolved.
type PreparedTransaction struct {
	ID               int64
	Xid              []byte
	Messages         []*models.Message
	PageTransactions []*PageTransactionData
	LastPages        []*LastPageRecord
	// DeletedRecords holds the ids of the records the transaction deletes,
	// acknowledged messages among them.
	DeletedRecords []int64
}

// LoadedState is the broker state rebuilt from the journal.
type LoadedState struct {
	Messages         []*models.Message
	PageTransactions []*PageTransactionData
	LastPages        []*LastPageRecord
	Prepared         []*PreparedTransaction
}
