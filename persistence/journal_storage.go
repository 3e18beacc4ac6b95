package persistence

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"github.com/alpacahq/queuestore/journal"
	"github.com/alpacahq/queuestore/models"
	"github.com/alpacahq/queuestore/sequentialfile"
	"github.com/alpacahq/queuestore/utils/log"
)

type Config struct {
	// SyncTransactional fsyncs prepare, commit and rollback records.
	SyncTransactional bool
	// SyncNonTransactional fsyncs message records written outside a transaction.
	SyncNonTransactional bool
	IDBatchSize          int64
}

// JournalStorageManager is the StorageManager backed by a journal. Its own
// methods line up on a context shared by every caller without a view.
type JournalStorageManager struct {
	*storageView
	journal *journal.Journal
	// stale holds records superseded by a newer copy, deleted on Start.
	stale []int64
}

type storageCore struct {
	journal *journal.Journal
	cfg     Config
	ids     *BatchingIDGenerator
}

// storageView binds the storage operations to one OperationContext.
type storageView struct {
	core *storageCore
	ctx  *OperationContext
}

func NewJournalStorageManager(j *journal.Journal, cfg Config) *JournalStorageManager {
	core := &storageCore{
		journal: j,
		cfg:     cfg,
		ids:     newBatchingIDGenerator(j, cfg.IDBatchSize),
	}
	return &JournalStorageManager{
		storageView: &storageView{core: core, ctx: NewOperationContext()},
		journal:     j,
	}
}

// Load replays the journal and decodes the broker state. It must run before Start.
func (m *JournalStorageManager) Load() (*LoadedState, error) {
	res, err := m.journal.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load journal")
	}

	state := &LoadedState{}
	reservations := map[int64]int64{}
	pageTxs := map[int64]*PageTransactionData{}
	lastPages := map[string]*LastPageRecord{}
	var stale []int64

	for _, rec := range res.Records {
		switch rec.UserRecordType {
		case MessageRecord:
			msg, err := models.DecodeMessage(rec.Data)
			if err != nil {
				log.Error("skipping unreadable message record %d: %v", rec.ID, err)
				continue
			}
			msg.MessageID = rec.ID
			state.Messages = append(state.Messages, msg)
		case PageTransactionRecord:
			ptx, err := decodePageTransaction(rec.ID, rec.Data)
			if err != nil {
				log.Error("skipping unreadable page transaction record %d: %v", rec.ID, err)
				continue
			}
			// a transaction stored twice keeps its latest record
			if prev, ok := pageTxs[ptx.TransactionID]; ok {
				stale = append(stale, prev.RecordID)
			}
			pageTxs[ptx.TransactionID] = ptx
		case LastPageRecordType:
			lp, err := decodeLastPage(rec.ID, rec.Data)
			if err != nil {
				log.Error("skipping unreadable last page record %d: %v", rec.ID, err)
				continue
			}
			if prev, ok := lastPages[lp.Address]; ok {
				stale = append(stale, prev.RecordID)
			}
			lastPages[lp.Address] = lp
		case IDCounterRecord:
			limit, ok := decodeReservation(rec.Data)
			if !ok {
				log.Error("skipping unreadable id reservation %d", rec.ID)
				continue
			}
			reservations[rec.ID] = limit
		default:
			log.Warn("skipping record %d of unknown type %d", rec.ID, rec.UserRecordType)
		}
	}
	for _, ptx := range pageTxs {
		state.PageTransactions = append(state.PageTransactions, ptx)
	}
	sort.Slice(state.PageTransactions, func(i, j int) bool {
		return state.PageTransactions[i].RecordID < state.PageTransactions[j].RecordID
	})
	for _, lp := range lastPages {
		state.LastPages = append(state.LastPages, lp)
	}
	sort.Slice(state.LastPages, func(i, j int) bool { return state.LastPages[i].Address < state.LastPages[j].Address })

	for _, ptx := range res.Prepared {
		state.Prepared = append(state.Prepared, decodePrepared(ptx))
	}

	m.core.ids.restore(res.MaxID, reservations)
	m.stale = stale
	log.Info("storage loaded %d messages, %d page transactions, %d last pages, %d prepared transactions",
		len(state.Messages), len(state.PageTransactions), len(state.LastPages), len(state.Prepared))
	return state, nil
}

func decodePrepared(ptx journal.PreparedTransaction) *PreparedTransaction {
	p := &PreparedTransaction{ID: ptx.ID, Xid: ptx.ExtraData}
	for _, rec := range ptx.Records {
		switch rec.UserRecordType {
		case MessageRecord:
			msg, err := models.DecodeMessage(rec.Data)
			if err != nil {
				log.Error("skipping unreadable message record %d of transaction %d: %v", rec.ID, ptx.ID, err)
				continue
			}
			msg.MessageID = rec.ID
			p.Messages = append(p.Messages, msg)
		case PageTransactionRecord:
			if data, err := decodePageTransaction(rec.ID, rec.Data); err == nil {
				p.PageTransactions = append(p.PageTransactions, data)
			}
		case LastPageRecordType:
			if lp, err := decodeLastPage(rec.ID, rec.Data); err == nil {
				p.LastPages = append(p.LastPages, lp)
			}
		}
	}
	for _, rec := range ptx.RecordsToDelete {
		p.DeletedRecords = append(p.DeletedRecords, rec.ID)
	}
	return p
}

// Start opens the journal for appends and drops the records superseded during Load.
func (m *JournalStorageManager) Start() error {
	if err := m.journal.Start(); err != nil {
		return errors.Wrap(err, "start journal")
	}
	for _, id := range m.stale {
		if err := m.journal.AppendDeleteRecord(id, false, nil); err != nil {
			log.Warn("failed to delete superseded record %d: %v", id, err)
		}
	}
	m.stale = nil
	return nil
}

func (m *JournalStorageManager) Stop() error {
	return m.journal.Stop()
}

func (m *JournalStorageManager) Journal() *journal.Journal {
	return m.journal
}

func (v *storageView) WithContext(ctx *OperationContext) StorageManager {
	return &storageView{core: v.core, ctx: ctx}
}

func (v *storageView) AfterCompleteOperations(cb sequentialfile.IOCallback) {
	v.ctx.ExecuteOnCompletion(cb)
}

func (v *storageView) GenerateUniqueID() (int64, error) {
	return v.core.ids.GenerateID()
}

// submit lines up one journal append on the view context. An append rejected
// before any I/O is reported to the caller only.
func (v *storageView) submit(appendFn func(cb sequentialfile.IOCallback) error) error {
	op := v.ctx.lineUp()
	if err := appendFn(op); err != nil {
		op.Done()
		return err
	}
	return nil
}

func (v *storageView) StoreMessage(msg *models.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return v.submit(func(cb sequentialfile.IOCallback) error {
		return errors.Wrapf(
			v.core.journal.AppendAddRecord(msg.MessageID, MessageRecord, data, v.core.cfg.SyncNonTransactional, cb),
			"store message %d", msg.MessageID)
	})
}

func (v *storageView) StoreMessageTransactional(txID int64, msg *models.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return errors.Wrapf(
		v.core.journal.AppendAddRecordTransactional(txID, msg.MessageID, MessageRecord, data),
		"store message %d in transaction %d", msg.MessageID, txID)
}

func (v *storageView) DeleteMessage(messageID int64) error {
	return v.submit(func(cb sequentialfile.IOCallback) error {
		return errors.Wrapf(
			v.core.journal.AppendDeleteRecord(messageID, v.core.cfg.SyncNonTransactional, cb),
			"delete message %d", messageID)
	})
}

func (v *storageView) DeleteMessageTransactional(txID, messageID int64) error {
	return errors.Wrapf(
		v.core.journal.AppendDeleteRecordTransactional(txID, messageID),
		"delete message %d in transaction %d", messageID, txID)
}

func (v *storageView) StorePageTransaction(txID int64, info PageTransaction) error {
	data, err := msgpack.Marshal(&PageTransactionData{
		TransactionID:    info.TransactionID(),
		NumberOfMessages: info.NumberOfMessages(),
	})
	if err != nil {
		return errors.Wrap(err, "encode page transaction")
	}
	id, err := v.replace(txID, info.RecordID(), PageTransactionRecord, data)
	if err != nil {
		return errors.Wrapf(err, "store page transaction %d", info.TransactionID())
	}
	info.SetRecordID(id)
	return nil
}

func (v *storageView) StoreDeletePageTransaction(txID, recordID int64) error {
	return errors.Wrapf(
		v.core.journal.AppendDeleteRecordTransactional(txID, recordID),
		"delete page transaction record %d", recordID)
}

func (v *storageView) StoreLastPage(txID int64, rec *LastPageRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode last page")
	}
	id, err := v.replace(txID, rec.RecordID, LastPageRecordType, data)
	if err != nil {
		return errors.Wrapf(err, "store last page of %s", rec.Address)
	}
	rec.RecordID = id
	return nil
}

// replace adds data under a fresh id in txID and deletes the record it supersedes.
func (v *storageView) replace(txID, oldID int64, userType byte, data []byte) (int64, error) {
	if oldID > 0 {
		err := v.core.journal.AppendDeleteRecordTransactional(txID, oldID)
		var notFound journal.RecordNotFoundError
		if err != nil && !errors.As(err, &notFound) {
			return 0, err
		}
	}
	id, err := v.GenerateUniqueID()
	if err != nil {
		return 0, err
	}
	if err := v.core.journal.AppendAddRecordTransactional(txID, id, userType, data); err != nil {
		return 0, err
	}
	return id, nil
}

func (v *storageView) Prepare(txID int64, xid []byte) error {
	return v.submit(func(cb sequentialfile.IOCallback) error {
		return errors.Wrapf(
			v.core.journal.AppendPrepareRecord(txID, xid, v.core.cfg.SyncTransactional, cb),
			"prepare transaction %d", txID)
	})
}

func (v *storageView) Commit(txID int64) error {
	return v.submit(func(cb sequentialfile.IOCallback) error {
		return errors.Wrapf(
			v.core.journal.AppendCommitRecord(txID, v.core.cfg.SyncTransactional, cb),
			"commit transaction %d", txID)
	})
}

func (v *storageView) Rollback(txID int64) error {
	return v.submit(func(cb sequentialfile.IOCallback) error {
		return errors.Wrapf(
			v.core.journal.AppendRollbackRecord(txID, v.core.cfg.SyncTransactional, cb),
			"rollback transaction %d", txID)
	})
}

func decodePageTransaction(recordID int64, data []byte) (*PageTransactionData, error) {
	ptx := &PageTransactionData{}
	if err := msgpack.Unmarshal(data, ptx); err != nil {
		return nil, err
	}
	ptx.RecordID = recordID
	return ptx, nil
}

func decodeLastPage(recordID int64, data []byte) (*LastPageRecord, error) {
	lp := &LastPageRecord{}
	if err := msgpack.Unmarshal(data, lp); err != nil {
		return nil, err
	}
	lp.RecordID = recordID
	return lp, nil
}
