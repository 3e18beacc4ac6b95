package paging

import (
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/queuestore/journal"
	"github.com/alpacahq/queuestore/models"
	"github.com/alpacahq/queuestore/persistence"
	"github.com/alpacahq/queuestore/sequentialfile"
	"github.com/alpacahq/queuestore/utils/log"
)

// post queues task on the depage worker. It is false once the manager is stopped.
func (m *Manager) post(task func()) bool {
	m.execMu.RLock()
	defer m.execMu.RUnlock()
	if !m.started.Load() {
		return false
	}
	m.tasks.In() <- task
	return true
}

// retryLater schedules the depage of s again after a failure.
func (m *Manager) retryLater(s *Store) {
	time.AfterFunc(m.cfg.DepageRetryInterval, func() {
		s.StartDepaging()
	})
}

func (m *Manager) startGlobalDepage() {
	if !m.global.depageRunning.CompareAndSwap(false, true) {
		return
	}
	if !m.post(m.globalDepage) {
		m.global.depageRunning.Store(false)
	}
}

// globalDepage takes one page from every store in turn until the global
// size reaches the global max or no store has anything left to give.
func (m *Manager) globalDepage() {
	defer m.global.depageRunning.Store(false)

	for m.started.Load() && !m.IsGlobalPageMode() && !m.isGlobalFull() {
		progress := false
		for _, s := range m.snapshot() {
			if !m.started.Load() || m.isGlobalFull() {
				return
			}
			if !s.IsPaging() || s.IsDepaging() || s.isAddressFull(s.pageSize()) {
				continue
			}
			depaged, _, err := s.depageOne()
			if err != nil {
				log.Error("failed to depage address %s: %v", s.address, err)
				m.retryLater(s)
				continue
			}
			if depaged {
				progress = true
			}
		}
		if !progress {
			return
		}
	}
}

// pageTxUpdate is the state of a page transaction once a depage batch
// commits. The info itself changes only after the commit.
type pageTxUpdate struct {
	info     *PageTransactionInfo
	depaged  int32
	recordID int64
}

func (u *pageTxUpdate) TransactionID() int64 {
	return u.info.TransactionID()
}

func (u *pageTxUpdate) NumberOfMessages() int32 {
	return u.info.NumberOfMessages() - u.depaged
}

func (u *pageTxUpdate) RecordID() int64 {
	return u.info.RecordID()
}

func (u *pageTxUpdate) SetRecordID(id int64) {
	u.recordID = id
}

type delivery struct {
	msg  *models.Message
	refs []*models.MessageReference
}

// OnDepage replays the messages of one page in a single journal transaction
// and appends them to their queues once it commits. It reports whether the
// address has headroom for another page.
func (m *Manager) OnDepage(pageID int64, address string, store *Store, entries []*PagedMessage) (bool, error) {
	last := store.LastPageRecord()
	if last != nil && pageID <= last.PageID {
		log.Warn("page %d of %s was already depaged (last page %d), ignoring it", pageID, address, last.PageID)
		return true, nil
	}
	po := m.getPostOffice()
	if po == nil {
		return false, ErrNoPostOffice
	}

	txID, err := m.storage.GenerateUniqueID()
	if err != nil {
		return false, errors.Wrapf(err, "begin depage of page %d of %s", pageID, address)
	}
	view := m.storage.WithContext(persistence.NewOperationContext())
	abort := func(cause error) (bool, error) {
		m.abortDepage(view, txID)
		return false, errors.Wrapf(cause, "depage page %d of %s", pageID, address)
	}

	rec := &persistence.LastPageRecord{Address: address, PageID: pageID}
	if last != nil {
		rec.RecordID = last.RecordID
	}
	if err := view.StoreLastPage(txID, rec); err != nil {
		return abort(err)
	}

	var (
		updates    = map[int64]*pageTxUpdate{}
		order      []*pageTxUpdate
		deliveries []delivery
	)
	for _, pm := range entries {
		if pm.InTransaction() {
			info := m.GetTransaction(pm.TransactionID)
			if info == nil {
				log.Debug("skipping message %d of unknown transaction %d", pm.Message.MessageID, pm.TransactionID)
				continue
			}
			committed, err := info.WaitCompletion(m.cfg.PageTransactionTimeout)
			if err != nil {
				return abort(errors.Wrapf(err, "transaction %d", pm.TransactionID))
			}
			u, ok := updates[pm.TransactionID]
			if !ok {
				u = &pageTxUpdate{info: info}
				updates[pm.TransactionID] = u
				order = append(order, u)
			}
			u.depaged++
			if !committed {
				continue
			}
		}

		refs, err := po.Route(pm.Message)
		if err != nil {
			return abort(errors.Wrapf(err, "route message %d", pm.Message.MessageID))
		}
		if len(refs) == 0 {
			log.Debug("message %d of %s has no binding, dropping it", pm.Message.MessageID, address)
			continue
		}
		if pm.Message.Durable {
			if err := view.StoreMessageTransactional(txID, pm.Message); err != nil {
				return abort(err)
			}
		}
		deliveries = append(deliveries, delivery{msg: pm.Message, refs: refs})
	}

	for _, u := range order {
		// a rolled back transaction never stored a live record
		if !u.info.IsCommitted() {
			continue
		}
		if u.NumberOfMessages() <= 0 {
			if id := u.info.RecordID(); id > 0 {
				if err := view.StoreDeletePageTransaction(txID, id); err != nil {
					return abort(err)
				}
			}
			continue
		}
		if err := view.StorePageTransaction(txID, u); err != nil {
			return abort(err)
		}
	}

	if err := view.Commit(txID); err != nil {
		return abort(err)
	}
	done := sequentialfile.NewSyncCompletion()
	view.AfterCompleteOperations(done)
	if err := done.Wait(); err != nil {
		return false, errors.Wrapf(err, "commit depage of page %d of %s", pageID, address)
	}

	for _, u := range order {
		remaining := u.info.Decrement(u.depaged)
		if u.recordID > 0 {
			u.info.SetRecordID(u.recordID)
		}
		if remaining == 0 {
			m.RemoveTransaction(u.info.TransactionID())
		}
	}
	store.SetLastPageRecord(rec)
	for _, d := range deliveries {
		m.AddSize(d.msg)
		for _, ref := range d.refs {
			ref.Queue.AddLast(ref)
		}
	}

	max := store.maxSize()
	return max <= 0 || store.AddressSize() < max, nil
}

// abortDepage rolls back a depage transaction that may hold no record yet.
func (m *Manager) abortDepage(view persistence.StorageManager, txID int64) {
	err := view.Rollback(txID)
	var incomplete journal.TransactionIncompleteError
	if err != nil && !errors.As(err, &incomplete) {
		log.Warn("failed to roll back depage transaction %d: %v", txID, err)
	}
}
