package postoffice

import (
	"github.com/alpacahq/queuestore/paging"
	"github.com/alpacahq/queuestore/persistence"
	"github.com/alpacahq/queuestore/utils/log"
)

// Reload delivers the messages found by the storage manager and rebuilds
// the paging ledger and the prepared transactions. Queues must be created
// before and the paging manager started.
func (po *PostOffice) Reload(state *persistence.LoadedState) error {
	held := map[int64]*Transaction{}
	for _, p := range state.Prepared {
		tx := po.reloadPrepared(p)
		for _, id := range p.DeletedRecords {
			held[id] = tx
		}
	}

	var delivered, orphans int
	for _, msg := range state.Messages {
		refs, _ := po.Route(msg)
		if len(refs) == 0 {
			orphans++
			log.Warn("no queue bound to %s for reloaded message %d", msg.Address, msg.MessageID)
			continue
		}
		if tx, ok := held[msg.MessageID]; ok {
			// back to the queues only if the acknowledging transaction rolls back
			tx.held = append(tx.held, delivery{msg: msg, refs: refs})
			continue
		}
		po.deliver(msg, refs)
		delivered++
	}

	if err := po.paging.ReloadLastPages(state.LastPages); err != nil {
		return err
	}
	po.paging.ReloadPageTransactions(state.PageTransactions)
	log.Info("reloaded %d messages (%d without queue), %d prepared transactions",
		delivered, orphans, len(state.Prepared))
	return nil
}

func (po *PostOffice) reloadPrepared(p *persistence.PreparedTransaction) *Transaction {
	tx := po.newTransaction(p.ID)
	tx.xid = p.Xid
	tx.state = txPrepared
	tx.journaled = true

	for _, msg := range p.Messages {
		refs, _ := po.Route(msg)
		if len(refs) == 0 {
			log.Warn("no queue bound to %s for message %d of prepared transaction %d", msg.Address, msg.MessageID, p.ID)
			continue
		}
		tx.deliveries = append(tx.deliveries, delivery{msg: msg, refs: refs})
	}
	for _, rec := range p.PageTransactions {
		info := paging.NewPreparedPageTransaction(rec.TransactionID, rec.RecordID, rec.NumberOfMessages)
		tx.pageInfo = info
		po.paging.AddTransaction(info)
	}

	po.txMu.Lock()
	po.prepared[string(p.Xid)] = tx
	po.txMu.Unlock()
	return tx
}
