package postoffice

import (
	"errors"
	"fmt"

	"github.com/alpacahq/queuestore/models"
	"github.com/alpacahq/queuestore/paging"
	"github.com/alpacahq/queuestore/persistence"
)

type txState int

const (
	txActive txState = iota
	txPrepared
	txCommitted
	txRolledBack
)

func (s txState) String() string {
	switch s {
	case txActive:
		return "active"
	case txPrepared:
		return "prepared"
	case txCommitted:
		return "committed"
	default:
		return "rolled back"
	}
}

// TransactionStateError is an operation the transaction no longer accepts.
type TransactionStateError struct {
	ID    int64
	State string
	Op    string
}

func (e TransactionStateError) Error() string {
	return fmt.Sprintf("transaction %d is %s, cannot %s", e.ID, e.State, e.Op)
}

var ErrDuplicateXid = errors.New("xid is already prepared")

type delivery struct {
	msg  *models.Message
	refs []*models.MessageReference
}

type acknowledgement struct {
	ref     *models.MessageReference
	deleted bool
}

// Transaction groups sends and acknowledgements that become visible on
// commit. Sends to a paging address go to its pages and are delivered by
// the depager once the transaction commits. A Transaction is used by one
// goroutine at a time.
type Transaction struct {
	po   *PostOffice
	id   int64
	xid  []byte
	view persistence.StorageManager

	state txState
	// journaled is set once the journal holds a record of the transaction.
	journaled bool
	pageInfo  *paging.PageTransactionInfo
	paged     map[string]struct{}

	deliveries []delivery
	acks       []acknowledgement
	// held are the messages a reloaded prepared transaction acknowledged.
	held []delivery
}

func (po *PostOffice) NewTransaction() (*Transaction, error) {
	id, err := po.storage.GenerateUniqueID()
	if err != nil {
		return nil, err
	}
	return po.newTransaction(id), nil
}

func (po *PostOffice) newTransaction(id int64) *Transaction {
	return &Transaction{
		po:    po,
		id:    id,
		view:  po.storage.WithContext(persistence.NewOperationContext()),
		paged: map[string]struct{}{},
	}
}

func (tx *Transaction) ID() int64 {
	return tx.id
}

func (tx *Transaction) Xid() []byte {
	return tx.xid
}

func (tx *Transaction) IsPrepared() bool {
	return tx.state == txPrepared
}

func (tx *Transaction) check(op string, states ...txState) error {
	for _, s := range states {
		if tx.state == s {
			return nil
		}
	}
	return TransactionStateError{ID: tx.id, State: tx.state.String(), Op: op}
}

// pageTransaction registers the paging ledger entry before the first page
// write, so that the depager never meets a message of an unknown transaction.
func (tx *Transaction) pageTransaction() *paging.PageTransactionInfo {
	if tx.pageInfo == nil {
		tx.pageInfo = paging.NewPageTransactionInfo(tx.id)
		tx.po.paging.AddTransaction(tx.pageInfo)
	}
	return tx.pageInfo
}

func (tx *Transaction) Send(msg *models.Message) (paging.PageResult, error) {
	if err := tx.check("send", txActive); err != nil {
		return paging.NotPaged, err
	}
	if err := tx.po.assignID(msg); err != nil {
		return paging.NotPaged, err
	}
	info := tx.pageTransaction()
	res, err := tx.po.paging.Page(msg, tx.id)
	if err != nil {
		return res, err
	}
	switch res {
	case paging.Dropped:
		return res, nil
	case paging.Paged:
		info.Increment()
		tx.paged[msg.Address] = struct{}{}
		return res, nil
	}

	refs, _ := tx.po.Route(msg)
	if len(refs) == 0 {
		return res, nil
	}
	if msg.Durable {
		if err := tx.view.StoreMessageTransactional(tx.id, msg); err != nil {
			return res, err
		}
		tx.journaled = true
	}
	tx.deliveries = append(tx.deliveries, delivery{msg: msg, refs: refs})
	return res, nil
}

// Acknowledge completes the delivery of a polled reference on commit. On
// rollback the reference goes back to the head of its queue.
func (tx *Transaction) Acknowledge(ref *models.MessageReference) error {
	if err := tx.check("acknowledge", txActive); err != nil {
		return err
	}
	ack := acknowledgement{ref: ref}
	if ref.Message.Durable && ref.Message.RefCount() == 1 && !tx.acked(ref.Message) {
		if err := tx.view.DeleteMessageTransactional(tx.id, ref.Message.MessageID); err != nil {
			return err
		}
		tx.journaled = true
		ack.deleted = true
	}
	tx.acks = append(tx.acks, ack)
	return nil
}

func (tx *Transaction) acked(msg *models.Message) bool {
	for _, ack := range tx.acks {
		if ack.ref.Message == msg {
			return true
		}
	}
	return false
}

// persistPaging makes the paged messages durable and records how many
// messages the transaction paged.
func (tx *Transaction) persistPaging() error {
	if len(tx.paged) > 0 {
		addresses := make([]string, 0, len(tx.paged))
		for address := range tx.paged {
			addresses = append(addresses, address)
		}
		if err := tx.po.paging.Sync(addresses); err != nil {
			return err
		}
	}
	if tx.pageInfo != nil && tx.pageInfo.NumberOfMessages() > 0 {
		if err := tx.view.StorePageTransaction(tx.id, tx.pageInfo); err != nil {
			return err
		}
		tx.journaled = true
	}
	return nil
}

func (tx *Transaction) Prepare(xid []byte) error {
	if err := tx.check("prepare", txActive); err != nil {
		return err
	}
	tx.po.txMu.Lock()
	_, dup := tx.po.prepared[string(xid)]
	tx.po.txMu.Unlock()
	if dup {
		return ErrDuplicateXid
	}
	if err := tx.persistPaging(); err != nil {
		return err
	}
	if err := tx.view.Prepare(tx.id, xid); err != nil {
		return err
	}
	if err := waitOperations(tx.view); err != nil {
		return err
	}
	tx.journaled = true
	tx.xid = xid
	tx.state = txPrepared
	if tx.pageInfo != nil {
		tx.pageInfo.MarkPrepared()
	}
	tx.po.txMu.Lock()
	tx.po.prepared[string(xid)] = tx
	tx.po.txMu.Unlock()
	return nil
}

func (tx *Transaction) Commit() error {
	if err := tx.check("commit", txActive, txPrepared); err != nil {
		return err
	}
	if tx.state == txActive {
		if err := tx.persistPaging(); err != nil {
			return err
		}
	}
	if tx.journaled {
		if err := tx.view.Commit(tx.id); err != nil {
			return err
		}
		if err := waitOperations(tx.view); err != nil {
			return err
		}
	}
	tx.forget()
	tx.state = txCommitted

	if info := tx.pageInfo; info != nil {
		if info.NumberOfMessages() == 0 {
			tx.po.paging.RemoveTransaction(tx.id)
		}
		info.Commit()
	}
	for _, d := range tx.deliveries {
		tx.po.deliver(d.msg, d.refs)
	}
	var firstErr error
	for _, ack := range tx.acks {
		if q, ok := ack.ref.Queue.(*Queue); ok {
			q.acknowledged()
		}
		if err := tx.po.release(ack.ref.Message, ack.deleted); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (tx *Transaction) Rollback() error {
	if err := tx.check("rollback", txActive, txPrepared); err != nil {
		return err
	}
	if tx.journaled {
		if err := tx.view.Rollback(tx.id); err != nil {
			return err
		}
		if err := waitOperations(tx.view); err != nil {
			return err
		}
	}
	tx.forget()
	tx.state = txRolledBack

	if info := tx.pageInfo; info != nil {
		if info.NumberOfMessages() == 0 {
			tx.po.paging.RemoveTransaction(tx.id)
		}
		info.Rollback()
	}
	for i := len(tx.acks) - 1; i >= 0; i-- {
		ref := tx.acks[i].ref
		if q, ok := ref.Queue.(*Queue); ok {
			q.cancel(ref)
		}
	}
	for _, d := range tx.held {
		tx.po.deliver(d.msg, d.refs)
	}
	return nil
}

func (tx *Transaction) forget() {
	if tx.xid == nil {
		return
	}
	tx.po.txMu.Lock()
	defer tx.po.txMu.Unlock()
	delete(tx.po.prepared, string(tx.xid))
}
