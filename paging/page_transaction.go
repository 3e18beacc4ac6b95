package paging

import (
	"sync"
	"time"
)

type pageTxState int

const (
	pageTxPending pageTxState = iota
	pageTxPrepared
	pageTxCommitted
	pageTxRolledBack
)

// PageTransactionInfo counts the messages a transaction wrote to pages. The
// depager waits on it before delivering one of those messages and deletes it
// once every message it counts has been depaged.
type PageTransactionInfo struct {
	mu       sync.Mutex
	txID     int64
	recordID int64
	messages int32
	state    pageTxState
	done     chan struct{}
}

func NewPageTransactionInfo(txID int64) *PageTransactionInfo {
	return &PageTransactionInfo{txID: txID, done: make(chan struct{})}
}

// newCommittedPageTransaction rebuilds an info from a committed journal record.
func newCommittedPageTransaction(txID, recordID int64, messages int32) *PageTransactionInfo {
	info := NewPageTransactionInfo(txID)
	info.recordID = recordID
	info.messages = messages
	info.state = pageTxCommitted
	close(info.done)
	return info
}

// NewPreparedPageTransaction rebuilds the info of a transaction prepared before a restart.
func NewPreparedPageTransaction(txID, recordID int64, messages int32) *PageTransactionInfo {
	info := NewPageTransactionInfo(txID)
	info.recordID = recordID
	info.messages = messages
	info.state = pageTxPrepared
	return info
}

func (p *PageTransactionInfo) TransactionID() int64 {
	return p.txID
}

func (p *PageTransactionInfo) RecordID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recordID
}

func (p *PageTransactionInfo) SetRecordID(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordID = id
}

func (p *PageTransactionInfo) NumberOfMessages() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages
}

// Increment counts one more message paged under the transaction.
func (p *PageTransactionInfo) Increment() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages++
	return p.messages
}

// Decrement uncounts n depaged messages and returns the remainder.
func (p *PageTransactionInfo) Decrement(n int32) int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages -= n
	if p.messages < 0 {
		p.messages = 0
	}
	return p.messages
}

func (p *PageTransactionInfo) MarkPrepared() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == pageTxPending {
		p.state = pageTxPrepared
	}
}

func (p *PageTransactionInfo) IsPrepared() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == pageTxPrepared
}

func (p *PageTransactionInfo) Commit() {
	p.resolve(pageTxCommitted)
}

func (p *PageTransactionInfo) Rollback() {
	p.resolve(pageTxRolledBack)
}

// resolve is a no-op once the transaction is resolved.
func (p *PageTransactionInfo) resolve(state pageTxState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == pageTxCommitted || p.state == pageTxRolledBack {
		return
	}
	p.state = state
	close(p.done)
}

func (p *PageTransactionInfo) IsCommitted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == pageTxCommitted
}

func (p *PageTransactionInfo) IsRolledBack() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == pageTxRolledBack
}

// WaitCompletion blocks until the transaction commits or rolls back and
// reports whether it committed. It returns ErrTransactionPending when the
// transaction is still unresolved after timeout.
func (p *PageTransactionInfo) WaitCompletion(timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.done:
		return p.IsCommitted(), nil
	case <-t.C:
		return false, ErrTransactionPending
	}
}
