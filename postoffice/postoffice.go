// Package postoffice is a minimal in process broker: addresses bound to
// queues, durable sends and acknowledgements through the storage manager,
// and paging through the paging manager.
package postoffice

import (
	"fmt"
	"sync"

	"github.com/alpacahq/queuestore/models"
	"github.com/alpacahq/queuestore/paging"
	"github.com/alpacahq/queuestore/persistence"
	"github.com/alpacahq/queuestore/sequentialfile"
	"github.com/alpacahq/queuestore/utils/log"
)

// QueueExistsError is the creation of a queue under a name already in use.
type QueueExistsError string

func (name QueueExistsError) Error() string {
	return fmt.Sprintf("queue %s already exists", string(name))
}

// QueueNotFoundError is a lookup of a queue that does not exist.
type QueueNotFoundError string

func (name QueueNotFoundError) Error() string {
	return fmt.Sprintf("queue %s not found", string(name))
}

type PostOffice struct {
	storage persistence.StorageManager
	paging  *paging.Manager

	mu       sync.RWMutex
	queues   map[string]*Queue
	bindings map[string][]*Queue

	txMu     sync.Mutex
	prepared map[string]*Transaction
}

// New returns a post office routing the messages depaged by pm.
func New(storage persistence.StorageManager, pm *paging.Manager) *PostOffice {
	po := &PostOffice{
		storage:  storage,
		paging:   pm,
		queues:   map[string]*Queue{},
		bindings: map[string][]*Queue{},
		prepared: map[string]*Transaction{},
	}
	pm.SetPostOffice(po)
	return po
}

// CreateQueue binds a new queue to address.
func (po *PostOffice) CreateQueue(name, address string) (*Queue, error) {
	po.mu.Lock()
	defer po.mu.Unlock()
	if _, ok := po.queues[name]; ok {
		return nil, QueueExistsError(name)
	}
	q := newQueue(po, name, address)
	po.queues[name] = q
	po.bindings[address] = append(po.bindings[address], q)
	log.Info("queue %s bound to %s", name, address)
	return q, nil
}

func (po *PostOffice) GetQueue(name string) (*Queue, error) {
	po.mu.RLock()
	defer po.mu.RUnlock()
	q, ok := po.queues[name]
	if !ok {
		return nil, QueueNotFoundError(name)
	}
	return q, nil
}

// Route returns a reference to msg for every queue bound to its address.
// Nothing is appended to the queues.
func (po *PostOffice) Route(msg *models.Message) ([]*models.MessageReference, error) {
	po.mu.RLock()
	defer po.mu.RUnlock()
	queues := po.bindings[msg.Address]
	refs := make([]*models.MessageReference, 0, len(queues))
	for _, q := range queues {
		refs = append(refs, &models.MessageReference{Message: msg, Queue: q})
	}
	return refs, nil
}

func (po *PostOffice) assignID(msg *models.Message) error {
	if msg.MessageID != 0 {
		return nil
	}
	id, err := po.storage.GenerateUniqueID()
	if err != nil {
		return err
	}
	msg.MessageID = id
	return nil
}

// Send delivers msg to the queues of its address, unless its address pages
// or drops it. A durable message is on disk when Send returns.
func (po *PostOffice) Send(msg *models.Message) (paging.PageResult, error) {
	if err := po.assignID(msg); err != nil {
		return paging.NotPaged, err
	}
	res, err := po.paging.Page(msg, paging.NoTransaction)
	if err != nil {
		return res, err
	}
	switch res {
	case paging.Dropped:
		return res, nil
	case paging.Paged:
		if msg.Durable {
			return res, po.paging.Sync([]string{msg.Address})
		}
		return res, nil
	}

	refs, _ := po.Route(msg)
	if len(refs) == 0 {
		log.Debug("no queue bound to %s, discarding message %d", msg.Address, msg.MessageID)
		return res, nil
	}
	if msg.Durable {
		view := po.storage.WithContext(persistence.NewOperationContext())
		if err := view.StoreMessage(msg); err != nil {
			return res, err
		}
		if err := waitOperations(view); err != nil {
			return res, err
		}
	}
	po.deliver(msg, refs)
	return res, nil
}

// deliver accounts msg and appends its references.
func (po *PostOffice) deliver(msg *models.Message, refs []*models.MessageReference) {
	po.paging.AddSize(msg)
	for _, ref := range refs {
		ref.Queue.AddLast(ref)
	}
}

// release drops one reference of msg and forgets msg with the last one.
// deleted is set when the durable record is already deleted.
func (po *PostOffice) release(msg *models.Message, deleted bool) error {
	if msg.DecrementRefCount() > 0 {
		return nil
	}
	po.paging.MessageDone(msg)
	if msg.Durable && !deleted {
		return po.storage.DeleteMessage(msg.MessageID)
	}
	return nil
}

// PreparedTransaction returns the prepared transaction of xid, one reloaded
// from the journal included.
func (po *PostOffice) PreparedTransaction(xid []byte) (*Transaction, bool) {
	po.txMu.Lock()
	defer po.txMu.Unlock()
	tx, ok := po.prepared[string(xid)]
	return tx, ok
}

// PreparedXids lists the xids of the transactions waiting for a decision.
func (po *PostOffice) PreparedXids() [][]byte {
	po.txMu.Lock()
	defer po.txMu.Unlock()
	out := make([][]byte, 0, len(po.prepared))
	for _, tx := range po.prepared {
		out = append(out, tx.xid)
	}
	return out
}

func waitOperations(sm persistence.StorageManager) error {
	done := sequentialfile.NewSyncCompletion()
	sm.AfterCompleteOperations(done)
	return done.Wait()
}
