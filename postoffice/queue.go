package postoffice

import (
	"container/list"
	"sync"

	"github.com/alpacahq/queuestore/models"
)

// Queue holds message references in delivery order.
type Queue struct {
	po      *PostOffice
	name    string
	address string

	mu   sync.Mutex
	refs *list.List
	// delivering counts references polled and not acknowledged yet.
	delivering int
}

func newQueue(po *PostOffice, name, address string) *Queue {
	return &Queue{po: po, name: name, address: address, refs: list.New()}
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Address() string {
	return q.address
}

// AddLast appends ref and counts it as a reference to its message.
func (q *Queue) AddLast(ref *models.MessageReference) {
	ref.Message.IncrementRefCount()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refs.PushBack(ref)
}

// Poll removes the head of the queue, nil when the queue is empty. The
// reference stays accounted until it is acknowledged.
func (q *Queue) Poll() *models.MessageReference {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.refs.Front()
	if e == nil {
		return nil
	}
	q.refs.Remove(e)
	q.delivering++
	return e.Value.(*models.MessageReference)
}

// cancel puts a polled reference back at the head of the queue.
func (q *Queue) cancel(ref *models.MessageReference) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delivering--
	q.refs.PushFront(ref)
}

func (q *Queue) acknowledged() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delivering--
}

// Acknowledge completes the delivery of a polled reference.
func (q *Queue) Acknowledge(ref *models.MessageReference) error {
	q.acknowledged()
	return q.po.release(ref.Message, false)
}

// MessageCount counts the references waiting in the queue.
func (q *Queue) MessageCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.refs.Len()
}

// DeliveringCount counts the references polled and not acknowledged.
func (q *Queue) DeliveringCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delivering
}
