package models

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack"
)

// MessageOverhead is the memory accounted for a message besides its variable sized fields.
const MessageOverhead = 64

// Message is the unit routed to queues and accounted by the paging stores.
type Message struct {
	MessageID  int64             `msgpack:"id"`
	UserID     string            `msgpack:"uid"`
	Address    string            `msgpack:"addr"`
	Durable    bool              `msgpack:"durable"`
	Priority   uint8             `msgpack:"prio"`
	Timestamp  int64             `msgpack:"ts"`
	Properties map[string]string `msgpack:"props,omitempty"`
	Body       []byte            `msgpack:"body"`

	refCount int32
}

// NewMessage returns a message for address stamped with a random user id and the current time.
func NewMessage(address string, body []byte, durable bool) *Message {
	return &Message{
		UserID:    uuid.New().String(),
		Address:   address,
		Durable:   durable,
		Timestamp: time.Now().UnixNano(),
		Body:      body,
	}
}

// MemoryEstimate is the number of bytes the message is accounted for while resident.
func (m *Message) MemoryEstimate() int64 {
	size := int64(MessageOverhead + len(m.Body) + len(m.Address))
	for k, v := range m.Properties {
		size += int64(len(k) + len(v))
	}
	return size
}

// IncrementRefCount registers one more queue reference and returns the new count.
func (m *Message) IncrementRefCount() int32 {
	return atomic.AddInt32(&m.refCount, 1)
}

func (m *Message) DecrementRefCount() int32 {
	return atomic.AddInt32(&m.refCount, -1)
}

func (m *Message) RefCount() int32 {
	return atomic.LoadInt32(&m.refCount)
}

func (m *Message) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message %d: %w", m.MessageID, err)
	}
	return data, nil
}

func DecodeMessage(data []byte) (*Message, error) {
	m := &Message{}
	if err := msgpack.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

func (m *Message) String() string {
	return fmt.Sprintf("Message[id=%d address=%s durable=%v size=%d]",
		m.MessageID, m.Address, m.Durable, m.MemoryEstimate())
}

// Queue is the destination of routed message references.
type Queue interface {
	Name() string
	AddLast(ref *MessageReference)
}

// MessageReference is a message routed to one queue.
type MessageReference struct {
	Message *Message
	Queue   Queue
}
