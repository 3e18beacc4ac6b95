package paging

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/alpacahq/queuestore/models"
)

// NoTransaction is the transaction id of a message paged outside a transaction.
const NoTransaction int64 = -1

// entryHeaderSize is the tx id followed by the message length.
const entryHeaderSize = 8 + 4

// PagedMessage is a message as stored in a page.
type PagedMessage struct {
	Message       *models.Message
	TransactionID int64
}

func (pm *PagedMessage) InTransaction() bool {
	return pm.TransactionID >= 0
}

// encodeEntry lays out [tx id][message length][message].
func encodeEntry(msg *models.Message, txID int64) ([]byte, error) {
	body, err := msg.Encode()
	if err != nil {
		return nil, errors.Wrapf(err, "encode message %d", msg.MessageID)
	}
	if txID < 0 {
		txID = NoTransaction
	}
	buf := make([]byte, entryHeaderSize+len(body))
	binary.BigEndian.PutUint64(buf[0:8], uint64(txID))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))
	copy(buf[entryHeaderSize:], body)
	return buf, nil
}

// decodeEntry reads one entry from the head of buf and returns its length.
// A zero length with a nil error means buf holds no complete entry.
func decodeEntry(buf []byte) (*PagedMessage, int, error) {
	if len(buf) < entryHeaderSize {
		return nil, 0, nil
	}
	txID := int64(binary.BigEndian.Uint64(buf[0:8]))
	size := int(binary.BigEndian.Uint32(buf[8:12]))
	if len(buf)-entryHeaderSize < size {
		return nil, 0, nil
	}
	msg, err := models.DecodeMessage(buf[entryHeaderSize : entryHeaderSize+size])
	if err != nil {
		return nil, 0, err
	}
	return &PagedMessage{Message: msg, TransactionID: txID}, entryHeaderSize + size, nil
}
