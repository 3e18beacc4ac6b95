package persistence

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/alpacahq/queuestore/journal"
	"github.com/alpacahq/queuestore/utils/log"
)

const DefaultIDBatchSize = 1000

// BatchingIDGenerator hands out unique ids. Ranges of ids are reserved by
// writing their upper bound to the journal, so a restart continues past
// every id that may have been handed out.
type BatchingIDGenerator struct {
	mu        sync.Mutex
	journal   *journal.Journal
	batchSize int64

	next  int64
	limit int64
	// counters holds the record ids of the reservations still in the journal.
	counters []int64
}

func newBatchingIDGenerator(j *journal.Journal, batchSize int64) *BatchingIDGenerator {
	if batchSize <= 0 {
		batchSize = DefaultIDBatchSize
	}
	return &BatchingIDGenerator{journal: j, batchSize: batchSize, next: 1, limit: 1}
}

// restore continues after the reservations and ids found by Load.
func (g *BatchingIDGenerator) restore(maxID int64, reservations map[int64]int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next = maxID + 1
	for recordID, limit := range reservations {
		if limit > g.next {
			g.next = limit
		}
		g.counters = append(g.counters, recordID)
	}
	g.limit = g.next
}

func (g *BatchingIDGenerator) GenerateID() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.next >= g.limit {
		if err := g.reserve(); err != nil {
			return 0, err
		}
	}
	id := g.next
	g.next++
	return id, nil
}

// reserve writes a new reservation under the first id of the batch and drops the older ones.
func (g *BatchingIDGenerator) reserve() error {
	recordID := g.next
	limit := g.next + 1 + g.batchSize
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(limit))
	if err := g.journal.AppendAddRecord(recordID, IDCounterRecord, data, true, nil); err != nil {
		return errors.Wrapf(err, "reserve ids up to %d", limit)
	}
	g.cleanup()
	g.counters = append(g.counters, recordID)
	g.next = recordID + 1
	g.limit = limit
	return nil
}

// cleanup deletes the reservations superseded by a newer one.
func (g *BatchingIDGenerator) cleanup() {
	for _, id := range g.counters {
		if err := g.journal.AppendDeleteRecord(id, false, nil); err != nil {
			log.Warn("failed to delete id reservation %d: %v", id, err)
		}
	}
	g.counters = g.counters[:0]
}

func decodeReservation(data []byte) (int64, bool) {
	if len(data) != 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(data)), true
}
