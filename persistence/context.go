package persistence

import (
	"time"

	"github.com/alpacahq/queuestore/sequentialfile"
)

// OperationContext groups storage operations so that a continuation can run
// once all of them are acknowledged. A context is used by one logical
// operation at a time, a depage batch or a transaction commit.
type OperationContext struct {
	tracker *sequentialfile.Tracker
}

func NewOperationContext() *OperationContext {
	return &OperationContext{tracker: sequentialfile.NewTracker()}
}

func (c *OperationContext) lineUp() sequentialfile.IOCallback {
	return c.tracker.LineUp()
}

// ExecuteOnCompletion runs cb once the operations lined up so far complete.
func (c *OperationContext) ExecuteOnCompletion(cb sequentialfile.IOCallback) {
	c.tracker.ExecuteOnCompletion(cb)
}

// Pending is the number of operations not yet acknowledged.
func (c *OperationContext) Pending() int {
	return c.tracker.Pending()
}

// WaitCompletion blocks until the operations lined up so far complete or
// timeout elapses. The boolean is false on timeout.
func (c *OperationContext) WaitCompletion(timeout time.Duration) (bool, error) {
	done := sequentialfile.NewSyncCompletion()
	c.tracker.ExecuteOnCompletion(done)
	return done.WaitTimeout(timeout)
}
