package sequentialfile

import "sync"

// Tracker follows a stream of lined-up operations and runs continuations once
// every operation lined up before the continuation was registered has completed.
// Completions may arrive in any order; a continuation waits for the contiguous
// prefix. Once an operation fails, every continuation covering it fails too.
type Tracker struct {
	mu        sync.Mutex
	next      uint64
	watermark uint64
	completed map[uint64]struct{}

	failed     bool
	failedSeq  uint64
	failCode   int
	failReason string

	waiters []trackerWaiter
}

type trackerWaiter struct {
	target uint64
	cb     IOCallback
}

type trackedOp struct {
	t   *Tracker
	seq uint64
}

func (o trackedOp) Done() {
	o.t.complete(o.seq, nil)
}

func (o trackedOp) OnError(code int, message string) {
	o.t.complete(o.seq, &IOError{Code: code, Msg: message})
}

func NewTracker() *Tracker {
	return &Tracker{completed: map[uint64]struct{}{}}
}

// LineUp registers one more outstanding operation and returns the callback
// that must receive its outcome.
func (t *Tracker) LineUp() IOCallback {
	t.mu.Lock()
	defer t.mu.Unlock()
	seq := t.next
	t.next++
	return trackedOp{t: t, seq: seq}
}

// Pending is the number of lined-up operations not yet completed.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.next-t.watermark) - len(t.completed)
}

// ExecuteOnCompletion invokes cb once all operations lined up so far complete.
// When nothing is outstanding cb runs before ExecuteOnCompletion returns.
func (t *Tracker) ExecuteOnCompletion(cb IOCallback) {
	t.mu.Lock()
	target := t.next
	if t.watermark < target {
		t.waiters = append(t.waiters, trackerWaiter{target: target, cb: cb})
		t.mu.Unlock()
		return
	}
	failed, code, reason := t.failedBefore(target)
	t.mu.Unlock()
	fire(cb, failed, code, reason)
}

func (t *Tracker) complete(seq uint64, ioErr *IOError) {
	t.mu.Lock()
	if ioErr != nil && (!t.failed || seq < t.failedSeq) {
		t.failed = true
		t.failedSeq = seq
		t.failCode = ioErr.Code
		t.failReason = ioErr.Msg
	}
	if seq == t.watermark {
		t.watermark++
		for {
			if _, ok := t.completed[t.watermark]; !ok {
				break
			}
			delete(t.completed, t.watermark)
			t.watermark++
		}
	} else if seq > t.watermark {
		t.completed[seq] = struct{}{}
	}

	var ready []trackerWaiter
	kept := t.waiters[:0]
	for _, w := range t.waiters {
		if w.target <= t.watermark {
			ready = append(ready, w)
		} else {
			kept = append(kept, w)
		}
	}
	t.waiters = kept

	type outcome struct {
		cb     IOCallback
		failed bool
		code   int
		reason string
	}
	outcomes := make([]outcome, 0, len(ready))
	for _, w := range ready {
		failed, code, reason := t.failedBefore(w.target)
		outcomes = append(outcomes, outcome{cb: w.cb, failed: failed, code: code, reason: reason})
	}
	t.mu.Unlock()

	for _, o := range outcomes {
		fire(o.cb, o.failed, o.code, o.reason)
	}
}

func (t *Tracker) failedBefore(target uint64) (bool, int, string) {
	if t.failed && t.failedSeq < target {
		return true, t.failCode, t.failReason
	}
	return false, 0, ""
}

func fire(cb IOCallback, failed bool, code int, reason string) {
	if cb == nil {
		return
	}
	if failed {
		cb.OnError(code, reason)
		return
	}
	cb.Done()
}
