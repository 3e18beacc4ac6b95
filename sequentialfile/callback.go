package sequentialfile

import (
	"sync"
	"time"
)

// IOCallback receives the completion of an asynchronous operation.
// Exactly one of Done or OnError is invoked per operation.
type IOCallback interface {
	Done()
	OnError(code int, message string)
}

// CallbackFuncs adapts a pair of functions to IOCallback. Nil members are ignored.
type CallbackFuncs struct {
	OnDone func()
	OnFail func(code int, message string)
}

func (c CallbackFuncs) Done() {
	if c.OnDone != nil {
		c.OnDone()
	}
}

func (c CallbackFuncs) OnError(code int, message string) {
	if c.OnFail != nil {
		c.OnFail(code, message)
	}
}

// SyncCompletion is an IOCallback that can be waited on.
type SyncCompletion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewSyncCompletion() *SyncCompletion {
	return &SyncCompletion{done: make(chan struct{})}
}

func (s *SyncCompletion) Done() {
	s.once.Do(func() { close(s.done) })
}

func (s *SyncCompletion) OnError(code int, message string) {
	s.once.Do(func() {
		s.err = IOError{Code: code, Msg: message}
		close(s.done)
	})
}

// Wait blocks until the operation completes and returns its error, if any.
func (s *SyncCompletion) Wait() error {
	<-s.done
	return s.err
}

// WaitTimeout is like Wait but gives up after d. The boolean is false on timeout.
func (s *SyncCompletion) WaitTimeout(d time.Duration) (bool, error) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.done:
		return true, s.err
	case <-t.C:
		return false, nil
	}
}

// Chain returns a callback that runs first and then forwards the outcome to next.
func Chain(first func(err error), next IOCallback) IOCallback {
	return CallbackFuncs{
		OnDone: func() {
			first(nil)
			if next != nil {
				next.Done()
			}
		},
		OnFail: func(code int, message string) {
			first(IOError{Code: code, Msg: message})
			if next != nil {
				next.OnError(code, message)
			}
		},
	}
}

// complete reports err, or success when err is nil, to cb.
func complete(cb IOCallback, err error) {
	if cb == nil {
		return
	}
	if err == nil {
		cb.Done()
		return
	}
	if ioErr, ok := err.(IOError); ok {
		cb.OnError(ioErr.Code, ioErr.Msg)
		return
	}
	cb.OnError(CodeIOError, err.Error())
}
