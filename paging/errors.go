package paging

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrStoreNotFound is returned by GetPageStore for an address without a store.
	ErrStoreNotFound = errors.New("paging store not found")
	// ErrTransactionPending is returned when a paged transaction stays unresolved past the wait timeout.
	ErrTransactionPending = errors.New("page transaction still pending")
	ErrNoPostOffice       = errors.New("no post office set on the paging manager")
	ErrNotStarted         = errors.New("paging manager is not started")
)

// CorruptPageError reports an unreadable page file.
type CorruptPageError string

func (msg CorruptPageError) Error() string {
	return fmt.Sprintf("%s: corrupt page", string(msg))
}
