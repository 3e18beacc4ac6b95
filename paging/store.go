package paging

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"code.cloudfoundry.org/bytefmt"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alpacahq/queuestore/metrics"
	"github.com/alpacahq/queuestore/models"
	"github.com/alpacahq/queuestore/persistence"
	"github.com/alpacahq/queuestore/sequentialfile"
	"github.com/alpacahq/queuestore/settings"
	"github.com/alpacahq/queuestore/utils/log"
)

// AddressFile names the file holding the address of a store directory.
const AddressFile = "address.txt"

type PageResult int

const (
	// NotPaged means the caller routes the message itself.
	NotPaged PageResult = iota
	// Paged means the message was written to a page.
	Paged
	// Dropped means the address is full and drops messages.
	Dropped
)

// Accepted is false only for a dropped message.
func (r PageResult) Accepted() bool {
	return r != Dropped
}

func (r PageResult) String() string {
	switch r {
	case NotPaged:
		return "NOT_PAGED"
	case Paged:
		return "PAGED"
	case Dropped:
		return "DROPPED"
	default:
		return "UNKNOWN"
	}
}

// Store pages the messages of one address.
type Store struct {
	manager  *Manager
	address  string
	settings settings.AddressSettings

	size       atomic.Int64
	depaging   atomic.Bool
	started    atomic.Bool
	dropLogged atomic.Bool

	mu            sync.Mutex
	dir           string
	factory       sequentialfile.Factory
	paging        bool
	firstPageID   int64
	currentPageID int64
	numberOfPages int
	currentPage   *Page
	// retryPage is a page whose depage failed; it is depaged again first.
	retryPage *Page
	lastPage  *persistence.LastPageRecord

	// depageMu keeps a single reader per store.
	depageMu sync.Mutex
}

func newStore(m *Manager, address, dir string, s settings.AddressSettings) *Store {
	if s.PageSizeBytes <= 0 {
		s.PageSizeBytes = m.cfg.DefaultPageSize
	}
	return &Store{manager: m, address: address, dir: dir, settings: s}
}

func (s *Store) Address() string {
	return s.address
}

func (s *Store) Settings() settings.AddressSettings {
	return s.settings
}

func (s *Store) pageSize() int64 {
	return s.settings.PageSizeBytes
}

func (s *Store) maxSize() int64 {
	return s.settings.MaxSizeBytes
}

func (s *Store) AddressSize() int64 {
	return s.size.Load()
}

func (s *Store) IsPaging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paging
}

func (s *Store) IsDepaging() bool {
	return s.depaging.Load()
}

// NumberOfPages counts the pages not depaged yet, the current page included.
func (s *Store) NumberOfPages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.numberOfPages
}

func (s *Store) LastPageRecord() *persistence.LastPageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPage
}

func (s *Store) SetLastPageRecord(rec *persistence.LastPageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPage = rec
}

// isAddressFull reports whether next more bytes would take the address to its max.
func (s *Store) isAddressFull(next int64) bool {
	max := s.maxSize()
	return max > 0 && s.size.Load()+next >= max
}

// Start discovers the pages left by a previous run and resumes paging if there are any.
func (s *Store) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return nil
	}
	if s.dir != "" {
		if err := s.openFactory(); err != nil {
			return err
		}
		names, err := s.factory.ListFiles(pageExtension)
		if err != nil {
			return errors.Wrapf(err, "list pages of %s", s.address)
		}
		var ids []int64
		for _, name := range names {
			if id, ok := parsePageFileName(name); ok {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if len(ids) > 0 {
			s.firstPageID = ids[0]
			s.currentPageID = ids[len(ids)-1]
			s.numberOfPages = len(ids)
			page := newPage(s.factory, s.currentPageID)
			if err := page.openForAppend(int(s.pageSize())); err != nil {
				return errors.Wrapf(err, "open page %d of %s", s.currentPageID, s.address)
			}
			s.currentPage = page
			s.paging = true
			log.Info("address %s resumes paging with %d pages", s.address, len(ids))
		}
	}
	s.started.Store(true)
	return nil
}

func (s *Store) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started.Swap(false) {
		return nil
	}
	var err error
	if s.currentPage != nil {
		err = s.currentPage.close()
	}
	if s.retryPage != nil && s.retryPage != s.currentPage {
		s.retryPage.close()
	}
	return err
}

// openFactory creates the store directory on first use.
func (s *Store) openFactory() error {
	if s.factory != nil {
		return nil
	}
	if s.dir == "" {
		s.dir = filepath.Join(s.manager.cfg.Directory, uuid.New().String())
		if err := os.MkdirAll(s.dir, 0o700); err != nil {
			return errors.Wrapf(err, "create paging directory of %s", s.address)
		}
		if err := os.WriteFile(filepath.Join(s.dir, AddressFile), []byte(s.address), 0o600); err != nil {
			return errors.Wrapf(err, "write address file of %s", s.address)
		}
	}
	ff, err := sequentialfile.NewFactory(s.dir, sequentialfile.Options{Alignment: 1})
	if err != nil {
		return err
	}
	s.factory = ff
	return nil
}

// Directory is empty until the store first overflows.
func (s *Store) Directory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// StartPaging switches the store to paging. It reports whether this call made the switch.
func (s *Store) StartPaging() (bool, error) {
	if s.settings.IsDrop() {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paging || !s.started.Load() {
		return false, nil
	}
	if err := s.openFactory(); err != nil {
		return false, err
	}
	if s.currentPage == nil {
		if err := s.openNextPage(); err != nil {
			return false, err
		}
		s.firstPageID = s.currentPageID
	}
	s.paging = true
	log.Info("address %s starts paging at %s (max %s)", s.address,
		bytefmt.ByteSize(uint64(s.size.Load())), formatLimit(s.maxSize()))
	return true, nil
}

// openNextPage makes page currentPageID+1 the current page. s.mu is held.
func (s *Store) openNextPage() error {
	id := s.currentPageID + 1
	if s.lastPage != nil && id <= s.lastPage.PageID {
		id = s.lastPage.PageID + 1
	}
	page := newPage(s.factory, id)
	if err := page.openForAppend(int(s.pageSize())); err != nil {
		return errors.Wrapf(err, "open page %d of %s", page.id, s.address)
	}
	s.currentPage = page
	s.currentPageID = page.id
	s.numberOfPages++
	return nil
}

// Page writes msg to the current page when the store is paging. Full stores
// with the DROP policy drop it instead.
func (s *Store) Page(msg *models.Message, txID int64) (PageResult, error) {
	if s.settings.IsDrop() {
		if s.maxSize() > 0 && s.size.Load() >= s.maxSize() {
			if s.dropLogged.CompareAndSwap(false, true) {
				log.Warn("address %s is full (max %s), dropping messages", s.address, formatLimit(s.maxSize()))
			}
			metrics.DroppedMessagesTotal.WithLabelValues(s.address).Inc()
			return Dropped, nil
		}
		return NotPaged, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paging {
		return NotPaged, nil
	}
	entry, err := encodeEntry(msg, txID)
	if err != nil {
		return NotPaged, err
	}
	if s.currentPage.NumberOfMessages() > 0 && s.currentPage.Size()+int64(len(entry)) > s.pageSize() {
		if err := s.currentPage.seal(); err != nil {
			return NotPaged, errors.Wrapf(err, "seal page %d of %s", s.currentPageID, s.address)
		}
		if err := s.openNextPage(); err != nil {
			return NotPaged, err
		}
	}
	if err := s.currentPage.write(entry); err != nil {
		return NotPaged, errors.Wrapf(err, "write page %d of %s", s.currentPageID, s.address)
	}
	metrics.PagedMessagesTotal.WithLabelValues(s.address).Inc()
	return Paged, nil
}

// Sync makes the entries of the current page durable.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentPage == nil {
		return nil
	}
	return errors.Wrapf(s.currentPage.sync(), "sync page %d of %s", s.currentPageID, s.address)
}

// AddAddressSize accounts delta bytes to the address and applies the local
// watermarks, which are ignored in global page mode.
func (s *Store) AddAddressSize(delta int64) int64 {
	size := s.size.Add(delta)
	if size < 0 {
		log.Error("size of address %s went negative (%d), resetting it", s.address, size)
		s.size.CompareAndSwap(size, 0)
		size = 0
	}
	metrics.AddressSizeBytes.WithLabelValues(s.address).Set(float64(size))

	max := s.maxSize()
	if max > 0 && size < max {
		s.dropLogged.Store(false)
	}
	if s.manager.IsGlobalPageMode() {
		if delta > 0 {
			if _, err := s.StartPaging(); err != nil {
				log.Error("address %s failed to start paging: %v", s.address, err)
			}
		}
		return size
	}
	switch {
	case delta > 0 && max > 0 && size > max:
		if _, err := s.StartPaging(); err != nil {
			log.Error("address %s failed to start paging: %v", s.address, err)
		}
	case delta < 0 && (max <= 0 || size < max-s.pageSize()):
		s.StartDepaging()
	}
	return size
}

// StartDepaging schedules the depage task unless it is already scheduled.
// It reports whether this call scheduled it.
func (s *Store) StartDepaging() bool {
	if !s.IsPaging() {
		return false
	}
	if !s.depaging.CompareAndSwap(false, true) {
		return false
	}
	if !s.manager.post(s.depageTask) {
		s.depaging.Store(false)
		return false
	}
	return true
}

// depageTask depages one page and posts itself again while the address has headroom.
func (s *Store) depageTask() {
	if !s.started.Load() || s.manager.IsGlobalPageMode() || s.manager.isGlobalFull() || s.isAddressFull(s.pageSize()) {
		s.depaging.Store(false)
		return
	}
	_, headroom, err := s.depageOne()
	if err != nil {
		log.Error("failed to depage address %s: %v", s.address, err)
		s.depaging.Store(false)
		s.manager.retryLater(s)
		return
	}
	if !headroom || !s.IsPaging() || !s.manager.post(s.depageTask) {
		s.depaging.Store(false)
	}
}

// Depage returns the next page to depage, or nil once the store has left
// paging. A non-empty current page is sealed and a new page opened.
func (s *Store) Depage() (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paging {
		return nil, nil
	}
	if s.retryPage != nil {
		return s.retryPage, nil
	}
	if s.firstPageID < s.currentPageID {
		page := newPage(s.factory, s.firstPageID)
		s.firstPageID++
		s.numberOfPages--
		return page, nil
	}

	page := s.currentPage
	if page.NumberOfMessages() == 0 {
		if err := page.delete(); err != nil {
			log.Warn("failed to delete empty page %d of %s: %v", page.id, s.address, err)
		}
		s.currentPage = nil
		s.numberOfPages = 0
		s.paging = false
		log.Info("address %s stops paging", s.address)
		return nil, nil
	}
	if err := page.seal(); err != nil {
		return nil, errors.Wrapf(err, "seal page %d of %s", page.id, s.address)
	}
	if err := s.openNextPage(); err != nil {
		return nil, err
	}
	s.numberOfPages--
	s.firstPageID = s.currentPageID
	return page, nil
}

// depageOne hands the next page to the manager. It reports whether a page was
// depaged and whether the address has headroom for another one.
func (s *Store) depageOne() (bool, bool, error) {
	s.depageMu.Lock()
	defer s.depageMu.Unlock()

	page, err := s.Depage()
	if page == nil {
		return false, false, err
	}
	entries, err := page.read()
	if err != nil {
		s.keepForRetry(page)
		return false, false, errors.Wrapf(err, "read page %d of %s", page.id, s.address)
	}
	headroom, err := s.manager.OnDepage(page.id, s.address, s, entries)
	if err != nil {
		s.keepForRetry(page)
		return false, false, err
	}
	s.mu.Lock()
	if s.retryPage == page {
		s.retryPage = nil
	}
	s.mu.Unlock()
	if err := page.delete(); err != nil {
		log.Warn("failed to delete depaged page %d of %s: %v", page.id, s.address, err)
	}
	metrics.DepagedPagesTotal.WithLabelValues(s.address).Inc()
	log.Debug("depaged page %d of %s with %d messages", page.id, s.address, len(entries))
	return true, headroom, nil
}

func (s *Store) keepForRetry(page *Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryPage = page
}

// destroy stops the store and removes its directory.
func (s *Store) destroy() error {
	if err := s.Stop(); err != nil {
		log.Warn("failed to close pages of %s: %v", s.address, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.factory != nil {
		s.factory.Stop()
	}
	if s.dir == "" {
		return nil
	}
	return errors.Wrapf(os.RemoveAll(s.dir), "remove paging directory of %s", s.address)
}

func formatLimit(n int64) string {
	if n <= 0 {
		return "unlimited"
	}
	return bytefmt.ByteSize(uint64(n))
}
