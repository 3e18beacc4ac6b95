// Package paging moves the messages of full addresses to page files and
// brings them back once memory frees up.
//
// Every address gets a Store the first time messages are accounted to it. A
// store pages when its address goes over its max size, or when the Manager
// enters global page mode because all addresses together went over the
// global max size. Pages are depaged one at a time on a single background
// worker, each page in one journal transaction.
package paging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/channels"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/alpacahq/queuestore/metrics"
	"github.com/alpacahq/queuestore/models"
	"github.com/alpacahq/queuestore/persistence"
	"github.com/alpacahq/queuestore/settings"
	"github.com/alpacahq/queuestore/utils/log"
	"github.com/alpacahq/queuestore/utils/pool"
)

const (
	DefaultPageTransactionTimeout = 5 * time.Second
	DefaultDepageRetryInterval    = time.Second
)

// PostOffice routes depaged messages.
type PostOffice interface {
	Route(msg *models.Message) ([]*models.MessageReference, error)
}

type Config struct {
	// Directory holds one sub directory per paging address.
	Directory string
	// GlobalMaxSize is the memory all addresses together may hold before
	// every address pages, zero or less for no limit.
	GlobalMaxSize   int64
	DefaultPageSize int64
	// PageTransactionTimeout bounds the wait of the depager on an unresolved
	// transaction of a paged message.
	PageTransactionTimeout time.Duration
	DepageRetryInterval    time.Duration
}

// globalState is the accounting of all addresses together.
type globalState struct {
	size          atomic.Int64
	pageMode      atomic.Bool
	depageRunning atomic.Bool
}

type Manager struct {
	cfg      Config
	settings *settings.Repository
	storage  persistence.StorageManager

	poMu       sync.RWMutex
	postOffice PostOffice

	mu     sync.RWMutex
	stores map[string]*Store

	txMu         sync.Mutex
	transactions map[int64]*PageTransactionInfo

	global globalState

	// execMu orders posts against the close of the task queue.
	execMu     sync.RWMutex
	started    atomic.Bool
	tasks      *channels.InfiniteChannel
	workerDone chan struct{}
}

func NewManager(cfg Config, repo *settings.Repository, storage persistence.StorageManager) *Manager {
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = settings.DefaultPageSizeBytes
	}
	if cfg.PageTransactionTimeout <= 0 {
		cfg.PageTransactionTimeout = DefaultPageTransactionTimeout
	}
	if cfg.DepageRetryInterval <= 0 {
		cfg.DepageRetryInterval = DefaultDepageRetryInterval
	}
	if repo == nil {
		repo = settings.NewRepository(settings.Defaults())
	}
	return &Manager{
		cfg:          cfg,
		settings:     repo,
		storage:      storage,
		stores:       map[string]*Store{},
		transactions: map[int64]*PageTransactionInfo{},
	}
}

func (m *Manager) SetPostOffice(po PostOffice) {
	m.poMu.Lock()
	defer m.poMu.Unlock()
	m.postOffice = po
}

func (m *Manager) getPostOffice() PostOffice {
	m.poMu.RLock()
	defer m.poMu.RUnlock()
	return m.postOffice
}

// Start reloads the stores found in the paging directory and starts the depage worker.
func (m *Manager) Start() error {
	if m.started.Load() {
		return nil
	}
	if err := os.MkdirAll(m.cfg.Directory, 0o700); err != nil {
		return errors.Wrap(err, "create paging directory")
	}
	entries, err := os.ReadDir(m.cfg.Directory)
	if err != nil {
		return errors.Wrap(err, "list paging directory")
	}

	m.mu.Lock()
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.cfg.Directory, entry.Name())
		data, err := os.ReadFile(filepath.Join(dir, AddressFile))
		if err != nil {
			log.Warn("ignoring paging directory %s without address: %v", dir, err)
			continue
		}
		address := strings.TrimSpace(string(data))
		if _, ok := m.stores[address]; ok {
			log.Warn("ignoring paging directory %s, address %s is already paged elsewhere", dir, address)
			continue
		}
		m.stores[address] = newStore(m, address, dir, m.settings.Match(address))
	}
	m.mu.Unlock()

	m.execMu.Lock()
	m.tasks = channels.NewInfiniteChannel()
	m.workerDone = make(chan struct{})
	worker := pool.NewPool(1, func(input interface{}) {
		input.(func())()
	})
	go func(out <-chan interface{}, done chan struct{}) {
		worker.Work(out)
		close(done)
	}(m.tasks.Out(), m.workerDone)
	m.started.Store(true)
	m.execMu.Unlock()

	for _, s := range m.snapshot() {
		if err := s.Start(); err != nil {
			// leave the manager as it was before Start
			if stopErr := m.Stop(); stopErr != nil {
				log.Warn("failed to close the paging stores: %v", stopErr)
			}
			m.mu.Lock()
			m.stores = map[string]*Store{}
			m.mu.Unlock()
			return errors.Wrapf(err, "start paging store of %s", s.Address())
		}
	}
	log.Info("paging manager started with %d stores", len(m.snapshot()))
	return nil
}

// Stop waits for the running depage task and closes every store.
func (m *Manager) Stop() error {
	m.execMu.Lock()
	if !m.started.Swap(false) {
		m.execMu.Unlock()
		return nil
	}
	m.tasks.Close()
	m.execMu.Unlock()
	<-m.workerDone

	var firstErr error
	for _, s := range m.snapshot() {
		if err := s.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) IsStarted() bool {
	return m.started.Load()
}

// CreatePageStore returns the store of address, creating it if needed.
func (m *Manager) CreatePageStore(address string) (*Store, error) {
	m.mu.RLock()
	s, ok := m.stores[address]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.stores[address]; ok {
		return s, nil
	}
	s = newStore(m, address, "", m.settings.Match(address))
	if m.started.Load() {
		if err := s.Start(); err != nil {
			return nil, err
		}
	}
	m.stores[address] = s
	return s, nil
}

func (m *Manager) GetPageStore(address string) (*Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[address]
	if !ok {
		return nil, errors.Wrap(ErrStoreNotFound, address)
	}
	return s, nil
}

// DestroyPageStore drops the store of address together with its pages.
func (m *Manager) DestroyPageStore(address string) error {
	m.mu.Lock()
	s, ok := m.stores[address]
	delete(m.stores, address)
	m.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrStoreNotFound, address)
	}
	m.addGlobalSize(-s.AddressSize())
	metrics.AddressSizeBytes.DeleteLabelValues(address)
	return s.destroy()
}

// Addresses lists the addresses with a store, in no particular order.
func (m *Manager) Addresses() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.stores))
	for address := range m.stores {
		out = append(out, address)
	}
	return out
}

func (m *Manager) snapshot() []*Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Store, 0, len(m.stores))
	for _, s := range m.stores {
		out = append(out, s)
	}
	return out
}

// Page writes msg to the pages of its address if the address is paging.
func (m *Manager) Page(msg *models.Message, txID int64) (PageResult, error) {
	s, err := m.CreatePageStore(msg.Address)
	if err != nil {
		return NotPaged, err
	}
	return s.Page(msg, txID)
}

// AddSize accounts a message routed to its queues.
func (m *Manager) AddSize(msg *models.Message) {
	s, err := m.CreatePageStore(msg.Address)
	if err != nil {
		log.Error("failed to create paging store of %s: %v", msg.Address, err)
		return
	}
	size := msg.MemoryEstimate()
	m.addGlobalSize(size)
	s.AddAddressSize(size)
}

// MessageDone uncounts a message once no queue references it.
func (m *Manager) MessageDone(msg *models.Message) {
	s, err := m.GetPageStore(msg.Address)
	if err != nil {
		log.Error("message %d done on an address without store: %v", msg.MessageID, err)
		return
	}
	size := msg.MemoryEstimate()
	m.addGlobalSize(-size)
	s.AddAddressSize(-size)
}

func (m *Manager) GlobalSize() int64 {
	return m.global.size.Load()
}

func (m *Manager) IsGlobalPageMode() bool {
	return m.global.pageMode.Load()
}

func (m *Manager) isGlobalFull() bool {
	max := m.cfg.GlobalMaxSize
	return max > 0 && m.global.size.Load() >= max
}

// addGlobalSize applies the global watermarks: over the global max every
// store pages, below the global max minus the default page size the stores
// are depaged in turn.
func (m *Manager) addGlobalSize(delta int64) {
	size := m.global.size.Add(delta)
	metrics.GlobalSizeBytes.Set(float64(size))

	max := m.cfg.GlobalMaxSize
	if max <= 0 {
		return
	}
	switch {
	case delta > 0 && size > max:
		if !m.global.pageMode.CompareAndSwap(false, true) {
			return
		}
		log.Info("global size %s is over %s, every address starts paging", formatLimit(size), formatLimit(max))
		for _, s := range m.snapshot() {
			if _, err := s.StartPaging(); err != nil {
				log.Error("address %s failed to start paging: %v", s.address, err)
			}
		}
	case delta < 0 && size < max-m.cfg.DefaultPageSize:
		if !m.global.pageMode.CompareAndSwap(true, false) {
			return
		}
		log.Info("global size %s is under %s, leaving global page mode", formatLimit(size), formatLimit(max))
		m.startGlobalDepage()
	}
}

func (m *Manager) AddTransaction(info *PageTransactionInfo) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.transactions[info.TransactionID()] = info
}

func (m *Manager) GetTransaction(txID int64) *PageTransactionInfo {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	return m.transactions[txID]
}

func (m *Manager) RemoveTransaction(txID int64) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	delete(m.transactions, txID)
}

// ReloadPageTransactions registers the committed page transactions found in the journal.
func (m *Manager) ReloadPageTransactions(records []*persistence.PageTransactionData) {
	for _, rec := range records {
		m.AddTransaction(newCommittedPageTransaction(rec.TransactionID, rec.RecordID, rec.NumberOfMessages))
	}
}

// ReloadLastPages restores the last depaged page of every address found in the journal.
func (m *Manager) ReloadLastPages(records []*persistence.LastPageRecord) error {
	for _, rec := range records {
		s, err := m.CreatePageStore(rec.Address)
		if err != nil {
			return err
		}
		s.SetLastPageRecord(rec)
	}
	return nil
}

// ResumeDepaging schedules the depage of the stores that reloaded pages.
func (m *Manager) ResumeDepaging() {
	for _, s := range m.snapshot() {
		if s.IsPaging() {
			s.StartDepaging()
		}
	}
}

// Sync makes the pages of addresses durable.
func (m *Manager) Sync(addresses []string) error {
	var g errgroup.Group
	for _, address := range addresses {
		s, err := m.GetPageStore(address)
		if err != nil {
			continue
		}
		g.Go(s.Sync)
	}
	return g.Wait()
}
