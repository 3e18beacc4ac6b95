package paging_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/alpacahq/queuestore/journal"
	"github.com/alpacahq/queuestore/models"
	"github.com/alpacahq/queuestore/paging"
	"github.com/alpacahq/queuestore/persistence"
	"github.com/alpacahq/queuestore/sequentialfile"
	"github.com/alpacahq/queuestore/settings"
)

type testQueue struct {
	mu   sync.Mutex
	name string
	refs []*models.MessageReference
}

func (q *testQueue) Name() string { return q.name }

func (q *testQueue) AddLast(ref *models.MessageReference) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.refs = append(q.refs, ref)
}

func (q *testQueue) drain() []*models.MessageReference {
	q.mu.Lock()
	defer q.mu.Unlock()
	refs := q.refs
	q.refs = nil
	return refs
}

func (q *testQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.refs)
}

// testPostOffice binds one queue per address.
type testPostOffice struct {
	mu     sync.Mutex
	queues map[string]*testQueue
	fail   atomic.Bool
}

func (po *testPostOffice) queue(address string) *testQueue {
	po.mu.Lock()
	defer po.mu.Unlock()
	q, ok := po.queues[address]
	if !ok {
		q = &testQueue{name: address}
		po.queues[address] = q
	}
	return q
}

func (po *testPostOffice) Route(msg *models.Message) ([]*models.MessageReference, error) {
	if po.fail.Load() {
		return nil, errors.New("routing disabled")
	}
	return []*models.MessageReference{{Message: msg, Queue: po.queue(msg.Address)}}, nil
}

type harness struct {
	t       *testing.T
	storage *persistence.JournalStorageManager
	factory *sequentialfile.FileFactory
	manager *paging.Manager
	po      *testPostOffice
}

func newHarness(t *testing.T, dir string, cfg paging.Config, repo *settings.Repository) *harness {
	t.Helper()
	ff, err := sequentialfile.NewFactory(filepath.Join(dir, "journal"), sequentialfile.Options{Alignment: 1})
	require.NoError(t, err)
	j, err := journal.New(journal.Config{FileSize: 1 << 20}, ff)
	require.NoError(t, err)
	sm := persistence.NewJournalStorageManager(j, persistence.Config{SyncTransactional: true, IDBatchSize: 100})
	state, err := sm.Load()
	require.NoError(t, err)
	require.NoError(t, sm.Start())

	cfg.Directory = filepath.Join(dir, "paging")
	if cfg.DepageRetryInterval == 0 {
		cfg.DepageRetryInterval = 20 * time.Millisecond
	}
	m := paging.NewManager(cfg, repo, sm)
	po := &testPostOffice{queues: map[string]*testQueue{}}
	m.SetPostOffice(po)
	require.NoError(t, m.Start())
	require.NoError(t, m.ReloadLastPages(state.LastPages))
	m.ReloadPageTransactions(state.PageTransactions)
	return &harness{t: t, storage: sm, factory: ff, manager: m, po: po}
}

func (h *harness) close() {
	h.t.Helper()
	require.NoError(h.t, h.manager.Stop())
	require.NoError(h.t, h.storage.Stop())
	h.factory.Stop()
}

// message returns a message whose memory estimate is size bytes.
func (h *harness) message(address string, size int, seq int) *models.Message {
	h.t.Helper()
	id, err := h.storage.GenerateUniqueID()
	require.NoError(h.t, err)
	body := fmt.Sprintf("%04d", seq)
	body += strings.Repeat("x", size-models.MessageOverhead-len(address)-len(body))
	msg := models.NewMessage(address, []byte(body), false)
	msg.MessageID = id
	require.Equal(h.t, int64(size), msg.MemoryEstimate())
	return msg
}

// send routes msg the way a post office does, unless its store takes it.
func (h *harness) send(msg *models.Message, txID int64) paging.PageResult {
	h.t.Helper()
	res, err := h.manager.Page(msg, txID)
	require.NoError(h.t, err)
	if res == paging.NotPaged {
		refs, err := h.po.Route(msg)
		require.NoError(h.t, err)
		h.manager.AddSize(msg)
		for _, ref := range refs {
			ref.Queue.AddLast(ref)
		}
	}
	return res
}

// consume acknowledges every message of the address queue until want
// messages have been seen and returns their sequence numbers.
func (h *harness) consume(address string, want int) []string {
	h.t.Helper()
	var seen []string
	q := h.po.queue(address)
	assert.Eventually(h.t, func() bool {
		for _, ref := range q.drain() {
			seen = append(seen, string(ref.Message.Body[:4]))
			h.manager.MessageDone(ref.Message)
		}
		return len(seen) >= want
	}, 10*time.Second, 5*time.Millisecond)
	return seen
}

func sequence(from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, fmt.Sprintf("%04d", i))
	}
	return out
}

func addressRepo(t *testing.T, pattern string, s settings.AddressSettings) *settings.Repository {
	t.Helper()
	repo := settings.NewRepository(settings.Defaults())
	require.NoError(t, repo.AddMatch(pattern, s))
	return repo
}

func TestPagingBeginsOverMaxAndDepagesInOrder(t *testing.T) {
	repo := addressRepo(t, "Q", settings.AddressSettings{MaxSizeBytes: 1000, PageSizeBytes: 200})
	h := newHarness(t, t.TempDir(), paging.Config{}, repo)
	defer h.close()

	for i := 1; i <= 10; i++ {
		res := h.send(h.message("Q", 150, i), paging.NoTransaction)
		if i <= 7 {
			assert.Equal(t, paging.NotPaged, res, "message %d", i)
		} else {
			assert.Equal(t, paging.Paged, res, "message %d", i)
		}
	}
	store, err := h.manager.GetPageStore("Q")
	require.NoError(t, err)
	assert.True(t, store.IsPaging())
	assert.Equal(t, int64(1050), store.AddressSize())
	assert.GreaterOrEqual(t, store.NumberOfPages(), 1)
	assert.NotEmpty(t, store.Directory())
	assert.FileExists(t, filepath.Join(store.Directory(), paging.AddressFile))

	assert.Equal(t, sequence(1, 10), h.consume("Q", 10))
	assert.Eventually(t, func() bool { return !store.IsPaging() }, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, store.AddressSize())
	assert.Zero(t, h.manager.GlobalSize())
	assert.Equal(t, 0, store.NumberOfPages())
}

func TestLocalDepageStartsBelowMaxMinusPageSize(t *testing.T) {
	repo := addressRepo(t, "Q", settings.AddressSettings{MaxSizeBytes: 1000, PageSizeBytes: 200})
	h := newHarness(t, t.TempDir(), paging.Config{}, repo)
	defer h.close()

	for i := 1; i <= 7; i++ {
		h.send(h.message("Q", 200, i), paging.NoTransaction)
	}
	store, err := h.manager.GetPageStore("Q")
	require.NoError(t, err)
	require.True(t, store.IsPaging())
	refs := h.po.queue("Q").drain()
	require.Len(t, refs, 6)

	// 800 is not below 1000-200
	for _, ref := range refs[:2] {
		h.manager.MessageDone(ref.Message)
	}
	assert.Equal(t, int64(800), store.AddressSize())
	assert.Never(t, func() bool { return h.po.queue("Q").len() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.True(t, store.IsPaging())

	h.manager.MessageDone(refs[2].Message)
	assert.Eventually(t, func() bool { return h.po.queue("Q").len() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(800), store.AddressSize())

	for _, ref := range refs[3:] {
		h.manager.MessageDone(ref.Message)
	}
	assert.Equal(t, sequence(7, 7), h.consume("Q", 1))
	assert.Eventually(t, func() bool { return !store.IsPaging() }, 5*time.Second, 5*time.Millisecond)
}

func TestGlobalWatermarks(t *testing.T) {
	h := newHarness(t, t.TempDir(), paging.Config{GlobalMaxSize: 1000, DefaultPageSize: 200}, nil)
	defer h.close()

	results := map[string][]paging.PageResult{}
	for i := 1; i <= 12; i++ {
		address := []string{"a", "b"}[i%2]
		results[address] = append(results[address], h.send(h.message(address, 150, i), paging.NoTransaction))
	}
	assert.True(t, h.manager.IsGlobalPageMode())
	assert.Equal(t, int64(1050), h.manager.GlobalSize())
	for _, address := range []string{"a", "b"} {
		store, err := h.manager.GetPageStore(address)
		require.NoError(t, err)
		assert.True(t, store.IsPaging(), address)
		assert.Contains(t, results[address], paging.Paged)
	}

	var mu sync.Mutex
	delivered := map[string][]string{}
	var wg sync.WaitGroup
	for _, address := range []string{"a", "b"} {
		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			seen := h.consume(address, 6)
			mu.Lock()
			delivered[address] = seen
			mu.Unlock()
		}(address)
	}
	wg.Wait()

	assert.False(t, h.manager.IsGlobalPageMode())
	assert.Equal(t, []string{"0002", "0004", "0006", "0008", "0010", "0012"}, delivered["a"])
	assert.Equal(t, []string{"0001", "0003", "0005", "0007", "0009", "0011"}, delivered["b"])
	assert.Zero(t, h.manager.GlobalSize())
}

func TestDropPolicyLogsOnce(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	defer zap.ReplaceGlobals(zap.New(core))()

	repo := addressRepo(t, "drop.#", settings.AddressSettings{MaxSizeBytes: 300, FullPolicy: settings.PolicyDrop})
	h := newHarness(t, t.TempDir(), paging.Config{}, repo)
	defer h.close()

	var dropped int
	for i := 1; i <= 6; i++ {
		res := h.send(h.message("drop.q", 150, i), paging.NoTransaction)
		if !res.Accepted() {
			dropped++
		}
	}
	// the third message finds the address at capacity
	assert.Equal(t, 4, dropped)
	assert.Equal(t, 1, logs.FilterMessageSnippet("dropping messages").Len())

	store, err := h.manager.GetPageStore("drop.q")
	require.NoError(t, err)
	assert.False(t, store.IsPaging())
	assert.Empty(t, store.Directory())
	assert.Equal(t, int64(300), store.AddressSize())
}

func TestStaleDepageIsIgnored(t *testing.T) {
	h := newHarness(t, t.TempDir(), paging.Config{}, nil)
	defer h.close()

	store, err := h.manager.CreatePageStore("Q")
	require.NoError(t, err)
	store.SetLastPageRecord(&persistence.LastPageRecord{Address: "Q", PageID: 5})

	entries := []*paging.PagedMessage{{Message: h.message("Q", 100, 1), TransactionID: paging.NoTransaction}}
	for _, pageID := range []int64{3, 5} {
		ok, err := h.manager.OnDepage(pageID, "Q", store, entries)
		assert.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Zero(t, h.po.queue("Q").len())
	assert.Zero(t, store.AddressSize())

	ok, err := h.manager.OnDepage(6, "Q", store, entries)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, h.po.queue("Q").len())
	assert.Equal(t, int64(6), store.LastPageRecord().PageID)
}

func TestPagesSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	repo := addressRepo(t, "Q", settings.AddressSettings{MaxSizeBytes: 300, PageSizeBytes: 100})
	h := newHarness(t, dir, paging.Config{}, repo)
	for i := 1; i <= 6; i++ {
		h.send(h.message("Q", 150, i), paging.NoTransaction)
	}
	require.NoError(t, h.manager.Sync([]string{"Q", "unknown"}))
	h.close()

	// resident messages are not durable, the paged ones come back from the pages
	h = newHarness(t, dir, paging.Config{}, repo)
	store, err := h.manager.GetPageStore("Q")
	require.NoError(t, err)
	assert.True(t, store.IsPaging())
	h.manager.ResumeDepaging()
	assert.Equal(t, sequence(4, 6), h.consume("Q", 3))
	assert.Eventually(t, func() bool { return !store.IsPaging() }, 5*time.Second, 5*time.Millisecond)
	last := store.LastPageRecord()
	require.NotNil(t, last)
	h.close()

	h = newHarness(t, dir, paging.Config{}, repo)
	defer h.close()
	store, err = h.manager.GetPageStore("Q")
	require.NoError(t, err)
	assert.False(t, store.IsPaging())
	require.NotNil(t, store.LastPageRecord())
	assert.Equal(t, last.PageID, store.LastPageRecord().PageID)
}

// pagedTransaction pages two messages of one transaction between two plain ones.
func pagedTransaction(t *testing.T, h *harness) (*paging.PageTransactionInfo, int64) {
	t.Helper()
	// the first message takes the address over its max
	require.Equal(t, paging.NotPaged, h.send(h.message("Q", 150, 1), paging.NoTransaction))

	txID, err := h.storage.GenerateUniqueID()
	require.NoError(t, err)
	info := paging.NewPageTransactionInfo(txID)
	h.manager.AddTransaction(info)
	require.Equal(t, paging.Paged, h.send(h.message("Q", 150, 2), paging.NoTransaction))
	for i := 3; i <= 4; i++ {
		require.Equal(t, paging.Paged, h.send(h.message("Q", 150, i), txID))
		info.Increment()
	}
	require.Equal(t, paging.Paged, h.send(h.message("Q", 150, 5), paging.NoTransaction))
	return info, txID
}

func commitPageTransaction(t *testing.T, h *harness, info *paging.PageTransactionInfo) {
	t.Helper()
	require.NoError(t, h.storage.StorePageTransaction(info.TransactionID(), info))
	require.NoError(t, h.storage.Commit(info.TransactionID()))
	info.Commit()
}

func TestDepageWaitsForPagedTransaction(t *testing.T) {
	repo := addressRepo(t, "Q", settings.AddressSettings{MaxSizeBytes: 100, PageSizeBytes: 50})
	h := newHarness(t, t.TempDir(), paging.Config{PageTransactionTimeout: 5 * time.Second}, repo)
	defer h.close()

	info, txID := pagedTransaction(t, h)
	assert.Equal(t, sequence(1, 2), h.consume("Q", 2))

	// the depager is blocked on the transaction
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.po.queue("Q").len())
	commitPageTransaction(t, h, info)

	assert.Equal(t, sequence(3, 5), h.consume("Q", 3))
	assert.Eventually(t, func() bool { return h.manager.GetTransaction(txID) == nil }, 5*time.Second, 5*time.Millisecond)
}

func TestRolledBackPagedTransactionIsSkipped(t *testing.T) {
	repo := addressRepo(t, "Q", settings.AddressSettings{MaxSizeBytes: 100, PageSizeBytes: 50})
	h := newHarness(t, t.TempDir(), paging.Config{}, repo)
	defer h.close()

	info, txID := pagedTransaction(t, h)
	info.Rollback()

	assert.Equal(t, []string{"0001", "0002", "0005"}, h.consume("Q", 3))
	store, err := h.manager.GetPageStore("Q")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !store.IsPaging() }, 5*time.Second, 5*time.Millisecond)
	assert.Nil(t, h.manager.GetTransaction(txID))
}

func TestFailedDepageRetriesTheSamePage(t *testing.T) {
	repo := addressRepo(t, "Q", settings.AddressSettings{MaxSizeBytes: 100, PageSizeBytes: 50})
	h := newHarness(t, t.TempDir(), paging.Config{PageTransactionTimeout: 20 * time.Millisecond}, repo)
	defer h.close()

	info, _ := pagedTransaction(t, h)
	assert.Equal(t, sequence(1, 2), h.consume("Q", 2))

	// the depage of the transactional page times out and is retried
	time.Sleep(100 * time.Millisecond)
	store, err := h.manager.GetPageStore("Q")
	require.NoError(t, err)
	assert.True(t, store.IsPaging())
	assert.Zero(t, h.po.queue("Q").len())

	commitPageTransaction(t, h, info)
	assert.Equal(t, sequence(3, 5), h.consume("Q", 3))

	// nothing is delivered twice
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, h.po.queue("Q").len())
}

func TestRoutingFailureKeepsThePage(t *testing.T) {
	repo := addressRepo(t, "Q", settings.AddressSettings{MaxSizeBytes: 300, PageSizeBytes: 100})
	h := newHarness(t, t.TempDir(), paging.Config{}, repo)
	defer h.close()

	for i := 1; i <= 4; i++ {
		h.send(h.message("Q", 150, i), paging.NoTransaction)
	}
	h.po.fail.Store(true)
	q := h.po.queue("Q")
	for _, ref := range q.drain() {
		h.manager.MessageDone(ref.Message)
	}
	time.Sleep(50 * time.Millisecond)
	store, err := h.manager.GetPageStore("Q")
	require.NoError(t, err)
	assert.True(t, store.IsPaging())

	h.po.fail.Store(false)
	assert.Equal(t, []string{"0004"}, h.consume("Q", 1))
}

func TestGetPageStoreUnknownAddress(t *testing.T) {
	h := newHarness(t, t.TempDir(), paging.Config{}, nil)
	defer h.close()

	_, err := h.manager.GetPageStore("nope")
	assert.ErrorIs(t, err, paging.ErrStoreNotFound)

	s1, err := h.manager.CreatePageStore("Q")
	require.NoError(t, err)
	s2, err := h.manager.CreatePageStore("Q")
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.ElementsMatch(t, []string{"Q"}, h.manager.Addresses())

	require.NoError(t, h.manager.DestroyPageStore("Q"))
	_, err = h.manager.GetPageStore("Q")
	assert.ErrorIs(t, err, paging.ErrStoreNotFound)
}

func TestFailedStartLeavesTheManagerStopped(t *testing.T) {
	h := newHarness(t, t.TempDir(), paging.Config{}, nil)
	defer h.close()

	dir := filepath.Join(t.TempDir(), "paging")
	storeDir := filepath.Join(dir, "q-store")
	require.NoError(t, os.MkdirAll(storeDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(storeDir, paging.AddressFile), []byte("Q"), 0o600))
	// a current page that cannot be opened for appends
	page := filepath.Join(storeDir, "000000001.page")
	require.NoError(t, os.Symlink(t.TempDir(), page))

	m := paging.NewManager(paging.Config{Directory: dir}, nil, h.storage)
	m.SetPostOffice(h.po)
	err := m.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start paging store of Q")
	assert.False(t, m.IsStarted())
	assert.Empty(t, m.Addresses())
	assert.NoError(t, m.Stop())

	require.NoError(t, os.Remove(page))
	require.NoError(t, m.Start())
	defer m.Stop()
	assert.True(t, m.IsStarted())
	store, err := m.GetPageStore("Q")
	require.NoError(t, err)
	assert.False(t, store.IsPaging())
}
