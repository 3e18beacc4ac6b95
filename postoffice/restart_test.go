package postoffice_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	. "gopkg.in/check.v1"

	"github.com/alpacahq/queuestore/paging"
	"github.com/alpacahq/queuestore/settings"
)

func Test(t *testing.T) { TestingT(t) }

var _ = Suite(&BrokerRestartSuite{})

type BrokerRestartSuite struct {
	dir    string
	repo   *settings.Repository
	broker *broker
}

func (s *BrokerRestartSuite) SetUpTest(c *C) {
	s.dir = c.MkDir()
	s.repo = settings.NewRepository(settings.Defaults())
	c.Assert(s.repo.AddMatch("paged.#", settings.AddressSettings{MaxSizeBytes: 300, PageSizeBytes: 100}), IsNil)
}

func (s *BrokerRestartSuite) TearDownTest(c *C) {
	s.stop()
}

func (s *BrokerRestartSuite) start(c *C) *broker {
	s.broker = openBroker(c, s.dir, s.repo, binding{"orders", "orders"}, binding{"paged", "paged.q"})
	return s.broker
}

func (s *BrokerRestartSuite) stop() {
	if s.broker != nil {
		s.broker.close()
		s.broker = nil
	}
}

func (s *BrokerRestartSuite) restart(c *C) *broker {
	s.stop()
	return s.start(c)
}

func (s *BrokerRestartSuite) TestDurableMessagesSurviveRestart(c *C) {
	b := s.start(c)
	for i := 1; i <= 6; i++ {
		b.send(message("orders", 100, i, i != 3))
	}
	c.Assert(b.consume("orders", 6)[:2], DeepEquals, sequence(1, 2))

	// the acknowledged messages are gone, the non durable one too
	b = s.restart(c)
	c.Assert(b.queues["orders"].MessageCount(), Equals, 0)

	for i := 7; i <= 9; i++ {
		b.send(message("orders", 100, i, true))
	}
	orders := b.queues["orders"]
	first := orders.Poll()
	c.Assert(orders.Acknowledge(first), IsNil)

	b = s.restart(c)
	store, err := b.paging.GetPageStore("orders")
	c.Assert(err, IsNil)
	c.Assert(store.AddressSize(), Equals, int64(200))
	c.Assert(b.consume("orders", 2), DeepEquals, sequence(8, 9))
	c.Assert(store.AddressSize(), Equals, int64(0))
}

func (s *BrokerRestartSuite) TestPreparedTransactionSurvivesRestart(c *C) {
	b := s.start(c)
	b.send(message("orders", 100, 1, true))
	b.send(message("orders", 100, 2, true))

	tx, err := b.po.NewTransaction()
	c.Assert(err, IsNil)
	_, err = tx.Send(message("orders", 100, 3, true))
	c.Assert(err, IsNil)
	c.Assert(tx.Acknowledge(b.queues["orders"].Poll()), IsNil)
	c.Assert(tx.Prepare([]byte("xid-1")), IsNil)
	c.Assert(tx.Prepare([]byte("xid-2")), NotNil)

	// in doubt: message 1 is held by the transaction, message 3 not visible yet
	b = s.restart(c)
	c.Assert(b.po.PreparedXids(), DeepEquals, [][]byte{[]byte("xid-1")})
	c.Assert(b.queues["orders"].MessageCount(), Equals, 1)
	tx, ok := b.po.PreparedTransaction([]byte("xid-1"))
	c.Assert(ok, Equals, true)
	c.Assert(tx.IsPrepared(), Equals, true)
	c.Assert(tx.Commit(), IsNil)
	c.Assert(b.po.PreparedXids(), HasLen, 0)

	b = s.restart(c)
	c.Assert(b.consume("orders", 2), DeepEquals, []string{"0002", "0003"})
}

func (s *BrokerRestartSuite) TestPreparedRollbackRestoresAcknowledged(c *C) {
	b := s.start(c)
	b.send(message("orders", 100, 1, true))
	tx, err := b.po.NewTransaction()
	c.Assert(err, IsNil)
	c.Assert(tx.Acknowledge(b.queues["orders"].Poll()), IsNil)
	_, err = tx.Send(message("orders", 100, 2, true))
	c.Assert(err, IsNil)
	c.Assert(tx.Prepare([]byte("xid-r")), IsNil)

	b = s.restart(c)
	c.Assert(b.queues["orders"].MessageCount(), Equals, 0)
	tx, ok := b.po.PreparedTransaction([]byte("xid-r"))
	c.Assert(ok, Equals, true)
	c.Assert(tx.Rollback(), IsNil)
	c.Assert(b.consume("orders", 1), DeepEquals, sequence(1, 1))

	b = s.restart(c)
	c.Assert(b.queues["orders"].MessageCount(), Equals, 0)
	c.Assert(b.po.PreparedXids(), HasLen, 0)
}

func (s *BrokerRestartSuite) TestPagedMessagesSurviveRestart(c *C) {
	b := s.start(c)
	var results []paging.PageResult
	for i := 1; i <= 6; i++ {
		results = append(results, b.send(message("paged.q", 150, i, true)))
	}
	c.Assert(results, DeepEquals, []paging.PageResult{
		paging.NotPaged, paging.NotPaged, paging.NotPaged, paging.Paged, paging.Paged, paging.Paged,
	})

	// residents come back from the journal, the rest from the pages
	b = s.restart(c)
	c.Assert(b.consume("paged", 6), DeepEquals, sequence(1, 6))
	store, err := b.paging.GetPageStore("paged.q")
	c.Assert(err, IsNil)
	assert.Eventually(c, func() bool { return !store.IsPaging() }, 5*time.Second, 5*time.Millisecond)

	b = s.restart(c)
	store, err = b.paging.GetPageStore("paged.q")
	c.Assert(err, IsNil)
	c.Assert(store.IsPaging(), Equals, false)
	c.Assert(store.NumberOfPages(), Equals, 0)
	c.Assert(b.queues["paged"].MessageCount(), Equals, 0)
}

func (s *BrokerRestartSuite) TestPagedTransactionPreparedAcrossRestart(c *C) {
	b := s.start(c)
	b.send(message("paged.q", 400, 1, true))
	tx, err := b.po.NewTransaction()
	c.Assert(err, IsNil)
	res, err := tx.Send(message("paged.q", 150, 2, true))
	c.Assert(err, IsNil)
	c.Assert(res, Equals, paging.Paged)
	c.Assert(tx.Prepare([]byte("xid-p")), IsNil)

	b = s.restart(c)
	info := b.paging.GetTransaction(tx.ID())
	c.Assert(info, NotNil)
	c.Assert(info.IsPrepared(), Equals, true)
	c.Assert(info.NumberOfMessages(), Equals, int32(1))

	tx, ok := b.po.PreparedTransaction([]byte("xid-p"))
	c.Assert(ok, Equals, true)
	c.Assert(tx.Commit(), IsNil)
	c.Assert(b.consume("paged", 2), DeepEquals, sequence(1, 2))
}
