package journal_test

import (
	"testing"

	. "gopkg.in/check.v1"

	"github.com/alpacahq/queuestore/journal"
	"github.com/alpacahq/queuestore/sequentialfile"
)

func Test(t *testing.T) { TestingT(t) }

var (
	_ = Suite(&RestartTestSuite{})
	_ = Suite(&RestartTestSuite{async: true})
)

// RestartTestSuite drives a journal of 1000 byte files aligned to 100 bytes,
// so that each file holds 9 small records.
type RestartTestSuite struct {
	async   bool
	dir     string
	factory *sequentialfile.FileFactory
	j       *journal.Journal
}

func (s *RestartTestSuite) SetUpTest(c *C) {
	s.dir = c.MkDir()
}

func (s *RestartTestSuite) TearDownTest(c *C) {
	s.stop(c)
}

func (s *RestartTestSuite) start(c *C) *journal.LoadResult {
	ff, err := sequentialfile.NewFactory(s.dir, sequentialfile.Options{Alignment: 100, Async: s.async})
	c.Assert(err, IsNil)
	j, err := journal.New(journal.Config{FileSize: 1000}, ff)
	c.Assert(err, IsNil)
	res, err := j.Load()
	c.Assert(err, IsNil)
	c.Assert(j.Start(), IsNil)
	s.factory, s.j = ff, j
	return res
}

func (s *RestartTestSuite) stop(c *C) {
	if s.j == nil {
		return
	}
	c.Assert(s.j.Stop(), IsNil)
	s.factory.Stop()
	s.j, s.factory = nil, nil
}

func (s *RestartTestSuite) restart(c *C) *journal.LoadResult {
	s.stop(c)
	return s.start(c)
}

func (s *RestartTestSuite) add(c *C, ids ...int64) {
	for _, id := range ids {
		c.Assert(s.j.AppendAddRecord(id, 1, payload(id), true, nil), IsNil)
	}
}

func (s *RestartTestSuite) del(c *C, ids ...int64) {
	for _, id := range ids {
		c.Assert(s.j.AppendDeleteRecord(id, true, nil), IsNil)
	}
}

func span(from, to int64) []int64 {
	ids := make([]int64, 0, to-from+1)
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	return ids
}

func (s *RestartTestSuite) TestCommittedTransactionSpansFiles(c *C) {
	s.start(c)
	for _, id := range span(1, 20) {
		c.Assert(s.j.AppendAddRecordTransactional(7, id, 3, payload(id)), IsNil)
	}
	c.Assert(s.j.AppendCommitRecord(7, true, nil), IsNil)
	c.Assert(s.j.RecordCount(), Equals, 20)

	res := s.restart(c)
	c.Assert(recordIDs(res.Records), DeepEquals, span(1, 20))
	c.Assert(res.Records[0].UserRecordType, Equals, byte(3))
	c.Assert(res.MaxID, Equals, int64(20))
}

// A committed transaction keeps its live records once another of its files is reclaimed.
func (s *RestartTestSuite) TestCommittedTransactionSurvivesPartialReclaim(c *C) {
	s.start(c)
	c.Assert(s.j.AppendAddRecordTransactional(100, 1, 1, payload(1)), IsNil)
	fileA := s.j.DataFileIDs()[0]
	c.Assert(s.j.ForceMoveNextFile(), IsNil)
	c.Assert(s.j.AppendAddRecordTransactional(100, 2, 1, payload(2)), IsNil)
	c.Assert(s.j.AppendCommitRecord(100, true, nil), IsNil)
	fileB := s.j.DataFileIDs()[1]
	s.del(c, 1)
	c.Assert(s.j.ForceMoveNextFile(), IsNil)
	s.add(c, 3)

	s.j.CheckAndReclaimFiles()
	ids := s.j.DataFileIDs()
	c.Assert(ids, HasLen, 2)
	c.Assert(ids[0], Equals, fileB)

	res := s.restart(c)
	c.Assert(recordIDs(res.Records), DeepEquals, []int64{2, 3})
	c.Assert(s.j.DataFileIDs(), DeepEquals, ids)
	live, ok := s.j.LiveRecordCount(fileB)
	c.Assert(ok, Equals, true)
	c.Assert(live, Equals, 1)
	_, ok = s.j.LiveRecordCount(fileA)
	c.Assert(ok, Equals, false)

	// the surviving record is still deletable and stays deleted
	s.del(c, 2)
	res = s.restart(c)
	c.Assert(recordIDs(res.Records), DeepEquals, []int64{3})
}

func (s *RestartTestSuite) TestTransactionalDeleteReplay(c *C) {
	s.start(c)
	s.add(c, 1, 2)
	c.Assert(s.j.AppendDeleteRecordTransactional(50, 1), IsNil)
	c.Assert(s.j.AppendCommitRecord(50, true, nil), IsNil)

	res := s.restart(c)
	c.Assert(recordIDs(res.Records), DeepEquals, []int64{2})
	c.Assert(res.MaxID, Equals, int64(50))
}

func (s *RestartTestSuite) TestRolledBackTransactionIsDropped(c *C) {
	s.start(c)
	c.Assert(s.j.AppendAddRecordTransactional(8, 1, 1, payload(1)), IsNil)
	c.Assert(s.j.AppendPrepareRecord(8, []byte("xid"), true, nil), IsNil)
	c.Assert(s.j.AppendRollbackRecord(8, true, nil), IsNil)

	res := s.restart(c)
	c.Assert(res.Records, HasLen, 0)
	c.Assert(res.Prepared, HasLen, 0)
}

func (s *RestartTestSuite) TestPreparedTransactionSurvivesRestart(c *C) {
	s.start(c)
	s.add(c, 1)
	c.Assert(s.j.AppendAddRecordTransactional(200, 300, 2, payload(300)), IsNil)
	c.Assert(s.j.AppendAddRecordTransactional(200, 301, 2, payload(301)), IsNil)
	c.Assert(s.j.AppendDeleteRecordTransactional(200, 1), IsNil)
	c.Assert(s.j.AppendPrepareRecord(200, []byte("xid"), true, nil), IsNil)

	// prepared transactions take no more records
	c.Assert(s.j.AppendAddRecordTransactional(200, 302, 2, payload(302)), NotNil)

	res := s.restart(c)
	c.Assert(recordIDs(res.Records), DeepEquals, []int64{1})
	c.Assert(res.Prepared, HasLen, 1)
	prepared := res.Prepared[0]
	c.Assert(prepared.ID, Equals, int64(200))
	c.Assert(string(prepared.ExtraData), Equals, "xid")
	c.Assert(recordIDs(prepared.Records), DeepEquals, []int64{300, 301})
	c.Assert(recordIDs(prepared.RecordsToDelete), DeepEquals, []int64{1})
	c.Assert(s.j.OpenTransactionCount(), Equals, 1)

	c.Assert(s.j.AppendCommitRecord(200, true, nil), IsNil)
	c.Assert(s.j.OpenTransactionCount(), Equals, 0)

	res = s.restart(c)
	c.Assert(recordIDs(res.Records), DeepEquals, []int64{300, 301})
	c.Assert(res.Prepared, HasLen, 0)
}

func (s *RestartTestSuite) TestPreparedTransactionPinsItsFiles(c *C) {
	s.start(c)
	c.Assert(s.j.AppendAddRecordTransactional(9, 1, 1, payload(1)), IsNil)
	c.Assert(s.j.AppendPrepareRecord(9, nil, true, nil), IsNil)
	first := s.j.DataFileIDs()[0]
	c.Assert(s.j.ForceMoveNextFile(), IsNil)
	s.add(c, 2)

	s.restart(c)
	s.j.CheckAndReclaimFiles()
	c.Assert(s.j.DataFileIDs()[0], Equals, first)

	c.Assert(s.j.AppendRollbackRecord(9, true, nil), IsNil)
	s.j.CheckAndReclaimFiles()
	for _, id := range s.j.DataFileIDs() {
		c.Assert(id, Not(Equals), first)
	}
}

// A file holding the delete of a record must outlive the file holding the record.
func (s *RestartTestSuite) TestDeleteHolderOutlivesRecordFile(c *C) {
	s.start(c)
	s.add(c, span(1, 9)...) // fills A
	s.del(c, 1)             // B
	s.add(c, span(10, 17)...)
	s.del(c, span(10, 17)...) // C
	s.add(c, 18)

	ids := s.j.DataFileIDs()
	c.Assert(ids, HasLen, 3)
	fileA, fileB := ids[0], ids[1]
	live, ok := s.j.LiveRecordCount(fileB)
	c.Assert(ok, Equals, true)
	c.Assert(live, Equals, 0)

	// B has no live record but still holds the delete of record 1 living in A
	s.j.CheckAndReclaimFiles()
	c.Assert(s.j.DataFileIDs(), DeepEquals, ids)

	res := s.restart(c)
	c.Assert(recordIDs(res.Records), DeepEquals, append(span(2, 9), 18))
	c.Assert(s.j.DataFileIDs(), DeepEquals, ids)

	s.del(c, span(2, 9)...)
	s.j.CheckAndReclaimFiles()
	remaining := s.j.DataFileIDs()
	c.Assert(remaining, HasLen, 2)
	c.Assert(remaining[0], Equals, ids[2])
	for _, id := range remaining {
		c.Assert(id, Not(Equals), fileA)
		c.Assert(id, Not(Equals), fileB)
	}
	c.Assert(s.j.FreeFileCount(), Equals, 2)

	// the pooled files still carry the old records under their previous id
	res = s.restart(c)
	c.Assert(recordIDs(res.Records), DeepEquals, []int64{18})
	c.Assert(s.j.DataFileIDs(), DeepEquals, remaining)
	c.Assert(s.j.FreeFileCount(), Equals, 2)

	c.Assert(s.j.ForceMoveNextFile(), IsNil)
	c.Assert(s.j.FreeFileCount(), Equals, 1)
	s.add(c, 19)

	res = s.restart(c)
	c.Assert(recordIDs(res.Records), DeepEquals, []int64{18, 19})
}

func (s *RestartTestSuite) TestPoolLimitDeletesExtraFiles(c *C) {
	s.start(c)
	s.add(c, span(1, 27)...) // three full files
	s.add(c, 28)
	c.Assert(s.j.DataFileIDs(), HasLen, 4)
	s.del(c, span(1, 27)...)

	s.j.CheckAndReclaimFiles()
	// the deletes of 1..27 live in the last two files, which hold negative
	// references to the three full ones; those three are reclaimed together
	c.Assert(s.j.FreeFileCount(), Equals, 2)

	names, err := s.factory.ListFiles("qsj")
	c.Assert(err, IsNil)
	c.Assert(names, HasLen, len(s.j.DataFileIDs())+2)
}
