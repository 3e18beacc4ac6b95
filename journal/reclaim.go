package journal

import (
	"github.com/alpacahq/queuestore/metrics"
	"github.com/alpacahq/queuestore/utils/log"
)

func (j *Journal) reclaimLoop() {
	defer j.wg.Done()
	for {
		select {
		case <-j.stopCh:
			return
		case <-j.reclaimCh:
			j.CheckAndReclaimFiles()
		}
	}
}

func (j *Journal) signalReclaim() {
	select {
	case j.reclaimCh <- struct{}{}:
	default:
	}
}

// CheckAndReclaimFiles frees the data files no live record or open transaction
// needs anymore and returns how many were freed. A file holding deletes of
// records living in other files is only freed together with or after them.
// Freed files go back to the pool under a fresh id, or are deleted once the
// pool is full. Failures are logged and the file is kept for a later pass.
func (j *Journal) CheckAndReclaimFiles() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != stateStarted && j.state != stateLoaded {
		return 0
	}

	candidates := map[int64]bool{}
	for _, jf := range j.dataFiles {
		if jf != j.current && jf.posCount == 0 && jf.txPins == 0 {
			candidates[jf.fileID] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for id := range candidates {
			if !j.negativesResolved(j.files[id], candidates) {
				delete(candidates, id)
				changed = true
			}
		}
	}
	if len(candidates) == 0 {
		return 0
	}

	reclaimed := 0
	kept := j.dataFiles[:0]
	for _, jf := range j.dataFiles {
		if !candidates[jf.fileID] {
			kept = append(kept, jf)
			continue
		}
		oldID := jf.fileID
		if err := j.recycle(jf); err != nil {
			log.Error("failed to reclaim journal file %s: %v", jf, err)
			kept = append(kept, jf)
			continue
		}
		delete(j.files, oldID)
		log.Debug("reclaimed journal file %d", oldID)
		reclaimed++
	}
	for i := len(kept); i < len(j.dataFiles); i++ {
		j.dataFiles[i] = nil
	}
	j.dataFiles = kept

	metrics.JournalReclaimedFilesTotal.Add(float64(reclaimed))
	j.updateFileMetrics()
	return reclaimed
}

// negativesResolved reports whether every file jf holds deletes for is either
// gone or about to be reclaimed as well.
func (j *Journal) negativesResolved(jf *journalFile, candidates map[int64]bool) bool {
	for target, n := range jf.negCounts {
		if n == 0 || target == jf.fileID || candidates[target] {
			continue
		}
		if _, live := j.files[target]; live {
			return false
		}
		delete(jf.negCounts, target)
	}
	return true
}

func (j *Journal) recycle(jf *journalFile) error {
	if j.cfg.PoolFiles < 0 || len(j.freeFiles) < j.cfg.PoolFiles {
		if err := j.initialize(jf); err != nil {
			return err
		}
		j.freeFiles = append(j.freeFiles, jf)
		return nil
	}
	return jf.file.Delete()
}
