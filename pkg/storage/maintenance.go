package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

// RecoverStaleTasks marks tasks left in running or pending state by an
// unclean shutdown as crashed. Called once at startup before any new
// task is accepted.
func (s *BoltStore) RecoverStaleTasks() (int, error) {
	recovered := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.Status != types.TaskStatusRunning && task.Status != types.TaskStatusPending {
				return nil
			}
			task.Status = types.TaskStatusCrashed
			task.Error = "service restarted while task was in flight"
			task.CompletedAt = time.Now()
			data, err := json.Marshal(&task)
			if err != nil {
				return err
			}
			recovered++
			return b.Put(k, data)
		})
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		log.Logger.Warn().Int("count", recovered).Msg("Marked stale tasks as crashed")
	}
	return recovered, nil
}

// PruneHistory deletes history entries older than the cutoff.
func (s *BoltStore) PruneHistory(olderThan time.Time) (int, error) {
	return s.pruneOrdered(bucketHistory, olderThan)
}

// PruneUsage deletes usage records older than the cutoff.
func (s *BoltStore) PruneUsage(olderThan time.Time) (int, error) {
	return s.pruneOrdered(bucketUsage, olderThan)
}

// pruneOrdered deletes entries from a time-keyed bucket up to the
// cutoff. Keys sort by creation time, so a cursor walk stops at the
// first survivor.
func (s *BoltStore) pruneOrdered(bucket []byte, olderThan time.Time) (int, error) {
	cutoff := []byte(fmt.Sprintf("%020d", olderThan.UnixNano()))
	pruned := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoff) {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// CleanupWorkspace removes per-task workspace directories whose
// modification time is older than the retention window. Project
// directories are never touched; only directories under root.
func CleanupWorkspace(root string, retention time.Duration) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(root, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Logger.Warn().Err(err).Str("path", path).Msg("Failed to remove stale workspace")
			continue
		}
		removed++
	}
	return removed, nil
}
