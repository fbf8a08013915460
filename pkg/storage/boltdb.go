package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/golem-sh/golem/pkg/types"
)

var (
	// Bucket names
	bucketTasks   = []byte("tasks")
	bucketHistory = []byte("history")
	bucketUsage   = []byte("usage")
	bucketFiles   = []byte("files")
	bucketMemory  = []byte("project_memory")
	bucketContext = []byte("context")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "golem.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTasks,
			bucketHistory,
			bucketUsage,
			bucketFiles,
			bucketMemory,
			bucketContext,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	return s.putJSON(bucketTasks, []byte(task.ID), task)
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found: %s", id)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) UpdateTask(task *types.Task) error {
	return s.putJSON(bucketTasks, []byte(task.ID), task)
}

func (s *BoltStore) ListTasksByUser(userID string, limit int) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.UserID == userID {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	// Newest first
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *BoltStore) ListTasksByStatus(status types.TaskStatus) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.Status == status {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

// Conversation history. Keys are zero-padded epoch nanos plus a uuid
// suffix so bucket order is insertion order.

func timeKey(t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d-%s", t.UnixNano(), id))
}

func (s *BoltStore) AppendHistory(entry *types.HistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return s.putJSON(bucketHistory, timeKey(entry.CreatedAt, entry.ID), entry)
}

func (s *BoltStore) RecentHistory(userID string, limit int) ([]*types.HistoryEntry, error) {
	var entries []*types.HistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		// Walk backwards from the newest key
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var entry types.HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.UserID != userID {
				continue
			}
			entries = append(entries, &entry)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Return oldest first for prompt assembly
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *BoltStore) ClearHistory(userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		var toDelete [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var entry types.HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if entry.UserID == userID {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Usage accounting

func (s *BoltStore) RecordUsage(rec *types.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)
	}
	key := []byte(fmt.Sprintf("%020d-%s", int64(rec.Timestamp*float64(time.Second)), rec.ID))
	return s.putJSON(bucketUsage, key, rec)
}

func (s *BoltStore) UsageSince(since time.Time) ([]*types.UsageRecord, error) {
	var records []*types.UsageRecord
	start := []byte(fmt.Sprintf("%020d", since.UnixNano()))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketUsage).Cursor()
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			var rec types.UsageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	return records, err
}

func (s *BoltStore) SpendSince(since time.Time) (float64, error) {
	records, err := s.UsageSince(since)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, rec := range records {
		total += rec.CostUSD
	}
	return total, nil
}

// Uploaded files

func (s *BoltStore) PutFile(rec *types.FileRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = time.Now()
	}
	return s.putJSON(bucketFiles, []byte(rec.ID), rec)
}

func (s *BoltStore) ListFiles(userID string, unconsumedOnly bool) ([]*types.FileRecord, error) {
	var files []*types.FileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			var rec types.FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.UserID != userID {
				return nil
			}
			if unconsumedOnly && rec.Consumed {
				return nil
			}
			files = append(files, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].UploadedAt.Before(files[j].UploadedAt)
	})
	return files, nil
}

func (s *BoltStore) MarkFilesConsumed(ids []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		for _, id := range ids {
			data := b.Get([]byte(id))
			if data == nil {
				continue
			}
			var rec types.FileRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return err
			}
			rec.Consumed = true
			updated, err := json.Marshal(&rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(id), updated); err != nil {
				return err
			}
		}
		return nil
	})
}

// Project memory. Keys are project name plus a time-ordered suffix so
// a prefix scan yields one project's lessons in insertion order.

func memoryKey(project string, t time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s/%020d-%s", project, t.UnixNano(), id))
}

func (s *BoltStore) AppendProjectMemory(rec *types.ProjectMemoryRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return s.putJSON(bucketMemory, memoryKey(rec.Project, rec.Timestamp, uuid.New().String()), rec)
}

func (s *BoltStore) ProjectLessons(project string, limit int) ([]*types.ProjectMemoryRecord, error) {
	var records []*types.ProjectMemoryRecord
	prefix := []byte(project + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMemory).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec types.ProjectMemoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Newest first, bounded.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Context KV

func (s *BoltStore) SetKV(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContext).Put([]byte(key), []byte(value))
	})
}

func (s *BoltStore) GetKV(key string) (string, error) {
	var value string
	err := s.db.View(func(tx *bolt.Tx) error {
		value = string(tx.Bucket(bucketContext).Get([]byte(key)))
		return nil
	})
	return value, err
}

func (s *BoltStore) putJSON(bucket, key []byte, v interface{}) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put(key, data)
	})
}
