package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/golem-sh/golem/pkg/types"
)

var bucketJobs = []byte("jobs")

// JobStore persists scheduled jobs in their own database file. The
// scheduler polls it every cycle; keeping jobs out of the primary
// database means that polling never contends with task writes for the
// bolt file lock.
type JobStore struct {
	db *bolt.DB
}

// NewJobStore opens (or creates) jobs.db under dataDir.
func NewJobStore(dataDir string) (*JobStore, error) {
	dbPath := filepath.Join(dataDir, "jobs.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open jobs database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &JobStore{db: db}, nil
}

// Close closes the jobs database.
func (s *JobStore) Close() error {
	return s.db.Close()
}

func (s *JobStore) PutJob(job *types.ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
}

func (s *JobStore) GetJob(id string) (*types.ScheduledJob, error) {
	var job types.ScheduledJob
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *JobStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

func (s *JobStore) ListJobs() ([]*types.ScheduledJob, error) {
	var jobs []*types.ScheduledJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.ScheduledJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].NextRun.Before(jobs[j].NextRun)
	})
	return jobs, nil
}
