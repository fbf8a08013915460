// Package scheduler runs persisted interval jobs: recurring prompts
// that are submitted through the coordinator as if the operator had
// typed them.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/golem-sh/golem/pkg/log"
	"github.com/golem-sh/golem/pkg/types"
)

const pollInterval = 30 * time.Second

// minInterval guards against jobs that would hammer the pipeline.
const minInterval = time.Minute

// JobStore is the slice of storage the scheduler needs.
type JobStore interface {
	PutJob(job *types.ScheduledJob) error
	DeleteJob(id string) error
	ListJobs() ([]*types.ScheduledJob, error)
}

// SubmitFunc hands a due job's prompt to the coordinator.
type SubmitFunc func(ctx context.Context, userID, chatID, prompt string) error

// Scheduler polls the job store and fires due jobs.
type Scheduler struct {
	store  JobStore
	submit SubmitFunc

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Scheduler.
func New(store JobStore, submit SubmitFunc) *Scheduler {
	return &Scheduler{
		store:  store,
		submit: submit,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the polling loop.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.RunDue(time.Now())
		case <-s.stopCh:
			return
		}
	}
}

// Add registers a new job. The schedule spec is parsed up front so a
// bad spec fails at registration, not at 3am.
func (s *Scheduler) Add(userID, chatID, prompt, schedule string) (*types.ScheduledJob, error) {
	next, err := NextRun(schedule, time.Now())
	if err != nil {
		return nil, err
	}

	job := &types.ScheduledJob{
		ID:        uuid.New().String(),
		UserID:    userID,
		ChatID:    chatID,
		Prompt:    prompt,
		Schedule:  schedule,
		NextRun:   next,
		CreatedAt: time.Now(),
	}
	if err := s.store.PutJob(job); err != nil {
		return nil, err
	}

	log.WithComponent("scheduler").Info().
		Str("job_id", job.ID).
		Str("schedule", schedule).
		Time("next_run", next).
		Msg("Scheduled job added")
	return job, nil
}

// List returns all registered jobs.
func (s *Scheduler) List() ([]*types.ScheduledJob, error) {
	return s.store.ListJobs()
}

// Remove deletes the job whose ID starts with prefix. Prefixes shorter
// than 8 characters are rejected to avoid ambiguous deletions.
func (s *Scheduler) Remove(prefix string) (*types.ScheduledJob, error) {
	if len(prefix) < 8 {
		return nil, fmt.Errorf("job id prefix must be at least 8 characters")
	}
	jobs, err := s.store.ListJobs()
	if err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if strings.HasPrefix(job.ID, prefix) {
			if err := s.store.DeleteJob(job.ID); err != nil {
				return nil, err
			}
			log.WithComponent("scheduler").Info().Str("job_id", job.ID).Msg("Scheduled job removed")
			return job, nil
		}
	}
	return nil, fmt.Errorf("no job matching %q", prefix)
}

// RunDue fires every job whose next run is at or before now, then
// advances its schedule. Exported so tests can drive the clock.
func (s *Scheduler) RunDue(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.store.ListJobs()
	if err != nil {
		log.WithComponent("scheduler").Error().Err(err).Msg("Failed to list jobs")
		return
	}

	for _, job := range jobs {
		if job.Paused || job.NextRun.After(now) {
			continue
		}

		log.WithComponent("scheduler").Info().
			Str("job_id", job.ID).
			Str("prompt", truncate(job.Prompt, 80)).
			Msg("Firing scheduled job")

		if err := s.submit(context.Background(), job.UserID, job.ChatID, job.Prompt); err != nil {
			// The coordinator's guards may refuse (load, cooldown);
			// the job keeps its slot and fires on the next poll.
			log.WithComponent("scheduler").Warn().Err(err).
				Str("job_id", job.ID).
				Msg("Scheduled job submission refused")
			continue
		}

		job.LastRun = now
		next, err := NextRun(job.Schedule, now)
		if err != nil {
			// Spec was valid at Add time; treat corruption as pause.
			log.WithComponent("scheduler").Error().Err(err).
				Str("job_id", job.ID).
				Msg("Job schedule no longer parses, pausing")
			job.Paused = true
		} else {
			job.NextRun = next
		}
		if err := s.store.PutJob(job); err != nil {
			log.WithComponent("scheduler").Error().Err(err).
				Str("job_id", job.ID).
				Msg("Failed to persist job advance")
		}
	}
}

// NextRun computes the next firing time for a schedule spec after now.
// Two forms are accepted:
//
//	"every <duration>"  e.g. "every 2h", "every 30m"
//	"daily@HH:MM"       e.g. "daily@09:00"
func NextRun(schedule string, now time.Time) (time.Time, error) {
	spec := strings.TrimSpace(strings.ToLower(schedule))

	if rest, ok := strings.CutPrefix(spec, "daily@"); ok {
		var hour, minute int
		if _, err := fmt.Sscanf(rest, "%d:%d", &hour, &minute); err != nil {
			return time.Time{}, fmt.Errorf("bad daily schedule %q (want daily@HH:MM)", schedule)
		}
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return time.Time{}, fmt.Errorf("bad time in schedule %q", schedule)
		}
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		return next, nil
	}

	durSpec := strings.TrimSpace(strings.TrimPrefix(spec, "every"))
	dur, err := time.ParseDuration(durSpec)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad schedule %q (want \"every <duration>\" or \"daily@HH:MM\")", schedule)
	}
	if dur < minInterval {
		return time.Time{}, fmt.Errorf("schedule interval %s below minimum %s", dur, minInterval)
	}
	return now.Add(dur), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
