// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/storage"
)

const (
	// DefaultMaxMessages caps ErrorMsgs and Warnings per job.
	DefaultMaxMessages = 1000

	persistTimeout = 5 * time.Second

	// interruptedMsg is recorded on jobs found unfinished at startup.
	interruptedMsg = "job interrupted by shutdown"
)

// Option configures a Tracker.
type Option func(*Tracker) error

// WithLogger sets the tracker's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) error {
		if logger == nil {
			logger = slog.Default()
		}
		t.logger = logger
		return nil
	}
}

// WithMaxMessages caps the error and warning lists of each job.
func WithMaxMessages(n int) Option {
	return func(t *Tracker) error {
		if n < 1 {
			return fmt.Errorf("max messages must be positive, got %d", n)
		}
		t.maxMessages = n
		return nil
	}
}

// Tracker owns the live state of running jobs.
type Tracker struct {
	repo        storage.JobRepository
	logger      *slog.Logger
	maxMessages int

	mu   sync.Mutex
	live map[string]*state
}

// NewTracker creates a tracker persisting to repo.
func NewTracker(repo storage.JobRepository, opts ...Option) (*Tracker, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}
	t := &Tracker{
		repo:        repo,
		logger:      slog.Default(),
		maxMessages: DefaultMaxMessages,
		live:        make(map[string]*state),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	t.logger = t.logger.With("component", "job-tracker")
	return t, nil
}

// state is the mutable record of one live job.
type state struct {
	mu        sync.Mutex
	job       core.IngestionJob
	dropped   int // error messages past the cap
	droppedW  int // warnings past the cap
	fatal     error
	finished  bool
	persistMu sync.Mutex
	stop      atomic.Bool
	done      chan struct{}
}

// snapshot copies the job. Caller holds s.mu.
func (s *state) snapshot() *core.IngestionJob {
	job := s.job
	job.ErrorMsgs = withTail(s.job.ErrorMsgs, s.dropped)
	job.Warnings = withTail(s.job.Warnings, s.droppedW)
	return &job
}

func withTail(msgs []string, dropped int) []string {
	if len(msgs) == 0 && dropped == 0 {
		return nil
	}
	out := make([]string, len(msgs), len(msgs)+1)
	copy(out, msgs)
	if dropped > 0 {
		out = append(out, fmt.Sprintf("... %d more", dropped))
	}
	return out
}

// Create registers a new job. Job ids are never reused, including ids of
// finished jobs.
func (t *Tracker) Create(ctx context.Context, jobID, datasourceID string, total int) (*Handle, error) {
	if jobID == "" {
		return nil, ErrJobIDRequired
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.live[jobID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, jobID)
	}
	_, err := t.repo.GetJob(ctx, jobID)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobExists, jobID)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	s := &state{
		job: core.IngestionJob{
			JobID:        jobID,
			DatasourceID: datasourceID,
			Status:       core.JobStatusPending,
			Total:        total,
			CreatedAt:    time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	if err := t.repo.SaveJob(ctx, s.snapshot()); err != nil {
		return nil, err
	}
	t.live[jobID] = s

	t.logger.Debug("job created", "job", jobID, "datasource", datasourceID, "total", total)
	return &Handle{tracker: t, state: s}, nil
}

// Terminate asks a running job to stop before its next document.
func (t *Tracker) Terminate(ctx context.Context, jobID string) error {
	t.mu.Lock()
	s, ok := t.live[jobID]
	t.mu.Unlock()

	if !ok {
		if _, err := t.Get(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrJobFinished, jobID)
	}

	s.mu.Lock()
	finished := s.finished
	s.mu.Unlock()
	if finished {
		return fmt.Errorf("%w: %s", ErrJobFinished, jobID)
	}

	s.stop.Store(true)
	t.logger.Info("job termination requested", "job", jobID)
	return nil
}

// Get returns the current state of a job.
func (t *Tracker) Get(ctx context.Context, jobID string) (*core.IngestionJob, error) {
	t.mu.Lock()
	s, ok := t.live[jobID]
	t.mu.Unlock()

	if ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.snapshot(), nil
	}

	job, err := t.repo.GetJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, err
}

// List returns the jobs of a datasource, oldest first. An empty datasourceID
// lists every job.
func (t *Tracker) List(ctx context.Context, datasourceID string) ([]*core.IngestionJob, error) {
	jobs, err := t.repo.ListJobs(ctx, datasourceID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, job := range jobs {
		if s, ok := t.live[job.JobID]; ok {
			s.mu.Lock()
			jobs[i] = s.snapshot()
			s.mu.Unlock()
		}
	}
	return jobs, nil
}

// Active returns the ids of the datasource's jobs that have not finished.
func (t *Tracker) Active(datasourceID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []string
	for id, s := range t.live {
		s.mu.Lock()
		if s.job.DatasourceID == datasourceID && !s.finished {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}
	slices.Sort(ids)
	return ids
}

// Wait blocks until the job finishes or ctx ends, then returns its state.
func (t *Tracker) Wait(ctx context.Context, jobID string) (*core.IngestionJob, error) {
	t.mu.Lock()
	s, ok := t.live[jobID]
	t.mu.Unlock()

	if ok {
		select {
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return t.Get(ctx, jobID)
}

// Recover marks jobs left unfinished by a previous process as FAILED.
// It must run before any job is created.
func (t *Tracker) Recover(ctx context.Context) (int, error) {
	jobs, err := t.repo.ListJobs(ctx, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		job.Status = core.JobStatusFailed
		job.ErrorMsgs = append(job.ErrorMsgs, interruptedMsg)
		job.CompletedAt = time.Now().UTC()
		if err := t.repo.SaveJob(ctx, job); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		t.logger.Warn("marked interrupted jobs as failed", "count", n)
	}
	return n, nil
}

// persist writes the latest snapshot. Holding persistMu while taking the
// snapshot keeps stored counters monotonic.
func (t *Tracker) persist(s *state) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	job := s.snapshot()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := t.repo.SaveJob(ctx, job); err != nil {
		t.logger.Warn("failed to persist job state", "job", job.JobID, "err", err)
	}
}

func (t *Tracker) release(jobID string) {
	t.mu.Lock()
	delete(t.live, jobID)
	t.mu.Unlock()
}
