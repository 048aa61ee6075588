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
	"time"

	"github.com/poiesic/kbase/core"
)

// Handle reports progress for one job. It is safe for concurrent use by the
// workers processing the job's documents.
type Handle struct {
	tracker *Tracker
	state   *state
}

// JobID returns the job's id.
func (h *Handle) JobID() string {
	return h.state.job.JobID
}

// Begin moves the job from PENDING to IN_PROGRESS. Later calls are no-ops.
func (h *Handle) Begin() {
	s := h.state
	s.mu.Lock()
	if s.job.Status != core.JobStatusPending {
		s.mu.Unlock()
		return
	}
	s.job.Status = core.JobStatusInProgress
	s.job.StartedAt = time.Now().UTC()
	s.mu.Unlock()

	h.tracker.persist(s)
}

// Succeeded counts one processed document.
func (h *Handle) Succeeded() {
	s := h.state
	s.mu.Lock()
	s.job.ProgressCounter++
	s.mu.Unlock()

	h.tracker.persist(s)
}

// Failed counts one processed document that failed.
func (h *Handle) Failed(documentID string, err error) {
	msg := core.NewDocumentError(documentID, err).Error()

	s := h.state
	s.mu.Lock()
	s.job.ProgressCounter++
	s.job.FailedCounter++
	if len(s.job.ErrorMsgs) < h.tracker.maxMessages {
		s.job.ErrorMsgs = append(s.job.ErrorMsgs, msg)
	} else {
		s.dropped++
	}
	s.mu.Unlock()

	h.tracker.logger.Debug("document failed", "job", s.job.JobID, "document", documentID, "err", err)
	h.tracker.persist(s)
}

// Warn records a non-fatal problem.
func (h *Handle) Warn(msg string) {
	s := h.state
	s.mu.Lock()
	if len(s.job.Warnings) < h.tracker.maxMessages {
		s.job.Warnings = append(s.job.Warnings, msg)
	} else {
		s.droppedW++
	}
	s.mu.Unlock()

	h.tracker.persist(s)
}

// ShouldStop reports whether termination was requested or the job hit a
// fatal error. Workers check it before starting each document.
func (h *Handle) ShouldStop() bool {
	if h.state.stop.Load() {
		return true
	}
	h.state.mu.Lock()
	defer h.state.mu.Unlock()
	return h.state.fatal != nil
}

// Fail marks the job as failed by a pipeline-fatal error. The first error wins.
func (h *Handle) Fail(err error) {
	s := h.state
	s.mu.Lock()
	if s.fatal == nil {
		s.fatal = err
		s.job.ErrorMsgs = append(s.job.ErrorMsgs, err.Error())
	}
	s.mu.Unlock()

	h.tracker.logger.Error("job failed", "job", s.job.JobID, "err", err)
}

// Finish computes the terminal status, persists it and releases the job.
func (h *Handle) Finish() core.JobStatus {
	s := h.state
	s.mu.Lock()
	if s.finished {
		status := s.job.Status
		s.mu.Unlock()
		return status
	}

	job := &s.job
	switch {
	case s.fatal != nil:
		job.Status = core.JobStatusFailed
	case s.stop.Load() && job.ProgressCounter < job.Total:
		job.Status = core.JobStatusTerminated
	case job.Total > 0 && job.FailedCounter == job.Total:
		job.Status = core.JobStatusFailed
	case job.FailedCounter > 0:
		job.Status = core.JobStatusCompletedWithErrors
	default:
		job.Status = core.JobStatusCompleted
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	job.CompletedAt = time.Now().UTC()
	s.finished = true
	final := *job
	s.mu.Unlock()

	h.tracker.persist(s)
	h.tracker.release(final.JobID)
	close(s.done)

	h.tracker.logger.Info("job finished", "job", final.JobID, "status", final.Status,
		"progress", final.ProgressCounter, "failed", final.FailedCounter, "total", final.Total)
	return final.Status
}

// Done is closed once the job has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.state.done
}
