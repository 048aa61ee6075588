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

package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/poiesic/kbase/chunker"
	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/jobs"
	"github.com/poiesic/kbase/storage"
)

// DefaultMaxConcurrentJobs bounds how many jobs dispatch documents at once.
const DefaultMaxConcurrentJobs = 4

// Pipeline runs ingestion jobs. Jobs run on one pool and their documents on
// a second pool shared by every job.
type Pipeline struct {
	normalizer  *Normalizer
	writer      *Writer
	tracker     *jobs.Tracker
	datasources storage.DatasourceRepository
	locks       *DocumentLocks
	// dsLocks serialises job creation against datasource deletion.
	dsLocks     *DocumentLocks
	jobPool     *ants.Pool
	docPool     *ants.Pool
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the document worker pool size.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		if p.docPool != nil {
			p.docPool.Release()
		}
		p.docPool = pool
		return nil
	}
}

// WithMaxConcurrentJobs sets the job pool size.
func WithMaxConcurrentJobs(n int) Option {
	return func(p *Pipeline) error {
		if n < 1 {
			n = 1
		}
		pool, err := ants.NewPool(n)
		if err != nil {
			return err
		}
		if p.jobPool != nil {
			p.jobPool.Release()
		}
		p.jobPool = pool
		return nil
	}
}

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *Normalizer) Option {
	return func(p *Pipeline) error {
		if n != nil {
			p.normalizer = n
		}
		return nil
	}
}

// WithDocumentLocks shares a lock table with other writers, such as the
// freshness manager.
func WithDocumentLocks(locks *DocumentLocks) Option {
	return func(p *Pipeline) error {
		if locks != nil {
			p.locks = locks
		}
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// NewPipeline creates a new ingestion pipeline.
func NewPipeline(writer *Writer, tracker *jobs.Tracker, datasources storage.DatasourceRepository, opts ...Option) (*Pipeline, error) {
	if writer == nil {
		return nil, ErrWriterRequired
	}
	if tracker == nil {
		return nil, ErrTrackerRequired
	}
	if datasources == nil {
		return nil, ErrDatasourcesRequired
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	docPool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}
	jobPool, err := ants.NewPool(DefaultMaxConcurrentJobs)
	if err != nil {
		docPool.Release()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		normalizer:  NewNormalizer(0),
		writer:      writer,
		tracker:     tracker,
		datasources: datasources,
		locks:       NewDocumentLocks(),
		dsLocks:     NewDocumentLocks(),
		jobPool:     jobPool,
		docPool:     docPool,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			p.Release()
			return nil, optErr
		}
	}
	p.logger = p.logger.With("component", "pipeline")
	return p, nil
}

// WhenIdle runs fn once no job of the datasource is live. Submissions for
// the datasource wait until fn returns. When a job is still live fn is not
// called and the error wraps ErrDatasourceBusy.
func (p *Pipeline) WhenIdle(ctx context.Context, datasourceID string, fn func(ctx context.Context) error) error {
	unlock := p.dsLocks.Lock(datasourceID)
	defer unlock()

	if active := p.tracker.Active(datasourceID); len(active) > 0 {
		return fmt.Errorf("%w: %s has %d live jobs (%s)", ErrDatasourceBusy,
			datasourceID, len(active), strings.Join(active, ", "))
	}
	return fn(ctx)
}

// Submit validates a batch, creates its job and schedules it. It returns the
// job id without waiting for any document to be written.
func (p *Pipeline) Submit(ctx context.Context, req *IngestRequest) (string, error) {
	if err := p.normalizer.Check(req); err != nil {
		return "", err
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	unlock := p.dsLocks.Lock(req.DatasourceID)
	defer unlock()

	handle, err := p.tracker.Create(ctx, jobID, req.DatasourceID, len(req.Documents))
	if err != nil {
		return "", err
	}

	docs, rejected := p.normalizer.Normalize(req)
	ch := p.chunkerFor(ctx, req.DatasourceID)

	err = p.datasources.TouchDatasource(ctx, &core.DataSourceInfo{
		DatasourceID: req.DatasourceID,
		IngestorID:   req.IngestorID,
		LastUpdated:  time.Now().UTC(),
	})
	if err != nil {
		p.logger.Warn("failed to register datasource", "datasource", req.DatasourceID, "err", err)
	}

	p.logger.Info("job accepted", "job", jobID, "datasource", req.DatasourceID,
		"documents", len(req.Documents), "rejected", len(rejected))

	// Waiting for a job slot happens off the caller's path.
	p.wg.Add(1)
	go func() {
		err := p.jobPool.Submit(func() {
			defer p.wg.Done()
			p.run(handle, req.DatasourceID, docs, rejected, ch)
		})
		if err != nil {
			p.logger.Error("failed to schedule job", "job", jobID, "err", err)
			handle.Fail(err)
			handle.Finish()
			p.wg.Done()
		}
	}()

	return jobID, nil
}

// chunkerFor honours a datasource's chunking defaults, falling back to the
// writer's chunker.
func (p *Pipeline) chunkerFor(ctx context.Context, datasourceID string) *chunker.Chunker {
	info, err := p.datasources.GetDatasource(ctx, datasourceID)
	if err != nil || info.DefaultChunkSize <= 0 {
		return nil
	}
	opts := []chunker.Option{chunker.WithMaxSize(info.DefaultChunkSize)}
	if info.DefaultChunkOverlap > 0 {
		opts = append(opts, chunker.WithOverlap(info.DefaultChunkOverlap))
	}
	ch, err := chunker.New(opts...)
	if err != nil {
		p.logger.Warn("ignoring invalid datasource chunk settings", "datasource", datasourceID, "err", err)
		return nil
	}
	return ch
}

// run processes one job's documents and finishes the job.
func (p *Pipeline) run(handle *jobs.Handle, datasourceID string, docs []*core.Document, rejected []*core.DocumentError, ch *chunker.Chunker) {
	handle.Begin()
	for _, r := range rejected {
		handle.Failed(r.DocumentID, r.Err)
	}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		freshUntil time.Time
	)
	for _, doc := range docs {
		if handle.ShouldStop() {
			break
		}
		wg.Add(1)
		err := p.docPool.Submit(func() {
			defer wg.Done()
			if handle.ShouldStop() {
				return
			}
			if !p.process(handle, doc, ch) {
				return
			}
			mu.Lock()
			if doc.FreshUntil.After(freshUntil) {
				freshUntil = doc.FreshUntil
			}
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			handle.Failed(doc.ID, err)
		}
	}
	wg.Wait()

	err := p.datasources.TouchDatasource(p.ctx, &core.DataSourceInfo{
		DatasourceID: datasourceID,
		LastUpdated:  time.Now().UTC(),
		FreshUntil:   freshUntil,
	})
	if err != nil {
		p.logger.Warn("failed to update datasource", "datasource", datasourceID, "err", err)
	}

	handle.Finish()
}

// process writes one document under its lock and reports the outcome.
func (p *Pipeline) process(handle *jobs.Handle, doc *core.Document, ch *chunker.Chunker) bool {
	unlock := p.locks.Lock(doc.ID)
	defer unlock()

	res, err := p.writer.Write(p.ctx, doc, ch)
	if res != nil {
		for _, w := range res.Warnings {
			handle.Warn(w)
		}
	}
	if err != nil {
		handle.Failed(doc.ID, err)
		if errors.Is(err, core.ErrPipelineFatal) {
			handle.Fail(err)
		}
		return false
	}

	p.logger.Debug("document written", "job", handle.JobID(), "document", doc.ID,
		"chunks", res.Chunks, "entities", res.Entities, "relations", res.Relations)
	handle.Succeeded()
	return true
}

// Wait blocks until every submitted job has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Release stops accepting work, waits for running jobs and releases the pools.
// The pipeline should not be used after calling Release.
func (p *Pipeline) Release() {
	p.wg.Wait()
	p.cancel()
	if p.jobPool != nil {
		p.jobPool.Release()
	}
	if p.docPool != nil {
		p.docPool.Release()
	}
}
