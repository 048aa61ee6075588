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

// Package kbase wires the knowledge base together: stores, embedder,
// ingestion pipeline, job tracker, searcher, freshness manager and
// consistency scanner.
//
// Open builds an Engine from a config.Config. The engine is what the HTTP
// server and the CLI talk to.
package kbase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/poiesic/kbase/ai"
	"github.com/poiesic/kbase/ai/openai"
	"github.com/poiesic/kbase/chunker"
	"github.com/poiesic/kbase/config"
	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/flatten"
	"github.com/poiesic/kbase/freshness"
	"github.com/poiesic/kbase/ingestion"
	"github.com/poiesic/kbase/jobs"
	"github.com/poiesic/kbase/reconcile"
	"github.com/poiesic/kbase/reembed"
	"github.com/poiesic/kbase/search"
	"github.com/poiesic/kbase/storage"
	"github.com/poiesic/kbase/storage/badger"
	"github.com/poiesic/kbase/storage/qdrant"
	"github.com/poiesic/kbase/storage/sqlite"
)

// Engine owns every component of a running knowledge base.
type Engine struct {
	cfg       *config.Config
	stores    *badger.Stores
	vectors   storage.VectorIndex
	graph     storage.GraphStore
	embedder  ai.Embedder
	tracker   *jobs.Tracker
	pipeline  *ingestion.Pipeline
	searcher  *search.Searcher
	freshness *freshness.Manager
	scanner   *reconcile.Scanner
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	embedder ai.Embedder
	inMemory bool
	logger   *slog.Logger
}

// WithEmbedder uses the given embedder instead of the configured endpoint.
func WithEmbedder(e ai.Embedder) Option {
	return func(o *engineOptions) {
		o.embedder = e
	}
}

// WithInMemory keeps the badger stores and the graph in memory.
func WithInMemory() Option {
	return func(o *engineOptions) {
		o.inMemory = true
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Open builds an engine from cfg. Jobs left unfinished by a previous process
// are marked failed.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := &engineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}

	e := &Engine{cfg: cfg, logger: options.logger.With("component", "engine")}
	opened := false
	defer func() {
		if opened {
			return
		}
		if e.pipeline != nil {
			e.pipeline.Release()
		}
		e.closeStores()
	}()

	var err error

	badgerPath, graphPath := cfg.BadgerPath(), cfg.GraphPath()
	if options.inMemory {
		badgerPath, graphPath = "", ""
	}
	if e.stores, err = badger.NewStores(badgerPath, options.inMemory); err != nil {
		return nil, fmt.Errorf("opening badger stores: %w", err)
	}
	graph, err := sqlite.Open(graphPath, sqlite.WithLogger(options.logger))
	if err != nil {
		return nil, fmt.Errorf("opening graph store: %w", err)
	}
	e.graph = graph
	if e.vectors, err = openVectorIndex(ctx, cfg, e.stores, options.logger); err != nil {
		return nil, err
	}
	if e.embedder, err = newEmbedder(cfg.Embedder, options.embedder); err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	if err = e.build(ctx, options.logger); err != nil {
		return nil, err
	}
	opened = true
	return e, nil
}

func openVectorIndex(ctx context.Context, cfg *config.Config, stores *badger.Stores, logger *slog.Logger) (storage.VectorIndex, error) {
	if cfg.VectorStore.Type != config.VectorStoreQdrant {
		return stores.Vectors, nil
	}
	idx, err := qdrant.Open(ctx, qdrant.Config{
		Addr:       cfg.VectorStore.Qdrant.Addr,
		Collection: cfg.VectorStore.Qdrant.Collection,
		VectorSize: uint64(cfg.Embedder.Dimensions),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening qdrant index: %w", err)
	}
	return idx, nil
}

func newEmbedder(cfg config.EmbedderConfig, override ai.Embedder) (ai.Embedder, error) {
	if override != nil {
		return override, nil
	}
	aiConfig := ai.NewConfig(
		ai.WithHost(cfg.Host),
		ai.WithEmbeddingModel(cfg.Model),
		ai.WithAPIKey(cfg.APIKey()),
		ai.WithDimensions(cfg.Dimensions),
		ai.WithRateLimit(cfg.RequestsPerSecond, cfg.Burst),
	)
	embedder, err := openai.NewEmbedder(aiConfig)
	if err != nil {
		return nil, err
	}
	return ai.NewRateLimitedEmbedder(embedder, aiConfig.RequestsPerSecond, aiConfig.Burst), nil
}

func (e *Engine) build(ctx context.Context, logger *slog.Logger) error {
	in := e.cfg.Ingestion

	tracker, err := jobs.NewTracker(e.stores.Jobs, jobs.WithLogger(logger), jobs.WithMaxMessages(in.MaxJobMessages))
	if err != nil {
		return err
	}
	if _, err := tracker.Recover(ctx); err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	}
	e.tracker = tracker

	ch, err := chunker.New(chunker.WithMaxSize(in.ChunkSize), chunker.WithOverlap(in.ChunkOverlap))
	if err != nil {
		return err
	}
	fl, err := flatten.New(flatten.WithMaxDepth(in.MaxDepth), flatten.WithMaxPropertyLength(in.MaxPropertyLength))
	if err != nil {
		return err
	}
	writer, err := ingestion.NewWriter(e.vectors, e.graph, e.embedder,
		ingestion.WithWriterConfig(ingestion.WriterConfig{
			EmbedBatchSize: in.EmbedBatchSize,
			GraphBatchSize: in.GraphBatchSize,
			StoreTimeout:   in.StoreTimeout,
			MaxRetries:     in.MaxRetries,
			RetryDelay:     in.RetryDelay,
		}),
		ingestion.WithChunker(ch),
		ingestion.WithFlattener(fl),
		ingestion.WithWriterLogger(logger),
	)
	if err != nil {
		return err
	}

	normalizer := ingestion.NewNormalizer(in.DefaultTTL)
	normalizer.MaxBatchSize = in.MaxBatchSize
	locks := ingestion.NewDocumentLocks()

	e.pipeline, err = ingestion.NewPipeline(writer, tracker, e.stores.Datasources,
		ingestion.WithPoolSize(in.Concurrency),
		ingestion.WithMaxConcurrentJobs(in.MaxConcurrentJobs),
		ingestion.WithNormalizer(normalizer),
		ingestion.WithDocumentLocks(locks),
		ingestion.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	e.searcher, err = search.NewSearcher(e.vectors, e.embedder,
		search.WithCandidateMultiplier(e.cfg.Search.CandidateMultiplier),
		search.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	mode, err := freshness.ParseMode(e.cfg.Freshness.Mode)
	if err != nil {
		return err
	}
	e.freshness, err = freshness.NewManager(e.vectors, e.graph,
		freshness.WithMode(mode),
		freshness.WithInterval(e.cfg.Freshness.Interval),
		freshness.WithLocker(locks),
		freshness.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	e.scanner, err = reconcile.NewScanner(e.vectors, e.graph,
		reconcile.WithLocker(locks),
		reconcile.WithLogger(logger),
	)
	return err
}

// Ingest validates and schedules a batch, returning its job id.
func (e *Engine) Ingest(ctx context.Context, req *ingestion.IngestRequest) (string, error) {
	return e.pipeline.Submit(ctx, req)
}

// Job returns a job snapshot.
func (e *Engine) Job(ctx context.Context, jobID string) (*core.IngestionJob, error) {
	return e.tracker.Get(ctx, jobID)
}

// Jobs lists jobs, optionally for one datasource.
func (e *Engine) Jobs(ctx context.Context, datasourceID string) ([]*core.IngestionJob, error) {
	return e.tracker.List(ctx, datasourceID)
}

// TerminateJob asks a running job to stop before its next document.
func (e *Engine) TerminateJob(ctx context.Context, jobID string) error {
	return e.tracker.Terminate(ctx, jobID)
}

// WaitJob blocks until the job finishes or ctx is done.
func (e *Engine) WaitJob(ctx context.Context, jobID string) (*core.IngestionJob, error) {
	return e.tracker.Wait(ctx, jobID)
}

// Query runs a hybrid search.
func (e *Engine) Query(ctx context.Context, req search.Request) ([]*core.SearchResult, error) {
	return e.searcher.Query(ctx, req)
}

// QueryWithMonitor runs a hybrid search reporting each stage to monitor.
func (e *Engine) QueryWithMonitor(ctx context.Context, req search.Request, monitor search.SearchMonitor) ([]*core.SearchResult, error) {
	return e.searcher.QueryWithMonitor(ctx, req, monitor)
}

// DatasourceStatus is a registered datasource with its freshness state.
type DatasourceStatus struct {
	*core.DataSourceInfo
	Stale bool
}

// Datasources lists every registered datasource.
func (e *Engine) Datasources(ctx context.Context) ([]DatasourceStatus, error) {
	infos, err := e.stores.Datasources.ListDatasources(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]DatasourceStatus, len(infos))
	for i, info := range infos {
		out[i] = DatasourceStatus{DataSourceInfo: info, Stale: e.freshness.IsStale(info)}
	}
	return out, nil
}

// DeleteDatasource removes a datasource with all its chunks, entities and
// relations. It returns storage.ErrNotFound for unknown datasources and
// ingestion.ErrDatasourceBusy while a job of the datasource is live.
func (e *Engine) DeleteDatasource(ctx context.Context, datasourceID string) error {
	return e.pipeline.WhenIdle(ctx, datasourceID, func(ctx context.Context) error {
		if _, err := e.stores.Datasources.GetDatasource(ctx, datasourceID); err != nil {
			return err
		}
		err := errors.Join(
			e.vectors.DeleteDatasource(ctx, datasourceID),
			e.graph.DeleteDatasource(ctx, datasourceID),
		)
		if err != nil {
			return err
		}
		e.logger.Info("datasource deleted", "datasource_id", datasourceID)
		return e.stores.Datasources.DeleteDatasource(ctx, datasourceID)
	})
}

// Entity returns a graph entity and its outgoing relations.
func (e *Engine) Entity(ctx context.Context, ref core.EntityRef) (*core.GraphEntity, []core.Relation, error) {
	entity, err := e.graph.GetEntity(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	relations, err := e.graph.Relations(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	return entity, relations, nil
}

// Reconcile compares the datasource's graph documents across both stores.
func (e *Engine) Reconcile(ctx context.Context, datasourceID string, repair bool) (*reconcile.Report, error) {
	return e.scanner.Scan(ctx, datasourceID, repair)
}

// Sweep runs one freshness sweep.
func (e *Engine) Sweep(ctx context.Context) (*freshness.Report, error) {
	return e.freshness.Sweep(ctx)
}

// RunFreshness sweeps periodically until ctx is done. It returns at once
// when freshness sweeps are disabled.
func (e *Engine) RunFreshness(ctx context.Context) error {
	if !e.cfg.Freshness.Enabled {
		e.logger.Info("freshness sweeps disabled")
		return nil
	}
	return e.freshness.Run(ctx)
}

// NewReembedder creates a reembedder over the engine's vector index.
func (e *Engine) NewReembedder(config *reembed.Config, progress io.Writer) (*reembed.Reembedder, error) {
	return reembed.NewReembedder(e.vectors, e.embedder, config, progress)
}

// Health pings both stores.
func (e *Engine) Health(ctx context.Context) error {
	return errors.Join(e.vectors.Ping(ctx), e.graph.Ping(ctx))
}

// Close terminates running jobs, waits for them to stop and closes the stores.
func (e *Engine) Close() error {
	ctx := context.Background()
	if live, err := e.tracker.List(ctx, ""); err == nil {
		for _, job := range live {
			if !job.Status.IsTerminal() {
				if err := e.tracker.Terminate(ctx, job.JobID); err != nil && !errors.Is(err, jobs.ErrJobFinished) {
					e.logger.Warn("failed to terminate job", "job", job.JobID, "err", err)
				}
			}
		}
	}
	e.pipeline.Release()
	return e.closeStores()
}

func (e *Engine) closeStores() error {
	var errs []error
	if e.vectors != nil && e.stores != nil && e.vectors != storage.VectorIndex(e.stores.Vectors) {
		if err := e.vectors.Close(); err != nil {
			e.logger.Error("error closing vector index", "err", err)
			errs = append(errs, err)
		}
	}
	if e.graph != nil {
		if err := e.graph.Close(); err != nil {
			e.logger.Error("error closing graph store", "err", err)
			errs = append(errs, err)
		}
	}
	if e.stores != nil {
		if err := e.stores.Close(); err != nil {
			e.logger.Error("error closing backend storage", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
