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
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/poiesic/kbase/ai"
	"github.com/poiesic/kbase/chunker"
	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/flatten"
	"github.com/poiesic/kbase/retry"
	"github.com/poiesic/kbase/sparse"
	"github.com/poiesic/kbase/storage"
)

// Writer defaults.
const (
	DefaultEmbedBatchSize = 16
	DefaultGraphBatchSize = 1000
	DefaultStoreTimeout   = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryDelay     = 200 * time.Millisecond
)

// WriterConfig tunes batching, timeouts and retries.
type WriterConfig struct {
	EmbedBatchSize int
	GraphBatchSize int
	StoreTimeout   time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// DefaultWriterConfig returns the default writer settings.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		EmbedBatchSize: DefaultEmbedBatchSize,
		GraphBatchSize: DefaultGraphBatchSize,
		StoreTimeout:   DefaultStoreTimeout,
		MaxRetries:     DefaultMaxRetries,
		RetryDelay:     DefaultRetryDelay,
	}
}

// WriterOption configures a Writer.
type WriterOption func(*Writer) error

// WithWriterConfig replaces the writer settings.
func WithWriterConfig(cfg WriterConfig) WriterOption {
	return func(w *Writer) error {
		if cfg.EmbedBatchSize < 1 || cfg.GraphBatchSize < 1 {
			return fmt.Errorf("%w: batch sizes must be positive", ErrInvalidConfig)
		}
		if cfg.StoreTimeout <= 0 {
			return fmt.Errorf("%w: store timeout must be positive", ErrInvalidConfig)
		}
		if cfg.MaxRetries < 0 || cfg.RetryDelay < 0 {
			return fmt.Errorf("%w: retries must not be negative", ErrInvalidConfig)
		}
		w.cfg = cfg
		return nil
	}
}

// WithChunker sets the default chunker.
func WithChunker(c *chunker.Chunker) WriterOption {
	return func(w *Writer) error {
		if c != nil {
			w.chunker = c
		}
		return nil
	}
}

// WithFlattener sets the entity flattener.
func WithFlattener(f *flatten.Flattener) WriterOption {
	return func(w *Writer) error {
		if f != nil {
			w.flattener = f
		}
		return nil
	}
}

// WithWriterLogger sets a custom logger.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) error {
		if logger == nil {
			logger = slog.Default()
		}
		w.logger = logger
		return nil
	}
}

// WriteResult summarises one written document.
type WriteResult struct {
	Chunks    int
	Entities  int
	Relations int
	Warnings  []string
}

// Writer writes documents to the vector index and, for graph entities, to
// the graph store. It is safe for concurrent use; callers serialise writes
// per document id.
type Writer struct {
	vectors   storage.VectorIndex
	graph     storage.GraphStore
	embedder  ai.Embedder
	chunker   *chunker.Chunker
	flattener *flatten.Flattener
	cfg       WriterConfig
	logger    *slog.Logger
}

// NewWriter creates a writer.
func NewWriter(vectors storage.VectorIndex, graph storage.GraphStore, embedder ai.Embedder, opts ...WriterOption) (*Writer, error) {
	if vectors == nil {
		return nil, ErrVectorIndexRequired
	}
	if graph == nil {
		return nil, ErrGraphStoreRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	w := &Writer{
		vectors:  vectors,
		graph:    graph,
		embedder: embedder,
		cfg:      DefaultWriterConfig(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	if w.chunker == nil {
		c, err := chunker.New()
		if err != nil {
			return nil, err
		}
		w.chunker = c
	}
	if w.flattener == nil {
		f, err := flatten.New()
		if err != nil {
			return nil, err
		}
		w.flattener = f
	}
	w.logger = w.logger.With("component", "writer")
	return w, nil
}

// Write stores one document, replacing whatever an earlier ingestion of the
// same id produced. A nil chunker uses the default. When both stores fail
// transiently the error wraps core.ErrPipelineFatal.
func (w *Writer) Write(ctx context.Context, doc *core.Document, ch *chunker.Chunker) (*WriteResult, error) {
	if ch == nil {
		ch = w.chunker
	}
	res := &WriteResult{}

	var flat *flatten.Result
	text := doc.RawContent
	if doc.IsGraphEntity {
		var err error
		flat, err = w.flattener.Flatten(doc.Entity)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrValidation, err)
		}
		rendered, err := RenderEntity(doc.Entity)
		if err != nil {
			return nil, fmt.Errorf("%w: rendering entity: %w", core.ErrValidation, err)
		}
		if text != "" {
			rendered += "\n\n" + text
		}
		text = rendered
	}

	vecErr := w.writeVectors(ctx, doc, text, ch, res)

	var graphErr error
	if flat != nil {
		graphErr = w.writeGraph(ctx, doc, flat, res)
		for _, warning := range flat.Warnings {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %v", doc.ID, warning))
		}
		for _, d := range flat.Dropped {
			w.logger.Debug("property dropped from graph form",
				"document", doc.ID, "entity", d.Entity.String(), "property", d.Property, "size", d.Size)
		}
	}

	switch {
	case vecErr == nil && graphErr == nil:
		return res, nil
	case isTransientFailure(vecErr) && isTransientFailure(graphErr):
		return res, fmt.Errorf("%w: both stores unavailable: %w", core.ErrPipelineFatal, errors.Join(vecErr, graphErr))
	default:
		return res, errors.Join(vecErr, graphErr)
	}
}

func isTransientFailure(err error) bool {
	return err != nil && errors.Is(err, core.ErrTransientStore)
}

// writeVectors replaces the document's chunks.
func (w *Writer) writeVectors(ctx context.Context, doc *core.Document, text string, ch *chunker.Chunker, res *WriteResult) error {
	err := w.store(ctx, func(ctx context.Context) error {
		return w.vectors.DeleteDocument(ctx, doc.ID)
	})
	if err != nil {
		return w.storeError("vector index", err)
	}

	total := ch.Count(text)
	batch := make([]chunker.Segment, 0, w.cfg.EmbedBatchSize)
	for seg := range ch.Chunks(text) {
		batch = append(batch, seg)
		if len(batch) < w.cfg.EmbedBatchSize {
			continue
		}
		if err := w.flushChunks(ctx, doc, batch, total); err != nil {
			return err
		}
		res.Chunks += len(batch)
		batch = batch[:0]
	}
	if len(batch) > 0 {
		if err := w.flushChunks(ctx, doc, batch, total); err != nil {
			return err
		}
		res.Chunks += len(batch)
	}
	return nil
}

func (w *Writer) flushChunks(ctx context.Context, doc *core.Document, segments []chunker.Segment, total int) error {
	texts := make([]string, len(segments))
	for i, seg := range segments {
		texts[i] = seg.Text
	}

	var vectors [][]float32
	err := w.call(ctx, nil, func(ctx context.Context) error {
		var err error
		vectors, err = w.embedder.EmbedTexts(ctx, texts)
		return err
	})
	if err != nil {
		if storage.IsTransient(err) {
			return fmt.Errorf("%w: embedding: %w", core.ErrTransientStore, err)
		}
		return fmt.Errorf("embedding: %w", err)
	}
	if len(vectors) != len(segments) {
		return fmt.Errorf("embedding result mismatch. expected %d, received %d", len(segments), len(vectors))
	}

	entityType := ""
	if doc.Entity != nil {
		entityType = doc.Entity.EntityType
	}
	now := time.Now().UTC()
	chunks := make([]*core.IndexedChunk, len(segments))
	for i, seg := range segments {
		chunks[i] = &core.IndexedChunk{
			Chunk: core.Chunk{
				ChunkID:         core.ChunkID(doc.ID, seg.Index),
				DocumentID:      doc.ID,
				Text:            seg.Text,
				ChunkIndex:      seg.Index,
				TotalChunks:     total,
				Title:           doc.Title,
				DatasourceID:    doc.DatasourceID,
				IngestorID:      doc.IngestorID,
				DocumentType:    doc.DocumentType,
				IsGraphEntity:   doc.IsGraphEntity,
				GraphEntityType: entityType,
				Metadata:        doc.Metadata,
				FreshUntil:      doc.FreshUntil,
			},
			Vector:    ai.NormalizeVector(vectors[i]),
			TermFreqs: sparse.TermFrequencies(seg.Text),
			UpdatedAt: now,
		}
	}

	err = w.store(ctx, func(ctx context.Context) error {
		return w.vectors.UpsertChunks(ctx, chunks...)
	})
	if err != nil {
		return w.storeError("vector index", err)
	}
	return nil
}

// writeGraph replaces the entities and relations the document produced.
func (w *Writer) writeGraph(ctx context.Context, doc *core.Document, flat *flatten.Result, res *WriteResult) error {
	err := w.store(ctx, func(ctx context.Context) error {
		return w.graph.DeleteDocument(ctx, doc.ID)
	})
	if err != nil {
		return w.storeError("graph store", err)
	}

	for _, e := range flat.Entities {
		e.DocumentID = doc.ID
		e.DatasourceID = doc.DatasourceID
		e.FreshUntil = doc.FreshUntil
	}
	for i := range flat.Relations {
		flat.Relations[i].DocumentID = doc.ID
	}

	for batch := range slices.Chunk(flat.Entities, w.cfg.GraphBatchSize) {
		err := w.store(ctx, func(ctx context.Context) error {
			return w.graph.UpsertEntities(ctx, batch...)
		})
		if err != nil {
			return w.storeError("graph store", err)
		}
		res.Entities += len(batch)
	}
	for batch := range slices.Chunk(flat.Relations, w.cfg.GraphBatchSize) {
		err := w.store(ctx, func(ctx context.Context) error {
			return w.graph.UpsertRelations(ctx, batch...)
		})
		if err != nil {
			return w.storeError("graph store", err)
		}
		res.Relations += len(batch)
	}
	return nil
}

// store runs a store call with a timeout, retrying transient failures.
func (w *Writer) store(ctx context.Context, op func(ctx context.Context) error) error {
	return w.call(ctx, storage.IsTransient, op)
}

// call runs op under StoreTimeout with up to MaxRetries retries. A nil
// retryable retries every error except cancellation.
func (w *Writer) call(ctx context.Context, retryable func(error) bool, op func(ctx context.Context) error) error {
	if retryable == nil {
		retryable = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	policy := retry.Policy{
		MaxAttempts: w.cfg.MaxRetries + 1,
		BaseDelay:   w.cfg.RetryDelay,
		Retryable:   retryable,
	}
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
		defer cancel()
		return op(callCtx)
	})
}

func (w *Writer) storeError(store string, err error) error {
	if storage.IsTransient(err) {
		return fmt.Errorf("%w: %s: %w", core.ErrTransientStore, store, err)
	}
	return fmt.Errorf("%s: %w", store, err)
}

// RenderEntity produces the text form of a graph entity: its type, labels
// and primary key first, then every property as YAML.
func RenderEntity(e *core.GraphEntity) (string, error) {
	var b strings.Builder
	b.WriteString("entity_type: ")
	b.WriteString(e.EntityType)
	b.WriteByte('\n')

	if len(e.Labels) > 0 {
		labels := slices.Clone(e.Labels)
		slices.Sort(labels)
		b.WriteString("labels: ")
		b.WriteString(strings.Join(slices.Compact(labels), ", "))
		b.WriteByte('\n')
	}

	keys := make([]string, len(e.PrimaryKeyProperties))
	for i, prop := range e.PrimaryKeyProperties {
		keys[i] = prop + "=" + core.ScalarString(e.AdditionalProperties[prop])
	}
	b.WriteString("primary_key: ")
	b.WriteString(strings.Join(keys, ", "))
	b.WriteByte('\n')

	if len(e.AdditionalProperties) > 0 {
		props, err := yaml.Marshal(e.AdditionalProperties)
		if err != nil {
			return "", err
		}
		b.WriteString("---\n")
		b.Write(props)
	}
	return b.String(), nil
}
