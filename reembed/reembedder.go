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

package reembed

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/poiesic/kbase/ai"
	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/storage"
)

// Config holds configuration for reembedding operations.
type Config struct {
	// BatchSize is the number of chunks to process in each batch
	BatchSize int

	// ReportInterval is how often to report progress (number of chunks)
	ReportInterval int

	// MaxRetries is the maximum number of retry attempts for failed operations
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      100,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
	}
}

// Reembedder orchestrates re-embedding of every chunk in a vector index.
type Reembedder struct {
	index     storage.VectorIndex
	config    *Config
	progress  io.Writer
	processor *BatchProcessor
	iterator  *ChunkIterator
}

// NewReembedder creates a new reembedder. Progress is written to progress.
func NewReembedder(index storage.VectorIndex, embedder ai.Embedder, config *Config, progress io.Writer) (*Reembedder, error) {
	if index == nil {
		return nil, ErrVectorIndexRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if config == nil {
		config = DefaultConfig()
	}
	if progress == nil {
		progress = io.Discard
	}

	return &Reembedder{
		index:     index,
		config:    config,
		progress:  progress,
		processor: NewBatchProcessor(index, embedder, config.MaxRetries, config.RetryDelay),
		iterator:  NewChunkIterator(index, config.BatchSize),
	}, nil
}

// Run re-embeds every chunk with text and reports what it did per
// datasource. On error the partial report is returned with it.
func (r *Reembedder) Run(ctx context.Context) (*Report, error) {
	total, err := r.iterator.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	if total == 0 {
		fmt.Fprintf(r.progress, "No chunks found in index (0 chunks)\n")
		return &Report{ByDatasource: map[string]int{}}, nil
	}

	fmt.Fprintf(r.progress, "Starting reembedding of %d chunks (batch size: %d)\n",
		total, r.iterator.batchSize)

	prog := newProgress(r.progress, total, r.config.ReportInterval)
	err = r.iterator.ForEach(ctx, func(chunks []*core.IndexedChunk) error {
		embed := make([]*core.IndexedChunk, 0, len(chunks))
		for _, c := range chunks {
			if strings.TrimSpace(c.Text) != "" {
				embed = append(embed, c)
			}
		}
		if err := r.processor.Process(ctx, embed); err != nil {
			return fmt.Errorf("failed to process batch starting at %s: %w", chunks[0].ChunkID, err)
		}
		prog.record(embed, len(chunks)-len(embed))
		return nil
	})
	if err != nil {
		return &prog.report, err
	}

	report := prog.finish()
	fmt.Fprintf(r.progress, "Reembedding complete. Reembedded %d chunks, skipped %d, in %v\n",
		report.Reembedded, report.Skipped, report.Elapsed.Round(time.Millisecond))
	return report, nil
}
