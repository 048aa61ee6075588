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
	"errors"
	"fmt"
	"time"

	"github.com/poiesic/kbase/ai"
	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/retry"
	"github.com/poiesic/kbase/sparse"
	"github.com/poiesic/kbase/storage"
)

// BatchProcessor handles embedding generation for batches of chunks.
type BatchProcessor struct {
	index    storage.VectorIndex
	embedder ai.Embedder
	policy   retry.Policy
}

// NewBatchProcessor creates a new batch processor.
func NewBatchProcessor(index storage.VectorIndex, embedder ai.Embedder, maxRetries int, retryBaseDelay time.Duration) *BatchProcessor {
	return &BatchProcessor{
		index:    index,
		embedder: embedder,
		policy: retry.Policy{
			MaxAttempts: maxRetries,
			BaseDelay:   retryBaseDelay,
			Retryable: func(err error) bool {
				return !errors.Is(err, context.Canceled)
			},
		},
	}
}

// Process re-embeds the chunks' text and writes them back.
func (bp *BatchProcessor) Process(ctx context.Context, chunks []*core.IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var embeddings [][]float32
	err := retry.Do(ctx, bp.policy, func(ctx context.Context) error {
		var err error
		embeddings, err = bp.embedder.EmbedTexts(ctx, texts)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to generate embeddings after %d attempts: %w", bp.policy.MaxAttempts, err)
	}

	if len(embeddings) != len(chunks) {
		return fmt.Errorf("%w: expected %d, got %d", ErrEmbeddingCount, len(chunks), len(embeddings))
	}

	now := time.Now().UTC()
	for i, c := range chunks {
		c.Vector = ai.NormalizeVector(embeddings[i])
		if c.TermFreqs == nil {
			c.TermFreqs = sparse.TermFrequencies(c.Text)
		}
		c.UpdatedAt = now
	}

	err = retry.Do(ctx, retry.Policy{
		MaxAttempts: bp.policy.MaxAttempts,
		BaseDelay:   bp.policy.BaseDelay,
		Retryable:   storage.IsTransient,
	}, func(ctx context.Context) error {
		return bp.index.UpsertChunks(ctx, chunks...)
	})
	if err != nil {
		return fmt.Errorf("failed to update chunks: %w", err)
	}

	return nil
}
