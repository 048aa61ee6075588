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

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/storage"
)

const (
	// DefaultBatchSize is the default number of chunks to fetch in each batch
	DefaultBatchSize = 100
)

// ChunkIterator pages through every chunk of a vector index.
type ChunkIterator struct {
	index     storage.VectorIndex
	batchSize int
}

// NewChunkIterator creates an iterator reading batchSize chunks at a time.
func NewChunkIterator(index storage.VectorIndex, batchSize int) *ChunkIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	return &ChunkIterator{
		index:     index,
		batchSize: batchSize,
	}
}

// ForEach calls fn with consecutive batches until the index is exhausted,
// fn fails or ctx is done. The cursor is the last chunk id of the previous
// batch, so fn may rewrite the chunks it receives.
func (it *ChunkIterator) ForEach(ctx context.Context, fn func([]*core.IndexedChunk) error) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := it.index.ScanChunks(ctx, after, it.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		after = batch[len(batch)-1].ChunkID

		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < it.batchSize {
			return nil
		}
	}
}

// Count returns the number of chunks in the index.
func (it *ChunkIterator) Count(ctx context.Context) (int, error) {
	total := 0
	err := it.ForEach(ctx, func(batch []*core.IndexedChunk) error {
		total += len(batch)
		return nil
	})
	return total, err
}
