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
	"testing"
	"time"

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEmbedder for testing
type mockEmbedder struct {
	embedTextFunc  func(ctx context.Context, text string) ([]float32, error)
	embedTextsFunc func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *mockEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if m.embedTextFunc != nil {
		return m.embedTextFunc(ctx, text)
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (m *mockEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if m.embedTextsFunc != nil {
		return m.embedTextsFunc(ctx, texts)
	}
	// Default: return unnormalized vectors for each text
	result := make([][]float32, len(texts))
	for i := range texts {
		result[i] = []float32{1.0, 2.0, 2.0} // magnitude = 3.0
	}
	return result, nil
}

func allChunks(t *testing.T, index storage.VectorIndex) []*core.IndexedChunk {
	t.Helper()
	var out []*core.IndexedChunk
	err := NewChunkIterator(index, 50).ForEach(context.Background(), func(chunks []*core.IndexedChunk) error {
		out = append(out, chunks...)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestBatchProcessor_Process(t *testing.T) {
	index := setupTestIndex(t)
	seedChunks(t, index, 2)
	ctx := context.Background()

	processor := NewBatchProcessor(index, &mockEmbedder{}, 3, 10*time.Millisecond)
	require.NoError(t, processor.Process(ctx, allChunks(t, index)))

	for _, c := range allChunks(t, index) {
		require.Len(t, c.Vector, 3)
		assert.InDelta(t, 1.0/3, c.Vector[0], 1e-6, "vector should be normalized")
		assert.InDelta(t, 2.0/3, c.Vector[1], 1e-6)
		assert.Equal(t, 1, c.TermFreqs["test"], "term frequencies are kept")
	}
}

func TestBatchProcessor_EmptyBatch(t *testing.T) {
	embedder := &mockEmbedder{
		embedTextsFunc: func(context.Context, []string) ([][]float32, error) {
			t.Fatal("embedder should not be called")
			return nil, nil
		},
	}
	processor := NewBatchProcessor(setupTestIndex(t), embedder, 3, 10*time.Millisecond)
	assert.NoError(t, processor.Process(context.Background(), nil))
}

func TestBatchProcessor_RetriesEmbedding(t *testing.T) {
	index := setupTestIndex(t)
	seedChunks(t, index, 1)

	attempts := 0
	embedder := &mockEmbedder{
		embedTextsFunc: func(_ context.Context, texts []string) ([][]float32, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("temporary error")
			}
			return [][]float32{{0, 3, 4}}, nil
		},
	}
	processor := NewBatchProcessor(index, embedder, 3, time.Millisecond)
	require.NoError(t, processor.Process(context.Background(), allChunks(t, index)))
	assert.Equal(t, 3, attempts)

	chunks := allChunks(t, index)
	require.Len(t, chunks, 1)
	assert.InDelta(t, 0.8, chunks[0].Vector[2], 1e-6)
}

func TestBatchProcessor_CountMismatch(t *testing.T) {
	index := setupTestIndex(t)
	seedChunks(t, index, 2)

	embedder := &mockEmbedder{
		embedTextsFunc: func(context.Context, []string) ([][]float32, error) {
			return [][]float32{{1, 0, 0}}, nil
		},
	}
	processor := NewBatchProcessor(index, embedder, 1, time.Millisecond)
	err := processor.Process(context.Background(), allChunks(t, index))
	assert.ErrorIs(t, err, ErrEmbeddingCount)
}

func TestBatchProcessor_CancelledIsNotRetried(t *testing.T) {
	index := setupTestIndex(t)
	seedChunks(t, index, 1)

	attempts := 0
	embedder := &mockEmbedder{
		embedTextsFunc: func(context.Context, []string) ([][]float32, error) {
			attempts++
			return nil, context.Canceled
		},
	}
	processor := NewBatchProcessor(index, embedder, 5, time.Millisecond)
	err := processor.Process(context.Background(), allChunks(t, index))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
