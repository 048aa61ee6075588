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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/kbase/ai/mock"
	"github.com/poiesic/kbase/chunker"
	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/storage"
	"github.com/poiesic/kbase/storage/badger"
	"github.com/poiesic/kbase/storage/sqlite"
)

type testEnv struct {
	stores   *badger.Stores
	graph    *sqlite.GraphStore
	embedder *mock.MockEmbedder
	writer   *Writer
}

func fastConfig() WriterConfig {
	cfg := DefaultWriterConfig()
	cfg.MaxRetries = 1
	cfg.RetryDelay = time.Millisecond
	cfg.StoreTimeout = 5 * time.Second
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stores, err := badger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	graph, err := sqlite.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })

	embedder := mock.NewMockEmbedder()
	writer, err := NewWriter(stores.Vectors, graph, embedder, WithWriterConfig(fastConfig()))
	require.NoError(t, err)

	return &testEnv{stores: stores, graph: graph, embedder: embedder, writer: writer}
}

func podDocument(id string) *core.Document {
	return &core.Document{
		ID:            id,
		DatasourceID:  "k8s",
		IngestorID:    "kube-crawler",
		DocumentType:  "Pod",
		IsGraphEntity: true,
		Entity: &core.GraphEntity{
			EntityType:           "Pod",
			PrimaryKeyProperties: []string{"name"},
			Labels:               []string{"k8s", "workload"},
			AdditionalProperties: map[string]any{
				"name": "web",
				"spec": map[string]any{"nodeName": "worker-1"},
				"containers": []any{
					map[string]any{"name": "nginx", "image": "nginx:1.27"},
					map[string]any{"name": "sidecar", "image": "envoy:1.30"},
				},
			},
		},
	}
}

func allChunks(t *testing.T, idx storage.VectorIndex) []*core.IndexedChunk {
	t.Helper()
	chunks, err := idx.ScanChunks(context.Background(), "", 1000)
	require.NoError(t, err)
	return chunks
}

func TestNewWriterRequiresCollaborators(t *testing.T) {
	env := newTestEnv(t)

	_, err := NewWriter(nil, env.graph, env.embedder)
	assert.ErrorIs(t, err, ErrVectorIndexRequired)
	_, err = NewWriter(env.stores.Vectors, nil, env.embedder)
	assert.ErrorIs(t, err, ErrGraphStoreRequired)
	_, err = NewWriter(env.stores.Vectors, env.graph, nil)
	assert.ErrorIs(t, err, ErrEmbedderRequired)

	bad := DefaultWriterConfig()
	bad.EmbedBatchSize = 0
	_, err = NewWriter(env.stores.Vectors, env.graph, env.embedder, WithWriterConfig(bad))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWriteLongTextDocument(t *testing.T) {
	env := newTestEnv(t)
	text := strings.Repeat("lorem ipsum dolor sit amet. ", 5358)[:150000]

	res, err := env.writer.Write(context.Background(), &core.Document{
		ID:           "long",
		Title:        "Long",
		RawContent:   text,
		DatasourceID: "wiki",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Chunks)
	assert.Zero(t, res.Entities)

	chunks := allChunks(t, env.stores.Vectors)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, core.ChunkID("long", i), c.ChunkID)
		assert.Equal(t, 3, c.TotalChunks)
		assert.Equal(t, "wiki", c.DatasourceID)
		assert.Equal(t, "Long", c.Title)
		assert.LessOrEqual(t, len(c.Text), chunker.DefaultMaxSize)
		assert.NotEmpty(t, c.TermFreqs)
	}
}

func TestWriteGraphEntity(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	res, err := env.writer.Write(ctx, podDocument("pod-web"), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entities)
	assert.Equal(t, 2, res.Relations)
	assert.Equal(t, 1, res.Chunks)
	assert.Empty(t, res.Warnings)

	pod, err := env.graph.GetEntity(ctx, core.EntityRef{EntityType: "Pod", PrimaryKey: "web"})
	require.NoError(t, err)
	assert.Equal(t, "worker-1", pod.AdditionalProperties["spec.nodeName"])
	assert.NotContains(t, pod.AdditionalProperties, "containers")
	assert.Equal(t, "pod-web", pod.DocumentID)
	assert.Equal(t, "k8s", pod.DatasourceID)

	rels, err := env.graph.Relations(ctx, pod.Ref())
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, "containers", rels[0].Name)
	assert.Equal(t, core.EntityRef{EntityType: "Pod_containers", PrimaryKey: "web_0"}, rels[0].To)
	assert.Equal(t, core.EntityRef{EntityType: "Pod_containers", PrimaryKey: "web_1"}, rels[1].To)

	container, err := env.graph.GetEntity(ctx, rels[1].To)
	require.NoError(t, err)
	assert.Equal(t, "sidecar", container.AdditionalProperties["name"])
	assert.Equal(t, 1, container.ArrayIndex)

	chunks := allChunks(t, env.stores.Vectors)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].IsGraphEntity)
	assert.Equal(t, "Pod", chunks[0].GraphEntityType)
	assert.Contains(t, chunks[0].Text, "entity_type: Pod")
	assert.Contains(t, chunks[0].Text, "nginx:1.27")
}

func TestWriteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	for range 2 {
		_, err := env.writer.Write(ctx, podDocument("pod-web"), nil)
		require.NoError(t, err)
	}

	ids, err := env.graph.DocumentIDs(ctx, "k8s")
	require.NoError(t, err)
	assert.Equal(t, []string{"pod-web"}, ids)
	assert.Len(t, allChunks(t, env.stores.Vectors), 1)

	rels, err := env.graph.Relations(ctx, core.EntityRef{EntityType: "Pod", PrimaryKey: "web"})
	require.NoError(t, err)
	assert.Len(t, rels, 2)
}

func TestRewriteRemovesStaleChunks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	small, err := chunker.New(chunker.WithMaxSize(32), chunker.WithOverlap(4))
	require.NoError(t, err)

	long := strings.Repeat("word ", 40)
	res, err := env.writer.Write(ctx, &core.Document{ID: "d", RawContent: long, DatasourceID: "ds"}, small)
	require.NoError(t, err)
	require.Greater(t, res.Chunks, 2)

	_, err = env.writer.Write(ctx, &core.Document{ID: "d", RawContent: "short", DatasourceID: "ds"}, small)
	require.NoError(t, err)

	chunks := allChunks(t, env.stores.Vectors)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short", chunks[0].Text)
}

func TestWriteEmbeddingBatches(t *testing.T) {
	env := newTestEnv(t)
	small, err := chunker.New(chunker.WithMaxSize(16), chunker.WithOverlap(0))
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.EmbedBatchSize = 4
	writer, err := NewWriter(env.stores.Vectors, env.graph, env.embedder, WithWriterConfig(cfg))
	require.NoError(t, err)

	text := strings.Repeat("abcdefghijklmno ", 10)
	res, err := writer.Write(context.Background(), &core.Document{ID: "d", RawContent: text, DatasourceID: "ds"}, small)
	require.NoError(t, err)
	assert.Equal(t, small.Count(text), res.Chunks)
	assert.Equal(t, (res.Chunks+3)/4, env.embedder.CallCount())
}

// downVectors and downGraph fail every delete as unreachable.
type downVectors struct{ storage.VectorIndex }

func (downVectors) DeleteDocument(context.Context, string) error { return storage.ErrUnavailable }

type downGraph struct{ storage.GraphStore }

func (downGraph) DeleteDocument(context.Context, string) error { return storage.ErrUnavailable }

func TestWriteTransientFailures(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	t.Run("vector index down", func(t *testing.T) {
		w, err := NewWriter(downVectors{env.stores.Vectors}, env.graph, env.embedder, WithWriterConfig(fastConfig()))
		require.NoError(t, err)

		_, err = w.Write(ctx, &core.Document{ID: "t", RawContent: "text", DatasourceID: "ds"}, nil)
		assert.ErrorIs(t, err, core.ErrTransientStore)
		assert.ErrorIs(t, err, storage.ErrUnavailable)
		assert.NotErrorIs(t, err, core.ErrPipelineFatal)
	})

	t.Run("graph store down", func(t *testing.T) {
		w, err := NewWriter(env.stores.Vectors, downGraph{env.graph}, env.embedder, WithWriterConfig(fastConfig()))
		require.NoError(t, err)

		res, err := w.Write(ctx, podDocument("p1"), nil)
		assert.ErrorIs(t, err, core.ErrTransientStore)
		assert.NotErrorIs(t, err, core.ErrPipelineFatal)
		assert.Equal(t, 1, res.Chunks, "vector half is still written")
	})

	t.Run("both stores down", func(t *testing.T) {
		w, err := NewWriter(downVectors{env.stores.Vectors}, downGraph{env.graph}, env.embedder, WithWriterConfig(fastConfig()))
		require.NoError(t, err)

		_, err = w.Write(ctx, podDocument("p2"), nil)
		assert.ErrorIs(t, err, core.ErrPipelineFatal)
	})
}

func TestRenderEntity(t *testing.T) {
	text, err := RenderEntity(&core.GraphEntity{
		EntityType:           "Service",
		PrimaryKeyProperties: []string{"namespace", "name"},
		Labels:               []string{"b", "a", "a"},
		AdditionalProperties: map[string]any{"name": "api", "namespace": "prod", "port": 8080},
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(text, "entity_type: Service\nlabels: a, b\nprimary_key: namespace=prod, name=api\n---\n"), text)
	assert.Contains(t, text, "port: 8080")
}
