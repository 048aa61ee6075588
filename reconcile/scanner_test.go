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

package reconcile

import (
	"context"
	"testing"

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/storage"
	"github.com/poiesic/kbase/storage/badger"
	"github.com/poiesic/kbase/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) (storage.VectorIndex, storage.GraphStore) {
	t.Helper()
	stores, err := badger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	graph, err := sqlite.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })
	return stores.Vectors, graph
}

func writeChunk(t *testing.T, vectors storage.VectorIndex, docID, ds string, isGraph bool) {
	t.Helper()
	require.NoError(t, vectors.UpsertChunks(context.Background(), &core.IndexedChunk{
		Chunk: core.Chunk{
			ChunkID:         core.ChunkID(docID, 0),
			DocumentID:      docID,
			Text:            "entity_type: Service",
			TotalChunks:     1,
			DatasourceID:    ds,
			IsGraphEntity:   isGraph,
			GraphEntityType: "Service",
		},
		Vector:    []float32{1, 0},
		TermFreqs: map[string]int{"service": 1},
	}))
}

func writeEntity(t *testing.T, graph storage.GraphStore, docID, ds string) {
	t.Helper()
	require.NoError(t, graph.UpsertEntities(context.Background(), &core.GraphEntity{
		EntityType:   "Service",
		Key:          docID,
		DocumentID:   docID,
		DatasourceID: ds,
	}))
}

func TestNewScanner(t *testing.T) {
	vectors, graph := newStores(t)

	t.Run("valid configuration", func(t *testing.T) {
		s, err := NewScanner(vectors, graph, WithLogger(nil))
		require.NoError(t, err)
		assert.NotNil(t, s)
	})

	t.Run("nil vector index", func(t *testing.T) {
		_, err := NewScanner(nil, graph)
		assert.Equal(t, ErrVectorIndexRequired, err)
	})

	t.Run("nil graph store", func(t *testing.T) {
		_, err := NewScanner(vectors, nil)
		assert.Equal(t, ErrGraphStoreRequired, err)
	})
}

func TestScan_Consistent(t *testing.T) {
	vectors, graph := newStores(t)
	writeChunk(t, vectors, "svc-a", "k8s", true)
	writeEntity(t, graph, "svc-a", "k8s")
	writeChunk(t, vectors, "notes", "k8s", false)

	s, err := NewScanner(vectors, graph)
	require.NoError(t, err)

	report, err := s.Scan(context.Background(), "k8s", false)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 1, report.VectorDocuments, "text documents are not compared")
	assert.Equal(t, 1, report.GraphDocuments)
}

func TestScan_ReportsOrphans(t *testing.T) {
	vectors, graph := newStores(t)
	writeChunk(t, vectors, "svc-a", "k8s", true)
	writeEntity(t, graph, "svc-a", "k8s")
	writeChunk(t, vectors, "svc-b", "k8s", true)
	writeEntity(t, graph, "svc-c", "k8s")
	writeEntity(t, graph, "svc-d", "other")

	s, err := NewScanner(vectors, graph)
	require.NoError(t, err)
	ctx := context.Background()

	report, err := s.Scan(ctx, "k8s", false)
	require.NoError(t, err)
	assert.False(t, report.Consistent())
	assert.Equal(t, []string{"svc-b"}, report.VectorOnly)
	assert.Equal(t, []string{"svc-c"}, report.GraphOnly)
	assert.Zero(t, report.Repaired)

	// Nothing was removed without repair.
	docs, err := vectors.DocumentIDs(ctx, "k8s", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"svc-a", "svc-b"}, docs)
}

type recordingLocker struct{ locked []string }

func (r *recordingLocker) Lock(id string) func() {
	r.locked = append(r.locked, id)
	return func() {}
}

func TestScan_Repair(t *testing.T) {
	vectors, graph := newStores(t)
	writeChunk(t, vectors, "svc-a", "k8s", true)
	writeEntity(t, graph, "svc-a", "k8s")
	writeChunk(t, vectors, "svc-b", "k8s", true)
	writeEntity(t, graph, "svc-c", "k8s")

	locker := &recordingLocker{}
	s, err := NewScanner(vectors, graph, WithLocker(locker))
	require.NoError(t, err)
	ctx := context.Background()

	report, err := s.Scan(ctx, "k8s", true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Repaired)
	assert.Empty(t, report.Errors)
	assert.Equal(t, []string{"svc-b", "svc-c"}, locker.locked)

	report, err = s.Scan(ctx, "k8s", false)
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, 1, report.VectorDocuments)

	_, err = graph.GetEntity(ctx, core.EntityRef{EntityType: "Service", PrimaryKey: "svc-c"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestScan_RequiresDatasource(t *testing.T) {
	vectors, graph := newStores(t)
	s, err := NewScanner(vectors, graph)
	require.NoError(t, err)

	_, err = s.Scan(context.Background(), "", false)
	assert.Equal(t, ErrDatasourceRequired, err)
}
