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

package freshness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/storage"
	"github.com/poiesic/kbase/storage/badger"
	"github.com/poiesic/kbase/storage/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	vectors storage.VectorIndex
	graph   storage.GraphStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	stores, err := badger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	graph, err := sqlite.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })

	return &testEnv{vectors: stores.Vectors, graph: graph}
}

func (e *testEnv) addChunk(t *testing.T, docID string, freshUntil time.Time) {
	t.Helper()
	require.NoError(t, e.vectors.UpsertChunks(context.Background(), &core.IndexedChunk{
		Chunk: core.Chunk{
			ChunkID:      core.ChunkID(docID, 0),
			DocumentID:   docID,
			Text:         "text of " + docID,
			TotalChunks:  1,
			DatasourceID: "ds",
			FreshUntil:   freshUntil,
		},
		Vector:    []float32{1, 0},
		TermFreqs: map[string]int{"text": 1},
	}))
}

func (e *testEnv) addEntity(t *testing.T, docID string, freshUntil time.Time) {
	t.Helper()
	require.NoError(t, e.graph.UpsertEntities(context.Background(), &core.GraphEntity{
		EntityType:   "Service",
		Key:          docID,
		DocumentID:   docID,
		DatasourceID: "ds",
		FreshUntil:   freshUntil,
	}))
}

type countingLocker struct {
	mu     sync.Mutex
	locked []string
}

func (c *countingLocker) Lock(id string) func() {
	c.mu.Lock()
	c.locked = append(c.locked, id)
	c.mu.Unlock()
	return func() {}
}

func refIDs(refs []core.DocumentRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = r.DocumentID
	}
	return out
}

func TestNewManager(t *testing.T) {
	env := newTestEnv(t)

	t.Run("valid configuration", func(t *testing.T) {
		m, err := NewManager(env.vectors, env.graph)
		require.NoError(t, err)
		assert.Equal(t, ModePrune, m.mode)
	})

	t.Run("nil vector index", func(t *testing.T) {
		_, err := NewManager(nil, env.graph)
		assert.Equal(t, ErrVectorIndexRequired, err)
	})

	t.Run("nil graph store", func(t *testing.T) {
		_, err := NewManager(env.vectors, nil)
		assert.Equal(t, ErrGraphStoreRequired, err)
	})

	t.Run("invalid mode", func(t *testing.T) {
		_, err := NewManager(env.vectors, env.graph, WithMode("archive"))
		assert.ErrorIs(t, err, ErrInvalidMode)
	})

	t.Run("invalid interval", func(t *testing.T) {
		_, err := NewManager(env.vectors, env.graph, WithInterval(0))
		assert.ErrorIs(t, err, ErrInvalidInterval)
	})
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModePrune, mode)

	mode, err = ParseMode("flag")
	require.NoError(t, err)
	assert.Equal(t, ModeFlag, mode)

	_, err = ParseMode("delete")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestSweep_Prune(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	past := clock.Add(-time.Hour)
	future := clock.Add(time.Hour)

	env.addChunk(t, "expired-text", past)
	env.addChunk(t, "fresh-text", future)
	env.addChunk(t, "forever", time.Time{})
	env.addChunk(t, "expired-entity", past)
	env.addEntity(t, "expired-entity", past)
	env.addEntity(t, "fresh-entity", future)

	locker := &countingLocker{}
	m, err := NewManager(env.vectors, env.graph,
		WithClock(func() time.Time { return clock }),
		WithLocker(locker))
	require.NoError(t, err)

	report, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, ModePrune, report.Mode)
	assert.Equal(t, []string{"expired-entity", "expired-text"}, refIDs(report.Expired))
	assert.Equal(t, 2, report.Pruned)
	assert.Empty(t, report.Errors)
	assert.ElementsMatch(t, []string{"expired-entity", "expired-text"}, locker.locked)

	docs, err := env.vectors.DocumentIDs(ctx, "ds", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fresh-text", "forever"}, docs)

	_, err = env.graph.GetEntity(ctx, core.EntityRef{EntityType: "Service", PrimaryKey: "expired-entity"})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = env.graph.GetEntity(ctx, core.EntityRef{EntityType: "Service", PrimaryKey: "fresh-entity"})
	assert.NoError(t, err)

	// A second sweep finds nothing left to do.
	report, err = m.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Expired)
}

func TestSweep_Flag(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.addChunk(t, "old", clock.Add(-time.Minute))

	m, err := NewManager(env.vectors, env.graph,
		WithMode(ModeFlag),
		WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	report, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, refIDs(report.Expired))
	assert.Zero(t, report.Pruned)

	docs, err := env.vectors.DocumentIDs(ctx, "ds", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, docs, "flag mode keeps documents")
}

func TestRun_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t)
	env.addChunk(t, "old", clock.Add(-time.Minute))

	m, err := NewManager(env.vectors, env.graph,
		WithInterval(10*time.Millisecond),
		WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		docs, err := env.vectors.DocumentIDs(context.Background(), "ds", false)
		return err == nil && len(docs) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestIsStale(t *testing.T) {
	m, err := NewManager(newTestEnv(t).vectors, newTestEnv(t).graph, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	assert.False(t, m.IsStale(nil))
	assert.False(t, m.IsStale(&core.DataSourceInfo{}))
	assert.True(t, m.IsStale(&core.DataSourceInfo{FreshUntil: clock.Add(-time.Second)}))
	assert.False(t, m.IsStale(&core.DataSourceInfo{FreshUntil: clock.Add(time.Second)}))
}
