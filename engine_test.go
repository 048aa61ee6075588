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

package kbase

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/kbase/ai/mock"
	"github.com/poiesic/kbase/config"
	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/ingestion"
	"github.com/poiesic/kbase/search"
	"github.com/poiesic/kbase/storage"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Ingestion.Concurrency = 2
	cfg.Ingestion.RetryDelay = time.Millisecond
	cfg.Ingestion.StoreTimeout = 5 * time.Second
	return cfg
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(context.Background(), testConfig(), WithInMemory(), WithEmbedder(mock.NewMockEmbedder()))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func podRequest() *ingestion.IngestRequest {
	return &ingestion.IngestRequest{
		DatasourceID: "k8s",
		IngestorID:   "kube-crawler",
		Documents: []ingestion.RawDocument{
			{
				ID:            "pod-web",
				IsGraphEntity: true,
				Entity: &ingestion.RawEntity{
					EntityType:           "Pod",
					PrimaryKeyProperties: []string{"name"},
					AdditionalProperties: map[string]any{
						"name": "web",
						"containers": []any{
							map[string]any{"name": "nginx", "image": "nginx:1.27"},
							map[string]any{"name": "sidecar", "image": "envoy:1.30"},
						},
					},
				},
			},
			{ID: "runbook", Title: "Restarting web", Content: "Use kubectl rollout restart to restart the web deployment."},
		},
	}
}

func ingestAndWait(t *testing.T, e *Engine, req *ingestion.IngestRequest) *core.IngestionJob {
	t.Helper()
	jobID, err := e.Ingest(context.Background(), req)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := e.WaitJob(ctx, jobID)
	require.NoError(t, err)
	return job
}

func TestOpen(t *testing.T) {
	t.Run("in memory", func(t *testing.T) {
		e := openTestEngine(t)
		assert.NoError(t, e.Health(context.Background()))
	})

	t.Run("on disk", func(t *testing.T) {
		cfg := testConfig()
		cfg.DataDir = filepath.Join(t.TempDir(), "data")
		e, err := Open(context.Background(), cfg, WithEmbedder(mock.NewMockEmbedder()))
		require.NoError(t, err)
		require.NoError(t, e.Close())

		_, err = os.Stat(cfg.GraphPath())
		assert.NoError(t, err, "graph database is created")
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig()
		cfg.VectorStore.Type = "milvus"
		_, err := Open(context.Background(), cfg, WithInMemory())
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("data dir is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "not_a_dir")
		require.NoError(t, os.WriteFile(file, []byte("test"), 0o644))
		cfg := testConfig()
		cfg.DataDir = file
		_, err := Open(context.Background(), cfg, WithEmbedder(mock.NewMockEmbedder()))
		assert.Error(t, err)
	})
}

func TestEngine_IngestAndQuery(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	job := ingestAndWait(t, e, podRequest())
	assert.Equal(t, core.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.ProgressCounter)

	keyword, err := search.Preset(search.RankerKeyword)
	require.NoError(t, err)
	results, err := e.Query(ctx, search.Request{Query: "kubectl rollout", Weights: keyword})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "runbook", results[0].Chunk.DocumentID)

	results, err = e.Query(ctx, search.Request{
		Query:   "nginx",
		Filters: []core.Filter{core.GraphEntityFilter{IsGraphEntity: true}},
	})
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.Chunk.IsGraphEntity)
	}

	entity, relations, err := e.Entity(ctx, core.EntityRef{EntityType: "Pod", PrimaryKey: "web"})
	require.NoError(t, err)
	assert.Equal(t, "pod-web", entity.DocumentID)
	require.Len(t, relations, 2)
	assert.Equal(t, "containers", relations[0].Name)

	jobs, err := e.Jobs(ctx, "k8s")
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	got, err := e.Job(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.Status, got.Status)
}

func TestEngine_Datasources(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	req := podRequest()
	req.FreshUntil = &past
	ingestAndWait(t, e, req)

	list, err := e.Datasources(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "k8s", list[0].DatasourceID)
	assert.True(t, list[0].Stale)

	report, err := e.Reconcile(ctx, "k8s", false)
	require.NoError(t, err)
	assert.True(t, report.Consistent())

	require.NoError(t, e.DeleteDatasource(ctx, "k8s"))
	list, err = e.Datasources(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, _, err = e.Entity(ctx, core.EntityRef{EntityType: "Pod", PrimaryKey: "web"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, e.DeleteDatasource(ctx, "k8s"), storage.ErrNotFound)
}

func TestEngine_Sweep(t *testing.T) {
	e := openTestEngine(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	req := podRequest()
	req.FreshUntil = &past
	ingestAndWait(t, e, req)

	report, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pruned)

	results, err := e.Query(ctx, search.Request{Query: "kubectl rollout"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestEngine_Reembed(t *testing.T) {
	e := openTestEngine(t)
	ingestAndWait(t, e, podRequest())

	r, err := e.NewReembedder(nil, nil)
	require.NoError(t, err)
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Reembedded, 2)
	assert.Equal(t, report.Total, report.Scanned())
	assert.Equal(t, report.Reembedded, report.ByDatasource["k8s"])
}

func TestEngine_RunFreshnessDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Freshness.Enabled = false
	e, err := Open(context.Background(), cfg, WithInMemory(), WithEmbedder(mock.NewMockEmbedder()))
	require.NoError(t, err)
	defer e.Close()

	assert.NoError(t, e.RunFreshness(context.Background()))
}
