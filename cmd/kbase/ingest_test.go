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

package main

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/ingestion"
)

type recordingSubmitter struct {
	requests []*ingestion.IngestRequest
}

func (r *recordingSubmitter) Ingest(_ context.Context, req *ingestion.IngestRequest) (string, error) {
	r.requests = append(r.requests, req)
	return "job-" + strconv.Itoa(len(r.requests)), nil
}

func (r *recordingSubmitter) WaitJob(_ context.Context, jobID string) (*core.IngestionJob, error) {
	req := r.requests[len(r.requests)-1]
	return &core.IngestionJob{JobID: jobID, Status: core.JobStatusCompleted, Total: len(req.Documents), ProgressCounter: len(req.Documents)}, nil
}

func TestLinesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.txt")
	require.NoError(t, os.WriteFile(path, []byte("first\n\n  second  \nthird\n"), 0o644))

	lines, err := linesFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, slices.Collect(lines))

	_, err = linesFromFile(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestIngestBatched(t *testing.T) {
	svc := &recordingSubmitter{}
	base := ingestion.IngestRequest{DatasourceID: "notes", IngestorID: "cli", TTL: time.Hour}
	source := slices.Values([]string{"a", "b", "c", "d", "e"})

	jobs, err := ingestBatched(context.Background(), svc, base, "line", source, 2)
	require.NoError(t, err)

	require.Len(t, svc.requests, 3)
	assert.Len(t, svc.requests[0].Documents, 2)
	assert.Len(t, svc.requests[2].Documents, 1)
	assert.Equal(t, "line-5", svc.requests[2].Documents[0].ID)
	assert.Equal(t, "e", svc.requests[2].Documents[0].Content)
	for _, req := range svc.requests {
		assert.Equal(t, "notes", req.DatasourceID)
		assert.Equal(t, time.Hour, req.TTL)
	}

	require.Len(t, jobs, 3)
	assert.Equal(t, "job-3", jobs[2].JobID)
}

func TestReadRequestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"datasource_id": "k8s",
		"job_id": "import-1",
		"documents": [{"id": "pod", "is_graph_entity": true, "entity": {"entity_type": "Pod", "primary_key_properties": ["name"], "additional_properties": {"name": "web"}}}]
	}`), 0o644))

	req, err := readRequestFile(path)
	require.NoError(t, err)
	assert.Equal(t, "k8s", req.DatasourceID)
	assert.Equal(t, "import-1", req.JobID)
	require.Len(t, req.Documents, 1)
	assert.Equal(t, "Pod", req.Documents[0].Entity.EntityType)

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err = readRequestFile(path)
	assert.Error(t, err)
}
