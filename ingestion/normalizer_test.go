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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/kbase/core"
)

func fixedNormalizer(ttl time.Duration, now time.Time) *Normalizer {
	n := NewNormalizer(ttl)
	n.now = func() time.Time { return now }
	return n
}

func TestNormalizerCheck(t *testing.T) {
	n := NewNormalizer(0)
	n.MaxBatchSize = 2

	assert.ErrorIs(t, n.Check(&IngestRequest{}), ErrMissingDatasource)
	assert.ErrorIs(t, n.Check(&IngestRequest{
		DatasourceID: "ds",
		Documents:    make([]RawDocument, 3),
	}), ErrBatchTooLarge)
	assert.NoError(t, n.Check(&IngestRequest{DatasourceID: "ds", Documents: make([]RawDocument, 2)}))
}

func TestNormalizeTextDocuments(t *testing.T) {
	n := NewNormalizer(0)
	docs, rejected := n.Normalize(&IngestRequest{
		DatasourceID: "ds",
		IngestorID:   "crawler",
		Documents: []RawDocument{
			{ID: "a", Title: "A", Content: "alpha", Metadata: map[string]any{"k": "v"}},
			{ID: "b", Content: ""},
			{ID: "", Content: "no id"},
			{ID: "c", Content: "gamma", DatasourceID: "other"},
			{ID: "d", Content: "delta", DatasourceID: "ds", IngestorID: "override"},
		},
	})

	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "ds", docs[0].DatasourceID)
	assert.Equal(t, "crawler", docs[0].IngestorID)
	assert.Equal(t, map[string]any{"k": "v"}, docs[0].Metadata)
	assert.True(t, docs[0].FreshUntil.IsZero())
	assert.Equal(t, "override", docs[1].IngestorID)

	require.Len(t, rejected, 3)
	assert.Equal(t, "b", rejected[0].DocumentID)
	assert.ErrorIs(t, rejected[0], core.ErrEmptyContent)
	assert.Equal(t, "documents[2]", rejected[1].DocumentID)
	assert.ErrorIs(t, rejected[1], core.ErrValidation)
	assert.ErrorIs(t, rejected[2], ErrDatasourceMismatch)
}

func TestNormalizeDuplicatesLastWins(t *testing.T) {
	docs, rejected := NewNormalizer(0).Normalize(&IngestRequest{
		DatasourceID: "ds",
		Documents: []RawDocument{
			{ID: "a", Content: "first"},
			{ID: "b", Content: "other"},
			{ID: "a", Content: "second"},
		},
	})

	require.Len(t, docs, 2)
	assert.Equal(t, "b", docs[0].ID)
	assert.Equal(t, "second", docs[1].RawContent)
	require.Len(t, rejected, 1)
	assert.ErrorIs(t, rejected[0], ErrDuplicateDocument)
	assert.Equal(t, "a: validation failed: duplicate document id in batch", rejected[0].Error())
}

func TestNormalizeGraphEntity(t *testing.T) {
	docs, rejected := NewNormalizer(0).Normalize(&IngestRequest{
		DatasourceID: "k8s",
		Documents: []RawDocument{
			{
				ID:            "pod-web",
				IsGraphEntity: true,
				Entity: &RawEntity{
					EntityType:           "Pod",
					PrimaryKeyProperties: []string{"name"},
					AdditionalProperties: map[string]any{"name": "web"},
					Labels:               []string{"k8s"},
				},
			},
			{ID: "no-entity", IsGraphEntity: true},
			{
				ID:            "no-key",
				IsGraphEntity: true,
				Entity:        &RawEntity{EntityType: "Pod", PrimaryKeyProperties: []string{"name"}},
			},
		},
	})

	require.Len(t, docs, 1)
	assert.True(t, docs[0].IsGraphEntity)
	assert.Equal(t, "Pod", docs[0].Entity.EntityType)
	assert.Equal(t, "Pod", docs[0].DocumentType)
	assert.Equal(t, "web", docs[0].Entity.PrimaryKey())

	require.Len(t, rejected, 2)
	assert.ErrorIs(t, rejected[0], core.ErrValidation)
	assert.ErrorIs(t, rejected[1], core.ErrInvalidEntity)
}

func TestNormalizeFreshness(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	explicit := now.Add(48 * time.Hour)
	perDoc := now.Add(72 * time.Hour)

	tests := []struct {
		name       string
		defaultTTL time.Duration
		req        IngestRequest
		want       time.Time
	}{
		{
			name: "nothing set never expires",
			want: time.Time{},
		},
		{
			name:       "default ttl",
			defaultTTL: time.Hour,
			want:       now.Add(time.Hour),
		},
		{
			name:       "request ttl beats default",
			defaultTTL: time.Hour,
			req:        IngestRequest{TTL: 2 * time.Hour},
			want:       now.Add(2 * time.Hour),
		},
		{
			name:       "explicit timestamp beats ttl",
			defaultTTL: time.Hour,
			req:        IngestRequest{TTL: 2 * time.Hour, FreshUntil: &explicit},
			want:       explicit,
		},
		{
			name: "document timestamp beats batch",
			req: IngestRequest{
				FreshUntil: &explicit,
				Documents:  []RawDocument{{ID: "a", Content: "x", FreshUntil: &perDoc}},
			},
			want: perDoc,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.DatasourceID = "ds"
			if req.Documents == nil {
				req.Documents = []RawDocument{{ID: "a", Content: "x"}}
			}
			docs, rejected := fixedNormalizer(tt.defaultTTL, now).Normalize(&req)
			require.Empty(t, rejected)
			require.Len(t, docs, 1)
			assert.True(t, tt.want.Equal(docs[0].FreshUntil), "want %v, got %v", tt.want, docs[0].FreshUntil)
		})
	}
}
