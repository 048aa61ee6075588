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

package storage

import (
	"context"
	"time"

	"github.com/poiesic/kbase/core"
)

// VectorIndex stores chunks with their dense and sparse representations.
type VectorIndex interface {
	// UpsertChunks writes chunks, replacing any with the same ChunkID.
	UpsertChunks(ctx context.Context, chunks ...*core.IndexedChunk) error

	// DeleteDocument removes every chunk of a document.
	DeleteDocument(ctx context.Context, documentID string) error

	// DeleteDatasource removes every chunk of a datasource.
	DeleteDatasource(ctx context.Context, datasourceID string) error

	// DenseSearch returns up to limit chunks by cosine similarity to vector,
	// highest first. Scores are raw similarities.
	DenseSearch(ctx context.Context, vector []float32, limit int, filters []core.Filter) ([]core.ScoredChunk, error)

	// SparseSearch returns up to limit chunks by BM25 score over terms,
	// highest first. Chunks matching no term are not returned.
	SparseSearch(ctx context.Context, terms []string, limit int, filters []core.Filter) ([]core.ScoredChunk, error)

	// ScanChunks returns up to limit chunks in a stable store-defined order,
	// resuming after the given ChunkID ("" starts at the beginning). Stores
	// that do not keep term frequencies recompute them from the text; the
	// dense vector may be omitted.
	ScanChunks(ctx context.Context, after string, limit int) ([]*core.IndexedChunk, error)

	// DocumentIDs lists the documents of a datasource. With graphOnly set,
	// only graph entity documents are listed.
	DocumentIDs(ctx context.Context, datasourceID string, graphOnly bool) ([]string, error)

	// ExpiredDocuments lists documents whose freshness ended before t.
	ExpiredDocuments(ctx context.Context, t time.Time) ([]core.DocumentRef, error)

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// GraphStore stores flattened entities and relations.
type GraphStore interface {
	// UpsertEntities writes entities keyed by (EntityType, PrimaryKey) in one transaction.
	UpsertEntities(ctx context.Context, entities ...*core.GraphEntity) error

	// UpsertRelations writes relations in one transaction.
	UpsertRelations(ctx context.Context, relations ...core.Relation) error

	// DeleteDocument removes the entities and relations a document produced.
	DeleteDocument(ctx context.Context, documentID string) error

	// DeleteDatasource removes every entity and relation of a datasource.
	DeleteDatasource(ctx context.Context, datasourceID string) error

	// GetEntity returns ErrNotFound if the entity doesn't exist.
	GetEntity(ctx context.Context, ref core.EntityRef) (*core.GraphEntity, error)

	// Relations returns the outgoing relations of an entity.
	Relations(ctx context.Context, from core.EntityRef) ([]core.Relation, error)

	// DocumentIDs lists the documents that produced entities in a datasource.
	DocumentIDs(ctx context.Context, datasourceID string) ([]string, error)

	// ExpiredDocuments lists documents whose freshness ended before t.
	ExpiredDocuments(ctx context.Context, t time.Time) ([]core.DocumentRef, error)

	Ping(ctx context.Context) error

	Close() error
}

// JobRepository persists ingestion job snapshots.
type JobRepository interface {
	// SaveJob writes a snapshot, replacing the previous one.
	SaveJob(ctx context.Context, job *core.IngestionJob) error

	// GetJob returns ErrNotFound if the job doesn't exist.
	GetJob(ctx context.Context, jobID string) (*core.IngestionJob, error)

	// ListJobs returns jobs ordered by creation time. An empty datasourceID lists all jobs.
	ListJobs(ctx context.Context, datasourceID string) ([]*core.IngestionJob, error)
}

// DatasourceRepository is the registry of known datasources.
type DatasourceRepository interface {
	// TouchDatasource creates the datasource if needed and advances its
	// LastUpdated and FreshUntil. Existing descriptive fields are only
	// overwritten by non-empty values.
	TouchDatasource(ctx context.Context, info *core.DataSourceInfo) error

	// GetDatasource returns ErrNotFound if the datasource doesn't exist.
	GetDatasource(ctx context.Context, datasourceID string) (*core.DataSourceInfo, error)

	ListDatasources(ctx context.Context) ([]*core.DataSourceInfo, error)

	DeleteDatasource(ctx context.Context, datasourceID string) error
}
