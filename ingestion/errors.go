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

import "errors"

var (
	// ErrVectorIndexRequired is returned when a vector index is not provided.
	ErrVectorIndexRequired = errors.New("vector index required")

	// ErrGraphStoreRequired is returned when a graph store is not provided.
	ErrGraphStoreRequired = errors.New("graph store required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrWriterRequired is returned when a writer is not provided.
	ErrWriterRequired = errors.New("writer required")

	// ErrTrackerRequired is returned when a job tracker is not provided.
	ErrTrackerRequired = errors.New("job tracker required")

	// ErrDatasourcesRequired is returned when a datasource repository is not provided.
	ErrDatasourcesRequired = errors.New("datasource repository required")

	// ErrBatchTooLarge is returned when a batch exceeds the maximum size.
	ErrBatchTooLarge = errors.New("batch too large")

	// ErrMissingDatasource is returned when a batch has no datasource id.
	ErrMissingDatasource = errors.New("datasource_id is required")

	// ErrDatasourceMismatch marks a document claiming another datasource than its batch.
	ErrDatasourceMismatch = errors.New("document datasource does not match batch")

	// ErrDuplicateDocument marks an earlier entry superseded by a later one with the same id.
	ErrDuplicateDocument = errors.New("duplicate document id in batch")

	// ErrDatasourceBusy is returned when a datasource still has live jobs.
	ErrDatasourceBusy = errors.New("datasource has live jobs")

	// ErrInvalidConfig is returned for out-of-range writer or pipeline settings.
	ErrInvalidConfig = errors.New("invalid ingestion config")
)
