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

// Package storage defines the store abstractions used by ingestion and
// retrieval.
//
// Two independently consistent stores hold every document:
//
//   - VectorIndex: chunks with dense vectors and term frequencies, searched
//     by cosine similarity and BM25
//   - GraphStore: flattened entities and the relations between them
//
// Job records and the datasource registry live behind JobRepository and
// DatasourceRepository. There is no cross-store transaction; re-ingesting a
// document overwrites both halves idempotently.
//
// # Implementations
//
//   - storage/badger: embedded vector index, job repository, datasource registry
//   - storage/sqlite: graph store
//   - storage/qdrant: vector index backed by a Qdrant server
//
// Use in tests with in-memory storage:
//
//	stores, err := badger.NewMemoryStores()
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer stores.Close()
package storage
