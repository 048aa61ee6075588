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

// Package reconcile detects graph entity documents that are present in only
// one of the two stores.
//
// A graph entity document is written to the vector index (its rendered text)
// and to the graph store (its flattened entities). A failure of one store
// during ingestion leaves the document half written. Scanner compares the
// document ids each store holds for a datasource and, when asked to repair,
// deletes the orphaned half so that re-ingesting the document restores both.
package reconcile
