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

// Package ingestion turns connector batches into searchable documents.
//
// A batch flows through three stages:
//   - Normalizer validates raw documents and resolves their freshness
//   - Writer chunks, embeds and flattens each document into the vector index
//     and the graph store
//   - Pipeline runs jobs on worker pools and reports progress to a
//     jobs.Tracker
//
// Documents are processed concurrently. Writes for one document id are
// serialised by DocumentLocks, across jobs and against freshness pruning.
// Per-document failures are recorded on the job and never abort the batch;
// only the loss of both stores for one document fails the whole job.
package ingestion
