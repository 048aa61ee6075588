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

// Package freshness expires documents whose FreshUntil has passed.
//
// A Manager sweeps both stores for expired documents. In prune mode the
// documents are deleted from the vector index and the graph store while
// holding the document's write lock, so a sweep never interleaves with an
// ingestion of the same document. In flag mode the sweep only reports.
package freshness
