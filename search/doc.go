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

// Package search answers queries over the vector index by hybrid retrieval.
//
// A query is embedded and run against the dense index while its terms are
// run against the sparse (BM25) index. Both candidate lists are normalised
// to [0,1] and merged with a weighted sum:
//
//	final = semantic*dense + keyword*sparse
//
// Weights come from a named preset ("semantic", "keyword") or are supplied
// by the caller. A chunk missing from one list scores 0 on that side.
package search
