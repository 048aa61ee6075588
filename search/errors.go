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

package search

import "errors"

var (
	// ErrVectorIndexRequired is returned when a vector index is not provided.
	ErrVectorIndexRequired = errors.New("vector index required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrInvalidQuery is returned for empty queries or out of range limits and thresholds.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrInvalidWeights is returned when ranker weights are negative or don't sum to 1.
	ErrInvalidWeights = errors.New("invalid ranker weights")

	// ErrUnknownRanker is returned for an unrecognised ranker preset.
	ErrUnknownRanker = errors.New("unknown ranker")
)
