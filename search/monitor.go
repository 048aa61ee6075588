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

import (
	"github.com/poiesic/kbase/core"
)

// SearchMonitor provides hooks to observe the search process.
// Implement this interface to track intermediate steps and results during search.
// Hooks are called from the goroutine running the query.
type SearchMonitor interface {
	Start(req Request, weights Weights)
	AfterDenseSearch(hits []core.ScoredChunk)
	AfterSparseSearch(terms []string, hits []core.ScoredChunk)
	DenseAndSparseHit(result *core.SearchResult)
	DenseHit(result *core.SearchResult)
	SparseHit(result *core.SearchResult)
	Finish(results []*core.SearchResult)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ Request, _ Weights)                         {}
func (n *noopMonitor) AfterDenseSearch(_ []core.ScoredChunk)              {}
func (n *noopMonitor) AfterSparseSearch(_ []string, _ []core.ScoredChunk) {}
func (n *noopMonitor) DenseAndSparseHit(_ *core.SearchResult)             {}
func (n *noopMonitor) DenseHit(_ *core.SearchResult)                      {}
func (n *noopMonitor) SparseHit(_ *core.SearchResult)                     {}
func (n *noopMonitor) Finish(_ []*core.SearchResult)                      {}
