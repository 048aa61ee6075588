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

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/search"
)

// explainMonitor prints each retrieval stage of a query.
type explainMonitor struct {
	w io.Writer
}

var _ search.SearchMonitor = (*explainMonitor)(nil)

func (m *explainMonitor) Start(req search.Request, weights search.Weights) {
	fmt.Fprintf(m.w, "query %q limit=%d threshold=%.2f semantic=%.2f keyword=%.2f\n",
		req.Query, req.Limit, req.SimilarityThreshold, weights.Semantic, weights.Keyword)
}

func (m *explainMonitor) AfterDenseSearch(hits []core.ScoredChunk) {
	fmt.Fprintf(m.w, "dense: %d candidates\n", len(hits))
}

func (m *explainMonitor) AfterSparseSearch(terms []string, hits []core.ScoredChunk) {
	fmt.Fprintf(m.w, "sparse: %d candidates for [%s]\n", len(hits), strings.Join(terms, " "))
}

func (m *explainMonitor) DenseAndSparseHit(r *core.SearchResult) {
	m.hit("both", r)
}

func (m *explainMonitor) DenseHit(r *core.SearchResult) {
	m.hit("dense", r)
}

func (m *explainMonitor) SparseHit(r *core.SearchResult) {
	m.hit("sparse", r)
}

func (m *explainMonitor) Finish(results []*core.SearchResult) {
	fmt.Fprintf(m.w, "returned %d results\n\n", len(results))
}

func (m *explainMonitor) hit(kind string, r *core.SearchResult) {
	fmt.Fprintf(m.w, "  %-6s %s dense=%.3f sparse=%.3f\n", kind, r.Chunk.ChunkID, r.DenseScore, r.SparseScore)
}
