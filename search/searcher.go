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
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/poiesic/kbase/ai"
	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/sparse"
	"github.com/poiesic/kbase/storage"
)

const (
	// DefaultLimit is used when a request leaves Limit unset.
	DefaultLimit = 10
	// MaxLimit is the largest accepted Limit.
	MaxLimit = 100
	// DefaultCandidateMultiplier scales Limit into the per-retriever candidate count.
	DefaultCandidateMultiplier = 3
)

// Ranker preset names.
const (
	RankerSemantic = "semantic"
	RankerKeyword  = "keyword"
)

const weightTolerance = 1e-6

// Weights blends dense and sparse scores.
type Weights struct {
	Semantic float64 `json:"semantic"`
	Keyword  float64 `json:"keyword"`
}

// IsZero reports whether no weights were set.
func (w Weights) IsZero() bool {
	return w.Semantic == 0 && w.Keyword == 0
}

// Validate checks the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if w.Semantic < 0 || w.Keyword < 0 {
		return fmt.Errorf("%w: weights must be non-negative", ErrInvalidWeights)
	}
	if math.Abs(w.Semantic+w.Keyword-1) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %g, want 1", ErrInvalidWeights, w.Semantic+w.Keyword)
	}
	return nil
}

var presets = map[string]Weights{
	RankerSemantic: {Semantic: 0.5, Keyword: 0.5},
	RankerKeyword:  {Semantic: 0.1, Keyword: 0.9},
}

// Preset returns the weights of a named ranker. An empty name selects "semantic".
func Preset(name string) (Weights, error) {
	if name == "" {
		name = RankerSemantic
	}
	w, ok := presets[name]
	if !ok {
		return Weights{}, fmt.Errorf("%w: %q", ErrUnknownRanker, name)
	}
	return w, nil
}

// Request describes one query.
type Request struct {
	Query               string
	Limit               int
	SimilarityThreshold float64
	Filters             []core.Filter
	// Weights overrides the default "semantic" preset when non-zero.
	Weights Weights
}

// Searcher runs hybrid dense and sparse retrieval over a vector index.
type Searcher struct {
	vectors             storage.VectorIndex
	embedder            ai.Embedder
	candidateMultiplier int
	logger              *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithCandidateMultiplier sets how many candidates each retriever returns
// per requested result.
func WithCandidateMultiplier(n int) Option {
	return func(s *Searcher) error {
		if n < 1 {
			return fmt.Errorf("%w: candidate multiplier must be at least 1", ErrInvalidQuery)
		}
		s.candidateMultiplier = n
		return nil
	}
}

// NewSearcher creates a new searcher.
func NewSearcher(vectors storage.VectorIndex, embedder ai.Embedder, opts ...Option) (*Searcher, error) {
	if vectors == nil {
		return nil, ErrVectorIndexRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	s := &Searcher{
		vectors:             vectors,
		embedder:            embedder,
		candidateMultiplier: DefaultCandidateMultiplier,
		logger:              slog.Default(),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "searcher")

	return s, nil
}

// Query returns the chunks best matching the request, highest score first.
func (s *Searcher) Query(ctx context.Context, req Request) ([]*core.SearchResult, error) {
	return s.QueryWithMonitor(ctx, req, nil)
}

// QueryWithMonitor is Query with callbacks at each stage of the search process.
func (s *Searcher) QueryWithMonitor(ctx context.Context, req Request, monitor SearchMonitor) ([]*core.SearchResult, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}

	weights, err := prepare(&req)
	if err != nil {
		return nil, err
	}
	monitor.Start(req, weights)

	candidates := req.Limit * s.candidateMultiplier
	terms := sparse.Unique(sparse.Tokenize(req.Query))

	var dense, keyword []core.ScoredChunk
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		embedding, err := s.embedder.EmbedText(gctx, req.Query)
		if err != nil {
			s.logger.Error("error generating embedding for query", "query", req.Query, "err", err)
			return fmt.Errorf("embedding query: %w", err)
		}
		dense, err = s.vectors.DenseSearch(gctx, ai.NormalizeVector(embedding), candidates, req.Filters)
		if err != nil {
			s.logger.Error("dense search failed", "err", err)
			return fmt.Errorf("dense search: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if len(terms) == 0 {
			return nil
		}
		var err error
		keyword, err = s.vectors.SparseSearch(gctx, terms, candidates, req.Filters)
		if err != nil {
			s.logger.Error("sparse search failed", "err", err)
			return fmt.Errorf("sparse search: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	monitor.AfterDenseSearch(dense)
	monitor.AfterSparseSearch(terms, keyword)

	results := merge(dense, keyword, weights, monitor)
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	if req.SimilarityThreshold > 0 {
		kept := results[:0]
		for _, r := range results {
			if r.Score >= req.SimilarityThreshold {
				kept = append(kept, r)
			}
		}
		results = kept
	}
	monitor.Finish(results)

	s.logger.Debug("query complete",
		"query", req.Query,
		"dense", len(dense),
		"sparse", len(keyword),
		"results", len(results))
	return results, nil
}

// prepare applies defaults to req and returns the effective weights.
func prepare(req *Request) (Weights, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return Weights{}, fmt.Errorf("%w: query is empty", ErrInvalidQuery)
	}
	switch {
	case req.Limit == 0:
		req.Limit = DefaultLimit
	case req.Limit < 0 || req.Limit > MaxLimit:
		return Weights{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidQuery, MaxLimit)
	}
	if req.SimilarityThreshold < 0 || req.SimilarityThreshold > 1 {
		return Weights{}, fmt.Errorf("%w: similarity threshold must be within [0,1]", ErrInvalidQuery)
	}

	weights := req.Weights
	if weights.IsZero() {
		weights = presets[RankerSemantic]
	}
	if err := weights.Validate(); err != nil {
		return Weights{}, err
	}
	return weights, nil
}

// merge combines both candidate lists into results sorted by blended score.
func merge(dense, keyword []core.ScoredChunk, w Weights, monitor SearchMonitor) []*core.SearchResult {
	byID := make(map[string]*core.SearchResult, len(dense)+len(keyword))
	inDense := make(map[string]bool, len(dense))

	for _, hit := range dense {
		id := hit.Chunk.ChunkID
		inDense[id] = true
		byID[id] = &core.SearchResult{Chunk: hit.Chunk, DenseScore: clamp(hit.Score)}
	}

	raw := make([]float64, len(keyword))
	for i, hit := range keyword {
		raw[i] = hit.Score
	}
	normalized := sparse.NormalizeMax(raw)
	inSparse := make(map[string]bool, len(keyword))
	for i, hit := range keyword {
		id := hit.Chunk.ChunkID
		inSparse[id] = true
		r, ok := byID[id]
		if !ok {
			r = &core.SearchResult{Chunk: hit.Chunk}
			byID[id] = r
		}
		r.SparseScore = normalized[i]
	}

	results := make([]*core.SearchResult, 0, len(byID))
	for id, r := range byID {
		r.Score = w.Semantic*r.DenseScore + w.Keyword*r.SparseScore
		switch {
		case inDense[id] && inSparse[id]:
			monitor.DenseAndSparseHit(r)
		case inDense[id]:
			monitor.DenseHit(r)
		default:
			monitor.SparseHit(r)
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ChunkID < results[j].Chunk.ChunkID
	})
	return results
}

func clamp(score float64) float64 {
	return math.Max(0, math.Min(1, score))
}
