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

package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/storage"
)

// Locker serialises writes per document id. Lock returns the unlock function.
type Locker interface {
	Lock(documentID string) func()
}

type noopLocker struct{}

func (noopLocker) Lock(string) func() { return func() {} }

// Report is the outcome of one scan.
type Report struct {
	DatasourceID    string   `json:"datasource_id"`
	VectorDocuments int      `json:"vector_documents"`
	GraphDocuments  int      `json:"graph_documents"`
	VectorOnly      []string `json:"vector_only"`
	GraphOnly       []string `json:"graph_only"`
	Repaired        int      `json:"repaired"`
	Errors          []string `json:"errors,omitempty"`
}

// Consistent reports whether both stores hold the same documents.
func (r *Report) Consistent() bool {
	return len(r.VectorOnly) == 0 && len(r.GraphOnly) == 0
}

// Scanner compares graph entity documents across the two stores.
type Scanner struct {
	vectors storage.VectorIndex
	graph   storage.GraphStore
	locks   Locker
	logger  *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner) error

// WithLocker sets the per-document lock shared with ingestion.
func WithLocker(locks Locker) Option {
	return func(s *Scanner) error {
		if locks != nil {
			s.locks = locks
		}
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// NewScanner creates a consistency scanner.
func NewScanner(vectors storage.VectorIndex, graph storage.GraphStore, opts ...Option) (*Scanner, error) {
	if vectors == nil {
		return nil, ErrVectorIndexRequired
	}
	if graph == nil {
		return nil, ErrGraphStoreRequired
	}
	s := &Scanner{
		vectors: vectors,
		graph:   graph,
		locks:   noopLocker{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "reconcile")
	return s, nil
}

// Scan compares the datasource's documents in both stores. With repair set,
// each orphaned half is deleted while holding the document lock. A document
// is only repaired if it is still inconsistent when re-checked under its
// lock, so writes that were in flight during the first pass are left alone.
func (s *Scanner) Scan(ctx context.Context, datasourceID string, repair bool) (*Report, error) {
	if datasourceID == "" {
		return nil, ErrDatasourceRequired
	}

	vectorDocs, graphDocs, err := s.list(ctx, datasourceID)
	if err != nil {
		return nil, err
	}
	report := &Report{
		DatasourceID:    datasourceID,
		VectorDocuments: len(vectorDocs),
		GraphDocuments:  len(graphDocs),
		VectorOnly:      difference(vectorDocs, graphDocs),
		GraphOnly:       difference(graphDocs, vectorDocs),
	}
	if report.Consistent() {
		return report, nil
	}
	s.logger.Warn("stores disagree",
		"datasource_id", datasourceID,
		"vector_only", len(report.VectorOnly),
		"graph_only", len(report.GraphOnly))

	if !repair {
		return report, nil
	}

	for _, id := range report.VectorOnly {
		s.repair(ctx, report, id, func(ctx context.Context) error {
			return s.vectors.DeleteDocument(ctx, id)
		})
	}
	for _, id := range report.GraphOnly {
		s.repair(ctx, report, id, func(ctx context.Context) error {
			return s.graph.DeleteDocument(ctx, id)
		})
	}
	s.logger.Info("reconcile repair complete",
		"datasource_id", datasourceID,
		"repaired", report.Repaired,
		"errors", len(report.Errors))
	return report, nil
}

func (s *Scanner) repair(ctx context.Context, report *Report, documentID string, remove func(context.Context) error) {
	unlock := s.locks.Lock(documentID)
	defer unlock()

	vectorDocs, graphDocs, err := s.list(ctx, report.DatasourceID)
	if err != nil {
		report.Errors = append(report.Errors, core.NewDocumentError(documentID, err).Error())
		return
	}
	if slices.Contains(vectorDocs, documentID) == slices.Contains(graphDocs, documentID) {
		s.logger.Debug("document became consistent", "document_id", documentID)
		return
	}
	if err := remove(ctx); err != nil {
		s.logger.Warn("failed to remove orphaned document", "document_id", documentID, "err", err)
		report.Errors = append(report.Errors, core.NewDocumentError(documentID, err).Error())
		return
	}
	report.Repaired++
}

func (s *Scanner) list(ctx context.Context, datasourceID string) (vectorDocs, graphDocs []string, err error) {
	vectorDocs, err = s.vectors.DocumentIDs(ctx, datasourceID, true)
	if err != nil {
		return nil, nil, fmt.Errorf("listing vector documents: %w", err)
	}
	graphDocs, err = s.graph.DocumentIDs(ctx, datasourceID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing graph documents: %w", err)
	}
	return vectorDocs, graphDocs, nil
}

// difference returns the sorted ids in a but not in b.
func difference(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, id := range b {
		in[id] = true
	}
	out := []string{}
	for _, id := range a {
		if !in[id] {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
