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

package freshness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/storage"
)

// Mode selects what a sweep does with expired documents.
type Mode string

const (
	// ModePrune deletes expired documents from both stores.
	ModePrune Mode = "prune"
	// ModeFlag only reports expired documents.
	ModeFlag Mode = "flag"
)

// DefaultInterval is the time between sweeps in Run.
const DefaultInterval = time.Hour

// ParseMode converts a configuration value into a Mode. Empty selects prune.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModePrune:
		return ModePrune, nil
	case ModeFlag:
		return ModeFlag, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Locker serialises writes per document id. Lock returns the unlock function.
type Locker interface {
	Lock(documentID string) func()
}

type noopLocker struct{}

func (noopLocker) Lock(string) func() { return func() {} }

// Report summarises one sweep.
type Report struct {
	Mode    Mode               `json:"mode"`
	SweptAt time.Time          `json:"swept_at"`
	Expired []core.DocumentRef `json:"expired"`
	Pruned  int                `json:"pruned"`
	Errors  []string           `json:"errors,omitempty"`
}

// Manager finds and expires stale documents.
type Manager struct {
	vectors  storage.VectorIndex
	graph    storage.GraphStore
	locks    Locker
	mode     Mode
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager) error

// WithMode sets the sweep mode.
// Default is ModePrune.
func WithMode(mode Mode) Option {
	return func(m *Manager) error {
		if mode != ModePrune && mode != ModeFlag {
			return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
		}
		m.mode = mode
		return nil
	}
}

// WithInterval sets the time between sweeps in Run.
// Default is DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) error {
		if d <= 0 {
			return ErrInvalidInterval
		}
		m.interval = d
		return nil
	}
}

// WithLocker sets the per-document lock shared with ingestion.
func WithLocker(locks Locker) Option {
	return func(m *Manager) error {
		if locks != nil {
			m.locks = locks
		}
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) error {
		if now != nil {
			m.now = now
		}
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		if logger == nil {
			logger = slog.Default()
		}
		m.logger = logger
		return nil
	}
}

// NewManager creates a freshness manager over both stores.
func NewManager(vectors storage.VectorIndex, graph storage.GraphStore, opts ...Option) (*Manager, error) {
	if vectors == nil {
		return nil, ErrVectorIndexRequired
	}
	if graph == nil {
		return nil, ErrGraphStoreRequired
	}
	m := &Manager{
		vectors:  vectors,
		graph:    graph,
		locks:    noopLocker{},
		mode:     ModePrune,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	m.logger = m.logger.With("component", "freshness")
	return m, nil
}

// Sweep lists the documents expired in either store and, in prune mode,
// deletes them from both. Per-document delete failures are collected in the
// report; listing failures abort the sweep.
func (m *Manager) Sweep(ctx context.Context) (*Report, error) {
	now := m.now().UTC()
	report := &Report{Mode: m.mode, SweptAt: now}

	fromVectors, err := m.vectors.ExpiredDocuments(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired chunks: %w", err)
	}
	fromGraph, err := m.graph.ExpiredDocuments(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired entities: %w", err)
	}
	report.Expired = union(fromVectors, fromGraph)

	if m.mode == ModeFlag {
		for _, ref := range report.Expired {
			m.logger.Info("document is stale", "document_id", ref.DocumentID, "datasource_id", ref.DatasourceID)
		}
		return report, nil
	}

	for _, ref := range report.Expired {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := m.prune(ctx, ref.DocumentID); err != nil {
			m.logger.Warn("failed to prune document", "document_id", ref.DocumentID, "err", err)
			report.Errors = append(report.Errors, core.NewDocumentError(ref.DocumentID, err).Error())
			continue
		}
		report.Pruned++
	}
	if report.Pruned > 0 || len(report.Errors) > 0 {
		m.logger.Info("freshness sweep complete",
			"expired", len(report.Expired),
			"pruned", report.Pruned,
			"errors", len(report.Errors))
	}
	return report, nil
}

func (m *Manager) prune(ctx context.Context, documentID string) error {
	unlock := m.locks.Lock(documentID)
	defer unlock()

	return errors.Join(
		m.vectors.DeleteDocument(ctx, documentID),
		m.graph.DeleteDocument(ctx, documentID),
	)
}

// Run sweeps immediately and then on every interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("freshness manager started", "mode", m.mode, "interval", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("freshness sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("freshness manager stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// IsStale reports whether the datasource's freshness has passed.
func (m *Manager) IsStale(ds *core.DataSourceInfo) bool {
	return IsStale(ds, m.now())
}

// IsStale reports whether ds has a FreshUntil before now.
func IsStale(ds *core.DataSourceInfo, now time.Time) bool {
	return ds != nil && !ds.FreshUntil.IsZero() && ds.FreshUntil.Before(now)
}

// union merges document refs by id, sorted by id.
func union(lists ...[]core.DocumentRef) []core.DocumentRef {
	seen := make(map[string]bool)
	var out []core.DocumentRef
	for _, list := range lists {
		for _, ref := range list {
			if seen[ref.DocumentID] {
				continue
			}
			seen[ref.DocumentID] = true
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}
