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

package core

import (
	"fmt"
	"sort"
)

// Filter restricts query candidates. The set of implementations is closed.
type Filter interface {
	// Key is the wire name of the filter.
	Key() string
	// Match reports whether a chunk passes the filter.
	Match(c *Chunk) bool

	isFilter()
}

// Filter keys accepted on the wire.
const (
	FilterDatasourceID  = "datasource_id"
	FilterIngestorID    = "ingestor_id"
	FilterIsGraphEntity = "is_graph_entity"
	FilterEntityType    = "graph_entity_type"
	FilterDocumentType  = "document_type"
)

type DatasourceFilter struct{ DatasourceID string }

type IngestorFilter struct{ IngestorID string }

type GraphEntityFilter struct{ IsGraphEntity bool }

type EntityTypeFilter struct{ EntityType string }

type DocumentTypeFilter struct{ DocumentType string }

func (DatasourceFilter) Key() string   { return FilterDatasourceID }
func (IngestorFilter) Key() string     { return FilterIngestorID }
func (GraphEntityFilter) Key() string  { return FilterIsGraphEntity }
func (EntityTypeFilter) Key() string   { return FilterEntityType }
func (DocumentTypeFilter) Key() string { return FilterDocumentType }

func (f DatasourceFilter) Match(c *Chunk) bool   { return c.DatasourceID == f.DatasourceID }
func (f IngestorFilter) Match(c *Chunk) bool     { return c.IngestorID == f.IngestorID }
func (f GraphEntityFilter) Match(c *Chunk) bool  { return c.IsGraphEntity == f.IsGraphEntity }
func (f EntityTypeFilter) Match(c *Chunk) bool   { return c.GraphEntityType == f.EntityType }
func (f DocumentTypeFilter) Match(c *Chunk) bool { return c.DocumentType == f.DocumentType }

func (DatasourceFilter) isFilter()   {}
func (IngestorFilter) isFilter()     {}
func (GraphEntityFilter) isFilter()  {}
func (EntityTypeFilter) isFilter()   {}
func (DocumentTypeFilter) isFilter() {}

// MatchAll reports whether c passes every filter.
func MatchAll(filters []Filter, c *Chunk) bool {
	for _, f := range filters {
		if !f.Match(c) {
			return false
		}
	}
	return true
}

// ParseFilters converts a wire filter object into typed filters.
// Output is ordered by key.
func ParseFilters(raw map[string]any) ([]Filter, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	filters := make([]Filter, 0, len(keys))
	for _, k := range keys {
		v := raw[k]
		if k == FilterIsGraphEntity {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: %s must be a boolean", ErrInvalidFilterValue, k)
			}
			filters = append(filters, GraphEntityFilter{IsGraphEntity: b})
			continue
		}

		build, known := stringFilters[k]
		if !known {
			return nil, fmt.Errorf("%w: %q", ErrUnknownFilterKey, k)
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must be a string", ErrInvalidFilterValue, k)
		}
		filters = append(filters, build(s))
	}
	return filters, nil
}

var stringFilters = map[string]func(string) Filter{
	FilterDatasourceID: func(s string) Filter { return DatasourceFilter{DatasourceID: s} },
	FilterIngestorID:   func(s string) Filter { return IngestorFilter{IngestorID: s} },
	FilterEntityType:   func(s string) Filter { return EntityTypeFilter{EntityType: s} },
	FilterDocumentType: func(s string) Filter { return DocumentTypeFilter{DocumentType: s} },
}
