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

package ingestion

import (
	"fmt"
	"time"

	"github.com/poiesic/kbase/core"
)

// DefaultMaxBatchSize bounds the number of documents in one request.
const DefaultMaxBatchSize = 1000

// RawEntity is a graph entity as submitted by a connector.
type RawEntity struct {
	EntityType              string         `json:"entity_type"`
	PrimaryKeyProperties    []string       `json:"primary_key_properties"`
	AdditionalKeyProperties [][]string     `json:"additional_key_properties,omitempty"`
	AdditionalProperties    map[string]any `json:"additional_properties"`
	Labels                  []string       `json:"labels,omitempty"`
}

// RawDocument is a document as submitted by a connector.
type RawDocument struct {
	ID            string         `json:"id"`
	Title         string         `json:"title,omitempty"`
	Content       string         `json:"content,omitempty"`
	DatasourceID  string         `json:"datasource_id,omitempty"`
	IngestorID    string         `json:"ingestor_id,omitempty"`
	DocumentType  string         `json:"document_type,omitempty"`
	IsGraphEntity bool           `json:"is_graph_entity,omitempty"`
	Entity        *RawEntity     `json:"entity,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	FreshUntil    *time.Time     `json:"fresh_until,omitempty"`
}

// IngestRequest is one batch of documents for a datasource.
type IngestRequest struct {
	JobID        string        `json:"job_id,omitempty"`
	DatasourceID string        `json:"datasource_id"`
	IngestorID   string        `json:"ingestor_id,omitempty"`
	Documents    []RawDocument `json:"documents"`

	// FreshUntil applies to every document without its own timestamp.
	FreshUntil *time.Time `json:"fresh_until,omitempty"`

	// TTL applies when no timestamp is given.
	TTL time.Duration `json:"-"`
}

// Normalizer validates raw documents and turns them into core documents.
type Normalizer struct {
	MaxBatchSize int
	DefaultTTL   time.Duration // zero means documents never expire

	now func() time.Time
}

// NewNormalizer creates a normalizer with the default batch size.
func NewNormalizer(defaultTTL time.Duration) *Normalizer {
	return &Normalizer{
		MaxBatchSize: DefaultMaxBatchSize,
		DefaultTTL:   defaultTTL,
		now:          time.Now,
	}
}

// Check rejects requests that cannot start a job at all.
func (n *Normalizer) Check(req *IngestRequest) error {
	if req.DatasourceID == "" {
		return ErrMissingDatasource
	}
	limit := n.MaxBatchSize
	if limit <= 0 {
		limit = DefaultMaxBatchSize
	}
	if len(req.Documents) > limit {
		return fmt.Errorf("%w: %d documents, limit is %d", ErrBatchTooLarge, len(req.Documents), limit)
	}
	return nil
}

// Normalize converts a batch. Documents that fail validation are returned as
// rejections; they still count towards the job total. When an id repeats, the
// last occurrence wins and earlier ones are rejected.
func (n *Normalizer) Normalize(req *IngestRequest) ([]*core.Document, []*core.DocumentError) {
	lastIndex := make(map[string]int, len(req.Documents))
	for i, raw := range req.Documents {
		if raw.ID != "" {
			lastIndex[raw.ID] = i
		}
	}

	now := n.now
	if now == nil {
		now = time.Now
	}
	batchFresh := n.freshness(req, now())

	var docs []*core.Document
	var rejected []*core.DocumentError
	for i := range req.Documents {
		raw := &req.Documents[i]
		if raw.ID != "" && lastIndex[raw.ID] != i {
			rejected = append(rejected, core.NewDocumentError(raw.ID,
				fmt.Errorf("%w: %w", core.ErrValidation, ErrDuplicateDocument)))
			continue
		}

		doc, err := n.convert(req, raw, batchFresh)
		if err != nil {
			id := raw.ID
			if id == "" {
				id = fmt.Sprintf("documents[%d]", i)
			}
			rejected = append(rejected, core.NewDocumentError(id, err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs, rejected
}

// freshness resolves the batch-level expiry: explicit timestamp, then the
// request TTL, then the default TTL.
func (n *Normalizer) freshness(req *IngestRequest, now time.Time) time.Time {
	switch {
	case req.FreshUntil != nil:
		return req.FreshUntil.UTC()
	case req.TTL > 0:
		return now.Add(req.TTL).UTC()
	case n.DefaultTTL > 0:
		return now.Add(n.DefaultTTL).UTC()
	}
	return time.Time{}
}

func (n *Normalizer) convert(req *IngestRequest, raw *RawDocument, batchFresh time.Time) (*core.Document, error) {
	if raw.DatasourceID != "" && raw.DatasourceID != req.DatasourceID {
		return nil, fmt.Errorf("%w: %w: %q", core.ErrValidation, ErrDatasourceMismatch, raw.DatasourceID)
	}

	doc := &core.Document{
		ID:            raw.ID,
		Title:         raw.Title,
		RawContent:    raw.Content,
		DatasourceID:  req.DatasourceID,
		IngestorID:    raw.IngestorID,
		DocumentType:  raw.DocumentType,
		IsGraphEntity: raw.IsGraphEntity,
		Metadata:      raw.Metadata,
		FreshUntil:    batchFresh,
	}
	if doc.IngestorID == "" {
		doc.IngestorID = req.IngestorID
	}
	if raw.FreshUntil != nil {
		doc.FreshUntil = raw.FreshUntil.UTC()
	}
	if raw.IsGraphEntity && raw.Entity != nil {
		doc.Entity = &core.GraphEntity{
			EntityType:              raw.Entity.EntityType,
			PrimaryKeyProperties:    raw.Entity.PrimaryKeyProperties,
			AdditionalKeyProperties: raw.Entity.AdditionalKeyProperties,
			AdditionalProperties:    raw.Entity.AdditionalProperties,
			Labels:                  raw.Entity.Labels,
		}
		if doc.DocumentType == "" {
			doc.DocumentType = raw.Entity.EntityType
		}
	}

	if err := core.ValidateDocument(doc); err != nil {
		return nil, err
	}
	return doc, nil
}
