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

package server

import (
	"time"

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/ingestion"
	"github.com/poiesic/kbase/search"
)

type ingestRequest struct {
	DatasourceID string                  `json:"datasource_id"`
	IngestorID   string                  `json:"ingestor_id"`
	JobID        string                  `json:"job_id,omitempty"`
	Documents    []ingestion.RawDocument `json:"documents"`
	FreshUntil   *time.Time              `json:"fresh_until,omitempty"`
	TTLSeconds   int64                   `json:"ttl_seconds,omitempty"`
}

func (r *ingestRequest) toIngestRequest() *ingestion.IngestRequest {
	return &ingestion.IngestRequest{
		JobID:        r.JobID,
		DatasourceID: r.DatasourceID,
		IngestorID:   r.IngestorID,
		Documents:    r.Documents,
		FreshUntil:   r.FreshUntil,
		TTL:          time.Duration(r.TTLSeconds) * time.Second,
	}
}

type ingestResponse struct {
	JobID string `json:"job_id"`
}

type queryRequest struct {
	Query               string          `json:"query"`
	Limit               int             `json:"limit"`
	SimilarityThreshold float64         `json:"similarity_threshold"`
	Filters             map[string]any  `json:"filters,omitempty"`
	RankerType          string          `json:"ranker_type,omitempty"`
	RankerParams        *search.Weights `json:"ranker_params,omitempty"`
}

// toSearchRequest resolves filters and weights. Explicit ranker params take
// precedence over a named ranker.
func (r *queryRequest) toSearchRequest() (search.Request, error) {
	filters, err := core.ParseFilters(r.Filters)
	if err != nil {
		return search.Request{}, err
	}

	var weights search.Weights
	if r.RankerParams != nil {
		if err := r.RankerParams.Validate(); err != nil {
			return search.Request{}, err
		}
		weights = *r.RankerParams
	} else if weights, err = search.Preset(r.RankerType); err != nil {
		return search.Request{}, err
	}

	return search.Request{
		Query:               r.Query,
		Limit:               r.Limit,
		SimilarityThreshold: r.SimilarityThreshold,
		Filters:             filters,
		Weights:             weights,
	}, nil
}

type documentView struct {
	ChunkID         string         `json:"chunk_id"`
	DocumentID      string         `json:"document_id"`
	Title           string         `json:"title,omitempty"`
	Text            string         `json:"text"`
	ChunkIndex      int            `json:"chunk_index"`
	TotalChunks     int            `json:"total_chunks"`
	DatasourceID    string         `json:"datasource_id"`
	IngestorID      string         `json:"ingestor_id,omitempty"`
	DocumentType    string         `json:"document_type,omitempty"`
	IsGraphEntity   bool           `json:"is_graph_entity"`
	GraphEntityType string         `json:"graph_entity_type,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	FreshUntil      *time.Time     `json:"fresh_until,omitempty"`
}

type resultView struct {
	Document    documentView `json:"document"`
	Score       float64      `json:"score"`
	DenseScore  float64      `json:"dense_score"`
	SparseScore float64      `json:"sparse_score"`
}

type queryResponse struct {
	Results []resultView `json:"results"`
}

func newQueryResponse(results []*core.SearchResult) queryResponse {
	out := queryResponse{Results: make([]resultView, 0, len(results))}
	for _, r := range results {
		c := r.Chunk
		out.Results = append(out.Results, resultView{
			Document: documentView{
				ChunkID:         c.ChunkID,
				DocumentID:      c.DocumentID,
				Title:           c.Title,
				Text:            c.Text,
				ChunkIndex:      c.ChunkIndex,
				TotalChunks:     c.TotalChunks,
				DatasourceID:    c.DatasourceID,
				IngestorID:      c.IngestorID,
				DocumentType:    c.DocumentType,
				IsGraphEntity:   c.IsGraphEntity,
				GraphEntityType: c.GraphEntityType,
				Metadata:        c.Metadata,
				FreshUntil:      timePtr(c.FreshUntil),
			},
			Score:       r.Score,
			DenseScore:  r.DenseScore,
			SparseScore: r.SparseScore,
		})
	}
	return out
}

type jobView struct {
	JobID           string         `json:"job_id"`
	DatasourceID    string         `json:"datasource_id"`
	Status          core.JobStatus `json:"status"`
	Total           int            `json:"total"`
	ProgressCounter int            `json:"progress_counter"`
	FailedCounter   int            `json:"failed_counter"`
	ErrorMsgs       []string       `json:"error_msgs"`
	Warnings        []string       `json:"warnings,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
}

func newJobView(job *core.IngestionJob) jobView {
	msgs := job.ErrorMsgs
	if msgs == nil {
		msgs = []string{}
	}
	return jobView{
		JobID:           job.JobID,
		DatasourceID:    job.DatasourceID,
		Status:          job.Status,
		Total:           job.Total,
		ProgressCounter: job.ProgressCounter,
		FailedCounter:   job.FailedCounter,
		ErrorMsgs:       msgs,
		Warnings:        job.Warnings,
		CreatedAt:       job.CreatedAt,
		StartedAt:       timePtr(job.StartedAt),
		CompletedAt:     timePtr(job.CompletedAt),
	}
}

type datasourceView struct {
	DatasourceID string         `json:"datasource_id"`
	IngestorID   string         `json:"ingestor_id,omitempty"`
	SourceType   string         `json:"source_type,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastUpdated  time.Time      `json:"last_updated"`
	FreshUntil   *time.Time     `json:"fresh_until,omitempty"`
	Stale        bool           `json:"stale"`
}

type entityView struct {
	EntityType   string          `json:"entity_type"`
	PrimaryKey   string          `json:"primary_key"`
	Properties   map[string]any  `json:"properties"`
	Labels       []string        `json:"labels,omitempty"`
	Parent       *core.EntityRef `json:"parent,omitempty"`
	DocumentID   string          `json:"document_id"`
	DatasourceID string          `json:"datasource_id"`
	FreshUntil   *time.Time      `json:"fresh_until,omitempty"`
}

type relationView struct {
	From       core.EntityRef `json:"from"`
	To         core.EntityRef `json:"to"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
}

type entityResponse struct {
	Entity    entityView     `json:"entity"`
	Relations []relationView `json:"relations"`
}

func newEntityResponse(e *core.GraphEntity, rels []core.Relation) entityResponse {
	out := entityResponse{
		Entity: entityView{
			EntityType:   e.EntityType,
			PrimaryKey:   e.PrimaryKey(),
			Properties:   e.AdditionalProperties,
			Labels:       e.Labels,
			Parent:       e.ParentRef,
			DocumentID:   e.DocumentID,
			DatasourceID: e.DatasourceID,
			FreshUntil:   timePtr(e.FreshUntil),
		},
		Relations: make([]relationView, 0, len(rels)),
	}
	for _, r := range rels {
		out.Relations = append(out.Relations, relationView{From: r.From, To: r.To, Name: r.Name, Properties: r.Properties})
	}
	return out
}

type errorResponse struct {
	Error string `json:"error"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
