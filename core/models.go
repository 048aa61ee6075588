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
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a compact numeric identifier derived from content.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// Document is one logical unit submitted by a connector: free text or a graph entity.
type Document struct {
	ID            string
	Title         string
	RawContent    string
	DatasourceID  string
	IngestorID    string
	DocumentType  string
	IsGraphEntity bool
	Entity        *GraphEntity // set when IsGraphEntity
	Metadata      map[string]any
	FreshUntil    time.Time // zero means the document never expires
}

// ChunkID builds the identifier of the chunk at index within a document.
func ChunkID(documentID string, index int) string {
	return documentID + "#" + strconv.Itoa(index)
}

// Chunk is a size-bounded segment of a document's searchable text.
// It carries a copy of the document metadata it was cut from.
type Chunk struct {
	ChunkID         string
	DocumentID      string
	Text            string
	ChunkIndex      int
	TotalChunks     int
	Title           string
	DatasourceID    string
	IngestorID      string
	DocumentType    string
	IsGraphEntity   bool
	GraphEntityType string
	Metadata        map[string]any
	FreshUntil      time.Time
}

// IndexedChunk is a chunk together with its dense and sparse representations.
type IndexedChunk struct {
	Chunk
	Vector    []float32      // L2-normalised dense embedding
	TermFreqs map[string]int // keyword frequencies over the chunk text
	UpdatedAt time.Time
}

// EntityRef identifies a graph entity by type and primary key value.
type EntityRef struct {
	EntityType string `json:"entity_type"`
	PrimaryKey string `json:"primary_key"`
}

// String returns "type/key".
func (r EntityRef) String() string {
	return r.EntityType + "/" + r.PrimaryKey
}

// IsZero reports whether the reference is unset.
func (r EntityRef) IsZero() bool {
	return r.EntityType == "" && r.PrimaryKey == ""
}

// GraphEntity is a structured record mapped into the property graph.
type GraphEntity struct {
	EntityType              string
	PrimaryKeyProperties    []string
	AdditionalKeyProperties [][]string
	AdditionalProperties    map[string]any
	Labels                  []string

	// Key, when set, is the primary key value and takes precedence over
	// PrimaryKeyProperties. Flattening always sets it.
	Key string

	// Set on sub-entities produced by flattening.
	ParentRef  *EntityRef
	ArrayIndex int

	// Provenance, filled by the writer.
	DocumentID   string
	DatasourceID string
	FreshUntil   time.Time
}

// PrimaryKey returns Key if set, otherwise the values of the primary key
// properties joined with "_". Missing properties contribute an empty segment.
func (e *GraphEntity) PrimaryKey() string {
	if e.Key != "" {
		return e.Key
	}
	parts := make([]string, len(e.PrimaryKeyProperties))
	for i, prop := range e.PrimaryKeyProperties {
		parts[i] = ScalarString(e.AdditionalProperties[prop])
	}
	return strings.Join(parts, "_")
}

// Ref returns the entity's reference.
func (e *GraphEntity) Ref() EntityRef {
	return EntityRef{EntityType: e.EntityType, PrimaryKey: e.PrimaryKey()}
}

// Relation is a directed, named edge between two entities.
type Relation struct {
	From       EntityRef
	To         EntityRef
	Name       string
	Properties map[string]any
	DocumentID string
}

// JobStatus is the state of an ingestion job.
type JobStatus string

const (
	JobStatusPending             JobStatus = "PENDING"
	JobStatusInProgress          JobStatus = "IN_PROGRESS"
	JobStatusCompleted           JobStatus = "COMPLETED"
	JobStatusCompletedWithErrors JobStatus = "COMPLETED_WITH_ERRORS"
	JobStatusFailed              JobStatus = "FAILED"
	JobStatusTerminated          JobStatus = "TERMINATED"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed, JobStatusTerminated:
		return true
	}
	return false
}

// IngestionJob records the progress of one ingestion batch.
type IngestionJob struct {
	JobID           string
	DatasourceID    string
	Status          JobStatus
	Total           int
	ProgressCounter int
	FailedCounter   int
	ErrorMsgs       []string
	Warnings        []string
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time
}

// DataSourceInfo describes one logical content source.
type DataSourceInfo struct {
	DatasourceID        string
	IngestorID          string
	SourceType          string
	DefaultChunkSize    int // bytes
	DefaultChunkOverlap int // characters
	Metadata            map[string]any
	CreatedAt           time.Time
	LastUpdated         time.Time
	FreshUntil          time.Time
}

// DocumentRef locates a stored document.
type DocumentRef struct {
	DocumentID   string
	DatasourceID string
}

// ScoredChunk is a retrieval candidate with a normalised score in [0,1].
type ScoredChunk struct {
	Chunk *Chunk
	Score float64
}

// SearchResult is a reranked query hit.
type SearchResult struct {
	Chunk       *Chunk
	Score       float64
	DenseScore  float64
	SparseScore float64
}
