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

package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/kbase/core"
)

const recordVersion = 1

// serializer is the subset of the mus-go serializer contract used here.
type serializer[T any] interface {
	Marshal(v T, bs []byte) (n int)
	Unmarshal(bs []byte) (v T, n int, err error)
	Size(v T) (size int)
}

func put[T any](bs []byte, ser serializer[T], v T) []byte {
	size := ser.Size(v)
	bs = slices.Grow(bs, size)
	n := ser.Marshal(v, bs[len(bs):len(bs)+size])
	return bs[:len(bs)+n]
}

func putTime(bs []byte, t time.Time) []byte {
	var micros int64
	if !t.IsZero() {
		micros = t.UnixMicro()
	}
	return put(bs, varint.Int64, micros)
}

func putStrings(bs []byte, ss []string) []byte {
	bs = put(bs, varint.Int, len(ss))
	for _, s := range ss {
		bs = put(bs, ord.String, s)
	}
	return bs
}

func putVector(bs []byte, v []float32) []byte {
	bs = put(bs, varint.Int, len(v))
	for _, f := range v {
		bs = put(bs, varint.Uint32, math.Float32bits(f))
	}
	return bs
}

func putTermFreqs(bs []byte, tf map[string]int) []byte {
	terms := make([]string, 0, len(tf))
	for term := range tf {
		terms = append(terms, term)
	}
	slices.Sort(terms)
	bs = put(bs, varint.Int, len(terms))
	for _, term := range terms {
		bs = put(bs, ord.String, term)
		bs = put(bs, varint.Int, tf[term])
	}
	return bs
}

// putMetadata stores free-form metadata as JSON inside the binary record.
func putMetadata(bs []byte, m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return put(bs, ord.String, ""), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %w", ErrSerializationFailed, err)
	}
	return put(bs, ord.String, string(data)), nil
}

// reader consumes a record field by field and keeps the first error.
type reader struct {
	bs  []byte
	err error
}

func get[T any](r *reader, ser serializer[T]) T {
	var zero T
	if r.err != nil {
		return zero
	}
	v, n, err := ser.Unmarshal(r.bs)
	if err != nil {
		r.err = fmt.Errorf("%w: %w", ErrSerializationFailed, err)
		return zero
	}
	r.bs = r.bs[n:]
	return v
}

// length reads a collection length and rejects values the remaining bytes
// cannot possibly hold.
func (r *reader) length() int {
	n := get(r, varint.Int)
	if r.err == nil && (n < 0 || n > len(r.bs)) {
		r.err = fmt.Errorf("%w: bad length %d", ErrSerializationFailed, n)
		return 0
	}
	return n
}

func (r *reader) version() {
	v := get(r, varint.Int)
	if r.err == nil && v != recordVersion {
		r.err = fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
}

func (r *reader) time() time.Time {
	micros := get(r, varint.Int64)
	if micros == 0 {
		return time.Time{}
	}
	return time.UnixMicro(micros).UTC()
}

func (r *reader) strings() []string {
	n := r.length()
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	for i := range out {
		out[i] = get(r, ord.String)
	}
	return out
}

func (r *reader) vector() []float32 {
	n := r.length()
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(get(r, varint.Uint32))
	}
	return out
}

func (r *reader) termFreqs() map[string]int {
	n := r.length()
	tf := make(map[string]int, n)
	for i := 0; i < n; i++ {
		term := get(r, ord.String)
		tf[term] = get(r, varint.Int)
	}
	return tf
}

func (r *reader) metadata() map[string]any {
	data := get(r, ord.String)
	if r.err != nil || data == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		r.err = fmt.Errorf("%w: metadata: %w", ErrSerializationFailed, err)
		return nil
	}
	return m
}

// MarshalChunk serializes an IndexedChunk to bytes.
func MarshalChunk(c *core.IndexedChunk) ([]byte, error) {
	bs := put(nil, varint.Int, recordVersion)
	bs = put(bs, ord.String, c.ChunkID)
	bs = put(bs, ord.String, c.DocumentID)
	bs = put(bs, ord.String, c.Text)
	bs = put(bs, varint.Int, c.ChunkIndex)
	bs = put(bs, varint.Int, c.TotalChunks)
	bs = put(bs, ord.String, c.Title)
	bs = put(bs, ord.String, c.DatasourceID)
	bs = put(bs, ord.String, c.IngestorID)
	bs = put(bs, ord.String, c.DocumentType)
	bs = put(bs, ord.Bool, c.IsGraphEntity)
	bs = put(bs, ord.String, c.GraphEntityType)
	bs = putTime(bs, c.FreshUntil)
	bs = putTime(bs, c.UpdatedAt)
	bs = putVector(bs, c.Vector)
	bs = putTermFreqs(bs, c.TermFreqs)
	return putMetadata(bs, c.Metadata)
}

// UnmarshalChunk deserializes an IndexedChunk from bytes.
func UnmarshalChunk(data []byte) (*core.IndexedChunk, error) {
	r := &reader{bs: data}
	r.version()
	c := &core.IndexedChunk{}
	c.ChunkID = get(r, ord.String)
	c.DocumentID = get(r, ord.String)
	c.Text = get(r, ord.String)
	c.ChunkIndex = get(r, varint.Int)
	c.TotalChunks = get(r, varint.Int)
	c.Title = get(r, ord.String)
	c.DatasourceID = get(r, ord.String)
	c.IngestorID = get(r, ord.String)
	c.DocumentType = get(r, ord.String)
	c.IsGraphEntity = get(r, ord.Bool)
	c.GraphEntityType = get(r, ord.String)
	c.FreshUntil = r.time()
	c.UpdatedAt = r.time()
	c.Vector = r.vector()
	c.TermFreqs = r.termFreqs()
	c.Metadata = r.metadata()
	if r.err != nil {
		return nil, r.err
	}
	return c, nil
}

// MarshalJob serializes an IngestionJob to bytes.
func MarshalJob(j *core.IngestionJob) []byte {
	bs := put(nil, varint.Int, recordVersion)
	bs = put(bs, ord.String, j.JobID)
	bs = put(bs, ord.String, j.DatasourceID)
	bs = put(bs, ord.String, string(j.Status))
	bs = put(bs, varint.Int, j.Total)
	bs = put(bs, varint.Int, j.ProgressCounter)
	bs = put(bs, varint.Int, j.FailedCounter)
	bs = putStrings(bs, j.ErrorMsgs)
	bs = putStrings(bs, j.Warnings)
	bs = putTime(bs, j.CreatedAt)
	bs = putTime(bs, j.StartedAt)
	return putTime(bs, j.CompletedAt)
}

// UnmarshalJob deserializes an IngestionJob from bytes.
func UnmarshalJob(data []byte) (*core.IngestionJob, error) {
	r := &reader{bs: data}
	r.version()
	j := &core.IngestionJob{}
	j.JobID = get(r, ord.String)
	j.DatasourceID = get(r, ord.String)
	j.Status = core.JobStatus(get(r, ord.String))
	j.Total = get(r, varint.Int)
	j.ProgressCounter = get(r, varint.Int)
	j.FailedCounter = get(r, varint.Int)
	j.ErrorMsgs = r.strings()
	j.Warnings = r.strings()
	j.CreatedAt = r.time()
	j.StartedAt = r.time()
	j.CompletedAt = r.time()
	if r.err != nil {
		return nil, r.err
	}
	return j, nil
}

// MarshalDatasource serializes a DataSourceInfo to bytes.
func MarshalDatasource(d *core.DataSourceInfo) ([]byte, error) {
	bs := put(nil, varint.Int, recordVersion)
	bs = put(bs, ord.String, d.DatasourceID)
	bs = put(bs, ord.String, d.IngestorID)
	bs = put(bs, ord.String, d.SourceType)
	bs = put(bs, varint.Int, d.DefaultChunkSize)
	bs = put(bs, varint.Int, d.DefaultChunkOverlap)
	bs = putTime(bs, d.CreatedAt)
	bs = putTime(bs, d.LastUpdated)
	bs = putTime(bs, d.FreshUntil)
	return putMetadata(bs, d.Metadata)
}

// UnmarshalDatasource deserializes a DataSourceInfo from bytes.
func UnmarshalDatasource(data []byte) (*core.DataSourceInfo, error) {
	r := &reader{bs: data}
	r.version()
	d := &core.DataSourceInfo{}
	d.DatasourceID = get(r, ord.String)
	d.IngestorID = get(r, ord.String)
	d.SourceType = get(r, ord.String)
	d.DefaultChunkSize = get(r, varint.Int)
	d.DefaultChunkOverlap = get(r, varint.Int)
	d.CreatedAt = r.time()
	d.LastUpdated = r.time()
	d.FreshUntil = r.time()
	d.Metadata = r.metadata()
	if r.err != nil {
		return nil, r.err
	}
	return d, nil
}
