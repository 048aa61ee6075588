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

package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/sparse"
	"github.com/poiesic/kbase/storage"
)

// VectorIndex is an embedded hybrid index: chunks are scanned for both
// cosine similarity and BM25, with corpus statistics computed at query time.
type VectorIndex struct {
	backend *Backend
	bm25    sparse.BM25
	logger  *slog.Logger
}

var _ storage.VectorIndex = (*VectorIndex)(nil)

// NewVectorIndex creates a VectorIndex on backend.
func NewVectorIndex(backend *Backend) (*VectorIndex, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	return &VectorIndex{
		backend: backend,
		bm25:    sparse.DefaultBM25,
		logger:  backend.logger.With("store", "vector"),
	}, nil
}

// docMeta is the per-document record kept beside the chunks.
type docMeta struct {
	datasourceID  string
	isGraphEntity bool
	freshUntil    time.Time
}

func marshalDocMeta(m docMeta) []byte {
	var micros int64
	if !m.freshUntil.IsZero() {
		micros = m.freshUntil.UnixMicro()
	}
	bs := make([]byte, ord.String.Size(m.datasourceID)+ord.Bool.Size(m.isGraphEntity)+varint.Int64.Size(micros))
	n := ord.String.Marshal(m.datasourceID, bs)
	n += ord.Bool.Marshal(m.isGraphEntity, bs[n:])
	varint.Int64.Marshal(micros, bs[n:])
	return bs
}

func unmarshalDocMeta(bs []byte) (docMeta, error) {
	var m docMeta
	ds, n, err := ord.String.Unmarshal(bs)
	if err != nil {
		return m, fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
	}
	graph, n1, err := ord.Bool.Unmarshal(bs[n:])
	if err != nil {
		return m, fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
	}
	micros, _, err := varint.Int64.Unmarshal(bs[n+n1:])
	if err != nil {
		return m, fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
	}
	m.datasourceID = ds
	m.isGraphEntity = graph
	if micros != 0 {
		m.freshUntil = time.UnixMicro(micros).UTC()
	}
	return m, nil
}

func graphFlag(isGraph bool) []byte {
	if isGraph {
		return []byte{1}
	}
	return []byte{0}
}

// UpsertChunks writes chunks and their document indexes in one transaction.
func (v *VectorIndex) UpsertChunks(ctx context.Context, chunks ...*core.IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	records := make([][]byte, len(chunks))
	for i, c := range chunks {
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = time.Now().UTC()
		}
		data, err := storage.MarshalChunk(c)
		if err != nil {
			return err
		}
		records[i] = data
	}

	return v.backend.Update(func(tx *badger.Txn) error {
		for i, c := range chunks {
			if err := tx.Set(makeChunkKey(c.ChunkID), records[i]); err != nil {
				return err
			}
			if err := tx.Set(makeDocChunkKey(c.DocumentID, c.ChunkID), nil); err != nil {
				return err
			}
			if err := v.setDocMeta(tx, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func (v *VectorIndex) setDocMeta(tx *badger.Txn, c *core.IndexedChunk) error {
	metaKey := makeDocMetaKey(c.DocumentID)
	if data, err := getValue(tx, metaKey); err == nil {
		old, err := unmarshalDocMeta(data)
		if err != nil {
			return err
		}
		if old.datasourceID != c.DatasourceID {
			if err := tx.Delete(makeDatasourceDocKey(old.datasourceID, c.DocumentID)); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	meta := docMeta{datasourceID: c.DatasourceID, isGraphEntity: c.IsGraphEntity, freshUntil: c.FreshUntil}
	if err := tx.Set(metaKey, marshalDocMeta(meta)); err != nil {
		return err
	}
	return tx.Set(makeDatasourceDocKey(c.DatasourceID, c.DocumentID), graphFlag(c.IsGraphEntity))
}

// documentKeys gathers every key belonging to a document.
func documentKeys(tx *badger.Txn, documentID string) ([][]byte, error) {
	indexKeys := prefixKeys(tx, makePrefix(docChunkPrefix, documentID))
	keys := make([][]byte, 0, 2*len(indexKeys)+2)
	for _, k := range indexKeys {
		keys = append(keys, k, makeChunkKey(lastSegment(k)))
	}

	metaKey := makeDocMetaKey(documentID)
	data, err := getValue(tx, metaKey)
	if errors.Is(err, storage.ErrNotFound) {
		return keys, nil
	}
	if err != nil {
		return nil, err
	}
	meta, err := unmarshalDocMeta(data)
	if err != nil {
		return nil, err
	}
	return append(keys, metaKey, makeDatasourceDocKey(meta.datasourceID, documentID)), nil
}

// DeleteDocument removes every chunk of a document.
func (v *VectorIndex) DeleteDocument(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var keys [][]byte
	err := v.backend.View(func(tx *badger.Txn) error {
		var err error
		keys, err = documentKeys(tx, documentID)
		return err
	})
	if err != nil {
		return err
	}
	return v.backend.DeleteKeys(keys)
}

// DeleteDatasource removes every chunk of a datasource.
func (v *VectorIndex) DeleteDatasource(ctx context.Context, datasourceID string) error {
	var keys [][]byte
	err := v.backend.View(func(tx *badger.Txn) error {
		for _, k := range prefixKeys(tx, makePrefix(datasourceDocs, datasourceID)) {
			if err := ctx.Err(); err != nil {
				return err
			}
			docKeys, err := documentKeys(tx, lastSegment(k))
			if err != nil {
				return err
			}
			keys = append(keys, docKeys...)
			keys = append(keys, k)
		}
		return nil
	})
	if err != nil {
		return err
	}
	v.logger.Debug("deleting datasource chunks", "datasource", datasourceID, "keys", len(keys))
	return v.backend.DeleteKeys(keys)
}

// eachChunk decodes every chunk record in key order until fn returns false.
func (v *VectorIndex) eachChunk(ctx context.Context, fn func(c *core.IndexedChunk) bool) error {
	return v.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makePrefix(chunkPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var chunk *core.IndexedChunk
			err := iter.Item().Value(func(val []byte) error {
				var err error
				chunk, err = storage.UnmarshalChunk(val)
				return err
			})
			if err != nil {
				return err
			}
			if !fn(chunk) {
				return nil
			}
		}
		return nil
	})
}

// DenseSearch ranks chunks by cosine similarity. Stored vectors are unit
// length, so the dot product is the similarity.
func (v *VectorIndex) DenseSearch(ctx context.Context, vector []float32, limit int, filters []core.Filter) ([]core.ScoredChunk, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", storage.ErrInvalidQuery)
	}

	var results []core.ScoredChunk
	err := v.eachChunk(ctx, func(c *core.IndexedChunk) bool {
		if len(c.Vector) == 0 || !core.MatchAll(filters, &c.Chunk) {
			return true
		}
		results = append(results, core.ScoredChunk{
			Chunk: &c.Chunk,
			Score: float64(dotProduct(vector, c.Vector)),
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return topK(results, limit), nil
}

// SparseSearch ranks chunks by BM25 over the query terms.
func (v *VectorIndex) SparseSearch(ctx context.Context, terms []string, limit int, filters []core.Filter) ([]core.ScoredChunk, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", storage.ErrInvalidQuery)
	}
	terms = sparse.Unique(terms)
	if len(terms) == 0 {
		return nil, nil
	}

	type candidate struct {
		chunk  *core.Chunk
		tf     map[string]int
		length int
	}

	stats := sparse.Stats{DocFreq: make(map[string]int, len(terms))}
	var totalLen int
	var candidates []candidate

	err := v.eachChunk(ctx, func(c *core.IndexedChunk) bool {
		length := sparse.Length(c.TermFreqs)
		stats.Docs++
		totalLen += length

		matched := false
		for _, term := range terms {
			if c.TermFreqs[term] > 0 {
				stats.DocFreq[term]++
				matched = true
			}
		}
		if matched && core.MatchAll(filters, &c.Chunk) {
			candidates = append(candidates, candidate{chunk: &c.Chunk, tf: c.TermFreqs, length: length})
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if stats.Docs > 0 {
		stats.AvgLen = float64(totalLen) / float64(stats.Docs)
	}

	results := make([]core.ScoredChunk, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, core.ScoredChunk{
			Chunk: c.chunk,
			Score: v.bm25.Score(terms, c.tf, c.length, stats),
		})
	}
	return topK(results, limit), nil
}

// ScanChunks returns up to limit chunks ordered by ChunkID after the given one.
func (v *VectorIndex) ScanChunks(ctx context.Context, after string, limit int) ([]*core.IndexedChunk, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", storage.ErrInvalidQuery)
	}
	var chunks []*core.IndexedChunk
	err := v.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makePrefix(chunkPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		start := opts.Prefix
		if after != "" {
			start = makeChunkKey(after)
		}
		for iter.Seek(start); iter.Valid() && len(chunks) < limit; iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := iter.Item()
			if after != "" && bytes.Equal(item.Key(), start) {
				continue
			}
			err := item.Value(func(val []byte) error {
				c, err := storage.UnmarshalChunk(val)
				if err != nil {
					return err
				}
				chunks = append(chunks, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return chunks, err
}

// DocumentIDs lists the documents of a datasource in key order.
func (v *VectorIndex) DocumentIDs(ctx context.Context, datasourceID string, graphOnly bool) ([]string, error) {
	var ids []string
	err := v.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makePrefix(datasourceDocs, datasourceID)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			item := iter.Item()
			if graphOnly {
				isGraph := false
				err := item.Value(func(val []byte) error {
					isGraph = len(val) == 1 && val[0] == 1
					return nil
				})
				if err != nil {
					return err
				}
				if !isGraph {
					continue
				}
			}
			ids = append(ids, lastSegment(item.Key()))
		}
		return nil
	})
	return ids, err
}

// ExpiredDocuments lists documents whose FreshUntil is set and before t.
func (v *VectorIndex) ExpiredDocuments(ctx context.Context, t time.Time) ([]core.DocumentRef, error) {
	var refs []core.DocumentRef
	err := v.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makePrefix(docMetaPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			item := iter.Item()
			var meta docMeta
			err := item.Value(func(val []byte) error {
				var err error
				meta, err = unmarshalDocMeta(val)
				return err
			})
			if err != nil {
				return err
			}
			if !meta.freshUntil.IsZero() && meta.freshUntil.Before(t) {
				refs = append(refs, core.DocumentRef{
					DocumentID:   lastSegment(item.Key()),
					DatasourceID: meta.datasourceID,
				})
			}
		}
		return nil
	})
	return refs, err
}

// Ping reports whether the database is open.
func (v *VectorIndex) Ping(ctx context.Context) error {
	if v.backend.IsClosed() {
		return storage.ErrStorageClosed
	}
	return nil
}

// Close is a no-op; the backend is owned by the caller.
func (v *VectorIndex) Close() error {
	return nil
}

// topK sorts by score descending, ties by chunk id, and keeps the first k.
func topK(results []core.ScoredChunk, k int) []core.ScoredChunk {
	slices.SortFunc(results, func(a, b core.ScoredChunk) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return strings.Compare(a.Chunk.ChunkID, b.Chunk.ChunkID)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// dotProduct calculates the dot product of two vectors.
func dotProduct(a, b []float32) float32 {
	var sum float32
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	for i := 0; i < minLen; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
