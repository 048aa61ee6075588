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

package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/sparse"
	"github.com/poiesic/kbase/storage"
)

const (
	denseVector  = "dense"
	sparseVector = "sparse"

	DefaultCollection = "kbase_chunks"
	scrollPageSize    = 256
)

// Payload fields.
const (
	fieldChunkID       = "chunk_id"
	fieldDocumentID    = "document_id"
	fieldText          = "text"
	fieldChunkIndex    = "chunk_index"
	fieldTotalChunks   = "total_chunks"
	fieldTitle         = "title"
	fieldDatasourceID  = "datasource_id"
	fieldIngestorID    = "ingestor_id"
	fieldDocumentType  = "document_type"
	fieldIsGraphEntity = "is_graph_entity"
	fieldEntityType    = "graph_entity_type"
	fieldFreshUntil    = "fresh_until"
	fieldUpdatedAt     = "updated_at"
	fieldMetadata      = "metadata"
)

var (
	// ErrAddressRequired is returned when no server address is configured.
	ErrAddressRequired = errors.New("qdrant address required")

	// ErrVectorSizeRequired is returned when the dense vector size is not set.
	ErrVectorSizeRequired = errors.New("qdrant vector size required")
)

// Config holds connection settings.
type Config struct {
	Addr       string // host:port of the gRPC endpoint
	Collection string
	VectorSize uint64
}

// Index is a Qdrant-backed storage.VectorIndex.
type Index struct {
	conn        *grpc.ClientConn
	points      qdrant.PointsClient
	collections qdrant.CollectionsClient
	collection  string
	logger      *slog.Logger
}

var _ storage.VectorIndex = (*Index)(nil)

// Open connects to Qdrant and makes sure the collection exists.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Index, error) {
	if cfg.Addr == "" {
		return nil, ErrAddressRequired
	}
	if cfg.VectorSize == 0 {
		return nil, ErrVectorSizeRequired
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("store", "qdrant", "collection", cfg.Collection)

	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	idx := &Index{
		conn:        conn,
		points:      qdrant.NewPointsClient(conn),
		collections: qdrant.NewCollectionsClient(conn),
		collection:  cfg.Collection,
		logger:      logger,
	}
	if err := idx.ensureCollection(ctx, cfg.VectorSize); err != nil {
		conn.Close()
		return nil, err
	}
	return idx, nil
}

// ensureCollection creates the collection and its payload indexes if missing.
func (x *Index) ensureCollection(ctx context.Context, vectorSize uint64) error {
	_, err := x.collections.Get(ctx, &qdrant.GetCollectionInfoRequest{CollectionName: x.collection})
	if err == nil {
		x.logger.Debug("collection already exists")
		return nil
	}
	if status.Code(err) != codes.NotFound {
		return classify(fmt.Errorf("could not get collection info: %w", err))
	}

	x.logger.Info("collection not found, creating it")
	_, err = x.collections.Create(ctx, &qdrant.CreateCollection{
		CollectionName: x.collection,
		VectorsConfig: &qdrant.VectorsConfig{
			Config: &qdrant.VectorsConfig_ParamsMap{
				ParamsMap: &qdrant.VectorParamsMap{
					Map: map[string]*qdrant.VectorParams{
						denseVector: {Size: vectorSize, Distance: qdrant.Distance_Cosine},
					},
				},
			},
		},
		SparseVectorsConfig: &qdrant.SparseVectorConfig{
			Map: map[string]*qdrant.SparseVectorParams{
				sparseVector: {Modifier: qdrant.Modifier_Idf.Enum()},
			},
		},
	})
	if err != nil {
		return classify(fmt.Errorf("could not create collection: %w", err))
	}

	wait := true
	keywordFields := []string{fieldDocumentID, fieldDatasourceID, fieldIngestorID, fieldDocumentType, fieldEntityType}
	for _, field := range keywordFields {
		_, err = x.points.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: x.collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			Wait:           &wait,
		})
		if err != nil {
			return classify(fmt.Errorf("could not create %q payload index: %w", field, err))
		}
	}
	_, err = x.points.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: x.collection,
		FieldName:      fieldFreshUntil,
		FieldType:      qdrant.FieldType_FieldTypeInteger.Enum(),
		Wait:           &wait,
	})
	if err != nil {
		return classify(fmt.Errorf("could not create %q payload index: %w", fieldFreshUntil, err))
	}
	return nil
}

// classify maps gRPC transport failures onto storage.ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return err
}

// PointID derives the point id of a chunk.
func PointID(chunkID string) *qdrant.PointId {
	return qdrant.NewIDNum(uint64(core.IDFromContent(chunkID)))
}

func payloadOf(c *core.IndexedChunk) (map[string]*qdrant.Value, error) {
	metadata := ""
	if len(c.Metadata) > 0 {
		b, err := json.Marshal(c.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %w", storage.ErrSerializationFailed, err)
		}
		metadata = string(b)
	}
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return qdrant.NewValueMap(map[string]any{
		fieldChunkID:       c.ChunkID,
		fieldDocumentID:    c.DocumentID,
		fieldText:          c.Text,
		fieldChunkIndex:    int64(c.ChunkIndex),
		fieldTotalChunks:   int64(c.TotalChunks),
		fieldTitle:         c.Title,
		fieldDatasourceID:  c.DatasourceID,
		fieldIngestorID:    c.IngestorID,
		fieldDocumentType:  c.DocumentType,
		fieldIsGraphEntity: c.IsGraphEntity,
		fieldEntityType:    c.GraphEntityType,
		fieldFreshUntil:    micros(c.FreshUntil),
		fieldUpdatedAt:     micros(updated),
		fieldMetadata:      metadata,
	}), nil
}

func chunkOf(payload map[string]*qdrant.Value) *core.Chunk {
	c := &core.Chunk{
		ChunkID:         payload[fieldChunkID].GetStringValue(),
		DocumentID:      payload[fieldDocumentID].GetStringValue(),
		Text:            payload[fieldText].GetStringValue(),
		ChunkIndex:      int(payload[fieldChunkIndex].GetIntegerValue()),
		TotalChunks:     int(payload[fieldTotalChunks].GetIntegerValue()),
		Title:           payload[fieldTitle].GetStringValue(),
		DatasourceID:    payload[fieldDatasourceID].GetStringValue(),
		IngestorID:      payload[fieldIngestorID].GetStringValue(),
		DocumentType:    payload[fieldDocumentType].GetStringValue(),
		IsGraphEntity:   payload[fieldIsGraphEntity].GetBoolValue(),
		GraphEntityType: payload[fieldEntityType].GetStringValue(),
		FreshUntil:      timeOf(payload[fieldFreshUntil].GetIntegerValue()),
	}
	if raw := payload[fieldMetadata].GetStringValue(); raw != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			c.Metadata = m
		}
	}
	return c
}

func micros(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func timeOf(us int64) time.Time {
	if us == 0 {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// filterOf converts query filters into a Qdrant payload filter.
func filterOf(filters []core.Filter) *qdrant.Filter {
	if len(filters) == 0 {
		return nil
	}
	must := make([]*qdrant.Condition, 0, len(filters))
	for _, f := range filters {
		switch f := f.(type) {
		case core.DatasourceFilter:
			must = append(must, qdrant.NewMatch(fieldDatasourceID, f.DatasourceID))
		case core.IngestorFilter:
			must = append(must, qdrant.NewMatch(fieldIngestorID, f.IngestorID))
		case core.GraphEntityFilter:
			must = append(must, qdrant.NewMatchBool(fieldIsGraphEntity, f.IsGraphEntity))
		case core.EntityTypeFilter:
			must = append(must, qdrant.NewMatch(fieldEntityType, f.EntityType))
		case core.DocumentTypeFilter:
			must = append(must, qdrant.NewMatch(fieldDocumentType, f.DocumentType))
		}
	}
	return &qdrant.Filter{Must: must}
}

// UpsertChunks writes one point per chunk.
func (x *Index) UpsertChunks(ctx context.Context, chunks ...*core.IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		payload, err := payloadOf(c)
		if err != nil {
			return err
		}
		sv := sparse.Encode(c.TermFreqs)
		vectors := map[string]*qdrant.Vector{
			denseVector: qdrant.NewVector(c.Vector...),
		}
		if len(sv.Indices) > 0 {
			vectors[sparseVector] = qdrant.NewVectorSparse(sv.Indices, sv.Values)
		}
		points = append(points, &qdrant.PointStruct{
			Id:      PointID(c.ChunkID),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: payload,
		})
	}

	wait := true
	_, err := x.points.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: x.collection,
		Wait:           &wait,
		Points:         points,
	})
	return classify(err)
}

func (x *Index) deleteWhere(ctx context.Context, filter *qdrant.Filter) error {
	wait := true
	_, err := x.points.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: x.collection,
		Wait:           &wait,
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	return classify(err)
}

// DeleteDocument removes every point of a document.
func (x *Index) DeleteDocument(ctx context.Context, documentID string) error {
	return x.deleteWhere(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(fieldDocumentID, documentID)},
	})
}

// DeleteDatasource removes every point of a datasource.
func (x *Index) DeleteDatasource(ctx context.Context, datasourceID string) error {
	return x.deleteWhere(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{qdrant.NewMatch(fieldDatasourceID, datasourceID)},
	})
}

func (x *Index) query(ctx context.Context, q *qdrant.Query, using string, limit int, filters []core.Filter) ([]core.ScoredChunk, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", storage.ErrInvalidQuery)
	}
	resp, err := x.points.Query(ctx, &qdrant.QueryPoints{
		CollectionName: x.collection,
		Query:          q,
		Using:          qdrant.PtrOf(using),
		Filter:         filterOf(filters),
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, classify(err)
	}

	out := make([]core.ScoredChunk, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		out = append(out, core.ScoredChunk{
			Chunk: chunkOf(p.GetPayload()),
			Score: float64(p.GetScore()),
		})
	}
	return out, nil
}

// DenseSearch queries the dense vector.
func (x *Index) DenseSearch(ctx context.Context, vector []float32, limit int, filters []core.Filter) ([]core.ScoredChunk, error) {
	return x.query(ctx, qdrant.NewQuery(vector...), denseVector, limit, filters)
}

// SparseSearch queries the sparse vector; Qdrant applies the IDF weighting.
func (x *Index) SparseSearch(ctx context.Context, terms []string, limit int, filters []core.Filter) ([]core.ScoredChunk, error) {
	sv := sparse.EncodeQuery(terms)
	if len(sv.Indices) == 0 {
		return nil, nil
	}
	return x.query(ctx, qdrant.NewQuerySparse(sv.Indices, sv.Values), sparseVector, limit, filters)
}

// scroll pages through points matching filter, calling fn for each page.
func (x *Index) scroll(ctx context.Context, filter *qdrant.Filter, offset *qdrant.PointId, pageSize uint32, fn func([]*qdrant.RetrievedPoint) bool) error {
	for {
		resp, err := x.points.Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: x.collection,
			Filter:         filter,
			Offset:         offset,
			Limit:          qdrant.PtrOf(pageSize),
			WithPayload:    qdrant.NewWithPayload(true),
		})
		if err != nil {
			return classify(err)
		}
		if !fn(resp.GetResult()) || resp.GetNextPageOffset() == nil {
			return nil
		}
		offset = resp.GetNextPageOffset()
	}
}

// ScanChunks pages through chunks in point id order. Vectors are not returned.
func (x *Index) ScanChunks(ctx context.Context, after string, limit int) ([]*core.IndexedChunk, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive", storage.ErrInvalidQuery)
	}
	var offset *qdrant.PointId
	if after != "" {
		offset = PointID(after)
	}

	var out []*core.IndexedChunk
	// The scroll offset is inclusive, so ask for one extra point.
	err := x.scroll(ctx, nil, offset, uint32(limit+1), func(points []*qdrant.RetrievedPoint) bool {
		for _, p := range points {
			c := chunkOf(p.GetPayload())
			if c.ChunkID == after {
				continue
			}
			if len(out) == limit {
				break
			}
			out = append(out, &core.IndexedChunk{Chunk: *c, TermFreqs: sparse.TermFrequencies(c.Text)})
		}
		return false
	})
	return out, err
}

// DocumentIDs lists distinct documents of a datasource.
func (x *Index) DocumentIDs(ctx context.Context, datasourceID string, graphOnly bool) ([]string, error) {
	must := []*qdrant.Condition{qdrant.NewMatch(fieldDatasourceID, datasourceID)}
	if graphOnly {
		must = append(must, qdrant.NewMatchBool(fieldIsGraphEntity, true))
	}

	seen := make(map[string]bool)
	var ids []string
	err := x.scroll(ctx, &qdrant.Filter{Must: must}, nil, scrollPageSize, func(points []*qdrant.RetrievedPoint) bool {
		for _, p := range points {
			id := p.GetPayload()[fieldDocumentID].GetStringValue()
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		return true
	})
	return ids, err
}

// ExpiredDocuments lists documents whose freshness ended before t.
func (x *Index) ExpiredDocuments(ctx context.Context, t time.Time) ([]core.DocumentRef, error) {
	filter := &qdrant.Filter{Must: []*qdrant.Condition{
		qdrant.NewRange(fieldFreshUntil, &qdrant.Range{
			Gt: qdrant.PtrOf(0.0),
			Lt: qdrant.PtrOf(float64(t.UnixMicro())),
		}),
	}}

	seen := make(map[string]bool)
	var refs []core.DocumentRef
	err := x.scroll(ctx, filter, nil, scrollPageSize, func(points []*qdrant.RetrievedPoint) bool {
		for _, p := range points {
			c := chunkOf(p.GetPayload())
			if !seen[c.DocumentID] {
				seen[c.DocumentID] = true
				refs = append(refs, core.DocumentRef{DocumentID: c.DocumentID, DatasourceID: c.DatasourceID})
			}
		}
		return true
	})
	return refs, err
}

// Ping checks the collection is reachable.
func (x *Index) Ping(ctx context.Context) error {
	_, err := x.collections.Get(ctx, &qdrant.GetCollectionInfoRequest{CollectionName: x.collection})
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return nil
}

// Close closes the gRPC connection.
func (x *Index) Close() error {
	return x.conn.Close()
}
