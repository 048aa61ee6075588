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
	"context"
	"errors"
	"maps"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/storage"
)

// DatasourceRepository is the registry of datasources.
type DatasourceRepository struct {
	backend *Backend
}

var _ storage.DatasourceRepository = (*DatasourceRepository)(nil)

// NewDatasourceRepository creates a new DatasourceRepository.
func NewDatasourceRepository(backend *Backend) (*DatasourceRepository, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	return &DatasourceRepository{backend: backend}, nil
}

// TouchDatasource creates or updates a datasource record.
func (r *DatasourceRepository) TouchDatasource(ctx context.Context, info *core.DataSourceInfo) error {
	return r.backend.Update(func(tx *badger.Txn) error {
		key := makeDatasourceKey(info.DatasourceID)

		current := &core.DataSourceInfo{DatasourceID: info.DatasourceID}
		data, err := getValue(tx, key)
		switch {
		case err == nil:
			if current, err = storage.UnmarshalDatasource(data); err != nil {
				return err
			}
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		merge(current, info)

		value, err := storage.MarshalDatasource(current)
		if err != nil {
			return err
		}
		return tx.Set(key, value)
	})
}

// merge folds update into current. Timestamps only move forward.
func merge(current, update *core.DataSourceInfo) {
	now := time.Now().UTC()
	if current.CreatedAt.IsZero() {
		current.CreatedAt = now
	}
	lastUpdated := update.LastUpdated
	if lastUpdated.IsZero() {
		lastUpdated = now
	}
	if lastUpdated.After(current.LastUpdated) {
		current.LastUpdated = lastUpdated
	}
	if update.FreshUntil.After(current.FreshUntil) {
		current.FreshUntil = update.FreshUntil
	}
	if update.IngestorID != "" {
		current.IngestorID = update.IngestorID
	}
	if update.SourceType != "" {
		current.SourceType = update.SourceType
	}
	if update.DefaultChunkSize > 0 {
		current.DefaultChunkSize = update.DefaultChunkSize
	}
	if update.DefaultChunkOverlap > 0 {
		current.DefaultChunkOverlap = update.DefaultChunkOverlap
	}
	if len(update.Metadata) > 0 {
		if current.Metadata == nil {
			current.Metadata = make(map[string]any, len(update.Metadata))
		}
		maps.Copy(current.Metadata, update.Metadata)
	}
}

// GetDatasource retrieves a datasource by id.
func (r *DatasourceRepository) GetDatasource(ctx context.Context, datasourceID string) (*core.DataSourceInfo, error) {
	var info *core.DataSourceInfo
	err := r.backend.View(func(tx *badger.Txn) error {
		data, err := getValue(tx, makeDatasourceKey(datasourceID))
		if err != nil {
			return err
		}
		info, err = storage.UnmarshalDatasource(data)
		return err
	})
	return info, err
}

// ListDatasources returns every datasource ordered by id.
func (r *DatasourceRepository) ListDatasources(ctx context.Context) ([]*core.DataSourceInfo, error) {
	var out []*core.DataSourceInfo
	err := r.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makePrefix(datasourcePrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			err := iter.Item().Value(func(val []byte) error {
				info, err := storage.UnmarshalDatasource(val)
				if err != nil {
					return err
				}
				out = append(out, info)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// DeleteDatasource removes a datasource record. Missing records are not an error.
func (r *DatasourceRepository) DeleteDatasource(ctx context.Context, datasourceID string) error {
	return r.backend.Update(func(tx *badger.Txn) error {
		return tx.Delete(makeDatasourceKey(datasourceID))
	})
}
