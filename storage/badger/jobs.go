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
	"slices"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/storage"
)

// JobRepository persists ingestion job snapshots.
type JobRepository struct {
	backend *Backend
}

var _ storage.JobRepository = (*JobRepository)(nil)

// NewJobRepository creates a new JobRepository.
func NewJobRepository(backend *Backend) (*JobRepository, error) {
	if backend == nil {
		return nil, ErrBackendRequired
	}
	return &JobRepository{backend: backend}, nil
}

// SaveJob writes a job snapshot.
func (r *JobRepository) SaveJob(ctx context.Context, job *core.IngestionJob) error {
	value := storage.MarshalJob(job)
	return r.backend.Update(func(tx *badger.Txn) error {
		return tx.Set(makeJobKey(job.JobID), value)
	})
}

// GetJob retrieves a job by id.
func (r *JobRepository) GetJob(ctx context.Context, jobID string) (*core.IngestionJob, error) {
	var job *core.IngestionJob
	err := r.backend.View(func(tx *badger.Txn) error {
		data, err := getValue(tx, makeJobKey(jobID))
		if err != nil {
			return err
		}
		job, err = storage.UnmarshalJob(data)
		return err
	})
	return job, err
}

// ListJobs returns the jobs of a datasource, oldest first.
func (r *JobRepository) ListJobs(ctx context.Context, datasourceID string) ([]*core.IngestionJob, error) {
	var jobs []*core.IngestionJob
	err := r.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makePrefix(jobPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			err := iter.Item().Value(func(val []byte) error {
				job, err := storage.UnmarshalJob(val)
				if err != nil {
					return err
				}
				if datasourceID == "" || job.DatasourceID == datasourceID {
					jobs = append(jobs, job)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(jobs, func(a, b *core.IngestionJob) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return jobs, nil
}
