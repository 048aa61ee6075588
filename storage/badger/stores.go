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

// Stores bundles the badger-backed stores sharing one backend.
type Stores struct {
	Backend     *Backend
	Vectors     *VectorIndex
	Jobs        *JobRepository
	Datasources *DatasourceRepository
}

// NewStores opens the badger-backed stores at path.
func NewStores(path string, inMemory bool) (*Stores, error) {
	backend, err := OpenBackend(path, inMemory)
	if err != nil {
		return nil, err
	}
	vectors, err := NewVectorIndex(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	jobs, err := NewJobRepository(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	datasources, err := NewDatasourceRepository(backend)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return &Stores{
		Backend:     backend,
		Vectors:     vectors,
		Jobs:        jobs,
		Datasources: datasources,
	}, nil
}

// Close closes the shared backend.
func (s *Stores) Close() error {
	return s.Backend.Close()
}
