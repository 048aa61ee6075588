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

package jobs

import "errors"

var (
	// ErrRepositoryRequired is returned when no job repository is given.
	ErrRepositoryRequired = errors.New("job repository required")

	// ErrJobIDRequired is returned when a job is created without an id.
	ErrJobIDRequired = errors.New("job id required")

	// ErrJobExists is returned when a job id has already been used.
	ErrJobExists = errors.New("job already exists")

	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinished is returned when terminating a job that already finished.
	ErrJobFinished = errors.New("job already finished")
)
