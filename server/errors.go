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
	"errors"
	"net/http"

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/ingestion"
	"github.com/poiesic/kbase/jobs"
	"github.com/poiesic/kbase/search"
	"github.com/poiesic/kbase/storage"
)

var (
	// ErrServiceRequired is returned when no service is given.
	ErrServiceRequired = errors.New("service required")

	// ErrBadRequest marks malformed request bodies and parameters.
	ErrBadRequest = errors.New("bad request")
)

// statusFor maps an error returned by the service to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, search.ErrInvalidQuery),
		errors.Is(err, search.ErrInvalidWeights),
		errors.Is(err, search.ErrUnknownRanker),
		errors.Is(err, core.ErrUnknownFilterKey),
		errors.Is(err, core.ErrInvalidFilterValue),
		errors.Is(err, ingestion.ErrBatchTooLarge),
		errors.Is(err, ingestion.ErrMissingDatasource),
		errors.Is(err, ingestion.ErrDatasourceMismatch),
		errors.Is(err, jobs.ErrJobIDRequired):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobExists),
		errors.Is(err, jobs.ErrJobFinished),
		errors.Is(err, ingestion.ErrDatasourceBusy):
		return http.StatusConflict
	case errors.Is(err, storage.ErrUnavailable),
		errors.Is(err, storage.ErrStorageClosed),
		errors.Is(err, core.ErrTransientStore):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
