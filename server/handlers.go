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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/poiesic/kbase/core"
)

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := s.decode(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.TTLSeconds < 0 {
		s.respondError(w, r, fmt.Errorf("%w: ttl_seconds must not be negative", ErrBadRequest))
		return
	}

	jobID, err := s.svc.Ingest(r.Context(), req.toIngestRequest())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ingestResponse{JobID: jobID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Job(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) terminateJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if err := s.svc.TerminateJob(r.Context(), jobID); err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, ingestResponse{JobID: jobID})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Jobs(r.Context(), r.URL.Query().Get("datasource_id"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]jobView, len(list))
	for i, job := range list {
		out[i] = newJobView(job)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var body queryRequest
	if err := s.decode(w, r, &body); err != nil {
		s.respondError(w, r, err)
		return
	}
	req, err := body.toSearchRequest()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	results, err := s.svc.Query(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newQueryResponse(results))
}

func (s *Server) listDatasources(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Datasources(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	out := make([]datasourceView, len(list))
	for i, ds := range list {
		out[i] = datasourceView{
			DatasourceID: ds.DatasourceID,
			IngestorID:   ds.IngestorID,
			SourceType:   ds.SourceType,
			Metadata:     ds.Metadata,
			CreatedAt:    ds.CreatedAt,
			LastUpdated:  ds.LastUpdated,
			FreshUntil:   timePtr(ds.FreshUntil),
			Stale:        ds.Stale,
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) deleteDatasource(w http.ResponseWriter, r *http.Request) {
	id, err := requiredParam(r, "datasource_id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.svc.DeleteDatasource(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	entityType, err := requiredParam(r, "entity_type")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	key, err := requiredParam(r, "primary_key")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	entity, relations, err := s.svc.Entity(r.Context(), core.EntityRef{EntityType: entityType, PrimaryKey: key})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newEntityResponse(entity, relations))
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	id, err := requiredParam(r, "datasource_id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	repair := false
	if v := r.URL.Query().Get("repair"); v != "" {
		if repair, err = strconv.ParseBool(v); err != nil {
			s.respondError(w, r, fmt.Errorf("%w: repair must be a boolean", ErrBadRequest))
			return
		}
	}
	report, err := s.svc.Reconcile(r.Context(), id, repair)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Health(r.Context()); err != nil {
		s.logger.Warn("health check failed", "err", err)
		respondJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode reads a JSON body into v.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: body exceeds %d bytes", ErrBadRequest, tooLarge.Limit)
		}
		return fmt.Errorf("%w: invalid JSON: %v", ErrBadRequest, err)
	}
	return nil
}

func requiredParam(r *http.Request, name string) (string, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", ErrBadRequest, name)
	}
	return v, nil
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	respondJSON(w, status, errorResponse{Error: err.Error()})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
