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

// Package server exposes the knowledge base over HTTP.
//
// Routes:
//
//	POST   /v1/ingest
//	GET    /v1/job/{job_id}
//	POST   /v1/job/{job_id}/terminate
//	GET    /v1/jobs?datasource_id=
//	POST   /v1/query
//	GET    /v1/datasources
//	DELETE /v1/datasource?datasource_id=
//	GET    /v1/graph/entity?entity_type=&primary_key=
//	POST   /v1/reconcile?datasource_id=&repair=
//	GET    /healthz
//
// Every error body is {"error": "..."}.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	kbase "github.com/poiesic/kbase"
	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/ingestion"
	"github.com/poiesic/kbase/reconcile"
	"github.com/poiesic/kbase/search"
)

// Service is the part of the engine the HTTP API needs.
type Service interface {
	Ingest(ctx context.Context, req *ingestion.IngestRequest) (string, error)
	Job(ctx context.Context, jobID string) (*core.IngestionJob, error)
	Jobs(ctx context.Context, datasourceID string) ([]*core.IngestionJob, error)
	TerminateJob(ctx context.Context, jobID string) error
	Query(ctx context.Context, req search.Request) ([]*core.SearchResult, error)
	Datasources(ctx context.Context) ([]kbase.DatasourceStatus, error)
	DeleteDatasource(ctx context.Context, datasourceID string) error
	Entity(ctx context.Context, ref core.EntityRef) (*core.GraphEntity, []core.Relation, error)
	Reconcile(ctx context.Context, datasourceID string, repair bool) (*reconcile.Report, error)
	Health(ctx context.Context) error
}

var _ Service = (*kbase.Engine)(nil)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 64 << 20

// Server routes HTTP requests to a Service.
type Server struct {
	svc          Service
	router       chi.Router
	maxBodyBytes int64
	logger       *slog.Logger
}

// Option configures a Server.
type Option func(*Server) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithMaxBodyBytes limits the size of request bodies.
// Default is DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) error {
		if n > 0 {
			s.maxBodyBytes = n
		}
		return nil
	}
}

// New creates a server for svc.
func New(svc Service, opts ...Option) (*Server, error) {
	if svc == nil {
		return nil, ErrServiceRequired
	}
	s := &Server{
		svc:          svc,
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "server")
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/ingest", s.ingest)
		r.Route("/job/{jobID}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Post("/terminate", s.terminateJob)
		})
		r.Get("/jobs", s.listJobs)
		r.Post("/query", s.query)
		r.Get("/datasources", s.listDatasources)
		r.Delete("/datasource", s.deleteDatasource)
		r.Get("/graph/entity", s.getEntity)
		r.Post("/reconcile", s.reconcile)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// logRequests logs one line per request.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			s.logger.Log(r.Context(), level, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}
