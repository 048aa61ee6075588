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

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/poiesic/kbase/core"
	"github.com/poiesic/kbase/storage"
	"github.com/poiesic/kbase/storage/sqlite/migrations"
)

// GraphStore is a SQLite-backed storage.GraphStore.
type GraphStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.GraphStore = (*GraphStore)(nil)

// Option configures a GraphStore.
type Option func(*GraphStore) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *GraphStore) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// Open opens or creates the graph database file at path.
// An empty path opens a private in-memory database.
func Open(path string, opts ...Option) (*GraphStore, error) {
	dsn := "file::memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == "" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	s := &GraphStore{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			db.Close()
			return nil, err
		}
	}
	s.logger = s.logger.With("store", "graph", "path", path)

	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *GraphStore) Close() error {
	return s.db.Close()
}

// migrate runs all pending migrations.
func (s *GraphStore) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		s.logger.Debug("applied migration", "name", name)
	}
	return nil
}

// withTx runs fn in a transaction, committing on success.
func (s *GraphStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return classify(err)
	}
	return classify(tx.Commit())
}

// classify maps driver errors callers can retry onto storage.ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return err
}

func microsOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func timeOf(micros int64) time.Time {
	if micros == 0 {
		return time.Time{}
	}
	return time.UnixMicro(micros).UTC()
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
	}
	return string(b), nil
}

// UpsertEntities writes entities in one transaction.
func (s *GraphStore) UpsertEntities(ctx context.Context, entities ...*core.GraphEntity) error {
	if len(entities) == 0 {
		return nil
	}
	now := time.Now().UTC().UnixMicro()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO entities (entity_type, primary_key, document_id, datasource_id, parent_type, parent_key,
				array_index, key_props, extra_keys, labels, properties, fresh_until, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(entity_type, primary_key) DO UPDATE SET
				document_id = excluded.document_id,
				datasource_id = excluded.datasource_id,
				parent_type = excluded.parent_type,
				parent_key = excluded.parent_key,
				array_index = excluded.array_index,
				key_props = excluded.key_props,
				extra_keys = excluded.extra_keys,
				labels = excluded.labels,
				properties = excluded.properties,
				fresh_until = excluded.fresh_until,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("preparing entity upsert: %w", err)
		}
		defer stmt.Close()

		for _, e := range entities {
			keyProps, err := toJSON(nonNil(e.PrimaryKeyProperties))
			if err != nil {
				return err
			}
			extraKeys, err := toJSON(nonNilSets(e.AdditionalKeyProperties))
			if err != nil {
				return err
			}
			labels, err := toJSON(nonNil(e.Labels))
			if err != nil {
				return err
			}
			props := e.AdditionalProperties
			if props == nil {
				props = map[string]any{}
			}
			properties, err := toJSON(props)
			if err != nil {
				return err
			}

			var parentType, parentKey sql.NullString
			if e.ParentRef != nil {
				parentType = sql.NullString{String: e.ParentRef.EntityType, Valid: true}
				parentKey = sql.NullString{String: e.ParentRef.PrimaryKey, Valid: true}
			}

			_, err = stmt.ExecContext(ctx, e.EntityType, e.PrimaryKey(), e.DocumentID, e.DatasourceID,
				parentType, parentKey, e.ArrayIndex, keyProps, extraKeys, labels, properties,
				microsOf(e.FreshUntil), now)
			if err != nil {
				return fmt.Errorf("saving entity %s/%s: %w", e.EntityType, e.PrimaryKey(), err)
			}
		}
		return nil
	})
}

// UpsertRelations writes relations in one transaction.
func (s *GraphStore) UpsertRelations(ctx context.Context, relations ...core.Relation) error {
	if len(relations) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO relations (from_type, from_key, to_type, to_key, name, properties, document_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(from_type, from_key, to_type, to_key, name) DO UPDATE SET
				properties = excluded.properties,
				document_id = excluded.document_id
		`)
		if err != nil {
			return fmt.Errorf("preparing relation upsert: %w", err)
		}
		defer stmt.Close()

		for _, r := range relations {
			props := r.Properties
			if props == nil {
				props = map[string]any{}
			}
			properties, err := toJSON(props)
			if err != nil {
				return err
			}
			_, err = stmt.ExecContext(ctx, r.From.EntityType, r.From.PrimaryKey, r.To.EntityType, r.To.PrimaryKey,
				r.Name, properties, r.DocumentID)
			if err != nil {
				return fmt.Errorf("saving relation %s -%s-> %s: %w", r.From, r.Name, r.To, err)
			}
		}
		return nil
	})
}

// DeleteDocument removes the entities and relations a document produced.
func (s *GraphStore) DeleteDocument(ctx context.Context, documentID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM relations WHERE document_id = ?", documentID); err != nil {
			return fmt.Errorf("deleting relations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE document_id = ?", documentID); err != nil {
			return fmt.Errorf("deleting entities: %w", err)
		}
		return nil
	})
}

// DeleteDatasource removes every entity of a datasource and the relations
// produced by the same documents.
func (s *GraphStore) DeleteDatasource(ctx context.Context, datasourceID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM relations WHERE document_id IN (
				SELECT DISTINCT document_id FROM entities WHERE datasource_id = ?
			)`, datasourceID)
		if err != nil {
			return fmt.Errorf("deleting relations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM entities WHERE datasource_id = ?", datasourceID); err != nil {
			return fmt.Errorf("deleting entities: %w", err)
		}
		return nil
	})
}

// GetEntity retrieves one entity.
func (s *GraphStore) GetEntity(ctx context.Context, ref core.EntityRef) (*core.GraphEntity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT entity_type, primary_key, document_id, datasource_id, parent_type, parent_key,
			array_index, key_props, extra_keys, labels, properties, fresh_until
		FROM entities WHERE entity_type = ? AND primary_key = ?
	`, ref.EntityType, ref.PrimaryKey)

	var e core.GraphEntity
	var parentType, parentKey sql.NullString
	var keyProps, extraKeys, labels, properties string
	var freshUntil int64
	err := row.Scan(&e.EntityType, &e.Key, &e.DocumentID, &e.DatasourceID, &parentType, &parentKey,
		&e.ArrayIndex, &keyProps, &extraKeys, &labels, &properties, &freshUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, classify(fmt.Errorf("scanning entity: %w", err))
	}

	for _, field := range []struct {
		raw string
		dst any
	}{
		{keyProps, &e.PrimaryKeyProperties},
		{extraKeys, &e.AdditionalKeyProperties},
		{labels, &e.Labels},
		{properties, &e.AdditionalProperties},
	} {
		if err := json.Unmarshal([]byte(field.raw), field.dst); err != nil {
			return nil, fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
		}
	}

	if len(e.PrimaryKeyProperties) == 0 {
		e.PrimaryKeyProperties = nil
	}
	if len(e.AdditionalKeyProperties) == 0 {
		e.AdditionalKeyProperties = nil
	}
	if len(e.Labels) == 0 {
		e.Labels = nil
	}
	if parentType.Valid {
		e.ParentRef = &core.EntityRef{EntityType: parentType.String, PrimaryKey: parentKey.String}
	}
	e.FreshUntil = timeOf(freshUntil)
	return &e, nil
}

// Relations returns the outgoing relations of an entity ordered by name and target.
func (s *GraphStore) Relations(ctx context.Context, from core.EntityRef) ([]core.Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT to_type, to_key, name, properties, document_id
		FROM relations WHERE from_type = ? AND from_key = ?
		ORDER BY name, to_type, to_key
	`, from.EntityType, from.PrimaryKey)
	if err != nil {
		return nil, classify(fmt.Errorf("querying relations: %w", err))
	}
	defer rows.Close()

	var out []core.Relation //nolint:prealloc // size unknown from query
	for rows.Next() {
		r := core.Relation{From: from}
		var properties string
		if err := rows.Scan(&r.To.EntityType, &r.To.PrimaryKey, &r.Name, &properties, &r.DocumentID); err != nil {
			return nil, fmt.Errorf("scanning relation: %w", err)
		}
		if err := json.Unmarshal([]byte(properties), &r.Properties); err != nil {
			return nil, fmt.Errorf("%w: %w", storage.ErrSerializationFailed, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating relations: %w", err)
	}
	return out, nil
}

// DocumentIDs lists the documents that produced entities in a datasource.
func (s *GraphStore) DocumentIDs(ctx context.Context, datasourceID string) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT DISTINCT document_id FROM entities WHERE datasource_id = ? ORDER BY document_id
	`, datasourceID)
}

// ExpiredDocuments lists documents with any entity whose freshness ended before t.
func (s *GraphStore) ExpiredDocuments(ctx context.Context, t time.Time) ([]core.DocumentRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT document_id, datasource_id FROM entities
		WHERE fresh_until > 0 AND fresh_until < ?
		ORDER BY document_id
	`, t.UnixMicro())
	if err != nil {
		return nil, classify(fmt.Errorf("querying expired documents: %w", err))
	}
	defer rows.Close()

	var refs []core.DocumentRef
	for rows.Next() {
		var ref core.DocumentRef
		if err := rows.Scan(&ref.DocumentID, &ref.DatasourceID); err != nil {
			return nil, fmt.Errorf("scanning document ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Ping checks the database connection.
func (s *GraphStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *GraphStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func nonNilSets(sets [][]string) [][]string {
	if sets == nil {
		return [][]string{}
	}
	return sets
}
