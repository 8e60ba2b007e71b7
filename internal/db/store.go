// Package db provides the generic transactional document store the sync
// core persists through. Records live in named collections as JSON
// documents keyed by a collection-scoped unique key; declared index
// fields are queryable through expression indexes.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	apperrors "github.com/coursekit/coursekit/internal/errors"
)

// Collection names. Fixed at store-initialization time; the schema for
// each lives in the embedded migrations.
const (
	CollectionUserData      = "user_data"
	CollectionCourses       = "courses"
	CollectionProgress      = "progress"
	CollectionSettings      = "settings"
	CollectionCacheMetadata = "cache_metadata"
)

// CollectionSchema declares one collection and its indexed JSON fields.
type CollectionSchema struct {
	Name    string
	Indexes []string
}

// DefaultSchemas returns the collections the core uses. The index lists
// must match the expression indexes created by the migrations.
func DefaultSchemas() []CollectionSchema {
	return []CollectionSchema{
		{Name: CollectionUserData},
		{Name: CollectionCourses, Indexes: []string{"category", "enrolled"}},
		{Name: CollectionProgress, Indexes: []string{"user_id", "course_id", "synced"}},
		{Name: CollectionSettings},
		{Name: CollectionCacheMetadata, Indexes: []string{"expires_at"}},
	}
}

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Store provides generic CRUD over the named collections. Every operation
// is atomic; multi-operation mutations run through Update so a local
// optimistic write and its queue entry commit or roll back together.
type Store struct {
	db      *DB
	schemas map[string]map[string]bool
}

// NewStore validates the declared schemas and binds them to the database.
func NewStore(db *DB, schemas []CollectionSchema) (*Store, error) {
	s := &Store{
		db:      db,
		schemas: make(map[string]map[string]bool, len(schemas)),
	}
	for _, schema := range schemas {
		if !identRe.MatchString(schema.Name) {
			return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("invalid collection name %q", schema.Name))
		}
		fields := make(map[string]bool, len(schema.Indexes))
		for _, f := range schema.Indexes {
			if !identRe.MatchString(f) {
				return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("invalid index field %q on %s", f, schema.Name))
			}
			fields[f] = true
		}
		s.schemas[schema.Name] = fields

		// The collection table must exist before first use.
		var n int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", schema.Name).Scan(&n)
		if err != nil {
			return nil, wrapStorage("failed to inspect schema", err)
		}
		if n == 0 {
			return nil, apperrors.New(apperrors.ErrMigration, fmt.Sprintf("collection table %s missing; run migrations first", schema.Name))
		}
	}
	return s, nil
}

// Put stores value under key, replacing any existing document.
func (s *Store) Put(ctx context.Context, collection, key string, value any) error {
	return put(ctx, s.db, s, collection, key, value)
}

// Get loads the document stored under key into dest.
// Returns a NOT_FOUND error when the key is absent.
func (s *Store) Get(ctx context.Context, collection, key string, dest any) error {
	return get(ctx, s.db, s, collection, key, dest)
}

// GetAll returns every document in the collection, ordered by key.
func (s *Store) GetAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	return getAll(ctx, s.db, s, collection)
}

// GetByIndex returns all documents whose declared index field equals value.
func (s *Store) GetByIndex(ctx context.Context, collection, field string, value any) ([]json.RawMessage, error) {
	return getByIndex(ctx, s.db, s, collection, field, value)
}

// Delete removes the document stored under key. Deleting a missing key is
// not an error.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	return del(ctx, s.db, s, collection, key)
}

// Clear removes every document in the collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	return clear(ctx, s.db, s, collection)
}

// Update runs fn inside one transaction. All store operations performed
// through the Tx commit or roll back together.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStorage("failed to begin transaction", err)
	}
	tx := &Tx{tx: sqlTx, s: s}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return wrapStorage("failed to commit transaction", err)
	}
	return nil
}

// DB exposes the underlying handle for collaborators that manage their own
// typed tables (the action queue, the conflict audit).
func (s *Store) DB() *DB {
	return s.db
}

// Tx is a transactional view of the store.
type Tx struct {
	tx *sql.Tx
	s  *Store
}

// Put stores value under key within the transaction.
func (t *Tx) Put(ctx context.Context, collection, key string, value any) error {
	return put(ctx, t.tx, t.s, collection, key, value)
}

// Get loads the document stored under key into dest within the transaction.
func (t *Tx) Get(ctx context.Context, collection, key string, dest any) error {
	return get(ctx, t.tx, t.s, collection, key, dest)
}

// GetByIndex returns matching documents within the transaction.
func (t *Tx) GetByIndex(ctx context.Context, collection, field string, value any) ([]json.RawMessage, error) {
	return getByIndex(ctx, t.tx, t.s, collection, field, value)
}

// Delete removes the document stored under key within the transaction.
func (t *Tx) Delete(ctx context.Context, collection, key string) error {
	return del(ctx, t.tx, t.s, collection, key)
}

// Querier exposes the transaction for typed-table collaborators so their
// writes join the same atomic commit.
func (t *Tx) Querier() DBTX {
	return t.tx
}

// =====================================================
// Shared operation implementations
// =====================================================

func (s *Store) indexes(collection string) (map[string]bool, error) {
	fields, ok := s.schemas[collection]
	if !ok {
		return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("unknown collection %q", collection))
	}
	return fields, nil
}

func put(ctx context.Context, q DBTX, s *Store, collection, key string, value any) error {
	if _, err := s.indexes(collection); err != nil {
		return err
	}
	doc, err := json.Marshal(value)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "failed to encode document", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (k, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(k) DO UPDATE SET doc=excluded.doc, updated_at=excluded.updated_at`, collection)
	if _, err := q.ExecContext(ctx, query, key, string(doc), time.Now().Unix()); err != nil {
		return wrapStorage("failed to put document", err)
	}
	return nil
}

func get(ctx context.Context, q DBTX, s *Store, collection, key string, dest any) error {
	if _, err := s.indexes(collection); err != nil {
		return err
	}
	var doc string
	query := fmt.Sprintf("SELECT doc FROM %s WHERE k = ?", collection)
	err := q.QueryRowContext(ctx, query, key).Scan(&doc)
	if err == sql.ErrNoRows {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s: no document for key %q", collection, key))
	}
	if err != nil {
		return wrapStorage("failed to get document", err)
	}
	if err := json.Unmarshal([]byte(doc), dest); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "failed to decode document", err)
	}
	return nil
}

func getAll(ctx context.Context, q DBTX, s *Store, collection string) ([]json.RawMessage, error) {
	if _, err := s.indexes(collection); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT doc FROM %s ORDER BY k", collection)
	return scanDocs(ctx, q, query)
}

func getByIndex(ctx context.Context, q DBTX, s *Store, collection, field string, value any) ([]json.RawMessage, error) {
	fields, err := s.indexes(collection)
	if err != nil {
		return nil, err
	}
	if !fields[field] {
		return nil, apperrors.New(apperrors.ErrValidation, fmt.Sprintf("field %q is not indexed on %s", field, collection))
	}
	// JSON1 stores booleans as 0/1; bind accordingly so the expression
	// index is usable for boolean lookups too.
	if b, ok := value.(bool); ok {
		if b {
			value = 1
		} else {
			value = 0
		}
	}
	query := fmt.Sprintf("SELECT doc FROM %s WHERE json_extract(doc, '$.%s') = ? ORDER BY k", collection, field)
	return scanDocs(ctx, q, query, value)
}

func del(ctx context.Context, q DBTX, s *Store, collection, key string) error {
	if _, err := s.indexes(collection); err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE k = ?", collection)
	if _, err := q.ExecContext(ctx, query, key); err != nil {
		return wrapStorage("failed to delete document", err)
	}
	return nil
}

func clear(ctx context.Context, q DBTX, s *Store, collection string) error {
	if _, err := s.indexes(collection); err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", collection)); err != nil {
		return wrapStorage("failed to clear collection", err)
	}
	return nil
}

func scanDocs(ctx context.Context, q DBTX, query string, args ...any) ([]json.RawMessage, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStorage("query failed", err)
	}
	defer rows.Close()

	var docs []json.RawMessage
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, wrapStorage("scan failed", err)
		}
		docs = append(docs, json.RawMessage(doc))
	}
	return docs, rows.Err()
}

// wrapStorage classifies a raw storage error into the taxonomy: quota
// exhaustion (STORAGE_FULL) is distinguished so the queue and sync layers
// treat it as non-retryable-until-space-freed rather than transient.
func wrapStorage(msg string, err error) error {
	return apperrors.Wrap(apperrors.ClassifyStorageErr(err), msg, err)
}

// DecodeAll unmarshals a list of raw documents into typed values.
func DecodeAll[T any](docs []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "failed to decode document", err)
		}
		out = append(out, v)
	}
	return out, nil
}
