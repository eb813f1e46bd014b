// Package postgres implements the relational storage backend on PostgreSQL
// with the pgvector extension.
//
// Each category maps to one table named memory_<category> with fixed columns
// (id, document, embedding) plus one TEXT column per distinct metadata key
// encountered so far (schema-on-write). Tenants are isolated by PostgreSQL
// schema: each tenant's tables live in their own schema.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/engramdev/engram/internal/embeddings"
	"github.com/engramdev/engram/internal/storage"
)

// Ensure *Backend implements storage.Backend at compile time.
var _ storage.Backend = (*Backend)(nil)

// tablePrefix is prepended to every category name to form its table name.
const tablePrefix = "memory_"

// pqDuplicateColumn is the PostgreSQL error code raised when concurrent
// first-writers race on the same ALTER TABLE ... ADD COLUMN. The race is
// benign and tolerated idempotently.
const pqDuplicateColumn = "42701"

// fixedColumns are present in every category table and are never treated as
// metadata keys.
var fixedColumns = map[string]bool{
	"id":        true,
	"document":  true,
	"embedding": true,
}

// Backend adapts a PostgreSQL database to the storage.Backend interface.
//
// A Backend holds one connection pool per tenant store; it is not safe to
// share one instance across concurrent callers without external locking (the
// metadata column cache and dynamic DDL are serialized internally, but
// multi-statement operations are not transactional).
type Backend struct {
	db       *sql.DB
	provider embeddings.Provider
	schema   string

	mu      sync.Mutex
	columns map[string][]string // cached metadata columns per category
}

// Option configures a Backend.
type Option func(*Backend)

// WithSchema places all tables in the given PostgreSQL schema instead of
// public. Used for per-tenant isolation.
func WithSchema(schema string) Option {
	return func(b *Backend) { b.schema = schema }
}

// New opens a connection pool to the given DSN. The connection is lazy; the
// first operation validates it.
func New(dsn string, provider embeddings.Provider, opts ...Option) (*Backend, error) {
	if provider == nil {
		return nil, fmt.Errorf("postgres: embedding provider is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open database: %w", err)
	}

	b := &Backend{
		db:       db,
		provider: provider,
		schema:   "public",
		columns:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(b)
	}

	if !validIdent(b.schema) {
		_ = db.Close()
		return nil, fmt.Errorf("%w: invalid schema name %q", storage.ErrInvalidInput, b.schema)
	}
	return b, nil
}

// tableName validates the category and returns the schema-qualified, quoted
// table name.
func (b *Backend) tableName(category string) (string, error) {
	if !validIdent(category) {
		return "", fmt.Errorf("%w: invalid category name %q", storage.ErrInvalidInput, category)
	}
	return pq.QuoteIdentifier(b.schema) + "." + pq.QuoteIdentifier(tablePrefix+category), nil
}

// GetOrCreate lazily creates the schema and the category table.
func (b *Backend) GetOrCreate(ctx context.Context, category string) error {
	table, err := b.tableName(category)
	if err != nil {
		return err
	}

	if _, err := b.db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(b.schema)); err != nil {
		return fmt.Errorf("postgres: create schema %q: %w", b.schema, err)
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGINT PRIMARY KEY,
			document TEXT NOT NULL DEFAULT '',
			embedding vector(%d)
		)`, table, b.provider.Dimensions())
	if _, err := b.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: create table for category %q: %w", category, err)
	}
	return nil
}

// Insert writes a new record, computing its embedding when absent and
// allocating an id from the current row count when the caller supplied none.
func (b *Backend) Insert(ctx context.Context, category string, rec storage.Record) error {
	if err := b.GetOrCreate(ctx, category); err != nil {
		return err
	}
	table, err := b.tableName(category)
	if err != nil {
		return err
	}

	keys := metadataKeys(rec.Metadata)
	if err := b.ensureColumns(ctx, category, keys); err != nil {
		return err
	}

	id, err := b.resolveID(ctx, table, rec.ID)
	if err != nil {
		return err
	}

	embedding := rec.Embedding
	if embedding == nil {
		vecs, err := b.provider.Embed(ctx, []string{rec.Document})
		if err != nil {
			return fmt.Errorf("postgres: embed document: %w", err)
		}
		embedding = vecs[0]
	}

	cols := []string{"id", "document", "embedding"}
	args := []any{id, rec.Document, pgvector.NewVector(embedding)}
	for _, k := range keys {
		cols = append(cols, pq.QuoteIdentifier(k))
		args = append(args, rec.Metadata[k])
	}

	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}

	stmt := "INSERT INTO " + table + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
	if _, err := b.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("postgres: insert into category %q: %w", category, err)
	}
	return nil
}

// Get retrieves a record by id.
func (b *Backend) Get(ctx context.Context, category, id string) (*storage.Record, error) {
	table, err := b.tableName(category)
	if err != nil {
		return nil, err
	}
	exists, err := b.tableExists(ctx, category)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("postgres: category %q: %w", category, storage.ErrNotFound)
	}

	numericID, err := parseID(id)
	if err != nil {
		return nil, err
	}

	keys, err := b.metadataColumns(ctx, category)
	if err != nil {
		return nil, err
	}

	stmt := "SELECT " + selectColumns(keys, false) + " FROM " + table + " WHERE id = $1"
	rows, err := b.db.QueryContext(ctx, stmt, numericID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get from category %q: %w", category, err)
	}
	defer func() { _ = rows.Close() }()

	recs, err := scanRecords(rows, keys, false)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("postgres: id %q in category %q: %w", id, category, storage.ErrNotFound)
	}
	return &recs[0], nil
}

// Query returns the nearest neighbors of text by the pgvector distance
// operator, pre-filtered by the compiled WHERE clause. Distances are the raw
// operator output; callers must not assume the same numeric scale as the
// vector backend.
func (b *Backend) Query(ctx context.Context, category, text string, opts storage.QueryOptions) ([]storage.Record, error) {
	table, err := b.tableName(category)
	if err != nil {
		return nil, err
	}
	exists, err := b.tableExists(ctx, category)
	if err != nil {
		return nil, err
	}
	if !exists || opts.NResults <= 0 {
		return nil, nil
	}

	vecs, err := b.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("postgres: embed query text: %w", err)
	}

	keys, err := b.metadataColumns(ctx, category)
	if err != nil {
		return nil, err
	}

	w := newWhereBuilder(2)
	if err := w.addFilter(opts.Where); err != nil {
		return nil, err
	}
	w.addDocumentContains(opts.WhereDocument)

	stmt := "SELECT " + selectColumns(keys, true) + " FROM " + table +
		w.where() +
		" ORDER BY embedding <-> $1 LIMIT " + w.placeholder(opts.NResults)

	args := append([]any{pgvector.NewVector(vecs[0])}, w.args...)
	rows, err := b.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query category %q: %w", category, err)
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows, keys, true)
}

// List returns records ordered by id.
func (b *Backend) List(ctx context.Context, category string, opts storage.ListOptions) ([]storage.Record, error) {
	table, err := b.tableName(category)
	if err != nil {
		return nil, err
	}
	exists, err := b.tableExists(ctx, category)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	keys, err := b.metadataColumns(ctx, category)
	if err != nil {
		return nil, err
	}

	w := newWhereBuilder(1)
	if err := w.addFilter(opts.Where); err != nil {
		return nil, err
	}
	w.addDocumentContains(opts.WhereDocument)

	order := " ORDER BY id DESC"
	if opts.SortOrder == "asc" {
		order = " ORDER BY id ASC"
	}

	stmt := "SELECT " + selectColumns(keys, false) + " FROM " + table + w.where() + order
	if opts.Limit > 0 {
		stmt += " LIMIT " + w.placeholder(opts.Limit)
	}

	rows, err := b.db.QueryContext(ctx, stmt, w.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list category %q: %w", category, err)
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows, keys, false)
}

// Update replaces the stored document, metadata, and embedding of a record.
// Known metadata columns absent from rec.Metadata are set to NULL so the
// replacement is complete, not partial.
func (b *Backend) Update(ctx context.Context, category string, rec storage.Record) error {
	table, err := b.tableName(category)
	if err != nil {
		return err
	}
	exists, err := b.tableExists(ctx, category)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("postgres: category %q: %w", category, storage.ErrNotFound)
	}

	numericID, err := parseID(rec.ID)
	if err != nil {
		return err
	}

	if err := b.ensureColumns(ctx, category, metadataKeys(rec.Metadata)); err != nil {
		return err
	}
	keys, err := b.metadataColumns(ctx, category)
	if err != nil {
		return err
	}

	embedding := rec.Embedding
	if embedding == nil {
		vecs, err := b.provider.Embed(ctx, []string{rec.Document})
		if err != nil {
			return fmt.Errorf("postgres: embed document: %w", err)
		}
		embedding = vecs[0]
	}

	sets := []string{"document = $1", "embedding = $2"}
	args := []any{rec.Document, pgvector.NewVector(embedding)}
	n := 3
	for _, k := range keys {
		if val, ok := rec.Metadata[k]; ok {
			sets = append(sets, pq.QuoteIdentifier(k)+" = $"+strconv.Itoa(n))
			args = append(args, val)
		} else {
			sets = append(sets, pq.QuoteIdentifier(k)+" = NULL")
			continue
		}
		n++
	}
	args = append(args, numericID)

	stmt := "UPDATE " + table + " SET " + strings.Join(sets, ", ") + " WHERE id = $" + strconv.Itoa(n)
	res, err := b.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("postgres: update category %q: %w", category, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: update rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("postgres: id %q in category %q: %w", rec.ID, category, storage.ErrNotFound)
	}
	return nil
}

// Delete removes the given ids. An empty id list refuses to compile.
func (b *Backend) Delete(ctx context.Context, category string, ids ...string) error {
	table, err := b.tableName(category)
	if err != nil {
		return err
	}

	numeric := make([]int64, 0, len(ids))
	for _, id := range ids {
		n, err := parseID(id)
		if err != nil {
			return err
		}
		numeric = append(numeric, n)
	}

	stmt, args, err := buildDelete(table, numeric, nil, "")
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("postgres: delete from category %q: %w", category, err)
	}
	return nil
}

// Count returns the number of records matching where (nil means all).
func (b *Backend) Count(ctx context.Context, category string, where storage.Filter) (int, error) {
	table, err := b.tableName(category)
	if err != nil {
		return 0, err
	}
	exists, err := b.tableExists(ctx, category)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	w := newWhereBuilder(1)
	if err := w.addFilter(where); err != nil {
		return 0, err
	}

	var count int
	stmt := "SELECT COUNT(*) FROM " + table + w.where()
	if err := b.db.QueryRowContext(ctx, stmt, w.args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count category %q: %w", category, err)
	}
	return count, nil
}

// Categories enumerates every category table in the tenant schema.
func (b *Backend) Categories(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_name LIKE $2`,
		b.schema, tablePrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("postgres: list categories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("postgres: scan category name: %w", err)
		}
		names = append(names, strings.TrimPrefix(name, tablePrefix))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list categories: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// DropCategory drops the category table.
func (b *Backend) DropCategory(ctx context.Context, category string) error {
	table, err := b.tableName(category)
	if err != nil {
		return err
	}
	exists, err := b.tableExists(ctx, category)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("postgres: category %q: %w", category, storage.ErrNotFound)
	}

	if _, err := b.db.ExecContext(ctx, "DROP TABLE "+table); err != nil {
		return fmt.Errorf("postgres: drop category %q: %w", category, err)
	}

	b.mu.Lock()
	delete(b.columns, category)
	b.mu.Unlock()
	return nil
}

// Close releases the connection pool.
func (b *Backend) Close() error {
	return b.db.Close()
}

// resolveID parses a caller-supplied id or falls back to the current row
// count of the table.
func (b *Backend) resolveID(ctx context.Context, table, id string) (int64, error) {
	if id != "" {
		return parseID(id)
	}
	var count int64
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: allocate id: %w", err)
	}
	return count, nil
}

// tableExists reports whether the category table exists via catalog
// introspection.
func (b *Backend) tableExists(ctx context.Context, category string) (bool, error) {
	if !validIdent(category) {
		return false, fmt.Errorf("%w: invalid category name %q", storage.ErrInvalidInput, category)
	}
	var exists bool
	err := b.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`, b.schema, tablePrefix+category).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check table for category %q: %w", category, err)
	}
	return exists, nil
}

// metadataColumns returns the sorted metadata column names of a category
// table, using the cache when warm.
func (b *Backend) metadataColumns(ctx context.Context, category string) ([]string, error) {
	b.mu.Lock()
	if cols, ok := b.columns[category]; ok {
		b.mu.Unlock()
		return cols, nil
	}
	b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2`,
		b.schema, tablePrefix+category)
	if err != nil {
		return nil, fmt.Errorf("postgres: introspect category %q: %w", category, err)
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("postgres: scan column name: %w", err)
		}
		if !fixedColumns[name] {
			cols = append(cols, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: introspect category %q: %w", category, err)
	}
	sort.Strings(cols)

	b.mu.Lock()
	b.columns[category] = cols
	b.mu.Unlock()
	return cols, nil
}

// ensureColumns adds a TEXT column for every metadata key not yet present
// (schema-on-write). Duplicate-column errors from concurrent writers are
// tolerated idempotently.
func (b *Backend) ensureColumns(ctx context.Context, category string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	table, err := b.tableName(category)
	if err != nil {
		return err
	}

	existing, err := b.metadataColumns(ctx, category)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, c := range existing {
		known[c] = true
	}

	added := false
	for _, key := range keys {
		if known[key] || fixedColumns[key] {
			continue
		}
		if !validIdent(key) {
			return fmt.Errorf("%w: invalid metadata key %q", storage.ErrInvalidInput, key)
		}

		stmt := "ALTER TABLE " + table + " ADD COLUMN " + pq.QuoteIdentifier(key) + " TEXT"
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && string(pqErr.Code) == pqDuplicateColumn {
				continue
			}
			return fmt.Errorf("postgres: add column %q to category %q: %w", key, category, err)
		}
		added = true
	}

	if added {
		b.mu.Lock()
		delete(b.columns, category)
		b.mu.Unlock()
	}
	return nil
}

// parseID parses a canonical string id into the backend's integer form.
func parseID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q is not numeric", storage.ErrInvalidInput, id)
	}
	return n, nil
}

// metadataKeys returns the sorted keys of a metadata map.
func metadataKeys(meta map[string]string) []string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// selectColumns renders the SELECT column list for a category table:
// the fixed columns, the known metadata columns, and optionally the query
// distance. The order must match scanRecords.
func selectColumns(metaCols []string, withDistance bool) string {
	cols := []string{"id", "document", "embedding"}
	for _, c := range metaCols {
		cols = append(cols, pq.QuoteIdentifier(c))
	}
	if withDistance {
		cols = append(cols, "embedding <-> $1 AS distance")
	}
	return strings.Join(cols, ", ")
}

// scanRecords reads all rows produced by a selectColumns query.
func scanRecords(rows *sql.Rows, metaCols []string, withDistance bool) ([]storage.Record, error) {
	var recs []storage.Record
	for rows.Next() {
		var (
			id       int64
			document string
			vec      pgvector.Vector
			distance float64
		)
		metaVals := make([]sql.NullString, len(metaCols))

		dest := []any{&id, &document, &vec}
		for i := range metaVals {
			dest = append(dest, &metaVals[i])
		}
		if withDistance {
			dest = append(dest, &distance)
		}

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}

		meta := make(map[string]string, len(metaCols))
		for i, col := range metaCols {
			if metaVals[i].Valid {
				meta[col] = metaVals[i].String
			}
		}

		rec := storage.Record{
			ID:        strconv.FormatInt(id, 10),
			Document:  document,
			Metadata:  meta,
			Embedding: vec.Slice(),
		}
		if withDistance {
			d := float32(distance)
			rec.Distance = &d
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows error: %w", err)
	}
	return recs, nil
}
