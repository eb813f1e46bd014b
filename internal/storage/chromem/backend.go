// Package chromem implements the vector storage backend on top of
// chromem-go, a pure Go embedded vector database with on-disk persistence.
//
// Each tenant gets its own database directory and each category maps to one
// collection, so cross-user queries are impossible through this backend —
// this is the system's primary tenant-isolation mechanism.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"sort"

	chromem "github.com/philippgille/chromem-go"

	"github.com/engramdev/engram/internal/embeddings"
	"github.com/engramdev/engram/internal/storage"
)

// Ensure *Backend implements storage.Backend at compile time.
var _ storage.Backend = (*Backend)(nil)

// Backend adapts a persistent chromem-go database to the storage.Backend
// interface. The injected embedding provider computes vectors both for
// stored documents (when the caller supplies none) and for query text.
type Backend struct {
	db       *chromem.DB
	provider embeddings.Provider
}

// New opens (or creates) the persistent database at path.
func New(path string, provider embeddings.Provider) (*Backend, error) {
	if provider == nil {
		return nil, fmt.Errorf("chromem: embedding provider is required")
	}

	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("chromem: open database at %s: %w", path, err)
	}

	return &Backend{db: db, provider: provider}, nil
}

// embeddingFunc bridges the provider to chromem's per-text callback.
func (b *Backend) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vecs, err := b.provider.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		return vecs[0], nil
	}
}

// GetOrCreate lazily creates the collection for a category.
func (b *Backend) GetOrCreate(ctx context.Context, category string) error {
	_, err := b.db.GetOrCreateCollection(category, nil, b.embeddingFunc())
	if err != nil {
		return fmt.Errorf("chromem: get or create collection %q: %w", category, err)
	}
	return nil
}

// collection returns an existing collection or ErrNotFound.
func (b *Backend) collection(category string) (*chromem.Collection, error) {
	col := b.db.GetCollection(category, b.embeddingFunc())
	if col == nil {
		return nil, fmt.Errorf("chromem: collection %q: %w", category, storage.ErrNotFound)
	}
	return col, nil
}

// Insert writes a record, computing its embedding when absent.
func (b *Backend) Insert(ctx context.Context, category string, rec storage.Record) error {
	col, err := b.db.GetOrCreateCollection(category, nil, b.embeddingFunc())
	if err != nil {
		return fmt.Errorf("chromem: get or create collection %q: %w", category, err)
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Document,
		Embedding: rec.Embedding,
		Metadata:  rec.Metadata,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: add document %q: %w", rec.ID, err)
	}
	return nil
}

// Get retrieves a record by id.
func (b *Backend) Get(ctx context.Context, category, id string) (*storage.Record, error) {
	col, err := b.collection(category)
	if err != nil {
		return nil, err
	}

	doc, err := col.GetByID(ctx, id)
	if err != nil {
		// chromem reports a missing id as a plain error.
		return nil, fmt.Errorf("chromem: document %q: %w", id, storage.ErrNotFound)
	}

	rec := documentToRecord(doc)
	return &rec, nil
}

// Query returns up to opts.NResults nearest neighbors of text, ranked by
// ascending distance.
//
// chromem natively supports only exact-match metadata filters and document
// substring containment; equality clauses are pushed down and any remaining
// operators are applied as an in-process post-filter. When post-filtering is
// needed the full collection is ranked so filtered-out candidates cannot
// displace matching ones.
func (b *Backend) Query(ctx context.Context, category, text string, opts storage.QueryOptions) ([]storage.Record, error) {
	col, err := b.collection(category)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	count := col.Count()
	if count == 0 || opts.NResults <= 0 {
		return nil, nil
	}

	where, whereDocument, post := b.compileFilters(opts.Where, opts.WhereDocument)

	n := opts.NResults
	if post != nil || n > count {
		n = count
	}

	results, err := col.Query(ctx, text, n, where, whereDocument)
	if err != nil {
		return nil, fmt.Errorf("chromem: query %q: %w", category, err)
	}

	recs := resultsToRecords(results, post)
	if len(recs) > opts.NResults {
		recs = recs[:opts.NResults]
	}
	return recs, nil
}

// List returns records ordered by id. chromem has no scan API, so the
// collection is enumerated with a neutral unit-basis probe embedding and the
// similarity ranking is discarded.
func (b *Backend) List(ctx context.Context, category string, opts storage.ListOptions) ([]storage.Record, error) {
	recs, err := b.listAll(ctx, category, opts.Where, opts.WhereDocument)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	asc := opts.SortOrder == "asc"
	sort.Slice(recs, func(i, j int) bool {
		if asc {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].ID > recs[j].ID
	})

	if opts.Limit > 0 && len(recs) > opts.Limit {
		recs = recs[:opts.Limit]
	}
	return recs, nil
}

// Update replaces a stored record. chromem's AddDocument has upsert
// semantics, so the replacement is a guarded re-add.
func (b *Backend) Update(ctx context.Context, category string, rec storage.Record) error {
	col, err := b.collection(category)
	if err != nil {
		return err
	}
	if _, err := col.GetByID(ctx, rec.ID); err != nil {
		return fmt.Errorf("chromem: document %q: %w", rec.ID, storage.ErrNotFound)
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Document,
		Embedding: rec.Embedding,
		Metadata:  rec.Metadata,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: update document %q: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the given ids.
func (b *Backend) Delete(ctx context.Context, category string, ids ...string) error {
	if len(ids) == 0 {
		return storage.ErrNoCondition
	}
	col, err := b.collection(category)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("chromem: delete from %q: %w", category, err)
	}
	return nil
}

// Count returns the number of records matching where (nil means all).
func (b *Backend) Count(ctx context.Context, category string, where storage.Filter) (int, error) {
	col := b.db.GetCollection(category, b.embeddingFunc())
	if col == nil {
		return 0, nil
	}
	if len(where) == 0 {
		return col.Count(), nil
	}

	recs, err := b.listAll(ctx, category, where, "")
	if err != nil {
		return 0, err
	}
	return len(recs), nil
}

// Categories enumerates every collection.
func (b *Backend) Categories(ctx context.Context) ([]string, error) {
	cols := b.db.ListCollections()
	names := make([]string, 0, len(cols))
	for name := range cols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DropCategory removes a collection and its persisted documents.
func (b *Backend) DropCategory(ctx context.Context, category string) error {
	if b.db.GetCollection(category, b.embeddingFunc()) == nil {
		return fmt.Errorf("chromem: collection %q: %w", category, storage.ErrNotFound)
	}
	if err := b.db.DeleteCollection(category); err != nil {
		return fmt.Errorf("chromem: delete collection %q: %w", category, err)
	}
	return nil
}

// Close is a no-op: chromem persists writes eagerly and holds no external
// resources.
func (b *Backend) Close() error {
	return nil
}

// compileFilters splits a filter into chromem-native pushdown maps and an
// optional in-process post-filter.
func (b *Backend) compileFilters(where storage.Filter, containsText string) (map[string]string, map[string]string, storage.Filter) {
	var whereDocument map[string]string
	if containsText != "" {
		whereDocument = map[string]string{"$contains": containsText}
	}

	if len(where) == 0 {
		return nil, whereDocument, nil
	}

	eq, exact := where.EqualityClauses()
	if exact {
		return eq, whereDocument, nil
	}

	// Partial pushdown: equality clauses narrow the candidate set, the full
	// tree is re-checked in process.
	if len(eq) == 0 {
		eq = nil
	}
	return eq, whereDocument, where
}

// listAll enumerates a collection with a unit-basis probe embedding, applying
// the same filter pushdown/post-filter split as Query. Distances from the
// probe are meaningless and are cleared.
func (b *Backend) listAll(ctx context.Context, category string, where storage.Filter, containsText string) ([]storage.Record, error) {
	col, err := b.collection(category)
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	whereEq, whereDocument, post := b.compileFilters(where, containsText)

	probe := make([]float32, b.provider.Dimensions())
	probe[0] = 1

	results, err := col.QueryEmbedding(ctx, probe, count, whereEq, whereDocument)
	if err != nil {
		return nil, fmt.Errorf("chromem: enumerate %q: %w", category, err)
	}

	recs := resultsToRecords(results, post)
	for i := range recs {
		recs[i].Distance = nil
	}
	return recs, nil
}

// documentToRecord converts a chromem document to a storage record.
func documentToRecord(doc chromem.Document) storage.Record {
	meta := make(map[string]string, len(doc.Metadata))
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	return storage.Record{
		ID:        doc.ID,
		Document:  doc.Content,
		Metadata:  meta,
		Embedding: doc.Embedding,
	}
}

// resultsToRecords converts query results, applying an optional post-filter.
// chromem reports cosine similarity; the record distance is 1 - similarity
// so that smaller means more similar.
func resultsToRecords(results []chromem.Result, post storage.Filter) []storage.Record {
	recs := make([]storage.Record, 0, len(results))
	for _, res := range results {
		meta := make(map[string]string, len(res.Metadata))
		for k, v := range res.Metadata {
			meta[k] = v
		}
		if post != nil && !post.Matches(meta) {
			continue
		}
		dist := 1 - res.Similarity
		recs = append(recs, storage.Record{
			ID:        res.ID,
			Document:  res.Content,
			Metadata:  meta,
			Embedding: res.Embedding,
			Distance:  &dist,
		})
	}
	return recs
}
