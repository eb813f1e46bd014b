// Package memory implements the public memory API: a façade over a storage
// backend that applies metadata coercion, canonical id normalization, and
// distance post-filtering uniformly, so the vector and relational backends
// present identical semantics to callers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/engramdev/engram/internal/storage"
)

// Defaults for search and deduplication parameters.
const (
	DefaultSearchResults = 50
	DefaultListResults   = 20
	DefaultSimilarity    = 0.95
)

// Store is the memory façade. One Store wraps one backend instance, which is
// already scoped to a single tenant; there is no global client state.
type Store struct {
	backend storage.Backend
	now     func() time.Time
}

// New wraps a backend in a Store.
func New(backend storage.Backend) *Store {
	return &Store{backend: backend, now: time.Now}
}

// Backend exposes the underlying backend, for callers that manage its
// lifecycle.
func (s *Store) Backend() storage.Backend {
	return s.backend
}

// Close releases the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// CreateOptions parameterizes Create.
type CreateOptions struct {
	// Metadata holds arbitrary key/value pairs; values are coerced to the
	// store's string form before writing.
	Metadata map[string]any

	// Embedding, when non-nil, is stored instead of computing one from the
	// document.
	Embedding []float32

	// ID, when non-empty, is used instead of allocating one from the record
	// count. Used by import to preserve ids.
	ID string
}

// Create stores a new memory and returns its id. Metadata is coerced,
// created_at/updated_at are stamped when absent (absence-only, so imports
// keep their original timestamps), and a missing id is allocated from the
// current record count, zero-padded so lexicographic order matches insertion
// order.
//
// Backend write failures are logged and returned with an empty id; callers
// may treat an empty id as "try again" rather than a crash.
func (s *Store) Create(ctx context.Context, category, document string, opts CreateOptions) (string, error) {
	meta := storage.CoerceMetadata(opts.Metadata)
	nowStamp := storage.EpochString(s.now())
	if _, ok := meta[storage.MetaCreatedAt]; !ok {
		meta[storage.MetaCreatedAt] = nowStamp
	}
	if _, ok := meta[storage.MetaUpdatedAt]; !ok {
		meta[storage.MetaUpdatedAt] = nowStamp
	}

	if err := s.backend.GetOrCreate(ctx, category); err != nil {
		log.Printf("memory: create in %q failed: %v", category, err)
		return "", err
	}

	id := storage.CanonicalID(opts.ID)
	if id == "" {
		count, err := s.backend.Count(ctx, category, nil)
		if err != nil {
			log.Printf("memory: create in %q failed: %v", category, err)
			return "", err
		}
		id = storage.FormatID(uint64(count))
	}

	rec := storage.Record{
		ID:        id,
		Document:  document,
		Metadata:  meta,
		Embedding: opts.Embedding,
	}
	if err := s.backend.Insert(ctx, category, rec); err != nil {
		log.Printf("memory: create in %q failed: %v", category, err)
		return "", err
	}
	return id, nil
}

// CreateUniqueOptions parameterizes CreateUnique.
type CreateUniqueOptions struct {
	Metadata map[string]any

	// Similarity is the deduplication threshold in [0, 1]; a record counts as
	// a near-duplicate when its distance to the nearest novel record is below
	// 1 - Similarity. Zero means DefaultSimilarity.
	Similarity float64
}

// CreateUnique stores content with a novelty flag. The category is searched
// for the single nearest neighbor among records already flagged novel; if
// none lies within 1 - similarity, the new record is flagged novel="True",
// otherwise novel="False" plus related_to/related_document pointers to the
// neighbor. The near-duplicate is never deleted: this call always creates,
// never merges.
//
// The check-then-create is not transactional; two concurrent calls for the
// same content can both observe no similar record and both create one. The
// duplicate is benign.
func (s *Store) CreateUnique(ctx context.Context, category, content string, opts CreateUniqueOptions) (string, error) {
	similarity := opts.Similarity
	if similarity == 0 {
		similarity = DefaultSimilarity
	}
	maxDistance := float32(1 - similarity)

	neighbors, err := s.Search(ctx, category, content, SearchOptions{
		NResults:    1,
		Novel:       true,
		MaxDistance: &maxDistance,
	})
	if err != nil {
		return "", err
	}

	meta := make(map[string]any, len(opts.Metadata)+3)
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	if len(neighbors) == 0 {
		meta[storage.MetaNovel] = "True"
	} else {
		meta[storage.MetaNovel] = "False"
		meta[storage.MetaRelatedTo] = neighbors[0].ID
		meta[storage.MetaRelatedDocument] = neighbors[0].Document
	}

	return s.Create(ctx, category, content, CreateOptions{Metadata: meta})
}

// SearchOptions parameterizes Search.
type SearchOptions struct {
	// NResults caps the number of neighbors returned. Zero means
	// DefaultSearchResults.
	NResults int

	// Filter restricts candidates by metadata before ranking.
	Filter storage.Filter

	// ContainsText restricts candidates to documents containing this
	// substring.
	ContainsText string

	// MaxDistance/MinDistance bound the result distances. Neither backend
	// supports an arbitrary distance floor/ceiling natively, so these are
	// applied as a post-filter here.
	MaxDistance *float32
	MinDistance *float32

	// Novel restricts candidates to records flagged novel="True".
	Novel bool

	// CreatedAfter/CreatedBefore restrict candidates by creation time. Each
	// accepts the fixed date format list of storage.ParseDate.
	CreatedAfter  string
	CreatedBefore string

	// WithoutEmbeddings/WithoutDistances strip the respective fields from
	// results.
	WithoutEmbeddings bool
	WithoutDistances  bool
}

// Search returns up to NResults memories nearest to query, ranked by
// ascending distance. Metadata, document-substring, novelty, and date-range
// filters are pushed down to the backend; distance bounds are post-filtered
// here, preserving the ascending order the early-break deduplication in
// DeleteSimilar relies on.
func (s *Store) Search(ctx context.Context, category, query string, opts SearchOptions) ([]storage.Record, error) {
	n := opts.NResults
	if n <= 0 {
		n = DefaultSearchResults
	}

	where, err := s.compileScope(opts.Filter, opts.Novel, opts.CreatedAfter, opts.CreatedBefore)
	if err != nil {
		return nil, err
	}

	count, err := s.backend.Count(ctx, category, nil)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	if n > count {
		n = count
	}

	results, err := s.backend.Query(ctx, category, query, storage.QueryOptions{
		NResults:      n,
		Where:         where,
		WhereDocument: opts.ContainsText,
	})
	if err != nil {
		return nil, err
	}

	out := results[:0]
	for _, rec := range results {
		if rec.Distance != nil {
			if opts.MaxDistance != nil && *rec.Distance > *opts.MaxDistance {
				continue
			}
			if opts.MinDistance != nil && *rec.Distance < *opts.MinDistance {
				continue
			}
		}
		out = append(out, rec)
	}

	// Backends return distance-ranked results, but the post-filter and the
	// relational pre-filter make no ordering promise of their own. The
	// ascending order is re-established here so callers can rely on it.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance == nil || out[j].Distance == nil {
			return false
		}
		return *out[i].Distance < *out[j].Distance
	})

	s.finalize(out, opts.WithoutEmbeddings, opts.WithoutDistances)
	return out, nil
}

// Get retrieves one memory by id. Returns storage.ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, category, id string) (*storage.Record, error) {
	rec, err := s.backend.Get(ctx, category, storage.CanonicalID(id))
	if err != nil {
		return nil, err
	}
	rec.ID = storage.CanonicalID(rec.ID)
	return rec, nil
}

// ListOptions parameterizes List.
type ListOptions struct {
	// SortOrder is "asc" or "desc" (default "desc").
	SortOrder string

	Filter       storage.Filter
	ContainsText string

	// NResults caps the result after filtering. Zero means
	// DefaultListResults.
	NResults int

	Novel bool
}

// List returns memories ordered by id, which given the canonical zero-padded
// form is also insertion order. Unlike Search this is not similarity-ranked.
func (s *Store) List(ctx context.Context, category string, opts ListOptions) ([]storage.Record, error) {
	n := opts.NResults
	if n <= 0 {
		n = DefaultListResults
	}

	where, err := s.compileScope(opts.Filter, opts.Novel, "", "")
	if err != nil {
		return nil, err
	}

	results, err := s.backend.List(ctx, category, storage.ListOptions{
		Where:         where,
		WhereDocument: opts.ContainsText,
		SortOrder:     opts.SortOrder,
		Limit:         n,
	})
	if err != nil {
		return nil, err
	}

	s.finalize(results, false, false)
	return results, nil
}

// UpdateOptions parameterizes Update. At least one of Document and Metadata
// must be set.
type UpdateOptions struct {
	// Document replaces the stored text when non-nil.
	Document *string

	// Metadata is merged key-wise into the stored metadata, coerced. Keys not
	// named keep their stored values.
	Metadata map[string]any

	// Embedding replaces the stored vector when non-nil. When the document
	// changes and no embedding is supplied, the backend recomputes one.
	Embedding []float32
}

// Update mutates an existing memory and stamps a fresh updated_at.
func (s *Store) Update(ctx context.Context, category, id string, opts UpdateOptions) error {
	if opts.Document == nil && opts.Metadata == nil {
		return fmt.Errorf("%w: update requires a document or metadata", storage.ErrInvalidInput)
	}

	existing, err := s.backend.Get(ctx, category, storage.CanonicalID(id))
	if err != nil {
		return err
	}

	rec := existing.Clone()
	if rec.Metadata == nil {
		rec.Metadata = make(map[string]string)
	}
	for k, v := range storage.CoerceMetadata(opts.Metadata) {
		rec.Metadata[k] = v
	}
	rec.Metadata[storage.MetaUpdatedAt] = storage.EpochString(s.now())

	if opts.Document != nil && *opts.Document != rec.Document {
		rec.Document = *opts.Document
		rec.Embedding = nil // recomputed by the backend
	}
	if opts.Embedding != nil {
		rec.Embedding = opts.Embedding
	}

	return s.backend.Update(ctx, category, rec)
}

// Delete removes one memory. A missing id is a logged no-op, never an error.
func (s *Store) Delete(ctx context.Context, category, id string) error {
	canonical := storage.CanonicalID(id)
	if _, err := s.backend.Get(ctx, category, canonical); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("memory: delete of missing id %q in %q skipped", id, category)
			return nil
		}
		return err
	}
	return s.backend.Delete(ctx, category, canonical)
}

// DeleteSimilar removes memories whose similarity to content exceeds the
// threshold. Results are walked in ascending-distance order, accumulating
// ids while 1 - distance > threshold and stopping at the first one below it.
// Search re-sorts after post-filtering, so the early break cannot under-
// delete. Returns whether anything was deleted.
func (s *Store) DeleteSimilar(ctx context.Context, category, content string, threshold float64) (bool, error) {
	if threshold == 0 {
		threshold = DefaultSimilarity
	}

	results, err := s.Search(ctx, category, content, SearchOptions{})
	if err != nil {
		return false, err
	}

	var ids []string
	for _, rec := range results {
		if rec.Distance == nil || float64(1-*rec.Distance) <= threshold {
			break
		}
		ids = append(ids, rec.ID)
	}
	if len(ids) == 0 {
		return false, nil
	}

	if err := s.backend.Delete(ctx, category, ids...); err != nil {
		return false, err
	}
	log.Printf("memory: deleted %d near-duplicates of content in %q", len(ids), category)
	return true, nil
}

// Count returns the number of memories in a category, optionally restricted
// to novel ones.
func (s *Store) Count(ctx context.Context, category string, novel bool) (int, error) {
	var where storage.Filter
	if novel {
		where = storage.Filter{storage.MetaNovel: "True"}
	}
	return s.backend.Count(ctx, category, where)
}

// Categories enumerates every category of this store.
func (s *Store) Categories(ctx context.Context) ([]string, error) {
	return s.backend.Categories(ctx)
}

// WipeCategory removes a category and all its memories. A missing category
// is a logged no-op, never an error.
func (s *Store) WipeCategory(ctx context.Context, category string) error {
	if err := s.backend.DropCategory(ctx, category); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Printf("memory: wipe of missing category %q skipped", category)
			return nil
		}
		return err
	}
	return nil
}

// WipeAll removes every category of this store.
func (s *Store) WipeAll(ctx context.Context) error {
	categories, err := s.backend.Categories(ctx)
	if err != nil {
		return err
	}
	for _, category := range categories {
		if err := s.WipeCategory(ctx, category); err != nil {
			return err
		}
	}
	return nil
}

// compileScope merges the caller's filter with the synthetic novelty and
// date-range clauses into one backend filter.
func (s *Store) compileScope(filter storage.Filter, novel bool, createdAfter, createdBefore string) (storage.Filter, error) {
	merged := make(storage.Filter, len(filter)+2)
	for k, v := range filter {
		merged[k] = v
	}

	if novel {
		merged[storage.MetaNovel] = "True"
	}

	if createdAfter != "" || createdBefore != "" {
		bounds := make(map[string]any, 2)
		switch existing := merged[storage.MetaCreatedAt].(type) {
		case map[string]any:
			for op, v := range existing {
				bounds[op] = v
			}
		case storage.Filter:
			for op, v := range existing {
				bounds[op] = v
			}
		}
		if createdAfter != "" {
			t, err := storage.ParseDate("created_after", createdAfter)
			if err != nil {
				return nil, err
			}
			bounds[storage.OpGt] = storage.EpochString(t)
		}
		if createdBefore != "" {
			t, err := storage.ParseDate("created_before", createdBefore)
			if err != nil {
				return nil, err
			}
			bounds[storage.OpLt] = storage.EpochString(t)
		}
		merged[storage.MetaCreatedAt] = bounds
	}

	if len(merged) == 0 {
		return nil, nil
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged.Normalize(), nil
}

// finalize normalizes result ids to the canonical form and strips optional
// fields.
func (s *Store) finalize(recs []storage.Record, withoutEmbeddings, withoutDistances bool) {
	for i := range recs {
		recs[i].ID = storage.CanonicalID(recs[i].ID)
		if withoutEmbeddings {
			recs[i].Embedding = nil
		}
		if withoutDistances {
			recs[i].Distance = nil
		}
	}
}
