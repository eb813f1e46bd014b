package memory_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/engramdev/engram/internal/embeddings"
	"github.com/engramdev/engram/internal/storage"
)

// fakeBackend is an in-memory storage.Backend for façade tests. Similarity
// is cosine distance over the mock provider's deterministic unit vectors, so
// identical documents have distance zero and unrelated documents are far
// apart.
type fakeBackend struct {
	provider embeddings.Provider

	mu   sync.Mutex
	cats map[string]map[string]storage.Record

	failInserts bool // force Insert errors for the create error path
}

var _ storage.Backend = (*fakeBackend)(nil)

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		provider: embeddings.NewMock(64),
		cats:     make(map[string]map[string]storage.Record),
	}
}

func (f *fakeBackend) GetOrCreate(ctx context.Context, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cats[category]; !ok {
		f.cats[category] = make(map[string]storage.Record)
	}
	return nil
}

func (f *fakeBackend) Insert(ctx context.Context, category string, rec storage.Record) error {
	if f.failInserts {
		return fmt.Errorf("fake: insert failure")
	}
	if rec.Embedding == nil {
		vecs, err := f.provider.Embed(ctx, []string{rec.Document})
		if err != nil {
			return err
		}
		rec.Embedding = vecs[0]
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cats[category]; !ok {
		f.cats[category] = make(map[string]storage.Record)
	}
	f.cats[category][rec.ID] = rec.Clone()
	return nil
}

func (f *fakeBackend) Get(ctx context.Context, category, id string) (*storage.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cat, ok := f.cats[category]
	if !ok {
		return nil, fmt.Errorf("fake: category %q: %w", category, storage.ErrNotFound)
	}
	rec, ok := cat[id]
	if !ok {
		return nil, fmt.Errorf("fake: id %q: %w", id, storage.ErrNotFound)
	}
	out := rec.Clone()
	return &out, nil
}

func (f *fakeBackend) Query(ctx context.Context, category, text string, opts storage.QueryOptions) ([]storage.Record, error) {
	vecs, err := f.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	query := vecs[0]

	recs := f.matching(category, opts.Where, opts.WhereDocument)
	for i := range recs {
		var dot float32
		for j, v := range recs[i].Embedding {
			dot += v * query[j]
		}
		dist := 1 - dot
		recs[i].Distance = &dist
	}
	sort.SliceStable(recs, func(i, j int) bool { return *recs[i].Distance < *recs[j].Distance })
	if opts.NResults > 0 && len(recs) > opts.NResults {
		recs = recs[:opts.NResults]
	}
	return recs, nil
}

func (f *fakeBackend) List(ctx context.Context, category string, opts storage.ListOptions) ([]storage.Record, error) {
	recs := f.matching(category, opts.Where, opts.WhereDocument)
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

func (f *fakeBackend) Update(ctx context.Context, category string, rec storage.Record) error {
	if rec.Embedding == nil {
		vecs, err := f.provider.Embed(ctx, []string{rec.Document})
		if err != nil {
			return err
		}
		rec.Embedding = vecs[0]
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cat, ok := f.cats[category]
	if !ok {
		return fmt.Errorf("fake: category %q: %w", category, storage.ErrNotFound)
	}
	if _, ok := cat[rec.ID]; !ok {
		return fmt.Errorf("fake: id %q: %w", rec.ID, storage.ErrNotFound)
	}
	cat[rec.ID] = rec.Clone()
	return nil
}

func (f *fakeBackend) Delete(ctx context.Context, category string, ids ...string) error {
	if len(ids) == 0 {
		return storage.ErrNoCondition
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cat, ok := f.cats[category]
	if !ok {
		return fmt.Errorf("fake: category %q: %w", category, storage.ErrNotFound)
	}
	for _, id := range ids {
		delete(cat, id)
	}
	return nil
}

func (f *fakeBackend) Count(ctx context.Context, category string, where storage.Filter) (int, error) {
	if len(where) == 0 {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.cats[category]), nil
	}
	return len(f.matching(category, where, "")), nil
}

func (f *fakeBackend) Categories(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.cats))
	for name := range f.cats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeBackend) DropCategory(ctx context.Context, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.cats[category]; !ok {
		return fmt.Errorf("fake: category %q: %w", category, storage.ErrNotFound)
	}
	delete(f.cats, category)
	return nil
}

func (f *fakeBackend) Close() error { return nil }

// matching returns clones of the records passing the filter pair.
func (f *fakeBackend) matching(category string, where storage.Filter, containsText string) []storage.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Record
	for _, rec := range f.cats[category] {
		if where != nil && !where.Matches(rec.Metadata) {
			continue
		}
		if containsText != "" && !strings.Contains(rec.Document, containsText) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out
}
