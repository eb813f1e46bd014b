package storage

import "context"

// QueryOptions parameterizes a similarity query against one category.
type QueryOptions struct {
	// NResults is the maximum number of nearest neighbors to return. The
	// caller is responsible for clamping it to the live record count; backends
	// must tolerate over-large values without erroring.
	NResults int

	// Where filters candidate records by metadata before ranking.
	Where Filter

	// WhereDocument restricts candidates to documents containing this
	// substring. Empty means no document filter.
	WhereDocument string
}

// ListOptions parameterizes a non-ranked listing of one category. Results are
// ordered by id, which given the canonical zero-padded form is also insertion
// order.
type ListOptions struct {
	Where         Filter
	WhereDocument string

	// SortOrder is "asc" or "desc" (default "desc").
	SortOrder string

	// Limit truncates the result after filtering; 0 means no limit.
	Limit int
}

// Backend is the storage seam between the memory façade and a concrete
// store. Two implementations exist: the vector backend (chromem) and the
// relational backend (postgres). The backend choice is injected into the
// façade at construction time; there is no global client state.
//
// Backends persist and return raw records. Canonical id normalization,
// metadata coercion, and distance post-filtering happen in the façade.
type Backend interface {
	// GetOrCreate lazily creates a category. It is idempotent.
	GetOrCreate(ctx context.Context, category string) error

	// Insert writes a new record. When rec.Embedding is nil the backend
	// computes one from rec.Document via its embedding provider.
	Insert(ctx context.Context, category string, rec Record) error

	// Get retrieves a record by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, category, id string) (*Record, error)

	// Query returns up to opts.NResults nearest neighbors of text, ranked by
	// ascending distance, optionally pre-filtered by opts.Where and
	// opts.WhereDocument.
	Query(ctx context.Context, category, text string, opts QueryOptions) ([]Record, error)

	// List returns records ordered by id, filtered and truncated per opts.
	List(ctx context.Context, category string, opts ListOptions) ([]Record, error)

	// Update replaces the stored document, metadata, and embedding of the
	// record identified by rec.ID. When rec.Embedding is nil the backend
	// recomputes one from rec.Document. Returns ErrNotFound if absent.
	Update(ctx context.Context, category string, rec Record) error

	// Delete removes the given ids. Returns ErrNoCondition when ids is empty.
	Delete(ctx context.Context, category string, ids ...string) error

	// Count returns the number of records matching where (nil means all).
	Count(ctx context.Context, category string, where Filter) (int, error)

	// Categories enumerates every existing category.
	Categories(ctx context.Context) ([]string, error)

	// DropCategory removes a category and all its records. Returns
	// ErrNotFound if the category does not exist.
	DropCategory(ctx context.Context, category string) error

	// Close releases any resources held by the backend.
	Close() error
}
