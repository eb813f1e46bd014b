// Package storage provides the shared data model and backend seam for the
// Engram memory subsystem.
//
// The storage layer is designed around one small interface (Backend) that can
// be implemented independently by the vector and relational backends. The
// façade in internal/memory composes a Backend with metadata coercion and
// distance post-filtering so that both backends present identical semantics
// to callers.
package storage

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrNotFound indicates that the requested category or record was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoCondition indicates that a delete was requested without any
	// condition (id list, document filter, or metadata filter). Unconditional
	// deletes are refused; use DropCategory to wipe a category.
	ErrNoCondition = errors.New("delete requires at least one condition")
)

// Metadata keys injected by the store.
const (
	MetaCreatedAt       = "created_at"
	MetaUpdatedAt       = "updated_at"
	MetaNovel           = "novel"
	MetaCluster         = "cluster"
	MetaRelatedTo       = "related_to"
	MetaRelatedDocument = "related_document"
)

// Record is one stored memory: a (document, metadata, embedding) triple with
// an id. Distance is populated only on similarity-search results; smaller
// means more similar, and the numeric scale is backend-dependent.
type Record struct {
	ID        string            `json:"id"`
	Document  string            `json:"document"`
	Metadata  map[string]string `json:"metadata"`
	Embedding []float32         `json:"embedding,omitempty"`
	Distance  *float32          `json:"distance,omitempty"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := Record{ID: r.ID, Document: r.Document}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.Embedding != nil {
		out.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Distance != nil {
		d := *r.Distance
		out.Distance = &d
	}
	return out
}

// CanonicalID normalizes a backend-native id to the canonical string form:
// numeric ids are zero-padded to 16 characters so that lexicographic order
// matches insertion order. Non-numeric ids pass through unchanged.
//
// The vector backend stores ids in this form already; the relational backend
// allocates plain integers, so its ids are normalized here at the boundary.
func CanonicalID(id string) string {
	if id == "" {
		return id
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return id
	}
	return FormatID(n)
}

// FormatID renders a record count as a canonical zero-padded id.
func FormatID(n uint64) string {
	return fmt.Sprintf("%016d", n)
}

// EpochString renders a timestamp as an epoch-seconds float string, the form
// in which created_at/updated_at are stored in record metadata.
func EpochString(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', 6, 64)
}

// dateFormats is the fixed, ordered list of accepted date layouts for
// date-scoped queries. The first matching layout wins.
var dateFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// ParseDate parses a date string against the fixed format list. If no format
// matches, the returned error names the field so callers can surface which
// query parameter was malformed.
func ParseDate(field, value string) (time.Time, error) {
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: field %q: cannot parse %q as a date", ErrInvalidInput, field, value)
}
