package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/engramdev/engram/internal/storage"
)

// Exchange bulk-exports and imports all categories of one store as a single
// JSON document, the backup and migration format. The format must stay
// stable for round-tripping: top-level keys are category names, values are
// arrays of {id, document, metadata, embedding?}.
//
// Exchange is built entirely on the Store façade and never touches a backend
// directly, so both backends produce and consume the same document.
type Exchange struct {
	store *Store
}

// NewExchange builds an Exchange over a store.
func NewExchange(store *Store) *Exchange {
	return &Exchange{store: store}
}

// Export loads every memory of every category. No pagination: the whole
// store is held in memory for the duration of the call.
func (e *Exchange) Export(ctx context.Context, includeEmbeddings bool) (map[string][]storage.Record, error) {
	categories, err := e.store.Categories(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]storage.Record, len(categories))
	for _, category := range categories {
		count, err := e.store.Count(ctx, category, false)
		if err != nil {
			return nil, err
		}

		recs := []storage.Record{}
		if count > 0 {
			recs, err = e.store.List(ctx, category, ListOptions{
				SortOrder: "asc",
				NResults:  count,
			})
			if err != nil {
				return nil, err
			}
		}

		for i := range recs {
			recs[i].Distance = nil
			if !includeEmbeddings {
				recs[i].Embedding = nil
			}
		}
		out[category] = recs
	}
	return out, nil
}

// ExportJSON renders the export document as JSON.
func (e *Exchange) ExportJSON(ctx context.Context, includeEmbeddings bool) ([]byte, error) {
	data, err := e.Export(ctx, includeEmbeddings)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(data, "", "  ")
}

// ExportToFile writes the export document to path. The document is written
// to a uniquely-named temp file in the target directory and renamed into
// place, so a failed export never leaves a truncated backup behind.
func (e *Exchange) ExportToFile(ctx context.Context, path string, includeEmbeddings bool) error {
	data, err := e.ExportJSON(ctx, includeEmbeddings)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, ".engram-export-"+uuid.NewString()+".json")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("memory: write export file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("memory: finalize export file: %w", err)
	}
	log.Printf("memory: exported store to %s", path)
	return nil
}

// Import loads an export document into the store. With replace, all existing
// memories are wiped first. Records keep their original ids, metadata, and
// embeddings, so a round-trip of Export then Import reproduces an equivalent
// store.
func (e *Exchange) Import(ctx context.Context, data map[string][]storage.Record, replace bool) error {
	if replace {
		if err := e.store.WipeAll(ctx); err != nil {
			return err
		}
	}

	total := 0
	for category, recs := range data {
		for _, rec := range recs {
			meta := make(map[string]any, len(rec.Metadata))
			for k, v := range rec.Metadata {
				meta[k] = v
			}
			id, err := e.store.Create(ctx, category, rec.Document, CreateOptions{
				ID:        rec.ID,
				Metadata:  meta,
				Embedding: rec.Embedding,
			})
			if err != nil {
				return fmt.Errorf("memory: import into %q: %w", category, err)
			}
			if id == "" {
				return fmt.Errorf("memory: import into %q: record %q not created", category, rec.ID)
			}
			total++
		}
	}
	log.Printf("memory: imported %d memories across %d categories", total, len(data))
	return nil
}

// ImportJSON decodes and imports an export document.
func (e *Exchange) ImportJSON(ctx context.Context, raw []byte, replace bool) error {
	var data map[string][]storage.Record
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("memory: decode import document: %w", err)
	}
	return e.Import(ctx, data, replace)
}

// ImportFromFile reads and imports an export document from path.
func (e *Exchange) ImportFromFile(ctx context.Context, path string, replace bool) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("memory: read import file: %w", err)
	}
	return e.ImportJSON(ctx, raw, replace)
}
