package memory

import (
	"context"
	"log"
	"strconv"

	"github.com/engramdev/engram/internal/storage"
)

// ClusterOptions parameterizes one clustering pass.
type ClusterOptions struct {
	// Epsilon is the neighborhood distance radius.
	Epsilon float32

	// MinSamples is the density threshold: a memory with MinSamples or fewer
	// neighbors (itself included) is labeled noise unless a denser point
	// later reaches it.
	MinSamples int

	// Filter and Novel scope the pass to a subset of the category.
	Filter storage.Filter
	Novel  bool
}

// Clusterer runs a DBSCAN-style density pass over one category, using the
// store's similarity search as its neighbor oracle and writing a "cluster"
// label into each memory's metadata: either "noise" or a stringified
// positive integer.
//
// Cluster ids are scoped to one invocation and assigned from 1 upward;
// re-running renumbers everything. Every search holds the full scope in
// memory and every point triggers one neighbor search, so the pass is O(n)
// space and O(n^2) distance work. Callers should cap category size.
type Clusterer struct {
	store *Store
}

// NewClusterer builds a Clusterer over a store.
func NewClusterer(store *Store) *Clusterer {
	return &Clusterer{store: store}
}

// Cluster labels every memory in scope and returns the number of clusters
// found. Errors from search or update are not caught: the pass aborts and
// partial labeling is left behind; re-running from scratch is the expected
// recovery.
func (c *Clusterer) Cluster(ctx context.Context, category string, opts ClusterOptions) (int, error) {
	total, err := c.store.Count(ctx, category, false)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}

	scope := SearchOptions{
		NResults: total,
		Filter:   opts.Filter,
		Novel:    opts.Novel,
	}

	all, err := c.store.List(ctx, category, ListOptions{
		SortOrder: "asc",
		Filter:    opts.Filter,
		Novel:     opts.Novel,
		NResults:  total,
	})
	if err != nil {
		return 0, err
	}

	visited := make(map[string]bool, len(all))
	labels := make(map[string]string, len(all))
	clusterID := 0

	for _, m := range all {
		if visited[m.ID] {
			continue
		}
		visited[m.ID] = true

		neighbors, err := c.neighborhood(ctx, category, m.Document, scope, opts.Epsilon)
		if err != nil {
			return 0, err
		}

		if len(neighbors) <= opts.MinSamples {
			// Noise for now; a later seed's expansion may still reach this
			// point and relabel it.
			if err := c.label(ctx, category, m.ID, "noise", labels); err != nil {
				return 0, err
			}
			continue
		}

		clusterID++
		label := strconv.Itoa(clusterID)
		if err := c.label(ctx, category, m.ID, label, labels); err != nil {
			return 0, err
		}

		// Expand the cluster over the growing frontier. Every reachable point
		// gets this cluster's label whether it turned out core or border, and
		// previously noise-labeled points are absorbed when reached.
		for i := 0; i < len(neighbors); i++ {
			n := neighbors[i]
			if !visited[n.ID] {
				visited[n.ID] = true

				reach, err := c.neighborhood(ctx, category, n.Document, scope, opts.Epsilon)
				if err != nil {
					return 0, err
				}
				if len(reach) >= opts.MinSamples {
					neighbors = append(neighbors, reach...)
				}
			}

			if prev, ok := labels[n.ID]; ok && prev != "noise" {
				continue
			}
			if err := c.label(ctx, category, n.ID, label, labels); err != nil {
				return 0, err
			}
		}
	}

	log.Printf("memory: clustered %q into %d clusters (%d memories)", category, clusterID, len(all))
	return clusterID, nil
}

// neighborhood returns all memories in scope within epsilon of text.
func (c *Clusterer) neighborhood(ctx context.Context, category, text string, scope SearchOptions, epsilon float32) ([]storage.Record, error) {
	opts := scope
	opts.MaxDistance = &epsilon
	return c.store.Search(ctx, category, text, opts)
}

// label persists a cluster label into one memory's metadata and records it
// in the in-pass label map.
func (c *Clusterer) label(ctx context.Context, category, id, label string, labels map[string]string) error {
	if err := c.store.Update(ctx, category, id, UpdateOptions{
		Metadata: map[string]any{storage.MetaCluster: label},
	}); err != nil {
		return err
	}
	labels[id] = label
	return nil
}
