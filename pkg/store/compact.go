package store

import (
	"context"
	"time"
)

/*
PruneOldNodes deletes nodes whose created_at cursor falls before
now-maxAge. Returns the number of rows removed.
*/
func (s *Store) PruneOldNodes(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	result, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

/*
PruneOrphanedEdges scans all edges and drops those referencing a missing
node on either side.
*/
func (s *Store) PruneOrphanedEdges(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM edges WHERE
			source_id NOT IN (SELECT id FROM nodes) OR
			target_id NOT IN (SELECT id FROM nodes)`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

/*
Compact deletes nodes older than seven days whose relevance fell below
minRelevance, then prunes the edges that lost an endpoint.
*/
func (s *Store) Compact(ctx context.Context, minRelevance float64) (int64, error) {
	cutoff := time.Now().Add(-7 * 24 * time.Hour)

	nodes, err := s.GetAllNodes(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	var removed int64

	for _, node := range nodes {
		if node.CreatedAt.After(cutoff) {
			continue
		}
		if node.RelevanceScore(now) >= minRelevance {
			continue
		}
		if err := s.DeleteNode(ctx, node.ID); err != nil {
			return removed, err
		}
		removed++
	}

	if _, err := s.PruneOrphanedEdges(ctx); err != nil {
		return removed, err
	}
	return removed, nil
}
