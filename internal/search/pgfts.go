package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// Person blobs carry no dedicated tsvector column; to_tsvector over the jsonb
// document extracts every string value, which matches what gets indexed in
// Meilisearch.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over the tree's persons ordered by ts_rank.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, `
		SELECT count(*)
		FROM persons
		WHERE tree_id = $1
			AND to_tsvector('simple', data) @@ plainto_tsquery('simple', $2)
	`, q.TreeID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id,
			coalesce(data->>'name', '') AS name,
			ts_headline('simple', data::text, plainto_tsquery('simple', $2), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM persons
		WHERE tree_id = $1
			AND to_tsvector('simple', data) @@ plainto_tsquery('simple', $2)
		ORDER BY ts_rank(to_tsvector('simple', data), plainto_tsquery('simple', $2)) DESC
		LIMIT %d`, limit), q.TreeID, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Name, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadTreeRecords returns every person of a tree for reindexing.
func (p *PgFTS) LoadTreeRecords(ctx context.Context, treeID string) ([]PersonRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, data FROM persons WHERE tree_id = $1
	`, treeID)
	if err != nil {
		return nil, fmt.Errorf("load persons: %w", err)
	}
	defer rows.Close()

	records := make([]PersonRecord, 0)
	for rows.Next() {
		var id int64
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		records = append(records, MakePersonRecord(treeID, id, data))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate persons: %w", err)
	}
	return records, nil
}
