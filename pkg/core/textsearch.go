package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/liliang-cn/sqrag/pkg/filter"
)

// TextHit is one result of SearchText, best first.
type TextHit struct {
	ChunkID string  `json:"chunkId"`
	Rank    float64 `json:"rank"` // bm25, lower is better
}

// ftsQuery turns free text into an FTS5 expression that ORs quoted terms,
// so operator characters in user input cannot break the query.
func ftsQuery(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '(', ')', '*', '^', ':', '{', '}', '+', '-':
			return ' '
		default:
			return r
		}
	}, text)

	terms := strings.Fields(cleaned)
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " OR ")
}

func searchText(ctx context.Context, q querier, namespaceID, text string, sets []filter.Numbered, limit int) ([]TextHit, error) {
	match := ftsQuery(text)
	if match == "" {
		return nil, nil
	}

	where, args := filterClause("chunk_fts.", sets)
	query := `
		SELECT chunk_fts.chunk_id, bm25(chunk_fts)
		FROM chunk_fts
		JOIN chunks c ON c.id = chunk_fts.chunk_id
		JOIN entries e ON e.id = c.entry_id
		WHERE chunk_fts MATCH ? AND chunk_fts.namespace_id = ?` + where + ` AND e.status = ?
		ORDER BY bm25(chunk_fts)
		LIMIT ?`
	params := append([]any{match, namespaceID}, args...)
	params = append(params, string(StatusReady), limit)

	rows, err := q.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []TextHit
	for rows.Next() {
		var h TextHit
		if err := rows.Scan(&h.ChunkID, &h.Rank); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchText runs a keyword search over the chunks of ready entries in a
// namespace.
func (s *SQLiteStore) SearchText(ctx context.Context, namespaceID, text string, sets []filter.Numbered, limit int) ([]TextHit, error) {
	var hits []TextHit
	err := s.view("search_text", func(q querier) error {
		var err error
		hits, err = searchText(ctx, q, namespaceID, text, sets, s.clampLimit(limit))
		return err
	})
	return hits, err
}
