package core

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/liliang-cn/sqrag/internal/encoding"
	"github.com/liliang-cn/sqrag/pkg/filter"
)

// supportedDimensions lists the embedding widths that have a vector table.
var supportedDimensions = []int{128, 256, 512, 768, 1024, 1408, 1536, 2048, 3072, 4096}

// maxVectorWidth is the widest vector a table can hold.
const maxVectorWidth = 4096

// SupportedDimensions returns the embedding dimensions accepted by the store
func SupportedDimensions() []int {
	out := make([]int, len(supportedDimensions))
	copy(out, supportedDimensions)
	return out
}

func validateDimension(dim int) error {
	for _, d := range supportedDimensions {
		if d == dim {
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrUnsupportedDimension, dim)
}

func vectorTableName(dim int) string {
	return fmt.Sprintf("vectors_%d", dim)
}

// VectorHit is one result of SearchEmbeddings
type VectorHit struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// importanceVector folds importance into the stored vector: the unit vector is
// scaled by importance and one extra component sqrt(1-importance^2) keeps the
// stored vector at unit length. A query padded with 0 then scores
// importance*cos(q, v). At the maximum width the last input component is
// dropped to make room.
func importanceVector(v []float32, importance float64) []float32 {
	importance = clampImportance(importance)
	if len(v) >= maxVectorWidth {
		v = v[:maxVectorWidth-1]
	}
	out := normalize(v)
	for i := range out {
		out[i] = float32(float64(out[i]) * importance)
	}
	return append(out, float32(math.Sqrt(1-importance*importance)))
}

// queryVector shapes a query to match importanceVector output.
func queryVector(v []float32) []float32 {
	if len(v) >= maxVectorWidth {
		v = v[:maxVectorWidth-1]
	}
	return append(normalize(v), 0)
}

func clampImportance(importance float64) float64 {
	switch {
	case math.IsNaN(importance) || importance < 0:
		return 0
	case importance > 1:
		return 1
	default:
		return importance
	}
}

// slotKeys converts numbered filters to the values stored in f0..f3.
func slotKeys(numbered filter.Numbered) [filter.MaxFilters]sql.NullString {
	var out [filter.MaxFilters]sql.NullString
	for i, v := range numbered {
		if v != nil {
			out[i] = sql.NullString{String: v.Key(), Valid: true}
		}
	}
	return out
}

// filterClause renders OR-of-AND filter sets against columns prefix+f0..f3.
// No sets means no restriction.
func filterClause(prefix string, sets []filter.Numbered) (string, []any) {
	if len(sets) == 0 {
		return "", nil
	}
	var (
		ors  []string
		args []any
	)
	for _, set := range sets {
		var ands []string
		for slot, v := range set {
			if v == nil {
				continue
			}
			ands = append(ands, fmt.Sprintf("%sf%d = ?", prefix, slot))
			args = append(args, v.Key())
		}
		if len(ands) == 0 {
			continue
		}
		ors = append(ors, "("+strings.Join(ands, " AND ")+")")
	}
	if len(ors) == 0 {
		return "", nil
	}
	return " AND (" + strings.Join(ors, " OR ") + ")", args
}

func insertVector(ctx context.Context, q querier, ns *Namespace, vector []float32, importance float64, slots [filter.MaxFilters]sql.NullString) (string, error) {
	if len(vector) != ns.Dimension {
		return "", fmt.Errorf("%w: got %d, namespace %s has %d", ErrDimensionMismatch, len(vector), ns.ID, ns.Dimension)
	}
	if err := encoding.ValidateVector(vector); err != nil {
		return "", err
	}
	blob, err := encoding.EncodeVector(importanceVector(vector, importance))
	if err != nil {
		return "", err
	}

	id := newID()
	_, err = q.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, namespace_id, vector, f0, f1, f2, f3) VALUES (?, ?, ?, ?, ?, ?, ?)`, vectorTableName(ns.Dimension)),
		id, ns.ID, blob, slots[0], slots[1], slots[2], slots[3])
	if err != nil {
		return "", fmt.Errorf("failed to insert vector: %w", err)
	}
	return id, nil
}

func deleteVector(ctx context.Context, q querier, dim int, id string) error {
	if id == "" {
		return nil
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, vectorTableName(dim)), id); err != nil {
		return fmt.Errorf("failed to delete vector: %w", err)
	}
	return nil
}

// searchVectors scores every vector of the namespace that passes the
// filters. With live set only vectors of ready chunks of ready entries are
// candidates, so leftovers of replaced or unfinished entries never take a
// place within limit.
func searchVectors(ctx context.Context, q querier, ns *Namespace, query []float32, sets []filter.Numbered, limit int, live bool) ([]VectorHit, error) {
	if len(query) != ns.Dimension {
		return nil, fmt.Errorf("%w: got %d, namespace %s has %d", ErrDimensionMismatch, len(query), ns.ID, ns.Dimension)
	}
	if err := encoding.ValidateVector(query); err != nil {
		return nil, err
	}
	qv := queryVector(query)

	where, args := filterClause("v.", sets)
	stmt := fmt.Sprintf(`SELECT v.id, v.vector FROM %s v`, vectorTableName(ns.Dimension))
	if live {
		stmt += ` JOIN chunks c ON c.embedding_id = v.id JOIN entries e ON e.id = c.entry_id`
	}
	stmt += ` WHERE v.namespace_id = ?` + where
	params := append([]any{ns.ID}, args...)
	if live {
		stmt += ` AND c.state = ? AND e.status = ?`
		params = append(params, string(StatusReady), string(StatusReady))
	}
	rows, err := q.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan vectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []VectorHit
	for rows.Next() {
		var (
			id   string
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := encoding.DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("vector %s: %w", id, err)
		}
		hits = append(hits, VectorHit{ID: id, Score: CosineSimilarity(qv, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// InsertEmbedding stores a vector for namespaceID with importance folded in
// and returns the vector id.
func (s *SQLiteStore) InsertEmbedding(ctx context.Context, namespaceID string, vector []float32, importance float64, numbered filter.Numbered) (string, error) {
	var id string
	err := s.update(ctx, "insert_embedding", func(tx *txn) error {
		ns, err := getNamespace(ctx, tx, namespaceID)
		if err != nil {
			return err
		}
		id, err = insertVector(ctx, tx, ns, vector, importance, slotKeys(numbered))
		return err
	})
	return id, err
}

// DeleteEmbedding removes a vector record
func (s *SQLiteStore) DeleteEmbedding(ctx context.Context, namespaceID, id string) error {
	return s.update(ctx, "delete_embedding", func(tx *txn) error {
		ns, err := getNamespace(ctx, tx, namespaceID)
		if err != nil {
			return err
		}
		return deleteVector(ctx, tx, ns.Dimension, id)
	})
}

// SearchEmbeddings returns the closest vectors in a namespace. Each filter
// set is an AND over its slots and the sets are OR-ed together; no sets means
// the whole namespace.
func (s *SQLiteStore) SearchEmbeddings(ctx context.Context, namespaceID string, vector []float32, sets []filter.Numbered, limit int) ([]VectorHit, error) {
	var hits []VectorHit
	err := s.view("search_embeddings", func(q querier) error {
		ns, err := getNamespace(ctx, q, namespaceID)
		if err != nil {
			return err
		}
		hits, err = searchVectors(ctx, q, ns, vector, sets, s.clampLimit(limit), false)
		return err
	})
	return hits, err
}

func (s *SQLiteStore) clampLimit(limit int) int {
	if limit <= 0 {
		return s.config.Search.DefaultLimit
	}
	if limit > s.config.Search.MaxLimit {
		return s.config.Search.MaxLimit
	}
	return limit
}
