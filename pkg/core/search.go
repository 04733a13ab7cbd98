package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liliang-cn/sqrag/internal/encoding"
	"github.com/liliang-cn/sqrag/pkg/filter"
)

// ChunkContext is the number of neighbouring chunks returned around a hit.
type ChunkContext struct {
	Before int `json:"before" yaml:"before"`
	After  int `json:"after" yaml:"after"`
}

// SearchOptions defines a hybrid search. The namespace is resolved by name
// and schema; a namespace that does not exist yields an empty response.
type SearchOptions struct {
	Namespace   string
	ModelID     string
	Dimension   int
	FilterNames []string

	Embedding []float32 // Query embedding
	TextQuery string    // Enables text search and rank fusion when set

	// Filters are OR-ed together; each FilterSets group must match as a whole
	// and is OR-ed with the rest.
	Filters    []filter.Named
	FilterSets [][]filter.Named

	Limit        int
	ChunkContext ChunkContext

	VectorScoreThreshold float64 // Vector hits scoring below are dropped; 0 disables
	VectorWeight         float64 // Fusion weight, 0 means 1
	TextWeight           float64 // Fusion weight, 0 means 1
	RRFK                 float64 // 0 uses the configured constant
	ScoreCutoff          float64 // Fused results below are dropped; 0 disables
}

// Content is one chunk of a result window
type Content struct {
	Order    int      `json:"order"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// SearchResult is one hit expanded into its context window. Order is the hit
// chunk; Content covers StartOrder onwards.
type SearchResult struct {
	EntryID    string    `json:"entryId"`
	Order      int       `json:"order"`
	StartOrder int       `json:"startOrder"`
	Content    []Content `json:"content"`
	Score      float64   `json:"score"`
}

// SearchResponse holds results best first and the entries they reference in
// order of first appearance.
type SearchResponse struct {
	Results []SearchResult `json:"results"`
	Entries []*Entry       `json:"entries"`
}

// Text joins the result windows into one string.
func (r *SearchResponse) Text() string {
	parts := make([]string, 0, len(r.Results))
	for _, res := range r.Results {
		texts := make([]string, len(res.Content))
		for i, c := range res.Content {
			texts[i] = c.Text
		}
		parts = append(parts, strings.Join(texts, "\n"))
	}
	return strings.Join(parts, "\n\n")
}

type hitRef struct {
	entryID string
	order   int
}

func (h hitRef) key() string {
	return h.entryID + "\x00" + strconv.Itoa(h.order)
}

type window struct {
	start, end int // [start, end)
}

// expandWindows computes non-overlapping context windows for hits. Hits in
// the same entry bound each other: a window never starts at or before the
// previous hit, and it stops early enough to leave the next hit its before
// context. A missing neighbour imposes no bound.
func expandWindows(hits []hitRef, before, after int) []window {
	byEntry := make(map[string][]int)
	for _, h := range hits {
		byEntry[h.entryID] = append(byEntry[h.entryID], h.order)
	}

	out := make([]window, len(hits))
	for i, h := range hits {
		prev, next := -1, -1
		for _, o := range byEntry[h.entryID] {
			if o < h.order && (prev < 0 || o > prev) {
				prev = o
			}
			if o > h.order && (next < 0 || o < next) {
				next = o
			}
		}

		start := max(h.order-before, 0)
		if prev >= 0 {
			start = max(start, prev+1)
		}
		end := h.order + after + 1
		if next >= 0 {
			end = min(end, max(next-before, h.order+1))
		}
		out[i] = window{start: start, end: end}
	}
	return out
}

// Search runs vector search, optionally alongside text search, fuses the
// rankings and expands the best hits into context windows.
//
// Without a text query the scores are raw importance-weighted cosine
// similarities; with one they are reciprocal rank fusion scores. The two
// scales are not comparable.
func (s *SQLiteStore) Search(ctx context.Context, opts SearchOptions) (*SearchResponse, error) {
	mode := "vector"
	if opts.TextQuery != "" {
		mode = "hybrid"
	}
	started := time.Now()
	defer func() {
		s.metrics.searchDuration.WithLabelValues(mode).Observe(time.Since(started).Seconds())
	}()

	ns, err := s.LookupNamespace(ctx, opts.Namespace, opts.ModelID, opts.Dimension, opts.FilterNames)
	if err != nil {
		return nil, err
	}
	if ns == nil {
		s.logger.Debug("search against unknown namespace", "namespace", opts.Namespace)
		return &SearchResponse{}, nil
	}
	if len(opts.Embedding) == 0 {
		return nil, wrapError("search", fmt.Errorf("%w: query embedding required", ErrInvalidVector))
	}

	sets, err := filter.Compile(ns.FilterNames, opts.Filters, opts.FilterSets)
	if err != nil {
		return nil, wrapError("search", err)
	}
	limit := s.clampLimit(opts.Limit)
	k := opts.RRFK
	if k <= 0 {
		k = s.config.Search.RRFK
	}

	var resp SearchResponse
	err = s.view("search", func(q querier) error {
		var (
			vectorHits []VectorHit
			textHits   []TextHit
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			vectorHits, err = searchVectors(gctx, q, ns, opts.Embedding, sets, limit, true)
			return err
		})
		if opts.TextQuery != "" {
			g.Go(func() error {
				var err error
				textHits, err = searchText(gctx, q, ns.ID, opts.TextQuery, sets, limit)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		if opts.VectorScoreThreshold > 0 {
			kept := vectorHits[:0]
			for _, h := range vectorHits {
				if h.Score >= opts.VectorScoreThreshold {
					kept = append(kept, h)
				}
			}
			vectorHits = kept
		}

		vectorIDs := make([]string, len(vectorHits))
		for i, h := range vectorHits {
			vectorIDs[i] = h.ID
		}
		byVector, err := resolveHits(ctx, q, "c.embedding_id", vectorIDs)
		if err != nil {
			return err
		}
		textIDs := make([]string, len(textHits))
		for i, h := range textHits {
			textIDs[i] = h.ChunkID
		}
		byChunk, err := resolveHits(ctx, q, "c.id", textIDs)
		if err != nil {
			return err
		}

		refs := make(map[string]hitRef)
		var vectorList, textList []string
		rawScores := make(map[string]float64)
		for _, h := range vectorHits {
			ref, ok := byVector[h.ID]
			if !ok {
				continue
			}
			refs[ref.key()] = ref
			if _, seen := rawScores[ref.key()]; !seen {
				rawScores[ref.key()] = h.Score
				vectorList = append(vectorList, ref.key())
			}
		}
		for _, h := range textHits {
			if ref, ok := byChunk[h.ChunkID]; ok {
				refs[ref.key()] = ref
				textList = append(textList, ref.key())
			}
		}

		var ranked []FusedItem
		if opts.TextQuery == "" {
			ranked = make([]FusedItem, len(vectorList))
			for i, key := range vectorList {
				ranked[i] = FusedItem{ID: key, Score: rawScores[key]}
			}
		} else {
			ranked = ReciprocalRankFusion(k, opts.ScoreCutoff,
				RankedList{IDs: vectorList, Weight: opts.VectorWeight},
				RankedList{IDs: textList, Weight: opts.TextWeight})
		}
		if len(ranked) > limit {
			ranked = ranked[:limit]
		}

		hits := make([]hitRef, len(ranked))
		for i, item := range ranked {
			hits[i] = refs[item.ID]
		}
		windows := expandWindows(hits, opts.ChunkContext.Before, opts.ChunkContext.After)

		var entryIDs []string
		seenEntries := make(map[string]bool)
		for i, h := range hits {
			content, err := loadWindow(ctx, q, h.entryID, windows[i])
			if err != nil {
				return err
			}
			resp.Results = append(resp.Results, SearchResult{
				EntryID:    h.entryID,
				Order:      h.order,
				StartOrder: windows[i].start,
				Content:    content,
				Score:      ranked[i].Score,
			})
			if !seenEntries[h.entryID] {
				seenEntries[h.entryID] = true
				entryIDs = append(entryIDs, h.entryID)
			}
		}

		if len(entryIDs) == 0 {
			return nil
		}
		args := make([]any, len(entryIDs))
		for i, id := range entryIDs {
			args[i] = id
		}
		entries, err := queryEntries(ctx, q, `id IN (`+placeholders(len(entryIDs))+`)`, args...)
		if err != nil {
			return err
		}
		byID := make(map[string]*Entry, len(entries))
		for _, e := range entries {
			byID[e.ID] = e
		}
		for _, id := range entryIDs {
			if e, ok := byID[id]; ok {
				resp.Entries = append(resp.Entries, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// resolveHits maps vector or chunk ids to live chunk positions. Only ready
// chunks of ready entries are served; an entry still being built is not
// visible even when some of its chunks are already indexed.
func resolveHits(ctx context.Context, q querier, column string, ids []string) (map[string]hitRef, error) {
	out := make(map[string]hitRef, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+2)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, string(StatusReady), string(StatusReady))

	rows, err := q.QueryContext(ctx, `
		SELECT `+column+`, c.entry_id, c.ord
		FROM chunks c JOIN entries e ON e.id = c.entry_id
		WHERE `+column+` IN (`+placeholders(len(ids))+`) AND c.state = ? AND e.status = ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve hits: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			id  string
			ref hitRef
		)
		if err := rows.Scan(&id, &ref.entryID, &ref.order); err != nil {
			return nil, err
		}
		out[id] = ref
	}
	return out, rows.Err()
}

func loadWindow(ctx context.Context, q querier, entryID string, w window) ([]Content, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.ord, ct.text, ct.metadata
		FROM chunks c JOIN contents ct ON ct.id = c.content_id
		WHERE c.entry_id = ? AND c.ord >= ? AND c.ord < ?
		ORDER BY c.ord
	`, entryID, w.start, w.end)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Content
	for rows.Next() {
		var (
			c        Content
			metaBlob []byte
		)
		if err := rows.Scan(&c.Order, &c.Text, &metaBlob); err != nil {
			return nil, err
		}
		if err := encoding.Unmarshal(metaBlob, &c.Metadata); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
