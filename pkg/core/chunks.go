package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/liliang-cn/sqrag/internal/encoding"
	"github.com/liliang-cn/sqrag/pkg/filter"
)

// InsertChunksResult reports the state the inserted chunks were left in.
// StatusReady means the key had no ready version and the chunks are already
// searchable; StatusPending means a ReplaceChunksPage sweep must follow.
type InsertChunksResult struct {
	Status Status `json:"status"`
}

// ReplaceResult is the outcome of one ReplaceChunksPage step.
type ReplaceResult struct {
	// Status is pending while more steps are needed, ready once the sweep
	// finished and the entry was promoted, and replaced when the entry was
	// superseded.
	Status         Status `json:"status"`
	NextStartOrder int    `json:"nextStartOrder"`
	ReplacedEntry  *Entry `json:"replacedEntry,omitempty"`
}

// DeleteResult is the outcome of one bounded delete step.
type DeleteResult struct {
	IsDone         bool `json:"isDone"`
	NextStartOrder int  `json:"nextStartOrder"`
}

const chunkBatchSize = 64

type chunkRow struct {
	id          string
	entryID     string
	ord         int
	state       Status
	contentID   string
	embedding   []byte
	importance  sql.NullFloat64
	embeddingID sql.NullString
	ftsRowID    sql.NullInt64
	searchable  sql.NullString
	slots       [filter.MaxFilters]sql.NullString
	textLen     int
	metaLen     int
}

// cost estimates the bytes a bulk step touches for the chunk. dim is zero
// when the step does not touch a vector.
func (c *chunkRow) cost(dim int) int {
	return estimateChunkBytes(dim, c.textLen, len(c.searchable.String), c.metaLen)
}

const chunkRowColumns = `c.id, c.entry_id, c.ord, c.state, c.content_id, c.embedding, c.importance,
	c.embedding_id, c.fts_rowid, c.searchable_text, c.f0, c.f1, c.f2, c.f3,
	length(ct.text), COALESCE(length(ct.metadata), 0)`

// loadChunkRows returns up to limit chunks of an entry with order >= from.
func loadChunkRows(ctx context.Context, q querier, entryID string, from, limit int) ([]chunkRow, error) {
	return queryChunkRows(ctx, q, `c.entry_id = ? AND c.ord >= ?`, entryID, from, limit)
}

// loadChunkRowsInState is loadChunkRows restricted to one chunk state.
func loadChunkRowsInState(ctx context.Context, q querier, entryID string, state Status, from, limit int) ([]chunkRow, error) {
	return queryChunkRows(ctx, q, `c.entry_id = ? AND c.state = ? AND c.ord >= ?`, entryID, string(state), from, limit)
}

// queryChunkRows runs where with args; the last arg is the row limit.
func queryChunkRows(ctx context.Context, q querier, where string, args ...any) ([]chunkRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+chunkRowColumns+`
		FROM chunks c JOIN contents ct ON ct.id = c.content_id
		WHERE `+where+`
		ORDER BY c.ord
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []chunkRow
	for rows.Next() {
		var (
			c     chunkRow
			state string
		)
		if err := rows.Scan(&c.id, &c.entryID, &c.ord, &state, &c.contentID, &c.embedding, &c.importance,
			&c.embeddingID, &c.ftsRowID, &c.searchable, &c.slots[0], &c.slots[1], &c.slots[2], &c.slots[3],
			&c.textLen, &c.metaLen); err != nil {
			return nil, err
		}
		c.state = Status(state)
		out = append(out, c)
	}
	return out, rows.Err()
}

// makeReady indexes a pending chunk: the vector record and the text search
// row are written and the stored embedding is dropped.
func makeReady(ctx context.Context, tx *txn, ns *Namespace, c *chunkRow) error {
	vec, err := encoding.DecodeVector(c.embedding)
	if err != nil {
		return fmt.Errorf("chunk %s: %w", c.id, err)
	}
	importance := 1.0
	if c.importance.Valid {
		importance = c.importance.Float64
	}
	vectorID, err := insertVector(ctx, tx, ns, vec, importance, c.slots)
	if err != nil {
		return fmt.Errorf("chunk %s: %w", c.id, err)
	}

	var ftsRowID sql.NullInt64
	if c.searchable.String != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO chunk_fts (searchable_text, chunk_id, namespace_id, f0, f1, f2, f3)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, c.searchable.String, c.id, ns.ID, c.slots[0], c.slots[1], c.slots[2], c.slots[3])
		if err != nil {
			return fmt.Errorf("failed to index chunk text: %w", err)
		}
		if ftsRowID.Int64, err = res.LastInsertId(); err != nil {
			return err
		}
		ftsRowID.Valid = true
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE chunks SET state = ?, embedding = NULL, importance = NULL, embedding_id = ?, fts_rowid = ?
		WHERE id = ?
	`, string(StatusReady), vectorID, ftsRowID, c.id); err != nil {
		return fmt.Errorf("failed to mark chunk ready: %w", err)
	}
	c.state = StatusReady
	c.embedding = nil
	c.embeddingID = sql.NullString{String: vectorID, Valid: true}
	c.ftsRowID = ftsRowID
	return nil
}

func unindex(ctx context.Context, tx *txn, ns *Namespace, c *chunkRow) error {
	if err := deleteVector(ctx, tx, ns.Dimension, c.embeddingID.String); err != nil {
		return err
	}
	if c.ftsRowID.Valid {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chunk_fts WHERE rowid = ?`, c.ftsRowID.Int64); err != nil {
			return fmt.Errorf("failed to drop chunk text: %w", err)
		}
	}
	return nil
}

// retire removes a ready chunk from the indexes and marks it replaced.
func retire(ctx context.Context, tx *txn, ns *Namespace, c *chunkRow) error {
	if err := unindex(ctx, tx, ns, c); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chunks SET state = ?, fts_rowid = NULL WHERE id = ?`,
		string(StatusReplaced), c.id); err != nil {
		return fmt.Errorf("failed to retire chunk: %w", err)
	}
	c.state = StatusReplaced
	c.ftsRowID = sql.NullInt64{}
	return nil
}

// deleteChunk removes a chunk, its content, and its index records.
func deleteChunk(ctx context.Context, tx *txn, ns *Namespace, c *chunkRow) error {
	if c.state == StatusReady {
		if err := unindex(ctx, tx, ns, c); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, c.id); err != nil {
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM contents WHERE id = ?`, c.contentID); err != nil {
		return fmt.Errorf("failed to delete chunk content: %w", err)
	}
	return nil
}

// InsertChunks adds chunks to a pending entry at sequential orders starting
// at startOrder. Chunks already stored in that order range are dropped first
// so a retried call is harmless. Writing to an entry that a newer version of
// its key has superseded fails with ErrStaleVersion.
func (s *SQLiteStore) InsertChunks(ctx context.Context, entryID string, startOrder int, chunks []ChunkInput) (*InsertChunksResult, error) {
	if len(chunks) > s.config.MaxChunksPerAdd {
		return nil, wrapError("insert_chunks", fmt.Errorf("%w: %d > %d", ErrTooManyChunks, len(chunks), s.config.MaxChunksPerAdd))
	}

	var result *InsertChunksResult
	err := s.update(ctx, "insert_chunks", func(tx *txn) error {
		entry, err := getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		ns, err := getNamespace(ctx, tx, entry.NamespaceID)
		if err != nil {
			return err
		}
		numbered, err := filter.Encode(ns.FilterNames, entry.FilterValues)
		if err != nil {
			return err
		}
		status, err := s.insertChunks(ctx, tx, ns, entry, numbered, startOrder, chunks)
		if err != nil {
			return err
		}
		result = &InsertChunksResult{Status: status}
		return nil
	})
	return result, err
}

func (s *SQLiteStore) insertChunks(ctx context.Context, tx *txn, ns *Namespace, entry *Entry, numbered filter.Numbered, startOrder int, chunks []ChunkInput) (Status, error) {
	if startOrder < 0 {
		return "", fmt.Errorf("%w: start order %d", ErrInvalidOrder, startOrder)
	}
	if entry.Status != StatusPending {
		return "", fmt.Errorf("%w: entry %s is %s", ErrEntryNotPending, entry.ID, entry.Status)
	}

	var previous *Entry
	if entry.Key != "" {
		latest, err := latestEntry(ctx, tx, ns.ID, entry.Key)
		if err != nil {
			return "", err
		}
		if latest != nil && latest.Version > entry.Version {
			s.logger.Warn("rejecting chunks for superseded entry", "entry", entry.ID, "version", entry.Version, "latest", latest.Version)
			return "", fmt.Errorf("%w: entry %s version %d, latest %d", ErrStaleVersion, entry.ID, entry.Version, latest.Version)
		}
		if previous, err = readyEntry(ctx, tx, ns.ID, entry.Key); err != nil {
			return "", err
		}
	}

	for i := range chunks {
		if err := validateChunkInput(ns, chunks[i]); err != nil {
			return "", fmt.Errorf("chunk %d: %w", startOrder+i, err)
		}
	}

	existing, err := loadChunkRows(ctx, tx, entry.ID, startOrder, len(chunks))
	if err != nil {
		return "", err
	}
	for i := range existing {
		if existing[i].ord >= startOrder+len(chunks) {
			break
		}
		if err := deleteChunk(ctx, tx, ns, &existing[i]); err != nil {
			return "", err
		}
	}

	slots := slotKeys(numbered)
	direct := previous == nil
	for i, in := range chunks {
		c := chunkRow{
			id:         newID(),
			entryID:    entry.ID,
			ord:        startOrder + i,
			state:      StatusPending,
			contentID:  newID(),
			importance: sql.NullFloat64{Float64: entry.Importance, Valid: true},
			slots:      slots,
		}
		if c.embedding, err = encoding.EncodeVector(in.Embedding); err != nil {
			return "", err
		}
		searchable := in.SearchableText
		if searchable == "" {
			searchable = in.Text
		}
		c.searchable = nullString(searchable)

		var metaBlob []byte
		if len(in.Metadata) > 0 {
			if metaBlob, err = encoding.Marshal(in.Metadata); err != nil {
				return "", err
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO contents (id, text, metadata) VALUES (?, ?, ?)`,
			c.contentID, in.Text, metaBlob); err != nil {
			return "", fmt.Errorf("failed to insert content: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, entry_id, namespace_id, ord, state, content_id, embedding, importance,
				searchable_text, f0, f1, f2, f3)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.id, c.entryID, ns.ID, c.ord, string(c.state), c.contentID, c.embedding, c.importance,
			c.searchable, slots[0], slots[1], slots[2], slots[3]); err != nil {
			return "", fmt.Errorf("failed to insert chunk %d: %w", c.ord, err)
		}

		if direct {
			if err := makeReady(ctx, tx, ns, &c); err != nil {
				return "", err
			}
		}
	}

	if direct {
		return StatusReady, nil
	}
	return StatusPending, nil
}

func validateChunkInput(ns *Namespace, in ChunkInput) error {
	if in.Embedding == nil {
		return fmt.Errorf("%w: missing embedding", ErrInvalidVector)
	}
	if len(in.Embedding) != ns.Dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(in.Embedding), ns.Dimension)
	}
	return encoding.ValidateVector(in.Embedding)
}

// chunkSource iterates one entry's chunks in order, reading in batches.
type chunkSource struct {
	entry     *Entry
	target    bool
	buf       []chunkRow
	pos       int
	from      int
	exhausted bool
}

func (src *chunkSource) peek(ctx context.Context, q querier) (*chunkRow, error) {
	if src.pos < len(src.buf) {
		return &src.buf[src.pos], nil
	}
	if src.exhausted {
		return nil, nil
	}
	rows, err := loadChunkRows(ctx, q, src.entry.ID, src.from, chunkBatchSize)
	if err != nil {
		return nil, err
	}
	if len(rows) < chunkBatchSize {
		src.exhausted = true
	}
	if len(rows) == 0 {
		return nil, nil
	}
	src.buf, src.pos = rows, 0
	src.from = rows[len(rows)-1].ord + 1
	return &src.buf[0], nil
}

func (src *chunkSource) next() { src.pos++ }

// nextOrder returns the smallest head order across sources.
func nextOrder(ctx context.Context, q querier, sources []*chunkSource) (int, bool, error) {
	order, found := 0, false
	for _, src := range sources {
		head, err := src.peek(ctx, q)
		if err != nil {
			return 0, false, err
		}
		if head != nil && (!found || head.ord < order) {
			order, found = head.ord, true
		}
	}
	return order, found, nil
}

// ReplaceChunksPage runs one bounded step of swapping an entry's chunks in
// for the older versions of its key. Chunks of the entry, of older pending
// versions and of the ready version are merged by order. At every order the
// entry's pending chunk is indexed and any older ready chunk is retired.
//
// A step stops at an order boundary once the soft budget is used and in the
// middle of an order when the hard budget would be crossed; the caller resumes
// from NextStartOrder. When the sweep completes the entry is promoted.
func (s *SQLiteStore) ReplaceChunksPage(ctx context.Context, entryID string, startOrder int) (*ReplaceResult, error) {
	var result *ReplaceResult
	err := s.update(ctx, "replace_chunks", func(tx *txn) error {
		entry, err := getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		result, err = s.replaceChunks(ctx, tx, entry, startOrder)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) replaceChunks(ctx context.Context, tx *txn, entry *Entry, startOrder int) (*ReplaceResult, error) {
	if startOrder < 0 {
		return nil, fmt.Errorf("%w: start order %d", ErrInvalidOrder, startOrder)
	}
	switch entry.Status {
	case StatusReplaced:
		return &ReplaceResult{Status: StatusReplaced, NextStartOrder: startOrder}, nil
	case StatusReady:
		return &ReplaceResult{Status: StatusReady, NextStartOrder: startOrder}, nil
	}
	s.metrics.pages.WithLabelValues("replace").Inc()

	ns, err := getNamespace(ctx, tx, entry.NamespaceID)
	if err != nil {
		return nil, err
	}

	sources := []*chunkSource{{entry: entry, target: true, from: startOrder}}
	if entry.Key != "" {
		older, err := queryEntries(ctx, tx, `namespace_id = ? AND key = ? AND version < ? AND status IN (?, ?) ORDER BY version DESC`,
			ns.ID, entry.Key, entry.Version, string(StatusPending), string(StatusReady))
		if err != nil {
			return nil, err
		}
		for _, e := range older {
			sources = append(sources, &chunkSource{entry: e, from: startOrder})
		}
	}

	b := newBudget(s.config.Bandwidth)
	orders := 0
	for {
		order, ok, err := nextOrder(ctx, tx, sources)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}

		for _, src := range sources {
			head, err := src.peek(ctx, tx)
			if err != nil {
				return nil, err
			}
			if head == nil || head.ord != order {
				continue
			}

			// Only the entry's pending chunks and older ready chunks need work.
			work := head.state == StatusPending
			if !src.target {
				work = head.state == StatusReady
			}
			cost := recordOverhead
			if work {
				cost = head.cost(ns.Dimension)
			}
			if orders > 0 && b.wouldExceedHard(cost) {
				s.metrics.budgetStops.WithLabelValues("replace", "hard").Inc()
				s.logger.Debug("replace step hit hard budget", "entry", entry.ID, "order", order, "bytes", b.used)
				return &ReplaceResult{Status: StatusPending, NextStartOrder: order}, nil
			}

			if work && src.target {
				err = makeReady(ctx, tx, ns, head)
			} else if work {
				err = retire(ctx, tx, ns, head)
			}
			if err != nil {
				return nil, err
			}
			b.add(cost)
			src.next()
		}

		orders++
		if b.softExceeded() {
			s.metrics.budgetStops.WithLabelValues("replace", "soft").Inc()
			s.logger.Debug("replace step hit soft budget", "entry", entry.ID, "order", order, "bytes", b.used)
			return &ReplaceResult{Status: StatusPending, NextStartOrder: order + 1}, nil
		}
	}

	replaced, err := s.promote(ctx, tx, entry)
	if err != nil {
		return nil, err
	}
	if entry.Status == StatusReplaced {
		return &ReplaceResult{Status: StatusReplaced}, nil
	}
	return &ReplaceResult{Status: StatusReady, ReplacedEntry: replaced}, nil
}

// DeleteChunksPage deletes an entry's chunks from startOrder on, stopping
// when the hard budget would be crossed. The entry itself is kept.
func (s *SQLiteStore) DeleteChunksPage(ctx context.Context, entryID string, startOrder int) (*DeleteResult, error) {
	var result *DeleteResult
	err := s.update(ctx, "delete_chunks", func(tx *txn) error {
		entry, err := getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		result, err = s.deleteChunks(ctx, tx, entry, startOrder)
		return err
	})
	return result, err
}

// DeleteEntryPage runs one bounded step of deleting an entry. The entry
// record is removed in the step that deletes its last chunk. Deleting an
// entry that no longer exists reports done.
func (s *SQLiteStore) DeleteEntryPage(ctx context.Context, entryID string, startOrder int) (*DeleteResult, error) {
	var result *DeleteResult
	err := s.update(ctx, "delete_entry", func(tx *txn) error {
		entry, err := getEntry(ctx, tx, entryID)
		if errors.Is(err, ErrNotFound) {
			result = &DeleteResult{IsDone: true}
			return nil
		}
		if err != nil {
			return err
		}
		result, err = s.deleteEntry(ctx, tx, entry, startOrder)
		return err
	})
	return result, err
}

// DeleteByKeyPage runs one bounded step of deleting every version of key,
// oldest first. NextStartOrder refers to the oldest remaining version.
func (s *SQLiteStore) DeleteByKeyPage(ctx context.Context, namespaceID, key string, startOrder int) (*DeleteResult, error) {
	if key == "" {
		return nil, wrapError("delete_by_key", errors.New("key cannot be empty"))
	}
	var result *DeleteResult
	err := s.update(ctx, "delete_by_key", func(tx *txn) error {
		entries, err := queryEntries(ctx, tx, `namespace_id = ? AND key = ? ORDER BY version LIMIT 2`, namespaceID, key)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			result = &DeleteResult{IsDone: true}
			return nil
		}
		page, err := s.deleteEntry(ctx, tx, entries[0], startOrder)
		if err != nil {
			return err
		}
		if page.IsDone && len(entries) > 1 {
			page = &DeleteResult{NextStartOrder: 0}
		}
		result = page
		return nil
	})
	return result, err
}

func (s *SQLiteStore) deleteEntry(ctx context.Context, tx *txn, entry *Entry, startOrder int) (*DeleteResult, error) {
	page, err := s.deleteChunks(ctx, tx, entry, startOrder)
	if err != nil || !page.IsDone {
		return page, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, entry.ID); err != nil {
		return nil, fmt.Errorf("failed to delete entry: %w", err)
	}
	s.logger.Info("entry deleted", "entry", entry.ID, "key", entry.Key, "version", entry.Version)
	return page, nil
}

func (s *SQLiteStore) deleteChunks(ctx context.Context, tx *txn, entry *Entry, startOrder int) (*DeleteResult, error) {
	if startOrder < 0 {
		return nil, fmt.Errorf("%w: start order %d", ErrInvalidOrder, startOrder)
	}
	s.metrics.pages.WithLabelValues("delete").Inc()

	ns, err := getNamespace(ctx, tx, entry.NamespaceID)
	if err != nil {
		return nil, err
	}

	b := newBudget(s.config.Bandwidth)
	deleted := 0
	from := startOrder
	for {
		rows, err := loadChunkRows(ctx, tx, entry.ID, from, chunkBatchSize)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return &DeleteResult{IsDone: true, NextStartOrder: from}, nil
		}
		for i := range rows {
			c := &rows[i]
			dim := 0
			if c.state != StatusReplaced {
				dim = ns.Dimension
			}
			cost := c.cost(dim)
			if deleted > 0 && b.wouldExceedHard(cost) {
				s.metrics.budgetStops.WithLabelValues("delete", "hard").Inc()
				s.logger.Debug("delete step hit hard budget", "entry", entry.ID, "order", c.ord, "bytes", b.used)
				return &DeleteResult{NextStartOrder: c.ord}, nil
			}
			if err := deleteChunk(ctx, tx, ns, c); err != nil {
				return nil, err
			}
			b.add(cost)
			deleted++
		}
		from = rows[len(rows)-1].ord + 1
	}
}

// RetireChunksPage runs one bounded step of taking a replaced entry's
// indexed chunks out of vector and text search. Entries that are not
// replaced are left alone and reported done.
func (s *SQLiteStore) RetireChunksPage(ctx context.Context, entryID string, startOrder int) (*DeleteResult, error) {
	var result *DeleteResult
	err := s.update(ctx, "retire_chunks", func(tx *txn) error {
		entry, err := getEntry(ctx, tx, entryID)
		if errors.Is(err, ErrNotFound) {
			result = &DeleteResult{IsDone: true}
			return nil
		}
		if err != nil {
			return err
		}
		result, err = s.retireChunks(ctx, tx, entry, startOrder)
		return err
	})
	return result, err
}

func (s *SQLiteStore) retireChunks(ctx context.Context, tx *txn, entry *Entry, startOrder int) (*DeleteResult, error) {
	if startOrder < 0 {
		return nil, fmt.Errorf("%w: start order %d", ErrInvalidOrder, startOrder)
	}
	if entry.Status != StatusReplaced {
		return &DeleteResult{IsDone: true, NextStartOrder: startOrder}, nil
	}
	s.metrics.pages.WithLabelValues("retire").Inc()

	ns, err := getNamespace(ctx, tx, entry.NamespaceID)
	if err != nil {
		return nil, err
	}

	b := newBudget(s.config.Bandwidth)
	retired := 0
	from := startOrder
	for {
		rows, err := loadChunkRowsInState(ctx, tx, entry.ID, StatusReady, from, chunkBatchSize)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return &DeleteResult{IsDone: true, NextStartOrder: from}, nil
		}
		for i := range rows {
			c := &rows[i]
			cost := c.cost(ns.Dimension)
			if retired > 0 && b.wouldExceedHard(cost) {
				s.metrics.budgetStops.WithLabelValues("retire", "hard").Inc()
				s.logger.Debug("retire step hit hard budget", "entry", entry.ID, "order", c.ord, "bytes", b.used)
				return &DeleteResult{NextStartOrder: c.ord}, nil
			}
			if err := retire(ctx, tx, ns, c); err != nil {
				return nil, err
			}
			b.add(cost)
			retired++
		}
		from = rows[len(rows)-1].ord + 1
	}
}

// retireAbandoned drives RetireChunksPage to completion for entries a write
// just marked replaced. Most were swept already and finish in one lookup;
// the rest (failed entries, lost promotions, promotion without a sweep)
// still had ready chunks. Leftovers are hidden from search, so a failure is
// logged rather than returned.
func (s *SQLiteStore) retireAbandoned(ctx context.Context, entryIDs ...string) {
	for _, id := range entryIDs {
		next := 0
		for {
			page, err := s.RetireChunksPage(ctx, id, next)
			if err != nil {
				s.logger.Warn("abandoned chunks left indexed", "entry", id, "order", next, "error", err)
				break
			}
			if page.IsDone {
				break
			}
			next = page.NextStartOrder
		}
	}
}

// ListChunks pages through an entry's chunks in order. The cursor is the
// next order to read.
func (s *SQLiteStore) ListChunks(ctx context.Context, entryID string, page PageOptions) (*ChunkPage, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	from := 0
	if page.Cursor != "" {
		n, err := strconv.Atoi(page.Cursor)
		if err != nil || n < 0 {
			return nil, wrapError("list_chunks", fmt.Errorf("%w: cursor %q", ErrInvalidOrder, page.Cursor))
		}
		from = n
	}

	var out ChunkPage
	err := s.view("list_chunks", func(q querier) error {
		if _, err := getEntry(ctx, q, entryID); err != nil {
			return err
		}
		rows, err := q.QueryContext(ctx, `
			SELECT c.id, c.ord, c.state, c.embedding_id, c.searchable_text, ct.text, ct.metadata
			FROM chunks c JOIN contents ct ON ct.id = c.content_id
			WHERE c.entry_id = ? AND c.ord >= ?
			ORDER BY c.ord
			LIMIT ?
		`, entryID, from, limit+1)
		if err != nil {
			return fmt.Errorf("failed to list chunks: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				c                       Chunk
				state                   string
				embeddingID, searchable sql.NullString
				metaBlob                []byte
			)
			if err := rows.Scan(&c.ID, &c.Order, &state, &embeddingID, &searchable, &c.Text, &metaBlob); err != nil {
				return err
			}
			if err := encoding.Unmarshal(metaBlob, &c.Metadata); err != nil {
				return fmt.Errorf("chunk %s: bad metadata: %w", c.ID, err)
			}
			c.EntryID = entryID
			c.State = Status(state)
			c.EmbeddingID = embeddingID.String
			c.SearchableText = searchable.String
			out.Chunks = append(out.Chunks, c)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	if len(out.Chunks) > limit {
		out.Chunks = out.Chunks[:limit]
		out.NextCursor = strconv.Itoa(out.Chunks[limit-1].Order + 1)
	} else {
		out.IsDone = true
	}
	return &out, nil
}
