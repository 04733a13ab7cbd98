package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/liliang-cn/sqrag/internal/encoding"
	"github.com/liliang-cn/sqrag/pkg/filter"
)

// AddEntryArgs describes a new entry version.
type AddEntryArgs struct {
	NamespaceID  string
	Key          string // empty for an unkeyed entry
	Importance   float64
	FilterValues []filter.Named
	ContentHash  string
	Title        string
	Metadata     Metadata
	OnComplete   string // registered completion handler name

	// Chunks, when non-nil, is the entry's complete chunk list. It must carry
	// embeddings. A nil slice leaves the entry pending for InsertChunks.
	Chunks []ChunkInput
}

// AddEntryResult reports what AddEntry did.
type AddEntryResult struct {
	Entry   *Entry `json:"entry"`
	Created bool   `json:"created"` // false on the dedup fast path
	Status  Status `json:"status"`

	// ReplacedEntry is the previously ready version retired by this call.
	ReplacedEntry *Entry `json:"replacedEntry,omitempty"`

	// NextStartOrder is where ReplaceChunksPage should resume when Status is
	// still pending after chunks were supplied.
	NextStartOrder int `json:"nextStartOrder"`
}

// PromoteResult reports the outcome of PromoteToReady.
type PromoteResult struct {
	Entry         *Entry `json:"entry"`
	ReplacedEntry *Entry `json:"replacedEntry,omitempty"`
}

const entryColumns = `id, namespace_id, key, version, importance, filter_values, content_hash,
	title, metadata, status, on_complete, previous_entry_id, replaced_at, created_at`

func scanEntry(row interface{ Scan(...any) error }) (*Entry, error) {
	var (
		e                                        Entry
		key, hash, title, onComplete, previousID sql.NullString
		filterBlob, metaBlob                     []byte
		status                                   string
		replacedAt                               sql.NullInt64
		createdAt                                int64
	)
	err := row.Scan(&e.ID, &e.NamespaceID, &key, &e.Version, &e.Importance, &filterBlob, &hash,
		&title, &metaBlob, &status, &onComplete, &previousID, &replacedAt, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := encoding.Unmarshal(filterBlob, &e.FilterValues); err != nil {
		return nil, fmt.Errorf("entry %s: bad filter values: %w", e.ID, err)
	}
	if err := encoding.Unmarshal(metaBlob, &e.Metadata); err != nil {
		return nil, fmt.Errorf("entry %s: bad metadata: %w", e.ID, err)
	}
	e.Key = key.String
	e.ContentHash = hash.String
	e.Title = title.String
	e.OnComplete = onComplete.String
	e.PreviousEntryID = previousID.String
	e.Status = Status(status)
	if replacedAt.Valid {
		t := fromMillis(replacedAt.Int64)
		e.ReplacedAt = &t
	}
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}

func queryEntries(ctx context.Context, q querier, where string, args ...any) ([]*Entry, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func getEntry(ctx context.Context, q querier, id string) (*Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entry %s", ErrNotFound, id)
	}
	return e, err
}

// latestEntry returns the highest version for a key across all statuses.
func latestEntry(ctx context.Context, q querier, namespaceID, key string) (*Entry, error) {
	entries, err := queryEntries(ctx, q, `namespace_id = ? AND key = ? ORDER BY version DESC LIMIT 1`, namespaceID, key)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// readyEntry returns the ready version of a key, if any.
func readyEntry(ctx context.Context, q querier, namespaceID, key string) (*Entry, error) {
	if key == "" {
		return nil, nil
	}
	entries, err := queryEntries(ctx, q, `namespace_id = ? AND key = ? AND status = ? ORDER BY version DESC LIMIT 1`,
		namespaceID, key, string(StatusReady))
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// entryIsSame decides the dedup fast path. A missing content hash on either
// side always means different.
func entryIsSame(existing *Entry, args AddEntryArgs) bool {
	if existing.ContentHash == "" || args.ContentHash == "" {
		return false
	}
	return existing.ContentHash == args.ContentHash &&
		existing.Importance == clampImportance(args.Importance) &&
		filter.SetEqual(existing.FilterValues, args.FilterValues)
}

func markReplaced(ctx context.Context, tx *txn, e *Entry) error {
	if _, err := tx.ExecContext(ctx, `UPDATE entries SET status = ?, replaced_at = ? WHERE id = ?`,
		string(StatusReplaced), toMillis(tx.now), e.ID); err != nil {
		return fmt.Errorf("failed to retire entry %s: %w", e.ID, err)
	}
	t := fromMillis(toMillis(tx.now))
	e.Status = StatusReplaced
	e.ReplacedAt = &t
	tx.abandoned = append(tx.abandoned, e.ID)
	return nil
}

// AddEntry adds a new version of an entry. Re-adding content identical to
// the ready version of the same key returns that version instead and reports
// success to OnComplete. When Chunks are supplied they are inserted and, if
// the first replacement step finishes within budget, the entry is promoted in
// the same transaction.
func (s *SQLiteStore) AddEntry(ctx context.Context, args AddEntryArgs) (*AddEntryResult, error) {
	if len(args.Chunks) > s.config.MaxChunksPerAdd {
		return nil, wrapError("add_entry", fmt.Errorf("%w: %d > %d", ErrTooManyChunks, len(args.Chunks), s.config.MaxChunksPerAdd))
	}

	var result *AddEntryResult
	err := s.update(ctx, "add_entry", func(tx *txn) error {
		ns, err := getNamespace(ctx, tx, args.NamespaceID)
		if err != nil {
			return err
		}
		numbered, err := filter.Encode(ns.FilterNames, args.FilterValues)
		if err != nil {
			return err
		}

		version := 0
		if args.Key != "" {
			latest, err := latestEntry(ctx, tx, ns.ID, args.Key)
			if err != nil {
				return err
			}
			if latest != nil && latest.Status == StatusReady && entryIsSame(latest, args) {
				s.logger.Debug("entry unchanged", "namespace", ns.Name, "key", args.Key, "entry", latest.ID)
				if err := s.enqueueCompletion(ctx, tx, args.OnComplete, ns, latest, "", true, ""); err != nil {
					return err
				}
				result = &AddEntryResult{Entry: latest, Status: StatusReady}
				return nil
			}
			if latest != nil {
				version = latest.Version + 1
			}
		}

		entry, err := insertEntry(ctx, tx, ns, args, version)
		if err != nil {
			return err
		}
		result = &AddEntryResult{Entry: entry, Created: true, Status: StatusPending}

		if args.Chunks == nil {
			return nil
		}
		if _, err := s.insertChunks(ctx, tx, ns, entry, numbered, 0, args.Chunks); err != nil {
			return err
		}
		page, err := s.replaceChunks(ctx, tx, entry, 0)
		if err != nil {
			return err
		}
		result.Status = page.Status
		result.NextStartOrder = page.NextStartOrder
		result.ReplacedEntry = page.ReplacedEntry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func insertEntry(ctx context.Context, tx *txn, ns *Namespace, args AddEntryArgs, version int) (*Entry, error) {
	filterBlob, err := encoding.Marshal(args.FilterValues)
	if err != nil {
		return nil, err
	}
	var metaBlob []byte
	if len(args.Metadata) > 0 {
		if metaBlob, err = encoding.Marshal(args.Metadata); err != nil {
			return nil, err
		}
	}

	e := &Entry{
		ID:           newID(),
		NamespaceID:  ns.ID,
		Key:          args.Key,
		Version:      version,
		Importance:   clampImportance(args.Importance),
		FilterValues: args.FilterValues,
		ContentHash:  args.ContentHash,
		Title:        args.Title,
		Metadata:     args.Metadata,
		Status:       StatusPending,
		OnComplete:   args.OnComplete,
		CreatedAt:    fromMillis(toMillis(tx.now)),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?)
	`, e.ID, e.NamespaceID, nullString(e.Key), e.Version, e.Importance, filterBlob, nullString(e.ContentHash),
		nullString(e.Title), metaBlob, string(e.Status), nullString(e.OnComplete), toMillis(tx.now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert entry: %w", err)
	}
	return e, nil
}

// PromoteToReady makes a pending entry the ready version of its key. The
// previous ready version is retired first, then the entry is activated and
// notified, then older pending versions are retired and told they lost.
//
// Promoting an entry that is already ready returns the version it replaced;
// promoting an already replaced entry returns the entry itself.
func (s *SQLiteStore) PromoteToReady(ctx context.Context, entryID string) (*PromoteResult, error) {
	var result *PromoteResult
	err := s.update(ctx, "promote", func(tx *txn) error {
		entry, err := getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		replaced, err := s.promote(ctx, tx, entry)
		if err != nil {
			return err
		}
		result = &PromoteResult{Entry: entry, ReplacedEntry: replaced}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SQLiteStore) promote(ctx context.Context, tx *txn, entry *Entry) (*Entry, error) {
	switch entry.Status {
	case StatusReady:
		if entry.PreviousEntryID == "" {
			return nil, nil
		}
		return getEntry(ctx, tx, entry.PreviousEntryID)
	case StatusReplaced:
		return entry, nil
	}

	ns, err := getNamespace(ctx, tx, entry.NamespaceID)
	if err != nil {
		return nil, err
	}

	previous, err := readyEntry(ctx, tx, ns.ID, entry.Key)
	if err != nil {
		return nil, err
	}
	if previous != nil && previous.Version > entry.Version {
		// A newer version won already.
		if err := markReplaced(ctx, tx, entry); err != nil {
			return nil, err
		}
		s.logger.Warn("promotion lost to newer version", "entry", entry.ID, "ready", previous.ID)
		return entry, s.enqueueCompletion(ctx, tx, entry.OnComplete, ns, entry, previous.ID, false, ErrStaleVersion.Error())
	}

	if previous != nil {
		if err := markReplaced(ctx, tx, previous); err != nil {
			return nil, err
		}
	}

	previousID := ""
	if previous != nil {
		previousID = previous.ID
	}
	if _, err := tx.ExecContext(ctx, `UPDATE entries SET status = ?, previous_entry_id = ? WHERE id = ?`,
		string(StatusReady), nullString(previousID), entry.ID); err != nil {
		return nil, fmt.Errorf("failed to promote entry %s: %w", entry.ID, err)
	}
	entry.Status = StatusReady
	entry.PreviousEntryID = previousID

	if err := s.enqueueCompletion(ctx, tx, entry.OnComplete, ns, entry, previousID, true, ""); err != nil {
		return nil, err
	}

	if entry.Key != "" {
		stale, err := queryEntries(ctx, tx, `namespace_id = ? AND key = ? AND status = ? AND version < ? AND id != ? ORDER BY version`,
			ns.ID, entry.Key, string(StatusPending), entry.Version, entry.ID)
		if err != nil {
			return nil, err
		}
		for _, e := range stale {
			if err := markReplaced(ctx, tx, e); err != nil {
				return nil, err
			}
			if err := s.enqueueCompletion(ctx, tx, e.OnComplete, ns, e, entry.ID, false, "superseded by version "+strconv.Itoa(entry.Version)); err != nil {
				return nil, err
			}
		}
	}

	s.metrics.promotions.Inc()
	s.logger.Info("entry promoted", "namespace", ns.Name, "key", entry.Key, "entry", entry.ID, "version", entry.Version, "replaced", previousID)
	return previous, nil
}

// FailEntry permanently abandons a pending entry and notifies its handler
// with success=false. Chunks the entry already made searchable are retired
// in bounded steps afterwards. Settled entries are returned unchanged.
func (s *SQLiteStore) FailEntry(ctx context.Context, entryID, reason string) (*Entry, error) {
	var result *Entry
	err := s.update(ctx, "fail_entry", func(tx *txn) error {
		entry, err := getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		result = entry
		if entry.Status != StatusPending {
			return nil
		}
		ns, err := getNamespace(ctx, tx, entry.NamespaceID)
		if err != nil {
			return err
		}
		if err := markReplaced(ctx, tx, entry); err != nil {
			return err
		}
		s.logger.Warn("entry failed", "namespace", ns.Name, "key", entry.Key, "entry", entry.ID, "reason", reason)
		return s.enqueueCompletion(ctx, tx, entry.OnComplete, ns, entry, "", false, reason)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetEntry retrieves an entry by id
func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (*Entry, error) {
	var e *Entry
	err := s.view("get_entry", func(q querier) error {
		var err error
		e, err = getEntry(ctx, q, id)
		return err
	})
	return e, err
}

// GetEntries retrieves entries by id, preserving the order of ids. Unknown
// ids are skipped.
func (s *SQLiteStore) GetEntries(ctx context.Context, ids []string) ([]*Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []*Entry
	err := s.view("get_entries", func(q querier) error {
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		entries, err := queryEntries(ctx, q, `id IN (`+placeholders(len(ids))+`)`, args...)
		if err != nil {
			return err
		}
		byID := make(map[string]*Entry, len(entries))
		for _, e := range entries {
			byID[e.ID] = e
		}
		for _, id := range ids {
			if e, ok := byID[id]; ok {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

// LatestEntry returns the newest version of key in any status, or nil.
func (s *SQLiteStore) LatestEntry(ctx context.Context, namespaceID, key string) (*Entry, error) {
	var e *Entry
	err := s.view("latest_entry", func(q querier) error {
		var err error
		e, err = latestEntry(ctx, q, namespaceID, key)
		return err
	})
	return e, err
}

// FindEntryByContentHash returns the newest pending or ready version of key
// carrying contentHash, or nil.
func (s *SQLiteStore) FindEntryByContentHash(ctx context.Context, namespaceID, key, contentHash string) (*Entry, error) {
	var e *Entry
	err := s.view("find_entry_by_content_hash", func(q querier) error {
		entries, err := queryEntries(ctx, q, `namespace_id = ? AND key = ? AND content_hash = ? AND status != ? ORDER BY version DESC LIMIT 1`,
			namespaceID, key, contentHash, string(StatusReplaced))
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			e = entries[0]
		}
		return nil
	})
	return e, err
}

// ListEntries pages through a namespace's entries in creation order. An empty
// status lists all.
func (s *SQLiteStore) ListEntries(ctx context.Context, namespaceID string, status Status, page PageOptions) (*EntryPage, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}

	var out EntryPage
	err := s.view("list_entries", func(q querier) error {
		where := `namespace_id = ?`
		args := []any{namespaceID}
		if status != "" {
			where += ` AND status = ?`
			args = append(args, string(status))
		}
		if page.Cursor != "" {
			ms, id, err := parseEntryCursor(page.Cursor)
			if err != nil {
				return err
			}
			where += ` AND (created_at, id) > (?, ?)`
			args = append(args, ms, id)
		}
		where += ` ORDER BY created_at, id LIMIT ?`
		args = append(args, limit+1)

		entries, err := queryEntries(ctx, q, where, args...)
		if err != nil {
			return err
		}
		if len(entries) > limit {
			entries = entries[:limit]
			last := entries[limit-1]
			out.NextCursor = strconv.FormatInt(toMillis(last.CreatedAt), 10) + ":" + last.ID
		} else {
			out.IsDone = true
		}
		out.Entries = entries
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func parseEntryCursor(cursor string) (int64, string, error) {
	ms, id, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, "", fmt.Errorf("invalid cursor %q", cursor)
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	return n, id, nil
}
