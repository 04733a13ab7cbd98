package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/liliang-cn/sqrag/internal/encoding"
)

// CompletionHandler receives entry completion notifications. A handler may
// be invoked more than once for the same notification and should be
// idempotent. Store calls made from a handler must use the context it was
// given.
type CompletionHandler func(ctx context.Context, c Completion) error

// RegisterCompletionHandler registers h under name. Entries refer to handlers
// by name so notifications survive restarts.
func (s *SQLiteStore) RegisterCompletionHandler(name string, h CompletionHandler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	if h == nil {
		delete(s.handlers, name)
		return
	}
	s.handlers[name] = h
}

func (s *SQLiteStore) handler(name string) CompletionHandler {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	return s.handlers[name]
}

// enqueueCompletion records a notification in the outbox of the current
// transaction. An empty handler name is a no-op.
func (s *SQLiteStore) enqueueCompletion(ctx context.Context, tx *txn, handler string, ns *Namespace, e *Entry, previousID string, success bool, reason string) error {
	if handler == "" {
		return nil
	}
	payload, err := encoding.Marshal(Completion{
		Namespace:       ns.Name,
		NamespaceID:     ns.ID,
		Key:             e.Key,
		EntryID:         e.ID,
		PreviousEntryID: previousID,
		Success:         success,
		Error:           reason,
	})
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO completion_outbox (handler, payload, created_at) VALUES (?, ?, ?)`,
		handler, payload, toMillis(tx.now)); err != nil {
		return fmt.Errorf("failed to queue completion: %w", err)
	}
	tx.notified = true
	return nil
}

type outboxRow struct {
	seq        int64
	handler    string
	completion Completion
}

// DispatchCompletions delivers queued notifications in the order they were
// written. A row is removed once its handler returns nil. Rows whose handler
// is not registered, or whose handler fails, stay queued for the next call.
func (s *SQLiteStore) DispatchCompletions(ctx context.Context) error {
	if ctx.Value(dispatchingKey{}) != nil {
		s.dispatchWanted.Store(true)
		return nil
	}
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	return s.dispatchLocked(ctx)
}

// dispatchingKey marks the context handed to completion handlers so that
// writes made by a handler do not wait on the dispatch that is running it.
type dispatchingKey struct{}

// dispatchAfterCommit is called after every committing write that queued a
// notification. It returns once the notification was offered to its handler:
// a caller waits for a dispatch running on another goroutine to finish and
// then dispatches itself. Writes made from inside a handler leave their rows
// to the dispatcher further up the stack, which re-reads the outbox before it
// returns.
func (s *SQLiteStore) dispatchAfterCommit(ctx context.Context) {
	nested := ctx.Value(dispatchingKey{}) != nil
	s.dispatchWanted.Store(true)
	for s.dispatchWanted.Load() {
		if nested {
			if !s.dispatchMu.TryLock() {
				return
			}
		} else {
			s.dispatchMu.Lock()
		}
		s.dispatchWanted.Store(false)
		err := s.dispatchLocked(ctx)
		s.dispatchMu.Unlock()
		if err != nil {
			s.logger.Warn("completion dispatch incomplete", "error", err)
		}
	}
}

func (s *SQLiteStore) dispatchLocked(ctx context.Context) error {
	ctx = context.WithValue(ctx, dispatchingKey{}, true)
	var (
		errs    []error
		lastSeq int64
	)
	for {
		pending, err := s.readOutbox(ctx, lastSeq)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		if len(pending) == 0 {
			return errors.Join(errs...)
		}
		for _, row := range pending {
			lastSeq = row.seq
			if err := s.deliver(ctx, row); err != nil {
				errs = append(errs, err)
			}
		}
	}
}

func (s *SQLiteStore) readOutbox(ctx context.Context, afterSeq int64) ([]outboxRow, error) {
	var pending []outboxRow
	err := s.view("dispatch_completions", func(q querier) error {
		rows, err := q.QueryContext(ctx, `SELECT seq, handler, payload FROM completion_outbox WHERE seq > ? ORDER BY seq LIMIT 100`, afterSeq)
		if err != nil {
			return fmt.Errorf("failed to read outbox: %w", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				row     outboxRow
				payload []byte
			)
			if err := rows.Scan(&row.seq, &row.handler, &payload); err != nil {
				return err
			}
			if err := encoding.Unmarshal(payload, &row.completion); err != nil {
				return fmt.Errorf("outbox row %d: %w", row.seq, err)
			}
			pending = append(pending, row)
		}
		return rows.Err()
	})
	return pending, err
}

func (s *SQLiteStore) deliver(ctx context.Context, row outboxRow) error {
	h := s.handler(row.handler)
	if h == nil {
		s.logger.Warn("no completion handler registered", "handler", row.handler, "entry", row.completion.EntryID)
		return nil
	}
	if err := h(ctx, row.completion); err != nil {
		s.metrics.completions.WithLabelValues("error").Inc()
		s.logger.Warn("completion handler failed", "handler", row.handler, "entry", row.completion.EntryID, "error", err)
		return fmt.Errorf("handler %s for entry %s: %w", row.handler, row.completion.EntryID, err)
	}
	s.metrics.completions.WithLabelValues("ok").Inc()
	_, err := s.commit(ctx, "dispatch_completions", func(tx *txn) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM completion_outbox WHERE seq = ?`, row.seq)
		return err
	})
	return err
}

// PendingCompletions returns the number of undelivered notifications
func (s *SQLiteStore) PendingCompletions(ctx context.Context) (int, error) {
	var n int
	err := s.view("pending_completions", func(q querier) error {
		return q.QueryRowContext(ctx, `SELECT COUNT(*) FROM completion_outbox`).Scan(&n)
	})
	return n, err
}
