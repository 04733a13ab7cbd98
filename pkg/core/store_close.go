package core

// Close closes the database connection. Pending completion notifications
// stay in the outbox and are delivered by the next DispatchCompletions.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return wrapError("close", err)
		}
	}

	s.logger.Info("database connection closed")

	return nil
}
