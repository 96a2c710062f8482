package store

import (
	"fmt"
	"strconv"

	"github.com/roach88/carrier/internal/ir"
)

// Enqueue builds a request, appends it as a new entry with zero retries,
// and flushes. A failed flush is logged; the entry is still returned.
func (s *Store) Enqueue(class ir.ServiceClass, endpoint string, params ir.Object) (*PendingEntry, error) {
	req := ir.NewRequest(class, endpoint, params, s.ids, s.clock.Now())
	return s.EnqueueRequest(req)
}

// EnqueueRequest appends a prebuilt request, e.g. one carrying an
// attachment.
func (s *Store) EnqueueRequest(req ir.Request) (*PendingEntry, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("store: enqueue: %w", err)
	}
	if _, err := ir.MarshalCanonical(req.Parameters); err != nil {
		return nil, fmt.Errorf("store: enqueue %s: %w", req.RequestID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	for _, e := range s.entries {
		if e.req.RequestID == req.RequestID {
			return nil, fmt.Errorf("store: enqueue: duplicate request id %s", req.RequestID)
		}
	}

	req.Parameters = req.Parameters.Normalized()
	e := &PendingEntry{req: req, store: s}
	s.entries = append(s.entries, e)
	s.flushOrLog("enqueue")
	return e, nil
}

// Remove drops e by identity and flushes. Removing an entry that is no
// longer pending is a no-op and reports false.
func (s *Store) Remove(e *PendingEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || e == nil {
		return false
	}
	idx := s.indexLocked(e.req.RequestID)
	if idx < 0 {
		return false
	}
	s.entries[idx].removed = true
	s.entries = append(s.entries[:idx], s.entries[idx+1:]...)
	s.flushOrLog("remove")
	return true
}

// MarkRetry increments the retry count, grows the delay with NextDelay, and
// flushes. It returns the new delay in seconds, or false if e is no longer
// pending.
func (s *Store) MarkRetry(e *PendingEntry) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || e == nil {
		return 0, false
	}
	idx := s.indexLocked(e.req.RequestID)
	if idx < 0 {
		return 0, false
	}
	live := s.entries[idx]
	live.retries++
	live.req.RetryDelay = NextDelay(live.req.RetryDelay, s.random.Float64()*MaxJitter)
	s.flushOrLog("mark retry")
	return live.req.RetryDelay, true
}

// MarkInstallMetricSent records that the install metric was acknowledged.
func (s *Store) MarkInstallMetricSent() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.installMetricSent {
		return
	}
	s.installMetricSent = true
	s.flushOrLog("mark install metric sent")
}

// Flush rewrites the persisted snapshot.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.flushLocked()
}

func (s *Store) indexLocked(requestID string) int {
	for i, e := range s.entries {
		if e.req.RequestID == requestID {
			return i
		}
	}
	return -1
}

// flushOrLog flushes and reports failure without failing the mutation.
func (s *Store) flushOrLog(op string) {
	if err := s.flushLocked(); err != nil {
		s.logger.Error("pending store flush failed",
			"op", op,
			"path", s.path,
			"entries", len(s.entries),
			"error", err)
		if s.onFlushError != nil {
			s.onFlushError(err)
		}
	}
}

// flushLocked overwrites meta and pending in a single transaction.
// Caller holds mu.
func (s *Store) flushLocked() error {
	if s.db == nil {
		return fmt.Errorf("flush: database not open")
	}

	rows := make([]row, 0, len(s.entries))
	for _, e := range s.entries {
		r, err := encodeEntry(e)
		if err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		rows = append(rows, r)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("flush: begin: %w", err)
	}
	defer tx.Rollback()

	sent := "0"
	if s.installMetricSent {
		sent = "1"
	}
	meta := [][2]string{
		{metaFormatVersion, strconv.Itoa(currentSchemaVersion)},
		{metaInstallDate, strconv.FormatInt(s.installDate.Unix(), 10)},
		{metaInstallMetricSent, sent},
	}
	for _, kv := range meta {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, kv[0], kv[1]); err != nil {
			return fmt.Errorf("flush: write meta %s: %w", kv[0], err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM pending`); err != nil {
		return fmt.Errorf("flush: clear pending: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO pending
		(position, request_id, service_class, endpoint, parameters, attachment,
		 request_date, retry_delay, retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("flush: prepare: %w", err)
	}
	defer stmt.Close()

	for i, r := range rows {
		if _, err := stmt.Exec(i, r.requestID, r.serviceClass, r.endpoint, r.parameters,
			r.attachment, r.requestDate, r.retryDelay, r.retries); err != nil {
			return fmt.Errorf("flush: write %s: %w", r.requestID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("flush: commit: %w", err)
	}
	return nil
}
