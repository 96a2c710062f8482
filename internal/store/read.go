package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Meta keys.
const (
	metaFormatVersion     = "format_version"
	metaInstallDate       = "install_date"
	metaInstallMetricSent = "install_metric_sent"
)

// load opens the file and reads the persisted snapshot. A missing file is a
// fresh installation, not an error.
func (s *Store) load() error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return s.initFresh()
	}

	if err := s.openDB(); err != nil {
		return err
	}
	if err := applySchema(s.db); err != nil {
		return err
	}

	meta, err := readMeta(s.db)
	if err != nil {
		return err
	}

	raw, ok := meta[metaInstallDate]
	if !ok {
		// Schema exists but nothing was ever flushed into it.
		s.installDate = s.clock.Now().Truncate(time.Second)
		s.installMetricSent = false
		return s.flushLocked()
	}

	if v, ok := meta[metaFormatVersion]; ok && v != strconv.Itoa(currentSchemaVersion) {
		return fmt.Errorf("%w: format_version %s", errNewerFormat, v)
	}

	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("read install_date: %w", err)
	}
	s.installDate = time.Unix(secs, 0).UTC()
	s.installMetricSent = meta[metaInstallMetricSent] == "1"

	entries, err := readEntries(s.db)
	if err != nil {
		return err
	}
	for _, e := range entries {
		e.store = s
	}
	s.entries = entries

	if pruned := s.pruneExpiredLocked(); pruned > 0 {
		s.logger.Info("pruned expired pending entries", "count", pruned, "max_age", s.maxAge)
		return s.flushLocked()
	}

	s.logger.Debug("pending store loaded",
		"path", s.path,
		"entries", len(s.entries),
		"install_date", s.installDate)
	return nil
}

// initFresh creates a new file with a new install date.
func (s *Store) initFresh() error {
	if err := s.openDB(); err != nil {
		return err
	}
	if err := applySchema(s.db); err != nil {
		return err
	}
	s.installDate = s.clock.Now().Truncate(time.Second)
	s.installMetricSent = false
	s.entries = nil
	if err := s.flushLocked(); err != nil {
		return err
	}
	s.logger.Info("pending store initialized", "path", s.path, "install_date", s.installDate)
	return nil
}

func readMeta(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func readEntries(db *sql.DB) ([]*PendingEntry, error) {
	rows, err := db.Query(`
		SELECT request_id, service_class, endpoint, parameters, attachment,
		       request_date, retry_delay, retries
		FROM pending
		ORDER BY position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("read pending: %w", err)
	}
	defer rows.Close()

	var entries []*PendingEntry
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.requestID, &r.serviceClass, &r.endpoint, &r.parameters,
			&r.attachment, &r.requestDate, &r.retryDelay, &r.retries); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		e, err := r.decode()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// pruneExpiredLocked drops entries older than maxAge. Caller holds mu or
// has exclusive access during load.
func (s *Store) pruneExpiredLocked() int {
	if s.maxAge <= 0 {
		return 0
	}
	cutoff := s.clock.Now().Add(-s.maxAge).Unix()
	kept := s.entries[:0]
	pruned := 0
	for _, e := range s.entries {
		if e.req.RequestDate < cutoff {
			e.removed = true
			pruned++
			s.logger.Warn("dropping expired pending entry",
				"request_id", e.req.RequestID,
				"endpoint", e.req.Endpoint,
				"retries", e.retries)
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return pruned
}
