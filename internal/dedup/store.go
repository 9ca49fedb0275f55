// Package dedup tracks which messages have been processed so that a
// message seen by both detection paths, or re-seen after a restart,
// results in at most one task. State is kept in SQLite so correctness
// does not depend on process lifetime.
package dedup

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/twiede/mailtask/internal/mailbox"

	_ "modernc.org/sqlite"
)

// Outcome records how processing a fingerprint ended.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeCreated Outcome = "created"
	OutcomeSkipped Outcome = "skipped_not_actionable"
	OutcomeFailed  Outcome = "failed"
)

// Fingerprint derives the dedup key for a message. It is built from the
// message identifier and the account, never from content, so an edited
// redelivery of the same message cannot bypass the gate.
func Fingerprint(account, messageID string) string {
	sum := sha256.Sum256([]byte(account + "\x00" + messageID))
	return hex.EncodeToString(sum[:])
}

// Record is one processed-message entry. The message snapshot is kept
// so a failed record can be retried after a restart without refetching
// mail.
type Record struct {
	Fingerprint string
	Message     mailbox.Message
	Outcome     Outcome
	Reason      string
	TaskRef     string
	Attempts    int
	Parked      bool
	ProcessedAt time.Time
	UpdatedAt   time.Time
}

// Counts summarizes stored outcomes for the status surface.
type Counts struct {
	Pending int `json:"pending"`
	Created int `json:"created"`
	Skipped int `json:"skipped_not_actionable"`
	Failed  int `json:"failed"`
	Parked  int `json:"parked"`
}

// Store is the persistent processed-message set. All mutation goes
// through its atomic operations; callers never read-then-write. Any
// storage error fails closed: the message is not admitted and the
// caller retries it later.
type Store struct {
	db          *sql.DB
	maxAttempts int
}

// NewStore opens (or creates) the database at the given path and runs
// migrations. maxAttempts is the retry budget after which a failed
// record is parked for manual review.
func NewStore(dbPath string, maxAttempts int) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows one writer at a time. Without a single-connection
	// pool, concurrent admissions race for the write lock and fail with
	// SQLITE_BUSY instead of serializing.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Store{db: db, maxAttempts: maxAttempts}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS processed (
	fingerprint  TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL,
	sender       TEXT NOT NULL DEFAULT '',
	subject      TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL DEFAULT '',
	received_at  TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL DEFAULT 'pending',
	reason       TEXT NOT NULL DEFAULT '',
	task_ref     TEXT NOT NULL DEFAULT '',
	attempts     INTEGER NOT NULL DEFAULT 0,
	parked       INTEGER NOT NULL DEFAULT 0,
	processed_at TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS marks (
	source TEXT PRIMARY KEY,
	mark   TEXT NOT NULL DEFAULT ''
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Admit atomically checks-and-inserts a fingerprint. It returns true
// only for the caller that first inserts it; every later caller with
// the same fingerprint, concurrent ones included, gets false.
func (s *Store) Admit(ctx context.Context, fingerprint string, msg mailbox.Message) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed (fingerprint, message_id, sender, subject, body, received_at, outcome, processed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO NOTHING`,
		fingerprint, msg.ID, msg.From, msg.Subject, msg.Text,
		msg.Date.UTC().Format(time.RFC3339), string(OutcomePending), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("admit fingerprint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("admit fingerprint: %w", err)
	}
	return n > 0, nil
}

// CommitOutcome records a terminal successful outcome (created or
// skipped) for an admitted fingerprint.
func (s *Store) CommitOutcome(ctx context.Context, fingerprint string, outcome Outcome, taskRef string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE processed SET outcome = ?, task_ref = ?, reason = '', updated_at = ?
		WHERE fingerprint = ?`,
		string(outcome), taskRef, now, fingerprint,
	)
	if err != nil {
		return fmt.Errorf("commit outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit outcome: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("commit outcome: fingerprint %s not admitted", fingerprint)
	}
	return nil
}

// CommitFailure records a failed attempt. The fingerprint stays
// admitted; once the attempt counter reaches the retry budget, or the
// failure is permanent, the record is parked and no longer retried.
func (s *Store) CommitFailure(ctx context.Context, fingerprint, reason string, permanent bool) (attempts int, parked bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("commit failure: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		"SELECT attempts FROM processed WHERE fingerprint = ?", fingerprint,
	).Scan(&attempts); err != nil {
		return 0, false, fmt.Errorf("commit failure: %w", err)
	}

	attempts++
	parked = permanent || attempts >= s.maxAttempts

	now := time.Now().UTC().Format(time.RFC3339)
	parkedInt := 0
	if parked {
		parkedInt = 1
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE processed SET outcome = ?, reason = ?, attempts = ?, parked = ?, updated_at = ?
		WHERE fingerprint = ?`,
		string(OutcomeFailed), reason, attempts, parkedInt, now, fingerprint,
	); err != nil {
		return 0, false, fmt.Errorf("commit failure: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit failure: %w", err)
	}
	return attempts, parked, nil
}

// IsKnown reports whether a fingerprint has ever been admitted.
func (s *Store) IsKnown(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM processed WHERE fingerprint = ?", fingerprint,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup fingerprint: %w", err)
	}
	return true, nil
}

// Get returns the stored record for a fingerprint.
func (s *Store) Get(ctx context.Context, fingerprint string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, message_id, sender, subject, body, received_at,
		       outcome, reason, task_ref, attempts, parked, processed_at, updated_at
		FROM processed WHERE fingerprint = ?`, fingerprint)
	return scanRecord(row)
}

// Reset clears all dedup state. Administrative operation only; nothing
// in the normal flow ever deletes a record.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM processed"); err != nil {
		return fmt.Errorf("reset processed: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM marks"); err != nil {
		return fmt.Errorf("reset marks: %w", err)
	}
	return nil
}

// Counts returns outcome totals.
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT outcome, parked, COUNT(*) FROM processed GROUP BY outcome, parked")
	if err != nil {
		return Counts{}, fmt.Errorf("count outcomes: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var outcome string
		var parked, n int
		if err := rows.Scan(&outcome, &parked, &n); err != nil {
			return Counts{}, fmt.Errorf("count outcomes: %w", err)
		}
		switch Outcome(outcome) {
		case OutcomePending:
			c.Pending += n
		case OutcomeCreated:
			c.Created += n
		case OutcomeSkipped:
			c.Skipped += n
		case OutcomeFailed:
			c.Failed += n
			if parked == 1 {
				c.Parked += n
			}
		}
	}
	return c, rows.Err()
}

// ListRetryable returns failed, unparked records whose last attempt is
// older than the retry interval, oldest first.
func (s *Store) ListRetryable(ctx context.Context, olderThan time.Duration, limit int) ([]Record, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx, `
		SELECT fingerprint, message_id, sender, subject, body, received_at,
		       outcome, reason, task_ref, attempts, parked, processed_at, updated_at
		FROM processed
		WHERE outcome = ? AND parked = 0 AND updated_at <= ?
		ORDER BY updated_at
		LIMIT ?`,
		string(OutcomeFailed), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("list retryable: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// HighWaterMark returns the stored mark for a detector source, or ""
// when none has been recorded yet.
func (s *Store) HighWaterMark(ctx context.Context, source string) (string, error) {
	var mark string
	err := s.db.QueryRowContext(ctx,
		"SELECT mark FROM marks WHERE source = ?", source,
	).Scan(&mark)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load high-water mark: %w", err)
	}
	return mark, nil
}

// SetHighWaterMark stores the mark for a detector source.
func (s *Store) SetHighWaterMark(ctx context.Context, source, mark string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO marks (source, mark) VALUES (?, ?)
		ON CONFLICT(source) DO UPDATE SET mark = excluded.mark`,
		source, mark)
	if err != nil {
		return fmt.Errorf("store high-water mark: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var outcome, receivedAt, processedAt, updatedAt string
	var parked int
	if err := row.Scan(
		&rec.Fingerprint, &rec.Message.ID, &rec.Message.From, &rec.Message.Subject,
		&rec.Message.Text, &receivedAt, &outcome, &rec.Reason, &rec.TaskRef,
		&rec.Attempts, &parked, &processedAt, &updatedAt,
	); err != nil {
		return Record{}, err
	}
	rec.Outcome = Outcome(outcome)
	rec.Parked = parked == 1
	rec.Message.Date, _ = time.Parse(time.RFC3339, receivedAt)
	rec.ProcessedAt, _ = time.Parse(time.RFC3339, processedAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return rec, nil
}
