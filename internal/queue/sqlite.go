// Package queue implements the delayed job queue: jobs become visible to
// consumers only once their not_before time has passed. Leasing a job hides
// it for a visibility window; a consumer that dies without Ack'ing loses the
// lease and the job is re-delivered (at-least-once).
package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mailflow/internal/domain"
)

var ErrEmpty = errors.New("no jobs due")

// EnsureSchema creates the jobs table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS jobs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  email_id TEXT NOT NULL,
  not_before DATETIME NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  state TEXT NOT NULL CHECK(state IN ('queued','leased')) DEFAULT 'queued',
  lease_until DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(state, not_before);
CREATE INDEX IF NOT EXISTS idx_jobs_email ON jobs(email_id);
`
	_, err := db.Exec(schema)
	return err
}

type Queue interface {
	// Enqueue makes j eligible for delivery no earlier than now + delay.
	// Rescheduling is a fresh Enqueue of the same logical job followed by an
	// Ack of the instance currently held.
	Enqueue(ctx context.Context, j domain.Job, delay time.Duration) (int64, error)
	// LeaseNext returns the due job with the smallest not_before (ties by
	// insertion order) and hides it until the visibility window expires.
	// Returns ErrEmpty when nothing is due.
	LeaseNext(ctx context.Context, now time.Time) (domain.Job, error)
	// Ack removes a processed job.
	Ack(ctx context.Context, id int64) error
	// RecoverStale returns leased jobs with expired leases to the queue.
	RecoverStale(ctx context.Context, now time.Time) (int, error)
}

type sqliteQueue struct {
	db         *sql.DB
	visibility time.Duration
	now        func() time.Time
}

func NewSQLiteQueue(db *sql.DB, visibility time.Duration) Queue {
	if visibility <= 0 {
		visibility = time.Minute
	}
	return &sqliteQueue{db: db, visibility: visibility, now: time.Now}
}

func (q *sqliteQueue) Enqueue(ctx context.Context, j domain.Job, delay time.Duration) (int64, error) {
	if delay < 0 {
		delay = 0
	}
	maxAttempts := j.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	notBefore := q.now().UTC().Add(delay)
	res, err := q.db.ExecContext(ctx, `
INSERT INTO jobs (email_id,not_before,attempts,max_attempts,state,created_at,updated_at)
VALUES (?,?,?,?,'queued',CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, j.EmailID, notBefore, j.Attempts, maxAttempts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (q *sqliteQueue) LeaseNext(ctx context.Context, now time.Time) (domain.Job, error) {
	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Job{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id,email_id,not_before,attempts,max_attempts
FROM jobs
WHERE state='queued' AND not_before <= ?
ORDER BY not_before ASC, id ASC
LIMIT 1
`, now.UTC())
	var j domain.Job
	err = row.Scan(&j.ID, &j.EmailID, &j.NotBefore, &j.Attempts, &j.MaxAttempts)
	if err == sql.ErrNoRows {
		if rbErr := tx.Rollback(); rbErr != nil {
			return domain.Job{}, rbErr
		}
		return domain.Job{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, err
	}

	_, err = tx.ExecContext(ctx, `
UPDATE jobs SET state='leased', lease_until=?, updated_at=CURRENT_TIMESTAMP WHERE id=?
`, now.UTC().Add(q.visibility), j.ID)
	if err != nil {
		return domain.Job{}, err
	}

	if err = tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

func (q *sqliteQueue) Ack(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	return err
}

func (q *sqliteQueue) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs
SET state='queued', lease_until=NULL, updated_at=CURRENT_TIMESTAMP
WHERE state='leased' AND lease_until <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
