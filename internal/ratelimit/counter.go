// Package ratelimit implements the sliding-hour send counter. One bucket per
// sender identity per UTC clock hour; callers treat a post-increment count
// above their limit as "this hour's budget is exhausted".
package ratelimit

import (
	"context"
	"database/sql"
	"time"
)

const bucketTTL = time.Hour

// HourKey derives the bucket key for a sender at time t, e.g.
// "no-reply@example.com|2025-01-01T13".
func HourKey(sender string, t time.Time) string {
	return sender + "|" + t.UTC().Format("2006-01-02T15")
}

// NextHour returns the start of the clock hour following t.
func NextHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}

// EnsureSchema creates the rate bucket table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS rate_buckets (
  bucket TEXT PRIMARY KEY,
  count INTEGER NOT NULL,
  expires_at DATETIME NOT NULL
);`)
	return err
}

type Counter interface {
	// IncrementAndCheck atomically increments the bucket and returns the
	// post-increment count. The expiry is set on first increment only.
	IncrementAndCheck(ctx context.Context, bucket string) (int, error)
}

type sqliteCounter struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteCounter(db *sql.DB) Counter {
	return &sqliteCounter{db: db, now: time.Now}
}

func (c *sqliteCounter) IncrementAndCheck(ctx context.Context, bucket string) (int, error) {
	now := c.now().UTC()

	// Expired buckets are purged opportunistically; bucket keys embed the
	// hour label, so a stale row can never be re-read as current anyway.
	_, _ = c.db.ExecContext(ctx, `DELETE FROM rate_buckets WHERE expires_at <= ?`, now)

	var count int
	err := c.db.QueryRowContext(ctx, `
INSERT INTO rate_buckets (bucket,count,expires_at) VALUES (?,1,?)
ON CONFLICT(bucket) DO UPDATE SET count = count + 1
RETURNING count
`, bucket, now.Add(bucketTTL)).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
