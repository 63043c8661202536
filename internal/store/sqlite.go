package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"mailflow/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates the campaign and email tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS campaigns (
  id TEXT PRIMARY KEY,
  subject TEXT NOT NULL,
  body TEXT NOT NULL,
  start_time DATETIME NOT NULL,
  delay_seconds INTEGER NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS emails (
  id TEXT PRIMARY KEY,
  campaign_id TEXT NOT NULL,
  recipient TEXT NOT NULL,
  scheduled_at DATETIME NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','sent','failed')) DEFAULT 'pending',
  sent_at DATETIME,
  last_error TEXT,
  dedup_key TEXT NOT NULL UNIQUE,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(campaign_id) REFERENCES campaigns(id)
);
CREATE INDEX IF NOT EXISTS idx_emails_status_sched ON emails(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_emails_campaign ON emails(campaign_id);
`
	_, err := db.Exec(schema)
	return err
}

// EmailView is an email row joined with its campaign subject, the shape the
// listing endpoints expose.
type EmailView struct {
	ID          string     `json:"id"`
	Recipient   string     `json:"recipient"`
	Subject     string     `json:"subject"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

type Store interface {
	CreateCampaign(ctx context.Context, c domain.Campaign) (string, error)
	CreateEmail(ctx context.Context, e domain.Email) (string, error)
	GetCampaign(ctx context.Context, id string) (domain.Campaign, error)
	GetEmail(ctx context.Context, id string) (domain.Email, error)

	// MarkSent and MarkFailed are conditional on status='pending' and report
	// whether the row actually transitioned. Losing the race against another
	// delivery of the same email is not an error.
	MarkSent(ctx context.Context, id string, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, at time.Time, lastError string) (bool, error)

	ListPending(ctx context.Context) ([]EmailView, error)
	ListSent(ctx context.Context) ([]EmailView, error)
	ListFailed(ctx context.Context) ([]EmailView, error)

	// PendingWithoutJob returns pending emails with no live row in the jobs
	// table, i.e. deliveries dropped by a crash between email creation and
	// enqueue. Used by the queue rebuild sweep.
	PendingWithoutJob(ctx context.Context) ([]domain.Email, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) CreateCampaign(ctx context.Context, c domain.Campaign) (string, error) {
	id := c.ID
	if id == "" {
		id = "cmp_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO campaigns (id,subject,body,start_time,delay_seconds,created_at)
VALUES (?,?,?,?,?,CURRENT_TIMESTAMP)
`, id, c.Subject, c.Body, c.StartTime.UTC(), c.DelaySeconds)
	return id, err
}

func (s *sqliteStore) CreateEmail(ctx context.Context, e domain.Email) (string, error) {
	id := e.ID
	if id == "" {
		id = "eml_" + uuid.NewString()
	}
	dedup := e.DedupKey
	if dedup == "" {
		dedup = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO emails (id,campaign_id,recipient,scheduled_at,status,dedup_key,created_at)
VALUES (?,?,?,?,'pending',?,CURRENT_TIMESTAMP)
`, id, e.CampaignID, e.Recipient, e.ScheduledAt.UTC(), dedup)
	return id, err
}

func (s *sqliteStore) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,subject,body,start_time,delay_seconds,created_at FROM campaigns WHERE id=?`, id)
	var c domain.Campaign
	err := row.Scan(&c.ID, &c.Subject, &c.Body, &c.StartTime, &c.DelaySeconds, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Campaign{}, ErrNotFound
	}
	if err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

func (s *sqliteStore) GetEmail(ctx context.Context, id string) (domain.Email, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,campaign_id,recipient,scheduled_at,status,sent_at,last_error,dedup_key,created_at
FROM emails WHERE id=?`, id)
	return scanEmail(row)
}

func scanEmail(row *sql.Row) (domain.Email, error) {
	var e domain.Email
	var sentAt sql.NullTime
	var lastErr sql.NullString
	err := row.Scan(&e.ID, &e.CampaignID, &e.Recipient, &e.ScheduledAt, &e.Status, &sentAt, &lastErr, &e.DedupKey, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Email{}, ErrNotFound
	}
	if err != nil {
		return domain.Email{}, err
	}
	if sentAt.Valid {
		t := sentAt.Time
		e.SentAt = &t
	}
	if lastErr.Valid {
		s := lastErr.String
		e.LastError = &s
	}
	return e, nil
}

func (s *sqliteStore) MarkSent(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE emails SET status='sent', sent_at=?, last_error=NULL
WHERE id=? AND status='pending'`, at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, at time.Time, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE emails SET status='failed', sent_at=?, last_error=?
WHERE id=? AND status='pending'`, at.UTC(), lastError, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) ListPending(ctx context.Context) ([]EmailView, error) {
	return s.listViews(ctx, `
SELECT e.id,e.recipient,c.subject,e.status,e.scheduled_at,e.sent_at,e.last_error
FROM emails e JOIN campaigns c ON c.id=e.campaign_id
WHERE e.status='pending' ORDER BY e.scheduled_at ASC`)
}

func (s *sqliteStore) ListSent(ctx context.Context) ([]EmailView, error) {
	return s.listViews(ctx, `
SELECT e.id,e.recipient,c.subject,e.status,e.scheduled_at,e.sent_at,e.last_error
FROM emails e JOIN campaigns c ON c.id=e.campaign_id
WHERE e.status='sent' ORDER BY e.sent_at DESC`)
}

func (s *sqliteStore) ListFailed(ctx context.Context) ([]EmailView, error) {
	return s.listViews(ctx, `
SELECT e.id,e.recipient,c.subject,e.status,e.scheduled_at,e.sent_at,e.last_error
FROM emails e JOIN campaigns c ON c.id=e.campaign_id
WHERE e.status='failed' ORDER BY e.sent_at DESC`)
}

func (s *sqliteStore) listViews(ctx context.Context, query string) ([]EmailView, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var views []EmailView
	for rows.Next() {
		var v EmailView
		var sentAt sql.NullTime
		var lastErr sql.NullString
		if err := rows.Scan(&v.ID, &v.Recipient, &v.Subject, &v.Status, &v.ScheduledAt, &sentAt, &lastErr); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			t := sentAt.Time
			v.SentAt = &t
		}
		if lastErr.Valid {
			s := lastErr.String
			v.LastError = &s
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// PendingWithoutJob leans on the jobs table living in the same database file
// (see internal/queue).
func (s *sqliteStore) PendingWithoutJob(ctx context.Context) ([]domain.Email, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT e.id,e.campaign_id,e.recipient,e.scheduled_at,e.status,e.sent_at,e.last_error,e.dedup_key,e.created_at
FROM emails e LEFT JOIN jobs j ON j.email_id = e.id
WHERE e.status='pending' AND j.id IS NULL
ORDER BY e.scheduled_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var emails []domain.Email
	for rows.Next() {
		var e domain.Email
		var sentAt sql.NullTime
		var lastErr sql.NullString
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.Recipient, &e.ScheduledAt, &e.Status, &sentAt, &lastErr, &e.DedupKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			t := sentAt.Time
			e.SentAt = &t
		}
		if lastErr.Valid {
			s := lastErr.String
			e.LastError = &s
		}
		emails = append(emails, e)
	}
	return emails, rows.Err()
}
