package domain

import "time"

// Email delivery statuses. Sent and failed are terminal.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Campaign is one submitted batch of recipients sharing subject, body and
// schedule. Immutable once created.
type Campaign struct {
	ID           string
	Subject      string
	Body         string
	StartTime    time.Time
	DelaySeconds int
	CreatedAt    time.Time
}

// Email is one recipient's delivery record within a campaign.
type Email struct {
	ID          string
	CampaignID  string
	Recipient   string
	ScheduledAt time.Time
	Status      string
	SentAt      *time.Time
	LastError   *string
	DedupKey    string
	CreatedAt   time.Time
}

// Job is a transient queued unit of delivery work for one Email. The Email
// row, not the Job, is the durable source of truth: a lost Job for a pending
// Email is recoverable by re-enqueueing.
type Job struct {
	ID          int64
	EmailID     string
	NotBefore   time.Time
	Attempts    int
	MaxAttempts int
}
