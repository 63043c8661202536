// Package scheduler turns a campaign submission into time-staggered delivery
// jobs: one email row plus one delayed queue job per recipient.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"mailflow/internal/domain"
	"mailflow/internal/queue"
	"mailflow/internal/store"
)

// ValidationError rejects a bad submission before anything is persisted.
type ValidationError struct{ msg string }

func (e *ValidationError) Error() string { return e.msg }

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

type SubmitRequest struct {
	Subject      string
	Body         string
	Recipients   []string
	StartTime    string // RFC 3339
	DelaySeconds int
}

type Service struct {
	store           store.Store
	queue           queue.Queue
	minDelaySeconds int
	maxAttempts     int
	now             func() time.Time
	log             zerolog.Logger
}

func NewService(st store.Store, q queue.Queue, minDelaySeconds, maxAttempts int, log zerolog.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		store:           st,
		queue:           q,
		minDelaySeconds: minDelaySeconds,
		maxAttempts:     maxAttempts,
		now:             time.Now,
		log:             log,
	}
}

// Submit validates the request, creates the campaign and its email rows, and
// enqueues one delivery job per recipient. Recipient order is preserved:
// recipient i is scheduled at startTime + i*delay. Each email row is durably
// created before its job is enqueued, so a worker that dequeues early never
// finds a missing row.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Subject == "" {
		return "", validationf("subject is required")
	}
	if req.Body == "" {
		return "", validationf("body is required")
	}
	if len(req.Recipients) == 0 {
		return "", validationf("at least one recipient is required")
	}
	for i, r := range req.Recipients {
		if r == "" {
			return "", validationf("recipient %d is empty", i)
		}
	}
	if req.DelaySeconds <= 0 {
		return "", validationf("delay must be positive")
	}
	if req.DelaySeconds < s.minDelaySeconds {
		return "", validationf("delay must be at least %d seconds", s.minDelaySeconds)
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		return "", validationf("invalid start time %q: must be RFC 3339", req.StartTime)
	}

	campaignID, err := s.store.CreateCampaign(ctx, domain.Campaign{
		Subject:      req.Subject,
		Body:         req.Body,
		StartTime:    start,
		DelaySeconds: req.DelaySeconds,
	})
	if err != nil {
		return "", fmt.Errorf("create campaign: %w", err)
	}

	now := s.now()
	for i, recipient := range req.Recipients {
		scheduledAt := start.Add(time.Duration(i) * time.Duration(req.DelaySeconds) * time.Second)
		emailID, err := s.store.CreateEmail(ctx, domain.Email{
			CampaignID:  campaignID,
			Recipient:   recipient,
			ScheduledAt: scheduledAt,
		})
		if err != nil {
			// Emails created so far stay pending; the rebuild sweep
			// re-enqueues anything this leaves behind.
			return campaignID, fmt.Errorf("create email for %s: %w", recipient, err)
		}
		if _, err := s.queue.Enqueue(ctx, domain.Job{
			EmailID:     emailID,
			MaxAttempts: s.maxAttempts,
		}, scheduledAt.Sub(now)); err != nil {
			return campaignID, fmt.Errorf("enqueue delivery for %s: %w", recipient, err)
		}
	}

	s.log.Info().
		Str("campaign_id", campaignID).
		Int("recipients", len(req.Recipients)).
		Int("delay_seconds", req.DelaySeconds).
		Time("start", start).
		Msg("campaign scheduled")
	return campaignID, nil
}

// Rebuild re-enqueues a delivery job for every pending email that has none,
// recovering work dropped by a crash mid-submission. Safe to run repeatedly:
// emails with a live job are skipped, and a redundant job for a pending email
// is de-duplicated at delivery time by the worker's idempotency guard.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	emails, err := s.store.PendingWithoutJob(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan pending emails: %w", err)
	}

	now := s.now()
	rebuilt := 0
	for _, e := range emails {
		if _, err := s.queue.Enqueue(ctx, domain.Job{
			EmailID:     e.ID,
			MaxAttempts: s.maxAttempts,
		}, e.ScheduledAt.Sub(now)); err != nil {
			return rebuilt, fmt.Errorf("re-enqueue %s: %w", e.ID, err)
		}
		rebuilt++
	}
	if rebuilt > 0 {
		s.log.Info().Int("rebuilt", rebuilt).Msg("re-enqueued orphaned pending emails")
	}
	return rebuilt, nil
}
