// Package worker runs the delivery state machine: lease a due job, guard
// against duplicate delivery, check the hourly send budget, send, persist the
// outcome. Rate overflow is a pure reschedule to the next hour boundary and
// never consumes the attempt budget; transport failure retries with
// exponential backoff up to max attempts, then marks the email failed.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"mailflow/internal/domain"
	"mailflow/internal/mailer"
	"mailflow/internal/queue"
	"mailflow/internal/ratelimit"
	"mailflow/internal/store"
)

type Pool struct {
	queue   queue.Queue
	store   store.Store
	counter ratelimit.Counter
	mailer  mailer.Mailer

	sender      string
	maxPerHour  int
	backoffBase time.Duration

	sem       chan struct{}
	pollEvery time.Duration
	pacer     *rate.Limiter // optional smoothing on top of the hourly bucket
	now       func() time.Time
	log       zerolog.Logger
}

type Options struct {
	Sender      string
	MaxPerHour  int
	BackoffBase time.Duration
	Size        int
	PollEvery   time.Duration
	SendsPerSec float64 // 0 disables the pacer
}

func NewPool(q queue.Queue, st store.Store, c ratelimit.Counter, m mailer.Mailer, opts Options, log zerolog.Logger) *Pool {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = 250 * time.Millisecond
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 5 * time.Second
	}
	p := &Pool{
		queue:       q,
		store:       st,
		counter:     c,
		mailer:      m,
		sender:      opts.Sender,
		maxPerHour:  opts.MaxPerHour,
		backoffBase: opts.BackoffBase,
		sem:         make(chan struct{}, opts.Size),
		pollEvery:   opts.PollEvery,
		now:         time.Now,
		log:         log,
	}
	if opts.SendsPerSec > 0 {
		p.pacer = rate.NewLimiter(rate.Limit(opts.SendsPerSec), 1)
	}
	return p
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.drain(ctx)
		}
	}
}

// drain leases every currently-due job, handing each to a pool slot.
func (p *Pool) drain(ctx context.Context) {
	for {
		job, err := p.queue.LeaseNext(ctx, p.now())
		if errors.Is(err, queue.ErrEmpty) {
			return
		}
		if err != nil {
			p.log.Error().Err(err).Msg("lease next job")
			return
		}
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func(j domain.Job) {
			defer func() { <-p.sem }()
			p.deliver(ctx, j)
		}(job)
	}
}

// deliver runs one job through the state machine to completion. A failure to
// ack or re-enqueue is logged and abandoned: the lease expires and the job is
// re-delivered, which the idempotency guard makes safe.
func (p *Pool) deliver(ctx context.Context, j domain.Job) {
	email, err := p.store.GetEmail(ctx, j.EmailID)
	if errors.Is(err, store.ErrNotFound) {
		p.ack(ctx, j)
		return
	}
	if err != nil {
		p.retry(ctx, j, err)
		return
	}

	// Idempotency guard: a re-delivered or duplicated job for an email that
	// already reached a terminal state does nothing.
	if email.Status != domain.StatusPending {
		p.log.Debug().Str("email_id", email.ID).Str("status", email.Status).Msg("skipping already-delivered email")
		p.ack(ctx, j)
		return
	}

	now := p.now()
	count, err := p.counter.IncrementAndCheck(ctx, ratelimit.HourKey(p.sender, now))
	if err != nil {
		p.retry(ctx, j, err)
		return
	}
	if count > p.maxPerHour {
		p.deferToNextHour(ctx, j, now)
		return
	}

	campaign, err := p.store.GetCampaign(ctx, email.CampaignID)
	if err != nil {
		p.retry(ctx, j, err)
		return
	}

	if p.pacer != nil {
		if err := p.pacer.Wait(ctx); err != nil {
			return // shutting down; lease expiry re-delivers
		}
	}

	if err := p.mailer.Send(ctx, p.sender, email.Recipient, campaign.Subject, campaign.Body); err != nil {
		p.retry(ctx, j, err)
		return
	}

	transitioned, err := p.store.MarkSent(ctx, j.EmailID, p.now())
	if err != nil {
		// The mail is out but the status write failed. Retrying can
		// double-send; losing the write would strand the email as pending
		// forever. At-least-once is the contract, so retry.
		p.retry(ctx, j, err)
		return
	}
	if !transitioned {
		p.log.Warn().Str("email_id", j.EmailID).Msg("email reached terminal state concurrently")
	} else {
		p.log.Info().Str("email_id", j.EmailID).Str("recipient", email.Recipient).Int("attempt", j.Attempts+1).Msg("email sent")
	}
	p.ack(ctx, j)
}

// deferToNextHour reschedules the job to the top of the next clock hour with
// the attempt count unchanged. Flow control, not a failure.
func (p *Pool) deferToNextHour(ctx context.Context, j domain.Job, now time.Time) {
	delay := ratelimit.NextHour(now).Sub(now)
	if _, err := p.queue.Enqueue(ctx, domain.Job{
		EmailID:     j.EmailID,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
	}, delay); err != nil {
		p.log.Error().Err(err).Str("email_id", j.EmailID).Msg("reschedule after rate limit")
		return // leave leased; lease expiry re-delivers
	}
	p.log.Info().Str("email_id", j.EmailID).Dur("delay", delay).Msg("hourly send budget exhausted, deferred")
	p.ack(ctx, j)
}

// retry consumes one attempt. Exhausted jobs mark the email failed and stop;
// otherwise the job is re-enqueued with exponential backoff.
func (p *Pool) retry(ctx context.Context, j domain.Job, cause error) {
	attempts := j.Attempts + 1
	if attempts >= j.MaxAttempts {
		transitioned, err := p.store.MarkFailed(ctx, j.EmailID, p.now(), cause.Error())
		if err != nil {
			p.log.Error().Err(err).Str("email_id", j.EmailID).Msg("mark email failed")
			return // leave leased; lease expiry re-delivers
		}
		if transitioned {
			p.log.Error().Err(cause).Str("email_id", j.EmailID).Int("attempts", attempts).Msg("delivery failed terminally")
		}
		p.ack(ctx, j)
		return
	}

	backoff := p.backoffBase * time.Duration(1<<j.Attempts)
	if _, err := p.queue.Enqueue(ctx, domain.Job{
		EmailID:     j.EmailID,
		Attempts:    attempts,
		MaxAttempts: j.MaxAttempts,
	}, backoff); err != nil {
		p.log.Error().Err(err).Str("email_id", j.EmailID).Msg("reschedule after failure")
		return
	}
	p.log.Warn().Err(cause).Str("email_id", j.EmailID).Int("attempt", attempts).Dur("backoff", backoff).Msg("delivery failed, retry scheduled")
	p.ack(ctx, j)
}

func (p *Pool) ack(ctx context.Context, j domain.Job) {
	if err := p.queue.Ack(ctx, j.ID); err != nil {
		p.log.Error().Err(err).Int64("job_id", j.ID).Msg("ack job")
	}
}
