package mailer

import (
	"context"
	"fmt"
	"time"

	mail "gopkg.in/gomail.v2"
)

// Mailer is the outbound mail transport consumed by the delivery worker.
type Mailer interface {
	Send(ctx context.Context, from, to, subject, body string) error
}

// SMTP sends through an SMTP relay. Each Send dials a fresh connection;
// delivery volume is already throttled upstream so connection reuse isn't
// worth the session bookkeeping.
type SMTP struct {
	host     string
	port     int
	username string
	password string
	timeout  time.Duration
}

func NewSMTP(host string, port int, username, password string, timeout time.Duration) *SMTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTP{host: host, port: port, username: username, password: password, timeout: timeout}
}

func (s *SMTP) Send(ctx context.Context, from, to, subject, body string) error {
	m := mail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	d := mail.NewDialer(s.host, s.port, s.username, s.password)

	// gomail has no context support; bound the dial+send ourselves.
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- d.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return fmt.Errorf("smtp send to %s: %w", to, ctx.Err())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", to, err)
		}
		return nil
	}
}
