package scheduler

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"mailflow/internal/domain"
	"mailflow/internal/queue"
	"mailflow/internal/store"
)

func newTestService(t *testing.T, minDelaySeconds int) (*Service, store.Store, queue.Queue, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))

	st := store.NewSQLiteStore(db)
	q := queue.NewSQLiteQueue(db, time.Minute)
	svc := NewService(st, q, minDelaySeconds, 3, zerolog.Nop())
	return svc, st, q, db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestSubmitStaggersRecipients(t *testing.T) {
	svc, st, _, db := newTestService(t, 1)
	ctx := context.Background()
	start := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	campaignID, err := svc.Submit(ctx, SubmitRequest{
		Subject:      "Hi",
		Body:         "B",
		Recipients:   []string{"a@x.com", "b@x.com", "c@x.com"},
		StartTime:    start.Format(time.RFC3339),
		DelaySeconds: 60,
	})
	require.NoError(t, err)
	require.NotEmpty(t, campaignID)

	pending, err := st.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)

	// Recipient i is scheduled at start + i*delay, in list order.
	require.Equal(t, "a@x.com", pending[0].Recipient)
	require.Equal(t, "b@x.com", pending[1].Recipient)
	require.Equal(t, "c@x.com", pending[2].Recipient)
	for i, v := range pending {
		require.WithinDuration(t, start.Add(time.Duration(i)*time.Minute), v.ScheduledAt, time.Second)
	}

	// One delivery job per recipient, due at the scheduled times.
	require.Equal(t, 3, countRows(t, db, "jobs"))
	rows, err := db.Query("SELECT not_before FROM jobs ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()
	i := 0
	for rows.Next() {
		var notBefore time.Time
		require.NoError(t, rows.Scan(&notBefore))
		require.WithinDuration(t, start.Add(time.Duration(i)*time.Minute), notBefore, 2*time.Second)
		i++
	}
	require.NoError(t, rows.Err())
}

func TestSubmitPastStartIsDueImmediately(t *testing.T) {
	svc, _, q, _ := newTestService(t, 1)
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitRequest{
		Subject:      "Hi",
		Body:         "B",
		Recipients:   []string{"a@x.com"},
		StartTime:    time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339),
		DelaySeconds: 60,
	})
	require.NoError(t, err)

	j, err := q.LeaseNext(ctx, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, j.EmailID)
}

func TestSubmitValidation(t *testing.T) {
	valid := SubmitRequest{
		Subject:      "Hi",
		Body:         "B",
		Recipients:   []string{"a@x.com"},
		StartTime:    time.Now().UTC().Format(time.RFC3339),
		DelaySeconds: 60,
	}

	cases := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"empty subject", func(r *SubmitRequest) { r.Subject = "" }},
		{"empty body", func(r *SubmitRequest) { r.Body = "" }},
		{"no recipients", func(r *SubmitRequest) { r.Recipients = nil }},
		{"blank recipient", func(r *SubmitRequest) { r.Recipients = []string{"a@x.com", ""} }},
		{"zero delay", func(r *SubmitRequest) { r.DelaySeconds = 0 }},
		{"delay below minimum", func(r *SubmitRequest) { r.DelaySeconds = 5 }},
		{"unparsable start time", func(r *SubmitRequest) { r.StartTime = "next tuesday" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _, db := newTestService(t, 10)
			req := valid
			tc.mutate(&req)

			_, err := svc.Submit(context.Background(), req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)

			// Rejected before anything is persisted.
			require.Zero(t, countRows(t, db, "campaigns"))
			require.Zero(t, countRows(t, db, "emails"))
			require.Zero(t, countRows(t, db, "jobs"))
		})
	}
}

func TestRebuildReenqueuesOrphanedPending(t *testing.T) {
	svc, st, _, db := newTestService(t, 1)
	ctx := context.Background()
	now := time.Now().UTC()

	// Emails persisted without jobs, as a crash mid-submission leaves them.
	campaignID, err := st.CreateCampaign(ctx, domain.Campaign{
		Subject: "Hi", Body: "B", StartTime: now, DelaySeconds: 60,
	})
	require.NoError(t, err)
	for _, rcpt := range []string{"a@x.com", "b@x.com"} {
		_, err = st.CreateEmail(ctx, domain.Email{
			CampaignID: campaignID, Recipient: rcpt, ScheduledAt: now,
		})
		require.NoError(t, err)
	}

	n, err := svc.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, countRows(t, db, "jobs"))

	// Idempotent: emails with live jobs are not re-enqueued.
	n, err = svc.Rebuild(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 2, countRows(t, db, "jobs"))
}
