package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"mailflow/internal/domain"
)

func newTestQueue(t *testing.T, visibility time.Duration) (*sqliteQueue, *time.Time) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	q := NewSQLiteQueue(db, visibility).(*sqliteQueue)
	q.now = func() time.Time { return *clock }
	return q, clock
}

func TestJobInvisibleBeforeDue(t *testing.T) {
	q, clock := newTestQueue(t, time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.Job{EmailID: "eml_a"}, time.Minute)
	require.NoError(t, err)

	_, err = q.LeaseNext(ctx, *clock)
	require.ErrorIs(t, err, ErrEmpty)

	_, err = q.LeaseNext(ctx, clock.Add(30*time.Second))
	require.ErrorIs(t, err, ErrEmpty)

	j, err := q.LeaseNext(ctx, clock.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, "eml_a", j.EmailID)
	require.WithinDuration(t, clock.Add(time.Minute), j.NotBefore, time.Second)
}

func TestDueJobsOrderedByDueTimeThenInsertion(t *testing.T) {
	q, clock := newTestQueue(t, time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.Job{EmailID: "eml_late"}, 2*time.Minute)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.Job{EmailID: "eml_first"}, time.Minute)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, domain.Job{EmailID: "eml_second"}, time.Minute)
	require.NoError(t, err)

	at := clock.Add(3 * time.Minute)
	var got []string
	for i := 0; i < 3; i++ {
		j, err := q.LeaseNext(ctx, at)
		require.NoError(t, err)
		got = append(got, j.EmailID)
	}
	require.Equal(t, []string{"eml_first", "eml_second", "eml_late"}, got)
}

func TestLeaseHidesJobAndAckRemovesIt(t *testing.T) {
	q, clock := newTestQueue(t, time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.Job{EmailID: "eml_a"}, 0)
	require.NoError(t, err)

	j, err := q.LeaseNext(ctx, *clock)
	require.NoError(t, err)

	_, err = q.LeaseNext(ctx, *clock)
	require.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, q.Ack(ctx, j.ID))

	// Even past the lease window, an acked job never comes back.
	n, err := q.RecoverStale(ctx, clock.Add(2*time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = q.LeaseNext(ctx, clock.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrEmpty)
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	q, clock := newTestQueue(t, time.Minute)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, domain.Job{EmailID: "eml_a", Attempts: 2, MaxAttempts: 5}, 0)
	require.NoError(t, err)

	_, err = q.LeaseNext(ctx, *clock)
	require.NoError(t, err)

	// Lease still live: nothing to recover.
	n, err := q.RecoverStale(ctx, clock.Add(30*time.Second))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = q.RecoverStale(ctx, clock.Add(61*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	j, err := q.LeaseNext(ctx, clock.Add(61*time.Second))
	require.NoError(t, err)
	require.Equal(t, "eml_a", j.EmailID)
	require.Equal(t, 2, j.Attempts)
	require.Equal(t, 5, j.MaxAttempts)
}

func TestEnqueueDefaults(t *testing.T) {
	q, clock := newTestQueue(t, time.Minute)
	ctx := context.Background()

	// Negative delay clamps to zero, zero max attempts gets the default.
	_, err := q.Enqueue(ctx, domain.Job{EmailID: "eml_a"}, -time.Minute)
	require.NoError(t, err)

	j, err := q.LeaseNext(ctx, *clock)
	require.NoError(t, err)
	require.Equal(t, 3, j.MaxAttempts)
	require.Zero(t, j.Attempts)
}
