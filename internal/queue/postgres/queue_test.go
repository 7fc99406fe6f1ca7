package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/kudoshq/ingestd/internal/backoff"
	"github.com/kudoshq/ingestd/internal/ingest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Unix(1700000000, 0).UTC()

func newMockQueue(t *testing.T) (*Queue, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	q, err := NewWithPool(mock, Config{
		LeaseDuration:      time.Minute,
		DefaultMaxAttempts: 3,
		Backoff:            backoff.Exponential(time.Minute, 5, 15*time.Minute),
		Clock:              fixedClock{now: testNow},
	})
	require.NoError(t, err)
	return q, mock
}

func TestEnqueueInsertsWaitingJob(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), "collect", []byte(`{}`), 2, (*string)(nil), 3, testNow, testNow.Add(time.Minute)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := q.Enqueue(context.Background(), "collect", []byte(`{}`), ingest.EnqueueOptions{
		Priority: 2,
		Delay:    time.Minute,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueDuplicateKeyReturnsExistingJob(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	key := "collect:c1"

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), "collect", []byte(nil), 0, &key, 3, testNow, testNow).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery("SELECT id FROM jobs").
		WithArgs("collect", key).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("existing-id"))

	id, err := q.Enqueue(context.Background(), "collect", nil, ingest.EnqueueOptions{DedupKey: key})
	require.ErrorIs(t, err, ingest.ErrDuplicateJob)
	require.Equal(t, "existing-id", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueReplacesWaitingDuplicate(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	key := "collect:c1"

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(pgxmock.AnyArg(), "collect", []byte("new"), 5, &key, 3, testNow, testNow).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectQuery("UPDATE jobs SET payload").
		WithArgs("collect", key, []byte("new"), 5).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("existing-id"))

	id, err := q.Enqueue(context.Background(), "collect", []byte("new"), ingest.EnqueueOptions{
		DedupKey:    key,
		Priority:    5,
		OnDuplicate: ingest.ReplaceDuplicate,
	})
	require.NoError(t, err)
	require.Equal(t, "existing-id", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueClaimsReadyJob(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	expires := testNow.Add(time.Minute)

	rows := pgxmock.NewRows([]string{
		"id", "queue", "payload", "state", "priority", "dedup_key", "attempts", "max_attempts",
		"created_at", "ready_at", "started_at", "last_error", "lock_owner", "lock_expires_at",
	}).AddRow(
		"job-1", "collect", []byte(`{}`), "active", 0, "", 0, 3,
		testNow, testNow, &testNow, "", "w1", &expires,
	)
	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("collect", "w1", expires, testNow).
		WillReturnRows(rows)

	job, err := q.Dequeue(context.Background(), "collect", "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, ingest.JobStateActive, job.State)
	require.Equal(t, "w1", job.LockOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueEmptyQueueReturnsNil(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)

	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("collect", "w1", testNow.Add(time.Minute), testNow).
		WillReturnError(pgx.ErrNoRows)

	job, err := q.Dequeue(context.Background(), "collect", "w1")
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeuePausedQueueSkipsDatabase(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)
	require.NoError(t, q.Pause(context.Background(), "collect"))

	job, err := q.Dequeue(context.Background(), "collect", "w1")
	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatLockLost(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)

	mock.ExpectExec("UPDATE jobs SET lock_expires_at").
		WithArgs("job-1", "w2", testNow.Add(time.Minute)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := q.Heartbeat(context.Background(), "job-1", "w2")
	require.ErrorIs(t, err, ingest.ErrLockLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailSchedulesRetryWithBackoff(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)

	mock.ExpectQuery("SELECT attempts, max_attempts FROM jobs").
		WithArgs("job-1", "w1").
		WillReturnRows(pgxmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(0, 3))
	mock.ExpectExec("UPDATE jobs SET state = 'waiting'").
		WithArgs("job-1", "w1", 1, "upstream 500", testNow.Add(time.Minute)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := q.Fail(context.Background(), "job-1", "w1", errors.New("upstream 500"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailLastAttemptIsTerminal(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)

	mock.ExpectQuery("SELECT attempts, max_attempts FROM jobs").
		WithArgs("job-1", "w1").
		WillReturnRows(pgxmock.NewRows([]string{"attempts", "max_attempts"}).AddRow(2, 3))
	mock.ExpectQuery("UPDATE jobs SET state = 'failed'").
		WithArgs("job-1", "w1", 3, "credential revoked", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"queue"}).AddRow("collect"))
	mock.ExpectExec("DELETE FROM jobs").
		WithArgs("collect", "failed", 50).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := q.Fail(context.Background(), "job-1", "w1", errors.New("credential revoked"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteTrimsRetention(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)

	mock.ExpectQuery("UPDATE jobs SET state = 'completed'").
		WithArgs("job-1", "w1", testNow).
		WillReturnRows(pgxmock.NewRows([]string{"queue"}).AddRow("collect"))
	mock.ExpectExec("DELETE FROM jobs").
		WithArgs("collect", "completed", 100).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	require.NoError(t, q.Complete(context.Background(), "job-1", "w1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReapStalledCountsRequeuedJobs(t *testing.T) {
	t.Parallel()

	q, mock := newMockQueue(t)

	mock.ExpectExec("UPDATE jobs SET state = 'waiting'").
		WithArgs(testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := q.ReapStalled(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
