package inmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/docingest/internal/jobs"
)

var errTransient = errors.New("transient")

func waitForStatus(t *testing.T, store *Store, jobID string, want jobs.JobStatus) *jobs.IngestJob {
	t.Helper()
	var got *jobs.IngestJob
	require.Eventually(t, func() bool {
		job, err := store.GetJob(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = job
		return job.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return got
}

func TestQueue_CompletesJob(t *testing.T) {
	store := NewStore()
	q := NewQueue(Config{Workers: 2}, store)
	ctx := context.Background()

	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.IngestJob) error {
		job.ImportID = "imp-1"
		job.Transactions = 3
		return nil
	}))
	defer q.Close()

	job := &jobs.IngestJob{FileBytes: []byte("pdf"), Filename: "a.pdf", UserID: "u1"}
	require.NoError(t, q.Publish(ctx, job))
	require.NotEmpty(t, job.JobID)

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, "imp-1", done.ImportID)
	assert.Equal(t, 3, done.Transactions)
	assert.Nil(t, done.FileBytes)
	assert.NotNil(t, done.CompletedAt)
}

func TestQueue_RetriesRetryableErrors(t *testing.T) {
	store := NewStore()
	q := NewQueue(Config{
		Workers:    1,
		MaxRetries: 2,
		Backoff:    time.Millisecond,
		Retryable:  func(err error) bool { return errors.Is(err, errTransient) },
	}, store)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.IngestJob) error {
		if calls.Add(1) < 3 {
			return errTransient
		}
		return nil
	}))
	defer q.Close()

	job := &jobs.IngestJob{FileBytes: []byte("pdf")}
	require.NoError(t, q.Publish(ctx, job))

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	assert.Equal(t, 2, done.RetryCount)
	assert.Equal(t, int32(3), calls.Load())
}

func TestQueue_DoesNotRetryPermanentErrors(t *testing.T) {
	store := NewStore()
	q := NewQueue(Config{
		Workers:    1,
		MaxRetries: 3,
		Backoff:    time.Millisecond,
		Retryable:  func(err error) bool { return errors.Is(err, errTransient) },
	}, store)
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.IngestJob) error {
		calls.Add(1)
		return errors.New("bad document")
	}))
	defer q.Close()

	job := &jobs.IngestJob{FileBytes: []byte("pdf")}
	require.NoError(t, q.Publish(ctx, job))

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, "bad document", failed.Error)
	assert.Equal(t, 0, failed.RetryCount)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQueue_GivesUpAfterMaxRetries(t *testing.T) {
	store := NewStore()
	q := NewQueue(Config{Workers: 1, MaxRetries: 1, Backoff: time.Millisecond}, store)
	ctx := context.Background()

	require.NoError(t, q.Start(ctx, func(ctx context.Context, job *jobs.IngestJob) error {
		return errTransient
	}))
	defer q.Close()

	job := &jobs.IngestJob{}
	require.NoError(t, q.Publish(ctx, job))

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	assert.Equal(t, 1, failed.RetryCount)
}

func TestQueue_PublishAfterClose(t *testing.T) {
	q := NewQueue(Config{}, nil)
	require.NoError(t, q.Close())
	assert.Error(t, q.Publish(context.Background(), &jobs.IngestJob{}))
	assert.Error(t, q.Start(context.Background(), func(context.Context, *jobs.IngestJob) error { return nil }))
}

func TestStore_ListJobsFilters(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, j := range []jobs.IngestJob{
		{JobID: "a", UserID: "u1", Status: jobs.JobStatusCompleted, ImportID: "imp-1"},
		{JobID: "b", UserID: "u1", Status: jobs.JobStatusFailed},
		{JobID: "c", UserID: "u2", Status: jobs.JobStatusCompleted},
	} {
		j := j
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.SaveJob(ctx, &j))
	}

	all, err := store.ListJobs(ctx, jobs.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].JobID)

	mine, err := store.ListJobs(ctx, jobs.JobFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	done, err := store.ListJobs(ctx, jobs.JobFilter{Status: jobs.JobStatusCompleted, Limit: 1})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "c", done[0].JobID)

	byImport, err := store.ListJobs(ctx, jobs.JobFilter{ImportID: "imp-1"})
	require.NoError(t, err)
	require.Len(t, byImport, 1)

	past, err := store.ListJobs(ctx, jobs.JobFilter{Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, past)

	_, err = store.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
	assert.ErrorIs(t, store.UpdateJobStatus(ctx, "missing", jobs.JobStatusFailed, ""), jobs.ErrJobNotFound)
}
