package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/jobs"
)

func jobFor(req Request) *jobs.IngestJob {
	return &jobs.IngestJob{
		JobID:           "job-1",
		FileBytes:       req.FileBytes,
		Filename:        req.Filename,
		DocType:         req.DocType,
		Currency:        req.Currency,
		UserID:          req.UserID,
		UserTier:        req.UserTier,
		Preferences:     req.Preferences,
		EstimatedAmount: req.EstimatedAmount,
	}
}

func TestHandleJob_RecordsOutcome(t *testing.T) {
	h := newHarness(t, "10")
	job := jobFor(paidRequest("queued statement"))

	require.NoError(t, h.svc.HandleJob(context.Background(), job))
	assert.Equal(t, ImportID("user-1", checksumOf("queued statement")), job.ImportID)
	assert.Equal(t, "gemini-flash", job.Tier)
	assert.Equal(t, 2, job.Transactions)
	assert.Empty(t, job.ErrorKind)
}

func TestHandleJob_ReportsErrorKind(t *testing.T) {
	h := newHarness(t, "10")
	h.gen.setErr(assert.AnError)
	job := jobFor(paidRequest("queued statement"))

	err := h.svc.HandleJob(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, string(ingesterr.KindOf(err)), job.ErrorKind)
	assert.NotEmpty(t, job.ErrorKind)
	assert.Equal(t, "gemini-flash", job.Tier)
}
