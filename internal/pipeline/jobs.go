package pipeline

import (
	"context"
	"errors"

	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/jobs"
	"github.com/dvloznov/docingest/internal/logger"
)

// RequestFromJob rebuilds the ingestion request a job was queued with.
func RequestFromJob(job *jobs.IngestJob) Request {
	return Request{
		FileBytes:       job.FileBytes,
		Filename:        job.Filename,
		DocType:         job.DocType,
		Currency:        job.Currency,
		UserID:          job.UserID,
		UserTier:        job.UserTier,
		Preferences:     job.Preferences,
		EstimatedAmount: job.EstimatedAmount,
		Reprocess:       job.Reprocess,
	}
}

// HandleJob ingests a queued document and records the outcome on the job.
// It has the jobs.JobHandler signature.
func (s *Service) HandleJob(ctx context.Context, job *jobs.IngestJob) error {
	log := logger.FromContext(ctx)
	log.Info().Str("filename", job.Filename).Str("user_id", job.UserID).Msg("Processing ingest job")

	res, err := s.Ingest(ctx, RequestFromJob(job))
	if err != nil {
		job.ErrorKind = string(ingesterr.KindOf(err))
		var ie *ingesterr.Error
		if errors.As(err, &ie) {
			job.Tier = ie.Tier
		}
		log.Error().Err(err).Str("kind", job.ErrorKind).Msg("Pipeline execution failed")
		return err
	}

	job.ImportID = res.ImportID
	job.Tier = res.Decision.TierName
	job.Transactions = len(res.Transactions)
	job.ErrorKind = ""
	log.Info().
		Str("import_id", res.ImportID).
		Str("tier", res.Decision.TierName).
		Int("transactions", len(res.Transactions)).
		Msg("Pipeline execution completed successfully")
	return nil
}
