package bigquery

import (
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/docingest/internal/domain"
)

type ParsingRunRow struct {
	ParsingRunID string `bigquery:"parsing_run_id"` // REQUIRED
	ImportID     string `bigquery:"import_id"`      // REQUIRED

	StartedTS  time.Time              `bigquery:"started_ts"`  // REQUIRED
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"` // NULLABLE

	Tier string `bigquery:"tier"` // NULLABLE

	Status       string              `bigquery:"status"`        // REQUIRED
	ErrorMessage bigquery.NullString `bigquery:"error_message"` // NULLABLE
}

func (r *ParsingRunRow) toDomain() domain.ParsingRun {
	run := domain.ParsingRun{
		RunID:        r.ParsingRunID,
		ImportID:     r.ImportID,
		Tier:         r.Tier,
		Status:       r.Status,
		ErrorMessage: r.ErrorMessage.StringVal,
		StartedAt:    r.StartedTS,
	}
	if r.FinishedTS.Valid {
		t := r.FinishedTS.Timestamp
		run.FinishedAt = &t
	}
	return run
}
