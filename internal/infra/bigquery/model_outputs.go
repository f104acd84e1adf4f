package bigquery

import (
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/docingest/internal/domain"
)

type ModelOutputRow struct {
	OutputID     string `bigquery:"output_id"`      // REQUIRED
	ParsingRunID string `bigquery:"parsing_run_id"` // REQUIRED
	ImportID     string `bigquery:"import_id"`      // REQUIRED

	Stage     string              `bigquery:"stage"`      // REQUIRED
	ModelName bigquery.NullString `bigquery:"model_name"` // NULLABLE
	RawOutput string              `bigquery:"raw_output"` // REQUIRED

	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
}

func modelOutputRowFrom(out *domain.ModelOutput) *ModelOutputRow {
	return &ModelOutputRow{
		OutputID:     out.OutputID,
		ParsingRunID: out.RunID,
		ImportID:     out.ImportID,
		Stage:        out.Stage,
		ModelName:    nullString(out.ModelName),
		RawOutput:    out.RawOutput,
		CreatedTS:    out.CreatedAt.UTC(),
	}
}
