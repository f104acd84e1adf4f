package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/google/uuid"
)

// InsertModelOutput inserts a single model output row. Uses DML INSERT to
// avoid streaming buffer issues.
func (r *Repository) InsertModelOutput(ctx context.Context, out *domain.ModelOutput) error {
	if out.OutputID == "" {
		out.OutputID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	row := modelOutputRowFrom(out)

	_, err := r.runDML(ctx, "InsertModelOutput", fmt.Sprintf(`
		INSERT INTO %s (
			output_id, parsing_run_id, import_id,
			stage, model_name, raw_output, created_ts
		)
		VALUES (
			@output_id, @parsing_run_id, @import_id,
			@stage, @model_name, @raw_output, @created_ts
		)
	`, r.table(modelOutputsTable)), []bigquery.QueryParameter{
		{Name: "output_id", Value: row.OutputID},
		{Name: "parsing_run_id", Value: row.ParsingRunID},
		{Name: "import_id", Value: row.ImportID},
		{Name: "stage", Value: row.Stage},
		{Name: "model_name", Value: row.ModelName},
		{Name: "raw_output", Value: row.RawOutput},
		{Name: "created_ts", Value: row.CreatedTS},
	})
	return err
}
