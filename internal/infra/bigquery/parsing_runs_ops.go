package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/logger"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

// StartParsingRun inserts a new row into parsing_runs with status=RUNNING
// and returns the generated parsing_run_id.
func (r *Repository) StartParsingRun(ctx context.Context, importID, tier string) (string, error) {
	parsingRunID := uuid.NewString()

	_, err := r.runDML(ctx, "StartParsingRun", fmt.Sprintf(`
		INSERT %s (
			parsing_run_id,
			import_id,
			started_ts,
			tier,
			status
		)
		VALUES (
			@parsing_run_id,
			@import_id,
			@started_ts,
			@tier,
			@status
		)
	`, r.table(parsingRunsTable)), []bigquery.QueryParameter{
		{Name: "parsing_run_id", Value: parsingRunID},
		{Name: "import_id", Value: importID},
		{Name: "started_ts", Value: time.Now()},
		{Name: "tier", Value: tier},
		{Name: "status", Value: domain.RunRunning},
	})
	if err != nil {
		return "", err
	}
	return parsingRunID, nil
}

// MarkParsingRunFailed sets status=FAILED, finished_ts and error_message.
// Failures to record the failure are logged, not returned.
func (r *Repository) MarkParsingRunFailed(ctx context.Context, parsingRunID string, parseErr error) {
	_, err := r.runDML(ctx, "MarkParsingRunFailed", fmt.Sprintf(`
		UPDATE %s
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = @error_message
		WHERE parsing_run_id = @parsing_run_id
	`, r.table(parsingRunsTable)), []bigquery.QueryParameter{
		{Name: "status", Value: domain.RunFailed},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "error_message", Value: domain.TruncateError(parseErr)},
		{Name: "parsing_run_id", Value: parsingRunID},
	})
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().
			Err(err).
			Str("parsing_run_id", parsingRunID).
			Msg("MarkParsingRunFailed: update failed")
	}
}

// MarkParsingRunSucceeded sets status=SUCCESS and finished_ts, clears error_message.
func (r *Repository) MarkParsingRunSucceeded(ctx context.Context, parsingRunID string) error {
	_, err := r.runDML(ctx, "MarkParsingRunSucceeded", fmt.Sprintf(`
		UPDATE %s
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = NULL
		WHERE parsing_run_id = @parsing_run_id
	`, r.table(parsingRunsTable)), []bigquery.QueryParameter{
		{Name: "status", Value: domain.RunSuccess},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "parsing_run_id", Value: parsingRunID},
	})
	return err
}

// ListParsingRuns returns an import's runs, oldest first.
func (r *Repository) ListParsingRuns(ctx context.Context, importID string) ([]domain.ParsingRun, error) {
	q := r.client.Query(fmt.Sprintf(`
		SELECT parsing_run_id, import_id, started_ts, finished_ts, tier, status, error_message
		FROM %s
		WHERE import_id = @import_id
		ORDER BY started_ts
	`, r.table(parsingRunsTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "import_id", Value: importID}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListParsingRuns: reading query: %w", err)
	}
	var runs []domain.ParsingRun
	for {
		var row ParsingRunRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListParsingRuns: iterating: %w", err)
		}
		runs = append(runs, row.toDomain())
	}
	return runs, nil
}
