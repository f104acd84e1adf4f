// Package bigquery is the warehouse storage backend. Imports, parsing runs,
// model outputs and staging rows live in one dataset; every write is a DML
// statement so rows are immediately visible to MERGE and UPDATE.
package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
)

const (
	importsTable      = "imports"
	parsingRunsTable  = "parsing_runs"
	modelOutputsTable = "model_outputs"
	stagingTable      = "staging_transactions"
)

// Repository implements the import and staging repositories on BigQuery.
// It holds a shared client to avoid creating a new connection for each
// operation.
type Repository struct {
	client    *bigquery.Client
	projectID string
	datasetID string
}

// NewRepository creates a client for projectID and a Repository over
// datasetID.
func NewRepository(ctx context.Context, projectID, datasetID string) (*Repository, error) {
	if projectID == "" {
		return nil, fmt.Errorf("NewRepository: project id is required")
	}
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewRepository: creating client: %w", err)
	}
	return NewRepositoryWithClient(client, datasetID), nil
}

// NewRepositoryWithClient wraps an existing client.
func NewRepositoryWithClient(client *bigquery.Client, datasetID string) *Repository {
	if datasetID == "" {
		datasetID = "finance"
	}
	return &Repository{client: client, projectID: client.Project(), datasetID: datasetID}
}

// Close closes the BigQuery client connection.
func (r *Repository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Ping runs a trivial query.
func (r *Repository) Ping(ctx context.Context) error {
	it, err := r.client.Query("SELECT 1").Read(ctx)
	if err != nil {
		return fmt.Errorf("Ping: %w", err)
	}
	var row []bigquery.Value
	if err := it.Next(&row); err != nil {
		return fmt.Errorf("Ping: %w", err)
	}
	return nil
}

// table returns the fully qualified, quoted table name.
func (r *Repository) table(name string) string {
	return tableRef(r.projectID, r.datasetID, name)
}

func tableRef(projectID, datasetID, name string) string {
	return fmt.Sprintf("`%s.%s.%s`", projectID, datasetID, name)
}

// runDML runs a statement and waits for it, returning the job status so
// callers can read DML statistics.
func (r *Repository) runDML(ctx context.Context, op, sql string, params []bigquery.QueryParameter) (*bigquery.JobStatus, error) {
	q := r.client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: running query: %w", op, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: waiting for job: %w", op, err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("%s: job error: %w", op, err)
	}
	return status, nil
}

// dmlCounts extracts inserted and updated row counts from a finished job.
// ok is false when the job carries no DML statistics.
func dmlCounts(status *bigquery.JobStatus) (inserted, updated int, ok bool) {
	if status == nil || status.Statistics == nil {
		return 0, 0, false
	}
	qs, isQuery := status.Statistics.Details.(*bigquery.QueryStatistics)
	if !isQuery || qs.DMLStats == nil {
		return 0, 0, false
	}
	return int(qs.DMLStats.InsertedRowCount), int(qs.DMLStats.UpdatedRowCount), true
}
