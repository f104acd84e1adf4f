package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/staging"
	"google.golang.org/api/iterator"
)

const stagingColumns = `staging_id, import_id, user_id, content_hash, transaction_date, raw_description,
	merchant, amount, currency, direction, category_name, confidence, document_type, tier,
	needs_review, created_ts, updated_ts`

// UpsertStaging merges the batch into staging_transactions with a single
// MERGE statement, so the batch applies atomically. A matched row keeps its
// staging_id and created_ts.
func (r *Repository) UpsertStaging(ctx context.Context, rows []domain.StagingTransaction) (staging.UpsertResult, error) {
	if len(rows) == 0 {
		return staging.UpsertResult{}, nil
	}
	src := make([]StagingRow, len(rows))
	for i, t := range rows {
		src[i] = stagingRowFrom(t)
	}

	status, err := r.runDML(ctx, "UpsertStaging", mergeStagingSQL(r.table(stagingTable)), []bigquery.QueryParameter{
		{Name: "rows", Value: src},
	})
	if err != nil {
		return staging.UpsertResult{}, err
	}
	inserted, updated, ok := dmlCounts(status)
	if !ok {
		return staging.UpsertResult{}, fmt.Errorf("UpsertStaging: job returned no DML statistics")
	}
	return staging.UpsertResult{Inserted: inserted, Updated: updated}, nil
}

func mergeStagingSQL(table string) string {
	return fmt.Sprintf(`
		MERGE %s T
		USING UNNEST(@rows) S
		ON T.import_id = S.import_id AND T.content_hash = S.content_hash
		WHEN MATCHED THEN UPDATE SET
			user_id = S.user_id,
			transaction_date = S.transaction_date,
			raw_description = S.raw_description,
			merchant = S.merchant,
			amount = S.amount,
			currency = S.currency,
			direction = S.direction,
			category_name = S.category_name,
			confidence = S.confidence,
			document_type = S.document_type,
			tier = S.tier,
			needs_review = S.needs_review,
			updated_ts = S.updated_ts
		WHEN NOT MATCHED THEN
			INSERT (%s)
			VALUES (
				S.staging_id, S.import_id, S.user_id, S.content_hash, S.transaction_date, S.raw_description,
				S.merchant, S.amount, S.currency, S.direction, S.category_name, S.confidence, S.document_type, S.tier,
				S.needs_review, S.created_ts, S.updated_ts
			)
	`, table, stagingColumns)
}

// ListStaging returns an import's staged rows ordered by date.
func (r *Repository) ListStaging(ctx context.Context, importID string) ([]domain.StagingTransaction, error) {
	q := r.client.Query(fmt.Sprintf(`
		SELECT `+stagingColumns+`
		FROM %s
		WHERE import_id = @import_id
		ORDER BY transaction_date, created_ts, content_hash
	`, r.table(stagingTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "import_id", Value: importID}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListStaging: query read: %w", err)
	}
	var out []domain.StagingTransaction
	for {
		var row StagingRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListStaging: iter next: %w", err)
		}
		out = append(out, row.toDomain())
	}
	return out, nil
}
