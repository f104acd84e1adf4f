package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/staging"
)

// UpsertStaging writes the batch in one transaction. A row that shares
// (import_id, content_hash) with an existing row replaces its fields and
// keeps its created_at.
func (s *Store) UpsertStaging(ctx context.Context, rows []domain.StagingTransaction) (staging.UpsertResult, error) {
	var res staging.UpsertResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("UpsertStaging: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	exists, err := tx.PrepareContext(ctx, `SELECT EXISTS(SELECT 1 FROM staging_transactions WHERE import_id = ? AND content_hash = ?)`)
	if err != nil {
		return res, fmt.Errorf("UpsertStaging: prepare exists: %w", err)
	}
	defer func() { _ = exists.Close() }()

	upsert, err := tx.PrepareContext(ctx, `INSERT INTO staging_transactions (
			staging_id, import_id, user_id, content_hash, tx_date, description, merchant, amount, currency,
			tx_type, category, confidence, doc_type, tier, needs_review, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(import_id, content_hash) DO UPDATE SET
			user_id = excluded.user_id,
			tx_date = excluded.tx_date,
			description = excluded.description,
			merchant = excluded.merchant,
			amount = excluded.amount,
			currency = excluded.currency,
			tx_type = excluded.tx_type,
			category = excluded.category,
			confidence = excluded.confidence,
			doc_type = excluded.doc_type,
			tier = excluded.tier,
			needs_review = excluded.needs_review,
			updated_at = excluded.updated_at`)
	if err != nil {
		return res, fmt.Errorf("UpsertStaging: prepare upsert: %w", err)
	}
	defer func() { _ = upsert.Close() }()

	for _, r := range rows {
		var found bool
		if err := exists.QueryRowContext(ctx, r.ImportID, r.ContentHash).Scan(&found); err != nil {
			return staging.UpsertResult{}, fmt.Errorf("UpsertStaging: check %s: %w", r.ContentHash, err)
		}
		_, err := upsert.ExecContext(ctx,
			r.StagingID, r.ImportID, r.UserID, r.ContentHash, nullString(r.Date), r.Description, r.Merchant,
			r.Amount, r.Currency, string(r.Type), nullString(r.Category), r.Confidence, string(r.DocType),
			r.Tier, r.NeedsReview, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
		if err != nil {
			return staging.UpsertResult{}, fmt.Errorf("UpsertStaging: upsert %s: %w", r.ContentHash, err)
		}
		if found {
			res.Updated++
		} else {
			res.Inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return staging.UpsertResult{}, fmt.Errorf("UpsertStaging: commit: %w", err)
	}
	return res, nil
}

// ListStaging returns an import's staged rows ordered by date.
func (s *Store) ListStaging(ctx context.Context, importID string) ([]domain.StagingTransaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT staging_id, import_id, user_id, content_hash, tx_date, description,
			merchant, amount, currency, tx_type, category, confidence, doc_type, tier, needs_review, created_at, updated_at
		FROM staging_transactions WHERE import_id = ?
		ORDER BY tx_date, description`, importID)
	if err != nil {
		return nil, fmt.Errorf("ListStaging: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.StagingTransaction
	for rows.Next() {
		var r domain.StagingTransaction
		var date, category sql.NullString
		var txType, docType string
		if err := rows.Scan(&r.StagingID, &r.ImportID, &r.UserID, &r.ContentHash, &date, &r.Description,
			&r.Merchant, &r.Amount, &r.Currency, &txType, &category, &r.Confidence, &docType, &r.Tier,
			&r.NeedsReview, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListStaging: scan: %w", err)
		}
		r.Date = stringPtr(date)
		r.Category = stringPtr(category)
		r.Type = domain.TxType(txType)
		r.DocType = domain.DocType(docType)
		out = append(out, r)
	}
	return out, rows.Err()
}
