package bigquery

import (
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/shopspring/decimal"
)

// StagingRow mirrors one row of staging_transactions. It doubles as the
// element type of the MERGE source array.
type StagingRow struct {
	StagingID   string `bigquery:"staging_id"`   // REQUIRED
	ImportID    string `bigquery:"import_id"`    // REQUIRED
	UserID      string `bigquery:"user_id"`      // REQUIRED
	ContentHash string `bigquery:"content_hash"` // REQUIRED

	TransactionDate bigquery.NullString `bigquery:"transaction_date"` // NULLABLE, YYYY-MM-DD

	RawDescription string              `bigquery:"raw_description"` // REQUIRED
	Merchant       bigquery.NullString `bigquery:"merchant"`        // NULLABLE

	Amount   *big.Rat `bigquery:"amount"`   // REQUIRED NUMERIC
	Currency string   `bigquery:"currency"` // REQUIRED

	Direction    string              `bigquery:"direction"`     // REQUIRED
	CategoryName bigquery.NullString `bigquery:"category_name"` // NULLABLE
	Confidence   float64             `bigquery:"confidence"`    // REQUIRED

	DocumentType string `bigquery:"document_type"` // REQUIRED
	Tier         string `bigquery:"tier"`          // NULLABLE
	NeedsReview  bool   `bigquery:"needs_review"`  // REQUIRED

	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
	UpdatedTS time.Time `bigquery:"updated_ts"` // REQUIRED
}

func stagingRowFrom(t domain.StagingTransaction) StagingRow {
	return StagingRow{
		StagingID:       t.StagingID,
		ImportID:        t.ImportID,
		UserID:          t.UserID,
		ContentHash:     t.ContentHash,
		TransactionDate: nullStringPtr(t.Date),
		RawDescription:  t.Description,
		Merchant:        nullString(t.Merchant),
		Amount:          decimal.NewFromFloat(t.Amount).Round(2).Rat(),
		Currency:        t.Currency,
		Direction:       string(t.Type),
		CategoryName:    nullStringPtr(t.Category),
		Confidence:      t.Confidence,
		DocumentType:    string(t.DocType),
		Tier:            t.Tier,
		NeedsReview:     t.NeedsReview,
		CreatedTS:       t.CreatedAt.UTC(),
		UpdatedTS:       t.UpdatedAt.UTC(),
	}
}

func (r *StagingRow) toDomain() domain.StagingTransaction {
	var amount float64
	if r.Amount != nil {
		amount, _ = r.Amount.Float64()
	}
	return domain.StagingTransaction{
		StagingID:   r.StagingID,
		ImportID:    r.ImportID,
		UserID:      r.UserID,
		ContentHash: r.ContentHash,
		Date:        stringPtr(r.TransactionDate),
		Description: r.RawDescription,
		Merchant:    r.Merchant.StringVal,
		Amount:      amount,
		Currency:    r.Currency,
		Type:        domain.TxType(r.Direction),
		Category:    stringPtr(r.CategoryName),
		Confidence:  r.Confidence,
		DocType:     domain.DocType(r.DocumentType),
		Tier:        r.Tier,
		NeedsReview: r.NeedsReview,
		CreatedAt:   r.CreatedTS,
		UpdatedAt:   r.UpdatedTS,
	}
}
