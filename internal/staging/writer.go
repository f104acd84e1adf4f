package staging

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/logger"
)

// UpsertResult counts rows written by one batch.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Repository persists staging rows. UpsertStaging must apply the whole batch
// atomically, replacing rows that share (ImportID, ContentHash).
type Repository interface {
	UpsertStaging(ctx context.Context, rows []domain.StagingTransaction) (UpsertResult, error)
	ListStaging(ctx context.Context, importID string) ([]domain.StagingTransaction, error)
}

// Input is one document's extracted transactions.
type Input struct {
	ImportID      string
	UserID        string
	Currency      string
	DocType       domain.DocType
	Tier          string
	MinConfidence float64
	Transactions  []domain.ExtractedTransaction
}

// Result is what Stage wrote.
type Result struct {
	Rows      []domain.StagingTransaction `json:"rows"`
	Collapsed int                         `json:"collapsed"`
	UpsertResult
}

// Writer builds staging rows and upserts them.
type Writer struct {
	repo Repository
	now  func() time.Time
}

// NewWriter creates a Writer over repo.
func NewWriter(repo Repository) *Writer {
	return &Writer{repo: repo, now: time.Now}
}

// Stage hashes each transaction, collapses duplicates within the batch
// (the later one wins) and upserts the batch once. Rows below the tier's
// minimum confidence are flagged for review.
func (w *Writer) Stage(ctx context.Context, in Input) (*Result, error) {
	log := logger.FromContext(ctx)
	now := w.now().UTC()

	rows := make([]domain.StagingTransaction, 0, len(in.Transactions))
	index := make(map[string]int, len(in.Transactions))
	res := &Result{}

	for _, tx := range in.Transactions {
		hash := ContentHash(tx)
		row := domain.StagingTransaction{
			StagingID:   StagingID(in.ImportID, hash),
			ImportID:    in.ImportID,
			UserID:      in.UserID,
			ContentHash: hash,
			Date:        tx.Date,
			Description: tx.Description,
			Merchant:    tx.Merchant,
			Amount:      tx.Amount,
			Currency:    in.Currency,
			Type:        tx.Type,
			Category:    tx.Category,
			Confidence:  tx.Confidence,
			DocType:     in.DocType,
			Tier:        in.Tier,
			NeedsReview: tx.Confidence < in.MinConfidence,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if i, ok := index[hash]; ok {
			rows[i] = row
			res.Collapsed++
			continue
		}
		index[hash] = len(rows)
		rows = append(rows, row)
	}
	res.Rows = rows

	if len(rows) == 0 {
		return res, nil
	}

	counts, err := w.repo.UpsertStaging(ctx, rows)
	if err != nil {
		log.Error().Err(err).Str("import_id", in.ImportID).Int("rows", len(rows)).Msg("Staging upsert failed")
		return nil, &ingesterr.Error{
			Kind:    ingesterr.KindPersistenceFailed,
			Stage:   "stage",
			DocType: string(in.DocType),
			Tier:    in.Tier,
			Stats:   ingesterr.Stats{Extracted: len(in.Transactions)},
			Err:     fmt.Errorf("upsert %d staging rows: %w", len(rows), err),
		}
	}
	res.UpsertResult = counts

	log.Info().
		Str("import_id", in.ImportID).
		Int("inserted", counts.Inserted).
		Int("updated", counts.Updated).
		Int("collapsed", res.Collapsed).
		Msg("Staged transactions")
	return res, nil
}
