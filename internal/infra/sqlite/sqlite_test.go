package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/dvloznov/docingest/internal/budget"
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/staging"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testImport(id string) *domain.Import {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Import{
		ImportID:  id,
		UserID:    "user-1",
		Checksum:  "abc",
		Filename:  "statement.pdf",
		MIMEType:  "application/pdf",
		DocType:   domain.DocStatement,
		Currency:  "GBP",
		Status:    domain.ImportCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestImports_CreateFindUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	missing, err := s.FindImport(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	imp := testImport("imp-1")
	require.NoError(t, s.CreateImport(ctx, imp))

	imp.Status = domain.ImportOCRComplete
	imp.OCRText = "page text"
	imp.Tier = "local"
	imp.UpdatedAt = imp.UpdatedAt.Add(time.Minute)
	require.NoError(t, s.UpdateImport(ctx, imp))

	got, err := s.FindImport(ctx, "imp-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.ImportOCRComplete, got.Status)
	assert.Equal(t, "page text", got.OCRText)
	assert.Equal(t, domain.DocStatement, got.DocType)
	assert.True(t, got.UpdatedAt.Equal(imp.UpdatedAt))

	list, err := s.ListImports(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	err = s.UpdateImport(ctx, testImport("ghost"))
	assert.Error(t, err)
}

func TestParsingRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.CreateImport(ctx, testImport("imp-1")))

	ok, err := s.StartParsingRun(ctx, "imp-1", "local")
	require.NoError(t, err)
	require.NoError(t, s.MarkParsingRunSucceeded(ctx, ok))

	failed, err := s.StartParsingRun(ctx, "imp-1", "vision")
	require.NoError(t, err)
	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	s.MarkParsingRunFailed(ctx, failed, errors.New(string(long)))

	runs, err := s.ListParsingRuns(ctx, "imp-1")
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byID := map[string]domain.ParsingRun{runs[0].RunID: runs[0], runs[1].RunID: runs[1]}
	assert.Equal(t, domain.RunSuccess, byID[ok].Status)
	assert.NotNil(t, byID[ok].FinishedAt)
	assert.Equal(t, domain.RunFailed, byID[failed].Status)
	assert.Len(t, byID[failed].ErrorMessage, domain.MaxErrorMessageLen)
}

func TestModelOutputs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertModelOutput(ctx, &domain.ModelOutput{RunID: "r", ImportID: "imp-1", Stage: "extract", ModelName: "gemini-2.5-flash", RawOutput: `{"transactions":[]}`}))
	outs, err := s.ListModelOutputs(ctx, "imp-1")
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.NotEmpty(t, outs[0].OutputID)
	assert.Equal(t, `{"transactions":[]}`, outs[0].RawOutput)
}

func TestUpsertStaging_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	w := staging.NewWriter(s)

	date := "2024-01-05"
	in := staging.Input{
		ImportID: "imp-1",
		UserID:   "user-1",
		Currency: "USD",
		DocType:  domain.DocStatement,
		Tier:     "local",
		Transactions: []domain.ExtractedTransaction{
			{Date: &date, Description: "SHELL OIL 123", Merchant: "Shell", Amount: -42.00, Type: domain.TxDebit, Confidence: 0.9},
		},
	}

	first, err := w.Stage(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, staging.UpsertResult{Inserted: 1}, first.UpsertResult)

	fuel := "Fuel"
	in.Transactions[0].Category = &fuel
	second, err := w.Stage(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, staging.UpsertResult{Updated: 1}, second.UpsertResult)

	rows, err := s.ListStaging(ctx, "imp-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, -42.0, rows[0].Amount)
	require.NotNil(t, rows[0].Category)
	assert.Equal(t, "Fuel", *rows[0].Category)
	require.NotNil(t, rows[0].Date)
	assert.Equal(t, date, *rows[0].Date)
	assert.Equal(t, domain.TxDebit, rows[0].Type)
	assert.False(t, rows[0].NeedsReview)
}

func TestUpsertStaging_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	good := domain.StagingTransaction{StagingID: "a", ImportID: "imp-1", UserID: "u", ContentHash: "h1", Description: "ok", Type: domain.TxDebit, DocType: domain.DocReceipt, CreatedAt: now, UpdatedAt: now}
	bad := good
	bad.ContentHash = "h2"
	bad.Description = ""
	_, err := s.db.ExecContext(ctx, `CREATE TRIGGER reject_empty BEFORE INSERT ON staging_transactions
		WHEN NEW.description = '' BEGIN SELECT RAISE(ABORT, 'empty description'); END`)
	require.NoError(t, err)

	_, err = s.UpsertStaging(ctx, []domain.StagingTransaction{good, bad})
	require.Error(t, err)

	rows, err := s.ListStaging(ctx, "imp-1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestLedgerStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	store := s.Ledger()

	state, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, state)

	saved := &budget.State{
		Version:       1,
		MonthlyBudget: decimal.RequireFromString("10.00"),
		TotalCost:     decimal.RequireFromString("0.03"),
		PerTier:       map[string]budget.TierUsage{"vision": {Cost: decimal.RequireFromString("0.03"), Runs: 3, Successes: 3}},
		Documents:     3,
		CycleStart:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, saved))
	saved.Documents = 4
	assert.ErrorIs(t, store.Save(ctx, saved), budget.ErrConflict, "version 1 is already stored")
	saved.Version = 2
	require.NoError(t, store.Save(ctx, saved))
	saved.Version = 2
	saved.Documents = 9
	assert.ErrorIs(t, store.Save(ctx, saved), budget.ErrConflict)

	got, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.TotalCost.Equal(decimal.RequireFromString("0.03")))
	assert.Equal(t, 4, got.Documents)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 3, got.PerTier["vision"].Runs)
}

func TestLedgerStore_WithLedger(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "docingest.db")
	s, err := Open(ctx, path)
	require.NoError(t, err)

	monthly := decimal.RequireFromString("1.00")
	ledger, err := budget.NewLedger(ctx, s.Ledger(), budget.Config{MonthlyBudget: &monthly})
	require.NoError(t, err)
	res, err := ledger.Reserve(ctx, func(budget.Snapshot) (string, decimal.Decimal) {
		return "vision", decimal.RequireFromString("0.01")
	})
	require.NoError(t, err)
	_, err = ledger.Commit(ctx, res, budget.Outcome{Cost: decimal.RequireFromString("0.01"), Accuracy: 0.88, Success: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	again, err := budget.NewLedger(ctx, reopened.Ledger(), budget.Config{})
	require.NoError(t, err)
	snap := again.Snapshot()
	assert.True(t, snap.TotalCost.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, snap.RemainingBudget.Equal(decimal.RequireFromString("0.99")))
}

func TestLedgerStore_TwoConnectionsShareSpend(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "docingest.db")
	serve, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = serve.Close() }()
	cli, err := Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = cli.Close() }()

	monthly := decimal.RequireFromString("0.02")
	a, err := budget.NewLedger(ctx, serve.Ledger(), budget.Config{MonthlyBudget: &monthly})
	require.NoError(t, err)
	b, err := budget.NewLedger(ctx, cli.Ledger(), budget.Config{MonthlyBudget: &monthly})
	require.NoError(t, err)

	flash := func(budget.Snapshot) (string, decimal.Decimal) {
		return "gemini-flash", decimal.RequireFromString("0.02")
	}
	res, err := a.Reserve(ctx, flash)
	require.NoError(t, err)
	_, err = b.Reserve(ctx, flash)
	assert.ErrorIs(t, err, budget.ErrInsufficientBudget)

	_, err = a.Commit(ctx, res, budget.Outcome{Cost: decimal.RequireFromString("0.02"), Success: true})
	require.NoError(t, err)
	snap := b.Snapshot()
	assert.True(t, snap.TotalCost.Equal(decimal.RequireFromString("0.02")))
	assert.Equal(t, 1, snap.Documents)
}
