package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dvloznov/docingest/internal/budget"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*LedgerStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewLedgerStore(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestNewLedgerStore_RequiresAddr(t *testing.T) {
	_, err := NewLedgerStore(context.Background(), Options{})
	assert.Error(t, err)
}

func TestLedgerStore_LoadEmpty(t *testing.T) {
	store, _ := newTestStore(t)
	state, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestLedgerStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	in := &budget.State{
		Version:       1,
		MonthlyBudget: decimal.RequireFromString("5"),
		TotalCost:     decimal.RequireFromString("0.10"),
		PerTier:       map[string]budget.TierUsage{"gemini-flash": {Cost: decimal.RequireFromString("0.10"), Runs: 5, Successes: 4}},
		Documents:     5,
		Successes:     4,
		AccuracySum:   3.68,
		LatencySum:    40 * time.Second,
		CycleStart:    time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(ctx, in))
	assert.True(t, mr.Exists(DefaultKey))

	out, err := store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.True(t, out.TotalCost.Equal(in.TotalCost))
	assert.Equal(t, in.LatencySum, out.LatencySum)
	assert.Equal(t, 4, out.PerTier["gemini-flash"].Successes)
	assert.True(t, out.CycleStart.Equal(in.CycleStart))
}

func TestLedgerStore_CorruptValue(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, mr.Set(DefaultKey, "{not json"))

	_, err := store.Load(context.Background())
	assert.Error(t, err)
}

func TestLedgerStore_SharedBetweenLedgers(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	monthly := decimal.RequireFromString("1")
	first, err := budget.NewLedger(ctx, store, budget.Config{MonthlyBudget: &monthly})
	require.NoError(t, err)
	res, err := first.Reserve(ctx, func(budget.Snapshot) (string, decimal.Decimal) {
		return "gemini-pro", decimal.RequireFromString("0.08")
	})
	require.NoError(t, err)
	_, err = first.Commit(ctx, res, budget.Outcome{Cost: decimal.RequireFromString("0.08"), Accuracy: 0.97, Success: true})
	require.NoError(t, err)

	second, err := budget.NewLedger(ctx, store, budget.Config{})
	require.NoError(t, err)
	snap := second.Snapshot()
	assert.True(t, snap.TotalCost.Equal(decimal.RequireFromString("0.08")))
	assert.True(t, snap.MonthlyBudget.Equal(decimal.RequireFromString("1")))
}

func TestLedgerStore_SaveFailsWhenServerDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	store, err := NewLedgerStore(context.Background(), Options{Addr: mr.Addr(), Key: "ledger"})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	mr.Close()

	err = store.Save(context.Background(), &budget.State{Version: 1})
	assert.Error(t, err)
}

func TestLedgerStore_RejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.Save(ctx, &budget.State{Version: 1}))
	require.NoError(t, store.Save(ctx, &budget.State{Version: 2, Documents: 1}))

	err := store.Save(ctx, &budget.State{Version: 2, Documents: 7})
	assert.ErrorIs(t, err, budget.ErrConflict)
	err = store.Save(ctx, &budget.State{Version: 1})
	assert.ErrorIs(t, err, budget.ErrConflict)

	out, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Version)
	assert.Equal(t, 1, out.Documents)
}

func TestLedgerStore_TwoLedgersShareSpend(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	flash := func(budget.Snapshot) (string, decimal.Decimal) {
		return "gemini-flash", decimal.RequireFromString("0.02")
	}

	monthly := decimal.RequireFromString("0.04")
	api, err := budget.NewLedger(ctx, store, budget.Config{MonthlyBudget: &monthly})
	require.NoError(t, err)
	cli, err := budget.NewLedger(ctx, store, budget.Config{MonthlyBudget: &monthly})
	require.NoError(t, err)

	resA, err := api.Reserve(ctx, flash)
	require.NoError(t, err)
	resB, err := cli.Reserve(ctx, flash)
	require.NoError(t, err)
	_, err = api.Reserve(ctx, flash)
	assert.ErrorIs(t, err, budget.ErrInsufficientBudget, "both holds count against the shared budget")

	outcome := budget.Outcome{Cost: decimal.RequireFromString("0.02"), Success: true}
	_, err = api.Commit(ctx, resA, outcome)
	require.NoError(t, err)
	alert, err := cli.Commit(ctx, resB, outcome)
	require.NoError(t, err)
	assert.Equal(t, budget.AlertExhausted, alert)

	state, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, state.TotalCost.Equal(decimal.RequireFromString("0.04")))
	assert.Equal(t, 2, state.Documents)
	assert.Equal(t, 2, state.PerTier["gemini-flash"].Runs)
	assert.Empty(t, state.Holds)
}
