package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/docingest/internal/budget"
)

// LedgerStore adapts Store to budget.Store.
type LedgerStore struct {
	s *Store
}

// Ledger returns the budget.Store backed by this database.
func (s *Store) Ledger() *LedgerStore {
	return &LedgerStore{s: s}
}

// Load implements budget.Store.
func (l *LedgerStore) Load(ctx context.Context) (*budget.State, error) {
	var (
		version int64
		raw     string
	)
	err := l.s.db.QueryRowContext(ctx, `SELECT version, state_json FROM budget_ledger WHERE id = 1`).Scan(&version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LedgerStore.Load: %w", err)
	}
	var state budget.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("LedgerStore.Load: decode: %w", err)
	}
	state.Version = version
	return &state, nil
}

// Save implements budget.Store. The row is written only while its version
// is still the one the state was computed from.
func (l *LedgerStore) Save(ctx context.Context, state *budget.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("LedgerStore.Save: encode: %w", err)
	}
	now := time.Now().UTC()

	var res sql.Result
	if state.Version == 1 {
		res, err = l.s.db.ExecContext(ctx, `INSERT INTO budget_ledger (id, version, state_json, updated_at)
			VALUES (1, 1, ?, ?) ON CONFLICT(id) DO NOTHING`, string(raw), now)
	} else {
		res, err = l.s.db.ExecContext(ctx, `UPDATE budget_ledger SET version = ?, state_json = ?, updated_at = ?
			WHERE id = 1 AND version = ?`, state.Version, string(raw), now, state.Version-1)
	}
	if err != nil {
		return fmt.Errorf("LedgerStore.Save: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("LedgerStore.Save: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("LedgerStore.Save: version %d: %w", state.Version, budget.ErrConflict)
	}
	return nil
}
