// Package budget tracks monthly processing spend. Every change is a
// read-modify-write of the stored state, saved with a version check, so
// several processes sharing one store cannot jointly overspend or lose each
// other's spend.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/docingest/internal/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	// DefaultHistoryLimit bounds the processing history kept in the ledger.
	DefaultHistoryLimit = 100

	// DefaultWarnRatio is the usage ratio that raises a warning.
	DefaultWarnRatio = 0.9

	// DefaultHoldTTL is how long a reservation holds budget before it is
	// treated as abandoned by a crashed process.
	DefaultHoldTTL = 30 * time.Minute

	maxUpdateAttempts = 32
)

var (
	// ErrInsufficientBudget is returned when a reservation exceeds the available budget.
	ErrInsufficientBudget = errors.New("insufficient budget")

	// ErrConflict is returned by Store.Save when another writer saved first.
	ErrConflict = errors.New("ledger version conflict")
)

// Config configures a Ledger.
type Config struct {
	// MonthlyBudget overrides the stored budget when set. Nil keeps the
	// stored budget, or zero when nothing is stored.
	MonthlyBudget *decimal.Decimal
	HistoryLimit  int
	WarnRatio     float64
	HoldTTL       time.Duration
	Clock         Clock
}

// Reservation holds budget for one in-flight document.
type Reservation struct {
	ID     string
	Tier   string
	Amount decimal.Decimal
	done   bool
}

// Ledger is the cost ledger. The mutex only serializes callers in this
// process; the store's version check orders writers across processes.
type Ledger struct {
	mu           sync.Mutex
	last         State
	unsaved      []func(*State)
	store        Store
	clock        Clock
	historyLimit int
	warnRatio    float64
	holdTTL      time.Duration
}

// NewLedger opens the ledger kept in store and applies a configured
// monthly budget.
func NewLedger(ctx context.Context, store Store, cfg Config) (*Ledger, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Ledger{
		store:        store,
		clock:        cfg.Clock,
		historyLimit: cfg.HistoryLimit,
		warnRatio:    cfg.WarnRatio,
		holdTTL:      cfg.HoldTTL,
	}
	if l.clock == nil {
		l.clock = systemClock{}
	}
	if l.historyLimit <= 0 {
		l.historyLimit = DefaultHistoryLimit
	}
	if l.warnRatio <= 0 {
		l.warnRatio = DefaultWarnRatio
	}
	if l.holdTTL <= 0 {
		l.holdTTL = DefaultHoldTTL
	}

	saved, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewLedger: load state: %w", err)
	}
	l.last = l.current(saved)

	if want := cfg.MonthlyBudget; want != nil && (saved == nil || !saved.MonthlyBudget.Equal(*want)) {
		if want.IsNegative() {
			return nil, fmt.Errorf("NewLedger: negative budget %s", want)
		}
		amount := *want
		if _, err := l.update(ctx, func(s *State) error {
			s.MonthlyBudget = amount
			return nil
		}); err != nil {
			return nil, fmt.Errorf("NewLedger: save budget: %w", err)
		}
	}
	return l, nil
}

// Snapshot returns a consistent copy of the ledger as stored right now.
// When the store cannot be read it returns the last state seen.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx := context.Background()
	saved, err := l.store.Load(ctx)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("Failed to reload budget ledger, using last known state")
		return l.snapshotOf(l.last)
	}
	s := l.current(saved)
	for _, apply := range l.unsaved {
		apply(&s)
	}
	l.last = s
	return l.snapshotOf(s)
}

// Reserve runs choose against the stored ledger and holds the cost of the
// tier it returns until Commit or Release. The budget check and the hold
// are saved together, so choose may run again when another process wrote
// in between.
func (l *Ledger) Reserve(ctx context.Context, choose func(Snapshot) (string, decimal.Decimal)) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := &Reservation{ID: uuid.NewString()}
	check := func(s *State) error {
		res.Tier, res.Amount = choose(l.snapshotOf(*s))
		if res.Amount.IsNegative() {
			return fmt.Errorf("Reserve: negative cost %s for tier %s", res.Amount, res.Tier)
		}
		snap := l.snapshotOf(*s)
		if res.Amount.IsPositive() && res.Amount.GreaterThan(snap.Available()) {
			return fmt.Errorf("Reserve: tier %s needs %s, %s available: %w",
				res.Tier, res.Amount.StringFixed(4), snap.Available().StringFixed(4), ErrInsufficientBudget)
		}
		return nil
	}

	// Zero-cost tiers hold nothing, so there is nothing to write.
	saved, err := l.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("Reserve: load state: %w", err)
	}
	s := l.current(saved)
	for _, apply := range l.unsaved {
		apply(&s)
	}
	if err := check(&s); err != nil {
		return nil, err
	}
	if res.Amount.IsZero() {
		return res, nil
	}

	_, err = l.update(ctx, func(s *State) error {
		if err := check(s); err != nil {
			return err
		}
		s.Holds[res.ID] = Hold{Tier: res.Tier, Amount: res.Amount, ExpiresAt: l.clock.Now().Add(l.holdTTL)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Release drops a reservation without recording any spend.
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res.done {
		return nil
	}
	res.done = true
	if res.Amount.IsZero() {
		return nil
	}
	if _, err := l.update(ctx, func(s *State) error {
		delete(s.Holds, res.ID)
		return nil
	}); err != nil {
		return fmt.Errorf("Release: %w", err)
	}
	return nil
}

// Commit records the actual outcome of a reserved run. When the store
// cannot be written the outcome is kept in this process and saved with the
// next successful write; the error is returned alongside the alert.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, out Outcome) (Alert, error) {
	if res == nil {
		return AlertNone, errors.New("Commit: nil reservation")
	}
	if out.Cost.IsNegative() {
		return AlertNone, fmt.Errorf("Commit: negative cost %s", out.Cost)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if res.done {
		return AlertNone, fmt.Errorf("Commit: reservation %s already settled", res.ID)
	}
	res.done = true

	now := l.clock.Now()
	record := func(s *State) {
		delete(s.Holds, res.ID)
		s.TotalCost = s.TotalCost.Add(out.Cost)

		bucket := s.PerTier[res.Tier]
		bucket.Cost = bucket.Cost.Add(out.Cost)
		bucket.Runs++
		if out.Success {
			bucket.Successes++
		}
		s.PerTier[res.Tier] = bucket

		s.History = append(s.History, HistoryEntry{
			Tier:     res.Tier,
			Cost:     out.Cost,
			Accuracy: out.Accuracy,
			Latency:  out.Latency,
			Success:  out.Success,
			At:       now,
		})
		if over := len(s.History) - l.historyLimit; over > 0 {
			s.History = append([]HistoryEntry(nil), s.History[over:]...)
		}

		s.Documents++
		s.LatencySum += out.Latency
		if out.Success {
			s.Successes++
			s.AccuracySum += out.Accuracy
		}
	}

	state, err := l.update(ctx, func(s *State) error {
		record(s)
		return nil
	})
	if err != nil {
		l.unsaved = append(l.unsaved, record)
		state = l.last.clone()
		record(&state)
		l.last = state
		err = fmt.Errorf("Commit: save ledger: %w", err)
	}

	snap := l.snapshotOf(state)
	alert := l.alertFor(snap)

	log := logger.FromContext(ctx)
	switch alert {
	case AlertExhausted:
		log.Error().
			Str("total_cost", snap.TotalCost.StringFixed(4)).
			Str("monthly_budget", snap.MonthlyBudget.StringFixed(2)).
			Msg("Monthly budget exhausted, paid tiers disabled until next cycle")
	case AlertWarning:
		log.Warn().
			Float64("usage_ratio", snap.UsageRatio()).
			Str("remaining_budget", snap.RemainingBudget.StringFixed(4)).
			Msg("Monthly budget nearly exhausted")
	}
	return alert, err
}

// Reset starts a fresh billing cycle now. Outstanding holds are kept.
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	l.unsaved = nil
	if _, err := l.update(ctx, func(s *State) error {
		resetState(s, now)
		return nil
	}); err != nil {
		return fmt.Errorf("Reset: save ledger: %w", err)
	}
	return nil
}

// SetMonthlyBudget changes the budget for the current cycle.
func (l *Ledger) SetMonthlyBudget(ctx context.Context, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("SetMonthlyBudget: negative budget %s", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.update(ctx, func(s *State) error {
		s.MonthlyBudget = amount
		return nil
	}); err != nil {
		return fmt.Errorf("SetMonthlyBudget: save ledger: %w", err)
	}
	return nil
}

// update loads the stored state, applies outcomes that failed to save
// earlier and then fn, and saves the result with a version check. It
// retries from a fresh load when another writer saved first. Callers hold
// l.mu.
func (l *Ledger) update(ctx context.Context, fn func(*State) error) (State, error) {
	for attempt := 1; ; attempt++ {
		saved, err := l.store.Load(ctx)
		if err != nil {
			return State{}, fmt.Errorf("load state: %w", err)
		}
		s := l.current(saved)
		if saved != nil && s.CycleStart.After(saved.CycleStart) {
			log := logger.FromContext(ctx)
			log.Info().
				Time("previous_cycle", saved.CycleStart).
				Str("previous_total", saved.TotalCost.StringFixed(4)).
				Msg("Starting new billing cycle")
		}
		for _, apply := range l.unsaved {
			apply(&s)
		}
		if err := fn(&s); err != nil {
			l.last = s
			return State{}, err
		}

		s.Version++
		err = l.store.Save(ctx, &s)
		if err == nil {
			l.unsaved = nil
			l.last = s
			return s, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= maxUpdateAttempts {
			return State{}, err
		}

		select {
		case <-ctx.Done():
			return State{}, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Millisecond):
		}
	}
}

// current turns a stored state into the working state for now: an empty
// ledger when nothing is stored, totals reset when a new month began and
// expired holds dropped.
func (l *Ledger) current(saved *State) State {
	now := l.clock.Now()
	var s State
	if saved != nil {
		s = saved.clone()
	} else {
		s = State{CycleStart: cycleStart(now)}
	}
	if s.PerTier == nil {
		s.PerTier = make(map[string]TierUsage)
	}
	if s.Holds == nil {
		s.Holds = make(map[string]Hold)
	}
	if cycleStart(now).After(s.CycleStart) {
		resetState(&s, now)
	}
	for id, h := range s.Holds {
		if !h.ExpiresAt.After(now) {
			delete(s.Holds, id)
		}
	}
	return s
}

func resetState(s *State, now time.Time) {
	*s = State{
		Version:       s.Version,
		MonthlyBudget: s.MonthlyBudget,
		PerTier:       make(map[string]TierUsage),
		CycleStart:    cycleStart(now),
		Holds:         s.Holds,
	}
}

func (l *Ledger) alertFor(snap Snapshot) Alert {
	ratio := snap.UsageRatio()
	switch {
	case ratio >= 1:
		return AlertExhausted
	case ratio >= l.warnRatio:
		return AlertWarning
	}
	return AlertNone
}

func (l *Ledger) snapshotOf(state State) Snapshot {
	s := state.clone()
	snap := Snapshot{
		State:           s,
		RemainingBudget: s.MonthlyBudget.Sub(s.TotalCost),
		Reserved:        decimal.Zero,
	}
	for _, h := range s.Holds {
		snap.Reserved = snap.Reserved.Add(h.Amount)
	}
	if s.Successes > 0 {
		snap.Efficiency.MeanAccuracy = s.AccuracySum / float64(s.Successes)
	}
	if s.Documents > 0 {
		snap.Efficiency.MeanLatency = s.LatencySum / time.Duration(s.Documents)
		snap.CostPerDocument = s.TotalCost.Div(decimal.NewFromInt(int64(s.Documents)))
	}
	if s.TotalCost.IsPositive() {
		snap.Efficiency.AccuracyPerDollar = s.AccuracySum / s.TotalCost.InexactFloat64()
	}
	return snap
}

func cycleStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
