package budget

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Alert is the budget threshold crossed by a commit.
type Alert string

const (
	AlertNone      Alert = ""
	AlertWarning   Alert = "warning"
	AlertExhausted Alert = "exhausted"
)

// Outcome is the actual result of one processed document.
type Outcome struct {
	Cost     decimal.Decimal
	Accuracy float64
	Latency  time.Duration
	Success  bool
}

// HistoryEntry is one record in the bounded processing history.
type HistoryEntry struct {
	Tier     string          `json:"tier"`
	Cost     decimal.Decimal `json:"cost"`
	Accuracy float64         `json:"accuracy"`
	Latency  time.Duration   `json:"latency"`
	Success  bool            `json:"success"`
	At       time.Time       `json:"at"`
}

// TierUsage is the per-tier cost bucket.
type TierUsage struct {
	Cost      decimal.Decimal `json:"cost"`
	Runs      int             `json:"runs"`
	Successes int             `json:"successes"`
}

// Hold is budget held by an in-flight document, possibly in another process.
type Hold struct {
	Tier      string          `json:"tier"`
	Amount    decimal.Decimal `json:"amount"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// State is the persisted form of the ledger. Version increases by one on
// every successful Save.
type State struct {
	Version       int64                `json:"version"`
	MonthlyBudget decimal.Decimal      `json:"monthly_budget"`
	TotalCost     decimal.Decimal      `json:"total_cost"`
	PerTier       map[string]TierUsage `json:"per_tier"`
	History       []HistoryEntry       `json:"history"`
	Documents     int                  `json:"documents"`
	Successes     int                  `json:"successes"`
	AccuracySum   float64              `json:"accuracy_sum"`
	LatencySum    time.Duration        `json:"latency_sum"`
	CycleStart    time.Time            `json:"cycle_start"`
	Holds         map[string]Hold      `json:"holds,omitempty"`
}

func (s *State) clone() State {
	c := *s
	c.PerTier = make(map[string]TierUsage, len(s.PerTier))
	for k, v := range s.PerTier {
		c.PerTier[k] = v
	}
	c.History = append([]HistoryEntry(nil), s.History...)
	c.Holds = make(map[string]Hold, len(s.Holds))
	for k, v := range s.Holds {
		c.Holds[k] = v
	}
	return c
}

// Efficiency holds the rolling quality metrics.
type Efficiency struct {
	MeanAccuracy      float64       `json:"mean_accuracy"`
	MeanLatency       time.Duration `json:"mean_latency"`
	AccuracyPerDollar float64       `json:"accuracy_per_dollar"`
}

// Snapshot is a read-only view of the ledger at one instant.
type Snapshot struct {
	State
	RemainingBudget decimal.Decimal `json:"remaining_budget"`
	Reserved        decimal.Decimal `json:"reserved"`
	Efficiency      Efficiency      `json:"efficiency"`
	CostPerDocument decimal.Decimal `json:"cost_per_document"`
}

// Available is the budget that can still be reserved.
func (s Snapshot) Available() decimal.Decimal {
	return s.RemainingBudget.Sub(s.Reserved)
}

// UsageRatio is total cost over the monthly budget. A zero budget counts as
// fully used.
func (s Snapshot) UsageRatio() float64 {
	if !s.MonthlyBudget.IsPositive() {
		return 1
	}
	return s.TotalCost.Div(s.MonthlyBudget).InexactFloat64()
}

// Store persists ledger state shared by every process using the ledger.
type Store interface {
	// Load returns the saved state, or nil when nothing has been saved yet.
	Load(ctx context.Context) (*State, error)
	// Save writes state only if the stored version is state.Version-1, or
	// nothing is stored and state.Version is 1. Otherwise it returns
	// ErrConflict and writes nothing.
	Save(ctx context.Context, state *State) error
}

// Clock abstracts time for billing-cycle tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
