package tier

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/docingest/internal/budget"
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/shopspring/decimal"
)

// Scoring constants. Changing any of them changes tier choices, so each is
// pinned by selector tests.
const (
	// SimpleMaxBytes and MediumMaxBytes bound the complexity buckets.
	SimpleMaxBytes = 1 * mib
	MediumMaxBytes = 5 * mib

	// LowImportanceBelow and HighImportanceFrom bound the importance buckets
	// by absolute estimated amount.
	LowImportanceBelow = 100.0
	HighImportanceFrom = 1000.0

	// CostCeiling is the per-document cost that scores zero on the cost axis.
	CostCeiling = 0.10

	// LatencyCeiling is the latency that scores zero on the speed axis.
	LatencyCeiling = 30 * time.Second

	// BaseWeight and PriorityWeight are the unnormalized axis weights.
	BaseWeight     = 1.0
	PriorityWeight = 2.0

	// HighImportanceBonus applies when accuracy exceeds HighImportanceAccuracy
	// and the document is high importance.
	HighImportanceBonus    = 0.10
	HighImportanceAccuracy = 0.9

	// ComplexDocumentBonus applies when accuracy exceeds ComplexAccuracy and
	// the document is complex.
	ComplexDocumentBonus = 0.05
	ComplexAccuracy      = 0.8

	// MaxAlternatives is how many runners-up a decision lists.
	MaxAlternatives = 3
)

// Default amount estimates used when the caller provides none.
var defaultEstimates = map[domain.DocType]float64{
	domain.DocReceipt:             50,
	domain.DocStatement:           500,
	domain.DocCreditCardStatement: 1000,
}

// Preferences are the caller's optional priority flags.
type Preferences struct {
	PrioritizeCost     bool `json:"prioritize_cost"`
	PrioritizeAccuracy bool `json:"prioritize_accuracy"`
	PrioritizeSpeed    bool `json:"prioritize_speed"`
}

// Request describes the document a tier is being chosen for.
type Request struct {
	FileSize        int64
	DocType         domain.DocType
	EstimatedAmount *float64
	UserTier        domain.UserTier
	Preferences     Preferences
}

// Alternative is a runner-up tier.
type Alternative struct {
	Tier          string          `json:"tier"`
	Score         float64         `json:"score"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
	Accuracy      float64         `json:"accuracy"`
	Latency       time.Duration   `json:"latency"`
}

// Decision is the selector's choice for one request.
type Decision struct {
	Tier              Tier            `json:"-"`
	TierName          string          `json:"tier"`
	Score             float64         `json:"score"`
	Rationale         string          `json:"rationale"`
	EstimatedCost     decimal.Decimal `json:"estimated_cost"`
	EstimatedAccuracy float64         `json:"estimated_accuracy"`
	EstimatedLatency  time.Duration   `json:"estimated_latency"`
	Alternatives      []Alternative   `json:"alternatives"`
	Complexity        Complexity      `json:"-"`
	Importance        Importance      `json:"-"`
	Fallback          bool            `json:"fallback"`
}

// Selector scores catalog tiers for a request.
type Selector struct {
	catalog *Catalog
	free    Tier
}

// NewSelector creates a Selector over catalog. The zero-cost tier is
// captured here so a fallback never has to touch the catalog again.
func NewSelector(catalog *Catalog) *Selector {
	s := &Selector{catalog: catalog}
	if catalog != nil {
		s.free = catalog.ZeroCost()
	}
	return s
}

// Catalog returns the selector's catalog.
func (s *Selector) Catalog() *Catalog {
	return s.catalog
}

// ComplexityFor buckets a file by size.
func ComplexityFor(size int64) Complexity {
	switch {
	case size < SimpleMaxBytes:
		return Simple
	case size < MediumMaxBytes:
		return Medium
	}
	return Complex
}

// ImportanceFor buckets a document by estimated amount, falling back to the
// doc-type default.
func ImportanceFor(amount *float64, docType domain.DocType) Importance {
	var v float64
	if amount != nil {
		v = math.Abs(*amount)
	} else {
		v = defaultEstimates[docType]
	}
	switch {
	case v < LowImportanceBelow:
		return LowImportance
	case v < HighImportanceFrom:
		return MediumImportance
	}
	return HighImportance
}

type weights struct {
	cost, accuracy, speed float64
}

func weightsFor(p Preferences) weights {
	w := weights{BaseWeight, BaseWeight, BaseWeight}
	if p.PrioritizeCost {
		w.cost = PriorityWeight
	}
	if p.PrioritizeAccuracy {
		w.accuracy = PriorityWeight
	}
	if p.PrioritizeSpeed {
		w.speed = PriorityWeight
	}
	sum := w.cost + w.accuracy + w.speed
	return weights{w.cost / sum, w.accuracy / sum, w.speed / sum}
}

// Score computes a tier's score for the given buckets and weights.
func Score(t Tier, c Complexity, imp Importance, p Preferences) float64 {
	w := weightsFor(p)
	costScore := clamp01(1 - t.Cost.InexactFloat64()/CostCeiling)
	speedScore := clamp01(1 - float64(t.Latency)/float64(LatencyCeiling))
	score := w.cost*costScore + w.accuracy*t.Accuracy + w.speed*speedScore
	if t.Accuracy > HighImportanceAccuracy && imp == HighImportance {
		score += HighImportanceBonus
	}
	if t.Accuracy > ComplexAccuracy && c == Complex {
		score += ComplexDocumentBonus
	}
	return score
}

// Eligible reports whether t may serve the request under the available budget.
func Eligible(t Tier, req Request, c Complexity, available decimal.Decimal) bool {
	return req.UserTier >= t.MinUserTier &&
		req.FileSize <= t.MaxFileSize &&
		c <= t.MaxComplexity &&
		!t.Cost.GreaterThan(available)
}

type scored struct {
	tier  Tier
	score float64
}

// Select picks a tier. It never fails: exhausted budget, an empty eligible
// set or an internal fault all yield the zero-cost tier.
func (s *Selector) Select(req Request, snap budget.Snapshot) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			d = s.Fallback(fmt.Sprintf("selection fault (%v)", r))
		}
	}()

	available := snap.Available()
	if !snap.RemainingBudget.IsPositive() || !available.IsPositive() {
		return s.Fallback("budget exhausted")
	}

	complexity := ComplexityFor(req.FileSize)
	importance := ImportanceFor(req.EstimatedAmount, req.DocType)

	var candidates []scored
	for _, t := range s.catalog.Tiers() {
		if !Eligible(t, req, complexity, available) {
			continue
		}
		candidates = append(candidates, scored{tier: t, score: Score(t, complexity, importance, req.Preferences)})
	}
	if len(candidates) == 0 {
		d = s.Fallback("no eligible tier")
		d.Complexity, d.Importance = complexity, importance
		return d
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.tier.Cost.Equal(b.tier.Cost) {
			return a.tier.Cost.LessThan(b.tier.Cost)
		}
		return a.tier.Name < b.tier.Name
	})

	best := candidates[0]
	d = decisionFor(best.tier)
	d.Score = best.score
	d.Complexity = complexity
	d.Importance = importance
	for _, c := range candidates[1:] {
		if len(d.Alternatives) == MaxAlternatives {
			break
		}
		d.Alternatives = append(d.Alternatives, Alternative{
			Tier:          c.tier.Name,
			Score:         c.score,
			EstimatedCost: c.tier.Cost,
			Accuracy:      c.tier.Accuracy,
			Latency:       c.tier.Latency,
		})
	}
	d.Rationale = rationale(best, req, complexity, importance, len(candidates), len(s.catalog.tiers))
	return d
}

// Fallback returns a decision for the zero-cost tier. It does not read the
// catalog, so it is safe to call while recovering from a selection fault.
func (s *Selector) Fallback(reason string) Decision {
	free := s.free
	if free.Name == "" {
		free = builtinZeroCost()
	}
	d := decisionFor(free)
	d.Fallback = true
	d.Rationale = fmt.Sprintf("%s: using zero-cost tier %s", reason, d.TierName)
	return d
}

// builtinZeroCost is the zero-cost tier of the built-in catalog, used when
// a selector was built without a usable catalog.
func builtinZeroCost() Tier {
	for _, t := range DefaultTiers() {
		if t.Cost.IsZero() {
			return t
		}
	}
	return Tier{Name: "local", Engine: EngineLocal}
}

func decisionFor(t Tier) Decision {
	return Decision{
		Tier:              t,
		TierName:          t.Name,
		EstimatedCost:     t.Cost,
		EstimatedAccuracy: t.Accuracy,
		EstimatedLatency:  t.Latency,
	}
}

func rationale(best scored, req Request, c Complexity, imp Importance, eligible, total int) string {
	parts := []string{fmt.Sprintf("selected %s (score %.3f)", best.tier.Name, best.score)}
	var prio []string
	if req.Preferences.PrioritizeCost {
		prio = append(prio, "cost")
	}
	if req.Preferences.PrioritizeAccuracy {
		prio = append(prio, "accuracy")
	}
	if req.Preferences.PrioritizeSpeed {
		prio = append(prio, "speed")
	}
	if len(prio) > 0 {
		parts = append(parts, "prioritized "+strings.Join(prio, "+"))
	}
	if best.tier.Accuracy > HighImportanceAccuracy && imp == HighImportance {
		parts = append(parts, fmt.Sprintf("accuracy %.2f for high-importance document", best.tier.Accuracy))
	}
	if best.tier.Accuracy > ComplexAccuracy && c == Complex {
		parts = append(parts, "complex document bonus")
	}
	if best.tier.IsFree() {
		parts = append(parts, "no cost")
	} else {
		parts = append(parts, "cost "+best.tier.Cost.StringFixed(2))
	}
	parts = append(parts, fmt.Sprintf("%s/%s document, %d of %d tiers eligible", c, imp, eligible, total))
	return strings.Join(parts, "; ")
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
