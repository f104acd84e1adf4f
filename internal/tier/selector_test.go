package tier

import (
	"testing"
	"time"

	"github.com/dvloznov/docingest/internal/budget"
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotWith(remaining string) budget.Snapshot {
	return budget.Snapshot{RemainingBudget: decimal.RequireFromString(remaining)}
}

func amount(v float64) *float64 { return &v }

func TestComplexityFor(t *testing.T) {
	assert.Equal(t, Simple, ComplexityFor(0))
	assert.Equal(t, Simple, ComplexityFor(SimpleMaxBytes-1))
	assert.Equal(t, Medium, ComplexityFor(SimpleMaxBytes))
	assert.Equal(t, Medium, ComplexityFor(MediumMaxBytes-1))
	assert.Equal(t, Complex, ComplexityFor(MediumMaxBytes))
}

func TestImportanceFor(t *testing.T) {
	tests := []struct {
		name    string
		amount  *float64
		docType domain.DocType
		want    Importance
	}{
		{"small explicit", amount(99.99), domain.DocStatement, LowImportance},
		{"negative amount uses magnitude", amount(-1500), domain.DocReceipt, HighImportance},
		{"medium boundary", amount(100), domain.DocReceipt, MediumImportance},
		{"high boundary", amount(1000), domain.DocReceipt, HighImportance},
		{"receipt default", nil, domain.DocReceipt, LowImportance},
		{"statement default", nil, domain.DocStatement, MediumImportance},
		{"credit card default", nil, domain.DocCreditCardStatement, HighImportance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ImportanceFor(tt.amount, tt.docType))
		})
	}
}

func TestScoreConstants(t *testing.T) {
	tiers := DefaultCatalog()
	local, _ := tiers.Lookup("local")
	flash, _ := tiers.Lookup("gemini-flash")

	assert.InDelta(t, 0.894444, Score(local, Simple, MediumImportance, Preferences{}), 1e-5)
	assert.InDelta(t, 0.817778, Score(flash, Simple, MediumImportance, Preferences{}), 1e-5)
	assert.InDelta(t, 0.817778+HighImportanceBonus, Score(flash, Simple, HighImportance, Preferences{}), 1e-5)
	assert.InDelta(t, 0.817778+ComplexDocumentBonus, Score(flash, Complex, MediumImportance, Preferences{}), 1e-5)
	assert.InDelta(t, 0.843333, Score(flash, Simple, MediumImportance, Preferences{PrioritizeAccuracy: true}), 1e-5)

	w := weightsFor(Preferences{PrioritizeSpeed: true})
	assert.InDelta(t, 0.5, w.speed, 1e-9)
	assert.InDelta(t, 0.25, w.cost, 1e-9)
	assert.InDelta(t, 1.0, w.cost+w.accuracy+w.speed, 1e-9)
}

func TestSelect(t *testing.T) {
	sel := NewSelector(DefaultCatalog())

	tests := []struct {
		name      string
		req       Request
		remaining string
		wantTier  string
		fallback  bool
		wantAlts  []string
	}{
		{
			name: "exhausted budget ignores preferences",
			req: Request{
				FileSize: 200 * 1024, DocType: domain.DocReceipt, UserTier: domain.UserFree,
				Preferences: Preferences{PrioritizeAccuracy: true},
			},
			remaining: "0.00",
			wantTier:  "local",
			fallback:  true,
		},
		{
			name: "overspent budget falls back even for enterprise",
			req: Request{
				FileSize: 200 * 1024, DocType: domain.DocStatement, UserTier: domain.UserEnterprise,
				EstimatedAmount: amount(50000),
			},
			remaining: "-0.04",
			wantTier:  "local",
			fallback:  true,
		},
		{
			name: "high importance with accuracy priority",
			req: Request{
				FileSize: 500 * 1024, DocType: domain.DocStatement, UserTier: domain.UserPremium,
				EstimatedAmount: amount(5000), Preferences: Preferences{PrioritizeAccuracy: true},
			},
			remaining: "10",
			wantTier:  "gemini-flash",
			wantAlts:  []string{"vision", "local", "gemini-pro"},
		},
		{
			name: "complex file skips medium-only tier",
			req: Request{
				FileSize: 6 * mib, DocType: domain.DocReceipt, UserTier: domain.UserBasic,
			},
			remaining: "10",
			wantTier:  "local",
			wantAlts:  []string{"gemini-flash"},
		},
		{
			name: "tight budget excludes expensive tiers",
			req: Request{
				FileSize: 500 * 1024, DocType: domain.DocStatement, UserTier: domain.UserPremium,
				EstimatedAmount: amount(5000), Preferences: Preferences{PrioritizeAccuracy: true},
			},
			remaining: "0.015",
			wantTier:  "vision",
			wantAlts:  []string{"local"},
		},
		{
			name: "oversized file only fits pro tier",
			req: Request{
				FileSize: 30 * mib, DocType: domain.DocStatement, UserTier: domain.UserPremium,
			},
			remaining: "10",
			wantTier:  "gemini-pro",
		},
		{
			name: "oversized file for free user has no eligible tier",
			req: Request{
				FileSize: 30 * mib, DocType: domain.DocStatement, UserTier: domain.UserFree,
			},
			remaining: "10",
			wantTier:  "local",
			fallback:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := sel.Select(tt.req, snapshotWith(tt.remaining))
			assert.Equal(t, tt.wantTier, d.TierName)
			assert.Equal(t, tt.wantTier, d.Tier.Name)
			assert.Equal(t, tt.fallback, d.Fallback)
			assert.NotEmpty(t, d.Rationale)

			var alts []string
			for _, a := range d.Alternatives {
				alts = append(alts, a.Tier)
			}
			assert.Equal(t, tt.wantAlts, alts)
			assert.LessOrEqual(t, len(d.Alternatives), MaxAlternatives)
		})
	}
}

func TestSelect_ReservedBudgetCountsAgainstAvailable(t *testing.T) {
	sel := NewSelector(DefaultCatalog())
	snap := budget.Snapshot{
		RemainingBudget: decimal.RequireFromString("0.05"),
		Reserved:        decimal.RequireFromString("0.05"),
	}
	d := sel.Select(Request{FileSize: 1024, DocType: domain.DocReceipt, UserTier: domain.UserPremium}, snap)
	assert.Equal(t, "local", d.TierName)
	assert.True(t, d.Fallback)
}

func TestSelect_TieBreaksByName(t *testing.T) {
	profile := Tier{
		Engine:        EngineLocal,
		Cost:          decimal.Zero,
		Accuracy:      0.8,
		Latency:       3 * time.Second,
		MaxFileSize:   mib,
		MaxComplexity: Complex,
	}
	b, a := profile, profile
	b.Name, a.Name = "bravo", "alpha"
	catalog, err := NewCatalog([]Tier{b, a})
	require.NoError(t, err)

	d := NewSelector(catalog).Select(Request{FileSize: 10}, snapshotWith("1"))
	assert.Equal(t, "alpha", d.TierName)
	require.Len(t, d.Alternatives, 1)
	assert.Equal(t, "bravo", d.Alternatives[0].Tier)
}

func TestSelect_RationaleNamesFactors(t *testing.T) {
	sel := NewSelector(DefaultCatalog())
	d := sel.Select(Request{
		FileSize: 500 * 1024, DocType: domain.DocStatement, UserTier: domain.UserPremium,
		EstimatedAmount: amount(5000), Preferences: Preferences{PrioritizeAccuracy: true},
	}, snapshotWith("10"))

	assert.Contains(t, d.Rationale, "gemini-flash")
	assert.Contains(t, d.Rationale, "prioritized accuracy")
	assert.Contains(t, d.Rationale, "high-importance")
}

func TestNewCatalogValidation(t *testing.T) {
	paid := DefaultTiers()[1]

	_, err := NewCatalog(nil)
	assert.Error(t, err)

	_, err = NewCatalog([]Tier{paid})
	assert.ErrorContains(t, err, "zero-cost")

	dup := DefaultTiers()
	dup = append(dup, dup[0])
	_, err = NewCatalog(dup)
	assert.ErrorContains(t, err, "duplicate")

	bad := DefaultTiers()
	bad[0].Accuracy = 1.2
	_, err = NewCatalog(bad)
	assert.Error(t, err)

	c := DefaultCatalog()
	assert.Equal(t, "local", c.ZeroCost().Name)
	assert.Len(t, c.Tiers(), 4)
}

func TestSelect_FaultFallsBack(t *testing.T) {
	req := Request{FileSize: 1024, DocType: domain.DocStatement, UserTier: domain.UserPremium}

	sel := NewSelector(DefaultCatalog())
	sel.catalog = nil // faults while listing tiers
	d := sel.Select(req, snapshotWith("10"))
	assert.True(t, d.Fallback)
	assert.Equal(t, "local", d.TierName)
	assert.True(t, d.EstimatedCost.IsZero())
	assert.Contains(t, d.Rationale, "selection fault")

	d = NewSelector(nil).Select(req, snapshotWith("10"))
	assert.True(t, d.Fallback)
	assert.Equal(t, "local", d.TierName)

	d = NewSelector(nil).Select(req, snapshotWith("0"))
	assert.Equal(t, "local", d.TierName)
	assert.Contains(t, d.Rationale, "budget exhausted")
}
