// Package tier holds the catalog of processing tiers and the selector that
// picks one per document under the current budget.
package tier

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/docingest/internal/domain"
	"github.com/shopspring/decimal"
)

// Complexity is the ordinal difficulty bucket of a file.
type Complexity int

const (
	Simple Complexity = iota
	Medium
	Complex
)

func (c Complexity) String() string {
	switch c {
	case Simple:
		return "simple"
	case Medium:
		return "medium"
	case Complex:
		return "complex"
	}
	return fmt.Sprintf("Complexity(%d)", int(c))
}

// ParseComplexity maps a name onto a Complexity.
func ParseComplexity(s string) (Complexity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "simple":
		return Simple, nil
	case "medium":
		return Medium, nil
	case "complex":
		return Complex, nil
	}
	return Simple, fmt.Errorf("unknown complexity %q", s)
}

// Importance is the ordinal value bucket of a document's transactions.
type Importance int

const (
	LowImportance Importance = iota
	MediumImportance
	HighImportance
)

func (i Importance) String() string {
	switch i {
	case LowImportance:
		return "low"
	case MediumImportance:
		return "medium"
	case HighImportance:
		return "high"
	}
	return fmt.Sprintf("Importance(%d)", int(i))
}

// Engine identifiers understood by the OCR registry.
const (
	EngineLocal  = "local"
	EngineVision = "vision"
	EngineGemini = "gemini"
)

// Tier is one engine/cost profile.
type Tier struct {
	Name          string
	Engine        string
	Model         string // extraction model used after OCR
	Cost          decimal.Decimal
	Accuracy      float64
	Latency       time.Duration
	MaxFileSize   int64
	MinConfidence float64
	MaxComplexity Complexity
	MinUserTier   domain.UserTier
}

// IsFree reports whether the tier costs nothing.
func (t Tier) IsFree() bool {
	return !t.Cost.IsPositive()
}

const mib = 1 << 20

// DefaultTiers is the built-in catalog.
func DefaultTiers() []Tier {
	return []Tier{
		{
			Name:          "local",
			Engine:        EngineLocal,
			Model:         "gemini-2.5-flash-lite",
			Cost:          decimal.Zero,
			Accuracy:      0.75,
			Latency:       2 * time.Second,
			MaxFileSize:   20 * mib,
			MinConfidence: 0.6,
			MaxComplexity: Complex,
			MinUserTier:   domain.UserFree,
		},
		{
			Name:          "vision",
			Engine:        EngineVision,
			Model:         "gemini-2.5-flash-lite",
			Cost:          decimal.RequireFromString("0.01"),
			Accuracy:      0.88,
			Latency:       5 * time.Second,
			MaxFileSize:   20 * mib,
			MinConfidence: 0.7,
			MaxComplexity: Medium,
			MinUserTier:   domain.UserBasic,
		},
		{
			Name:          "gemini-flash",
			Engine:        EngineGemini,
			Model:         "gemini-2.5-flash",
			Cost:          decimal.RequireFromString("0.02"),
			Accuracy:      0.92,
			Latency:       8 * time.Second,
			MaxFileSize:   20 * mib,
			MinConfidence: 0.75,
			MaxComplexity: Complex,
			MinUserTier:   domain.UserBasic,
		},
		{
			Name:          "gemini-pro",
			Engine:        EngineGemini,
			Model:         "gemini-2.5-pro",
			Cost:          decimal.RequireFromString("0.08"),
			Accuracy:      0.97,
			Latency:       20 * time.Second,
			MaxFileSize:   50 * mib,
			MinConfidence: 0.8,
			MaxComplexity: Complex,
			MinUserTier:   domain.UserPremium,
		},
	}
}

// Catalog is the static, validated set of tiers.
type Catalog struct {
	tiers  []Tier
	byName map[string]Tier
	free   Tier
}

// NewCatalog validates tiers and builds a catalog. At least one tier must be
// free; the cheapest free tier (by name on ties) becomes the fallback.
func NewCatalog(tiers []Tier) (*Catalog, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("NewCatalog: no tiers")
	}
	c := &Catalog{byName: make(map[string]Tier, len(tiers))}
	var free []Tier
	for _, t := range tiers {
		if t.Name == "" {
			return nil, fmt.Errorf("NewCatalog: tier with empty name")
		}
		if _, dup := c.byName[t.Name]; dup {
			return nil, fmt.Errorf("NewCatalog: duplicate tier %q", t.Name)
		}
		if t.Accuracy < 0 || t.Accuracy > 1 {
			return nil, fmt.Errorf("NewCatalog: tier %q accuracy %.2f outside [0,1]", t.Name, t.Accuracy)
		}
		if t.Cost.IsNegative() {
			return nil, fmt.Errorf("NewCatalog: tier %q has negative cost", t.Name)
		}
		if t.MaxFileSize <= 0 {
			return nil, fmt.Errorf("NewCatalog: tier %q needs a positive max file size", t.Name)
		}
		if t.Engine == "" {
			return nil, fmt.Errorf("NewCatalog: tier %q has no engine", t.Name)
		}
		c.byName[t.Name] = t
		c.tiers = append(c.tiers, t)
		if t.IsFree() {
			free = append(free, t)
		}
	}
	if len(free) == 0 {
		return nil, fmt.Errorf("NewCatalog: catalog needs a zero-cost tier")
	}
	sort.Slice(free, func(i, j int) bool { return free[i].Name < free[j].Name })
	c.free = free[0]
	return c, nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := NewCatalog(DefaultTiers())
	if err != nil {
		panic(err)
	}
	return c
}

// Tiers returns a copy of all tiers in catalog order.
func (c *Catalog) Tiers() []Tier {
	return append([]Tier(nil), c.tiers...)
}

// Lookup finds a tier by name.
func (c *Catalog) Lookup(name string) (Tier, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// ZeroCost returns the fallback tier.
func (c *Catalog) ZeroCost() Tier {
	return c.free
}
