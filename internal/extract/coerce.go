package extract

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dvloznov/docingest/internal/domain"
	"github.com/shopspring/decimal"
)

// DefaultConfidence is used when the model gives no usable confidence.
const DefaultConfidence = 0.5

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006/01/02",
}

// toTransaction coerces one model element into an ExtractedTransaction. It
// never trusts the model for the sign convention or the confidence range.
func toTransaction(i int, item interface{}, docType domain.DocType) (*domain.ExtractedTransaction, error) {
	obj, ok := item.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("transaction %d is %T, want object", i, item)
	}

	desc := stringField(obj, "description")
	merchant := stringField(obj, "merchant")
	if desc == "" && merchant == "" {
		return nil, fmt.Errorf("transaction %d has neither description nor merchant", i)
	}
	if desc == "" {
		desc = merchant
	}

	amount, explicitNegative := coerceAmount(obj["amount"])
	txType, ok := domain.ParseTxType(strings.ToLower(stringField(obj, "type")))
	if !ok {
		txType = inferType(amount, explicitNegative, docType)
	}
	if txType == domain.TxDebit && amount > 0 {
		amount = -amount
	}

	tx := &domain.ExtractedTransaction{
		Date:        coerceDate(obj["date"]),
		Description: desc,
		Merchant:    merchant,
		Amount:      amount,
		Type:        txType,
		Confidence:  coerceConfidence(obj["confidence"]),
	}
	if cat := stringField(obj, "category"); cat != "" {
		tx.Category = &cat
	}
	return tx, nil
}

func inferType(amount float64, negative bool, docType domain.DocType) domain.TxType {
	switch {
	case negative || amount < 0:
		return domain.TxDebit
	case docType == domain.DocReceipt:
		return domain.TxDebit
	case amount > 0:
		return domain.TxCredit
	}
	return domain.TxDebit
}

func stringField(m map[string]interface{}, key string) string {
	s, ok := m[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// coerceAmount turns a JSON number or a printed amount into a float. It
// accepts currency symbols, thousands separators, a leading or trailing
// minus and accounting parentheses. Anything unreadable is 0. The second
// return reports whether the value was written as negative.
func coerceAmount(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return 0, false
		}
		return val, val < 0
	case string:
		return parseAmount(val)
	}
	return 0, false
}

func parseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	negative := false

	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	upper := strings.ToUpper(s)
	if strings.HasSuffix(upper, "DR") {
		negative = true
		s = strings.TrimSpace(s[:len(s)-2])
	} else if strings.HasSuffix(upper, "CR") {
		s = strings.TrimSpace(s[:len(s)-2])
	}
	if strings.HasSuffix(s, "-") {
		negative = true
		s = strings.TrimSpace(strings.TrimSuffix(s, "-"))
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
			b.WriteRune(r)
		case r == '-' && b.Len() == 0:
			negative = true
		}
	}
	d, err := decimal.NewFromString(b.String())
	if err != nil {
		return 0, false
	}
	if negative {
		d = d.Neg()
	}
	f, _ := d.Float64()
	return f, negative
}

// coerceConfidence clamps to [0,1]. Strings such as "85%" or "0.85" are
// accepted; anything else is DefaultConfidence.
func coerceConfidence(v interface{}) float64 {
	var c float64
	switch val := v.(type) {
	case float64:
		c = val
	case string:
		s := strings.TrimSpace(val)
		percent := strings.HasSuffix(s, "%")
		d, err := decimal.NewFromString(strings.TrimSpace(strings.TrimSuffix(s, "%")))
		if err != nil {
			return DefaultConfidence
		}
		c, _ = d.Float64()
		if percent {
			c /= 100
		}
	default:
		return DefaultConfidence
	}
	if math.IsNaN(c) {
		return DefaultConfidence
	}
	return math.Max(0, math.Min(1, c))
}

// coerceDate returns an ISO date or nil.
func coerceDate(v interface{}) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			iso := t.Format("2006-01-02")
			return &iso
		}
	}
	return nil
}
