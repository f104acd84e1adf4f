// Package staging turns extracted transactions into deduplicated staging
// rows and upserts them in one batch per import.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/dvloznov/docingest/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// stagingNamespace seeds the deterministic staging row ids.
var stagingNamespace = uuid.MustParse("6f1d8c0e-3b7a-4d51-9a52-2f0c7d6e9b14")

// ContentHash fingerprints a transaction by date, amount and label only.
// Category and confidence are left out so a better re-extraction updates
// the same row.
func ContentHash(tx domain.ExtractedTransaction) string {
	date := ""
	if tx.Date != nil {
		date = *tx.Date
	}
	amount := decimal.NewFromFloat(tx.Amount).StringFixed(2)
	if amount == "-0.00" {
		amount = "0.00"
	}
	key := date + "|" + amount + "|" + normalizeLabel(tx.Label())
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func normalizeLabel(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// StagingID is stable for an (import, hash) pair, so every backend assigns
// the same id to the same row.
func StagingID(importID, hash string) string {
	return uuid.NewSHA1(stagingNamespace, []byte(importID+"|"+hash)).String()
}
