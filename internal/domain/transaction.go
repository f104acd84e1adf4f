package domain

import (
	"time"
)

// TxType is the direction of a transaction.
type TxType string

const (
	TxDebit  TxType = "debit"
	TxCredit TxType = "credit"
)

// ParseTxType maps free-form model output onto a TxType. Unknown values
// report ok=false so the caller can infer the type from the amount sign.
func ParseTxType(s string) (TxType, bool) {
	switch TxType(s) {
	case TxDebit, TxCredit:
		return TxType(s), true
	}
	return "", false
}

// ExtractedTransaction is one transaction produced by the extractor after
// post-processing. Debits always carry Amount <= 0 and Confidence is always
// within [0,1].
type ExtractedTransaction struct {
	Date        *string `json:"date"` // ISO YYYY-MM-DD or nil
	Description string  `json:"description"`
	Merchant    string  `json:"merchant,omitempty"`
	Amount      float64 `json:"amount"`
	Type        TxType  `json:"type"`
	Category    *string `json:"category"`
	Confidence  float64 `json:"confidence"`
}

// Label returns the merchant when present, otherwise the description.
func (t ExtractedTransaction) Label() string {
	if t.Merchant != "" {
		return t.Merchant
	}
	return t.Description
}

// StagingTransaction is a persisted candidate transaction. The pair
// (ImportID, ContentHash) is unique in every staging store.
type StagingTransaction struct {
	StagingID   string    `json:"staging_id"`
	ImportID    string    `json:"import_id"`
	UserID      string    `json:"user_id"`
	ContentHash string    `json:"content_hash"`
	Date        *string   `json:"date"`
	Description string    `json:"description"`
	Merchant    string    `json:"merchant,omitempty"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	Type        TxType    `json:"type"`
	Category    *string   `json:"category"`
	Confidence  float64   `json:"confidence"`
	DocType     DocType   `json:"doc_type"`
	Tier        string    `json:"tier"`
	NeedsReview bool      `json:"needs_review"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
