package pipeline

import (
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/tier"
)

// Request is one uploaded document.
type Request struct {
	FileBytes       []byte
	Filename        string
	MIMEType        string // detected from the filename and bytes when empty
	DocType         domain.DocType
	Currency        string
	UserID          string
	UserTier        domain.UserTier
	Preferences     tier.Preferences
	EstimatedAmount *float64

	// Reprocess runs every stage again even when the import already
	// reached a later status. Staged rows are updated in place.
	Reprocess bool
}

// Stats are the per-document counters returned with a result.
type Stats struct {
	ingesterr.Stats
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Collapsed int `json:"collapsed"`
	Flagged   int `json:"needs_review"`
}

// Result is the outcome of a successful ingestion.
type Result struct {
	ImportID     string                      `json:"import_id"`
	RunID        string                      `json:"run_id,omitempty"`
	Status       domain.ImportStatus         `json:"status"`
	Decision     tier.Decision               `json:"decision"`
	Transactions []domain.StagingTransaction `json:"transactions"`
	Stats        Stats                       `json:"stats"`
	Warnings     []string                    `json:"warnings,omitempty"`
	// Resumed is true when the import existed and earlier stage output
	// was reused.
	Resumed bool   `json:"resumed"`
	Cost    string `json:"cost"`
}
