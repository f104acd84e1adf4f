package domain

import (
	"fmt"
	"strings"
	"time"
)

// DocType identifies the kind of financial document being ingested.
type DocType string

const (
	DocStatement           DocType = "statement"
	DocReceipt             DocType = "receipt"
	DocCreditCardStatement DocType = "credit_card_statement"
)

// ParseDocType validates a document type string.
func ParseDocType(s string) (DocType, error) {
	switch d := DocType(strings.ToLower(strings.TrimSpace(s))); d {
	case DocStatement, DocReceipt, DocCreditCardStatement:
		return d, nil
	}
	return "", fmt.Errorf("unknown document type %q", s)
}

// IsStatement reports whether the document lists many ledger rows.
func (d DocType) IsStatement() bool {
	return d == DocStatement || d == DocCreditCardStatement
}

// UserTier is the caller's subscription level. Tiers are ordered.
type UserTier int

const (
	UserFree UserTier = iota
	UserBasic
	UserPremium
	UserEnterprise
)

var userTierNames = []string{"free", "basic", "premium", "enterprise"}

func (u UserTier) String() string {
	if int(u) < 0 || int(u) >= len(userTierNames) {
		return fmt.Sprintf("UserTier(%d)", int(u))
	}
	return userTierNames[u]
}

// ParseUserTier maps a name onto a UserTier.
func ParseUserTier(s string) (UserTier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range userTierNames {
		if n == s {
			return UserTier(i), nil
		}
	}
	return UserFree, fmt.Errorf("unknown user tier %q", s)
}

// ImportStatus tracks how far an import has progressed. Statuses are ordered
// so a resumed run can skip every stage at or below the stored one.
type ImportStatus string

const (
	ImportCreated     ImportStatus = "created"
	ImportOCRComplete ImportStatus = "ocr_complete"
	ImportParsed      ImportStatus = "parsed"
	ImportStaged      ImportStatus = "staged"
)

var importStatusRank = map[ImportStatus]int{
	ImportCreated:     0,
	ImportOCRComplete: 1,
	ImportParsed:      2,
	ImportStaged:      3,
}

// Reached reports whether s is at or past target.
func (s ImportStatus) Reached(target ImportStatus) bool {
	return importStatusRank[s] >= importStatusRank[target]
}

// Import is the progress record for one uploaded document.
type Import struct {
	ImportID       string       `json:"import_id"`
	UserID         string       `json:"user_id"`
	Checksum       string       `json:"checksum_sha256"`
	Filename       string       `json:"filename"`
	MIMEType       string       `json:"mime_type"`
	DocType        DocType      `json:"doc_type"`
	Currency       string       `json:"currency"`
	Status         ImportStatus `json:"status"`
	Tier           string       `json:"tier"`
	ArchiveURI     string       `json:"archive_uri,omitempty"`
	OCRText        string       `json:"-"`
	ExtractionJSON string       `json:"-"`
	LastError      string       `json:"last_error,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Parsing run statuses.
const (
	RunRunning = "RUNNING"
	RunSuccess = "SUCCESS"
	RunFailed  = "FAILED"
)

// ParsingRun is one pipeline invocation against an import.
type ParsingRun struct {
	RunID        string     `json:"run_id"`
	ImportID     string     `json:"import_id"`
	Tier         string     `json:"tier"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// MaxErrorMessageLen bounds stored run and import error text.
const MaxErrorMessageLen = 2000

// TruncateError returns err's message cut to MaxErrorMessageLen.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > MaxErrorMessageLen {
		msg = msg[:MaxErrorMessageLen]
	}
	return msg
}

// ModelOutput keeps the raw text a stage produced, for diagnosis.
type ModelOutput struct {
	OutputID  string    `json:"output_id"`
	RunID     string    `json:"run_id"`
	ImportID  string    `json:"import_id"`
	Stage     string    `json:"stage"` // "ocr" or "extract"
	ModelName string    `json:"model_name"`
	RawOutput string    `json:"raw_output"`
	CreatedAt time.Time `json:"created_at"`
}
