package pipeline

// Default values for ingestion requests.
const (
	// DefaultUserID is used when a request carries no user.
	DefaultUserID = "default"

	// DefaultCurrency is used when a request carries no currency.
	DefaultCurrency = "USD"
)

// Stage names used in logs, metrics and typed errors.
const (
	StageResolve   = "resolve"
	StageSelect    = "select"
	StageRun       = "run"
	StageArchive   = "archive"
	StageOCR       = "ocr"
	StageNormalize = "normalize"
	StageExtract   = "extract"
	StageStage     = "stage"
	StageUsage     = "usage"
)
