package pipeline

import (
	"context"

	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/extract"
	"github.com/dvloznov/docingest/internal/ocr"
	"github.com/dvloznov/docingest/internal/staging"
)

// ImportRepository persists import progress, parsing runs and raw stage
// output. The SQLite and BigQuery stores both implement it.
type ImportRepository interface {
	// FindImport returns nil, nil when the import does not exist.
	FindImport(ctx context.Context, importID string) (*domain.Import, error)
	CreateImport(ctx context.Context, imp *domain.Import) error
	UpdateImport(ctx context.Context, imp *domain.Import) error
	ListImports(ctx context.Context, userID string, limit int) ([]*domain.Import, error)

	StartParsingRun(ctx context.Context, importID, tier string) (string, error)
	MarkParsingRunSucceeded(ctx context.Context, runID string) error
	// MarkParsingRunFailed is best effort and logs its own errors.
	MarkParsingRunFailed(ctx context.Context, runID string, runErr error)
	ListParsingRuns(ctx context.Context, importID string) ([]domain.ParsingRun, error)

	InsertModelOutput(ctx context.Context, out *domain.ModelOutput) error
}

// Repository is everything the pipeline needs from a storage backend.
type Repository interface {
	ImportRepository
	staging.Repository
}

// TextAcquirer runs an OCR engine. *ocr.Registry implements it.
type TextAcquirer interface {
	Has(engine string) bool
	Acquire(ctx context.Context, engine string, req ocr.Request) (*ocr.Result, error)
}

// TransactionExtractor turns cleaned text into transactions.
// *extract.Extractor implements it.
type TransactionExtractor interface {
	Extract(ctx context.Context, in extract.Input) (*extract.Result, error)
}
