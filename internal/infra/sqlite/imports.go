package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/logger"
	"github.com/google/uuid"
)

const importColumns = `import_id, user_id, checksum_sha256, filename, mime_type, doc_type, currency,
	status, tier, archive_uri, ocr_text, extraction_json, last_error, created_at, updated_at`

// CreateImport inserts a new import record.
func (s *Store) CreateImport(ctx context.Context, imp *domain.Import) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO imports (`+importColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		imp.ImportID, imp.UserID, imp.Checksum, imp.Filename, imp.MIMEType, string(imp.DocType), imp.Currency,
		string(imp.Status), imp.Tier, imp.ArchiveURI, imp.OCRText, imp.ExtractionJSON, imp.LastError,
		imp.CreatedAt.UTC(), imp.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("CreateImport: %w", err)
	}
	return nil
}

// UpdateImport overwrites the mutable fields of an import.
func (s *Store) UpdateImport(ctx context.Context, imp *domain.Import) error {
	res, err := s.db.ExecContext(ctx, `UPDATE imports SET
			filename = ?, mime_type = ?, doc_type = ?, currency = ?, status = ?, tier = ?, archive_uri = ?,
			ocr_text = ?, extraction_json = ?, last_error = ?, updated_at = ?
		WHERE import_id = ?`,
		imp.Filename, imp.MIMEType, string(imp.DocType), imp.Currency, string(imp.Status), imp.Tier, imp.ArchiveURI,
		imp.OCRText, imp.ExtractionJSON, imp.LastError, imp.UpdatedAt.UTC(),
		imp.ImportID)
	if err != nil {
		return fmt.Errorf("UpdateImport: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("UpdateImport: import %s not found", imp.ImportID)
	}
	return nil
}

// FindImport returns the import, or nil when it does not exist.
func (s *Store) FindImport(ctx context.Context, importID string) (*domain.Import, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+importColumns+` FROM imports WHERE import_id = ?`, importID)
	imp, err := scanImport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindImport: %w", err)
	}
	return imp, nil
}

// ListImports returns a user's most recent imports first.
func (s *Store) ListImports(ctx context.Context, userID string, limit int) ([]*domain.Import, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+importColumns+` FROM imports
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("ListImports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Import
	for rows.Next() {
		imp, err := scanImport(rows)
		if err != nil {
			return nil, fmt.Errorf("ListImports: scan: %w", err)
		}
		out = append(out, imp)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanImport(sc scanner) (*domain.Import, error) {
	var imp domain.Import
	var docType, status string
	err := sc.Scan(&imp.ImportID, &imp.UserID, &imp.Checksum, &imp.Filename, &imp.MIMEType, &docType, &imp.Currency,
		&status, &imp.Tier, &imp.ArchiveURI, &imp.OCRText, &imp.ExtractionJSON, &imp.LastError,
		&imp.CreatedAt, &imp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	imp.DocType = domain.DocType(docType)
	imp.Status = domain.ImportStatus(status)
	return &imp, nil
}

// StartParsingRun records a RUNNING run and returns its id.
func (s *Store) StartParsingRun(ctx context.Context, importID, tier string) (string, error) {
	runID := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO parsing_runs (run_id, import_id, tier, status, started_at)
		VALUES (?, ?, ?, ?, ?)`, runID, importID, tier, domain.RunRunning, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("StartParsingRun: %w", err)
	}
	return runID, nil
}

// MarkParsingRunSucceeded sets status=SUCCESS and finished_at.
func (s *Store) MarkParsingRunSucceeded(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE parsing_runs SET status = ?, finished_at = ?, error_message = ''
		WHERE run_id = ?`, domain.RunSuccess, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("MarkParsingRunSucceeded: %w", err)
	}
	return nil
}

// MarkParsingRunFailed sets status=FAILED with the truncated error. Failures
// to record the failure are logged, not returned.
func (s *Store) MarkParsingRunFailed(ctx context.Context, runID string, runErr error) {
	_, err := s.db.ExecContext(ctx, `UPDATE parsing_runs SET status = ?, finished_at = ?, error_message = ?
		WHERE run_id = ?`, domain.RunFailed, time.Now().UTC(), domain.TruncateError(runErr), runID)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("run_id", runID).Msg("MarkParsingRunFailed: update failed")
	}
}

// ListParsingRuns returns an import's runs, oldest first.
func (s *Store) ListParsingRuns(ctx context.Context, importID string) ([]domain.ParsingRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, import_id, tier, status, error_message, started_at, finished_at
		FROM parsing_runs WHERE import_id = ? ORDER BY started_at`, importID)
	if err != nil {
		return nil, fmt.Errorf("ListParsingRuns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ParsingRun
	for rows.Next() {
		var run domain.ParsingRun
		var finished sql.NullTime
		if err := rows.Scan(&run.RunID, &run.ImportID, &run.Tier, &run.Status, &run.ErrorMessage, &run.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("ListParsingRuns: scan: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// InsertModelOutput stores raw stage output.
func (s *Store) InsertModelOutput(ctx context.Context, out *domain.ModelOutput) error {
	if out.OutputID == "" {
		out.OutputID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO model_outputs (output_id, run_id, import_id, stage, model_name, raw_output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		out.OutputID, out.RunID, out.ImportID, out.Stage, out.ModelName, out.RawOutput, out.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("InsertModelOutput: %w", err)
	}
	return nil
}

// ListModelOutputs returns the outputs stored for an import.
func (s *Store) ListModelOutputs(ctx context.Context, importID string) ([]domain.ModelOutput, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT output_id, run_id, import_id, stage, model_name, raw_output, created_at
		FROM model_outputs WHERE import_id = ? ORDER BY created_at`, importID)
	if err != nil {
		return nil, fmt.Errorf("ListModelOutputs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ModelOutput
	for rows.Next() {
		var m domain.ModelOutput
		if err := rows.Scan(&m.OutputID, &m.RunID, &m.ImportID, &m.Stage, &m.ModelName, &m.RawOutput, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("ListModelOutputs: scan: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
