package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/docingest/internal/domain"
	"google.golang.org/api/iterator"
)

const importColumns = `import_id, user_id, checksum_sha256, original_filename, file_mime_type,
	document_type, currency, status, tier, gcs_uri, ocr_text, extraction_json, last_error,
	created_ts, updated_ts`

// CreateImport inserts a new import record. Uses DML INSERT to avoid
// streaming buffer issues with later UPDATEs.
func (r *Repository) CreateImport(ctx context.Context, imp *domain.Import) error {
	row := importRowFrom(imp)
	_, err := r.runDML(ctx, "CreateImport", fmt.Sprintf(`
		INSERT INTO %s (`+importColumns+`)
		VALUES (
			@import_id, @user_id, @checksum_sha256, @original_filename, @file_mime_type,
			@document_type, @currency, @status, @tier, @gcs_uri, @ocr_text, @extraction_json, @last_error,
			@created_ts, @updated_ts
		)
	`, r.table(importsTable)), []bigquery.QueryParameter{
		{Name: "import_id", Value: row.ImportID},
		{Name: "user_id", Value: row.UserID},
		{Name: "checksum_sha256", Value: row.ChecksumSHA256},
		{Name: "original_filename", Value: row.OriginalFilename},
		{Name: "file_mime_type", Value: row.FileMimeType},
		{Name: "document_type", Value: row.DocumentType},
		{Name: "currency", Value: row.Currency},
		{Name: "status", Value: row.Status},
		{Name: "tier", Value: row.Tier},
		{Name: "gcs_uri", Value: row.GCSURI},
		{Name: "ocr_text", Value: row.OCRText},
		{Name: "extraction_json", Value: row.ExtractionJSON},
		{Name: "last_error", Value: row.LastError},
		{Name: "created_ts", Value: row.CreatedTS},
		{Name: "updated_ts", Value: row.UpdatedTS},
	})
	return err
}

// UpdateImport overwrites the mutable fields of an import.
func (r *Repository) UpdateImport(ctx context.Context, imp *domain.Import) error {
	row := importRowFrom(imp)
	status, err := r.runDML(ctx, "UpdateImport", fmt.Sprintf(`
		UPDATE %s
		SET original_filename = @original_filename,
		    file_mime_type = @file_mime_type,
		    document_type = @document_type,
		    currency = @currency,
		    status = @status,
		    tier = @tier,
		    gcs_uri = @gcs_uri,
		    ocr_text = @ocr_text,
		    extraction_json = @extraction_json,
		    last_error = @last_error,
		    updated_ts = @updated_ts
		WHERE import_id = @import_id
	`, r.table(importsTable)), []bigquery.QueryParameter{
		{Name: "original_filename", Value: row.OriginalFilename},
		{Name: "file_mime_type", Value: row.FileMimeType},
		{Name: "document_type", Value: row.DocumentType},
		{Name: "currency", Value: row.Currency},
		{Name: "status", Value: row.Status},
		{Name: "tier", Value: row.Tier},
		{Name: "gcs_uri", Value: row.GCSURI},
		{Name: "ocr_text", Value: row.OCRText},
		{Name: "extraction_json", Value: row.ExtractionJSON},
		{Name: "last_error", Value: row.LastError},
		{Name: "updated_ts", Value: row.UpdatedTS},
		{Name: "import_id", Value: row.ImportID},
	})
	if err != nil {
		return err
	}
	if _, updated, ok := dmlCounts(status); ok && updated == 0 {
		return fmt.Errorf("UpdateImport: import %s not found", imp.ImportID)
	}
	return nil
}

// FindImport returns the import, or nil when it does not exist.
func (r *Repository) FindImport(ctx context.Context, importID string) (*domain.Import, error) {
	q := r.client.Query(fmt.Sprintf(`
		SELECT `+importColumns+`
		FROM %s
		WHERE import_id = @import_id
		LIMIT 1
	`, r.table(importsTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "import_id", Value: importID}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("FindImport: reading query: %w", err)
	}
	var row ImportRow
	err = it.Next(&row)
	if err == iterator.Done {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindImport: reading row: %w", err)
	}
	return row.toDomain(), nil
}

// ListImports returns a user's most recent imports first.
func (r *Repository) ListImports(ctx context.Context, userID string, limit int) ([]*domain.Import, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.client.Query(fmt.Sprintf(`
		SELECT `+importColumns+`
		FROM %s
		WHERE user_id = @user_id
		ORDER BY created_ts DESC
		LIMIT @limit
	`, r.table(importsTable)))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "user_id", Value: userID},
		{Name: "limit", Value: limit},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListImports: reading query: %w", err)
	}
	var out []*domain.Import
	for {
		var row ImportRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListImports: iterating: %w", err)
		}
		out = append(out, row.toDomain())
	}
	return out, nil
}
