package bigquery

import (
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/docingest/internal/domain"
)

// ImportRow mirrors one row of the imports table.
type ImportRow struct {
	ImportID       string `bigquery:"import_id"`       // REQUIRED
	UserID         string `bigquery:"user_id"`         // REQUIRED
	ChecksumSHA256 string `bigquery:"checksum_sha256"` // REQUIRED

	OriginalFilename string `bigquery:"original_filename"` // NULLABLE
	FileMimeType     string `bigquery:"file_mime_type"`    // NULLABLE

	DocumentType string `bigquery:"document_type"` // REQUIRED
	Currency     string `bigquery:"currency"`      // NULLABLE
	Status       string `bigquery:"status"`        // REQUIRED
	Tier         string `bigquery:"tier"`          // NULLABLE

	GCSURI         bigquery.NullString `bigquery:"gcs_uri"`         // NULLABLE
	OCRText        bigquery.NullString `bigquery:"ocr_text"`        // NULLABLE
	ExtractionJSON bigquery.NullString `bigquery:"extraction_json"` // NULLABLE
	LastError      bigquery.NullString `bigquery:"last_error"`      // NULLABLE

	CreatedTS time.Time `bigquery:"created_ts"` // REQUIRED
	UpdatedTS time.Time `bigquery:"updated_ts"` // REQUIRED
}

func importRowFrom(imp *domain.Import) *ImportRow {
	return &ImportRow{
		ImportID:         imp.ImportID,
		UserID:           imp.UserID,
		ChecksumSHA256:   imp.Checksum,
		OriginalFilename: imp.Filename,
		FileMimeType:     imp.MIMEType,
		DocumentType:     string(imp.DocType),
		Currency:         imp.Currency,
		Status:           string(imp.Status),
		Tier:             imp.Tier,
		GCSURI:           nullString(imp.ArchiveURI),
		OCRText:          nullString(imp.OCRText),
		ExtractionJSON:   nullString(imp.ExtractionJSON),
		LastError:        nullString(imp.LastError),
		CreatedTS:        imp.CreatedAt.UTC(),
		UpdatedTS:        imp.UpdatedAt.UTC(),
	}
}

func (r *ImportRow) toDomain() *domain.Import {
	return &domain.Import{
		ImportID:       r.ImportID,
		UserID:         r.UserID,
		Checksum:       r.ChecksumSHA256,
		Filename:       r.OriginalFilename,
		MIMEType:       r.FileMimeType,
		DocType:        domain.DocType(r.DocumentType),
		Currency:       r.Currency,
		Status:         domain.ImportStatus(r.Status),
		Tier:           r.Tier,
		ArchiveURI:     r.GCSURI.StringVal,
		OCRText:        r.OCRText.StringVal,
		ExtractionJSON: r.ExtractionJSON.StringVal,
		LastError:      r.LastError.StringVal,
		CreatedAt:      r.CreatedTS,
		UpdatedAt:      r.UpdatedTS,
	}
}

// nullString maps "" to NULL.
func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func nullStringPtr(p *string) bigquery.NullString {
	if p == nil {
		return bigquery.NullString{}
	}
	return bigquery.NullString{StringVal: *p, Valid: true}
}

func stringPtr(ns bigquery.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.StringVal
	return &s
}
