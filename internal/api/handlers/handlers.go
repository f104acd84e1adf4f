package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dvloznov/docingest/internal/api/middleware"
	"github.com/dvloznov/docingest/internal/budget"
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/jobs"
	"github.com/dvloznov/docingest/internal/pipeline"
	"github.com/dvloznov/docingest/internal/tier"
)

// Ingester is the part of the pipeline service the API needs.
type Ingester interface {
	Ingest(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	GetImport(ctx context.Context, importID string) (*pipeline.ImportDetails, error)
	ListImports(ctx context.Context, userID string, limit int) ([]*domain.Import, error)
	EstimateCost(req tier.Request) tier.Decision
	Catalog() *tier.Catalog
	Ledger() *budget.Ledger
}

// DocumentsHandler handles document ingestion.
type DocumentsHandler struct {
	svc       Ingester
	publisher jobs.Publisher
	maxUpload int64
	log       zerolog.Logger
}

// NewDocumentsHandler creates a new documents handler. publisher may be nil,
// in which case async ingestion is rejected.
func NewDocumentsHandler(svc Ingester, publisher jobs.Publisher, maxUploadBytes int64, log zerolog.Logger) *DocumentsHandler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 << 20
	}
	return &DocumentsHandler{
		svc:       svc,
		publisher: publisher,
		maxUpload: maxUploadBytes,
		log:       log,
	}
}

// ErrorResponse is the body of a failed ingestion.
type ErrorResponse struct {
	Error   string          `json:"error"`
	Kind    string          `json:"kind,omitempty"`
	Stage   string          `json:"stage,omitempty"`
	DocType string          `json:"doc_type,omitempty"`
	Tier    string          `json:"tier,omitempty"`
	Stats   ingesterr.Stats `json:"stats"`
}

// Ingest handles POST /api/documents/ingest. The body is multipart with a
// "file" part; ?async=true queues the document and returns 202.
func (h *DocumentsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, async, err := h.parseIngestRequest(w, r)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if async {
		h.enqueue(w, r, req)
		return
	}

	res, err := h.svc.Ingest(ctx, req)
	if err != nil {
		h.writeIngestError(w, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}

func (h *DocumentsHandler) enqueue(w http.ResponseWriter, r *http.Request, req pipeline.Request) {
	if h.publisher == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "Async ingestion is not enabled")
		return
	}
	job := &jobs.IngestJob{
		FileBytes:       req.FileBytes,
		Filename:        req.Filename,
		DocType:         req.DocType,
		Currency:        req.Currency,
		UserID:          req.UserID,
		UserTier:        req.UserTier,
		Preferences:     req.Preferences,
		EstimatedAmount: req.EstimatedAmount,
		Reprocess:       req.Reprocess,
	}
	userID := req.UserID
	if userID == "" {
		userID = pipeline.DefaultUserID
	}
	job.ImportID = pipeline.ImportID(userID, pipeline.Checksum(req.FileBytes))
	if err := h.publisher.Publish(r.Context(), job); err != nil {
		h.log.Error().Err(err).Msg("Failed to enqueue ingest job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to enqueue ingest job")
		return
	}

	h.log.Info().Str("job_id", job.JobID).Str("filename", job.Filename).Msg("Ingest job enqueued")
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"job_id":    job.JobID,
		"import_id": job.ImportID,
		"status":    string(job.Status),
	})
}

func (h *DocumentsHandler) parseIngestRequest(w http.ResponseWriter, r *http.Request) (pipeline.Request, bool, error) {
	var req pipeline.Request
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return req, false, fmt.Errorf("file exceeds %d bytes", h.maxUpload)
		}
		return req, false, fmt.Errorf("invalid multipart body: %w", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return req, false, errors.New("file is required")
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return req, false, fmt.Errorf("reading file: %w", err)
	}

	form := r.FormValue
	userTier := domain.UserFree
	if v := form("user_tier"); v != "" {
		if userTier, err = domain.ParseUserTier(v); err != nil {
			return req, false, err
		}
	}

	req = pipeline.Request{
		FileBytes: data,
		Filename:  header.Filename,
		MIMEType:  header.Header.Get("Content-Type"),
		DocType:   domain.DocType(form("doc_type")),
		Currency:  form("currency"),
		UserID:    form("user_id"),
		UserTier:  userTier,
		Preferences: tier.Preferences{
			PrioritizeCost:     formBool(form("prioritize_cost")),
			PrioritizeAccuracy: formBool(form("prioritize_accuracy")),
			PrioritizeSpeed:    formBool(form("prioritize_speed")),
		},
		Reprocess: formBool(form("reprocess")),
	}
	if req.MIMEType == "application/octet-stream" {
		req.MIMEType = ""
	}
	if v := form("estimated_amount"); v != "" {
		amount, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, false, fmt.Errorf("invalid estimated_amount %q", v)
		}
		req.EstimatedAmount = &amount
	}
	if _, err := domain.ParseDocType(string(req.DocType)); err != nil {
		return req, false, err
	}
	return req, formBool(r.URL.Query().Get("async")), nil
}

func formBool(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// StatusFor maps a failure kind to an HTTP status.
func StatusFor(kind ingesterr.Kind) int {
	switch kind {
	case ingesterr.KindInvalidRequest:
		return http.StatusBadRequest
	case ingesterr.KindOCRFailed, ingesterr.KindTextEmpty, ingesterr.KindParseFailed:
		return http.StatusUnprocessableEntity
	case ingesterr.KindExtractionUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *DocumentsHandler) writeIngestError(w http.ResponseWriter, err error) {
	body := ErrorResponse{Error: err.Error()}
	var ie *ingesterr.Error
	if errors.As(err, &ie) {
		body.Kind = string(ie.Kind)
		body.Stage = ie.Stage
		body.DocType = ie.DocType
		body.Tier = ie.Tier
		body.Stats = ie.Stats
	}
	status := StatusFor(ingesterr.Kind(body.Kind))
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Ingestion failed")
	}
	middleware.WriteJSON(w, status, body)
}

// ImportsHandler handles import inspection endpoints.
type ImportsHandler struct {
	svc Ingester
	log zerolog.Logger
}

// NewImportsHandler creates a new imports handler.
func NewImportsHandler(svc Ingester, log zerolog.Logger) *ImportsHandler {
	return &ImportsHandler{svc: svc, log: log}
}

// ListImports handles GET /api/imports
func (h *ImportsHandler) ListImports(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))

	imports, err := h.svc.ListImports(r.Context(), query.Get("user_id"), limit)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list imports")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list imports")
		return
	}
	if imports == nil {
		imports = []*domain.Import{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"imports": imports,
		"count":   len(imports),
	})
}

// GetImport handles GET /api/imports/{id}
func (h *ImportsHandler) GetImport(w http.ResponseWriter, r *http.Request, importID string) {
	details, err := h.svc.GetImport(r.Context(), importID)
	if err != nil {
		h.log.Error().Err(err).Str("import_id", importID).Msg("Failed to get import")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get import")
		return
	}
	if details == nil {
		middleware.WriteError(w, http.StatusNotFound, "Import not found")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, details)
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		UserID:   query.Get("user_id"),
		ImportID: query.Get("import_id"),
		Status:   jobs.JobStatus(query.Get("status")),
	}
	if limit, err := strconv.Atoi(query.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(query.Get("offset")); err == nil {
		filter.Offset = offset
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
