package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dvloznov/docingest/internal/archive"
	"github.com/dvloznov/docingest/internal/budget"
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/logger"
	"github.com/dvloznov/docingest/internal/metrics"
	"github.com/dvloznov/docingest/internal/ocr"
	"github.com/dvloznov/docingest/internal/staging"
	"github.com/dvloznov/docingest/internal/tier"
)

// Options are the per-stage settings of a Service.
type Options struct {
	OCRTimeout     time.Duration
	ExtractTimeout time.Duration
	StoreTimeout   time.Duration
	Language       string
	DetectTables   bool
}

// Deps are the collaborators of a Service. Archive and Metrics are optional.
type Deps struct {
	Repo      Repository
	Selector  *tier.Selector
	Ledger    *budget.Ledger
	OCR       TextAcquirer
	Extractor TransactionExtractor
	Archive   archive.Archive
	Metrics   *metrics.Metrics
}

// Service runs the ingestion pipeline. It is safe for concurrent use;
// ingestions of the same import are serialized.
type Service struct {
	deps   Deps
	opts   Options
	writer *staging.Writer
	locks  importLocks
}

// NewService validates deps and creates a Service.
func NewService(deps Deps, opts Options) (*Service, error) {
	switch {
	case deps.Repo == nil:
		return nil, errors.New("NewService: repository is required")
	case deps.Selector == nil:
		return nil, errors.New("NewService: tier selector is required")
	case deps.Ledger == nil:
		return nil, errors.New("NewService: budget ledger is required")
	case deps.OCR == nil:
		return nil, errors.New("NewService: OCR registry is required")
	case deps.Extractor == nil:
		return nil, errors.New("NewService: extractor is required")
	}
	if opts.Language == "" {
		opts.Language = "eng"
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		writer: staging.NewWriter(deps.Repo),
		locks:  importLocks{held: make(map[string]*importLock)},
	}, nil
}

// Ledger returns the service's budget ledger.
func (s *Service) Ledger() *budget.Ledger {
	return s.deps.Ledger
}

// Catalog returns the tier catalog decisions are made from.
func (s *Service) Catalog() *tier.Catalog {
	return s.deps.Selector.Catalog()
}

// Ingest processes one document. Every failure is an *ingesterr.Error
// wrapped with the failing step; spend is committed to the ledger whether
// the document succeeded or not.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	req, err := prepare(req)
	if err != nil {
		s.deps.Metrics.ObserveDocument(string(req.DocType), string(ingesterr.KindInvalidRequest))
		return nil, err
	}

	state := &PipelineState{
		Request:   req,
		Checksum:  Checksum(req.FileBytes),
		Durations: make(map[string]time.Duration),
	}
	state.ImportID = ImportID(req.UserID, state.Checksum)

	log := logger.FromContext(ctx).With().
		Str("import_id", state.ImportID).
		Str("user_id", req.UserID).
		Str("doc_type", string(req.DocType)).
		Str("filename", req.Filename).
		Logger()
	ctx = logger.WithContext(ctx, log)

	unlock := s.locks.lock(state.ImportID)
	defer unlock()

	start := time.Now()
	p := NewPipeline(
		&ResolveImportStep{Repo: s.deps.Repo},
		&SelectTierStep{Selector: s.deps.Selector, Ledger: s.deps.Ledger, OCR: s.deps.OCR},
		&StartParsingRunStep{Repo: s.deps.Repo},
		&ArchiveStep{Archive: s.deps.Archive, Repo: s.deps.Repo},
		&OCRStep{
			OCR:          s.deps.OCR,
			Repo:         s.deps.Repo,
			Timeout:      s.opts.OCRTimeout,
			Language:     s.opts.Language,
			DetectTables: s.opts.DetectTables,
		},
		&NormalizeStep{},
		&ExtractStep{Extractor: s.deps.Extractor, Repo: s.deps.Repo, Timeout: s.opts.ExtractTimeout},
		&StageStep{Writer: s.writer, Repo: s.deps.Repo, Timeout: s.opts.StoreTimeout},
	)
	runErr := p.Execute(ctx, state)
	if runErr != nil && ingesterr.KindOf(runErr) == "" {
		runErr = state.fail(ingesterr.KindPersistenceFailed, "", runErr)
	}

	s.recordUsage(ctx, state, runErr, time.Since(start))
	s.observe(state, runErr)

	if runErr != nil {
		s.recordFailure(ctx, state, runErr)
		return nil, runErr
	}
	if state.RunID != "" {
		if err := s.deps.Repo.MarkParsingRunSucceeded(ctx, state.RunID); err != nil {
			log.Warn().Err(err).Str("run_id", state.RunID).Msg("Failed to mark parsing run succeeded")
			state.warn("parsing run was not marked succeeded: %v", err)
		}
	}
	return s.result(ctx, state)
}

// Checksum is the hex sha256 of a file.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// prepare validates a request and fills its defaults.
func prepare(req Request) (Request, error) {
	if len(req.FileBytes) == 0 {
		return req, ingesterr.Newf(ingesterr.KindInvalidRequest, "", "file is empty")
	}
	docType, err := domain.ParseDocType(string(req.DocType))
	if err != nil {
		return req, ingesterr.New(ingesterr.KindInvalidRequest, "", err)
	}
	req.DocType = docType
	if req.UserID == "" {
		req.UserID = DefaultUserID
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = DefaultCurrency
	}
	if req.MIMEType == "" {
		req.MIMEType = ocr.DetectMIMEType(req.Filename, req.FileBytes)
	}
	return req, nil
}

// recordUsage commits the run's outcome to the ledger.
func (s *Service) recordUsage(ctx context.Context, state *PipelineState, runErr error, elapsed time.Duration) {
	if state.Reservation == nil {
		return
	}
	log := logger.FromContext(ctx)
	cost := state.cost()
	out := budget.Outcome{
		Cost:    cost,
		Latency: elapsed,
		Success: runErr == nil,
	}
	if out.Success {
		out.Accuracy = observedAccuracy(state)
	}

	alert, err := s.deps.Ledger.Commit(ctx, state.Reservation, out)
	if err != nil {
		log.Error().Err(err).Str("tier", state.Decision.TierName).Msg("Failed to persist usage")
		state.warn("usage was recorded but not persisted: %v", err)
	}
	snap := s.deps.Ledger.Snapshot()
	s.deps.Metrics.ObserveSpend(state.Decision.TierName, cost, snap.RemainingBudget, snap.UsageRatio(), string(alert))
	if alert != budget.AlertNone {
		state.warn("monthly budget %s: %.0f%% used", alert, snap.UsageRatio()*100)
	}
}

// observedAccuracy is the mean confidence of the extracted transactions, or
// the tier's estimate when nothing was extracted.
func observedAccuracy(state *PipelineState) float64 {
	if state.Extraction == nil || len(state.Extraction.Transactions) == 0 {
		return state.Decision.EstimatedAccuracy
	}
	var sum float64
	for _, tx := range state.Extraction.Transactions {
		sum += tx.Confidence
	}
	return sum / float64(len(state.Extraction.Transactions))
}

func (s *Service) observe(state *PipelineState, runErr error) {
	m := s.deps.Metrics
	if state.Reservation != nil {
		m.ObserveSelection(state.Decision.TierName, state.Decision.Fallback, fallbackReason(state.Decision))
	}
	for stage, d := range state.Durations {
		m.ObserveStage(stage, d)
	}
	if state.Extraction != nil && state.Extraction.Attempts > 0 {
		m.ObserveExtractAttempts(state.Extraction.Attempts)
	}
	if state.Staged != nil {
		m.ObserveStaged(state.Staged.Inserted, state.Staged.Updated)
	}

	result := "success"
	if runErr != nil {
		var ie *ingesterr.Error
		if errors.As(runErr, &ie) {
			m.ObserveStageFailure(ie.Stage, string(ie.Kind))
			result = string(ie.Kind)
		}
	}
	m.ObserveDocument(string(state.Request.DocType), result)
}

// fallbackReason is the part of a fallback rationale before the colon.
func fallbackReason(d tier.Decision) string {
	if !d.Fallback {
		return ""
	}
	if i := strings.Index(d.Rationale, ":"); i != -1 {
		return d.Rationale[:i]
	}
	return d.Rationale
}

// recordFailure marks the run failed and keeps the error on the import.
func (s *Service) recordFailure(ctx context.Context, state *PipelineState, runErr error) {
	log := logger.FromContext(ctx)
	log.Error().Err(runErr).Str("tier", state.Decision.TierName).Msg("Ingestion failed")

	if state.RunID != "" {
		s.deps.Repo.MarkParsingRunFailed(ctx, state.RunID, runErr)
	}
	if state.Import == nil {
		return
	}
	state.Import.LastError = domain.TruncateError(runErr)
	state.Import.UpdatedAt = time.Now().UTC()
	if err := s.deps.Repo.UpdateImport(ctx, state.Import); err != nil {
		log.Warn().Err(err).Msg("Failed to record import error")
	}
}

func (s *Service) result(ctx context.Context, state *PipelineState) (*Result, error) {
	res := &Result{
		ImportID: state.ImportID,
		RunID:    state.RunID,
		Status:   state.Import.Status,
		Decision: state.Decision,
		Resumed:  state.Resumed,
		Cost:     state.cost().StringFixed(4),
	}
	res.Stats.Stats = state.stats()

	if state.Complete {
		rows, err := s.deps.Repo.ListStaging(ctx, state.ImportID)
		if err != nil {
			return nil, state.fail(ingesterr.KindPersistenceFailed, StageStage, fmt.Errorf("list staged rows: %w", err))
		}
		res.Decision = storedDecision(s.deps.Selector, state.Import.Tier)
		res.Transactions = rows
		res.Stats.Extracted = len(rows)
	}
	if state.Staged != nil {
		res.Transactions = state.Staged.Rows
		res.Stats.Inserted = state.Staged.Inserted
		res.Stats.Updated = state.Staged.Updated
		res.Stats.Collapsed = state.Staged.Collapsed
	}
	for _, row := range res.Transactions {
		if row.NeedsReview {
			res.Stats.Flagged++
		}
	}
	if state.Extraction != nil {
		res.Warnings = append(res.Warnings, state.Extraction.Errors...)
	}
	res.Warnings = append(res.Warnings, state.Warnings...)
	if res.Transactions == nil {
		res.Transactions = []domain.StagingTransaction{}
	}
	return res, nil
}

// ImportDetails is an import with its staged rows and parsing runs.
type ImportDetails struct {
	Import       *domain.Import              `json:"import"`
	Transactions []domain.StagingTransaction `json:"transactions"`
	Runs         []domain.ParsingRun         `json:"parsing_runs"`
}

// GetImport returns nil, nil when the import does not exist.
func (s *Service) GetImport(ctx context.Context, importID string) (*ImportDetails, error) {
	imp, err := s.deps.Repo.FindImport(ctx, importID)
	if err != nil {
		return nil, fmt.Errorf("GetImport: %w", err)
	}
	if imp == nil {
		return nil, nil
	}
	rows, err := s.deps.Repo.ListStaging(ctx, importID)
	if err != nil {
		return nil, fmt.Errorf("GetImport: list staging: %w", err)
	}
	runs, err := s.deps.Repo.ListParsingRuns(ctx, importID)
	if err != nil {
		return nil, fmt.Errorf("GetImport: list runs: %w", err)
	}
	return &ImportDetails{Import: imp, Transactions: rows, Runs: runs}, nil
}

// ListImports returns a user's most recent imports.
func (s *Service) ListImports(ctx context.Context, userID string, limit int) ([]*domain.Import, error) {
	if userID == "" {
		userID = DefaultUserID
	}
	return s.deps.Repo.ListImports(ctx, userID, limit)
}

// EstimateCost reports the decision a request would get now, without
// reserving anything.
func (s *Service) EstimateCost(req tier.Request) tier.Decision {
	return s.deps.Selector.Select(req, s.deps.Ledger.Snapshot())
}

// importLocks serializes work on one import id.
type importLocks struct {
	mu   sync.Mutex
	held map[string]*importLock
}

type importLock struct {
	mu   sync.Mutex
	refs int
}

func (l *importLocks) lock(id string) func() {
	l.mu.Lock()
	il, ok := l.held[id]
	if !ok {
		il = &importLock{}
		l.held[id] = il
	}
	il.refs++
	l.mu.Unlock()

	il.mu.Lock()
	return func() {
		il.mu.Unlock()
		l.mu.Lock()
		il.refs--
		if il.refs == 0 {
			delete(l.held, id)
		}
		l.mu.Unlock()
	}
}
