package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/docingest/internal/archive"
	"github.com/dvloznov/docingest/internal/budget"
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/extract"
	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/logger"
	"github.com/dvloznov/docingest/internal/ocr"
	"github.com/dvloznov/docingest/internal/staging"
	"github.com/dvloznov/docingest/internal/textclean"
	"github.com/dvloznov/docingest/internal/tier"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PipelineStep represents a single step in the ingestion pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	Request  Request
	ImportID string
	Checksum string
	Import   *domain.Import
	Resumed  bool
	// Complete stops the pipeline: the import is already staged.
	Complete bool

	Decision    tier.Decision
	Reservation *budget.Reservation
	RunID       string

	// OCRRan is set once a paid OCR call succeeded in this run.
	OCRRan      bool
	Pages       int
	RawText     string
	CleanedText string
	Extraction  *extract.Result
	Staged      *staging.Result

	Warnings  []string
	Durations map[string]time.Duration
}

func (s *PipelineState) warn(format string, args ...interface{}) {
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

func (s *PipelineState) observe(stage string, start time.Time) {
	if s.Durations == nil {
		s.Durations = make(map[string]time.Duration)
	}
	s.Durations[stage] = time.Since(start)
}

func (s *PipelineState) stats() ingesterr.Stats {
	st := ingesterr.Stats{PagesProcessed: s.Pages, CleanedChars: len(s.CleanedText)}
	if s.Extraction != nil {
		st.Extracted = len(s.Extraction.Transactions)
		st.ExtractAttempts = s.Extraction.Attempts
		st.SkippedElements = s.Extraction.Skipped
	}
	return st
}

// fail builds a typed error carrying the document context.
func (s *PipelineState) fail(kind ingesterr.Kind, stage string, err error) error {
	return s.annotate(&ingesterr.Error{Kind: kind, Stage: stage, Err: err})
}

// annotate fills the doc type, tier and partial stats of a typed error.
func (s *PipelineState) annotate(err error) error {
	var ie *ingesterr.Error
	if !errors.As(err, &ie) {
		return err
	}
	if ie.DocType == "" {
		ie.DocType = string(s.Request.DocType)
	}
	if ie.Tier == "" {
		ie.Tier = s.Decision.TierName
	}
	st := s.stats()
	if ie.Stats.PagesProcessed == 0 {
		ie.Stats.PagesProcessed = st.PagesProcessed
	}
	if ie.Stats.CleanedChars == 0 {
		ie.Stats.CleanedChars = st.CleanedChars
	}
	if ie.Stats.Extracted == 0 {
		ie.Stats.Extracted = st.Extracted
	}
	if ie.Stats.ExtractAttempts == 0 {
		ie.Stats.ExtractAttempts = st.ExtractAttempts
	}
	if ie.Stats.SkippedElements == 0 {
		ie.Stats.SkippedElements = st.SkippedElements
	}
	return err
}

// cost is what this run spent. OCR is the paid call, so a run that failed
// before OCR succeeded, or reused stored OCR text, costs nothing.
func (s *PipelineState) cost() decimal.Decimal {
	if !s.OCRRan {
		return decimal.Zero
	}
	return s.Decision.EstimatedCost
}

// importNamespace seeds the deterministic import ids.
var importNamespace = uuid.MustParse("2b5e9d4a-7c1f-4e8b-a3d6-90f1c2e7b845")

// ImportID is stable for a user and file checksum, so uploading the same
// bytes again finds the existing import.
func ImportID(userID, checksum string) string {
	return uuid.NewSHA1(importNamespace, []byte(userID+"|"+checksum)).String()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// ResolveImportStep finds or creates the import record for the file.
type ResolveImportStep struct {
	Repo ImportRepository
}

func (s *ResolveImportStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	req := state.Request

	imp, err := s.Repo.FindImport(ctx, state.ImportID)
	if err != nil {
		return state.fail(ingesterr.KindPersistenceFailed, StageResolve, fmt.Errorf("find import %s: %w", state.ImportID, err))
	}

	now := time.Now().UTC()
	if imp == nil {
		imp = &domain.Import{
			ImportID:  state.ImportID,
			UserID:    req.UserID,
			Checksum:  state.Checksum,
			Filename:  req.Filename,
			MIMEType:  req.MIMEType,
			DocType:   req.DocType,
			Currency:  req.Currency,
			Status:    domain.ImportCreated,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.Repo.CreateImport(ctx, imp); err != nil {
			return state.fail(ingesterr.KindPersistenceFailed, StageResolve, fmt.Errorf("create import: %w", err))
		}
		state.Import = imp
		log.Info().Str("import_id", imp.ImportID).Msg("Created import")
		return nil
	}

	state.Resumed = true
	switch {
	case req.Reprocess:
		imp.Status = domain.ImportCreated
		imp.Tier, imp.OCRText, imp.ExtractionJSON = "", "", ""
	case imp.DocType != req.DocType || imp.Currency != req.Currency:
		// The stored OCR text is still valid, the extraction is not.
		if imp.Status.Reached(domain.ImportParsed) {
			imp.Status = domain.ImportOCRComplete
			imp.ExtractionJSON = ""
		}
	case imp.Status.Reached(domain.ImportStaged):
		state.Complete = true
	}
	imp.DocType = req.DocType
	imp.Currency = req.Currency
	state.Import = imp

	log.Info().
		Str("import_id", imp.ImportID).
		Str("status", string(imp.Status)).
		Bool("reprocess", req.Reprocess).
		Bool("complete", state.Complete).
		Msg("Resuming existing import")
	return nil
}

// SelectTierStep chooses a tier and reserves its cost in one ledger step.
type SelectTierStep struct {
	Selector *tier.Selector
	Ledger   *budget.Ledger
	OCR      TextAcquirer
}

func (s *SelectTierStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	req := state.Request
	start := time.Now()
	defer state.observe(StageSelect, start)

	// OCR text already exists: nothing paid is left, keep the tier that
	// produced it so extraction uses the same model.
	if imp := state.Import; imp.Status.Reached(domain.ImportOCRComplete) && imp.OCRText != "" {
		d := storedDecision(s.Selector, imp.Tier)
		res, err := s.Ledger.Reserve(ctx, func(budget.Snapshot) (string, decimal.Decimal) {
			return d.TierName, decimal.Zero
		})
		if err != nil {
			return state.fail(ingesterr.KindPersistenceFailed, StageSelect, fmt.Errorf("reserve budget: %w", err))
		}
		state.Decision, state.Reservation = d, res
		log.Info().Str("tier", d.TierName).Msg("Reusing tier of stored OCR text")
		return nil
	}

	treq := tier.Request{
		FileSize:        int64(len(req.FileBytes)),
		DocType:         req.DocType,
		EstimatedAmount: req.EstimatedAmount,
		UserTier:        req.UserTier,
		Preferences:     req.Preferences,
	}
	var d tier.Decision
	res, err := s.Ledger.Reserve(ctx, func(snap budget.Snapshot) (string, decimal.Decimal) {
		d = s.Selector.Select(treq, snap)
		if !d.Fallback && !s.OCR.Has(d.Tier.Engine) {
			d = s.Selector.Fallback(fmt.Sprintf("engine %s is not configured", d.Tier.Engine))
		}
		return d.TierName, d.EstimatedCost
	})
	if err != nil {
		log.Warn().Err(err).Str("tier", d.TierName).Msg("Reservation refused, using zero-cost tier")
		d = s.Selector.Fallback("reservation refused")
		res, err = s.Ledger.Reserve(ctx, func(budget.Snapshot) (string, decimal.Decimal) {
			return d.TierName, d.EstimatedCost
		})
		if err != nil {
			return state.fail(ingesterr.KindPersistenceFailed, StageSelect, fmt.Errorf("reserve budget: %w", err))
		}
	}
	state.Decision, state.Reservation = d, res

	log.Info().
		Str("tier", d.TierName).
		Float64("score", d.Score).
		Bool("fallback", d.Fallback).
		Str("estimated_cost", d.EstimatedCost.StringFixed(4)).
		Str("rationale", d.Rationale).
		Msg("Selected processing tier")
	return nil
}

// storedDecision rebuilds the decision for a tier an import already used.
func storedDecision(sel *tier.Selector, name string) tier.Decision {
	t, ok := sel.Catalog().Lookup(name)
	if !ok {
		return sel.Fallback(fmt.Sprintf("stored tier %q is not in the catalog", name))
	}
	return tier.Decision{
		Tier:              t,
		TierName:          t.Name,
		Rationale:         "reusing stored output of tier " + t.Name,
		EstimatedCost:     t.Cost,
		EstimatedAccuracy: t.Accuracy,
		EstimatedLatency:  t.Latency,
	}
}

// StartParsingRunStep records a RUNNING parsing run.
type StartParsingRunStep struct {
	Repo ImportRepository
}

func (s *StartParsingRunStep) Execute(ctx context.Context, state *PipelineState) error {
	runID, err := s.Repo.StartParsingRun(ctx, state.ImportID, state.Decision.TierName)
	if err != nil {
		return state.fail(ingesterr.KindPersistenceFailed, StageRun, fmt.Errorf("start parsing run: %w", err))
	}
	state.RunID = runID
	return nil
}

// ArchiveStep keeps the original upload. Archiving is best effort: a
// failure is reported as a warning and the document is still processed.
type ArchiveStep struct {
	Archive archive.Archive
	Repo    ImportRepository
}

func (s *ArchiveStep) Execute(ctx context.Context, state *PipelineState) error {
	imp := state.Import
	if s.Archive == nil || imp.ArchiveURI != "" {
		return nil
	}
	log := logger.FromContext(ctx)
	start := time.Now()
	defer state.observe(StageArchive, start)

	name := archive.ObjectName(imp.UserID, imp.ImportID, state.Request.Filename)
	uri, err := s.Archive.Put(ctx, name, state.Request.MIMEType, state.Request.FileBytes)
	if err != nil {
		log.Warn().Err(err).Str("import_id", imp.ImportID).Msg("Failed to archive upload")
		state.warn("original file was not archived: %v", err)
		return nil
	}
	imp.ArchiveURI = uri
	imp.UpdatedAt = time.Now().UTC()
	if err := s.Repo.UpdateImport(ctx, imp); err != nil {
		return state.fail(ingesterr.KindPersistenceFailed, StageArchive, fmt.Errorf("record archive uri: %w", err))
	}
	return nil
}

// OCRStep runs the selected tier's engine, or reuses stored OCR text.
type OCRStep struct {
	OCR          TextAcquirer
	Repo         ImportRepository
	Timeout      time.Duration
	Language     string
	DetectTables bool
}

func (s *OCRStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	imp := state.Import
	if imp.Status.Reached(domain.ImportOCRComplete) && imp.OCRText != "" {
		state.RawText = imp.OCRText
		log.Debug().Str("import_id", imp.ImportID).Msg("Reusing stored OCR text")
		return nil
	}

	start := time.Now()
	ocrCtx, cancel := withTimeout(ctx, s.Timeout)
	res, err := s.OCR.Acquire(ocrCtx, state.Decision.Tier.Engine, ocr.Request{
		Bytes:        state.Request.FileBytes,
		Filename:     state.Request.Filename,
		MIMEType:     state.Request.MIMEType,
		Language:     s.Language,
		DetectTables: s.DetectTables,
	})
	cancel()
	state.observe(StageOCR, start)
	if err != nil {
		return state.annotate(err)
	}
	state.OCRRan = true
	state.RawText = res.FullText
	state.Pages = len(res.Pages)

	imp.OCRText = res.FullText
	imp.Tier = state.Decision.TierName
	imp.Status = domain.ImportOCRComplete
	imp.UpdatedAt = time.Now().UTC()
	if err := s.Repo.UpdateImport(ctx, imp); err != nil {
		return state.fail(ingesterr.KindPersistenceFailed, StageOCR, fmt.Errorf("save OCR text: %w", err))
	}
	storeOutput(ctx, s.Repo, state, StageOCR, res.Engine, res.FullText)
	return nil
}

// NormalizeStep cleans the OCR text.
type NormalizeStep struct{}

func (s *NormalizeStep) Execute(ctx context.Context, state *PipelineState) error {
	start := time.Now()
	state.CleanedText = textclean.Normalize(state.RawText)
	state.observe(StageNormalize, start)
	if strings.TrimSpace(state.CleanedText) == "" {
		return state.fail(ingesterr.KindTextEmpty, StageNormalize,
			fmt.Errorf("%d characters of OCR text left nothing after normalization", len(state.RawText)))
	}
	log := logger.FromContext(ctx)
	log.Debug().
		Int("raw_chars", len(state.RawText)).
		Int("cleaned_chars", len(state.CleanedText)).
		Msg("Normalized text")
	return nil
}

// ExtractStep asks the model for transactions, or reuses a stored
// extraction.
type ExtractStep struct {
	Extractor TransactionExtractor
	Repo      ImportRepository
	Timeout   time.Duration
}

func (s *ExtractStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	imp := state.Import
	if imp.Status.Reached(domain.ImportParsed) && imp.ExtractionJSON != "" {
		var stored extract.Result
		err := json.Unmarshal([]byte(imp.ExtractionJSON), &stored)
		if err == nil {
			state.Extraction = &stored
			log.Debug().Str("import_id", imp.ImportID).Msg("Reusing stored extraction")
			return nil
		}
		log.Warn().Err(err).Str("import_id", imp.ImportID).Msg("Stored extraction is unreadable, extracting again")
	}

	start := time.Now()
	extractCtx, cancel := withTimeout(ctx, s.Timeout)
	res, err := s.Extractor.Extract(extractCtx, extract.Input{
		Text:     state.CleanedText,
		DocType:  state.Request.DocType,
		Currency: state.Request.Currency,
		Model:    state.Decision.Tier.Model,
		Tier:     state.Decision.TierName,
	})
	cancel()
	state.observe(StageExtract, start)
	if err != nil {
		var ie *ingesterr.Error
		if errors.As(err, &ie) && ie.RawOutput != "" {
			storeOutput(ctx, s.Repo, state, StageExtract, state.Decision.Tier.Model, ie.RawOutput)
		}
		return state.annotate(err)
	}
	state.Extraction = res

	encoded, err := json.Marshal(res)
	if err != nil {
		return state.fail(ingesterr.KindPersistenceFailed, StageExtract, fmt.Errorf("encode extraction: %w", err))
	}
	imp.ExtractionJSON = string(encoded)
	imp.Status = domain.ImportParsed
	imp.UpdatedAt = time.Now().UTC()
	if err := s.Repo.UpdateImport(ctx, imp); err != nil {
		return state.fail(ingesterr.KindPersistenceFailed, StageExtract, fmt.Errorf("save extraction: %w", err))
	}
	storeOutput(ctx, s.Repo, state, StageExtract, res.Model, res.RawOutput)
	return nil
}

// StageStep writes the staging rows and marks the import staged.
type StageStep struct {
	Writer  *staging.Writer
	Repo    ImportRepository
	Timeout time.Duration
}

func (s *StageStep) Execute(ctx context.Context, state *PipelineState) error {
	imp := state.Import
	start := time.Now()
	stageCtx, cancel := withTimeout(ctx, s.Timeout)
	res, err := s.Writer.Stage(stageCtx, staging.Input{
		ImportID:      imp.ImportID,
		UserID:        imp.UserID,
		Currency:      state.Request.Currency,
		DocType:       state.Request.DocType,
		Tier:          state.Decision.TierName,
		MinConfidence: state.Decision.Tier.MinConfidence,
		Transactions:  state.Extraction.Transactions,
	})
	cancel()
	state.observe(StageStage, start)
	if err != nil {
		return state.annotate(err)
	}
	state.Staged = res

	imp.Status = domain.ImportStaged
	imp.LastError = ""
	imp.UpdatedAt = time.Now().UTC()
	if err := s.Repo.UpdateImport(ctx, imp); err != nil {
		return state.fail(ingesterr.KindPersistenceFailed, StageStage, fmt.Errorf("mark import staged: %w", err))
	}
	return nil
}

// storeOutput keeps raw stage output for diagnosis. A failure here does
// not fail the document.
func storeOutput(ctx context.Context, repo ImportRepository, state *PipelineState, stage, model, raw string) {
	if raw == "" {
		return
	}
	err := repo.InsertModelOutput(ctx, &domain.ModelOutput{
		OutputID:  uuid.NewString(),
		RunID:     state.RunID,
		ImportID:  state.ImportID,
		Stage:     stage,
		ModelName: model,
		RawOutput: raw,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("stage", stage).Msg("Failed to store raw output")
		state.warn("raw %s output was not stored: %v", stage, err)
	}
}

// Pipeline represents a sequence of steps to execute.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in sequence, stopping early once the state is
// complete.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if state.Complete {
			return nil
		}
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}
