package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/docingest/internal/api/middleware"
	"github.com/dvloznov/docingest/internal/budget"
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/metrics"
	"github.com/dvloznov/docingest/internal/tier"
)

// BudgetHandler exposes the cost ledger.
type BudgetHandler struct {
	svc     Ingester
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// NewBudgetHandler creates a new budget handler. m may be nil.
func NewBudgetHandler(svc Ingester, m *metrics.Metrics, log zerolog.Logger) *BudgetHandler {
	return &BudgetHandler{svc: svc, metrics: m, log: log}
}

// BudgetResponse is the ledger snapshot with derived figures.
type BudgetResponse struct {
	MonthlyBudget   decimal.Decimal             `json:"monthly_budget"`
	TotalCost       decimal.Decimal             `json:"total_cost"`
	RemainingBudget decimal.Decimal             `json:"remaining_budget"`
	Reserved        decimal.Decimal             `json:"reserved"`
	Available       decimal.Decimal             `json:"available"`
	UsageRatio      float64                     `json:"usage_ratio"`
	Documents       int                         `json:"documents"`
	Successes       int                         `json:"successes"`
	CostPerDocument decimal.Decimal             `json:"cost_per_document"`
	MeanAccuracy    float64                     `json:"mean_accuracy"`
	MeanLatencyMS   int64                       `json:"mean_latency_ms"`
	PerTier         map[string]budget.TierUsage `json:"per_tier"`
	History         []budget.HistoryEntry       `json:"history"`
	CycleStart      time.Time                   `json:"cycle_start"`
}

func (h *BudgetHandler) snapshot() BudgetResponse {
	snap := h.svc.Ledger().Snapshot()
	h.metrics.SetBudget(snap.RemainingBudget, snap.UsageRatio())
	return BudgetResponse{
		MonthlyBudget:   snap.MonthlyBudget,
		TotalCost:       snap.TotalCost,
		RemainingBudget: snap.RemainingBudget,
		Reserved:        snap.Reserved,
		Available:       snap.Available(),
		UsageRatio:      snap.UsageRatio(),
		Documents:       snap.Documents,
		Successes:       snap.Successes,
		CostPerDocument: snap.CostPerDocument,
		MeanAccuracy:    snap.Efficiency.MeanAccuracy,
		MeanLatencyMS:   snap.Efficiency.MeanLatency.Milliseconds(),
		PerTier:         snap.PerTier,
		History:         snap.History,
		CycleStart:      snap.CycleStart,
	}
}

// GetBudget handles GET /api/budget
func (h *BudgetHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, h.snapshot())
}

// SetBudget handles PUT /api/budget with {"monthly_budget": "25.00"}.
func (h *BudgetHandler) SetBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MonthlyBudget decimal.Decimal `json:"monthly_budget"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.MonthlyBudget.IsNegative() {
		middleware.WriteError(w, http.StatusBadRequest, "monthly_budget must not be negative")
		return
	}
	if err := h.svc.Ledger().SetMonthlyBudget(r.Context(), req.MonthlyBudget); err != nil {
		h.log.Error().Err(err).Msg("Failed to set monthly budget")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to set monthly budget")
		return
	}
	h.log.Info().Str("monthly_budget", req.MonthlyBudget.StringFixed(2)).Msg("Monthly budget updated")
	middleware.WriteJSON(w, http.StatusOK, h.snapshot())
}

// ResetBudget handles POST /api/budget/reset
func (h *BudgetHandler) ResetBudget(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ledger().Reset(r.Context()); err != nil {
		h.log.Error().Err(err).Msg("Failed to reset budget")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to reset budget")
		return
	}
	h.log.Info().Msg("Budget cycle reset")
	middleware.WriteJSON(w, http.StatusOK, h.snapshot())
}

// TiersHandler exposes the tier catalog and selection estimates.
type TiersHandler struct {
	svc Ingester
}

// NewTiersHandler creates a new tiers handler.
func NewTiersHandler(svc Ingester) *TiersHandler {
	return &TiersHandler{svc: svc}
}

// TierResponse is one catalog entry.
type TierResponse struct {
	Name          string          `json:"name"`
	Engine        string          `json:"engine"`
	Model         string          `json:"model"`
	Cost          decimal.Decimal `json:"cost"`
	Accuracy      float64         `json:"accuracy"`
	LatencyMS     int64           `json:"latency_ms"`
	MaxFileSize   int64           `json:"max_file_size"`
	MinConfidence float64         `json:"min_confidence"`
	MaxComplexity string          `json:"max_complexity"`
	MinUserTier   string          `json:"min_user_tier"`
}

// ListTiers handles GET /api/tiers
func (h *TiersHandler) ListTiers(w http.ResponseWriter, r *http.Request) {
	catalog := h.svc.Catalog()
	var out []TierResponse
	for _, t := range catalog.Tiers() {
		out = append(out, TierResponse{
			Name:          t.Name,
			Engine:        t.Engine,
			Model:         t.Model,
			Cost:          t.Cost,
			Accuracy:      t.Accuracy,
			LatencyMS:     t.Latency.Milliseconds(),
			MaxFileSize:   t.MaxFileSize,
			MinConfidence: t.MinConfidence,
			MaxComplexity: t.MaxComplexity.String(),
			MinUserTier:   t.MinUserTier.String(),
		})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tiers":     out,
		"zero_cost": catalog.ZeroCost().Name,
	})
}

// EstimateRequest describes a document to price without processing it.
type EstimateRequest struct {
	FileSize        int64            `json:"file_size"`
	DocType         string           `json:"doc_type"`
	EstimatedAmount *float64         `json:"estimated_amount"`
	UserTier        string           `json:"user_tier"`
	Preferences     tier.Preferences `json:"preferences"`
}

// Estimate handles POST /api/tiers/estimate. Nothing is reserved.
func (h *TiersHandler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.FileSize <= 0 {
		middleware.WriteError(w, http.StatusBadRequest, "file_size must be positive")
		return
	}
	docType, err := domain.ParseDocType(req.DocType)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	userTier := domain.UserFree
	if req.UserTier != "" {
		if userTier, err = domain.ParseUserTier(req.UserTier); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	decision := h.svc.EstimateCost(tier.Request{
		FileSize:        req.FileSize,
		DocType:         docType,
		EstimatedAmount: req.EstimatedAmount,
		UserTier:        userTier,
		Preferences:     req.Preferences,
	})
	middleware.WriteJSON(w, http.StatusOK, decision)
}
