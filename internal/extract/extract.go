// Package extract turns cleaned document text into validated transactions
// using a language model. Model output is treated as untrusted input: its
// shape is checked before use and every field is coerced afterwards.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/llm"
	"github.com/dvloznov/docingest/internal/logger"
)

// DefaultModel is used when neither the input nor the extractor names one.
const DefaultModel = "gemini-2.5-flash"

const stage = "extract"

// Input is the cleaned text of one document.
type Input struct {
	Text     string
	DocType  domain.DocType
	Currency string
	Model    string // overrides the extractor default, normally the tier's model
	Tier     string // for error context only
}

// Result is the outcome of a successful extraction.
type Result struct {
	Transactions []domain.ExtractedTransaction `json:"transactions"`
	Errors       []string                      `json:"errors"`
	ModelStats   map[string]interface{}        `json:"model_stats,omitempty"`
	Skipped      int                           `json:"skipped"`
	Attempts     int                           `json:"attempts"`
	Model        string                        `json:"model"`
	RawOutput    string                        `json:"-"`
	InputTokens  int32                         `json:"input_tokens"`
	OutputTokens int32                         `json:"output_tokens"`
}

// Extractor asks a Generator for transactions.
type Extractor struct {
	gen   llm.Generator
	model string

	// Temperature is sent with every request.
	Temperature float32
}

// NewExtractor creates an Extractor with a default model.
func NewExtractor(gen llm.Generator, model string) *Extractor {
	if model == "" {
		model = DefaultModel
	}
	return &Extractor{gen: gen, model: model}
}

// modelResponse is the required shape of the model's JSON object.
type modelResponse struct {
	Transactions []interface{}          `json:"transactions"`
	Errors       []interface{}          `json:"errors"`
	Stats        map[string]interface{} `json:"stats"`
}

var errShape = errors.New("model output is not an object with a transactions array")

// Extract makes at most two model calls. The second call is only made when
// the first output does not parse into the required shape; if that fails
// too the result is a ParseFailed error carrying the raw output.
func (e *Extractor) Extract(ctx context.Context, in Input) (*Result, error) {
	log := logger.FromContext(ctx).With().Str("stage", stage).Str("doc_type", string(in.DocType)).Logger()

	model := in.Model
	if model == "" {
		model = e.model
	}
	prompt := buildPrompt(in.DocType, in.Currency, in.Text)
	res := &Result{Model: model}

	// Attempt 1.
	parsed, raw, err := e.attempt(ctx, model, prompt, res)
	if err != nil {
		return nil, e.unavailable(in, res, err)
	}
	if parsed == nil {
		log.Warn().Str("raw_output", truncate(raw, 500)).Msg("Model output was not valid JSON, retrying once")

		// Attempt 2, with an explicit JSON-only instruction.
		parsed, raw, err = e.attempt(ctx, model, retryInstruction+prompt, res)
		if err != nil {
			return nil, e.unavailable(in, res, err)
		}
		if parsed == nil {
			log.Error().Str("raw_output", raw).Msg("Model output was not valid JSON after retry")
			return nil, &ingesterr.Error{
				Kind:      ingesterr.KindParseFailed,
				Stage:     stage,
				DocType:   string(in.DocType),
				Tier:      in.Tier,
				Stats:     ingesterr.Stats{CleanedChars: len(in.Text), ExtractAttempts: res.Attempts},
				RawOutput: raw,
				Err:       errShape,
			}
		}
	}
	res.RawOutput = raw
	res.ModelStats = parsed.Stats

	for _, v := range parsed.Errors {
		if s, ok := v.(string); ok && s != "" {
			res.Errors = append(res.Errors, s)
		}
	}
	for i, item := range parsed.Transactions {
		tx, err := toTransaction(i, item, in.DocType)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		res.Transactions = append(res.Transactions, *tx)
	}
	if in.DocType == domain.DocReceipt && len(res.Transactions) > 1 {
		res.Transactions = collapseReceipt(res)
	}

	log.Info().
		Int("transactions", len(res.Transactions)).
		Int("skipped", res.Skipped).
		Int("attempts", res.Attempts).
		Msg("Extraction complete")
	return res, nil
}

// attempt makes one model call. A nil response with a nil error means the
// output did not have the required shape.
func (e *Extractor) attempt(ctx context.Context, model, prompt string, res *Result) (*modelResponse, string, error) {
	res.Attempts++
	temp := e.Temperature
	resp, err := e.gen.Generate(ctx, llm.Request{
		Model:        model,
		System:       systemInstruction,
		Prompt:       prompt,
		JSONResponse: true,
		Temperature:  &temp,
	})
	if err != nil {
		return nil, "", err
	}
	res.InputTokens += resp.InputTokens
	res.OutputTokens += resp.OutputTokens
	parsed, err := parseResponse(resp.Text)
	if err != nil {
		return nil, resp.Text, nil
	}
	return parsed, resp.Text, nil
}

func (e *Extractor) unavailable(in Input, res *Result, err error) error {
	return &ingesterr.Error{
		Kind:    ingesterr.KindExtractionUnavailable,
		Stage:   stage,
		DocType: string(in.DocType),
		Tier:    in.Tier,
		Stats:   ingesterr.Stats{CleanedChars: len(in.Text), ExtractAttempts: res.Attempts},
		Err:     fmt.Errorf("model %s: %w", res.Model, err),
	}
}

// parseResponse validates the top-level shape before anything reads it.
func parseResponse(raw string) (*modelResponse, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(llm.CleanJSON(raw)), &top); err != nil {
		return nil, fmt.Errorf("parseResponse: unmarshal: %w", err)
	}
	txRaw, ok := top["transactions"]
	if !ok {
		return nil, errShape
	}
	var out modelResponse
	if err := json.Unmarshal(txRaw, &out.Transactions); err != nil || out.Transactions == nil {
		return nil, errShape
	}
	if errRaw, ok := top["errors"]; ok {
		_ = json.Unmarshal(errRaw, &out.Errors)
	}
	if statsRaw, ok := top["stats"]; ok {
		_ = json.Unmarshal(statsRaw, &out.Stats)
	}
	return &out, nil
}

// collapseReceipt keeps the largest amount, which is the paid total when a
// model returns line items alongside it.
func collapseReceipt(res *Result) []domain.ExtractedTransaction {
	best := 0
	for i, tx := range res.Transactions {
		if math.Abs(tx.Amount) > math.Abs(res.Transactions[best].Amount) {
			best = i
		}
	}
	res.Errors = append(res.Errors, fmt.Sprintf("receipt returned %d transactions, kept the total", len(res.Transactions)))
	return []domain.ExtractedTransaction{res.Transactions[best]}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
