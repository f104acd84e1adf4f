package ocr

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dvloznov/docingest/internal/llm"
	"github.com/dvloznov/docingest/internal/tier"
)

// DefaultTranscriptionModel is used when a GeminiEngine has no model set.
const DefaultTranscriptionModel = "gemini-2.5-flash"

const transcriptionPrompt = "Transcribe every page of the attached financial document.\n\n" +
	"Rules:\n" +
	"- Start each page with a line \"=== PAGE <n> ===\" where <n> is the page number starting at 1.\n" +
	"- Correct rotated or upside-down pages before reading them.\n" +
	"- Keep every table row on a single line, columns separated by two spaces.\n" +
	"- Copy numbers, dates and signs exactly as printed, including trailing minus signs.\n" +
	"- Do not summarize, translate, or add commentary.\n"

var pageMarker = regexp.MustCompile(`(?m)^=== PAGE (\d+) ===\s*$`)

// GeminiEngine transcribes documents with a multimodal Gemini model.
type GeminiEngine struct {
	gen   llm.Generator
	model string
}

// NewGeminiEngine creates a GeminiEngine.
func NewGeminiEngine(gen llm.Generator, model string) *GeminiEngine {
	if model == "" {
		model = DefaultTranscriptionModel
	}
	return &GeminiEngine{gen: gen, model: model}
}

// Name implements Engine.
func (e *GeminiEngine) Name() string { return tier.EngineGemini }

// Extract implements Engine.
func (e *GeminiEngine) Extract(ctx context.Context, req Request) (*Result, error) {
	prompt := transcriptionPrompt
	if req.Language != "" {
		prompt += fmt.Sprintf("- The document language is %s.\n", req.Language)
	}
	resp, err := e.gen.Generate(ctx, llm.Request{
		Model:  e.model,
		Prompt: prompt,
		Blob:   &llm.Blob{MIMEType: req.MIMEType, Data: req.Bytes},
	})
	if err != nil {
		return nil, err
	}
	return &Result{Pages: splitPageMarkers(resp.Text)}, nil
}

// splitPageMarkers splits a transcription on its page markers. Text without
// any marker is returned as a single page.
func splitPageMarkers(text string) []Page {
	locs := pageMarker.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return []Page{{Number: 1, Text: strings.TrimSpace(text)}}
	}
	var pages []Page
	if lead := strings.TrimSpace(text[:locs[0][0]]); lead != "" {
		pages = append(pages, Page{Number: 1, Text: lead})
	}
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		number, _ := strconv.Atoi(text[loc[2]:loc[3]])
		if number <= 0 {
			number = len(pages) + 1
		}
		pages = append(pages, Page{Number: number, Text: strings.TrimSpace(text[loc[1]:end])})
	}
	return pages
}
