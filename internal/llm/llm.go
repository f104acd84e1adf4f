// Package llm wraps the Gemini generative model behind a small interface
// shared by OCR transcription and transaction extraction.
package llm

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// Blob is an inline file attached to a prompt.
type Blob struct {
	MIMEType string
	Data     []byte
}

// Request is one single-turn completion request.
type Request struct {
	Model        string
	System       string
	Prompt       string
	Blob         *Blob
	JSONResponse bool
	Temperature  *float32
}

// Response is the model's text output plus token accounting.
type Response struct {
	Text         string
	InputTokens  int32
	OutputTokens int32
}

// Generator produces one completion per call.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// GeminiClient is the Generator backed by google.golang.org/genai.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a client. With an empty apiKey the SDK falls back
// to GOOGLE_API_KEY or Vertex AI application default credentials.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	cfg := &genai.ClientConfig{}
	if apiKey != "" {
		cfg.APIKey = apiKey
		cfg.Backend = genai.BackendGeminiAPI
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("NewGeminiClient: create genai client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// Generate implements Generator. An empty or blocked reply is returned as an
// empty Text; callers decide whether that is usable.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	parts := []*genai.Part{{Text: req.Prompt}}
	if req.Blob != nil {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: req.Blob.MIMEType,
				Data:     req.Blob.Data,
			},
		})
	}
	contents := []*genai.Content{{Role: genai.RoleUser, Parts: parts}}

	config := &genai.GenerateContentConfig{Temperature: req.Temperature}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.JSONResponse {
		config.ResponseMIMEType = "application/json"
	}

	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("Generate: generate content with %s: %w", req.Model, err)
	}

	out := &Response{Text: resp.Text()}
	if resp.UsageMetadata != nil {
		out.InputTokens = resp.UsageMetadata.PromptTokenCount
		out.OutputTokens = resp.UsageMetadata.CandidatesTokenCount
	}
	return out, nil
}

// CleanJSON strips Markdown code fences and any prose around the outermost
// JSON object or array in a model reply.
func CleanJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	if end := strings.LastIndexByte(s, closer); end > start {
		s = s[start : end+1]
	}
	return strings.TrimSpace(s)
}
