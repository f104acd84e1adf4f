// Package ocr turns uploaded document bytes into per-page text using the
// engine chosen for the document's processing tier.
package ocr

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/logger"
)

// Request is the input to an OCR engine.
type Request struct {
	Bytes        []byte
	Filename     string
	MIMEType     string
	Language     string // ISO 639-2 code, e.g. "eng"
	DetectTables bool
}

// Page is the text of one page, numbered from 1.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Result is the text an engine produced.
type Result struct {
	FullText string        `json:"full_text"`
	Pages    []Page        `json:"pages"`
	Engine   string        `json:"engine"`
	Duration time.Duration `json:"duration"`
}

// Engine extracts text from a document.
type Engine interface {
	Name() string
	Extract(ctx context.Context, req Request) (*Result, error)
}

// Registry maps engine identifiers to engines.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry registers engines under their Name.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		if e != nil {
			r.engines[e.Name()] = e
		}
	}
	return r
}

// Has reports whether an engine is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.engines[name]
	return ok
}

// Acquire runs the named engine. An engine error, a missing engine or an
// empty result is an OCRFailed error; nothing is retried here.
func (r *Registry) Acquire(ctx context.Context, engineName string, req Request) (*Result, error) {
	log := logger.FromContext(ctx)

	engine, ok := r.engines[engineName]
	if !ok {
		return nil, ingesterr.Newf(ingesterr.KindOCRFailed, "ocr", "engine %q is not configured", engineName)
	}
	if req.MIMEType == "" {
		req.MIMEType = DetectMIMEType(req.Filename, req.Bytes)
	}

	start := time.Now()
	res, err := engine.Extract(ctx, req)
	if err != nil {
		log.Error().Err(err).Str("engine", engineName).Str("filename", req.Filename).Msg("OCR engine failed")
		return nil, ingesterr.New(ingesterr.KindOCRFailed, "ocr", fmt.Errorf("%s: %w", engineName, err))
	}
	if res == nil {
		res = &Result{}
	}
	if res.FullText == "" && len(res.Pages) > 0 {
		res.FullText = JoinPages(res.Pages)
	}
	if strings.TrimSpace(res.FullText) == "" {
		return nil, ingesterr.Newf(ingesterr.KindOCRFailed, "ocr", "%s: engine returned no text", engineName)
	}
	res.Engine = engineName
	res.Duration = time.Since(start)

	log.Debug().
		Str("engine", engineName).
		Int("pages", len(res.Pages)).
		Int("chars", len(res.FullText)).
		Dur("duration", res.Duration).
		Msg("OCR complete")
	return res, nil
}

// JoinPages concatenates page texts with blank lines between them.
func JoinPages(pages []Page) string {
	texts := make([]string, 0, len(pages))
	for _, p := range pages {
		texts = append(texts, strings.TrimSpace(p.Text))
	}
	return strings.Join(texts, "\n\n")
}

// DetectMIMEType guesses the content type from the file extension, falling
// back to content sniffing.
func DetectMIMEType(filename string, data []byte) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".txt":
		return "text/plain"
	}
	ct := http.DetectContentType(data)
	if i := strings.Index(ct, ";"); i != -1 {
		ct = ct[:i]
	}
	return ct
}

// IsPDF reports whether a MIME type is PDF.
func IsPDF(mimeType string) bool {
	return mimeType == "application/pdf"
}
