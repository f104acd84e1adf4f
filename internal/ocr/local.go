package ocr

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/dvloznov/docingest/internal/tier"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// LocalEngine is the zero-cost engine. PDFs go through pdftotext; images
// and scanned pages go through the tesseract CLI.
type LocalEngine struct {
	PdftotextPath string
	TesseractPath string
	run           CommandRunner
}

// NewLocalEngine creates a LocalEngine using the given binaries.
func NewLocalEngine(pdftotextPath, tesseractPath string) *LocalEngine {
	if pdftotextPath == "" {
		pdftotextPath = "pdftotext"
	}
	if tesseractPath == "" {
		tesseractPath = "tesseract"
	}
	return &LocalEngine{PdftotextPath: pdftotextPath, TesseractPath: tesseractPath, run: execRunner}
}

// Name implements Engine.
func (e *LocalEngine) Name() string { return tier.EngineLocal }

// Extract implements Engine.
func (e *LocalEngine) Extract(ctx context.Context, req Request) (*Result, error) {
	switch {
	case IsPDF(req.MIMEType):
		return e.extractPDF(ctx, req)
	case strings.HasPrefix(req.MIMEType, "image/"):
		return e.extractImage(ctx, req)
	case strings.HasPrefix(req.MIMEType, "text/"):
		return &Result{Pages: []Page{{Number: 1, Text: string(req.Bytes)}}}, nil
	}
	return nil, fmt.Errorf("local engine cannot read %s", req.MIMEType)
}

func (e *LocalEngine) extractPDF(ctx context.Context, req Request) (*Result, error) {
	path, cleanup, err := writeTemp(req.Bytes, "*.pdf")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	args := []string{"-enc", "UTF-8"}
	if req.DetectTables {
		args = append(args, "-layout")
	}
	args = append(args, path, "-")
	out, err := e.run(ctx, e.PdftotextPath, args...)
	if err != nil {
		return nil, fmt.Errorf("pdftotext: %w", err)
	}
	return &Result{Pages: splitFormFeeds(string(out))}, nil
}

func (e *LocalEngine) extractImage(ctx context.Context, req Request) (*Result, error) {
	path, cleanup, err := writeTemp(req.Bytes, "*.img")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	lang := req.Language
	if lang == "" {
		lang = "eng"
	}
	// psm 1 enables orientation and script detection.
	out, err := e.run(ctx, e.TesseractPath, path, "stdout", "-l", lang, "--psm", "1")
	if err != nil {
		return nil, fmt.Errorf("tesseract: %w", err)
	}
	return &Result{Pages: splitFormFeeds(string(out))}, nil
}

// splitFormFeeds splits pdftotext/tesseract output into pages. Both tools
// end every page with a form feed.
func splitFormFeeds(out string) []Page {
	var pages []Page
	for i, chunk := range strings.Split(out, "\f") {
		if strings.TrimSpace(chunk) == "" && i > 0 {
			continue
		}
		pages = append(pages, Page{Number: len(pages) + 1, Text: chunk})
	}
	return pages
}

func writeTemp(data []byte, pattern string) (string, func(), error) {
	f, err := os.CreateTemp("", "docingest-"+pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), cleanup, nil
}
