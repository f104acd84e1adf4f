package ocr

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vision "google.golang.org/api/vision/v1"
)

type fakeEngine struct {
	name string
	res  *Result
	err  error
	got  Request
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Extract(_ context.Context, req Request) (*Result, error) {
	f.got = req
	return f.res, f.err
}

func TestAcquire_JoinsPages(t *testing.T) {
	eng := &fakeEngine{name: "local", res: &Result{Pages: []Page{
		{Number: 1, Text: "first page\n"},
		{Number: 2, Text: "  second page"},
	}}}
	reg := NewRegistry(eng)

	res, err := reg.Acquire(context.Background(), "local", Request{Filename: "s.pdf", Bytes: []byte("%PDF-1.4")})
	require.NoError(t, err)
	assert.Equal(t, "first page\n\nsecond page", res.FullText)
	assert.Equal(t, "local", res.Engine)
	assert.Len(t, res.Pages, 2)
	assert.Equal(t, "application/pdf", eng.got.MIMEType)
}

func TestAcquire_Failures(t *testing.T) {
	tests := []struct {
		name   string
		engine *fakeEngine
		use    string
	}{
		{"missing engine", &fakeEngine{name: "local"}, "vision"},
		{"engine error", &fakeEngine{name: "local", err: errors.New("boom")}, "local"},
		{"empty text", &fakeEngine{name: "local", res: &Result{Pages: []Page{{Number: 1, Text: "  \n "}}}}, "local"},
		{"nil result", &fakeEngine{name: "local"}, "local"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry(tt.engine)
			_, err := reg.Acquire(context.Background(), tt.use, Request{Filename: "r.png", Bytes: []byte("x")})
			require.Error(t, err)
			assert.ErrorIs(t, err, ingesterr.ErrOCRFailed)
			assert.False(t, ingesterr.IsRetryable(err))
		})
	}
}

func TestRegistry_Has(t *testing.T) {
	reg := NewRegistry(&fakeEngine{name: "local"}, nil)
	assert.True(t, reg.Has("local"))
	assert.False(t, reg.Has("gemini"))
}

func TestDetectMIMEType(t *testing.T) {
	assert.Equal(t, "application/pdf", DetectMIMEType("Statement.PDF", nil))
	assert.Equal(t, "image/jpeg", DetectMIMEType("receipt.jpeg", nil))
	assert.Equal(t, "application/pdf", DetectMIMEType("upload", []byte("%PDF-1.7 rest")))
	assert.Equal(t, "text/plain", DetectMIMEType("upload", []byte("plain words")))
}

func TestLocalEngine_PDF(t *testing.T) {
	var gotName string
	var gotArgs []string
	eng := NewLocalEngine("", "")
	eng.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte("page one\fpage two\f"), nil
	}

	res, err := eng.Extract(context.Background(), Request{Bytes: []byte("%PDF"), MIMEType: "application/pdf", DetectTables: true})
	require.NoError(t, err)
	assert.Equal(t, "pdftotext", gotName)
	assert.Contains(t, gotArgs, "-layout")
	assert.Equal(t, "-", gotArgs[len(gotArgs)-1])
	require.Len(t, res.Pages, 2)
	assert.Equal(t, Page{Number: 2, Text: "page two"}, res.Pages[1])
}

func TestLocalEngine_Image(t *testing.T) {
	var gotArgs []string
	eng := NewLocalEngine("", "/usr/bin/tesseract")
	eng.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		assert.Equal(t, "/usr/bin/tesseract", name)
		gotArgs = args
		return []byte("TOTAL 5.35\n"), nil
	}

	res, err := eng.Extract(context.Background(), Request{Bytes: []byte{0x89}, MIMEType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, []string{"stdout", "-l", "eng", "--psm", "1"}, gotArgs[1:])
	require.Len(t, res.Pages, 1)
	assert.Equal(t, "TOTAL 5.35\n", res.Pages[0].Text)
}

func TestLocalEngine_Errors(t *testing.T) {
	eng := NewLocalEngine("", "")
	eng.run = func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("exit status 1")
	}

	_, err := eng.Extract(context.Background(), Request{Bytes: []byte("%PDF"), MIMEType: "application/pdf"})
	assert.ErrorContains(t, err, "pdftotext")

	_, err = eng.Extract(context.Background(), Request{MIMEType: "application/zip"})
	assert.ErrorContains(t, err, "cannot read")
}

type fakeGenerator struct {
	text string
	err  error
	reqs []llm.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Text: f.text}, nil
}

func TestSplitPageMarkers(t *testing.T) {
	pages := splitPageMarkers("=== PAGE 1 ===\nfoo\n=== PAGE 2 ===\nbar\n")
	assert.Equal(t, []Page{{Number: 1, Text: "foo"}, {Number: 2, Text: "bar"}}, pages)

	pages = splitPageMarkers("just text")
	assert.Equal(t, []Page{{Number: 1, Text: "just text"}}, pages)

	pages = splitPageMarkers("preamble\n=== PAGE 2 ===\nbody")
	assert.Equal(t, []Page{{Number: 1, Text: "preamble"}, {Number: 2, Text: "body"}}, pages)
}

func TestGeminiEngine(t *testing.T) {
	gen := &fakeGenerator{text: "=== PAGE 1 ===\nSTARBUCKS\nTotal $5.35"}
	eng := NewGeminiEngine(gen, "")

	res, err := eng.Extract(context.Background(), Request{Bytes: []byte("img"), MIMEType: "image/jpeg", Language: "eng"})
	require.NoError(t, err)
	require.Len(t, gen.reqs, 1)
	assert.Equal(t, DefaultTranscriptionModel, gen.reqs[0].Model)
	require.NotNil(t, gen.reqs[0].Blob)
	assert.Equal(t, "image/jpeg", gen.reqs[0].Blob.MIMEType)
	assert.True(t, strings.Contains(gen.reqs[0].Prompt, "language is eng"))
	assert.Equal(t, []Page{{Number: 1, Text: "STARBUCKS\nTotal $5.35"}}, res.Pages)

	gen.err = errors.New("quota")
	_, err = eng.Extract(context.Background(), Request{})
	assert.Error(t, err)
}

type fakeVision struct {
	images *vision.BatchAnnotateImagesResponse
	files  *vision.BatchAnnotateFilesResponse
	calls  []string
}

func (f *fakeVision) AnnotateImages(_ context.Context, req *vision.BatchAnnotateImagesRequest) (*vision.BatchAnnotateImagesResponse, error) {
	f.calls = append(f.calls, "images:"+req.Requests[0].Features[0].Type)
	return f.images, nil
}

func (f *fakeVision) AnnotateFiles(_ context.Context, req *vision.BatchAnnotateFilesRequest) (*vision.BatchAnnotateFilesResponse, error) {
	f.calls = append(f.calls, "files:"+req.Requests[0].InputConfig.MimeType)
	return f.files, nil
}

func TestVisionEngine_Image(t *testing.T) {
	api := &fakeVision{images: &vision.BatchAnnotateImagesResponse{
		Responses: []*vision.AnnotateImageResponse{{FullTextAnnotation: &vision.TextAnnotation{Text: "Total 5.35"}}},
	}}
	eng := &VisionEngine{api: api}

	res, err := eng.Extract(context.Background(), Request{Bytes: []byte("img"), MIMEType: "image/png", Language: "eng"})
	require.NoError(t, err)
	assert.Equal(t, []string{"images:DOCUMENT_TEXT_DETECTION"}, api.calls)
	assert.Equal(t, "Total 5.35", res.Pages[0].Text)
}

func TestVisionEngine_PDF(t *testing.T) {
	api := &fakeVision{files: &vision.BatchAnnotateFilesResponse{
		Responses: []*vision.AnnotateFileResponse{{
			Responses: []*vision.AnnotateImageResponse{
				{FullTextAnnotation: &vision.TextAnnotation{Text: "p1"}, Context: &vision.ImageAnnotationContext{PageNumber: 1}},
				{FullTextAnnotation: &vision.TextAnnotation{Text: "p2"}, Context: &vision.ImageAnnotationContext{PageNumber: 2}},
			},
		}},
	}}
	eng := &VisionEngine{api: api}

	res, err := eng.Extract(context.Background(), Request{Bytes: []byte("%PDF"), MIMEType: "application/pdf"})
	require.NoError(t, err)
	assert.Equal(t, []string{"files:application/pdf"}, api.calls)
	assert.Equal(t, []Page{{Number: 1, Text: "p1"}, {Number: 2, Text: "p2"}}, res.Pages)
}

func TestVisionEngine_PageError(t *testing.T) {
	api := &fakeVision{images: &vision.BatchAnnotateImagesResponse{
		Responses: []*vision.AnnotateImageResponse{{Error: &vision.Status{Code: 3, Message: "bad image"}}},
	}}
	eng := &VisionEngine{api: api}

	_, err := eng.Extract(context.Background(), Request{Bytes: []byte("img"), MIMEType: "image/png"})
	assert.ErrorContains(t, err, "bad image")
}
