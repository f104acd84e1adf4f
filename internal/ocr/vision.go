package ocr

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/dvloznov/docingest/internal/tier"
	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

const featureDocumentText = "DOCUMENT_TEXT_DETECTION"

// visionAPI is the subset of the Vision service the engine calls.
type visionAPI interface {
	AnnotateImages(ctx context.Context, req *vision.BatchAnnotateImagesRequest) (*vision.BatchAnnotateImagesResponse, error)
	AnnotateFiles(ctx context.Context, req *vision.BatchAnnotateFilesRequest) (*vision.BatchAnnotateFilesResponse, error)
}

type visionService struct {
	svc *vision.Service
}

func (v *visionService) AnnotateImages(ctx context.Context, req *vision.BatchAnnotateImagesRequest) (*vision.BatchAnnotateImagesResponse, error) {
	return v.svc.Images.Annotate(req).Context(ctx).Do()
}

func (v *visionService) AnnotateFiles(ctx context.Context, req *vision.BatchAnnotateFilesRequest) (*vision.BatchAnnotateFilesResponse, error) {
	return v.svc.Files.Annotate(req).Context(ctx).Do()
}

// VisionEngine runs Google Cloud Vision document text detection, which
// corrects page orientation and keeps table rows on one line. Synchronous
// files:annotate reads only the first five pages of a PDF.
type VisionEngine struct {
	api visionAPI
}

// NewVisionEngine creates a VisionEngine using application default
// credentials plus any extra client options.
func NewVisionEngine(ctx context.Context, opts ...option.ClientOption) (*VisionEngine, error) {
	svc, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewVisionEngine: create vision service: %w", err)
	}
	return &VisionEngine{api: &visionService{svc: svc}}, nil
}

// Name implements Engine.
func (e *VisionEngine) Name() string { return tier.EngineVision }

// Extract implements Engine.
func (e *VisionEngine) Extract(ctx context.Context, req Request) (*Result, error) {
	content := base64.StdEncoding.EncodeToString(req.Bytes)
	features := []*vision.Feature{{Type: featureDocumentText}}
	var imageContext *vision.ImageContext
	if req.Language != "" {
		imageContext = &vision.ImageContext{LanguageHints: []string{visionLanguage(req.Language)}}
	}

	if IsPDF(req.MIMEType) || req.MIMEType == "image/tiff" || req.MIMEType == "image/gif" {
		resp, err := e.api.AnnotateFiles(ctx, &vision.BatchAnnotateFilesRequest{
			Requests: []*vision.AnnotateFileRequest{{
				InputConfig:  &vision.InputConfig{Content: content, MimeType: req.MIMEType},
				Features:     features,
				ImageContext: imageContext,
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("vision files annotate: %w", err)
		}
		if len(resp.Responses) == 0 {
			return nil, fmt.Errorf("vision files annotate: empty response")
		}
		file := resp.Responses[0]
		if file.Error != nil && file.Error.Code != 0 {
			return nil, fmt.Errorf("vision files annotate: %s", file.Error.Message)
		}
		var out []Page
		for i, r := range file.Responses {
			if r.Error != nil && r.Error.Code != 0 {
				return nil, fmt.Errorf("vision page %d: %s", i+1, r.Error.Message)
			}
			number := i + 1
			if r.Context != nil && r.Context.PageNumber > 0 {
				number = int(r.Context.PageNumber)
			}
			out = append(out, Page{Number: number, Text: annotationText(r)})
		}
		return &Result{Pages: out}, nil
	}

	resp, err := e.api.AnnotateImages(ctx, &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{{
			Image:        &vision.Image{Content: content},
			Features:     features,
			ImageContext: imageContext,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("vision images annotate: %w", err)
	}
	if len(resp.Responses) == 0 {
		return nil, fmt.Errorf("vision images annotate: empty response")
	}
	r := resp.Responses[0]
	if r.Error != nil && r.Error.Code != 0 {
		return nil, fmt.Errorf("vision images annotate: %s", r.Error.Message)
	}
	return &Result{Pages: []Page{{Number: 1, Text: annotationText(r)}}}, nil
}

func annotationText(r *vision.AnnotateImageResponse) string {
	if r.FullTextAnnotation != nil {
		return r.FullTextAnnotation.Text
	}
	return ""
}

// visionLanguage maps tesseract-style three-letter codes onto the BCP-47
// hints Vision expects.
func visionLanguage(lang string) string {
	switch lang {
	case "eng":
		return "en"
	case "deu":
		return "de"
	case "fra":
		return "fr"
	case "spa":
		return "es"
	case "ita":
		return "it"
	case "nld":
		return "nl"
	}
	return lang
}
