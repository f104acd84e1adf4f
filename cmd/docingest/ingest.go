package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dvloznov/docingest/internal/app"
	"github.com/dvloznov/docingest/internal/archive"
	"github.com/dvloznov/docingest/internal/domain"
	"github.com/dvloznov/docingest/internal/ingesterr"
	"github.com/dvloznov/docingest/internal/pipeline"
	"github.com/dvloznov/docingest/internal/tier"
)

// fetcher reads gs:// documents.
type fetcher interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

type ingestFlags struct {
	docType         string
	currency        string
	userID          string
	userTier        string
	prioritize      []string
	estimatedAmount float64
	reprocess       bool
	concurrency     int
	jsonOut         bool
}

// outcome is the result of one input, in input order.
type outcome struct {
	Input  string           `json:"input"`
	Result *pipeline.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
	Kind   string           `json:"kind,omitempty"`
}

func ingestCmd() *cobra.Command {
	var f ingestFlags
	cmd := &cobra.Command{
		Use:   "ingest FILE|gs://URI...",
		Short: "Ingest local files or GCS objects",
		Long: `Runs every document through tier selection, OCR, normalization,
extraction and staging. Documents are processed concurrently, bounded by
--concurrency (default pipeline.concurrency).`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := f.request()
			if err != nil {
				return err
			}
			if f.concurrency <= 0 {
				f.concurrency = cfg.Pipeline.Concurrency
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				var src fetcher
				if a.Archive != nil {
					src = a.Archive
				}
				outcomes := ingestAll(cmd.Context(), a.Service, src, base, args, f.concurrency)
				return report(cmd.OutOrStdout(), outcomes, f.jsonOut)
			})
		},
	}

	cmd.Flags().StringVar(&f.docType, "doc-type", "", "document type: statement, receipt or credit_card_statement (required)")
	cmd.Flags().StringVar(&f.currency, "currency", "", "ISO currency code of the document")
	cmd.Flags().StringVar(&f.userID, "user", "", "owning user id")
	cmd.Flags().StringVar(&f.userTier, "user-tier", "free", "subscription tier: free, basic, premium or enterprise")
	cmd.Flags().StringSliceVar(&f.prioritize, "prioritize", nil, "selection preferences: cost, accuracy, speed")
	cmd.Flags().Float64Var(&f.estimatedAmount, "estimated-amount", 0, "expected total amount, used for importance")
	cmd.Flags().BoolVar(&f.reprocess, "reprocess", false, "run every stage again for already staged documents")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "documents processed at once")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "print results as JSON")
	_ = cmd.MarkFlagRequired("doc-type")
	return cmd
}

// request builds the per-document request template from flags.
func (f ingestFlags) request() (pipeline.Request, error) {
	var req pipeline.Request
	docType, err := domain.ParseDocType(f.docType)
	if err != nil {
		return req, err
	}
	userTier, err := domain.ParseUserTier(f.userTier)
	if err != nil {
		return req, err
	}
	prefs, err := parsePreferences(f.prioritize)
	if err != nil {
		return req, err
	}
	req = pipeline.Request{
		DocType:     docType,
		Currency:    f.currency,
		UserID:      f.userID,
		UserTier:    userTier,
		Preferences: prefs,
		Reprocess:   f.reprocess,
	}
	if f.estimatedAmount != 0 {
		amount := f.estimatedAmount
		req.EstimatedAmount = &amount
	}
	return req, nil
}

func parsePreferences(values []string) (tier.Preferences, error) {
	var p tier.Preferences
	for _, v := range values {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "cost":
			p.PrioritizeCost = true
		case "accuracy":
			p.PrioritizeAccuracy = true
		case "speed":
			p.PrioritizeSpeed = true
		case "":
		default:
			return p, fmt.Errorf("unknown preference %q (want cost, accuracy or speed)", v)
		}
	}
	return p, nil
}

// ingester is the part of the pipeline the command drives.
type ingester interface {
	Ingest(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// ingestAll runs inputs with at most limit in flight. One failing document
// does not stop the others.
func ingestAll(ctx context.Context, svc ingester, src fetcher, base pipeline.Request, inputs []string, limit int) []outcome {
	outcomes := make([]outcome, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, input := range inputs {
		g.Go(func() error {
			out := outcome{Input: input}
			defer func() { outcomes[i] = out }()

			data, filename, err := loadInput(gctx, src, input)
			if err != nil {
				out.Error = err.Error()
				out.Kind = string(ingesterr.KindInvalidRequest)
				return nil
			}
			req := base
			req.FileBytes = data
			req.Filename = filename

			res, err := svc.Ingest(gctx, req)
			if err != nil {
				log.Error().Err(err).Str("input", input).Msg("Ingestion failed")
				out.Error = err.Error()
				out.Kind = string(ingesterr.KindOf(err))
				return nil
			}
			out.Result = res
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// loadInput reads a local path or a gs:// URI.
func loadInput(ctx context.Context, src fetcher, input string) ([]byte, string, error) {
	if archive.IsURI(input) {
		if src == nil {
			return nil, "", errors.New("archive.bucket must be configured to read gs:// URIs")
		}
		data, err := src.Fetch(ctx, input)
		if err != nil {
			return nil, "", err
		}
		return data, archive.FilenameFromURI(input), nil
	}

	fh, err := os.Open(input)
	if err != nil {
		return nil, "", fmt.Errorf("open %q: %w", input, err)
	}
	defer fh.Close()
	data, err := io.ReadAll(fh)
	if err != nil {
		return nil, "", fmt.Errorf("read %q: %w", input, err)
	}
	return data, filepath.Base(input), nil
}

// report prints outcomes and returns an error when any document failed.
func report(w io.Writer, outcomes []outcome, jsonOut bool) error {
	failed := 0
	for _, o := range outcomes {
		if o.Error != "" {
			failed++
		}
	}

	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcomes); err != nil {
			return err
		}
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "INPUT\tIMPORT\tSTATUS\tTIER\tCOST\tINSERTED\tUPDATED\tREVIEW")
		for _, o := range outcomes {
			if o.Result == nil {
				fmt.Fprintf(tw, "%s\t-\tfailed (%s)\t-\t-\t-\t-\t-\n", o.Input, o.Kind)
				continue
			}
			r := o.Result
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
				o.Input, r.ImportID, r.Status, r.Decision.TierName, r.Cost,
				r.Stats.Inserted, r.Stats.Updated, r.Stats.Flagged)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		for _, o := range outcomes {
			if o.Error != "" {
				fmt.Fprintf(w, "\n%s: %s\n", o.Input, o.Error)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(outcomes))
	}
	return nil
}
