package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dvloznov/docingest/internal/app"
	"github.com/dvloznov/docingest/internal/pipeline"
)

func importsCmd() *cobra.Command {
	var (
		userID string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "imports",
		Short: "List recent imports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), func(a *app.App) error {
				imports, err := a.Store.ListImports(cmd.Context(), userID, limit)
				if err != nil {
					return fmt.Errorf("list imports: %w", err)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "IMPORT\tUSER\tFILE\tTYPE\tSTATUS\tTIER\tUPDATED")
				for _, imp := range imports {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
						imp.ImportID, imp.UserID, imp.Filename, imp.DocType, imp.Status, imp.Tier,
						imp.UpdatedAt.Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "only imports of this user")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum imports listed")
	return cmd
}

func inspectCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect IMPORT_ID",
		Short: "Show an import with its parsing runs and staged transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), func(a *app.App) error {
				details, err := importDetails(cmd, a, args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(details)
				}
				printDetails(cmd.OutOrStdout(), details)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print as JSON")
	return cmd
}

func importDetails(cmd *cobra.Command, a *app.App, importID string) (*pipeline.ImportDetails, error) {
	ctx := cmd.Context()
	imp, err := a.Store.FindImport(ctx, importID)
	if err != nil {
		return nil, fmt.Errorf("find import: %w", err)
	}
	if imp == nil {
		return nil, fmt.Errorf("import %s not found", importID)
	}
	runs, err := a.Store.ListParsingRuns(ctx, importID)
	if err != nil {
		return nil, fmt.Errorf("list parsing runs: %w", err)
	}
	rows, err := a.Store.ListStaging(ctx, importID)
	if err != nil {
		return nil, fmt.Errorf("list staging rows: %w", err)
	}
	return &pipeline.ImportDetails{Import: imp, Transactions: rows, Runs: runs}, nil
}

func printDetails(w io.Writer, d *pipeline.ImportDetails) {
	imp := d.Import
	fmt.Fprintln(w, "=== Import ===")
	fmt.Fprintf(w, "ID:       %s\n", imp.ImportID)
	fmt.Fprintf(w, "User:     %s\n", imp.UserID)
	fmt.Fprintf(w, "File:     %s (%s)\n", imp.Filename, imp.MIMEType)
	fmt.Fprintf(w, "Type:     %s\n", imp.DocType)
	fmt.Fprintf(w, "Status:   %s\n", imp.Status)
	fmt.Fprintf(w, "Tier:     %s\n", imp.Tier)
	if imp.ArchiveURI != "" {
		fmt.Fprintf(w, "Archive:  %s\n", imp.ArchiveURI)
	}
	if imp.LastError != "" {
		fmt.Fprintf(w, "Error:    %s\n", imp.LastError)
	}
	fmt.Fprintf(w, "Created:  %s\n", imp.CreatedAt.Format("2006-01-02 15:04:05"))

	fmt.Fprintf(w, "\n=== Parsing runs (%d) ===\n", len(d.Runs))
	for _, run := range d.Runs {
		fmt.Fprintf(w, "%s  %-8s %-12s %s\n", run.StartedAt.Format("2006-01-02 15:04:05"), run.Status, run.Tier, run.ErrorMessage)
	}

	fmt.Fprintf(w, "\n=== Transactions (%d) ===\n", len(d.Transactions))
	for i, tx := range d.Transactions {
		fmt.Fprintf(w, "\n%d. %s\n", i+1, tx.Description)
		if tx.Date != nil {
			fmt.Fprintf(w, "   Date:       %s\n", *tx.Date)
		}
		if tx.Merchant != "" {
			fmt.Fprintf(w, "   Merchant:   %s\n", tx.Merchant)
		}
		fmt.Fprintf(w, "   Amount:     %.2f %s (%s)\n", tx.Amount, tx.Currency, tx.Type)
		if tx.Category != nil {
			fmt.Fprintf(w, "   Category:   %s\n", *tx.Category)
		}
		fmt.Fprintf(w, "   Confidence: %.2f", tx.Confidence)
		if tx.NeedsReview {
			fmt.Fprint(w, " (needs review)")
		}
		fmt.Fprintln(w)
	}
}

func reparseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reparse IMPORT_ID",
		Short: "Run an archived import through every stage again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app.App) error {
				imp, err := a.Store.FindImport(ctx, args[0])
				if err != nil {
					return fmt.Errorf("find import: %w", err)
				}
				if imp == nil {
					return fmt.Errorf("import %s not found", args[0])
				}
				if imp.ArchiveURI == "" {
					return errors.New("import has no archived document to reparse")
				}
				if a.Archive == nil {
					return errors.New("archive.bucket must be configured to reparse")
				}

				log.Info().Str("import_id", imp.ImportID).Str("archive_uri", imp.ArchiveURI).Msg("Re-parsing import")
				data, err := a.Archive.Fetch(ctx, imp.ArchiveURI)
				if err != nil {
					return err
				}
				res, err := a.Service.Ingest(ctx, pipeline.Request{
					FileBytes: data,
					Filename:  imp.Filename,
					MIMEType:  imp.MIMEType,
					DocType:   imp.DocType,
					Currency:  imp.Currency,
					UserID:    imp.UserID,
					Reprocess: true,
				})
				if err != nil {
					return err
				}
				return report(cmd.OutOrStdout(), []outcome{{Input: imp.ImportID, Result: res}}, false)
			})
		},
	}
}
