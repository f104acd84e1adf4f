package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/dvloznov/docingest/internal/app"
	"github.com/dvloznov/docingest/internal/budget"
	"github.com/dvloznov/docingest/internal/tier"
)

func tiersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tiers",
		Short: "List the processing tiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, err := cfg.TierCatalog()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIER\tENGINE\tCOST\tACCURACY\tLATENCY\tMAX SIZE\tMAX COMPLEXITY\tMIN USER TIER")
			for _, t := range catalog.Tiers() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%dMB\t%s\t%s\n",
					t.Name, t.Engine, t.Cost.StringFixed(4), t.Accuracy, t.Latency,
					t.MaxFileSize>>20, t.MaxComplexity, t.MinUserTier)
			}
			return tw.Flush()
		},
	}
}

func estimateCmd() *cobra.Command {
	var f ingestFlags
	var fileSize int64
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Show which tier a document would get, without processing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fileSize <= 0 {
				return fmt.Errorf("--size must be positive")
			}
			req, err := f.request()
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(a *app.App) error {
				decision := a.Selector.Select(tier.Request{
					FileSize:        fileSize,
					DocType:         req.DocType,
					EstimatedAmount: req.EstimatedAmount,
					UserTier:        req.UserTier,
					Preferences:     req.Preferences,
				}, a.Ledger.Snapshot())
				printDecision(cmd.OutOrStdout(), decision)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&fileSize, "size", 0, "file size in bytes (required)")
	cmd.Flags().StringVar(&f.docType, "doc-type", "", "document type (required)")
	cmd.Flags().StringVar(&f.userTier, "user-tier", "free", "subscription tier")
	cmd.Flags().StringSliceVar(&f.prioritize, "prioritize", nil, "selection preferences: cost, accuracy, speed")
	cmd.Flags().Float64Var(&f.estimatedAmount, "estimated-amount", 0, "expected total amount")
	_ = cmd.MarkFlagRequired("doc-type")
	_ = cmd.MarkFlagRequired("size")
	return cmd
}

func printDecision(w io.Writer, d tier.Decision) {
	fmt.Fprintf(w, "Tier:      %s\n", d.TierName)
	fmt.Fprintf(w, "Cost:      %s\n", d.EstimatedCost.StringFixed(4))
	fmt.Fprintf(w, "Accuracy:  %.2f\n", d.EstimatedAccuracy)
	fmt.Fprintf(w, "Latency:   %s\n", d.EstimatedLatency)
	fmt.Fprintf(w, "Score:     %.3f\n", d.Score)
	fmt.Fprintf(w, "Rationale: %s\n", d.Rationale)
	if len(d.Alternatives) > 0 {
		fmt.Fprintln(w, "Alternatives:")
		for _, alt := range d.Alternatives {
			fmt.Fprintf(w, "  %-14s score %.3f  cost %s\n", alt.Tier, alt.Score, alt.EstimatedCost.StringFixed(4))
		}
	}
}

func budgetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show or change the monthly processing budget",
	}
	cmd.AddCommand(budgetShowCmd(), budgetSetCmd(), budgetResetCmd())
	return cmd
}

func budgetShowCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the ledger for the current cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), func(a *app.App) error {
				snap := a.Ledger.Snapshot()
				if jsonOut {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(snap)
				}
				return printSnapshot(cmd.OutOrStdout(), snap)
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print as JSON")
	return cmd
}

func budgetSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set AMOUNT",
		Short: "Set the monthly budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[0], err)
			}
			return withLedger(cmd.Context(), func(a *app.App) error {
				if err := a.Ledger.SetMonthlyBudget(cmd.Context(), amount); err != nil {
					return err
				}
				return printSnapshot(cmd.OutOrStdout(), a.Ledger.Snapshot())
			})
		},
	}
}

func budgetResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Start a new billing cycle now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd.Context(), func(a *app.App) error {
				if err := a.Ledger.Reset(cmd.Context()); err != nil {
					return err
				}
				return printSnapshot(cmd.OutOrStdout(), a.Ledger.Snapshot())
			})
		},
	}
}

func printSnapshot(w io.Writer, s budget.Snapshot) error {
	fmt.Fprintf(w, "Cycle start:   %s\n", s.CycleStart.Format("2006-01-02"))
	fmt.Fprintf(w, "Budget:        %s\n", s.MonthlyBudget.StringFixed(2))
	fmt.Fprintf(w, "Spent:         %s (%.1f%%)\n", s.TotalCost.StringFixed(4), s.UsageRatio()*100)
	fmt.Fprintf(w, "Remaining:     %s\n", s.RemainingBudget.StringFixed(4))
	fmt.Fprintf(w, "Documents:     %d (%d succeeded)\n", s.Documents, s.Successes)
	fmt.Fprintf(w, "Cost/document: %s\n", s.CostPerDocument.StringFixed(4))
	fmt.Fprintf(w, "Mean accuracy: %.2f\n", s.Efficiency.MeanAccuracy)

	if len(s.PerTier) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.PerTier))
	for name := range s.PerTier {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tRUNS\tSUCCEEDED\tCOST")
	for _, name := range names {
		u := s.PerTier[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", name, u.Runs, u.Successes, u.Cost.StringFixed(4))
	}
	return tw.Flush()
}
