package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/waitline/waitline/internal/ui"
	"github.com/waitline/waitline/internal/validation"
)

var (
	validateLookback int
	validateAll      bool
	validatePark     string
	validatePretty   bool
)

// errNothingToCheck maps to exit code 2 in main.
var errNothingToCheck = errors.New("no partitions to check")

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Re-check canonical partitions against the row rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		checker := &validation.Checker{Layout: a.layout, Zone: a.zone}
		report, err := checker.Run(ctx, validation.Options{
			LookbackDays: validateLookback,
			All:          validateAll,
			Park:         validatePark,
		})
		if err != nil {
			return err
		}
		if report == nil {
			return errNothingToCheck
		}

		path, err := checker.Save(report)
		if err != nil {
			return err
		}

		if jsonOutput {
			json.NewEncoder(os.Stdout).Encode(report)
		} else if validatePretty {
			fmt.Print(ui.RenderMarkdown(validationMarkdown(report, path)))
		} else {
			printValidationSummary(report, path)
		}
		if !report.Clean() {
			return &stepError{fmt.Errorf("%d invalid row(s)", report.Invalid)}
		}
		return nil
	},
}

func printValidationSummary(r *validation.Report, path string) {
	icon := ui.RenderPass(ui.IconPass)
	if !r.Clean() {
		icon = ui.RenderFail(ui.IconFail)
	}
	fmt.Printf("%s %d partition(s), %d rows: %d invalid, %d outliers\n",
		icon, len(r.Partitions), r.Rows, r.Invalid, r.Outliers)
	for _, f := range r.Findings {
		fmt.Printf("  %s:%d [%s] %s\n", f.File, f.Line, f.Rule, f.Detail)
	}
	fmt.Printf("report: %s\n", ui.RenderMuted(path))
}

func validationMarkdown(r *validation.Report, path string) string {
	var sb strings.Builder
	sb.WriteString("# Validation report\n\n")
	fmt.Fprintf(&sb, "Checked **%d** partition(s), **%d** rows: %d invalid, %d outliers.\n\n",
		len(r.Partitions), r.Rows, r.Invalid, r.Outliers)
	if len(r.Findings) > 0 {
		sb.WriteString("| File | Line | Rule | Detail |\n|---|---|---|---|\n")
		for _, f := range r.Findings {
			fmt.Fprintf(&sb, "| %s | %d | %s | %s |\n", f.File, f.Line, f.Rule, f.Detail)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Saved to `%s`.\n", path)
	return sb.String()
}

func init() {
	validateCmd.Flags().IntVar(&validateLookback, "lookback", 0, "Only check partitions at most N days old (default 30)")
	validateCmd.Flags().BoolVar(&validateAll, "all", false, "Check every partition regardless of age")
	validateCmd.Flags().StringVar(&validatePark, "park", "", "Restrict to one park code")
	validateCmd.Flags().BoolVar(&validatePretty, "pretty", false, "Render the summary as markdown")
	rootCmd.AddCommand(validateCmd)
}
