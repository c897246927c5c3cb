package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/signal-cli/internal/cascade"
	"github.com/sells-group/signal-cli/internal/model"
)

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Manage the cascade pattern library",
}

var patternsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Upsert curated patterns from a YAML library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cascade"); err != nil {
			return err
		}

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "patterns import: open library")
		}
		defer f.Close() //nolint:errcheck

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		n, err := importPatterns(ctx, st, f)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Imported %d patterns.\n", n)
		return nil
	},
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active patterns",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("cascade"); err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		minConf, _ := cmd.Flags().GetFloat64("min-confidence")
		patterns, err := st.ListActivePatterns(ctx, minConf)
		if err != nil {
			return eris.Wrap(err, "patterns list")
		}
		if len(patterns) == 0 {
			fmt.Fprintln(os.Stderr, "No patterns found.")
			return nil
		}
		formatPatternsList(os.Stdout, patterns)
		return nil
	},
}

func importPatterns(ctx context.Context, w cascade.PatternWriter, r io.Reader) (int, error) {
	patterns, err := cascade.LoadLibrary(r)
	if err != nil {
		return 0, eris.Wrap(err, "patterns import")
	}
	return cascade.ImportLibrary(ctx, w, patterns)
}

func formatPatternsList(out io.Writer, patterns []model.Pattern) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tTRIGGER\tSTEPS\tCONFIDENCE\tOBSERVED\tACCURACY")
	_, _ = fmt.Fprintln(w, "----\t-------\t-----\t----------\t--------\t--------")
	for _, p := range patterns {
		accuracy := "-"
		if p.ValidationsTotal > 0 {
			accuracy = fmt.Sprintf("%.0f%% of %d", p.AccuracyRate*100, p.ValidationsTotal)
		}
		trigger := p.TriggerSignalType
		if len(p.TriggerEntityTypes) > 0 {
			trigger += " (" + strings.Join(p.TriggerEntityTypes, ",") + ")"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%d\t%s\n",
			p.Name, trigger, len(p.Steps), p.Confidence, p.TimesObserved, accuracy)
	}
	_ = w.Flush()
}

func init() {
	patternsListCmd.Flags().Float64("min-confidence", 0, "only list patterns at or above this confidence")

	patternsCmd.AddCommand(patternsImportCmd)
	patternsCmd.AddCommand(patternsListCmd)
	rootCmd.AddCommand(patternsCmd)
}
