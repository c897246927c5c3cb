package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var cascadeCmd = &cobra.Command{
	Use:   "cascade",
	Short: "Cascade pattern detection",
}

var cascadeDetectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Match recent signals against active patterns and print the run record",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "cascade")
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Orch.RunCascade(ctx)
		if err != nil {
			return eris.Wrap(err, "cascade detect")
		}
		if err := writeJSON(os.Stdout, run); err != nil {
			return err
		}
		return runExitError(run)
	},
}

func init() {
	cascadeCmd.AddCommand(cascadeDetectCmd)
	rootCmd.AddCommand(cascadeCmd)
}
