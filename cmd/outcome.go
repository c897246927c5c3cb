package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var outcomeCmd = &cobra.Command{
	Use:   "outcome",
	Short: "Prediction outcome validation",
}

var outcomeValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check matured predictions against new evidence and print the run record",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "outcome")
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Orch.RunOutcome(ctx)
		if err != nil {
			return eris.Wrap(err, "outcome validate")
		}
		if err := writeJSON(os.Stdout, run); err != nil {
			return err
		}
		return runExitError(run)
	},
}

func init() {
	outcomeCmd.AddCommand(outcomeValidateCmd)
	rootCmd.AddCommand(outcomeCmd)
}
