package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manage tracked targets",
}

var targetsEmbedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Regenerate stale target embeddings",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "targets")
		if err != nil {
			return err
		}
		defer env.Close()
		if env.Targets == nil {
			return eris.New("targets embed: no embedding gateway configured")
		}

		force, _ := cmd.Flags().GetBool("force")
		res, err := env.Targets.Run(ctx, force)
		if err != nil {
			return eris.Wrap(err, "targets embed")
		}
		return writeJSON(os.Stdout, res)
	},
}

func init() {
	targetsEmbedCmd.Flags().Bool("force", false, "re-embed every active target, not only stale ones")

	targetsCmd.AddCommand(targetsEmbedCmd)
	rootCmd.AddCommand(targetsCmd)
}
