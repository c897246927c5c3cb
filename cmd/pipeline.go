package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run the signal pipeline",
}

var pipelineRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every pipeline stage once and print the run record",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		skip, _ := cmd.Flags().GetStringSlice("skip")
		force, _ := cmd.Flags().GetBool("force-targets")
		run, err := env.Orch.Run(ctx, pipelineOptions(skip, force))
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}
		if err := writeJSON(os.Stdout, run); err != nil {
			return err
		}
		return runExitError(run)
	},
}

// pipelineOptions applies the configured stage toggles to the flags.
func pipelineOptions(skip []string, forceTargets bool) pipeline.Options {
	opts := pipeline.Options{Skip: skip, ForceTargets: forceTargets}
	if !cfg.Pipeline.RunCascade {
		opts.Skip = append(opts.Skip, pipeline.StageCascade)
	}
	if !cfg.Pipeline.RefreshTargets && !forceTargets {
		opts.Skip = append(opts.Skip, pipeline.StageTargets)
	}
	return opts
}

// runExitError turns a failed run into a non-zero exit. Partial runs exit
// zero; their stage errors are in the printed record.
func runExitError(run *model.PipelineRun) error {
	if run.Status == model.RunStatusFailed {
		return eris.Errorf("%s run %s failed", run.Kind, run.ID)
	}
	return nil
}

func init() {
	pipelineRunCmd.Flags().StringSlice("skip", nil, "stages to skip (discovery, worker, sweep, metadata, embedding, targets, matcher, cascade, outcome)")
	pipelineRunCmd.Flags().Bool("force-targets", false, "re-embed every active target before matching")

	pipelineCmd.AddCommand(pipelineRunCmd)
	rootCmd.AddCommand(pipelineCmd)
}
