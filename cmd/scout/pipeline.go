package main

import (
	"fmt"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"scout/internal/observability"
	"scout/internal/pipeline"
	"scout/internal/server/bootstrap"
)

type pipelineOptions struct {
	request        pipeline.ChildRequest
	planFile       string
	sourceLanguage string
}

// plan loads the stage plan, falling back to the built-in one.
func (o *pipelineOptions) plan() (pipeline.Plan, error) {
	plan := pipeline.DefaultPlan()
	if path := strings.TrimSpace(o.planFile); path != "" {
		loaded, err := pipeline.LoadPlan(path)
		if err != nil {
			return pipeline.Plan{}, err
		}
		plan = loaded
	}
	if lang := strings.TrimSpace(o.sourceLanguage); lang != "" {
		plan.SourceLanguage = lang
	}
	return plan, nil
}

func newPipelineCommand(root *rootOptions) *cobra.Command {
	opts := &pipelineOptions{}
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run the research workflow for one session",
		Long: `Run the staged research workflow and print one structured event per line
on stdout. The server launches this command for every session unless
pipeline.command points at another executable; diagnostics go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := opts.plan()
			if err != nil {
				return err
			}
			// stdout carries events only; config problems must not stop the run.
			tracer := observability.NoopTracerProvider()
			if cfg, _, err := root.load(nil); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "pipeline: tracing disabled: %v\n", err)
			} else {
				var cleanup func()
				tracer, cleanup = bootstrap.InitObservability(cfg)
				defer cleanup()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
			defer stop()
			_, err = pipeline.RunChild(ctx, plan, opts.request, cmd.OutOrStdout(),
				pipeline.WithWorkflowTracer(tracer))
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.request.Subject, "subject", "", "Research subject")
	flags.StringVar(&opts.request.SessionID, "session-id", "", "Session id")
	flags.StringVar(&opts.request.Language, "language", "", "Report language")
	flags.StringVar(&opts.request.OutputDir, "output-dir", "", "Directory for produced artifacts")
	flags.StringVar(&opts.planFile, "plan", "", "YAML stage plan (default: built-in plan)")
	flags.StringVar(&opts.sourceLanguage, "source-language", "", "Language the workflow researches in")
	for _, name := range []string{"subject", "session-id", "output-dir"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}
