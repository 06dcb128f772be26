package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/observability"
)

func newResolveCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <doi>",
		Short: "Resolve one DOI, run its pipeline and print the analysis path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doi, err := domain.ParseDOI(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p, err := a.newPipeline(nil)
			if err != nil {
				return err
			}
			result, err := p.Process(ctx, doi)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if result.Analyzed {
				fmt.Fprintln(out, result.AnalysisPath)
				return nil
			}
			fmt.Fprintf(out, "%s is not published (%s)\n", result.Terminal, result.Dir)
			return nil
		},
	}
	return cmd
}

// newProcessCommand is the child entry point of the process isolation mode.
// The exit status is the result the pool reads: zero on success. The child
// logs to stderr, which the parent tees into the run log, and writes its
// metrics report as the last stdout line.
func newProcessCommand(a *app) *cobra.Command {
	var raw string
	cmd := &cobra.Command{
		Use:    "process",
		Short:  "Process a single DOI as a worker child",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := observability.WithDOIContext(a.logger, raw)

			doi, err := domain.ParseDOI(raw)
			if err != nil {
				logger.Error().Err(err).Msg("invalid DOI")
				return &exitError{code: 2, err: err}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			metrics, report := observability.NewReportingMetrics(metricsNamespace)
			err = processOne(ctx, a, doi, metrics)
			if encErr := report.Encode(cmd.OutOrStdout()); encErr != nil {
				logger.Warn().Err(encErr).Msg("failed to write metrics report")
			}
			if err != nil {
				logger.Error().Err(err).Msg("processing failed")
				return &exitError{code: 1, err: err}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&raw, "doi", "", "DOI to process")
	_ = cmd.MarkFlagRequired("doi")
	return cmd
}

func processOne(ctx context.Context, a *app, doi domain.DOI, metrics *observability.Metrics) error {
	p, err := a.newPipeline(metrics)
	if err != nil {
		return err
	}
	_, err = p.Process(ctx, doi)
	return err
}
