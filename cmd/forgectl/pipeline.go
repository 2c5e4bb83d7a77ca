package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/chudopalovba/diplom/pkg/api/client"
)

func newPipelineCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pipeline",
		Aliases: []string{"pl"},
		Short:   "Trigger, cancel and follow project pipelines",
	}
	cmd.AddCommand(
		newTriggerCommand(a, apiclient.ActionBuild, "Run build and test"),
		newTriggerCommand(a, apiclient.ActionDeploy, "Run build, test, static analysis and deploy"),
		newTriggerCommand(a, apiclient.ActionScan, "Run static analysis only"),
		newPipelineCancelCommand(a),
		newPipelineStatusCommand(a),
		newPipelineHistoryCommand(a),
		newPipelineWatchCommand(a),
	)
	return cmd
}

func newTriggerCommand(a *app, action, short string) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   action + " <project-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := a.token()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd.Context())
			run, err := client.Trigger(ctx, token, args[0], action)
			cancel()
			if err != nil {
				if apiclient.IsConflict(err) {
					return fmt.Errorf("%w (a pipeline is already active)", err)
				}
				return err
			}
			if err := a.render(cmd.OutOrStdout(), run, func(w io.Writer) {
				fmt.Fprintf(w, "pipeline started: %s kind=%s status=%s\n", run.ID, run.Kind, run.Status)
			}); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return watchRun(cmd.Context(), cmd.OutOrStdout(), client, token, args[0])
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow the run until it finishes")
	return cmd
}

func newPipelineCancelCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <project-id>",
		Short: "Cancel the active pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := a.token()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			run, err := client.CancelPipeline(ctx, token, args[0])
			if err != nil {
				return err
			}
			if run == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no active pipeline")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pipeline canceled: %s\n", run.ID)
			return nil
		},
	}
}

func newPipelineStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show the current or latest run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := a.token()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			run, err := client.PipelineStatus(ctx, token, args[0])
			if err != nil {
				if apiclient.IsNotFound(err) {
					fmt.Fprintln(cmd.OutOrStdout(), "no pipeline runs yet")
					return nil
				}
				return err
			}
			return a.render(cmd.OutOrStdout(), run, func(w io.Writer) { printRun(w, run) })
		},
	}
}

func newPipelineHistoryCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <project-id>",
		Short: "List past runs, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := a.token()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			runs, err := client.PipelineHistory(ctx, token, args[0], limit)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), runs, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tSTARTED\tDURATION")
				for _, run := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", run.ID, run.Kind, run.Status, run.StartedAt.Format(time.RFC3339), runDuration(run))
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func newPipelineWatchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <project-id>",
		Short: "Stream run updates until the run finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := a.token()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			return watchRun(cmd.Context(), cmd.OutOrStdout(), client, token, args[0])
		},
	}
}

func watchRun(ctx context.Context, w io.Writer, client *apiclient.Client, token, projectID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return client.WatchPipeline(ctx, token, projectID, func(run apiclient.PipelineRun) bool {
		fmt.Fprintf(w, "[%s] %s %s: %s\n", time.Now().Format(time.TimeOnly), run.Kind, run.ID, stageLine(run))
		if run.Terminal() {
			fmt.Fprintf(w, "run %s finished: %s\n", run.ID, run.Status)
			if run.DeployURL != "" {
				fmt.Fprintf(w, "deployed at %s\n", run.DeployURL)
			}
			return false
		}
		return true
	})
}

func printRun(w io.Writer, run apiclient.PipelineRun) {
	fmt.Fprintf(w, "Run:      %s (%s)\n", run.ID, run.Kind)
	fmt.Fprintf(w, "Status:   %s\n", run.Status)
	fmt.Fprintf(w, "Started:  %s\n", run.StartedAt.Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Fprintf(w, "Duration: %s\n", runDuration(run))
	}
	if run.DeployURL != "" {
		fmt.Fprintf(w, "Deploy:   %s\n", run.DeployURL)
	}
	for _, st := range run.Stages {
		line := fmt.Sprintf("  %-15s %s", st.Name, st.Status)
		if st.Error != "" {
			line += "  " + st.Error
		}
		fmt.Fprintln(w, line)
	}
}

func stageLine(run apiclient.PipelineRun) string {
	parts := make([]string, len(run.Stages))
	for i, st := range run.Stages {
		parts[i] = st.Name + "=" + st.Status
	}
	return strings.Join(parts, " ")
}

func runDuration(run apiclient.PipelineRun) string {
	if run.FinishedAt == nil {
		return "-"
	}
	return run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
}
