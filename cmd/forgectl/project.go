package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/chudopalovba/diplom/pkg/api/client"
)

func newProjectCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create, inspect and delete projects",
	}
	cmd.AddCommand(
		newProjectCreateCommand(a),
		newProjectListCommand(a),
		newProjectGetCommand(a),
		newProjectDeleteCommand(a),
		newProjectSummaryCommand(a),
	)
	return cmd
}

func newProjectCreateCommand(a *app) *cobra.Command {
	var (
		input        apiclient.CreateProjectInput
		noContainers bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Generate a new project from a stack",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := a.token()
			if err != nil {
				return err
			}
			client, err := a.client()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("no-containers") {
				use := !noContainers
				input.Stack.UseContainerization = &use
			}
			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			project, err := client.CreateProject(ctx, token, input)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), project, func(w io.Writer) {
				fmt.Fprintf(w, "project created: %s (%s)\n", project.ID, project.Name)
				fmt.Fprintf(w, "clone: %s\n", project.CloneURL)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&input.Name, "name", "", "project name")
	flags.StringVar(&input.Description, "description", "", "project description")
	flags.StringVar(&input.Stack.Backend, "backend", "", "backend technology (java, csharp, python)")
	flags.StringVar(&input.Stack.Frontend, "frontend", "", "frontend framework (react, vue, angular)")
	flags.StringVar(&input.Stack.Database, "database", "", "database engine (default postgres)")
	flags.BoolVar(&noContainers, "no-containers", false, "generate without container manifests")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("backend")
	_ = cmd.MarkFlagRequired("frontend")
	return cmd
}

func newProjectListCommand(a *app) *cobra.Command {
	var (
		owner string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects in creation order",
		Args:  cobra.NoArgs,
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
			projects, err := client.ListProjects(ctx, token, owner, limit)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), projects, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tSTACK\tCREATED")
				for _, p := range projects {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s/%s/%s\t%s\n", p.ID, p.Name, p.Status, p.Stack.Backend, p.Stack.Frontend, p.Stack.Database, p.CreatedAt.Format(time.RFC3339))
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", `owner id to list, or "*" for everyone (default is the caller)`)
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of projects to display")
	return cmd
}

func newProjectGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <project-id>",
		Short: "Show a project",
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
			project, err := client.GetProject(ctx, token, args[0])
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), project, func(w io.Writer) {
				fmt.Fprintf(w, "ID:          %s\n", project.ID)
				fmt.Fprintf(w, "Name:        %s\n", project.Name)
				fmt.Fprintf(w, "Status:      %s\n", project.Status)
				fmt.Fprintf(w, "Stack:       %s / %s / %s\n", project.Stack.Backend, project.Stack.Frontend, project.Stack.Database)
				fmt.Fprintf(w, "Repository:  %s\n", project.RepositoryURL)
				if project.DeployURL != nil {
					fmt.Fprintf(w, "Deployed at: %s\n", *project.DeployURL)
				}
			})
		},
	}
}

func newProjectDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project; its pipeline history is kept",
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
			if err := client.DeleteProject(ctx, token, args[0]); err != nil {
				if apiclient.IsConflict(err) {
					return fmt.Errorf("%w (cancel the active pipeline first)", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "project deleted: %s\n", args[0])
			return nil
		},
	}
}

func newProjectSummaryCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Count your projects by lifecycle status",
		Args:  cobra.NoArgs,
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
			summary, err := client.Summary(ctx, token)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), summary, func(w io.Writer) {
				fmt.Fprintf(w, "total=%d created=%d developing=%d deployed=%d failed=%d\n",
					summary.Total, summary.Created, summary.Developing, summary.Deployed, summary.Failed)
			})
		},
	}
}
