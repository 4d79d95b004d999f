package cli

import (
	"context"
	"fmt"

	"github.com/jesperrix/rixtribute/internal/config"
	"github.com/jesperrix/rixtribute/internal/ecr"
	"github.com/jesperrix/rixtribute/internal/tags"
	"github.com/spf13/cobra"
)

func (a *app) initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the registry repositories of the declared containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := a.env(cmd)
			if err != nil {
				return err
			}
			for _, c := range e.cfg.Containers {
				repo, err := e.repository(ctx, c)
				if err != nil {
					return err
				}
				fmt.Fprintf(e.out, "%s: %s\n", c.Name, repo.URI)
			}
			return nil
		},
	}
}

// repository resolves the registry repository of 'c'.
func (e *env) repository(ctx context.Context, c config.Container) (ecr.Repository, error) {
	project := e.cfg.Project.Name
	name := tags.RepositoryName(project, c.Name)
	return e.ecrFor("").Resolve(ctx, name, tags.New(name, project, e.profile))
}

func (a *app) ecrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ecr",
		Short: "Manage registry repositories",
	}
	cmd.AddCommand(a.ecrListCmd(), a.ecrCreateCmd(), a.ecrDeleteCmd())
	return cmd
}

func (a *app) ecrListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the repositories of this project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.env(cmd)
			if err != nil {
				return err
			}
			project := e.cfg.Project.Name
			if all {
				project = ""
			}
			repos, err := e.ecrFor("").List(cmd.Context(), project)
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, repositoryTable(repos))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list the repositories of every project")
	return cmd
}

func (a *app) ecrCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.env(cmd)
			if err != nil {
				return err
			}
			name := args[0]
			repo, err := e.ecrFor("").Resolve(cmd.Context(), name, tags.New(name, e.cfg.Project.Name, e.profile))
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, repo.URI)
			return nil
		},
	}
}

func (a *app) ecrDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.env(cmd)
			if err != nil {
				return err
			}
			return e.ecrFor("").Delete(cmd.Context(), args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete even when the repository holds images")
	return cmd
}
