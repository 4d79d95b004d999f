package cli

import (
	"fmt"

	"github.com/jesperrix/rixtribute/internal/config"
	"github.com/jesperrix/rixtribute/internal/ecr"
	"github.com/spf13/cobra"
)

func (a *app) containerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "container",
		Short: "Manage the declared containers",
	}
	cmd.AddCommand(a.containerListCmd(), a.containerPushCmd())
	return cmd
}

func (a *app) containerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the declared containers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.env(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, containerTable(e.cfg))
			return nil
		},
	}
}

func (a *app) containerPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push [name...]",
		Short: "Push locally built container images to their repositories",
		Long: "Push '{project}/{container}:latest' from the local docker daemon to the " +
			"container's repository, creating the repository when needed. Without names " +
			"every declared container is pushed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.env(cmd)
			if err != nil {
				return err
			}

			containers := e.cfg.Containers
			if len(args) > 0 {
				containers = nil
				for _, name := range args {
					c, err := e.cfg.Container(name)
					if err != nil {
						return err
					}
					containers = append(containers, c)
				}
			}

			for _, c := range containers {
				if err := push(cmd, e, c); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func push(cmd *cobra.Command, e *env, c config.Container) error {
	ctx := cmd.Context()
	repo, err := e.repository(ctx, c)
	if err != nil {
		return err
	}
	if err := e.ecrFor("").Push(ctx, e.cfg.ImageTag(c)+":"+ecr.LatestTag, repo, ecr.LatestTag); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s: pushed %s:%s\n", c.Name, repo.URI, ecr.LatestTag)
	return nil
}
