package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run commands declared in the configuration",
	}
	cmd.AddCommand(a.runCommandCmd(), a.listCommandsCmd())
	return cmd
}

func (a *app) runCommandCmd() *cobra.Command {
	var f instanceFlags
	cmd := &cobra.Command{
		Use:   "cmd <name>",
		Short: "Run a declared command in the instance's persistent tmux session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.env(cmd)
			if err != nil {
				return err
			}
			command, err := e.cfg.Command(args[0])
			if err != nil {
				return err
			}
			return a.runPersistent(cmd, f, command)
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) listCommandsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-commands",
		Short: "List the declared commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.env(cmd)
			if err != nil {
				return err
			}
			for _, name := range e.cfg.CommandNames() {
				command, _ := e.cfg.Command(name)
				fmt.Fprintf(e.out, "%s: %s\n", name, command)
			}
			return nil
		},
	}
}
