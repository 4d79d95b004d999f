// cli implements the rxtb command tree.
package cli

import (
	"context"
	"io"
	"strings"

	"github.com/jesperrix/rixtribute/internal/log"
	"github.com/spf13/cobra"
)

type app struct {
	verbose    bool
	debug      bool
	logDir     string
	configPath string

	// cleanup runs after the command, in reverse order.
	cleanup []func()

	// newEnv is replaced in tests.
	newEnv func(ctx context.Context, a *app, in io.Reader, out io.Writer) (*env, error)
}

func (a *app) root() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rxtb",
		Short:         "Run project workloads on EC2 spot instances",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx, done, err := log.Setup(cmd.Context(), log.Options{
				Out:     cmd.ErrOrStderr(),
				Verbose: a.verbose,
				Debug:   a.debug,
				Dir:     a.logDir,
				Command: strings.TrimPrefix(cmd.CommandPath(), cmd.Root().Name()),
			})
			if err != nil {
				return err
			}
			a.cleanup = append(a.cleanup, done)
			cmd.SetContext(ctx)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log progress")
	flags.BoolVar(&a.debug, "debug", false, "log everything, including provider calls")
	flags.StringVar(&a.logDir, "log-dir", "", "also write logs, and remote session output, to this directory")
	flags.StringVar(&a.configPath, "config", "", "path to rxtb-config.yaml (default: searched for)")

	cmd.AddCommand(
		a.initCmd(),
		a.ec2Cmd(),
		a.runCmd(),
		a.ecrCmd(),
		a.containerCmd(),
	)
	return cmd
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
	a.cleanup = nil
}

// Execute runs the command line in 'args' against 'ctx'.
func Execute(ctx context.Context, version string, args []string, in io.Reader, out, errOut io.Writer) error {
	a := &app{newEnv: loadEnv}
	defer a.close()

	cmd := a.root()
	cmd.Version = version
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	return cmd.ExecuteContext(ctx)
}
