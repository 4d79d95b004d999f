package cli

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/jesperrix/rixtribute/internal/bootscript"
	"github.com/jesperrix/rixtribute/internal/config"
	"github.com/jesperrix/rixtribute/internal/ec2"
	"github.com/jesperrix/rixtribute/internal/log"
	"github.com/jesperrix/rixtribute/internal/pricing"
	"github.com/jesperrix/rixtribute/internal/provision"
	"github.com/jesperrix/rixtribute/internal/ssh"
	"github.com/spf13/cobra"
)

// remoteWorkdir is the working directory the boot script links on every
// instance.
const remoteWorkdir = "/workdir"

// instanceFlags select a running instance and the user to log in as.
type instanceFlags struct {
	index int
	user  string
}

func (f *instanceFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.index, "index", "n", -1, "index of the instance to use (default: ask)")
	cmd.Flags().StringVar(&f.user, "user", "", "login user (default: derived from the image)")
}

func (a *app) env(cmd *cobra.Command) (*env, error) {
	return a.newEnv(cmd.Context(), a, cmd.InOrStdin(), cmd.OutOrStdout())
}

// connect opens an SSH session to the selected instance.
func (a *app) connect(cmd *cobra.Command, f instanceFlags) (*env, located, *ssh.Session, error) {
	ctx := cmd.Context()
	e, err := a.env(cmd)
	if err != nil {
		return nil, located{}, nil, err
	}
	inst, err := e.selectInstance(ctx, f.index)
	if err != nil {
		return nil, located{}, nil, err
	}
	if inst.State != types.InstanceStateNameRunning || inst.Host() == "" {
		return nil, located{}, nil, fmt.Errorf("%w: %s (%s) is %s, start it first", ErrUnreachable, inst.Name, inst.ID, inst.State)
	}
	_, key, ok := e.cfg.SSHKey()
	if !ok {
		return nil, located{}, nil, ErrNoSSHKey
	}
	user, err := e.loginUser(ctx, inst.Region, inst.ImageID, f.user)
	if err != nil {
		return nil, located{}, nil, err
	}
	sess, err := ssh.Dial(ctx, ssh.Target{
		Host:       inst.Host(),
		User:       user,
		PrivateKey: key,
	})
	if err != nil {
		return nil, located{}, nil, err
	}
	return e, inst, sess, nil
}

func (a *app) ec2Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ec2",
		Short: "Manage EC2 instances",
	}
	cmd.AddCommand(
		a.listInstancesCmd(),
		a.startCmd(),
		a.stopCmd(),
		a.sshCmd(),
		a.persistentCmd(),
		a.execCmd(),
		a.copyToCmd(),
		a.copyFromCmd(),
		a.listFilesCmd(),
		a.listRegionsCmd(),
		a.listSpotPricingCmd(),
	)
	return cmd
}

func (a *app) listInstancesCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list-instances",
		Short: "List your instances of this project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.env(cmd)
			if err != nil {
				return err
			}
			instances, err := e.listInstances(cmd.Context(), all)
			if err != nil {
				return err
			}
			fmt.Fprintln(e.out, instanceTable(instances))
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list instances of every project and user")
	return cmd
}

func (a *app) startCmd() *cobra.Command {
	var (
		index int
		user  string
	)
	cmd := &cobra.Command{
		Use:   "start [name]",
		Short: "Provision a configured instance",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := a.env(cmd)
			if err != nil {
				return err
			}
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			inst, err := e.selectConfigured(name, index)
			if err != nil {
				return err
			}

			res, err := e.provision(ctx, inst, user)
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "instance %s (%s) is running at %s, log in as %s\n",
				res.Name, res.Instance.ID, res.Instance.Host(), res.User)
			return nil
		},
	}
	cmd.Flags().IntVarP(&index, "index", "n", -1, "index of the configured instance (default: ask)")
	cmd.Flags().StringVar(&user, "user", "", "login user (default: derived from the image)")
	return cmd
}

func (e *env) provision(ctx context.Context, inst config.Instance, user string) (provision.Result, error) {
	region := ec2.RegionOf(inst.Config.Region)
	sess := e.sess.InRegion(region)

	opts := []provision.Option{
		provision.WithRegistry(e.ecrFor(region)),
		provision.WithObserver(func(s provision.State) {
			fmt.Fprintln(e.out, s)
		}),
	}
	creds, ok, err := sess.StaticCredentials(ctx)
	if err != nil {
		return provision.Result{}, err
	}
	if ok {
		opts = append(opts, provision.WithCredentials(&bootscript.Credentials{
			AccessKeyID:     creds.AccessKeyID,
			SecretAccessKey: creds.SecretAccessKey,
			SessionToken:    creds.SessionToken,
			Region:          region,
		}))
	}

	o := provision.New(e.ec2For(region), e.cfg, e.cfg.Project.Name, e.profile, opts...)
	return o.Provision(ctx, provision.Request{Instance: inst, User: user})
}

func (a *app) stopCmd() *cobra.Command {
	var (
		index     int
		terminate bool
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop (or terminate) an instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := a.env(cmd)
			if err != nil {
				return err
			}
			inst, err := e.selectInstance(ctx, index)
			if err != nil {
				return err
			}
			client := e.ec2For(inst.Region)
			state := "stopped"
			if terminate {
				state = "terminated"
				err = client.Terminate(ctx, inst.Instance)
			} else {
				err = client.Stop(ctx, inst.Instance)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(e.out, "instance %s (%s) is %s\n", inst.Name, inst.ID, state)
			return nil
		},
	}
	cmd.Flags().IntVarP(&index, "index", "n", -1, "index of the instance to use (default: ask)")
	cmd.Flags().BoolVar(&terminate, "terminate", false, "terminate instead of stopping")
	return cmd
}

func (a *app) sshCmd() *cobra.Command {
	var f instanceFlags
	cmd := &cobra.Command{
		Use:   "ssh",
		Short: "Open a shell on an instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, sess, err := a.connect(cmd, f)
			if err != nil {
				return err
			}
			defer sess.Close()
			return sess.Interactive(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) persistentCmd() *cobra.Command {
	var f instanceFlags
	cmd := &cobra.Command{
		Use:   "cmd <command...>",
		Short: "Run a command in the instance's persistent tmux session and attach to it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPersistent(cmd, f, strings.Join(args, " "))
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) runPersistent(cmd *cobra.Command, f instanceFlags, command string) error {
	_, _, sess, err := a.connect(cmd, f)
	if err != nil {
		return err
	}
	defer sess.Close()
	return sess.RunPersistent(cmd.Context(), command, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func (a *app) execCmd() *cobra.Command {
	var f instanceFlags
	cmd := &cobra.Command{
		Use:   "exec <command...>",
		Short: "Run a command on an instance and print its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, inst, sess, err := a.connect(cmd, f)
			if err != nil {
				return err
			}
			defer sess.Close()

			command := strings.Join(args, " ")
			ctx, done := log.SetupSessionLogging(cmd.Context(), a.logDir, inst.Name, "exec")
			defer done()

			ok, out, err := sess.RunOnce(ctx, command)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			if !ok {
				return fmt.Errorf("command %q failed on %s", command, inst.Name)
			}
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

// remoteResult reports the outcome of a file operation.
func remoteResult(cmd *cobra.Command, op string, ok bool, out string, err error) error {
	if err != nil {
		return err
	}
	if out != "" {
		fmt.Fprint(cmd.OutOrStdout(), out)
	}
	if !ok {
		return fmt.Errorf("%s failed on the instance", op)
	}
	return nil
}

func (a *app) copyToCmd() *cobra.Command {
	var (
		f         instanceFlags
		recursive bool
	)
	cmd := &cobra.Command{
		Use:   "copy-to <file...>",
		Short: "Copy local files to the instance's working directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, sess, err := a.connect(cmd, f)
			if err != nil {
				return err
			}
			defer sess.Close()
			ok, out, err := sess.CopyTo(cmd.Context(), args, remoteWorkdir, recursive)
			return remoteResult(cmd, "copy", ok, out, err)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "copy directories")
	return cmd
}

func (a *app) copyFromCmd() *cobra.Command {
	var (
		f         instanceFlags
		recursive bool
		dir       string
	)
	cmd := &cobra.Command{
		Use:   "copy-from <file...>",
		Short: "Copy files from the instance's working directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, sess, err := a.connect(cmd, f)
			if err != nil {
				return err
			}
			defer sess.Close()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			ok, out, err := sess.CopyFrom(cmd.Context(), remoteWorkdir, args, dir, recursive)
			return remoteResult(cmd, "copy", ok, out, err)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "copy directories")
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "local destination directory")
	return cmd
}

func (a *app) listFilesCmd() *cobra.Command {
	var f instanceFlags
	cmd := &cobra.Command{
		Use:   "list-files",
		Short: "List the instance's working directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, sess, err := a.connect(cmd, f)
			if err != nil {
				return err
			}
			defer sess.Close()
			ok, out, err := sess.ListFiles(cmd.Context(), remoteWorkdir)
			return remoteResult(cmd, "listing", ok, out, err)
		},
	}
	f.register(cmd)
	return cmd
}

func (a *app) listRegionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-regions",
		Short: "List the regions enabled for the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := a.env(cmd)
			if err != nil {
				return err
			}
			regions, err := e.ec2For("").Regions(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range regions {
				fmt.Fprintln(e.out, r)
			}
			return nil
		},
	}
}

func (a *app) listSpotPricingCmd() *cobra.Command {
	var regions, instanceTypes []string
	cmd := &cobra.Command{
		Use:   "list-spot-pricing",
		Short: "Compare spot prices per zone with on-demand prices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := a.env(cmd)
			if err != nil {
				return err
			}
			available, err := e.ec2For("").Regions(ctx)
			if err != nil {
				return err
			}
			if len(regions) == 0 {
				regions = available
			}
			for _, r := range regions {
				if !slices.Contains(available, r) {
					return fmt.Errorf("unknown region %q, available: %s", r, strings.Join(available, ", "))
				}
			}

			log.Info(ctx, "fetching prices", "regions", len(regions), "types", instanceTypes)
			rows, err := pricing.Report(ctx,
				func(region string) pricing.SpotHistoryAPI { return e.sess.InRegion(region).EC2() },
				pricing.NewPriceLists(pricing.PriceListURL),
				regions, instanceTypes,
			)
			if err != nil {
				return err
			}
			for _, t := range priceTables(rows) {
				fmt.Fprintln(e.out, t)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&regions, "region", "r", nil, "regions to compare (default: all)")
	cmd.Flags().StringSliceVarP(&instanceTypes, "instance-type", "i", nil, "instance types to compare")
	_ = cmd.MarkFlagRequired("instance-type")
	return cmd
}
