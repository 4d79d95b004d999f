package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/jesperrix/rixtribute/internal/awsx"
	"github.com/jesperrix/rixtribute/internal/config"
	"github.com/jesperrix/rixtribute/internal/ec2"
	"github.com/jesperrix/rixtribute/internal/ecr"
	"github.com/jesperrix/rixtribute/internal/log"
	"github.com/jesperrix/rixtribute/internal/tags"
)

var (
	ErrNoInstances = fmt.Errorf("no instances found")
	ErrSelection   = fmt.Errorf("invalid selection")
	ErrNoSSHKey    = fmt.Errorf("no SSH key is tracked yet, start an instance first")
	ErrUnreachable = fmt.Errorf("instance is not reachable")
)

// env is everything a command needs beyond its flags.
type env struct {
	cfg     *config.Config
	profile tags.Profile
	sess    *awsx.Session

	in  *bufio.Reader
	out io.Writer

	ec2For func(region string) *ec2.Client
	ecrFor func(region string) *ecr.Client
}

func loadEnv(ctx context.Context, a *app, in io.Reader, out io.Writer) (*env, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	e := &env{cfg: cfg, in: bufio.NewReader(in), out: out}

	if e.profile, err = e.loadProfile(ctx); err != nil {
		return nil, err
	}

	aws := cfg.Provider.AWS
	e.sess, err = awsx.NewSession(ctx, awsx.Options{
		Profile:      aws.Profile,
		AccessKey:    aws.AccessKey,
		SecretKey:    aws.SecretKey,
		SessionToken: aws.SessionToken,
		Region:       aws.Region,
		Endpoint:     aws.Endpoint,
	})
	if err != nil {
		return nil, err
	}
	e.ec2For = func(region string) *ec2.Client {
		return ec2.New(e.sess.InRegion(region).EC2())
	}
	e.ecrFor = func(region string) *ecr.Client {
		return ecr.New(e.sess.InRegion(region).ECR())
	}
	return e, nil
}

// loadProfile reads the user profile, asking for one and saving it to the
// home directory the first time.
func (e *env) loadProfile(ctx context.Context) (tags.Profile, error) {
	profile, err := config.LoadProfile("")
	if !errors.Is(err, config.ErrNotFound) {
		return profile, err
	}

	fmt.Fprintln(e.out, "No profile found. Resources you create are tagged with your name and email.")
	if profile.Name, err = e.prompt("Name: "); err != nil {
		return profile, err
	}
	if profile.Email, err = e.prompt("Email: "); err != nil {
		return profile, err
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return profile, err
	}
	path, err := config.WriteProfile(home, profile)
	if err != nil {
		return profile, err
	}
	log.Info(ctx, "saved profile", "path", path)
	return config.LoadProfile(path)
}

func (e *env) prompt(label string) (string, error) {
	fmt.Fprint(e.out, label)
	line, err := e.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("reading answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// choose returns 'index' when it is valid for 'n' choices, or asks for one.
func (e *env) choose(n, index int) (int, error) {
	if index < 0 {
		answer, err := e.prompt("Select index: ")
		if err != nil {
			return 0, err
		}
		if index, err = strconv.Atoi(answer); err != nil {
			return 0, fmt.Errorf("%w: %q", ErrSelection, answer)
		}
	}
	if index < 0 || index >= n {
		return 0, fmt.Errorf("%w: %d is not between 0 and %d", ErrSelection, index, n-1)
	}
	return index, nil
}

// regions are the regions instances of this project may run in.
func (e *env) regions() []string {
	regions := []string{e.sess.Region()}
	for _, inst := range e.cfg.Instances {
		if r := ec2.RegionOf(inst.Config.Region); !slices.Contains(regions, r) {
			regions = append(regions, r)
		}
	}
	return regions
}

// located is an instance and the region it runs in.
type located struct {
	ec2.Instance
	Region string
}

func (e *env) listInstances(ctx context.Context, all bool) ([]located, error) {
	filter := tags.Owned(e.cfg.Project.Name, e.profile, all)

	var out []located
	for _, region := range e.regions() {
		instances, err := e.ec2For(region).ListInstances(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", region, err)
		}
		for _, inst := range instances {
			out = append(out, located{Instance: inst, Region: region})
		}
	}
	return out, nil
}

// selectInstance lists the user's instances of this project and returns the
// one at 'index', asking when 'index' is negative.
func (e *env) selectInstance(ctx context.Context, index int) (located, error) {
	instances, err := e.listInstances(ctx, false)
	if err != nil {
		return located{}, err
	}
	if len(instances) == 0 {
		return located{}, ErrNoInstances
	}
	if index < 0 {
		fmt.Fprintln(e.out, instanceTable(instances))
	}
	i, err := e.choose(len(instances), index)
	if err != nil {
		return located{}, err
	}
	return instances[i], nil
}

// selectConfigured returns the configured instance 'name', asking when it is
// empty and more than one instance is configured.
func (e *env) selectConfigured(name string, index int) (config.Instance, error) {
	if name != "" {
		return e.cfg.Instance(name)
	}
	if len(e.cfg.Instances) == 1 {
		return e.cfg.Instances[0], nil
	}
	if index < 0 {
		fmt.Fprintln(e.out, configuredTable(e.cfg.Instances))
	}
	i, err := e.choose(len(e.cfg.Instances), index)
	if err != nil {
		return config.Instance{}, err
	}
	return e.cfg.Instances[i], nil
}

// loginUser is 'override' when set, otherwise the image's default user. The
// user is asked when the image is unknown.
func (e *env) loginUser(ctx context.Context, region, imageID, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	user, err := e.ec2For(region).LoginUser(ctx, imageID)
	if errors.Is(err, ec2.ErrUnknownImage) {
		log.Warn(ctx, "unknown image, login user is needed", "image", imageID)
		return e.prompt("Login user: ")
	}
	return user, err
}
