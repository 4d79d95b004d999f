// provision drives a configured instance from its configuration to a running,
// health-checked EC2 instance.
//
// The states a run passes through are, in order:
//
//	CONFIG_RESOLVED -> SECURITY_GROUP_READY -> KEY_READY -> [CONTAINER_READY]
//	  -> REQUEST_SUBMITTED -> REQUEST_FULFILLED -> TAGS_APPLIED -> INSTANCE_HEALTHY
//
// Any failure ends the run in PROVISION_FAILED. Nothing is rolled back:
// supporting resources are reused by the next run, and a request that timed
// out is left outstanding for the user to inspect or cancel.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/jesperrix/rixtribute/internal/bootscript"
	"github.com/jesperrix/rixtribute/internal/config"
	"github.com/jesperrix/rixtribute/internal/ec2"
	"github.com/jesperrix/rixtribute/internal/ecr"
	"github.com/jesperrix/rixtribute/internal/o11y"
	"github.com/jesperrix/rixtribute/internal/tags"
	"github.com/jesperrix/rixtribute/internal/waiter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type State string

const (
	StateConfigResolved     State = "CONFIG_RESOLVED"
	StateSecurityGroupReady State = "SECURITY_GROUP_READY"
	StateKeyReady           State = "KEY_READY"
	StateContainerReady     State = "CONTAINER_READY"
	StateRequestSubmitted   State = "REQUEST_SUBMITTED"
	StateRequestFulfilled   State = "REQUEST_FULFILLED"
	StateTagsApplied        State = "TAGS_APPLIED"
	StateInstanceHealthy    State = "INSTANCE_HEALTHY"
	StateFailed             State = "PROVISION_FAILED"
)

var (
	ErrProvision      = fmt.Errorf("failed to provision instance")
	ErrRequestPending = fmt.Errorf("spot request is still pending")
	ErrNoRegistry     = fmt.Errorf("instance declares a container but no registry is configured")
)

// Compute is the subset of '*ec2.Client' the orchestrator drives.
type Compute interface {
	ResolveSecurityGroup(ctx context.Context, name string, attribution tags.Attribution, ingress []ec2.Ingress) (string, error)
	ResolveKeyPair(ctx context.Context, store ec2.KeyStore, attribution tags.Attribution, newName string) (ec2.KeyPair, error)
	LoginUser(ctx context.Context, imageID string) (string, error)
	RequestSpot(ctx context.Context, spec ec2.LaunchSpec) (string, error)
	SpotRequest(ctx context.Context, id string) (ec2.SpotRequest, error)
	RunOnDemand(ctx context.Context, spec ec2.LaunchSpec) (string, error)
	TagResource(ctx context.Context, id string, attribution tags.Attribution) error
	InstanceStatus(ctx context.Context, id string) (ec2.InstanceHealth, error)
	Instance(ctx context.Context, id string) (ec2.Instance, error)
}

// Registry is the subset of '*ecr.Client' the orchestrator drives.
type Registry interface {
	Resolve(ctx context.Context, name string, attribution tags.Attribution) (ecr.Repository, error)
	Authorization(ctx context.Context) (ecr.Authorization, error)
	ImageExists(ctx context.Context, repo ecr.Repository, tag string) (bool, error)
}

var (
	_ Compute      = (*ec2.Client)(nil)
	_ Registry     = (*ecr.Client)(nil)
	_ ec2.KeyStore = (*config.Config)(nil)
)

// Observer is told about every state a run reaches, including
// StateFailed.
type Observer func(State)

type Orchestrator struct {
	compute  Compute
	registry Registry
	keys     ec2.KeyStore

	project     string
	profile     tags.Profile
	credentials *bootscript.Credentials
	wait        waiter.Config
	observer    Observer
	tracer      trace.Tracer
}

type Option func(*Orchestrator)

// WithRegistry enables provisioning of instances that declare a container.
func WithRegistry(r Registry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

// WithCredentials exports static AWS keys on the instance. Only pass
// credentials that were explicitly configured.
func WithCredentials(creds *bootscript.Credentials) Option {
	return func(o *Orchestrator) {
		o.credentials = creds
	}
}

// WithWaiter sets the poll configuration for fulfillment and health waits.
func WithWaiter(cfg waiter.Config) Option {
	return func(o *Orchestrator) {
		o.wait = cfg
	}
}

func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

func New(compute Compute, keys ec2.KeyStore, project string, profile tags.Profile, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		compute: compute,
		keys:    keys,
		project: project,
		profile: profile,
		tracer:  o11y.Tracer(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request is a single provisioning run.
type Request struct {
	Instance config.Instance

	// User overrides login user detection from the image name.
	User string
}

// Result describes a healthy instance.
type Result struct {
	Instance  ec2.Instance
	RequestID string // empty for on-demand instances
	Name      string // discriminated name the instance is tagged with
	KeyPair   ec2.KeyPair
	User      string
	Image     string // pre-pulled image reference, if any
}

// run carries the state of one provisioning run.
type run struct {
	*Orchestrator
	span trace.Span
	log  *clog.Logger
}

func (r *run) reach(s State) {
	r.span.AddEvent(string(s))
	r.log.Info("provisioning state reached", o11y.AttrState, s)
	if r.observer != nil {
		r.observer(s)
	}
}

// Provision runs 'req' to StateInstanceHealthy.
//
// A spot request that isn't fulfilled in time is reported as
// ErrRequestPending wrapping a '*waiter.TimeoutError' naming the request.
func (o *Orchestrator) Provision(ctx context.Context, req Request) (Result, error) {
	inst := req.Instance
	ctx, span := o.tracer.Start(ctx, "provision", trace.WithAttributes(
		attribute.String(o11y.AttrInstance, inst.Name),
		attribute.Bool(o11y.AttrSpot, inst.Config.Spot),
	))
	defer span.End()

	log := clog.FromContext(ctx).With(o11y.AttrInstance, inst.Name)
	ctx = clog.WithLogger(ctx, log)
	r := &run{Orchestrator: o, span: span, log: log}

	res, err := r.provision(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.reach(StateFailed)
		return res, fmt.Errorf("%w %q: %w", ErrProvision, inst.Name, err)
	}
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (r *run) provision(ctx context.Context, req Request) (Result, error) {
	inst := req.Instance
	attribution := tags.New(inst.Name, r.project, r.profile)
	r.reach(StateConfigResolved)

	sgName := tags.SecurityGroupName(inst.Name)
	sgID, err := r.compute.ResolveSecurityGroup(ctx, sgName, attribution.WithName(sgName), ingress(inst.Config.Ports))
	if err != nil {
		return Result{}, err
	}
	r.reach(StateSecurityGroupReady)

	kp, err := r.compute.ResolveKeyPair(ctx, r.keys, attribution, inst.Config.KeyName)
	if err != nil {
		return Result{}, err
	}
	r.reach(StateKeyReady)

	var image *bootscript.Image
	if inst.Container != "" {
		if image, err = r.containerImage(ctx, inst.Container, attribution); err != nil {
			return Result{}, err
		}
		r.reach(StateContainerReady)
	}

	user := req.User
	if user == "" {
		if user, err = r.compute.LoginUser(ctx, inst.Config.AMI); err != nil {
			return Result{}, err
		}
	}
	userData, err := bootscript.Build(bootscript.Options{
		User:        user,
		Credentials: r.credentials,
		Image:       image,
	})
	if err != nil {
		return Result{}, err
	}

	name := tags.RequestName(inst.Name)
	spec := ec2.LaunchSpec{
		ImageID:         inst.Config.AMI,
		InstanceType:    inst.Config.Type,
		KeyName:         kp.Name,
		Location:        inst.Config.Region,
		SecurityGroupID: sgID,
		Volumes:         volumes(inst.Config.Volumes),
		UserData:        userData,
		Attribution:     attribution.WithName(name),
	}

	res := Result{Name: name, KeyPair: kp, User: user}
	if image != nil {
		res.Image = image.Ref
	}

	var instanceID string
	if inst.Config.Spot {
		if res.RequestID, err = r.compute.RequestSpot(ctx, spec); err != nil {
			return res, err
		}
		r.span.SetAttributes(attribute.String(o11y.AttrRequestID, res.RequestID))
		r.reach(StateRequestSubmitted)

		sr, err := waiter.Until(ctx, r.wait, res.RequestID,
			func(ctx context.Context) (ec2.SpotRequest, error) {
				return r.compute.SpotRequest(ctx, res.RequestID)
			},
			ec2.SpotRequest.Fulfilled,
		)
		if err != nil {
			var timeout *waiter.TimeoutError
			if errors.As(err, &timeout) {
				return res, fmt.Errorf("%w: %w", ErrRequestPending, err)
			}
			return res, err
		}
		instanceID = sr.InstanceID
	} else {
		if instanceID, err = r.compute.RunOnDemand(ctx, spec); err != nil {
			return res, err
		}
		r.reach(StateRequestSubmitted)
	}
	r.span.SetAttributes(attribute.String(o11y.AttrInstanceID, instanceID))
	r.reach(StateRequestFulfilled)

	// Spot request tags don't carry over to the instance.
	if err := r.compute.TagResource(ctx, instanceID, attribution.WithName(name)); err != nil {
		return res, err
	}
	r.reach(StateTagsApplied)

	_, err = waiter.Until(ctx, r.wait, instanceID,
		func(ctx context.Context) (ec2.InstanceHealth, error) {
			return r.compute.InstanceStatus(ctx, instanceID)
		},
		ec2.InstanceHealth.Healthy,
	)
	if err != nil {
		return res, err
	}

	if res.Instance, err = r.compute.Instance(ctx, instanceID); err != nil {
		return res, err
	}
	r.reach(StateInstanceHealthy)
	return res, nil
}

// containerImage resolves the repository of 'container' and returns the
// image the boot script pre-pulls.
func (r *run) containerImage(ctx context.Context, container string, attribution tags.Attribution) (*bootscript.Image, error) {
	if r.registry == nil {
		return nil, ErrNoRegistry
	}
	name := tags.RepositoryName(r.project, container)
	repo, err := r.registry.Resolve(ctx, name, attribution.WithName(name))
	if err != nil {
		return nil, err
	}
	auth, err := r.registry.Authorization(ctx)
	if err != nil {
		return nil, err
	}
	// The boot script pulls whatever is there; a missing image is only
	// reported.
	switch ok, err := r.registry.ImageExists(ctx, repo, ecr.LatestTag); {
	case err != nil:
		r.log.Warn("could not check for container image", "repository", repo.URI, "error", err)
	case !ok:
		r.log.Warn("container image not pushed, run 'rxtb container push' first", "repository", repo.URI)
	}
	return &bootscript.Image{
		Registry: auth.Registry(),
		Username: auth.Username,
		Password: auth.Password,
		Ref:      repo.URI + ":" + ecr.LatestTag,
	}, nil
}

func ingress(ports []config.Port) []ec2.Ingress {
	out := make([]ec2.Ingress, 0, len(ports))
	for _, p := range ports {
		out = append(out, ec2.Ingress{Protocol: p.Protocol, Port: p.Port})
	}
	return out
}

func volumes(vs []config.Volume) []ec2.Volume {
	out := make([]ec2.Volume, 0, len(vs))
	for _, v := range vs {
		out = append(out, ec2.Volume{Device: v.Device, SizeGiB: v.Size})
	}
	return out
}
