package provision

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/jesperrix/rixtribute/internal/config"
	"github.com/jesperrix/rixtribute/internal/ec2"
	"github.com/jesperrix/rixtribute/internal/ecr"
	"github.com/jesperrix/rixtribute/internal/tags"
	"github.com/jesperrix/rixtribute/internal/waiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	clocktesting "k8s.io/utils/clock/testing"
)

type fakeCompute struct {
	Compute

	calls map[string]int

	sgErr       error
	loginErr    error
	spec        ec2.LaunchSpec
	fulfilledAt int // SpotRequest poll that reports fulfillment, 0 for never
	tagged      map[string]map[string]string
}

func newFakeCompute() *fakeCompute {
	return &fakeCompute{
		calls:       make(map[string]int),
		fulfilledAt: 2,
		tagged:      make(map[string]map[string]string),
	}
}

func (f *fakeCompute) ResolveSecurityGroup(_ context.Context, name string, _ tags.Attribution, ingress []ec2.Ingress) (string, error) {
	f.calls["ResolveSecurityGroup"]++
	if f.sgErr != nil {
		return "", f.sgErr
	}
	return "sg-1", nil
}

func (f *fakeCompute) ResolveKeyPair(_ context.Context, store ec2.KeyStore, _ tags.Attribution, newName string) (ec2.KeyPair, error) {
	f.calls["ResolveKeyPair"]++
	if newName == "" {
		newName = "rxtb-jane-abc123"
	}
	return ec2.KeyPair{Name: newName, PrivateKey: []byte("pem")}, nil
}

func (f *fakeCompute) LoginUser(context.Context, string) (string, error) {
	f.calls["LoginUser"]++
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return "ubuntu", nil
}

func (f *fakeCompute) RequestSpot(_ context.Context, spec ec2.LaunchSpec) (string, error) {
	f.calls["RequestSpot"]++
	f.spec = spec
	return "sir-1", nil
}

func (f *fakeCompute) SpotRequest(_ context.Context, id string) (ec2.SpotRequest, error) {
	f.calls["SpotRequest"]++
	if f.fulfilledAt > 0 && f.calls["SpotRequest"] >= f.fulfilledAt {
		return ec2.SpotRequest{ID: id, State: types.SpotInstanceStateActive, InstanceID: "i-1"}, nil
	}
	return ec2.SpotRequest{ID: id, State: types.SpotInstanceStateOpen}, nil
}

func (f *fakeCompute) RunOnDemand(_ context.Context, spec ec2.LaunchSpec) (string, error) {
	f.calls["RunOnDemand"]++
	f.spec = spec
	return "i-2", nil
}

func (f *fakeCompute) TagResource(_ context.Context, id string, attribution tags.Attribution) error {
	f.calls["TagResource"]++
	f.tagged[id] = attribution.Map()
	return nil
}

func (f *fakeCompute) InstanceStatus(_ context.Context, id string) (ec2.InstanceHealth, error) {
	f.calls["InstanceStatus"]++
	return ec2.InstanceHealth{
		ID:             id,
		State:          types.InstanceStateNameRunning,
		InstanceStatus: types.SummaryStatusOk,
		SystemStatus:   types.SummaryStatusOk,
	}, nil
}

func (f *fakeCompute) Instance(_ context.Context, id string) (ec2.Instance, error) {
	f.calls["Instance"]++
	return ec2.Instance{ID: id, State: types.InstanceStateNameRunning, Tags: f.tagged[id]}, nil
}

type fakeRegistry struct {
	resolved []string
	checked  []string
	calls    int
}

func (f *fakeRegistry) Resolve(_ context.Context, name string, _ tags.Attribution) (ecr.Repository, error) {
	f.calls++
	f.resolved = append(f.resolved, name)
	return ecr.Repository{Name: name, URI: "123456789012.dkr.ecr.eu-west-1.amazonaws.com/" + name}, nil
}

func (f *fakeRegistry) Authorization(context.Context) (ecr.Authorization, error) {
	f.calls++
	return ecr.Authorization{
		Username: "AWS",
		Password: "token",
		Endpoint: "https://123456789012.dkr.ecr.eu-west-1.amazonaws.com",
	}, nil
}

func (f *fakeRegistry) ImageExists(_ context.Context, repo ecr.Repository, tag string) (bool, error) {
	f.calls++
	f.checked = append(f.checked, repo.URI+":"+tag)
	return false, nil
}

type memKeys struct{}

func (memKeys) SSHKey() (string, []byte, bool) { return "", nil, false }
func (memKeys) AddSSHKey(string, []byte) error { return nil }

var profile = tags.Profile{Name: "Jane Doe", Email: "jane@example.com"}

func devInstance() config.Instance {
	return config.Instance{
		Name:     "dev",
		Provider: config.ProviderAWS,
		Config: config.Settings{
			Region:  "eu-west-1",
			Type:    "m5.large",
			AMI:     "ami-X",
			Ports:   []config.Port{{Protocol: "tcp", Port: 22}},
			Volumes: []config.Volume{{Device: "/dev/xvda", Size: 50}},
			Spot:    true,
		},
	}
}

func fastWaiter(maxAttempts int) waiter.Config {
	return waiter.Config{
		Delay:       time.Second,
		MaxAttempts: maxAttempts,
		Clock:       clocktesting.NewFakeClock(time.Unix(0, 0)),
	}
}

func newOrchestrator(compute Compute, states *[]State, opts ...Option) *Orchestrator {
	opts = append([]Option{
		WithWaiter(fastWaiter(5)),
		WithObserver(func(s State) { *states = append(*states, s) }),
	}, opts...)
	return New(compute, memKeys{}, "proj", profile, opts...)
}

func userData(t *testing.T, spec ec2.LaunchSpec) string {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(spec.UserData)
	require.NoError(t, err)
	return string(b)
}

func TestProvision(t *testing.T) {
	t.Run("spot-without-container", func(t *testing.T) {
		compute := newFakeCompute()
		registry := &fakeRegistry{}
		var states []State
		o := newOrchestrator(compute, &states, WithRegistry(registry))

		res, err := o.Provision(t.Context(), Request{Instance: devInstance()})
		require.NoError(t, err)

		assert.Equal(t, []State{
			StateConfigResolved,
			StateSecurityGroupReady,
			StateKeyReady,
			StateRequestSubmitted,
			StateRequestFulfilled,
			StateTagsApplied,
			StateInstanceHealthy,
		}, states)
		assert.Equal(t, 1, compute.calls["ResolveSecurityGroup"])
		assert.Equal(t, 1, compute.calls["ResolveKeyPair"])
		assert.Equal(t, 0, registry.calls)
		assert.Equal(t, 1, compute.calls["RequestSpot"])
		assert.Equal(t, 0, compute.calls["RunOnDemand"])
		assert.Equal(t, 2, compute.calls["SpotRequest"])
		assert.Equal(t, 1, compute.calls["InstanceStatus"])

		assert.Equal(t, "sir-1", res.RequestID)
		assert.Equal(t, "i-1", res.Instance.ID)
		assert.Equal(t, "ubuntu", res.User)
		assert.Empty(t, res.Image)

		spec := compute.spec
		assert.Equal(t, "ami-X", spec.ImageID)
		assert.Equal(t, "m5.large", spec.InstanceType)
		assert.Equal(t, "rxtb-jane-abc123", spec.KeyName)
		assert.Equal(t, "sg-1", spec.SecurityGroupID)
		assert.Equal(t, "eu-west-1", spec.Location)
		assert.Equal(t, []ec2.Volume{{Device: "/dev/xvda", SizeGiB: 50}}, spec.Volumes)
		assert.Equal(t, res.Name, spec.Attribution.Name)
		assert.Regexp(t, `^dev-[0-9a-f]{6}$`, res.Name)
		assert.Contains(t, userData(t, spec), "su - ubuntu")
		assert.NotContains(t, userData(t, spec), "docker")
	})

	t.Run("tags-propagate-to-instance", func(t *testing.T) {
		compute := newFakeCompute()
		var states []State
		res, err := newOrchestrator(compute, &states).Provision(t.Context(), Request{Instance: devInstance()})
		require.NoError(t, err)

		require.Equal(t, 1, compute.calls["TagResource"])
		got := res.Instance.Tags
		for k, v := range map[string]string{
			tags.KeyName:        res.Name,
			tags.KeyProject:     "proj",
			tags.KeyOrigin:      tags.Origin,
			tags.KeyOriginEmail: profile.Email,
			tags.KeyOriginName:  profile.Name,
		} {
			assert.Equal(t, v, got[k], k)
		}
	})

	t.Run("container", func(t *testing.T) {
		compute := newFakeCompute()
		registry := &fakeRegistry{}
		var states []State
		inst := devInstance()
		inst.Container = "app"

		res, err := newOrchestrator(compute, &states, WithRegistry(registry)).Provision(t.Context(), Request{Instance: inst})
		require.NoError(t, err)

		assert.Equal(t, []string{"proj/app"}, registry.resolved)
		assert.Contains(t, states, StateContainerReady)
		const ref = "123456789012.dkr.ecr.eu-west-1.amazonaws.com/proj/app:latest"
		// A missing image does not stop the run.
		assert.Equal(t, []string{ref}, registry.checked)
		assert.Equal(t, ref, res.Image)
		assert.Contains(t, userData(t, compute.spec), "docker pull "+ref)
	})

	t.Run("container-without-registry", func(t *testing.T) {
		compute := newFakeCompute()
		var states []State
		inst := devInstance()
		inst.Container = "app"

		_, err := newOrchestrator(compute, &states).Provision(t.Context(), Request{Instance: inst})
		require.ErrorIs(t, err, ErrNoRegistry)
		assert.Equal(t, 0, compute.calls["RequestSpot"])
		assert.Equal(t, StateFailed, states[len(states)-1])
	})

	t.Run("on-demand", func(t *testing.T) {
		compute := newFakeCompute()
		var states []State
		inst := devInstance()
		inst.Config.Spot = false

		res, err := newOrchestrator(compute, &states).Provision(t.Context(), Request{Instance: inst})
		require.NoError(t, err)

		assert.Equal(t, 1, compute.calls["RunOnDemand"])
		assert.Equal(t, 0, compute.calls["RequestSpot"])
		assert.Equal(t, 0, compute.calls["SpotRequest"])
		assert.Empty(t, res.RequestID)
		assert.Equal(t, "i-2", res.Instance.ID)
		assert.Contains(t, states, StateTagsApplied)
		assert.Contains(t, compute.tagged, "i-2")
	})

	t.Run("request-pending", func(t *testing.T) {
		compute := newFakeCompute()
		compute.fulfilledAt = 0
		var states []State
		o := newOrchestrator(compute, &states, WithWaiter(fastWaiter(3)))

		res, err := o.Provision(t.Context(), Request{Instance: devInstance()})
		require.ErrorIs(t, err, ErrRequestPending)
		require.ErrorIs(t, err, waiter.ErrTimeout)

		var timeout *waiter.TimeoutError
		require.True(t, errors.As(err, &timeout))
		assert.Equal(t, "sir-1", timeout.Resource)
		assert.Equal(t, "sir-1", res.RequestID)
		assert.Equal(t, 3, compute.calls["SpotRequest"])
		assert.Equal(t, 0, compute.calls["TagResource"])
		assert.Equal(t, []State{
			StateConfigResolved,
			StateSecurityGroupReady,
			StateKeyReady,
			StateRequestSubmitted,
			StateFailed,
		}, states)
	})

	t.Run("security-group-failure-is-fatal", func(t *testing.T) {
		compute := newFakeCompute()
		compute.sgErr = fmt.Errorf("%w: access denied", ec2.ErrSecurityGroupLookup)
		var states []State

		_, err := newOrchestrator(compute, &states).Provision(t.Context(), Request{Instance: devInstance()})
		require.ErrorIs(t, err, ErrProvision)
		require.ErrorIs(t, err, ec2.ErrSecurityGroupLookup)
		assert.Equal(t, 0, compute.calls["ResolveKeyPair"])
		assert.Equal(t, []State{StateConfigResolved, StateFailed}, states)
	})

	t.Run("fixed-keyname", func(t *testing.T) {
		compute := newFakeCompute()
		var states []State
		inst := devInstance()
		inst.Config.KeyName = "shared-key"

		_, err := newOrchestrator(compute, &states).Provision(t.Context(), Request{Instance: inst})
		require.NoError(t, err)
		assert.Equal(t, "shared-key", compute.spec.KeyName)
	})

	t.Run("login-user", func(t *testing.T) {
		compute := newFakeCompute()
		compute.loginErr = ec2.ErrUnknownImage
		var states []State
		o := newOrchestrator(compute, &states)

		_, err := o.Provision(t.Context(), Request{Instance: devInstance()})
		require.ErrorIs(t, err, ec2.ErrUnknownImage)

		res, err := o.Provision(t.Context(), Request{Instance: devInstance(), User: "admin"})
		require.NoError(t, err)
		assert.Equal(t, "admin", res.User)
		assert.Equal(t, 1, compute.calls["LoginUser"])
	})
}

func TestProvisionSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})

	var states []State
	o := newOrchestrator(newFakeCompute(), &states, WithTracer(tp.Tracer("test")))
	_, err := o.Provision(t.Context(), Request{Instance: devInstance()})
	require.NoError(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "provision", spans[0].Name())

	var events []State
	for _, e := range spans[0].Events() {
		events = append(events, State(e.Name))
	}
	assert.Equal(t, states, events)
}
