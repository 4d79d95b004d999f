package ec2

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/jesperrix/rixtribute/internal/tags"
	"github.com/jesperrix/rixtribute/internal/waiter"
)

var (
	ErrInstanceLaunch   = fmt.Errorf("failed to launch instance")
	ErrInstanceDescribe = fmt.Errorf("failed to describe instance")
	ErrInstanceNotFound = fmt.Errorf("instance not found")
	ErrInstanceStatus   = fmt.Errorf("failed to describe instance status")
	ErrInstanceStop     = fmt.Errorf("failed to stop instance")
	ErrInstanceTerm     = fmt.Errorf("failed to terminate instance")
	ErrTagCreate        = fmt.Errorf("failed to tag resource")
)

// Instance is a decoded EC2 instance.
type Instance struct {
	ID            string
	Name          string
	State         types.InstanceStateName
	Type          string
	Spot          bool
	SpotRequestID string
	LaunchTime    time.Time
	PublicDNS     string
	PublicIP      string
	ImageID       string
	Tags          map[string]string
}

// Uptime is the time since launch, zero unless the instance is running.
func (i Instance) Uptime(now time.Time) time.Duration {
	if i.State != types.InstanceStateNameRunning || i.LaunchTime.IsZero() {
		return 0
	}
	return now.Sub(i.LaunchTime).Truncate(time.Second)
}

// Host is the address to connect to, preferring the public DNS name.
func (i Instance) Host() string {
	if i.PublicDNS != "" {
		return i.PublicDNS
	}
	return i.PublicIP
}

func decodeInstance(in types.Instance) Instance {
	t := fromTags(in.Tags)
	inst := Instance{
		ID:            aws.ToString(in.InstanceId),
		Name:          t[tags.KeyName],
		Type:          string(in.InstanceType),
		Spot:          in.InstanceLifecycle == types.InstanceLifecycleTypeSpot,
		SpotRequestID: aws.ToString(in.SpotInstanceRequestId),
		LaunchTime:    aws.ToTime(in.LaunchTime),
		PublicDNS:     aws.ToString(in.PublicDnsName),
		PublicIP:      aws.ToString(in.PublicIpAddress),
		ImageID:       aws.ToString(in.ImageId),
		Tags:          t,
	}
	if in.State != nil {
		inst.State = in.State.Name
	}
	return inst
}

// RunOnDemand launches one on-demand instance from 'spec', tagging the
// instance and its volumes at creation.
//
// It returns the instance ID.
func (c *Client) RunOnDemand(ctx context.Context, spec LaunchSpec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}
	input := &ec2.RunInstancesInput{
		ImageId:             aws.String(spec.ImageID),
		InstanceType:        types.InstanceType(spec.InstanceType),
		MinCount:            aws.Int32(1),
		MaxCount:            aws.Int32(1),
		KeyName:             aws.String(spec.KeyName),
		SecurityGroupIds:    []string{spec.SecurityGroupID},
		BlockDeviceMappings: spec.blockDevices(),
		TagSpecifications: tagSpecification(spec.Attribution,
			types.ResourceTypeInstance,
			types.ResourceTypeVolume,
		),
	}
	if zone := spec.zone(); zone != "" {
		input.Placement = &types.Placement{AvailabilityZone: aws.String(zone)}
	}
	if spec.UserData != "" {
		input.UserData = aws.String(spec.UserData)
	}

	result, err := c.api.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInstanceLaunch, err)
	}
	if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("%w: no instance returned from launch", ErrInstanceLaunch)
	}
	id := aws.ToString(result.Instances[0].InstanceId)
	clog.FromContext(ctx).Info("launched instance", "id", id)
	return id, nil
}

// TagResource applies the attribution tags to an existing resource.
func (c *Client) TagResource(ctx context.Context, id string, attribution tags.Attribution) error {
	_, err := c.api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{id},
		Tags:      toTags(attribution),
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTagCreate, id, err)
	}
	return nil
}

// InstanceHealth is the status check result of an instance.
type InstanceHealth struct {
	ID             string
	State          types.InstanceStateName
	InstanceStatus types.SummaryStatus
	SystemStatus   types.SummaryStatus
}

// Healthy reports whether the instance is running with both status checks
// passing.
func (h InstanceHealth) Healthy() bool {
	return h.State == types.InstanceStateNameRunning &&
		h.InstanceStatus == types.SummaryStatusOk &&
		h.SystemStatus == types.SummaryStatusOk
}

// InstanceStatus returns the status checks of instance 'id'. An instance EC2
// doesn't know about yet is reported pending.
func (c *Client) InstanceStatus(ctx context.Context, id string) (InstanceHealth, error) {
	out, err := c.api.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{id},
		IncludeAllInstances: aws.Bool(true),
	})
	if hasErrorCode(err, "InvalidInstanceID.NotFound") {
		return InstanceHealth{ID: id, State: types.InstanceStateNamePending}, nil
	}
	if err != nil {
		return InstanceHealth{}, fmt.Errorf("%w: %s: %w", ErrInstanceStatus, id, err)
	}
	if len(out.InstanceStatuses) == 0 {
		return InstanceHealth{ID: id, State: types.InstanceStateNamePending}, nil
	}

	s := out.InstanceStatuses[0]
	h := InstanceHealth{ID: id}
	if s.InstanceState != nil {
		h.State = s.InstanceState.Name
	}
	if s.InstanceStatus != nil {
		h.InstanceStatus = s.InstanceStatus.Status
	}
	if s.SystemStatus != nil {
		h.SystemStatus = s.SystemStatus.Status
	}
	return h, nil
}

// Instance returns instance 'id'.
func (c *Client) Instance(ctx context.Context, id string) (Instance, error) {
	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if hasErrorCode(err, "InvalidInstanceID.NotFound") {
		return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	if err != nil {
		return Instance{}, fmt.Errorf("%w: %s: %w", ErrInstanceDescribe, id, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			return decodeInstance(inst), nil
		}
	}
	return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
}

// ListInstances returns the non-terminated instances carrying every tag in
// 'filter', oldest first.
func (c *Client) ListInstances(ctx context.Context, filter map[string]string) ([]Instance, error) {
	filters := append(tagFilters(filter), types.Filter{
		Name: aws.String("instance-state-name"),
		Values: []string{
			string(types.InstanceStateNamePending),
			string(types.InstanceStateNameRunning),
			string(types.InstanceStateNameStopping),
			string(types.InstanceStateNameStopped),
			string(types.InstanceStateNameShuttingDown),
		},
	})

	var instances []Instance
	pager := ec2.NewDescribeInstancesPaginator(c.api, &ec2.DescribeInstancesInput{
		Filters: filters,
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInstanceDescribe, err)
		}
		for _, r := range page.Reservations {
			for _, inst := range r.Instances {
				instances = append(instances, decodeInstance(inst))
			}
		}
	}
	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].LaunchTime.Before(instances[j].LaunchTime)
	})
	return instances, nil
}

// Stop stops 'inst' and waits for it to reach the stopped state. An open
// originating spot request is cancelled first.
func (c *Client) Stop(ctx context.Context, inst Instance) error {
	if err := c.cancelOriginatingRequest(ctx, inst, false); err != nil {
		return err
	}
	if _, err := c.api.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{inst.ID},
	}); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInstanceStop, inst.ID, err)
	}
	clog.FromContext(ctx).Info("stopping instance", "id", inst.ID, "name", inst.Name)
	return c.waitInstanceState(ctx, inst.ID, types.InstanceStateNameStopped)
}

// Terminate terminates 'inst' and waits for it to reach the terminated state.
//
// The originating spot request is cancelled first when it is open, and also
// when it is active: a persistent request would otherwise launch a
// replacement.
func (c *Client) Terminate(ctx context.Context, inst Instance) error {
	if err := c.cancelOriginatingRequest(ctx, inst, true); err != nil {
		return err
	}
	if _, err := c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{inst.ID},
	}); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInstanceTerm, inst.ID, err)
	}
	clog.FromContext(ctx).Info("terminating instance", "id", inst.ID, "name", inst.Name)
	return c.waitInstanceState(ctx, inst.ID, types.InstanceStateNameTerminated)
}

func (c *Client) cancelOriginatingRequest(ctx context.Context, inst Instance, includeActive bool) error {
	if inst.SpotRequestID == "" {
		return nil
	}
	req, err := c.SpotRequest(ctx, inst.SpotRequestID)
	if errors.Is(err, ErrSpotRequestFailed) {
		// Already closed or cancelled.
		clog.FromContext(ctx).Debug("originating spot request not cancellable", "spot_request", inst.SpotRequestID, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	if req.Open() || (includeActive && req.State == types.SpotInstanceStateActive) {
		return c.CancelSpotRequest(ctx, req.ID)
	}
	return nil
}

func (c *Client) waitInstanceState(ctx context.Context, id string, target types.InstanceStateName) error {
	_, err := waiter.Until(ctx, c.wait, id,
		func(ctx context.Context) (types.InstanceStateName, error) {
			inst, err := c.Instance(ctx, id)
			if err != nil {
				return "", err
			}
			return inst.State, nil
		},
		func(state types.InstanceStateName) bool {
			return state == target
		},
	)
	if err != nil {
		return err
	}
	clog.FromContext(ctx).Info("instance reached state", "id", id, "state", target)
	return nil
}
