package ec2

import (
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/jesperrix/rixtribute/internal/tags"
	"github.com/jesperrix/rixtribute/internal/waiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lifecycleAPI models one spot instance moving through states as it's
// stopped or terminated.
func lifecycleAPI(requestState types.SpotInstanceState) *fakeAPI {
	state := types.InstanceStateNameRunning
	api := &fakeAPI{}
	api.describeSpotInstanceRequests = func(*ec2.DescribeSpotInstanceRequestsInput) (*ec2.DescribeSpotInstanceRequestsOutput, error) {
		return &ec2.DescribeSpotInstanceRequestsOutput{SpotInstanceRequests: []types.SpotInstanceRequest{{
			SpotInstanceRequestId: aws.String("sir-1"),
			State:                 requestState,
			InstanceId:            aws.String("i-1"),
		}}}, nil
	}
	api.cancelSpotInstanceRequests = func(*ec2.CancelSpotInstanceRequestsInput) (*ec2.CancelSpotInstanceRequestsOutput, error) {
		requestState = types.SpotInstanceStateCancelled
		return &ec2.CancelSpotInstanceRequestsOutput{}, nil
	}
	api.stopInstances = func(*ec2.StopInstancesInput) (*ec2.StopInstancesOutput, error) {
		state = types.InstanceStateNameStopping
		return &ec2.StopInstancesOutput{}, nil
	}
	api.terminateInstances = func(*ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error) {
		state = types.InstanceStateNameShuttingDown
		return &ec2.TerminateInstancesOutput{}, nil
	}
	api.describeInstances = func(*ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
		// Each observation advances the transition by one step.
		switch state {
		case types.InstanceStateNameStopping:
			state = types.InstanceStateNameStopped
		case types.InstanceStateNameShuttingDown:
			state = types.InstanceStateNameTerminated
		}
		return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{
			Instances: []types.Instance{{
				InstanceId: aws.String("i-1"),
				State:      &types.InstanceState{Name: state},
			}},
		}}}, nil
	}
	return api
}

func TestStopTerminate(t *testing.T) {
	inst := Instance{ID: "i-1", Name: "dev-abc123", SpotRequestID: "sir-1", Spot: true}

	t.Run("stop-keeps-active-request", func(t *testing.T) {
		api := lifecycleAPI(types.SpotInstanceStateActive)
		require.NoError(t, New(api, testWaiter()).Stop(t.Context(), inst))
		require.Equal(t, 0, api.count("CancelSpotInstanceRequests"))
		require.Equal(t, 1, api.count("StopInstances"))
	})

	t.Run("stop-cancels-open-request", func(t *testing.T) {
		api := lifecycleAPI(types.SpotInstanceStateOpen)
		require.NoError(t, New(api, testWaiter()).Stop(t.Context(), inst))
		require.Equal(t, 1, api.count("CancelSpotInstanceRequests"))
	})

	t.Run("terminate-cancels-active-request", func(t *testing.T) {
		api := lifecycleAPI(types.SpotInstanceStateActive)
		require.NoError(t, New(api, testWaiter()).Terminate(t.Context(), inst))
		require.Equal(t, 1, api.count("CancelSpotInstanceRequests"))
		require.Equal(t, 1, api.count("TerminateInstances"))
	})

	t.Run("terminate-skips-closed-request", func(t *testing.T) {
		api := lifecycleAPI(types.SpotInstanceStateClosed)
		require.NoError(t, New(api, testWaiter()).Terminate(t.Context(), inst))
		require.Equal(t, 0, api.count("CancelSpotInstanceRequests"))
	})

	t.Run("state-never-reached", func(t *testing.T) {
		api := lifecycleAPI(types.SpotInstanceStateActive)
		api.stopInstances = func(*ec2.StopInstancesInput) (*ec2.StopInstancesOutput, error) {
			return &ec2.StopInstancesOutput{}, nil
		}
		err := New(api, testWaiter()).Stop(t.Context(), inst)
		require.ErrorIs(t, err, waiter.ErrTimeout)

		var te *waiter.TimeoutError
		require.ErrorAs(t, err, &te)
		require.Equal(t, "i-1", te.Resource)
		require.Equal(t, 5, api.count("DescribeInstances"))
	})
}

func TestInstanceStatus(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		api := &fakeAPI{
			describeInstanceStatus: func(in *ec2.DescribeInstanceStatusInput) (*ec2.DescribeInstanceStatusOutput, error) {
				assert.True(t, aws.ToBool(in.IncludeAllInstances))
				return &ec2.DescribeInstanceStatusOutput{InstanceStatuses: []types.InstanceStatus{{
					InstanceId:     aws.String("i-1"),
					InstanceState:  &types.InstanceState{Name: types.InstanceStateNameRunning},
					InstanceStatus: &types.InstanceStatusSummary{Status: types.SummaryStatusOk},
					SystemStatus:   &types.InstanceStatusSummary{Status: types.SummaryStatusOk},
				}}}, nil
			},
		}
		h, err := New(api).InstanceStatus(t.Context(), "i-1")
		require.NoError(t, err)
		require.True(t, h.Healthy())
	})

	t.Run("initializing", func(t *testing.T) {
		api := &fakeAPI{
			describeInstanceStatus: func(*ec2.DescribeInstanceStatusInput) (*ec2.DescribeInstanceStatusOutput, error) {
				return &ec2.DescribeInstanceStatusOutput{InstanceStatuses: []types.InstanceStatus{{
					InstanceState:  &types.InstanceState{Name: types.InstanceStateNameRunning},
					InstanceStatus: &types.InstanceStatusSummary{Status: types.SummaryStatusInitializing},
					SystemStatus:   &types.InstanceStatusSummary{Status: types.SummaryStatusOk},
				}}}, nil
			},
		}
		h, err := New(api).InstanceStatus(t.Context(), "i-1")
		require.NoError(t, err)
		require.False(t, h.Healthy())
	})

	t.Run("not-yet-visible", func(t *testing.T) {
		api := &fakeAPI{
			describeInstanceStatus: func(*ec2.DescribeInstanceStatusInput) (*ec2.DescribeInstanceStatusOutput, error) {
				return nil, notFound("InvalidInstanceID.NotFound")
			},
		}
		h, err := New(api).InstanceStatus(t.Context(), "i-1")
		require.NoError(t, err)
		require.Equal(t, types.InstanceStateNamePending, h.State)
	})
}

func TestListInstances(t *testing.T) {
	launched := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	api := &fakeAPI{
		describeInstances: func(in *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error) {
			var names []string
			for _, f := range in.Filters {
				names = append(names, aws.ToString(f.Name))
			}
			assert.Equal(t, []string{"tag:origin", "tag:project", "instance-state-name"}, names)
			return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{
				Instances: []types.Instance{{
					InstanceId:            aws.String("i-2"),
					State:                 &types.InstanceState{Name: types.InstanceStateNameStopped},
					LaunchTime:            aws.Time(launched.Add(time.Hour)),
					InstanceLifecycle:     types.InstanceLifecycleTypeSpot,
					SpotInstanceRequestId: aws.String("sir-2"),
					Tags:                  []types.Tag{{Key: aws.String(tags.KeyName), Value: aws.String("gpu-def456")}},
				}, {
					InstanceId:    aws.String("i-1"),
					InstanceType:  types.InstanceTypeM5Large,
					State:         &types.InstanceState{Name: types.InstanceStateNameRunning},
					LaunchTime:    aws.Time(launched),
					PublicDnsName: aws.String("ec2-1-2-3-4.eu-west-1.compute.amazonaws.com"),
					Tags:          []types.Tag{{Key: aws.String(tags.KeyName), Value: aws.String("dev-abc123")}},
				}},
			}}}, nil
		},
	}

	instances, err := New(api).ListInstances(t.Context(), map[string]string{
		tags.KeyProject: "proj",
		tags.KeyOrigin:  tags.Origin,
	})
	require.NoError(t, err)
	require.Len(t, instances, 2)

	first, second := instances[0], instances[1]
	assert.Equal(t, "i-1", first.ID)
	assert.Equal(t, "dev-abc123", first.Name)
	assert.False(t, first.Spot)
	assert.Equal(t, "ec2-1-2-3-4.eu-west-1.compute.amazonaws.com", first.Host())
	assert.Equal(t, 2*time.Hour, first.Uptime(launched.Add(2*time.Hour)))

	assert.Equal(t, "i-2", second.ID)
	assert.True(t, second.Spot)
	assert.Equal(t, "sir-2", second.SpotRequestID)
	assert.Zero(t, second.Uptime(launched.Add(2*time.Hour)))
}
