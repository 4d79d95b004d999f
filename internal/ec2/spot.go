package ec2

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/jesperrix/rixtribute/internal/waiter"
)

var (
	ErrSpotRequestCreate   = fmt.Errorf("failed to request spot instance")
	ErrSpotRequestDescribe = fmt.Errorf("failed to describe spot request")
	ErrSpotRequestCancel   = fmt.Errorf("failed to cancel spot request")
	ErrSpotRequestFailed   = fmt.Errorf("spot request ended without an instance")
)

// SpotRequest is the observed state of a spot instance request.
type SpotRequest struct {
	ID         string
	State      types.SpotInstanceState
	StatusCode string
	InstanceID string
}

// Fulfilled reports whether the request is bound to an instance.
func (r SpotRequest) Fulfilled() bool {
	return r.InstanceID != "" && r.State == types.SpotInstanceStateActive
}

// Open reports whether the request is still waiting for capacity.
func (r SpotRequest) Open() bool {
	return r.State == types.SpotInstanceStateOpen
}

// RequestSpot submits a persistent spot request for one instance, stopped
// rather than terminated on interruption. The request is tagged with the
// spec's attribution.
//
// It returns the spot request ID.
func (c *Client) RequestSpot(ctx context.Context, spec LaunchSpec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}
	out, err := c.api.RequestSpotInstances(ctx, &ec2.RequestSpotInstancesInput{
		InstanceCount:                aws.Int32(1),
		Type:                         types.SpotInstanceTypePersistent,
		InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorStop,
		LaunchSpecification:          spec.spotSpecification(),
		TagSpecifications:            tagSpecification(spec.Attribution, types.ResourceTypeSpotInstancesRequest),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSpotRequestCreate, err)
	}
	if len(out.SpotInstanceRequests) == 0 || out.SpotInstanceRequests[0].SpotInstanceRequestId == nil {
		return "", fmt.Errorf("%w: no request returned", ErrSpotRequestCreate)
	}
	id := aws.ToString(out.SpotInstanceRequests[0].SpotInstanceRequestId)
	clog.FromContext(ctx).Info("submitted spot request", "id", id, "name", spec.Attribution.Name)
	return id, nil
}

// SpotRequest returns the current state of spot request 'id'.
//
// A request EC2 doesn't know about yet (describe is eventually consistent
// with creation) is reported open. A request that was closed, cancelled or
// failed before being bound to an instance returns ErrSpotRequestFailed.
func (c *Client) SpotRequest(ctx context.Context, id string) (SpotRequest, error) {
	out, err := c.api.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{id},
	})
	if hasErrorCode(err, "InvalidSpotInstanceRequestID.NotFound") {
		return SpotRequest{ID: id, State: types.SpotInstanceStateOpen}, nil
	}
	if err != nil {
		return SpotRequest{}, fmt.Errorf("%w: %s: %w", ErrSpotRequestDescribe, id, err)
	}
	if len(out.SpotInstanceRequests) == 0 {
		return SpotRequest{ID: id, State: types.SpotInstanceStateOpen}, nil
	}

	sir := out.SpotInstanceRequests[0]
	req := SpotRequest{
		ID:         id,
		State:      sir.State,
		InstanceID: aws.ToString(sir.InstanceId),
	}
	if sir.Status != nil {
		req.StatusCode = aws.ToString(sir.Status.Code)
	}

	switch req.State {
	case types.SpotInstanceStateFailed, types.SpotInstanceStateCancelled, types.SpotInstanceStateClosed:
		if req.InstanceID == "" {
			return req, fmt.Errorf("%w: %s is %s (%s)", ErrSpotRequestFailed, id, req.State, req.StatusCode)
		}
	}
	return req, nil
}

// CancelSpotRequest cancels spot request 'id' and waits until EC2 reports it
// cancelled. A bound instance is left running.
func (c *Client) CancelSpotRequest(ctx context.Context, id string) error {
	log := clog.FromContext(ctx).With("spot_request", id)

	_, err := c.api.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: []string{id},
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSpotRequestCancel, id, err)
	}
	log.Info("cancelling spot request")

	_, err = waiter.Until(ctx, c.wait, id,
		func(ctx context.Context) (types.SpotInstanceState, error) {
			out, err := c.api.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
				SpotInstanceRequestIds: []string{id},
			})
			if err != nil {
				return "", fmt.Errorf("%w: %s: %w", ErrSpotRequestDescribe, id, err)
			}
			if len(out.SpotInstanceRequests) == 0 {
				return types.SpotInstanceStateCancelled, nil
			}
			return out.SpotInstanceRequests[0].State, nil
		},
		func(state types.SpotInstanceState) bool {
			return state == types.SpotInstanceStateCancelled || state == types.SpotInstanceStateClosed
		},
	)
	if err != nil {
		return err
	}
	log.Info("spot request cancelled")
	return nil
}
