package ec2

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/jesperrix/rixtribute/internal/tags"
)

// Volume is an EBS volume attached at launch.
type Volume struct {
	Device  string
	SizeGiB int32
}

// LaunchSpec is everything needed to launch one instance, either through a
// spot request or on-demand.
type LaunchSpec struct {
	ImageID         string
	InstanceType    string
	KeyName         string
	Location        string // region or availability zone
	SecurityGroupID string
	Volumes         []Volume
	UserData        string // base64 encoded
	Attribution     tags.Attribution
}

var ErrLaunchSpecInvalid = fmt.Errorf("invalid launch specification")

func (s LaunchSpec) validate() error {
	switch {
	case s.ImageID == "":
		return fmt.Errorf("%w: missing image id", ErrLaunchSpecInvalid)
	case s.InstanceType == "":
		return fmt.Errorf("%w: missing instance type", ErrLaunchSpecInvalid)
	case s.KeyName == "":
		return fmt.Errorf("%w: missing key name", ErrLaunchSpecInvalid)
	case s.SecurityGroupID == "":
		return fmt.Errorf("%w: missing security group", ErrLaunchSpecInvalid)
	}
	for _, v := range s.Volumes {
		if v.Device == "" || v.SizeGiB <= 0 {
			return fmt.Errorf("%w: volume %q of %d GiB", ErrLaunchSpecInvalid, v.Device, v.SizeGiB)
		}
	}
	return nil
}

// zone is the availability zone to pin placement to, empty when 'Location'
// only names a region.
func (s LaunchSpec) zone() string {
	if IsZone(s.Location) {
		return s.Location
	}
	return ""
}

func (s LaunchSpec) blockDevices() []types.BlockDeviceMapping {
	mappings := make([]types.BlockDeviceMapping, 0, len(s.Volumes))
	for _, v := range s.Volumes {
		mappings = append(mappings, types.BlockDeviceMapping{
			DeviceName: aws.String(v.Device),
			Ebs: &types.EbsBlockDevice{
				VolumeSize:          aws.Int32(v.SizeGiB),
				VolumeType:          types.VolumeTypeGp3,
				DeleteOnTermination: aws.Bool(true),
			},
		})
	}
	return mappings
}

func (s LaunchSpec) spotSpecification() *types.RequestSpotLaunchSpecification {
	spec := &types.RequestSpotLaunchSpecification{
		ImageId:             aws.String(s.ImageID),
		InstanceType:        types.InstanceType(s.InstanceType),
		KeyName:             aws.String(s.KeyName),
		SecurityGroupIds:    []string{s.SecurityGroupID},
		BlockDeviceMappings: s.blockDevices(),
	}
	if zone := s.zone(); zone != "" {
		spec.Placement = &types.SpotPlacement{AvailabilityZone: aws.String(zone)}
	}
	if s.UserData != "" {
		spec.UserData = aws.String(s.UserData)
	}
	return spec
}
