package ec2

import (
	"context"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
)

var ErrRegionsList = fmt.Errorf("failed to list regions")

// Regions returns the names of the regions enabled for the account, sorted.
func (c *Client) Regions(ctx context.Context) ([]string, error) {
	out, err := c.api.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegionsList, err)
	}
	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		regions = append(regions, aws.ToString(r.RegionName))
	}
	sort.Strings(regions)
	return regions, nil
}

// IsZone reports whether 'location' names an availability zone (ex:
// 'eu-west-1a') rather than a region ('eu-west-1').
func IsZone(location string) bool {
	if location == "" {
		return false
	}
	last := location[len(location)-1]
	return last >= 'a' && last <= 'z'
}

// RegionOf returns the region containing 'location', which may be either a
// region or an availability zone.
func RegionOf(location string) string {
	if IsZone(location) {
		return location[:len(location)-1]
	}
	return location
}
