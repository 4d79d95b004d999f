package ec2

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

var (
	ErrImageLookup   = fmt.Errorf("failed to look up image")
	ErrImageNotFound = fmt.Errorf("image not found")
	ErrUnknownImage  = fmt.Errorf("unable to determine login user for image")
)

// loginUsers maps lower-cased image name substrings to the default login
// user of the distribution. Matched in order.
//
// https://docs.aws.amazon.com/AWSEC2/latest/UserGuide/connection-prereqs.html
var loginUsers = []struct {
	substr string
	user   string
}{
	{"amazon linux", "ec2-user"},
	{"amzn", "ec2-user"},
	{"al2023", "ec2-user"},
	{"centos", "centos"},
	{"debian", "admin"},
	{"fedora", "fedora"},
	{"rhel", "ec2-user"},
	{"red hat", "ec2-user"},
	{"suse", "ec2-user"},
	{"ubuntu", "ubuntu"},
}

// LoginUserForImageName returns the default login user for an image named
// 'name', or ErrUnknownImage.
func LoginUserForImageName(name string) (string, error) {
	lower := strings.ToLower(name)
	for _, lu := range loginUsers {
		if strings.Contains(lower, lu.substr) {
			return lu.user, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownImage, name)
}

// LoginUser looks up image 'imageID' and returns its default login user.
func (c *Client) LoginUser(ctx context.Context, imageID string) (string, error) {
	out, err := c.api.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []types.Filter{{
			Name:   aws.String("image-id"),
			Values: []string{imageID},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrImageLookup, imageID, err)
	}
	if len(out.Images) == 0 {
		return "", fmt.Errorf("%w: %s", ErrImageNotFound, imageID)
	}
	return LoginUserForImageName(aws.ToString(out.Images[0].Name))
}
