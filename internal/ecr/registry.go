package ecr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// LatestTag is the only tag provisioning pulls.
const LatestTag = "latest"

var (
	ErrAuthorization = fmt.Errorf("failed to get registry authorization")
	ErrImageCheck    = fmt.Errorf("failed to check image")
	ErrImagePush     = fmt.Errorf("failed to push image")
)

// Authorization is a decoded ECR registry credential.
type Authorization struct {
	Username  string
	Password  string
	Endpoint  string // ex: https://123456789012.dkr.ecr.eu-west-1.amazonaws.com
	ExpiresAt time.Time
}

// Registry is the endpoint host, as used by 'docker login'.
func (a Authorization) Registry() string {
	return strings.TrimPrefix(strings.TrimPrefix(a.Endpoint, "https://"), "http://")
}

func (a Authorization) Authenticator() authn.Authenticator {
	return authn.FromConfig(authn.AuthConfig{
		Username: a.Username,
		Password: a.Password,
	})
}

// Authorization fetches and decodes a registry token. The token is a base64
// encoded 'user:password' pair.
func (c *Client) Authorization(ctx context.Context) (Authorization, error) {
	out, err := c.api.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return Authorization{}, fmt.Errorf("%w: %w", ErrAuthorization, err)
	}
	if len(out.AuthorizationData) == 0 {
		return Authorization{}, fmt.Errorf("%w: no authorization data returned", ErrAuthorization)
	}
	data := out.AuthorizationData[0]

	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return Authorization{}, fmt.Errorf("%w: %w", ErrAuthorization, err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return Authorization{}, fmt.Errorf("%w: malformed token", ErrAuthorization)
	}
	return Authorization{
		Username:  user,
		Password:  pass,
		Endpoint:  aws.ToString(data.ProxyEndpoint),
		ExpiresAt: aws.ToTime(data.ExpiresAt),
	}, nil
}

func (c *Client) remoteOptions(ctx context.Context) ([]remote.Option, error) {
	auth, err := c.Authorization(ctx)
	if err != nil {
		return nil, err
	}
	return append([]remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(auth.Authenticator()),
	}, c.remote...), nil
}

// ImageExists reports whether 'repo' holds an image tagged 'tag'.
func (c *Client) ImageExists(ctx context.Context, repo Repository, tag string) (bool, error) {
	ref, err := name.ParseReference(repo.URI + ":" + tag)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrImageCheck, err)
	}
	opts, err := c.remoteOptions(ctx)
	if err != nil {
		return false, err
	}

	_, err = remote.Head(ref, opts...)
	var terr *transport.Error
	if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrImageCheck, ref, err)
	}
	return true, nil
}

// Push copies the local docker daemon image 'local' to 'repo' under 'tag'.
func (c *Client) Push(ctx context.Context, local string, repo Repository, tag string) error {
	log := clog.FromContext(ctx)

	src, err := name.ParseReference(local)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrImagePush, err)
	}
	dst, err := name.ParseReference(repo.URI + ":" + tag)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrImagePush, err)
	}

	img, err := daemon.Image(src, daemon.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: loading %s from the docker daemon: %w", ErrImagePush, src, err)
	}
	opts, err := c.remoteOptions(ctx)
	if err != nil {
		return err
	}

	log.Info("pushing image", "source", src.String(), "target", dst.String())
	if err := remote.Write(dst, img, opts...); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrImagePush, dst, err)
	}
	log.Info("pushed image", "target", dst.String())
	return nil
}
