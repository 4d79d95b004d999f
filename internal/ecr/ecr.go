// ecr manages the container registry repositories backing configured
// containers. Repositories are named '{project}/{container}' and carry the
// same attribution tags as the EC2 resources.
package ecr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/smithy-go"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/jesperrix/rixtribute/internal/resolve"
	"github.com/jesperrix/rixtribute/internal/tags"
)

// API is the subset of the ECR API used by Client.
type API interface {
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
	DeleteRepository(ctx context.Context, params *ecr.DeleteRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.DeleteRepositoryOutput, error)
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
	ListTagsForResource(ctx context.Context, params *ecr.ListTagsForResourceInput, optFns ...func(*ecr.Options)) (*ecr.ListTagsForResourceOutput, error)
}

var _ API = (*ecr.Client)(nil)

var (
	ErrRepositoryLookup = fmt.Errorf("failed to look up repository")
	ErrRepositoryCreate = fmt.Errorf("failed to create repository")
	ErrRepositoryDelete = fmt.Errorf("failed to delete repository")
	ErrRepositoryList   = fmt.Errorf("failed to list repositories")
)

// Repository is a decoded ECR repository.
type Repository struct {
	Name      string
	URI       string
	ARN       string
	CreatedAt time.Time
	Tags      map[string]string
}

type Client struct {
	api    API
	remote []remote.Option
}

type Option func(*Client)

// WithRemoteOptions adds options to every registry (not ECR API) call, ex: a
// custom transport.
func WithRemoteOptions(opts ...remote.Option) Option {
	return func(c *Client) {
		c.remote = append(c.remote, opts...)
	}
}

func New(api API, opts ...Option) *Client {
	c := &Client{api: api}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func decodeRepository(r types.Repository) Repository {
	return Repository{
		Name:      aws.ToString(r.RepositoryName),
		URI:       aws.ToString(r.RepositoryUri),
		ARN:       aws.ToString(r.RepositoryArn),
		CreatedAt: aws.ToTime(r.CreatedAt),
	}
}

func isNotFound(err error) bool {
	var notFound *types.RepositoryNotFoundException
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "RepositoryNotFoundException"
}

// Lookup returns repository 'name'. 'found' is false only when ECR reports
// the repository as absent.
func (c *Client) Lookup(ctx context.Context, name string) (repo Repository, found bool, err error) {
	out, err := c.api.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{name},
	})
	if isNotFound(err) {
		return Repository{}, false, nil
	}
	if err != nil {
		return Repository{}, false, fmt.Errorf("%w: %w", ErrRepositoryLookup, err)
	}
	if len(out.Repositories) == 0 {
		return Repository{}, false, nil
	}
	return decodeRepository(out.Repositories[0]), true, nil
}

// Create creates repository 'name' tagged with 'attribution'.
func (c *Client) Create(ctx context.Context, name string, attribution tags.Attribution) (Repository, error) {
	pairs := attribution.Pairs()
	t := make([]types.Tag, 0, len(pairs))
	for _, p := range pairs {
		t = append(t, types.Tag{Key: aws.String(p.Key), Value: aws.String(p.Value)})
	}
	out, err := c.api.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
		Tags:           t,
	})
	if err != nil {
		return Repository{}, fmt.Errorf("%w: %w", ErrRepositoryCreate, err)
	}
	if out.Repository == nil {
		return Repository{}, fmt.Errorf("%w: no repository returned", ErrRepositoryCreate)
	}
	repo := decodeRepository(*out.Repository)
	repo.Tags = attribution.Map()
	clog.FromContext(ctx).Info("created repository", "name", repo.Name, "uri", repo.URI)
	return repo, nil
}

// Resolve returns repository 'name', creating it when absent.
func (c *Client) Resolve(ctx context.Context, name string, attribution tags.Attribution) (Repository, error) {
	repo, _, err := resolve.OrCreate(ctx, resolve.KindRepository, name,
		c.Lookup,
		func(ctx context.Context, name string) (Repository, error) {
			return c.Create(ctx, name, attribution.WithName(name))
		},
	)
	return repo, err
}

// List returns the repositories created by this tool, narrowed to 'project'
// unless it is empty.
func (c *Client) List(ctx context.Context, project string) ([]Repository, error) {
	filter := tags.Owned(project, tags.Profile{}, project == "")

	var repos []Repository
	pager := ecr.NewDescribeRepositoriesPaginator(c.api, &ecr.DescribeRepositoriesInput{})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRepositoryList, err)
		}
		for _, r := range page.Repositories {
			repo := decodeRepository(r)
			out, err := c.api.ListTagsForResource(ctx, &ecr.ListTagsForResourceInput{
				ResourceArn: r.RepositoryArn,
			})
			if err != nil {
				return nil, fmt.Errorf("%w: tags of %s: %w", ErrRepositoryList, repo.Name, err)
			}
			repo.Tags = make(map[string]string, len(out.Tags))
			for _, t := range out.Tags {
				repo.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
			}
			if matches(repo.Tags, filter) {
				repos = append(repos, repo)
			}
		}
	}
	return repos, nil
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// Delete deletes repository 'name'. Without 'force' ECR refuses to delete a
// repository that still holds images.
func (c *Client) Delete(ctx context.Context, name string, force bool) error {
	_, err := c.api.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: aws.String(name),
		Force:          force,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrRepositoryDelete, name, err)
	}
	clog.FromContext(ctx).Info("deleted repository", "name", name, "force", force)
	return nil
}
