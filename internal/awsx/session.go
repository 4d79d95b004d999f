// awsx resolves the AWS session rxtb talks to the provider with.
//
// A session comes from exactly one of: a named shared-config profile, an
// explicit access/secret key pair, or the SDK's default credential chain.
// Which one was used matters beyond authentication: only explicitly
// configured static keys are ever forwarded to instances (see bootscript).
package awsx

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/chainguard-dev/clog"
)

// FallbackRegion is used when neither the configuration nor the SDK's
// environment resolution yields a region.
const FallbackRegion = "us-east-1"

type CredentialSource string

const (
	SourceDefault CredentialSource = "default"
	SourceProfile CredentialSource = "profile"
	SourceStatic  CredentialSource = "static"
)

var (
	ErrPartialKeys = fmt.Errorf("both access_key and secret_key have to be set")
	ErrLoadConfig  = fmt.Errorf("failed to load AWS configuration")
)

// Options mirror the 'provider.aws' section of rxtb-config.yaml.
type Options struct {
	Profile      string
	AccessKey    string
	SecretKey    string
	SessionToken string
	Region       string

	// Endpoint overrides the service endpoint of every client (ex: a local
	// AWS simulator).
	Endpoint string
}

func (o Options) validate() error {
	if (o.AccessKey == "") != (o.SecretKey == "") {
		return ErrPartialKeys
	}
	return nil
}

// Source reports which credential source these options select. A profile
// takes precedence over static keys.
func (o Options) Source() CredentialSource {
	switch {
	case o.Profile != "":
		return SourceProfile
	case o.AccessKey != "":
		return SourceStatic
	default:
		return SourceDefault
	}
}

type Session struct {
	Config aws.Config
	Source CredentialSource

	endpoint string
}

func NewSession(ctx context.Context, opts Options) (*Session, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	source := opts.Source()
	switch source {
	case SourceProfile:
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(opts.Profile))
	case SourceStatic:
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, opts.SessionToken),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if cfg.Region == "" {
		cfg.Region = FallbackRegion
	}
	clog.FromContext(ctx).Debug("resolved AWS session", "source", source, "region", cfg.Region)

	return &Session{
		Config:   cfg,
		Source:   source,
		endpoint: opts.Endpoint,
	}, nil
}

// Region returns the session's default region.
func (s *Session) Region() string {
	return s.Config.Region
}

// InRegion returns a copy of the session bound to 'region'. An empty region
// returns the session unchanged.
func (s *Session) InRegion(region string) *Session {
	if region == "" || region == s.Config.Region {
		return s
	}
	cp := *s
	cp.Config = s.Config.Copy()
	cp.Config.Region = region
	return &cp
}

func (s *Session) EC2() *ec2.Client {
	return ec2.NewFromConfig(s.Config, func(o *ec2.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
		}
	})
}

func (s *Session) ECR() *ecr.Client {
	return ecr.NewFromConfig(s.Config, func(o *ecr.Options) {
		if s.endpoint != "" {
			o.BaseEndpoint = aws.String(s.endpoint)
		}
	})
}

// StaticCredentials returns the session's credentials only when they were
// configured as explicit keys. Profile and default-chain credentials are
// never returned.
func (s *Session) StaticCredentials(ctx context.Context) (aws.Credentials, bool, error) {
	if s.Source != SourceStatic {
		return aws.Credentials{}, false, nil
	}
	creds, err := s.Config.Credentials.Retrieve(ctx)
	if err != nil {
		return aws.Credentials{}, false, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	return creds, true, nil
}
