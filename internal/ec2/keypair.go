package ec2

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/jesperrix/rixtribute/internal/resolve"
	"github.com/jesperrix/rixtribute/internal/ssh"
	"github.com/jesperrix/rixtribute/internal/tags"
)

var (
	ErrKeypairLookup = fmt.Errorf("failed to look up keypair")
	ErrKeypairImport = fmt.Errorf("failed to import keypair")
	ErrKeypairStore  = fmt.Errorf("failed to persist keypair")
	ErrNilKeyPairID  = fmt.Errorf("encountered no error in keypair import, but the returned keypair ID was nil")
)

// KeyStore holds the single locally tracked key pair for the provider.
type KeyStore interface {
	// SSHKey returns the tracked key pair. 'ok' is false when nothing is
	// tracked yet.
	SSHKey() (name string, privateKey []byte, ok bool)
	// AddSSHKey replaces the tracked key pair.
	AddSSHKey(name string, privateKey []byte) error
}

// KeyPair is a provider-side key pair name and the matching private key in
// OpenSSH PEM format.
type KeyPair struct {
	Name       string
	PrivateKey []byte
}

// ResolveKeyPair returns the tracked key pair when EC2 still recognizes it.
// When it doesn't, the tracked key's public half is imported under its name,
// leaving the record untouched. Only when nothing usable is tracked is a new
// ED25519 key generated, its public half imported and the record in 'store'
// overwritten.
//
// 'newName' names the imported key pair. When empty a name is derived from
// the attribution profile.
func (c *Client) ResolveKeyPair(
	ctx context.Context,
	store KeyStore,
	attribution tags.Attribution,
	newName string,
) (KeyPair, error) {
	name, priv, tracked := store.SSHKey()
	if !tracked {
		name = newName
		if name == "" {
			name = tags.KeyPairName(attribution.Profile)
		}
	}

	kp, _, err := resolve.OrCreate(ctx, resolve.KindKeyPair, name,
		func(ctx context.Context, name string) (KeyPair, bool, error) {
			if !tracked {
				return KeyPair{}, false, nil
			}
			found, err := c.keypairExists(ctx, name)
			if err != nil || !found {
				return KeyPair{}, false, err
			}
			return KeyPair{Name: name, PrivateKey: priv}, true, nil
		},
		func(ctx context.Context, name string) (KeyPair, error) {
			if tracked {
				// Key pairs are regional: a tracked key missing here may still
				// be in use elsewhere, so its public half is imported as is.
				if pub, err := ssh.AuthorizedKeyFromPEM(priv); err == nil {
					return c.importTracked(ctx, name, priv, pub, attribution.WithName(name))
				}
				// The stored key is unusable; its replacement gets a fresh name
				// so it can't collide with a key of the old name.
				name = newName
				if name == "" {
					name = tags.KeyPairName(attribution.Profile)
				}
			}
			return c.createKeypair(ctx, store, name, attribution.WithName(name))
		},
	)
	return kp, err
}

func (c *Client) keypairExists(ctx context.Context, name string) (bool, error) {
	out, err := c.api.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		KeyNames: []string{name},
	})
	if hasErrorCode(err, "InvalidKeyPair.NotFound") {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrKeypairLookup, err)
	}
	return len(out.KeyPairs) > 0, nil
}

func (c *Client) importTracked(ctx context.Context, name string, priv, pub []byte, attribution tags.Attribution) (KeyPair, error) {
	id, err := c.keypairImport(ctx, name, pub, attribution)
	if err != nil {
		return KeyPair{}, err
	}
	clog.FromContext(ctx).Info("imported tracked keypair", "id", id, "name", name)
	return KeyPair{Name: name, PrivateKey: priv}, nil
}

func (c *Client) createKeypair(ctx context.Context, store KeyStore, name string, attribution tags.Attribution) (KeyPair, error) {
	key, err := ssh.GenerateKey()
	if err != nil {
		return KeyPair{}, err
	}
	pub, err := key.AuthorizedKey()
	if err != nil {
		return KeyPair{}, err
	}
	priv, err := key.PEM(name)
	if err != nil {
		return KeyPair{}, err
	}

	id, err := c.keypairImport(ctx, name, pub, attribution)
	if err != nil {
		return KeyPair{}, err
	}
	clog.FromContext(ctx).Info("imported keypair", "id", id, "name", name)

	if err := store.AddSSHKey(name, priv); err != nil {
		return KeyPair{}, fmt.Errorf("%w: %w", ErrKeypairStore, err)
	}
	return KeyPair{Name: name, PrivateKey: priv}, nil
}

func (c *Client) keypairImport(ctx context.Context, name string, pubKey []byte, attribution tags.Attribution) (string, error) {
	result, err := c.api.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: pubKey,
		TagSpecifications: tagSpecification(attribution, types.ResourceTypeKeyPair),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeypairImport, err)
	}
	if result.KeyPairId == nil {
		return "", ErrNilKeyPairID
	}
	return *result.KeyPairId, nil
}
