// resolve implements lookup-or-create for supporting provider resources
// (security groups, key pairs, registry repositories).
//
// Lookups must distinguish "definitively absent" from "failed". Only the
// former may lead to a creation: treating a permission or network failure as
// absence is how duplicate resources get made.
package resolve

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
)

type Kind string

const (
	KindSecurityGroup Kind = "security-group"
	KindKeyPair       Kind = "key-pair"
	KindRepository    Kind = "repository"
)

var (
	ErrLookup = fmt.Errorf("failed to look up resource")
	ErrCreate = fmt.Errorf("failed to create resource")
)

type (
	// LookupFunc returns the resource named 'name'. 'found' is false only when
	// the provider positively reported the resource as absent.
	LookupFunc[T any] func(ctx context.Context, name string) (handle T, found bool, err error)

	// CreateFunc creates (and tags) the resource named 'name'.
	CreateFunc[T any] func(ctx context.Context, name string) (T, error)
)

// OrCreate returns the existing resource named 'name', or creates it when the
// lookup reports it absent. An existing resource is returned unchanged.
//
// 'created' reports whether 'create' was called.
func OrCreate[T any](
	ctx context.Context,
	kind Kind,
	name string,
	lookup LookupFunc[T],
	create CreateFunc[T],
) (handle T, created bool, err error) {
	log := clog.FromContext(ctx).With("kind", kind, "name", name)

	handle, found, err := lookup(ctx, name)
	if err != nil {
		return handle, false, fmt.Errorf("%w: %s %q: %w", ErrLookup, kind, name, err)
	}
	if found {
		log.Debug("resolved existing resource")
		return handle, false, nil
	}

	log.Info("resource not found, creating")
	handle, err = create(ctx, name)
	if err != nil {
		return handle, false, fmt.Errorf("%w: %s %q: %w", ErrCreate, kind, name, err)
	}
	return handle, true, nil
}
