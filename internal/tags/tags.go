// tags derives the provider-facing names and the attribution tag set for
// every resource rxtb creates. Listing commands later filter on these tags,
// so the keys below must never change.
package tags

import (
	"strings"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

const (
	KeyName        = "Name"
	KeyProject     = "project"
	KeyOrigin      = "origin"
	KeyOriginEmail = "origin-email"
	KeyOriginName  = "origin-name"

	// Origin is the value of the 'origin' tag on everything this tool creates.
	Origin = "rixtribute"

	namePrefix          = "rxtb-"
	discriminatorLength = 6
)

// Profile identifies the user that resources are attributed to.
type Profile struct {
	Name  string
	Email string
}

// Pair is a single key-value tag.
type Pair struct {
	Key   string
	Value string
}

// Attribution is the fixed tag set applied to a single resource.
type Attribution struct {
	Name    string
	Project string
	Profile Profile
}

func New(name, project string, profile Profile) Attribution {
	return Attribution{
		Name:    name,
		Project: project,
		Profile: profile,
	}
}

// WithName returns a copy of 'a' naming a different resource.
func (a Attribution) WithName(name string) Attribution {
	a.Name = name
	return a
}

// Pairs returns the attribution tags in a stable order. The project tag is
// omitted when no project is known (ex: 'ecr create' outside a project).
func (a Attribution) Pairs() []Pair {
	pairs := []Pair{{Key: KeyName, Value: a.Name}}
	if a.Project != "" {
		pairs = append(pairs, Pair{Key: KeyProject, Value: a.Project})
	}
	return append(pairs,
		Pair{Key: KeyOrigin, Value: Origin},
		Pair{Key: KeyOriginEmail, Value: a.Profile.Email},
		Pair{Key: KeyOriginName, Value: a.Profile.Name},
	)
}

func (a Attribution) Map() map[string]string {
	m := make(map[string]string)
	for _, p := range a.Pairs() {
		m[p.Key] = p.Value
	}
	return m
}

// Owned returns the tag filter selecting resources created by this tool. When
// 'all' is false the filter is narrowed to the given project and user.
func Owned(project string, profile Profile, all bool) map[string]string {
	filter := map[string]string{KeyOrigin: Origin}
	if all {
		return filter
	}
	if project != "" {
		filter[KeyProject] = project
	}
	if profile.Email != "" {
		filter[KeyOriginEmail] = profile.Email
	}
	return filter
}

// SecurityGroupName is the deterministic security group name for the
// configured instance 'instance'.
func SecurityGroupName(instance string) string {
	return namePrefix + instance
}

// RequestName suffixes 'instance' with a short random discriminator, so
// several running copies of one configured instance can be told apart.
func RequestName(instance string) string {
	return instance + "-" + discriminator()
}

// KeyPairName derives a new provider-side key pair name for the given user.
func KeyPairName(profile Profile) string {
	user := slug.Make(profile.Name)
	if user == "" {
		user = slug.Make(strings.Split(profile.Email, "@")[0])
	}
	if user == "" {
		return namePrefix + discriminator()
	}
	return namePrefix + user + "-" + discriminator()
}

// RepositoryName is the registry repository name of 'container' in 'project'.
func RepositoryName(project, container string) string {
	return project + "/" + container
}

func discriminator() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:discriminatorLength]
}
