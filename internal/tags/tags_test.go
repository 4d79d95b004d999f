package tags

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttribution(t *testing.T) {
	profile := Profile{Name: "Jane Doe", Email: "jane@example.com"}

	t.Run("pairs-are-ordered-and-complete", func(t *testing.T) {
		a := New("dev-1a2b3c", "proj", profile)
		assert.Equal(t, []Pair{
			{Key: KeyName, Value: "dev-1a2b3c"},
			{Key: KeyProject, Value: "proj"},
			{Key: KeyOrigin, Value: Origin},
			{Key: KeyOriginEmail, Value: "jane@example.com"},
			{Key: KeyOriginName, Value: "Jane Doe"},
		}, a.Pairs())
	})

	t.Run("project-omitted-when-empty", func(t *testing.T) {
		m := New("repo", "", profile).Map()
		_, ok := m[KeyProject]
		assert.False(t, ok)
		assert.Equal(t, Origin, m[KeyOrigin])
	})

	t.Run("with-name-copies", func(t *testing.T) {
		a := New("dev", "proj", profile)
		b := a.WithName("dev-xyz")
		assert.Equal(t, "dev", a.Name)
		assert.Equal(t, "dev-xyz", b.Name)
		assert.Equal(t, a.Project, b.Project)
	})
}

func TestOwned(t *testing.T) {
	profile := Profile{Name: "jane", Email: "jane@example.com"}
	assert.Equal(t, map[string]string{KeyOrigin: Origin}, Owned("proj", profile, true))
	assert.Equal(t, map[string]string{
		KeyOrigin:      Origin,
		KeyProject:     "proj",
		KeyOriginEmail: "jane@example.com",
	}, Owned("proj", profile, false))
}

func TestNames(t *testing.T) {
	assert.Equal(t, "rxtb-dev", SecurityGroupName("dev"))
	assert.Equal(t, "proj/web", RepositoryName("proj", "web"))

	t.Run("request-name-is-discriminated", func(t *testing.T) {
		a, b := RequestName("dev"), RequestName("dev")
		require.True(t, strings.HasPrefix(a, "dev-"))
		assert.Len(t, a, len("dev-")+discriminatorLength)
		assert.NotEqual(t, a, b)
	})

	t.Run("key-pair-name-is-slugged", func(t *testing.T) {
		name := KeyPairName(Profile{Name: "Jane Doe"})
		assert.True(t, strings.HasPrefix(name, "rxtb-jane-doe-"), name)
	})

	t.Run("key-pair-name-falls-back-to-email", func(t *testing.T) {
		name := KeyPairName(Profile{Email: "jane@example.com"})
		assert.True(t, strings.HasPrefix(name, "rxtb-jane-"), name)
	})
}
