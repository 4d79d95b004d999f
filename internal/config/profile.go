package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jesperrix/rixtribute/internal/tags"
	"gopkg.in/yaml.v3"
)

var ErrProfileWrite = fmt.Errorf("failed to write profile")

type profileFile struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// LoadProfile reads the user profile at 'path', or searches for it when
// 'path' is empty. A missing profile is reported as ErrNotFound.
func LoadProfile(path string) (tags.Profile, error) {
	if path == "" {
		var err error
		if path, err = Find(ProfileFile, EnvProfileDir); err != nil {
			return tags.Profile{}, err
		}
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return tags.Profile{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return tags.Profile{}, fmt.Errorf("%w: %w", ErrParse, err)
	}

	var p profileFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return tags.Profile{}, fmt.Errorf("%w: %s: %w", ErrParse, path, err)
	}
	if p.Name == "" || p.Email == "" {
		return tags.Profile{}, fmt.Errorf("%w: %s: name and email are required", ErrInvalid, path)
	}
	return tags.Profile{Name: p.Name, Email: p.Email}, nil
}

// WriteProfile writes 'profile' to 'dir' and returns the file's path.
// Values are stored lower-cased.
func WriteProfile(dir string, profile tags.Profile) (string, error) {
	data, err := yaml.Marshal(profileFile{
		Name:  strings.ToLower(strings.TrimSpace(profile.Name)),
		Email: strings.ToLower(strings.TrimSpace(profile.Email)),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProfileWrite, err)
	}
	path := filepath.Join(dir, ProfileFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("%w: %w", ErrProfileWrite, err)
	}
	return path, nil
}
