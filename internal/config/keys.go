package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrKeysWrite = fmt.Errorf("failed to write key record")

// SSHKey is the key pair rxtb logs in to instances with.
type SSHKey struct {
	KeyName    string `yaml:"key_name"`
	PrivateKey string `yaml:"private_key"`
}

type providerKeys struct {
	SSHKey *SSHKey `yaml:"ssh-key,omitempty"`
}

// keyRecord is rxtb-keys.yaml: one entry per provider name.
type keyRecord struct {
	path    string
	entries map[string]providerKeys
}

func loadKeys(path string) (*keyRecord, error) {
	rec := &keyRecord{path: path, entries: make(map[string]providerKeys)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	if err := yaml.Unmarshal(data, &rec.entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParse, path, err)
	}
	if rec.entries == nil {
		rec.entries = make(map[string]providerKeys)
	}
	return rec, nil
}

func (r *keyRecord) write() error {
	data, err := yaml.Marshal(r.entries)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeysWrite, err)
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: %w", ErrKeysWrite, err)
	}
	return nil
}

// KeysPath is the path of the key record.
func (c *Config) KeysPath() string {
	return c.keys.path
}

// SSHKey returns the tracked key pair of the configured provider.
func (c *Config) SSHKey() (name string, privateKey []byte, ok bool) {
	k := c.keys.entries[c.Provider.Name()].SSHKey
	if k == nil || k.KeyName == "" {
		return "", nil, false
	}
	return k.KeyName, []byte(k.PrivateKey), true
}

// AddSSHKey replaces the tracked key pair of the configured provider and
// writes the key record.
func (c *Config) AddSSHKey(name string, privateKey []byte) error {
	entry := c.keys.entries[c.Provider.Name()]
	entry.SSHKey = &SSHKey{KeyName: name, PrivateKey: string(privateKey)}
	c.keys.entries[c.Provider.Name()] = entry
	return c.keys.write()
}
