// config loads the project configuration (rxtb-config.yaml), the key record
// kept next to it (rxtb-keys.yaml) and the user profile (rxtb-profile.yaml).
//
// Configuration is decoded strictly: unknown keys and type mismatches are
// errors, reported before anything is provisioned.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/jesperrix/rixtribute/internal/tags"
	"gopkg.in/yaml.v3"
)

const (
	ConfigFile  = "rxtb-config.yaml"
	KeysFile    = "rxtb-keys.yaml"
	ProfileFile = "rxtb-profile.yaml"

	// EnvConfigDir and EnvProfileDir name directories searched last.
	EnvConfigDir  = "RIXTRIBUTE_CONF"
	EnvProfileDir = "RIXTRIBUTE_PROFILE"

	// ProviderAWS is the only supported provider.
	ProviderAWS = "aws"

	defaultDevice     = "/dev/xvda"
	defaultVolumeSize = 50
	defaultDockerfile = "Dockerfile"
)

var (
	ErrNotFound         = fmt.Errorf("configuration file not found")
	ErrParse            = fmt.Errorf("failed to parse configuration")
	ErrInvalid          = fmt.Errorf("invalid configuration")
	ErrUnknownInstance  = fmt.Errorf("no such instance in configuration")
	ErrUnknownContainer = fmt.Errorf("no such container in configuration")
	ErrUnknownCommand   = fmt.Errorf("no such command in configuration")
)

type Project struct {
	Name string `yaml:"name"`
}

// AWS is the 'provider.aws' section. A profile takes precedence over static
// keys; with neither the SDK's default chain is used.
type AWS struct {
	Profile      string `yaml:"profile_name"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
}

type Provider struct {
	AWS *AWS `yaml:"aws"`
}

// Name is the name of the configured provider.
func (p Provider) Name() string {
	if p.AWS != nil {
		return ProviderAWS
	}
	return ""
}

type ContainerPort struct {
	ContainerPort int `yaml:"containerPort"`
	HostPort      int `yaml:"hostPort"`
}

type Container struct {
	Name  string          `yaml:"name"`
	File  string          `yaml:"file"` // default: Dockerfile
	Path  string          `yaml:"path"` // build context, default: project root
	Ports []ContainerPort `yaml:"ports"`
}

// Volume is an EBS volume attached at launch.
type Volume struct {
	Device string `yaml:"devname"`
	Size   int32  `yaml:"size"` // GiB
}

var portRe = regexp.MustCompile(`^(tcp|udp|icmp):(\d+)$`)

// Port is an ingress port, written 'protocol:port' (ex: 'tcp:22').
type Port struct {
	Protocol string
	Port     int32
}

func (p *Port) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	m := portRe.FindStringSubmatch(s)
	if m == nil {
		return fmt.Errorf("line %d: port %q, expected protocol:port with protocol one of tcp, udp, icmp", value.Line, s)
	}
	n, err := strconv.ParseInt(m[2], 10, 32)
	if err != nil || n > 65535 {
		return fmt.Errorf("line %d: port %q out of range", value.Line, s)
	}
	p.Protocol, p.Port = m[1], int32(n)
	return nil
}

func (p Port) MarshalYAML() (any, error) {
	return p.String(), nil
}

func (p Port) String() string {
	return p.Protocol + ":" + strconv.Itoa(int(p.Port))
}

// Settings is the 'config' block of an instance.
type Settings struct {
	Region  string   `yaml:"region"` // region or availability zone
	Type    string   `yaml:"type"`
	AMI     string   `yaml:"ami"`
	KeyName string   `yaml:"keyname"`
	Volumes []Volume `yaml:"volumes"` // default: /dev/xvda, 50 GiB
	Ports   []Port   `yaml:"ports"`   // default: tcp:22
	Spot    bool     `yaml:"spot"`
}

func (s *Settings) applyDefaults() {
	if len(s.Volumes) == 0 {
		s.Volumes = []Volume{{Device: defaultDevice, Size: defaultVolumeSize}}
	}
	if len(s.Ports) == 0 {
		s.Ports = []Port{{Protocol: "tcp", Port: 22}}
	}
}

func (s Settings) validate() error {
	var errs []error
	for _, f := range []struct{ name, value string }{
		{"region", s.Region},
		{"type", s.Type},
		{"ami", s.AMI},
	} {
		if f.value == "" {
			errs = append(errs, fmt.Errorf("missing required field %q", f.name))
		}
	}
	for _, v := range s.Volumes {
		if v.Device == "" {
			errs = append(errs, fmt.Errorf("volume without devname"))
		}
		if v.Size <= 0 {
			errs = append(errs, fmt.Errorf("volume %s: size must be positive", v.Device))
		}
	}
	return errors.Join(errs...)
}

type Instance struct {
	Name      string   `yaml:"name"`
	Provider  string   `yaml:"provider"`
	Container string   `yaml:"container"` // optional
	Config    Settings `yaml:"config"`
}

type Config struct {
	Project    Project           `yaml:"project"`
	Provider   Provider          `yaml:"provider"`
	Containers []Container       `yaml:"container"`
	Instances  []Instance        `yaml:"instance"`
	Commands   map[string]string `yaml:"commands"`

	path string
	keys *keyRecord
}

// Find returns the first existing 'name' in the current directory, the home
// directory and the directory in 'envDir', in that order.
func Find(name, envDir string) (string, error) {
	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, home)
	}
	if d := os.Getenv(envDir); d != "" {
		dirs = append(dirs, d)
	}
	for _, d := range dirs {
		p := filepath.Join(d, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s in %s", ErrNotFound, name, strings.Join(dirs, ", "))
}

// Load reads the configuration at 'path', or searches for it when 'path' is
// empty, along with the key record next to it.
func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		if path, err = Find(ConfigFile, EnvConfigDir); err != nil {
			return nil, err
		}
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	if err := cfg.validateFiles(); err != nil {
		return nil, err
	}

	cfg.keys, err = loadKeys(filepath.Join(cfg.Dir(), KeysFile))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", ErrInvalid)
		}
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Instances {
		c.Instances[i].Config.applyDefaults()
	}
	for i := range c.Containers {
		if c.Containers[i].File == "" {
			c.Containers[i].File = defaultDockerfile
		}
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Project.Name == "" {
		errs = append(errs, fmt.Errorf("missing project name"))
	}
	if c.Provider.Name() == "" {
		errs = append(errs, fmt.Errorf("missing provider section"))
	}

	containers := make(map[string]bool)
	for _, ct := range c.Containers {
		if ct.Name == "" {
			errs = append(errs, fmt.Errorf("container without name"))
			continue
		}
		if containers[ct.Name] {
			errs = append(errs, fmt.Errorf("container %q declared twice", ct.Name))
		}
		containers[ct.Name] = true
	}

	instances := make(map[string]bool)
	for _, in := range c.Instances {
		if in.Name == "" {
			errs = append(errs, fmt.Errorf("instance without name"))
			continue
		}
		if instances[in.Name] {
			errs = append(errs, fmt.Errorf("instance %q declared twice", in.Name))
		}
		instances[in.Name] = true

		if in.Provider != c.Provider.Name() {
			errs = append(errs, fmt.Errorf("instance %q: provider %q is not configured", in.Name, in.Provider))
		}
		if in.Container != "" && !containers[in.Container] {
			errs = append(errs, fmt.Errorf("instance %q: container %q is not declared", in.Name, in.Container))
		}
		if err := in.Config.validate(); err != nil {
			errs = append(errs, fmt.Errorf("instance %q: %w", in.Name, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// validateFiles checks container build inputs exist relative to the project
// root.
func (c *Config) validateFiles() error {
	var errs []error
	for _, ct := range c.Containers {
		if info, err := os.Stat(c.BuildPath(ct)); err != nil || !info.IsDir() {
			errs = append(errs, fmt.Errorf("container %q: invalid build path %s", ct.Name, c.BuildPath(ct)))
		}
		if _, err := os.Stat(c.Dockerfile(ct)); err != nil {
			errs = append(errs, fmt.Errorf("container %q: dockerfile %s does not exist", ct.Name, c.Dockerfile(ct)))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// Path is the absolute path of the loaded configuration file.
func (c *Config) Path() string {
	return c.path
}

// Dir is the project root, the directory holding the configuration file.
func (c *Config) Dir() string {
	return filepath.Dir(c.path)
}

func (c *Config) BuildPath(ct Container) string {
	return filepath.Join(c.Dir(), ct.Path)
}

func (c *Config) Dockerfile(ct Container) string {
	return filepath.Join(c.Dir(), ct.File)
}

// ImageTag is the local image tag of 'ct', also its repository name.
func (c *Config) ImageTag(ct Container) string {
	return tags.RepositoryName(c.Project.Name, ct.Name)
}

func (c *Config) Instance(name string) (Instance, error) {
	i := slices.IndexFunc(c.Instances, func(in Instance) bool { return in.Name == name })
	if i < 0 {
		return Instance{}, fmt.Errorf("%w: %q", ErrUnknownInstance, name)
	}
	return c.Instances[i], nil
}

func (c *Config) Container(name string) (Container, error) {
	i := slices.IndexFunc(c.Containers, func(ct Container) bool { return ct.Name == name })
	if i < 0 {
		return Container{}, fmt.Errorf("%w: %q", ErrUnknownContainer, name)
	}
	return c.Containers[i], nil
}

// CommandNames lists the configured commands, sorted.
func (c *Config) CommandNames() []string {
	names := make([]string, 0, len(c.Commands))
	for name := range c.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) Command(name string) (string, error) {
	cmd, ok := c.Commands[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return cmd, nil
}
