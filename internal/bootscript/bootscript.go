// bootscript composes the user data executed once on an instance's first
// boot.
//
// Sections run in a fixed order:
//  1. shell setup for the login user (TERM, tmux window naming)
//  2. AWS credentials, only when the session was built from static keys
//  3. the working directory and its '/workdir' symlink
//  4. registry login and pre-pull of the instance's container image
//
// Values are shell-quoted as they are rendered. Note the registry password
// (valid for 12 hours) ends up in the instance's user data.
package bootscript

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"regexp"
	"text/template"

	"github.com/kballard/go-shellquote"
)

const (
	// WorkDir is the working directory in the login user's home.
	WorkDir = "workdir"
	// WorkDirLink links to WorkDir from the filesystem root.
	WorkDirLink = "/workdir"
	// ImageEnv names the pre-pulled image in the login user's shell.
	ImageEnv = "RXTB_IMAGE"
)

var (
	ErrInvalidUser  = fmt.Errorf("invalid login user")
	ErrInvalidImage = fmt.Errorf("invalid container image")
	ErrRender       = fmt.Errorf("failed to render boot script")
)

// Credentials are explicitly configured AWS keys.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// Image is a registry image to pull at boot.
type Image struct {
	Registry string // ex: 123456789012.dkr.ecr.eu-west-1.amazonaws.com
	Username string
	Password string
	Ref      string // ex: <registry>/proj/app:latest
}

type Options struct {
	User string

	// Credentials are exported into the login user's shell. Leave nil unless
	// they came from explicit configuration: a named profile or the ambient
	// chain may grant far more than the instance should hold.
	Credentials *Credentials

	// Image is pulled when set.
	Image *Image
}

var userRe = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)

func (o Options) validate() error {
	if !userRe.MatchString(o.User) {
		return fmt.Errorf("%w: %q", ErrInvalidUser, o.User)
	}
	if o.Image != nil && (o.Image.Registry == "" || o.Image.Ref == "") {
		return fmt.Errorf("%w: registry %q, reference %q", ErrInvalidImage, o.Image.Registry, o.Image.Ref)
	}
	return nil
}

const script = `#!/usr/bin/env bash
cat << 'EOF' | su - {{ .User }}
echo 'export TERM=xterm-256color' >> ~/.bashrc
echo 'set-option -g allow-rename off' >> ~/.tmux.conf
{{- with .Credentials }}
{{ export "AWS_ACCESS_KEY_ID" .AccessKeyID }}
{{ export "AWS_SECRET_ACCESS_KEY" .SecretAccessKey }}
{{- if .SessionToken }}
{{ export "AWS_SESSION_TOKEN" .SessionToken }}
{{- end }}
{{- if .Region }}
{{ export "AWS_DEFAULT_REGION" .Region }}
{{- end }}
{{- end }}
mkdir -p ~/{{ .WorkDir }}
EOF
ln -sfn "$(getent passwd {{ .User }} | cut -d: -f6)/{{ .WorkDir }}" {{ .WorkDirLink }}
{{- with .Image }}
echo {{ quote .Password }} | docker login --username {{ quote .Username }} --password-stdin {{ quote .Registry }}
docker pull {{ quote .Ref }}
usermod -aG docker {{ $.User }} || true
cat << 'EOF' | su - {{ $.User }}
{{ export $.ImageEnv .Ref }}
EOF
{{- end }}
`

var tmpl = template.Must(template.New("bootscript").Funcs(template.FuncMap{
	"quote": func(s string) string {
		return shellquote.Join(s)
	},
	// export renders a line appending 'export k=v' to the login user's bashrc.
	"export": func(k, v string) string {
		return "echo " + shellquote.Join("export "+k+"="+shellquote.Join(v)) + " >> ~/.bashrc"
	},
}).Parse(script))

// Compose renders the plain text boot script.
func Compose(opts Options) (string, error) {
	if err := opts.validate(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, struct {
		Options
		WorkDir     string
		WorkDirLink string
		ImageEnv    string
	}{
		Options:     opts,
		WorkDir:     WorkDir,
		WorkDirLink: WorkDirLink,
		ImageEnv:    ImageEnv,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRender, err)
	}
	return buf.String(), nil
}

// Encode base64-encodes 'script' as EC2 expects user data.
func Encode(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(script))
}

// Build composes and encodes the boot script.
func Build(opts Options) (string, error) {
	s, err := Compose(opts)
	if err != nil {
		return "", err
	}
	return Encode(s), nil
}
