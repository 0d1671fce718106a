package descriptor

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/pkg/errors"
)

// DefaultFile is the descriptor looked up in the build context when no
// explicit path is given.
const DefaultFile = "asgipack.toml"

// ReservedEnv are the variables the builder pins at image-build time. They
// control text encoding and I/O buffering of the launched process and must
// not be overridable from the descriptor.
var ReservedEnv = map[string]string{
	"PYTHONUNBUFFERED": "1",
	"LANG":             "C.UTF-8",
	"LC_ALL":           "C.UTF-8",
}

// Config is the object being acted upon by the builder: a declarative
// description of the image to produce.
type Config struct {
	Debug bool `toml:"debug"`

	// Base is the pinned base runtime reference. A floating tag (no tag at
	// all, or "latest") is rejected so that two builds always start from the
	// same toolchain.
	Base string `toml:"base"`

	// App is the ASGI application reference in module:attribute form.
	App string `toml:"app"`

	// Port is the TCP port the launch directive binds on all interfaces.
	Port int `toml:"port"`

	// Python selects the interpreter minor version used for the
	// site-packages install path, e.g. "3.11".
	Python string `toml:"python"`

	Env    map[string]string `toml:"env"`
	Labels map[string]string `toml:"labels"`

	// Preload maps build-arg style names to OCI image tarball paths. Each
	// tarball is loaded into a loopback registry so the base can be resolved
	// without fetching at build time.
	Preload map[string]string `toml:"preload"`
}

// Load reads and validates a descriptor file.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "decode descriptor")
	}

	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) sanitize() {
	if c.App == "" {
		c.App = "main:app"
	}

	if c.Port == 0 {
		c.Port = 8000
	}

	if c.Python == "" {
		c.Python = "3.11"
	}
}

// Validate enforces the launch contract: a pinned base, a well-formed app
// reference, a fixed in-range port, and no attempt to override the pinned
// environment.
func (c Config) Validate() error {
	if c.Base == "" {
		return errors.New("descriptor: base image is required")
	}

	if _, err := c.BaseRef(); err != nil {
		return err
	}

	segs := strings.SplitN(c.App, ":", 2)
	if len(segs) != 2 || segs[0] == "" || segs[1] == "" {
		return fmt.Errorf("descriptor: app %q must be in module:attribute form", c.App)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("descriptor: port %d out of range", c.Port)
	}

	for k := range c.Env {
		if _, reserved := ReservedEnv[k]; reserved {
			return fmt.Errorf("descriptor: env %s is pinned at build time and cannot be overridden", k)
		}
		if k == "PYTHONPATH" {
			return errors.New("descriptor: env PYTHONPATH is managed by the dependency layer")
		}
	}

	return nil
}

// BaseRef parses the base reference, rejecting floating tags.
func (c Config) BaseRef() (name.Reference, error) {
	if digest, err := name.NewDigest(c.Base); err == nil {
		return digest, nil
	}

	tag, err := name.NewTag(c.Base)
	if err != nil {
		return nil, errors.Wrapf(err, "descriptor: base %q is not a valid reference", c.Base)
	}

	// name.NewTag defaults an untagged reference to "latest", so this also
	// catches bases with no tag at all.
	if tag.TagStr() == "latest" {
		return nil, fmt.Errorf("descriptor: base %q uses a floating tag, pin an exact version", c.Base)
	}

	return tag, nil
}

// SitePackages is the install path for the frozen dependency set.
func (c Config) SitePackages() string {
	return "/opt/venv/lib/python" + c.Python + "/site-packages"
}

// Command is the launch directive: the single process executed as the
// container's main process, bound to all interfaces on the fixed port.
func (c Config) Command() []string {
	return []string{
		"python", "-m", "uvicorn", c.App,
		"--host", "0.0.0.0",
		"--port", strconv.Itoa(c.Port),
	}
}

// Environment returns the full, fixed environment applied to the image:
// the pinned variables, the site-packages path, and descriptor extras, as
// sorted KEY=value pairs.
func (c Config) Environment() []string {
	vars := map[string]string{
		"PYTHONPATH": c.SitePackages(),
	}
	for k, v := range ReservedEnv {
		vars[k] = v
	}
	for k, v := range c.Env {
		vars[k] = v
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	return env
}
