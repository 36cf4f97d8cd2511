package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FileNames are the configuration file names searched for, in order.
var FileNames = []string{"nq.toml", "nq.yaml", "nq.yml"}

// DefaultRemote is used when a package does not name a remote.
const DefaultRemote = "origin"

// ErrNotFound is returned when no configuration file is found.
var ErrNotFound = errors.New("no nq.toml found in the current directory or any parent directory")

// Config represents the complete nq configuration
type Config struct {
	// WorkspacePrefix is joined between the config directory and each package directory.
	WorkspacePrefix string             `toml:"workspace_prefix" yaml:"workspace_prefix"`
	Auth            AuthConfig         `toml:"auth" yaml:"auth"`
	Patches         map[string]Package `toml:"patches" yaml:"patches"`

	// Dir is the absolute directory containing the configuration file.
	Dir string `toml:"-" yaml:"-"`
}

// Package configures one patched submodule
type Package struct {
	// Repo is the submodule directory inside the package workspace; defaults to the package name.
	Repo    string   `toml:"repo" yaml:"repo"`
	Aliases []string `toml:"aliases" yaml:"aliases"`
	Remote  string   `toml:"remote" yaml:"remote"`
}

// AuthConfig configures Git authentication for fetches
type AuthConfig struct {
	SSHKeyFile     string `toml:"ssh_key_file" yaml:"ssh_key_file"`
	HTTPSTokenFile string `toml:"https_token_file" yaml:"https_token_file"`
}

// Target is a package with its paths resolved against the configuration directory.
type Target struct {
	Name    string
	Aliases []string
	// Workspace is the package directory holding the patch files.
	Workspace string
	// RepoPath is the submodule working tree.
	RepoPath string
	Remote   string
}

// Discover walks up from start looking for a configuration file.
func Discover(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", start, err)
	}

	for {
		for _, name := range FileNames {
			candidate := filepath.Join(dir, name)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	// Read file
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch ext := filepath.Ext(abs); ext {
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("unsupported config file extension %q (use .toml, .yaml or .yml)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.Dir = filepath.Dir(abs)

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.WorkspacePrefix = os.ExpandEnv(c.WorkspacePrefix)
	c.Auth.SSHKeyFile = os.ExpandEnv(c.Auth.SSHKeyFile)
	c.Auth.HTTPSTokenFile = os.ExpandEnv(c.Auth.HTTPSTokenFile)
	for name, pkg := range c.Patches {
		pkg.Repo = os.ExpandEnv(pkg.Repo)
		pkg.Remote = os.ExpandEnv(pkg.Remote)
		c.Patches[name] = pkg
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	for name, pkg := range c.Patches {
		if pkg.Repo == "" {
			pkg.Repo = name
		}
		if pkg.Remote == "" {
			pkg.Remote = DefaultRemote
		}
		c.Patches[name] = pkg
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Patches) == 0 {
		return fmt.Errorf("no packages configured under [patches]")
	}

	if filepath.IsAbs(c.WorkspacePrefix) {
		return fmt.Errorf("workspace_prefix must be relative to the config directory: %s", c.WorkspacePrefix)
	}
	if escapes(c.WorkspacePrefix) {
		return fmt.Errorf("workspace_prefix must not leave the config directory: %s", c.WorkspacePrefix)
	}

	owners := make(map[string]string)
	for _, name := range c.names() {
		pkg := c.Patches[name]
		if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return fmt.Errorf("invalid package name %q", name)
		}
		if pkg.Repo != "" && (filepath.IsAbs(pkg.Repo) || escapes(pkg.Repo)) {
			return fmt.Errorf("patches.%s.repo must be a relative path inside the package directory: %s", name, pkg.Repo)
		}
		for _, alias := range pkg.Aliases {
			if alias == "" {
				return fmt.Errorf("patches.%s.aliases contains an empty alias", name)
			}
			if _, ok := c.Patches[alias]; ok && alias != name {
				return fmt.Errorf("alias %q of %s shadows the package of the same name", alias, name)
			}
			if owner, ok := owners[alias]; ok && owner != name {
				return fmt.Errorf("alias %q is used by both %s and %s", alias, owner, name)
			}
			owners[alias] = name
		}
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	return nil
}

// Resolve maps a package name or alias to the package name.
func (c *Config) Resolve(name string) (string, error) {
	if _, ok := c.Patches[name]; ok {
		return name, nil
	}
	for _, pkgName := range c.names() {
		for _, alias := range c.Patches[pkgName].Aliases {
			if alias == name {
				return pkgName, nil
			}
		}
	}
	return "", fmt.Errorf("no package named %q in %s", name, c.Dir)
}

// Target resolves a package name or alias to its paths.
func (c *Config) Target(name string) (Target, error) {
	resolved, err := c.Resolve(name)
	if err != nil {
		return Target{}, err
	}
	pkg := c.Patches[resolved]

	workspace := filepath.Join(c.Dir, c.WorkspacePrefix, resolved)
	return Target{
		Name:      resolved,
		Aliases:   pkg.Aliases,
		Workspace: workspace,
		RepoPath:  filepath.Join(workspace, pkg.Repo),
		Remote:    pkg.Remote,
	}, nil
}

// Targets returns every configured package, sorted by name.
func (c *Config) Targets() []Target {
	names := c.names()
	targets := make([]Target, 0, len(names))
	for _, name := range names {
		// names come from the map, so resolution cannot fail
		target, _ := c.Target(name)
		targets = append(targets, target)
	}
	return targets
}

// TargetForDir returns the package whose workspace contains dir.
func (c *Config) TargetForDir(dir string) (Target, bool) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return Target{}, false
	}
	for _, target := range c.Targets() {
		rel, err := filepath.Rel(target.Workspace, abs)
		if err == nil && !escapes(rel) {
			return target, true
		}
	}
	return Target{}, false
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

func (c *Config) names() []string {
	names := make([]string, 0, len(c.Patches))
	for name := range c.Patches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// escapes reports whether a relative path climbs above its starting point.
func escapes(rel string) bool {
	rel = filepath.Clean(rel)
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
