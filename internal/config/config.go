// Package config loads the repository configuration from monorel.yaml with
// MONOREL_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"monorel/internal/semver"
)

// FileName is the configuration file looked up at the repository root.
const FileName = "monorel.yaml"

// Independent is the version value that selects independent mode.
const Independent = "independent"

// ErrInvalidMode is returned when version is neither "independent" nor a
// valid semantic version.
var ErrInvalidMode = errors.New("EINVALIDMODE: version must be \"independent\" or a semantic version")

// VersionCommand holds defaults for the version command.
type VersionCommand struct {
	Exact               bool   `yaml:"exact"`
	ConventionalCommits bool   `yaml:"conventionalCommits"`
	Message             string `yaml:"message"`
	NoPrivate           bool   `yaml:"noPrivate"`
	Push                bool   `yaml:"push"`
	PreID               string `yaml:"preid"`
	Remote              string `yaml:"remote"`
}

// PublishCommand holds defaults for the publish command.
type PublishCommand struct {
	Registry string `yaml:"registry"`
	DistTag  string `yaml:"distTag"`
	PreID    string `yaml:"preid"`
}

// Config holds repository configuration.
type Config struct {
	// Version is the fixed-mode repository version or "independent". Empty
	// selects fixed mode starting from the highest package version.
	Version string `yaml:"version"`
	// Packages are doublestar globs of package directories.
	Packages []string `yaml:"packages"`
	// IgnoreChanges are globs of files that never mark a package changed.
	IgnoreChanges []string `yaml:"ignoreChanges"`
	// Concurrency is the raw task concurrency; see batch.ParseConcurrency.
	Concurrency string `yaml:"concurrency"`
	// RejectCycles fails on dependency cycles instead of warning.
	RejectCycles bool `yaml:"rejectCycles"`
	// TagVersionPrefix prefixes fixed-mode tags.
	TagVersionPrefix string `yaml:"tagVersionPrefix"`
	// NPMClient is the executable used for scripts and publishing.
	NPMClient string `yaml:"npmClient"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"logLevel"`

	Command struct {
		Version VersionCommand `yaml:"version"`
		Publish PublishCommand `yaml:"publish"`
	} `yaml:"command"`

	// Root is the directory holding the configuration file.
	Root string `yaml:"-"`
	// Found reports whether the file existed.
	Found bool `yaml:"-"`
}

// Default returns the configuration used when no file exists.
func Default(root string) *Config {
	cfg := &Config{
		Packages:         []string{"packages/*"},
		Concurrency:      "",
		TagVersionPrefix: "v",
		NPMClient:        "npm",
		LogLevel:         "info",
		Root:             root,
	}
	cfg.Command.Version.Push = true
	return cfg
}

// Load reads root/monorel.yaml and applies environment overrides. A missing
// file yields the defaults.
func Load(root string) (*Config, error) {
	cfg := Default(root)

	data, err := os.ReadFile(filepath.Join(root, FileName))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		cfg.Found = true
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Concurrency = getEnv("MONOREL_CONCURRENCY", c.Concurrency)
	c.RejectCycles = getEnvBool("MONOREL_REJECT_CYCLES", c.RejectCycles)
	c.NPMClient = getEnv("MONOREL_NPM_CLIENT", c.NPMClient)
	c.LogLevel = getEnv("MONOREL_LOGLEVEL", c.LogLevel)
}

// Validate checks the version field.
func (c *Config) Validate() error {
	if c.Version == "" || c.Version == Independent || semver.Valid(c.Version) {
		return nil
	}
	return fmt.Errorf("%w: got %q", ErrInvalidMode, c.Version)
}

// IsIndependent reports whether packages are versioned independently.
func (c *Config) IsIndependent() bool { return c.Version == Independent }

// Path returns the configuration file path.
func (c *Config) Path() string { return filepath.Join(c.Root, FileName) }

// Save writes version as the new repository version. Other content of an
// existing file, comments included, is preserved.
func (c *Config) Save(version string) error {
	var doc yaml.Node
	data, err := os.ReadFile(c.Path())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading config file: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config file: top level must be a mapping")
	}
	setScalar(root, "version", version)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("encoding config file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config file: %w", err)
	}
	if err := os.WriteFile(c.Path(), buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	c.Version = version
	c.Found = true
	return nil
}

func setScalar(mapping *yaml.Node, key, value string) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1].Kind = yaml.ScalarNode
			mapping.Content[i+1].Tag = "!!str"
			mapping.Content[i+1].Value = value
			mapping.Content[i+1].Content = nil
			return
		}
	}
	mapping.Content = append([]*yaml.Node{
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		{Kind: yaml.ScalarNode, Tag: "!!str", Value: value},
	}, mapping.Content...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
