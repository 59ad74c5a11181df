// Package config loads the immutable service configuration. The value is
// constructed once at startup and passed explicitly into every component
// that needs it; nothing in this package is a process-global.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultDistro is assumed when a request does not name a distribution.
const DefaultDistro = "lede"

// Duration wraps time.Duration for YAML fields like "30m" or "1h".
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Distribution describes one supported distribution.
type Distribution struct {
	// ImagebuilderURL is the base URL the prebuilt imagebuilder archives
	// are published under, e.g. https://downloads.lede-project.org/releases.
	ImagebuilderURL string `yaml:"imagebuilder_url"`
	// Latest is the release substituted when a request omits the version.
	Latest string `yaml:"latest"`
	// ImagebuilderRelease overrides the toolchain release when the
	// distribution versions independently of the imagebuilder it is built
	// with (e.g. libremesh on top of a lede imagebuilder). Empty means the
	// requested release is also the toolchain release.
	ImagebuilderRelease string `yaml:"imagebuilder_release,omitempty"`
}

// Config is the full service configuration shared by the intake server and
// the workers.
type Config struct {
	// ServerURL is where workers POST signed build results.
	ServerURL string `yaml:"server_url"`

	Distributions map[string]Distribution `yaml:"distributions"`

	// DownloadDir is the public download tree; built images are published
	// under <download_dir>/<distro>/<release>/<target>/<subtarget>/...,
	// failure logs under <download_dir>/faillogs.
	DownloadDir string `yaml:"download_dir"`
	// TempDir is the scratch root for build directories and in-flight
	// uploads. Worker-local, never shared.
	TempDir string `yaml:"temp_dir"`
	// ImagebuilderDir holds extracted imagebuilder trees, keyed by
	// <distro>/<release>/<target>/<subtarget>.
	ImagebuilderDir string `yaml:"imagebuilder_dir"`
	// NetworkProfileDir holds the optional overlay directories baked into
	// images via FILES=.
	NetworkProfileDir string `yaml:"network_profile_dir"`

	// RepositoriesTemplate is the repositories.conf template installed into
	// every provisioned imagebuilder, with {{ release }}, {{ target }},
	// {{ subtarget }} and {{ pkg_arch }} substituted.
	RepositoriesTemplate string `yaml:"repositories_template"`
	// MakefilePath is the managed build-rules file that replaces the
	// toolchain's own copy.
	MakefilePath string `yaml:"makefile"`

	SignImages bool   `yaml:"sign_images"`
	KeyDir     string `yaml:"key_dir"`

	BuildTimeout      Duration `yaml:"build_timeout"`
	ProvisionTimeout  Duration `yaml:"provision_timeout"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	// PackageSyncMaxAge is how old a subtarget's package catalogue may get
	// before intake considers it stale and requests a refresh.
	PackageSyncMaxAge Duration `yaml:"package_sync_max_age"`

	// MaxSkills caps how many imagebuilders a single worker materialises;
	// zero means unlimited.
	MaxSkills int `yaml:"max_skills"`
}

// Load reads and validates the configuration file.
func Load(path string) (Config, error) {
	var c Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(raw, &c); err != nil {
		return c, fmt.Errorf("failed to parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.BuildTimeout.Duration == 0 {
		c.BuildTimeout.Duration = time.Hour
	}
	if c.ProvisionTimeout.Duration == 0 {
		c.ProvisionTimeout.Duration = 30 * time.Minute
	}
	if c.HeartbeatInterval.Duration == 0 {
		c.HeartbeatInterval.Duration = 5 * time.Second
	}
	if c.PackageSyncMaxAge.Duration == 0 {
		c.PackageSyncMaxAge.Duration = 24 * time.Hour
	}
}

func (c *Config) validate() error {
	if len(c.Distributions) == 0 {
		return fmt.Errorf("no distributions configured")
	}
	if _, ok := c.Distributions[DefaultDistro]; !ok {
		return fmt.Errorf("default distribution %q must be configured", DefaultDistro)
	}
	for name, distro := range c.Distributions {
		if distro.ImagebuilderURL == "" {
			return fmt.Errorf("distribution %q: imagebuilder_url is required", name)
		}
		if distro.Latest == "" {
			return fmt.Errorf("distribution %q: latest is required", name)
		}
	}
	for flag, value := range map[string]string{
		"download_dir":     c.DownloadDir,
		"temp_dir":         c.TempDir,
		"imagebuilder_dir": c.ImagebuilderDir,
	} {
		if value == "" {
			return fmt.Errorf("%s is required", flag)
		}
	}
	return nil
}

// Distro returns the distribution configuration and whether it is known.
func (c Config) Distro(name string) (Distribution, bool) {
	d, ok := c.Distributions[name]
	return d, ok
}
