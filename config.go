package nativesvc

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables read by LoadConfig
const EnvPrefix = "NATIVESVC"

// Config describes one managed service
type Config struct {
	// Name identifies the service in the native facility. It becomes a file
	// name, a launchd label component and a task name.
	Name string `mapstructure:"name"`

	// AppDir is the service's working directory. It is owned exclusively by
	// the service and removed wholesale on uninstall. Defaults to
	// DataDir(Vendor)/Name.
	AppDir string `mapstructure:"app_dir"`

	// Vendor namespaces the launchd label (com.<vendor>.<name>) and the
	// default data directory
	Vendor string `mapstructure:"vendor"`

	// PollInterval is the convergence sampling interval (zero = platform default)
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// WaitTimeout bounds convergence after start and stop (zero = platform default)
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`

	// CommandTimeout bounds each native tool invocation
	CommandTimeout time.Duration `mapstructure:"command_timeout"`

	// RestartThrottle is the delay before a crashed payload is restarted
	RestartThrottle time.Duration `mapstructure:"restart_throttle"`
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate checks the descriptor without touching the filesystem
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidConfig)
	}
	if !validName.MatchString(c.Name) || strings.Contains(c.Name, "..") {
		return fmt.Errorf("%w: name %q may only contain letters, digits, '.', '_' and '-'", ErrInvalidConfig, c.Name)
	}
	if c.Vendor != "" && !validName.MatchString(c.Vendor) {
		return fmt.Errorf("%w: vendor %q may only contain letters, digits, '.', '_' and '-'", ErrInvalidConfig, c.Vendor)
	}
	if c.AppDir != "" && !filepath.IsAbs(c.AppDir) {
		return fmt.Errorf("%w: app dir %q must be absolute", ErrInvalidConfig, c.AppDir)
	}
	for name, d := range map[string]time.Duration{
		"poll_interval":    c.PollInterval,
		"wait_timeout":     c.WaitTimeout,
		"command_timeout":  c.CommandTimeout,
		"restart_throttle": c.RestartThrottle,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s is negative", ErrInvalidConfig, name)
		}
	}
	return nil
}

// withDefaults fills unset fields that do not depend on the facility
func (c Config) withDefaults() (Config, error) {
	if c.Vendor == "" {
		c.Vendor = DefaultVendor
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.RestartThrottle == 0 {
		c.RestartThrottle = DefaultRestartThrottle
	}
	if c.AppDir == "" {
		dir, err := DataDir(c.Vendor)
		if err != nil {
			return c, fmt.Errorf("%w: resolve app dir: %v", ErrInvalidConfig, err)
		}
		c.AppDir = filepath.Join(dir, c.Name)
	}
	return c, nil
}

// LoadConfig reads a Config from a YAML, JSON or TOML file. Every key can be
// overridden by an environment variable such as NATIVESVC_NAME or
// NATIVESVC_POLL_INTERVAL. An empty path reads the environment only.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "")
	v.SetDefault("app_dir", "")
	v.SetDefault("vendor", DefaultVendor)
	v.SetDefault("poll_interval", time.Duration(0))
	v.SetDefault("wait_timeout", time.Duration(0))
	v.SetDefault("command_timeout", DefaultCommandTimeout)
	v.SetDefault("restart_throttle", DefaultRestartThrottle)
}
