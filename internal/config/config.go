package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/crashguard/internal/env"
	"github.com/loykin/crashguard/internal/logger"
	"github.com/loykin/crashguard/internal/policy"
	"github.com/loykin/crashguard/internal/process"
	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure so callers can map it to an exit code.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix is the prefix for environment overrides, e.g. CRASHGUARD_POLICY_MAX_RESTARTS.
const EnvPrefix = "CRASHGUARD"

const DefaultName = "gameserver"

type Config struct {
	Name     string            `mapstructure:"name" yaml:"name"`
	Policy   policy.Limits     `mapstructure:"policy" yaml:"policy"`
	Ledger   LedgerConfig      `mapstructure:"ledger" yaml:"ledger"`
	Child    ChildConfig       `mapstructure:"child" yaml:"child"`
	Reporter ReporterConfig    `mapstructure:"reporter" yaml:"reporter"`
	Log      logger.SlogConfig `mapstructure:"log" yaml:"log"`
	Server   ServerConfig      `mapstructure:"server" yaml:"server"`
	Metrics  MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

type LedgerConfig struct {
	// Location is a file path or DSN (sqlite://, postgres://, memory://).
	Location string `mapstructure:"location" yaml:"location"`
}

type ChildConfig struct {
	Path        string            `mapstructure:"path" yaml:"path"`
	Args        []string          `mapstructure:"args" yaml:"args"`
	WorkDir     string            `mapstructure:"workdir" yaml:"workdir"`
	Env         []string          `mapstructure:"env" yaml:"env"`
	EnvFiles    []string          `mapstructure:"env_files" yaml:"env_files"`
	UseOSEnv    bool              `mapstructure:"use_os_env" yaml:"use_os_env"`
	StopTimeout time.Duration     `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	Log         logger.FileConfig `mapstructure:"log" yaml:"log"`
}

type ReporterConfig struct {
	Endpoint  string        `mapstructure:"endpoint" yaml:"endpoint"`
	Token     string        `mapstructure:"token" yaml:"token"`
	QueueSize int           `mapstructure:"queue_size" yaml:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Table     string        `mapstructure:"table" yaml:"table"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen" yaml:"listen"`
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// NewViper returns a viper instance with defaults and environment binding set up.
// Callers may bind cobra flags onto it before calling Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// SetDefaults registers every key so AutomaticEnv can resolve it during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("name", DefaultName)
	v.SetDefault("policy.max_restarts", 3)
	v.SetDefault("policy.time_window_seconds", 600)
	v.SetDefault("policy.restart_delay_seconds", 5)
	v.SetDefault("ledger.location", "")
	v.SetDefault("child.path", "")
	v.SetDefault("child.args", []string{})
	v.SetDefault("child.workdir", "")
	v.SetDefault("child.env", []string{})
	v.SetDefault("child.env_files", []string{})
	v.SetDefault("child.use_os_env", true)
	v.SetDefault("child.stop_timeout", process.DefaultStopTimeout)
	v.SetDefault("child.log.dir", "")
	v.SetDefault("child.log.stdout", "")
	v.SetDefault("child.log.stderr", "")
	v.SetDefault("reporter.endpoint", "")
	v.SetDefault("reporter.token", "")
	v.SetDefault("reporter.queue_size", 64)
	v.SetDefault("reporter.timeout", 5*time.Second)
	v.SetDefault("reporter.table", "")
	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.format", logger.FormatText)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.file", "")
	v.SetDefault("server.listen", "")
	v.SetDefault("server.base_path", "")
	v.SetDefault("metrics.enabled", false)
}

// Load reads path (when non-empty) into v, unmarshals and validates.
// The file type follows the extension; files without one are read as TOML.
func Load(v *viper.Viper, path string) (*Config, error) {
	c, err := Decode(v, path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Decode is Load without validation, for tools that only inspect the
// ledger or print the effective configuration.
func Decode(v *viper.Viper, path string) (*Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrInvalid, path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalid, err)
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.Ledger.Location == "" {
		c.Ledger.Location = DefaultLedgerLocation(c.Name)
	}
}

// DefaultLedgerLocation is the ledger file used when none is configured.
func DefaultLedgerLocation(name string) string {
	return "./" + name + ".crashes"
}

// Validate checks the parts the supervisor cannot start without.
func (c *Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if strings.TrimSpace(c.Child.Path) == "" {
		return fmt.Errorf("%w: child.path is required", ErrInvalid)
	}
	if strings.ContainsAny(c.Name, `/\`) {
		return fmt.Errorf("%w: name %q must not contain path separators", ErrInvalid, c.Name)
	}
	if c.Child.StopTimeout < 0 {
		return fmt.Errorf("%w: child.stop_timeout must be >= 0", ErrInvalid)
	}
	if c.Reporter.QueueSize < 0 {
		return fmt.Errorf("%w: reporter.queue_size must be >= 0", ErrInvalid)
	}
	if c.Reporter.Timeout < 0 {
		return fmt.Errorf("%w: reporter.timeout must be >= 0", ErrInvalid)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("%w: log: %v", ErrInvalid, err)
	}
	return nil
}

// Environment composes the child's environment from OS env, env files and child.env.
func (cc ChildConfig) Environment() ([]string, error) {
	e := env.New()
	e.UseOS = cc.UseOSEnv
	for _, f := range cc.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, err
		}
	}
	return e.Merge(cc.Env), nil
}

// ProcessSpec builds the launch spec for the child.
func (c *Config) ProcessSpec() (process.Spec, error) {
	environ, err := c.Child.Environment()
	if err != nil {
		return process.Spec{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return process.Spec{
		Name:        c.Name,
		Path:        c.Child.Path,
		Args:        c.Child.Args,
		WorkDir:     c.Child.WorkDir,
		Env:         environ,
		StopTimeout: c.Child.StopTimeout,
		Log:         c.Child.Log,
	}, nil
}
