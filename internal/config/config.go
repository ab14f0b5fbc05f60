package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the YAML file read when Load is given no path.
const ConfigFileEnv = "AGENTDEPLOY_CONFIG_FILE"

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all configuration for the agentdeploy server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	GCloud   GCloudConfig   `yaml:"gcloud"`
	Deploy   DeployConfig   `yaml:"deploy"`
	SSH      SSHConfig      `yaml:"ssh"`
	Extract  ExtractConfig  `yaml:"extract"`
}

type ServerConfig struct {
	Port            int    `yaml:"port"`
	Env             string `yaml:"env"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|text
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RedisConfig is optional. An empty URL disables rate limiting, poller
// leases and the inventory cache.
type RedisConfig struct {
	URL string `yaml:"url"`
}

type GCloudConfig struct {
	Binary         string        `yaml:"binary"`
	Zone           string        `yaml:"zone"`
	Project        string        `yaml:"project"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type DeployConfig struct {
	LaunchScript      string        `yaml:"launch_script"`
	LaunchTimeout     time.Duration `yaml:"launch_timeout"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxWait           time.Duration `yaml:"max_wait"`
	FallbackTimeout   time.Duration `yaml:"fallback_timeout"`
	RunningMarker     string        `yaml:"running_marker"`
	StartingMarker    string        `yaml:"starting_marker"`
	InstancePattern   string        `yaml:"instance_pattern"`
	RetentionAge      time.Duration `yaml:"retention_age"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

type SSHConfig struct {
	Dir     string `yaml:"dir"`
	KeyName string `yaml:"key_name"`
	KeyBits int    `yaml:"key_bits"`
	User    string `yaml:"user"`
}

type ExtractConfig struct {
	RemoteDBPath string        `yaml:"remote_db_path"`
	InventoryTTL time.Duration `yaml:"inventory_ttl"`
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"json": true, "text": true}
)

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, Env: "development", RateLimitPerMin: 60},
		Log:    LogConfig{Level: "info", Format: "json"},
		Store:  StoreConfig{Driver: DriverPostgres},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		GCloud: GCloudConfig{
			Binary:         "gcloud",
			Zone:           "us-central1-f",
			CommandTimeout: 2 * time.Minute,
		},
		Deploy: DeployConfig{
			LaunchScript:      "./deploy.sh",
			LaunchTimeout:     45 * time.Minute,
			PollInterval:      30 * time.Second,
			MaxWait:           time.Hour,
			FallbackTimeout:   2 * time.Hour,
			RetentionAge:      24 * time.Hour,
			RetentionInterval: time.Hour,
		},
		SSH: SSHConfig{
			Dir:     "~/.ssh",
			KeyName: "agentdeploy_service_key",
			KeyBits: 4096,
			User:    "ubuntu",
		},
		Extract: ExtractConfig{
			RemoteDBPath: "/home/ubuntu/eliza/agent/data/db.sqlite",
			InventoryTTL: 15 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (or $AGENTDEPLOY_CONFIG_FILE when path is empty), then environment
// variables. The result is validated before it is returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	dir, err := expandHome(cfg.SSH.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve ssh dir: %w", err)
	}
	cfg.SSH.Dir = dir

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	e := &envReader{}

	e.int("AGENTDEPLOY_PORT", &c.Server.Port)
	e.string("AGENTDEPLOY_ENV", &c.Server.Env)
	e.int("AGENTDEPLOY_RATE_LIMIT_PER_MIN", &c.Server.RateLimitPerMin)
	e.string("AGENTDEPLOY_LOG_LEVEL", &c.Log.Level)
	e.string("AGENTDEPLOY_LOG_FORMAT", &c.Log.Format)
	e.string("AGENTDEPLOY_STORE_DRIVER", &c.Store.Driver)

	e.string("DATABASE_URL", &c.Database.URL)
	e.int("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	e.int("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	e.duration("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetime)
	e.bool("DATABASE_AUTO_MIGRATE", &c.Database.AutoMigrate)

	e.string("REDIS_URL", &c.Redis.URL)

	e.string("GCLOUD_BINARY", &c.GCloud.Binary)
	e.string("GCLOUD_ZONE", &c.GCloud.Zone)
	e.string("GCLOUD_PROJECT", &c.GCloud.Project)
	e.duration("GCLOUD_COMMAND_TIMEOUT", &c.GCloud.CommandTimeout)

	e.string("AGENTDEPLOY_LAUNCH_SCRIPT", &c.Deploy.LaunchScript)
	e.duration("AGENTDEPLOY_LAUNCH_TIMEOUT", &c.Deploy.LaunchTimeout)
	e.duration("AGENTDEPLOY_POLL_INTERVAL", &c.Deploy.PollInterval)
	e.duration("AGENTDEPLOY_MAX_WAIT", &c.Deploy.MaxWait)
	e.duration("AGENTDEPLOY_FALLBACK_TIMEOUT", &c.Deploy.FallbackTimeout)
	e.string("AGENTDEPLOY_RUNNING_MARKER", &c.Deploy.RunningMarker)
	e.string("AGENTDEPLOY_STARTING_MARKER", &c.Deploy.StartingMarker)
	e.string("AGENTDEPLOY_INSTANCE_PATTERN", &c.Deploy.InstancePattern)
	e.duration("AGENTDEPLOY_RETENTION_AGE", &c.Deploy.RetentionAge)
	e.duration("AGENTDEPLOY_RETENTION_INTERVAL", &c.Deploy.RetentionInterval)

	e.string("SSH_DIR", &c.SSH.Dir)
	e.string("SSH_KEY_NAME", &c.SSH.KeyName)
	e.int("SSH_KEY_BITS", &c.SSH.KeyBits)
	e.string("SSH_USER", &c.SSH.User)

	e.string("REMOTE_DB_PATH", &c.Extract.RemoteDBPath)
	e.duration("AGENTDEPLOY_INVENTORY_TTL", &c.Extract.InventoryTTL)

	return e.err
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("AGENTDEPLOY_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RateLimitPerMin <= 0 {
		return fmt.Errorf("AGENTDEPLOY_RATE_LIMIT_PER_MIN must be positive")
	}

	if !validLevels[c.Log.Level] {
		return fmt.Errorf("AGENTDEPLOY_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Log.Level)
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("AGENTDEPLOY_LOG_FORMAT must be json or text; got %q", c.Log.Format)
	}

	switch c.Store.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when AGENTDEPLOY_STORE_DRIVER is postgres")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("AGENTDEPLOY_STORE_DRIVER must be postgres or memory; got %q", c.Store.Driver)
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.GCloud.Binary == "" {
		return fmt.Errorf("GCLOUD_BINARY is required")
	}
	if c.Deploy.LaunchScript == "" {
		return fmt.Errorf("AGENTDEPLOY_LAUNCH_SCRIPT is required")
	}

	for name, d := range map[string]time.Duration{
		"GCLOUD_COMMAND_TIMEOUT":         c.GCloud.CommandTimeout,
		"AGENTDEPLOY_LAUNCH_TIMEOUT":     c.Deploy.LaunchTimeout,
		"AGENTDEPLOY_POLL_INTERVAL":      c.Deploy.PollInterval,
		"AGENTDEPLOY_MAX_WAIT":           c.Deploy.MaxWait,
		"AGENTDEPLOY_FALLBACK_TIMEOUT":   c.Deploy.FallbackTimeout,
		"AGENTDEPLOY_RETENTION_AGE":      c.Deploy.RetentionAge,
		"AGENTDEPLOY_RETENTION_INTERVAL": c.Deploy.RetentionInterval,
		"AGENTDEPLOY_INVENTORY_TTL":      c.Extract.InventoryTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Deploy.PollInterval > c.Deploy.MaxWait {
		return fmt.Errorf("AGENTDEPLOY_POLL_INTERVAL (%s) must not exceed AGENTDEPLOY_MAX_WAIT (%s)",
			c.Deploy.PollInterval, c.Deploy.MaxWait)
	}

	if c.Deploy.InstancePattern != "" {
		if _, err := regexp.Compile(c.Deploy.InstancePattern); err != nil {
			return fmt.Errorf("AGENTDEPLOY_INSTANCE_PATTERN is not a valid regexp: %w", err)
		}
	}

	if c.SSH.KeyBits < 2048 {
		return fmt.Errorf("SSH_KEY_BITS must be at least 2048, got %d", c.SSH.KeyBits)
	}
	if c.SSH.User == "" {
		return fmt.Errorf("SSH_USER is required")
	}
	if c.Extract.RemoteDBPath == "" {
		return fmt.Errorf("REMOTE_DB_PATH is required")
	}

	return nil
}

// envReader overrides fields from set environment variables and keeps the
// first parse failure.
type envReader struct {
	err error
}

func (e *envReader) lookup(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := os.LookupEnv(key)
	return v, ok && v != ""
}

func (e *envReader) string(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("%s must be an integer, got %q", key, v)
		return
	}
	*dst = i
}

func (e *envReader) bool(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = fmt.Errorf("%s must be a boolean, got %q", key, v)
		return
	}
	*dst = b
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("%s must be a duration like 30s or 5m, got %q", key, v)
		return
	}
	*dst = d
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
