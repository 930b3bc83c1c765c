// Package config loads the niviz runtime configuration.
//
// Values are layered, lowest to highest precedence: built-in defaults, the
// user config file, an explicit --config file, NIVIZ_* environment
// variables, then runtime overrides (usually command-line flags).
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery and env mapping.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is used until SetIdentity is called.
var DefaultIdentity = Identity{BinaryName: "niviz", EnvPrefix: "NIVIZ", ConfigName: "niviz"}

// Config is the decoded configuration.
type Config struct {
	// Workers bounds concurrent render jobs.
	Workers int `mapstructure:"workers"`

	// JobTimeout is the per-job render limit. Zero disables it.
	JobTimeout time.Duration `mapstructure:"job_timeout"`

	// RateLimit caps job dispatches per second. Zero disables it.
	RateLimit float64 `mapstructure:"rate_limit"`

	// IndexDB is the snapshot database. Empty means the app data dir.
	IndexDB string `mapstructure:"index_db"`

	Logging LoggingConfig `mapstructure:"logging"`
	Server  ServerConfig  `mapstructure:"server"`
	Publish PublishConfig `mapstructure:"publish"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type PublishConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// EnvSpec maps one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetIdentity replaces the application identity.
func SetIdentity(id Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = &id
}

// SetConfigFile sets an explicit config file to merge over the user file.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// GetIdentity returns the current identity, or nil if none is set.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return nil
	}
	id := *appIdentity
	return &id
}

// SetDefaults installs the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workers", runtime.NumCPU())
	v.SetDefault("job_timeout", "5m")
	v.SetDefault("rate_limit", 0)
	v.SetDefault("index_db", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("publish.concurrency", 8)
	v.SetDefault("publish.backoff", "200ms")
}

// Load builds the configuration and makes it the current one.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := mergeFile(v, path); err != nil {
			return nil, err
		}
		break
	}
	if explicit != "" {
		if err := mergeFile(v, explicit); err != nil {
			return nil, err
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	out := cfg
	return &out, nil
}

// GetConfig returns a copy of the last loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	if appConfig == nil {
		return nil
	}
	cfg := *appConfig
	return &cfg
}

// Validate checks value ranges viper cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}
	if c.JobTimeout < 0 {
		errs = append(errs, fmt.Errorf("job_timeout must be >= 0, got %s", c.JobTimeout))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must be >= 0, got %g", c.RateLimit))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}
	if c.Publish.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("publish.concurrency must be >= 1, got %d", c.Publish.Concurrency))
	}
	return errors.Join(errs...)
}

func mergeFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// getUserConfigPaths lists candidate user config files in priority order.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	base := filepath.Join(dir, id.ConfigName)
	return []string{
		filepath.Join(base, "config.yaml"),
		filepath.Join(base, "config.yml"),
		filepath.Join(base, "config.toml"),
		filepath.Join(base, "config.json"),
	}
}

// envKeys maps env suffixes to config paths.
var envKeys = map[string]string{
	"WORKERS":          "workers",
	"JOB_TIMEOUT":      "job_timeout",
	"RATE_LIMIT":       "rate_limit",
	"INDEX_DB":         "index_db",
	"LOG_LEVEL":        "logging.level",
	"LOG_FORMAT":       "logging.format",
	"HOST":             "server.host",
	"PORT":             "server.port",
	"READ_TIMEOUT":     "server.read_timeout",
	"WRITE_TIMEOUT":    "server.write_timeout",
	"IDLE_TIMEOUT":     "server.idle_timeout",
	"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
	"PUBLISH_WORKERS":  "publish.concurrency",
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}

	specs := make([]EnvSpec, 0, len(envKeys))
	for suffix, path := range envKeys {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + "_" + suffix, Path: path})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
