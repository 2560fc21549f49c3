package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/satya-market/access-go/pkg/errdefs"
	"github.com/satya-market/access-go/pkg/registry"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "SEAL"
	Dir       = ".satya"
	FileName  = "config"
)

type Config struct {
	PackageID        string                `mapstructure:"package_id" yaml:"package_id"`
	Threshold        int                   `mapstructure:"threshold" yaml:"threshold"`
	// MinServers is how many key servers receive a share of each data key.
	// Zero means every usable server.
	MinServers       int                   `mapstructure:"min_servers" yaml:"min_servers,omitempty"`
	ResolveNamespace bool                  `mapstructure:"resolve_namespace" yaml:"resolve_namespace"`
	KeyServers       []registry.Descriptor `mapstructure:"key_servers" yaml:"key_servers"`
	Ledger           LedgerConfig          `mapstructure:"ledger" yaml:"ledger"`
	Cache            CacheConfig           `mapstructure:"cache" yaml:"cache"`
	Session          SessionConfig         `mapstructure:"session" yaml:"session"`
	Health           HealthConfig          `mapstructure:"health" yaml:"health"`
	Storage          StorageConfig         `mapstructure:"storage" yaml:"storage"`
	Log              LogConfig             `mapstructure:"log" yaml:"log"`
	KeyServer        KeyServerConfig       `mapstructure:"keyserver" yaml:"keyserver,omitempty"`
}

type LedgerConfig struct {
	RPCURL string `mapstructure:"rpc_url" yaml:"rpc_url"`
}

type CacheConfig struct {
	Size int `mapstructure:"size" yaml:"size"`
}

type SessionConfig struct {
	TTLMinutes           int           `mapstructure:"ttl_minutes" yaml:"ttl_minutes"`
	RefreshBeforeMinutes int           `mapstructure:"refresh_before_minutes" yaml:"refresh_before_minutes"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	// ExportKey is a base64 32 byte secretbox key. Sessions are only
	// persisted when it is set.
	ExportKey string `mapstructure:"export_key" yaml:"export_key,omitempty"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type StorageConfig struct {
	Path        string `mapstructure:"path" yaml:"path,omitempty"`
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url,omitempty"`
}

type LogConfig struct {
	Level         string `mapstructure:"level" yaml:"level"`
	Path          string `mapstructure:"path" yaml:"path,omitempty"`
	RotationHours int    `mapstructure:"rotation_hours" yaml:"rotation_hours,omitempty"`
	MaxAgeDays    int    `mapstructure:"max_age_days" yaml:"max_age_days,omitempty"`
}

// KeyServerConfig configures the reference key server run by
// `keyserver start`.
type KeyServerConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr,omitempty"`
	ServerID string `mapstructure:"server_id" yaml:"server_id,omitempty"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file,omitempty"`
	JWKSURL  string `mapstructure:"jwks_url" yaml:"jwks_url,omitempty"`
	Audience string `mapstructure:"audience" yaml:"audience,omitempty"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("package_id", "")
	v.SetDefault("threshold", 2)
	v.SetDefault("min_servers", 0)
	v.SetDefault("resolve_namespace", false)
	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("cache.size", 100)
	v.SetDefault("session.ttl_minutes", 30)
	v.SetDefault("session.refresh_before_minutes", 5)
	v.SetDefault("session.sweep_interval", time.Minute)
	v.SetDefault("session.export_key", "")
	v.SetDefault("health.interval", registry.DefaultInterval)
	v.SetDefault("health.timeout", registry.DefaultTimeout)
	v.SetDefault("storage.path", "")
	v.SetDefault("storage.database_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "")
	v.SetDefault("log.rotation_hours", 24)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("keyserver.addr", ":8080")
	v.SetDefault("keyserver.server_id", "")
	v.SetDefault("keyserver.key_file", "")
	v.SetDefault("keyserver.jwks_url", "")
	v.SetDefault("keyserver.audience", "")
}

// DefaultPath is $HOME/.satya/config.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, Dir, FileName), nil
}

// Load reads the YAML config at path, or from $HOME/.satya and ./.satya
// when path is empty. A missing default file is not an error. Environment
// variables prefixed SEAL_ override file values, e.g. SEAL_SESSION_TTL_MINUTES.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, Dir))
		}
		v.AddConfigPath(Dir)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config: %w", errdefs.ErrConfiguration, err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %w", errdefs.ErrConfiguration, err)
	}
	explicit := explicitActive(v)
	for i := range cfg.KeyServers {
		if explicit != nil && i < len(explicit) && !explicit[i] {
			cfg.KeyServers[i].Active = true
		}
		if cfg.KeyServers[i].Weight <= 0 {
			cfg.KeyServers[i].Weight = 1
		}
		if cfg.KeyServers[i].AccessMode == "" {
			cfg.KeyServers[i].AccessMode = registry.AccessOpen
		}
	}
	return cfg, nil
}

// explicitActive reports for each key_servers entry whether it sets active.
// It returns nil when the raw entries cannot be inspected.
func explicitActive(v *viper.Viper) []bool {
	entries, ok := v.Get("key_servers").([]any)
	if !ok {
		return nil
	}
	out := make([]bool, len(entries))
	for i, e := range entries {
		m, ok := e.(map[string]any)
		if !ok {
			out[i] = true
			continue
		}
		for k := range m {
			if strings.EqualFold(k, "active") {
				out[i] = true
			}
		}
	}
	return out
}

func (c *Config) ActiveServers() int {
	n := 0
	for _, ks := range c.KeyServers {
		if ks.Active {
			n++
		}
	}
	return n
}

// Validate reports the first problem that would keep the client from
// encrypting or decrypting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PackageID) == "" {
		return fmt.Errorf("%w: package_id is required", errdefs.ErrConfiguration)
	}
	active := c.ActiveServers()
	if active == 0 {
		return fmt.Errorf("%w: no active key servers", errdefs.ErrConfiguration)
	}
	if c.Threshold < 1 || c.Threshold > active {
		return fmt.Errorf("%w: threshold %d must be between 1 and %d active key servers", errdefs.ErrConfiguration, c.Threshold, active)
	}
	if c.MinServers < 0 {
		return fmt.Errorf("%w: min_servers cannot be negative", errdefs.ErrConfiguration)
	}
	seen := make(map[string]bool, len(c.KeyServers))
	for _, ks := range c.KeyServers {
		switch {
		case ks.ID == "":
			return fmt.Errorf("%w: key server without object_id", errdefs.ErrConfiguration)
		case seen[ks.ID]:
			return fmt.Errorf("%w: duplicate key server %s", errdefs.ErrConfiguration, ks.ID)
		case ks.URL == "":
			return fmt.Errorf("%w: key server %s has no url", errdefs.ErrConfiguration, ks.ID)
		case ks.AccessMode != registry.AccessOpen && ks.AccessMode != registry.AccessPermissioned:
			return fmt.Errorf("%w: key server %s has unknown access_mode %q", errdefs.ErrConfiguration, ks.ID, ks.AccessMode)
		case ks.AccessMode == registry.AccessPermissioned && (ks.OAuth == nil || ks.OAuth.ClientID == ""):
			return fmt.Errorf("%w: permissioned key server %s needs oauth client credentials", errdefs.ErrConfiguration, ks.ID)
		}
		seen[ks.ID] = true
	}
	if c.Session.TTLMinutes < 1 {
		return fmt.Errorf("%w: session ttl_minutes must be at least 1", errdefs.ErrConfiguration)
	}
	if _, err := c.ExportKey(); err != nil {
		return err
	}
	return nil
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMinutes) * time.Minute
}

func (c *Config) RefreshBefore() time.Duration {
	return time.Duration(c.Session.RefreshBeforeMinutes) * time.Minute
}

// ExportKey decodes session.export_key. It returns nil when none is set.
func (c *Config) ExportKey() (*[32]byte, error) {
	if c.Session.ExportKey == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(c.Session.ExportKey)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: session export_key must be 32 bytes of base64", errdefs.ErrConfiguration)
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

func (c *Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// Write stores c as YAML at path, creating the directory if needed.
func (c *Config) Write(path string) error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}
