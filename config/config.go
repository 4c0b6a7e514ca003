// Package config loads iapd configuration from an optional YAML file, .env
// files, and IAP_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/code-payments/iapkit/iap/apple"
)

const EnvPrefix = "IAP_"

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	PlatformApple   = "apple"
	PlatformAndroid = "android"
)

type Config struct {
	Platform string `yaml:"platform"`

	// App Store
	ProductionURL          string `yaml:"production_url"`
	SandboxURL             string `yaml:"sandbox_url"`
	SharedSecret           string `yaml:"shared_secret"`
	ExcludeOldTransactions bool   `yaml:"exclude_old_transactions"`
	ReceiptPath            string `yaml:"receipt_path"`

	// Google Play
	PackageName        string   `yaml:"package_name"`
	ServiceAccountFile string   `yaml:"service_account_file"`
	SubscriptionIDs    []string `yaml:"subscription_ids"`

	HTTPTimeout time.Duration `yaml:"http_timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`

	Backend        string `yaml:"backend"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisKeyPrefix string `yaml:"redis_key_prefix"`
	PostgresURL    string `yaml:"postgres_url"`

	// RevalidateSchedule is a standard cron expression. Empty disables
	// periodic revalidation.
	RevalidateSchedule string `yaml:"revalidate_schedule"`

	Development bool `yaml:"development"`
}

func Default() *Config {
	return &Config{
		Platform:      PlatformApple,
		ProductionURL: apple.ProductionURL,
		SandboxURL:    apple.SandboxURL,
		HTTPTimeout:   15 * time.Second,
		CacheTTL:      10 * time.Minute,
		Backend:       BackendMemory,
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment are used. Missing env files are skipped.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	for _, envFile := range envFiles {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Platform {
	case PlatformApple:
		if c.ProductionURL == "" || c.SandboxURL == "" {
			return errors.New("production and sandbox urls are required")
		}
	case PlatformAndroid:
		if c.PackageName == "" {
			return errors.New("package name is required for android")
		}
	default:
		return fmt.Errorf("unknown platform %q", c.Platform)
	}

	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("redis address is required for the redis backend")
		}
	case BackendPostgres:
		if c.PostgresURL == "" {
			return errors.New("postgres url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	if c.HTTPTimeout <= 0 {
		return errors.New("http timeout must be positive")
	}
	if c.CacheTTL < 0 {
		return errors.New("cache ttl must not be negative")
	}

	if c.RevalidateSchedule != "" {
		if _, err := cron.ParseStandard(c.RevalidateSchedule); err != nil {
			return fmt.Errorf("invalid revalidate schedule: %w", err)
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"PLATFORM":             &c.Platform,
		"PRODUCTION_URL":       &c.ProductionURL,
		"SANDBOX_URL":          &c.SandboxURL,
		"SHARED_SECRET":        &c.SharedSecret,
		"RECEIPT_PATH":         &c.ReceiptPath,
		"PACKAGE_NAME":         &c.PackageName,
		"SERVICE_ACCOUNT_FILE": &c.ServiceAccountFile,
		"BACKEND":              &c.Backend,
		"REDIS_ADDR":           &c.RedisAddr,
		"REDIS_KEY_PREFIX":     &c.RedisKeyPrefix,
		"POSTGRES_URL":         &c.PostgresURL,
		"REVALIDATE_SCHEDULE":  &c.RevalidateSchedule,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	bools := map[string]*bool{
		"EXCLUDE_OLD_TRANSACTIONS": &c.ExcludeOldTransactions,
		"DEVELOPMENT":              &c.Development,
	}
	for name, dst := range bools {
		if v, ok := lookup(name); ok {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = parsed
		}
	}

	durations := map[string]*time.Duration{
		"HTTP_TIMEOUT": &c.HTTPTimeout,
		"CACHE_TTL":    &c.CacheTTL,
	}
	for name, dst := range durations {
		if v, ok := lookup(name); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = parsed
		}
	}

	if v, ok := lookup("SUBSCRIPTION_IDS"); ok {
		c.SubscriptionIDs = nil
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				c.SubscriptionIDs = append(c.SubscriptionIDs, id)
			}
		}
	}
	return nil
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
