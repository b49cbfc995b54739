// Package config loads the service configuration from a YAML file, optional
// .env files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	AI        AIConfig                  `yaml:"ai"`
	Keys      KeysConfig                `yaml:"keys"`
	Memory    MemoryConfig              `yaml:"memory"`
	Database  DatabaseConfig            `yaml:"database"`
	Messages  MessagesConfig            `yaml:"messages"`
	Storage   StorageConfig             `yaml:"storage"`
	Pricing   PricingConfig             `yaml:"pricing"`
	Usage     UsageConfig               `yaml:"usage"`
	Logging   LoggingConfig             `yaml:"logging"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	ManagementKey string `yaml:"management-key"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ProviderConfig holds the credentials and endpoint of one LLM vendor.
type ProviderConfig struct {
	APIKeys      []string `yaml:"api-keys"`
	BaseURL      string   `yaml:"base-url"`
	DefaultModel string   `yaml:"default-model"`
}

// AIConfig tunes the orchestrator.
type AIConfig struct {
	DefaultProvider string        `yaml:"default-provider"`
	SystemPreamble  string        `yaml:"system-preamble"`
	RequestTimeout  time.Duration `yaml:"request-timeout"`
	MaxPromptTokens int           `yaml:"max-prompt-tokens"`
	Temperature     float64       `yaml:"temperature"`
	MaxTokens       int           `yaml:"max-tokens"`
}

// KeysConfig tunes key health tracking and rotation.
type KeysConfig struct {
	MaxErrorCount int           `yaml:"max-error-count"`
	ErrorCooldown time.Duration `yaml:"error-cooldown"`
	AssignmentTTL time.Duration `yaml:"assignment-ttl"`
}

// MemoryConfig configures the conversation window caches.
type MemoryConfig struct {
	SecondaryTTL time.Duration `yaml:"secondary-ttl"`
	Redis        RedisConfig   `yaml:"redis"`
}

// RedisConfig holds the optional Redis connection for the secondary cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// DatabaseConfig selects the gorm backed database for usage records.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	LogDir string `yaml:"log-dir"`
}

// MessagesConfig selects the persistent chat message store.
type MessagesConfig struct {
	PostgresDSN string `yaml:"postgres-dsn"`
}

// StorageConfig points at the object store that holds chat attachments.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use-ssl"`
	MaxBytes  int64  `yaml:"max-bytes"`
}

// PricingConfig points at an optional price table override file.
type PricingConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// UsageConfig toggles usage accounting sinks.
type UsageConfig struct {
	StatisticsEnabled bool `yaml:"statistics-enabled"`
	RequestLogEnabled bool `yaml:"request-log-enabled"`
	QueueSize         int  `yaml:"queue-size"`
}

// LoggingConfig configures logrus output and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	ServiceName string `yaml:"service-name"`
	// Endpoint is host:port or a URL of an OTLP/HTTP collector.
	Endpoint    string  `yaml:"endpoint"`
	Disabled    bool    `yaml:"disabled"`
	SampleRatio float64 `yaml:"sample-ratio"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8317},
		Providers: map[string]ProviderConfig{
			"openai":    {BaseURL: "https://api.openai.com/v1", DefaultModel: "gpt-4o-mini"},
			"anthropic": {BaseURL: "https://api.anthropic.com", DefaultModel: "claude-sonnet-4"},
		},
		AI: AIConfig{
			DefaultProvider: "openai",
			SystemPreamble:  defaultPreamble,
			RequestTimeout:  540 * time.Second,
			MaxPromptTokens: 100000,
			Temperature:     0.7,
			MaxTokens:       4096,
		},
		Keys: KeysConfig{
			MaxErrorCount: 3,
			ErrorCooldown: 60 * time.Second,
			AssignmentTTL: 5 * time.Minute,
		},
		Memory:   MemoryConfig{SecondaryTTL: 5 * time.Minute, Redis: RedisConfig{Prefix: "pulse:ctx:"}},
		Database: DatabaseConfig{Driver: "sqlite"},
		Storage:  StorageConfig{MaxBytes: 20 << 20},
		Usage: UsageConfig{
			StatisticsEnabled: true,
			RequestLogEnabled: true,
			QueueSize:         1024,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Telemetry: TelemetryConfig{ServiceName: "pulse-ai", SampleRatio: 1},
	}
}

const defaultPreamble = "You are TeamPulse AI, an assistant embedded in a team collaboration workspace. " +
	"Help with OKRs, meetings, tasks and everyday questions. Answer in the language the user writes in, " +
	"be concise, and say so when you are unsure."

// Load reads the YAML file at path (optional), .env files and environment
// overrides. A missing path is not an error; defaults are used instead.
func Load(path string) (*Config, error) {
	for _, envPath := range envPaths(path) {
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			break
		}
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyProviderDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. Missing provider keys are deliberately not an
// error here: they surface to the first request that needs them.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Keys.MaxErrorCount < 1 {
		return fmt.Errorf("keys.max-error-count must be at least 1")
	}
	if c.Keys.ErrorCooldown <= 0 || c.Keys.AssignmentTTL <= 0 {
		return fmt.Errorf("keys.error-cooldown and keys.assignment-ttl must be positive")
	}
	if c.AI.RequestTimeout <= 0 {
		return fmt.Errorf("ai.request-timeout must be positive")
	}
	return nil
}

// ProviderKeys returns the configured secrets of provider followed by the ones
// taken from the environment, blanks and duplicates removed, order kept.
func (c *Config) ProviderKeys(provider string) []string {
	var keys []string
	if p, ok := c.Providers[provider]; ok {
		keys = append(keys, p.APIKeys...)
	}
	keys = append(keys, envKeys(provider)...)

	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// envKeys collects OPENAI_API_KEY, OPENAI_API_KEY_2 ... style variables.
func envKeys(provider string) []string {
	var prefixes []string
	switch provider {
	case "openai":
		prefixes = []string{"OPENAI_API_KEY"}
	case "anthropic":
		prefixes = []string{"ANTHROPIC_API_KEY", "CLAUDE_API_KEY"}
	default:
		return nil
	}

	type numbered struct {
		n     int
		value string
	}
	var found []numbered
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		for pi, prefix := range prefixes {
			if name == prefix {
				found = append(found, numbered{n: pi*1000 + 1, value: value})
				continue
			}
			if suffix, ok := strings.CutPrefix(name, prefix+"_"); ok {
				if n, err := strconv.Atoi(suffix); err == nil && n > 0 {
					found = append(found, numbered{n: pi*1000 + n, value: value})
				}
			}
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].n < found[j].n })
	keys := make([]string, 0, len(found))
	for _, f := range found {
		keys = append(keys, f.value)
	}
	return keys
}

// applyProviderDefaults restores endpoint and model defaults for provider
// entries the YAML file declared only partially.
func (c *Config) applyProviderDefaults() {
	defaults := Default().Providers
	if c.Providers == nil {
		c.Providers = defaults
		return
	}
	for name, def := range defaults {
		p := c.Providers[name]
		if p.BaseURL == "" {
			p.BaseURL = def.BaseURL
		}
		if p.DefaultModel == "" {
			p.DefaultModel = def.DefaultModel
		}
		c.Providers[name] = p
	}
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvString("PULSE_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("PULSE_PORT", c.Server.Port)
	c.Server.ManagementKey = getEnvString("PULSE_MANAGEMENT_KEY", c.Server.ManagementKey)
	c.AI.DefaultProvider = getEnvString("PULSE_DEFAULT_PROVIDER", c.AI.DefaultProvider)
	c.AI.RequestTimeout = getEnvDuration("PULSE_REQUEST_TIMEOUT", c.AI.RequestTimeout)
	c.Memory.Redis.Addr = getEnvString("PULSE_REDIS_ADDR", c.Memory.Redis.Addr)
	c.Memory.Redis.Password = getEnvString("PULSE_REDIS_PASSWORD", c.Memory.Redis.Password)
	c.Database.Driver = getEnvString("PULSE_DB_DRIVER", c.Database.Driver)
	c.Database.DSN = getEnvString("PULSE_DB_DSN", c.Database.DSN)
	c.Messages.PostgresDSN = getEnvString("PULSE_MESSAGES_DSN", c.Messages.PostgresDSN)
	c.Storage.Endpoint = getEnvString("PULSE_STORAGE_ENDPOINT", c.Storage.Endpoint)
	c.Storage.AccessKey = getEnvString("PULSE_STORAGE_ACCESS_KEY", c.Storage.AccessKey)
	c.Storage.SecretKey = getEnvString("PULSE_STORAGE_SECRET_KEY", c.Storage.SecretKey)
	c.Storage.Bucket = getEnvString("PULSE_STORAGE_BUCKET", c.Storage.Bucket)
	c.Logging.Level = getEnvString("PULSE_LOG_LEVEL", c.Logging.Level)
	c.Logging.File = getEnvString("PULSE_LOG_FILE", c.Logging.File)

	for name, base := range map[string]string{
		"openai":    "OPENAI_BASE_URL",
		"anthropic": "ANTHROPIC_BASE_URL",
	} {
		if v := strings.TrimSpace(os.Getenv(base)); v != "" {
			p := c.Providers[name]
			p.BaseURL = v
			c.Providers[name] = p
		}
	}
}

// envPaths lists where a .env file is looked up: next to the config file,
// then the working directory.
func envPaths(configPath string) []string {
	var paths []string
	if configPath != "" {
		paths = append(paths, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}
	return paths
}

func getEnvString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
