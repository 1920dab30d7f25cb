// Package config loads and manages DocuGuide configuration.
// Configuration source priority (highest to lowest):
// 1. Environment variables (OPENROUTER_API_KEY, LLM_API_KEY, ANTHROPIC_API_KEY, etc.),
//    including any set by a .env file in the working directory
// 2. Config file path specified via --config
// 3. ~/.config/docuguide/config.yaml
// 4. Embedded defaults.yaml
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Duration is a time.Duration written as a string ("5m", "90s") in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// ProviderConfig holds configuration for a single cloud provider.
type ProviderConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// CloudConfig selects and configures the fallback provider.
type CloudConfig struct {
	// Provider: "openrouter" (default) | "openai" | "anthropic" | "none"
	Provider string `yaml:"provider"`

	// Referer and Title are sent as identification headers.
	Referer string `yaml:"referer"`
	Title   string `yaml:"title"`

	// Retries is the number of retries for rate limits and server errors.
	Retries int `yaml:"retries"`

	Providers map[string]*ProviderConfig `yaml:"providers"`
}

// OnDeviceConfig configures the local model server.
type OnDeviceConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	// Models maps a capability name (summarize, translate, ...) to a model.
	// An empty value disables that capability.
	Models        map[string]string `yaml:"models"`
	ContextWindow int               `yaml:"context_window"`
}

// SessionConfig configures the session pool.
type SessionConfig struct {
	IdleTimeout       Duration `yaml:"idle_timeout"`
	RotationThreshold float64  `yaml:"rotation_threshold"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	TTL      Duration `yaml:"ttl"`
	Disabled bool     `yaml:"disabled"`
}

// DispatchConfig configures the dispatcher.
type DispatchConfig struct {
	// Concurrency bounds the operations in flight at once.
	Concurrency int `yaml:"concurrency"`
	// ChunkSize is the largest input, in characters, sent to a session in one call.
	ChunkSize int `yaml:"chunk_size"`
	// Enrich attaches document insights to summarize/translate/ask results.
	Enrich bool `yaml:"enrich"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// CostPricingEntry is a user-defined pricing override for a model.
type CostPricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Config is the complete configuration structure for DocuGuide.
type Config struct {
	Cloud    CloudConfig    `yaml:"cloud"`
	OnDevice OnDeviceConfig `yaml:"ondevice"`
	Session  SessionConfig  `yaml:"session"`
	Cache    CacheConfig    `yaml:"cache"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Log      LogConfig      `yaml:"log"`

	// CostPricing holds user-defined pricing overrides for cost tracking.
	CostPricing map[string]CostPricingEntry `yaml:"cost_pricing"`
}

// KnownCloudProviders lists the accepted values of cloud.provider.
var KnownCloudProviders = []string{"openrouter", "openai", "anthropic", "none"}

// DefaultConfig returns the configuration described by the embedded defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	return cfg
}

// DefaultPath returns ~/.config/docuguide/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "docuguide", "config.yaml")
}

// Load reads the config file and merges environment variable overrides.
// A missing file is not an error.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	if configPath == "" {
		configPath = DefaultPath()
	}
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	}

	if cfg.Cloud.Providers == nil {
		cfg.Cloud.Providers = make(map[string]*ProviderConfig)
	}
	fillProviderDefaults(cfg, DefaultConfig())
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given files into the environment
// without overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(KnownCloudProviders, c.Cloud.Provider) {
		errs = append(errs, fmt.Errorf("cloud.provider %q must be one of %s",
			c.Cloud.Provider, strings.Join(KnownCloudProviders, ", ")))
	}
	if c.Cloud.Retries < 0 {
		errs = append(errs, fmt.Errorf("cloud.retries must not be negative"))
	}
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.idle_timeout must be positive"))
	}
	if c.Session.RotationThreshold <= 0 || c.Session.RotationThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.rotation_threshold must be in (0, 1]"))
	}
	if !c.Cache.Disabled && c.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must be positive"))
	}
	if c.Dispatch.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("dispatch.concurrency must be at least 1"))
	}
	if c.Dispatch.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("dispatch.chunk_size must be at least 1"))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level %q is not a level", c.Log.Level))
	}
	if !slices.Contains([]string{"text", "json"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// GetProviderConfig returns the config for the named provider, or an empty config if not found.
func (c *Config) GetProviderConfig(name string) *ProviderConfig {
	if pc, ok := c.Cloud.Providers[name]; ok && pc != nil {
		return pc
	}
	return &ProviderConfig{}
}

// CloudEnabled reports whether a fallback provider is configured with a key.
func (c *Config) CloudEnabled() bool {
	return c.Cloud.Provider != "none" && c.GetProviderConfig(c.Cloud.Provider).APIKey != ""
}

// SaveProviderToFile persists a provider's config and makes it the active
// cloud provider in cfgPath, preserving all other user settings.
func SaveProviderToFile(cfgPath, providerName string, pc ProviderConfig) error {
	if cfgPath == "" {
		cfgPath = DefaultPath()
	}
	if cfgPath == "" {
		return fmt.Errorf("cannot determine config path")
	}

	// Read existing file into a generic map to preserve unknown fields.
	raw := make(map[string]any)
	if data, err := os.ReadFile(cfgPath); err == nil {
		_ = yaml.Unmarshal(data, &raw) // start fresh if corrupt
	}

	cloud, _ := raw["cloud"].(map[string]any)
	if cloud == nil {
		cloud = make(map[string]any)
	}
	providers, _ := cloud["providers"].(map[string]any)
	if providers == nil {
		providers = make(map[string]any)
	}

	entry := map[string]any{"api_key": pc.APIKey}
	if pc.BaseURL != "" {
		entry["base_url"] = pc.BaseURL
	}
	if pc.Model != "" {
		entry["model"] = pc.Model
	}
	providers[providerName] = entry
	cloud["providers"] = providers
	cloud["provider"] = providerName
	raw["cloud"] = cloud

	if err := os.MkdirAll(filepath.Dir(cfgPath), 0755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(cfgPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// fillProviderDefaults restores fields a user file left blank. yaml replaces
// a map entry wholesale, so a file that only sets api_key would otherwise
// lose the default base_url and model.
func fillProviderDefaults(cfg, defaults *Config) {
	for name, def := range defaults.Cloud.Providers {
		pc := cfg.Cloud.Providers[name]
		if pc == nil {
			cfg.Cloud.Providers[name] = def
			continue
		}
		if pc.BaseURL == "" {
			pc.BaseURL = def.BaseURL
		}
		if pc.Model == "" {
			pc.Model = def.Model
		}
		if pc.Temperature == 0 {
			pc.Temperature = def.Temperature
		}
		if pc.MaxTokens == 0 {
			pc.MaxTokens = def.MaxTokens
		}
	}
}

func (c *Config) provider(name string) *ProviderConfig {
	if c.Cloud.Providers[name] == nil {
		c.Cloud.Providers[name] = &ProviderConfig{}
	}
	return c.Cloud.Providers[name]
}

// applyEnvOverrides applies environment variable overrides to the config.
func applyEnvOverrides(cfg *Config) {
	// Provider selection first so the generic overrides target it.
	if v := os.Getenv("DOCUGUIDE_CLOUD_PROVIDER"); v != "" {
		cfg.Cloud.Provider = v
	}

	// Provider-specific keys
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.provider("openrouter").APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.provider("openai").APIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.provider("anthropic").APIKey = v
	}

	// Generic overrides apply to the active provider.
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.provider(cfg.Cloud.Provider).APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.provider(cfg.Cloud.Provider).BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.provider(cfg.Cloud.Provider).Model = v
	}

	if v := os.Getenv("DOCUGUIDE_ONDEVICE_URL"); v != "" {
		cfg.OnDevice.BaseURL = v
	}
	if v := os.Getenv("DOCUGUIDE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}
