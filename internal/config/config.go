// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix viper uses when resolving environment overrides,
// e.g. AUTOPILOT_AGENT_MAX_ATTEMPTS_PER_STEP.
const EnvPrefix = "AUTOPILOT"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Agent() AgentConfig
	LLM() LLMRouterConfig
	Store() StoreConfig
	Metrics() MetricsConfig

	// Setters for values commonly overridden from CLI flags.
	SetBrowserHeadless(bool)
	SetBrowserDriver(string)
	SetAgentSessionTimeout(time.Duration)
	SetAgentConcurrency(int)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	AgentCfg   AgentConfig     `mapstructure:"agent" yaml:"agent"`
	LLMCfg     LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
	StoreCfg   StoreConfig     `mapstructure:"store" yaml:"store"`
	MetricsCfg MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Agent() AgentConfig     { return c.AgentCfg }
func (c *Config) LLM() LLMRouterConfig   { return c.LLMCfg }
func (c *Config) Store() StoreConfig     { return c.StoreCfg }
func (c *Config) Metrics() MetricsConfig { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool)              { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserDriver(d string)              { c.BrowserCfg.Driver = d }
func (c *Config) SetAgentSessionTimeout(d time.Duration) { c.AgentCfg.SessionTimeout = d }
func (c *Config) SetAgentConcurrency(n int)              { c.AgentCfg.Concurrency = n }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
}

// Browser drivers.
const (
	DriverChromedp = "chromedp"
	DriverPureGo   = "purego"
)

// BrowserConfig holds settings for the browser context each session owns.
type BrowserConfig struct {
	Driver            string         `mapstructure:"driver" yaml:"driver"`
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent         string         `mapstructure:"user_agent" yaml:"user_agent"`
	Proxy             string         `mapstructure:"proxy" yaml:"proxy"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	Viewport          map[string]int `mapstructure:"viewport" yaml:"viewport"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PollInterval      time.Duration  `mapstructure:"poll_interval" yaml:"poll_interval"`
	// Stealth installs a regular-browser persona on chromedp tabs.
	Stealth  bool   `mapstructure:"stealth" yaml:"stealth"`
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
	Locale   string `mapstructure:"locale" yaml:"locale"`
	// Screenshots captures the page after every failed attempt into
	// ScreenshotDir, on drivers that can render.
	Screenshots   bool   `mapstructure:"screenshots" yaml:"screenshots"`
	ScreenshotDir string `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
}

// AgentConfig holds the recovery budgets, timeouts and locator thresholds that
// bound every session.
type AgentConfig struct {
	MaxAttemptsPerStep int           `mapstructure:"max_attempts_per_step" yaml:"max_attempts_per_step"`
	ReplanBudget       int           `mapstructure:"replan_budget" yaml:"replan_budget"`
	ActionTimeout      time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	SessionTimeout     time.Duration `mapstructure:"session_timeout" yaml:"session_timeout"`
	// RelevanceThreshold is the minimum locator score a candidate must reach.
	RelevanceThreshold float64 `mapstructure:"relevance_threshold" yaml:"relevance_threshold"`
	// AmbiguityMargin is the score gap under which the top two candidates are
	// considered indistinguishable when a step demands a unique match.
	AmbiguityMargin float64       `mapstructure:"ambiguity_margin" yaml:"ambiguity_margin"`
	BackoffInitial  time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffFactor   float64       `mapstructure:"backoff_factor" yaml:"backoff_factor"`
	BackoffMax      time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	ActionDelay     time.Duration `mapstructure:"action_delay" yaml:"action_delay"`
	MaxSteps        int           `mapstructure:"max_steps" yaml:"max_steps"`
	Concurrency     int           `mapstructure:"concurrency" yaml:"concurrency"`
}

// LLMProvider defines the supported LLM providers.
type LLMProvider string

const (
	ProviderGemini    LLMProvider = "gemini"
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderOllama    LLMProvider = "ollama"
)

// LLMRouterConfig configures the model routing logic.
type LLMRouterConfig struct {
	DefaultFastModel     string                    `mapstructure:"default_fast_model" yaml:"default_fast_model"`
	DefaultPowerfulModel string                    `mapstructure:"default_powerful_model" yaml:"default_powerful_model"`
	Models               map[string]LLMModelConfig `mapstructure:"models" yaml:"models"`
}

// LLMModelConfig defines the configuration for a single LLM.
type LLMModelConfig struct {
	Provider          LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model             string        `mapstructure:"model" yaml:"model"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint          string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout        time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature       float32       `mapstructure:"temperature" yaml:"temperature"`
	TopP              float32       `mapstructure:"top_p" yaml:"top_p"`
	TopK              int           `mapstructure:"top_k" yaml:"top_k"`
	MaxTokens         int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// Store backends.
const (
	StoreNone     = "none"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// StoreConfig selects where finished session histories are persisted.
type StoreConfig struct {
	Type string `mapstructure:"type" yaml:"type"`
	Path string `mapstructure:"path" yaml:"path"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	cfg.LLMCfg.Models = DefaultModels()
	return &cfg
}

// DefaultModels is the built-in model set. Model names carry dots, which viper
// treats as key separators, so these live in code rather than in SetDefault.
func DefaultModels() map[string]LLMModelConfig {
	return map[string]LLMModelConfig{
		"gemini-2.5-flash": {
			Provider:          ProviderGemini,
			Model:             "gemini-2.5-flash",
			APITimeout:        60 * time.Second,
			Temperature:       0.7,
			RequestsPerMinute: 60,
		},
		"gemini-2.5-pro": {
			Provider:          ProviderGemini,
			Model:             "gemini-2.5-pro",
			APITimeout:        120 * time.Second,
			Temperature:       0.7,
			RequestsPerMinute: 30,
		},
	}
}

// decodeModels reads llm.models as a single subtree so configured names keep
// their dots, and lays them over the built-in models.
func decodeModels(v *viper.Viper) (map[string]LLMModelConfig, error) {
	configured := make(map[string]LLMModelConfig)
	if err := v.UnmarshalKey("llm.models", &configured); err != nil {
		return nil, fmt.Errorf("error unmarshaling llm.models: %w", err)
	}
	models := DefaultModels()
	for name, m := range configured {
		models[name] = m
	}
	return models, nil
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autopilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.driver", DriverChromedp)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.proxy", "")
	v.SetDefault("browser.viewport", map[string]int{"width": 1280, "height": 800})
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.poll_interval", "100ms")
	v.SetDefault("browser.stealth", false)
	v.SetDefault("browser.timezone", "")
	v.SetDefault("browser.locale", "")
	v.SetDefault("browser.screenshots", true)
	v.SetDefault("browser.screenshot_dir", "screenshots")

	// -- Agent --
	v.SetDefault("agent.max_attempts_per_step", 3)
	v.SetDefault("agent.replan_budget", 1)
	v.SetDefault("agent.action_timeout", "10s")
	v.SetDefault("agent.session_timeout", "5m")
	v.SetDefault("agent.relevance_threshold", 0.35)
	v.SetDefault("agent.ambiguity_margin", 0.05)
	v.SetDefault("agent.backoff_initial", "250ms")
	v.SetDefault("agent.backoff_factor", 2.0)
	v.SetDefault("agent.backoff_max", "5s")
	v.SetDefault("agent.action_delay", "500ms")
	v.SetDefault("agent.max_steps", 50)
	v.SetDefault("agent.concurrency", 4)

	// -- LLM --
	v.SetDefault("llm.default_fast_model", "gemini-2.5-flash")
	v.SetDefault("llm.default_powerful_model", "gemini-2.5-pro")

	// -- Store --
	v.SetDefault("store.type", StoreNone)
	v.SetDefault("store.path", "autopilot.db")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")
}

// NewViper returns a viper instance with defaults and environment binding in
// place. The caller decides whether to read a file.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.BindEnv("store.dsn", EnvPrefix+"_STORE_DSN", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	models, err := decodeModels(v)
	if err != nil {
		return nil, err
	}
	cfg.LLMCfg.Models = models

	// Provider keys are commonly exported under their vendor names.
	for name, m := range cfg.LLMCfg.Models {
		if m.APIKey == "" {
			m.APIKey = apiKeyFromEnv(m.Provider)
			cfg.LLMCfg.Models[name] = m
		}
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in file locations.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.LoggerCfg.LogFile, &c.StoreCfg.Path, &c.BrowserCfg.ExecPath, &c.BrowserCfg.ScreenshotDir} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("invalid path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

func apiKeyFromEnv(p LLMProvider) string {
	switch p {
	case ProviderGemini:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	case ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case ProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.AgentCfg.Validate(); err != nil {
		return fmt.Errorf("agent configuration invalid: %w", err)
	}
	switch c.BrowserCfg.Driver {
	case DriverChromedp, DriverPureGo:
	default:
		return fmt.Errorf("browser.driver must be %q or %q, got %q", DriverChromedp, DriverPureGo, c.BrowserCfg.Driver)
	}
	if c.BrowserCfg.Screenshots && c.BrowserCfg.ScreenshotDir == "" {
		return fmt.Errorf("browser.screenshot_dir is required when screenshots are enabled")
	}
	switch c.StoreCfg.Type {
	case StoreNone, "":
	case StoreSQLite:
		if c.StoreCfg.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite store")
		}
	case StorePostgres:
		if c.StoreCfg.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store.type %q", c.StoreCfg.Type)
	}
	for name, m := range c.LLMCfg.Models {
		switch m.Provider {
		case ProviderGemini, ProviderOpenAI, ProviderAnthropic, ProviderOllama:
		default:
			return fmt.Errorf("llm.models.%s: unsupported provider %q", name, m.Provider)
		}
	}
	for _, name := range []string{c.LLMCfg.DefaultFastModel, c.LLMCfg.DefaultPowerfulModel} {
		if _, ok := c.LLMCfg.Models[name]; name != "" && !ok {
			return fmt.Errorf("default model %q is not defined in llm.models", name)
		}
	}
	return nil
}

// Validate checks the agent budgets and thresholds.
func (a *AgentConfig) Validate() error {
	if a.MaxAttemptsPerStep <= 0 {
		return fmt.Errorf("max_attempts_per_step must be a positive integer")
	}
	if a.ReplanBudget < 0 {
		return fmt.Errorf("replan_budget must not be negative")
	}
	if a.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be a positive duration")
	}
	if a.SessionTimeout <= 0 {
		return fmt.Errorf("session_timeout must be a positive duration")
	}
	if a.RelevanceThreshold < 0 || a.RelevanceThreshold > 1 {
		return fmt.Errorf("relevance_threshold must be between 0.0 and 1.0")
	}
	if a.AmbiguityMargin < 0 || a.AmbiguityMargin > 1 {
		return fmt.Errorf("ambiguity_margin must be between 0.0 and 1.0")
	}
	if a.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be at least 1.0")
	}
	if a.BackoffMax < a.BackoffInitial {
		return fmt.Errorf("backoff_max must not be lower than backoff_initial")
	}
	if a.MaxSteps <= 0 {
		return fmt.Errorf("max_steps must be a positive integer")
	}
	if a.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be a positive integer")
	}
	return nil
}
