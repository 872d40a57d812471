// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
type Interface interface {
	Logger() LoggerConfig
	Orchestrator() OrchestratorConfig
	Browser() BrowserConfig
	Network() NetworkConfig
	Identity() IdentityConfig
	Proxy() ProxyConfig
	Behavior() BehaviorConfig
	Method() MethodConfig
	Vision() VisionConfig
	Sink() SinkConfig
	Metrics() MetricsConfig

	// Setters used by CLI flag overrides.
	SetMaxConcurrentTasks(n int)
	SetBrowserHeadless(b bool)
	SetSinkType(t string)
	SetMetricsAddr(addr string)
	SetProxyImportFile(path string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	OrchestratorCfg OrchestratorConfig `mapstructure:"orchestrator" yaml:"orchestrator"`
	BrowserCfg      BrowserConfig      `mapstructure:"browser" yaml:"browser"`
	NetworkCfg      NetworkConfig      `mapstructure:"network" yaml:"network"`
	IdentityCfg     IdentityConfig     `mapstructure:"identity" yaml:"identity"`
	ProxyCfg        ProxyConfig        `mapstructure:"proxy" yaml:"proxy"`
	BehaviorCfg     BehaviorConfig     `mapstructure:"behavior" yaml:"behavior"`
	MethodCfg       MethodConfig       `mapstructure:"method" yaml:"method"`
	VisionCfg       VisionConfig       `mapstructure:"vision" yaml:"vision"`
	SinkCfg         SinkConfig         `mapstructure:"sink" yaml:"sink"`
	MetricsCfg      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
}

// -- Getters --

func (c *Config) Logger() LoggerConfig             { return c.LoggerCfg }
func (c *Config) Orchestrator() OrchestratorConfig { return c.OrchestratorCfg }
func (c *Config) Browser() BrowserConfig           { return c.BrowserCfg }
func (c *Config) Network() NetworkConfig           { return c.NetworkCfg }
func (c *Config) Identity() IdentityConfig         { return c.IdentityCfg }
func (c *Config) Proxy() ProxyConfig               { return c.ProxyCfg }
func (c *Config) Behavior() BehaviorConfig         { return c.BehaviorCfg }
func (c *Config) Method() MethodConfig             { return c.MethodCfg }
func (c *Config) Vision() VisionConfig             { return c.VisionCfg }
func (c *Config) Sink() SinkConfig                 { return c.SinkCfg }
func (c *Config) Metrics() MetricsConfig           { return c.MetricsCfg }

// -- Setters --

func (c *Config) SetMaxConcurrentTasks(n int)    { c.OrchestratorCfg.MaxConcurrentTasks = n }
func (c *Config) SetBrowserHeadless(b bool)      { c.BrowserCfg.Headless = b }
func (c *Config) SetSinkType(t string)           { c.SinkCfg.Type = t }
func (c *Config) SetProxyImportFile(path string) { c.ProxyCfg.ImportFile = path }

// SetMetricsAddr enables the metrics endpoint when addr is not empty.
func (c *Config) SetMetricsAddr(addr string) {
	c.MetricsCfg.Addr = addr
	c.MetricsCfg.Enabled = addr != ""
}

// -- Section Definitions --

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

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// OrchestratorConfig bounds task execution.
type OrchestratorConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	// ProgressHalfLife shapes the time-based progress estimate for tasks
	// without a known item total.
	ProgressHalfLife time.Duration `mapstructure:"progress_half_life" yaml:"progress_half_life"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	EventBuffer      int           `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// ViewportConfig is the default browser window size.
type ViewportConfig struct {
	Width  int64 `mapstructure:"width" yaml:"width"`
	Height int64 `mapstructure:"height" yaml:"height"`
}

// BrowserConfig configures the chromedp session provider.
type BrowserConfig struct {
	Headless          bool           `mapstructure:"headless" yaml:"headless"`
	ExecPath          string         `mapstructure:"exec_path" yaml:"exec_path"`
	DefaultType       string         `mapstructure:"default_type" yaml:"default_type"`
	Viewport          ViewportConfig `mapstructure:"viewport" yaml:"viewport"`
	IgnoreTLSErrors   bool           `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Args              []string       `mapstructure:"args" yaml:"args"`
	StartupTimeout    time.Duration  `mapstructure:"startup_timeout" yaml:"startup_timeout"`
	NavigationTimeout time.Duration  `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration  `mapstructure:"action_timeout" yaml:"action_timeout"`
	Stealth           bool           `mapstructure:"stealth" yaml:"stealth"`
}

// NetworkConfig configures the HTTP client used by request-based methods and probes.
type NetworkConfig struct {
	Timeout         time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2      bool          `mapstructure:"force_http2" yaml:"force_http2"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	MaxConnsPerHost int           `mapstructure:"max_conns_per_host" yaml:"max_conns_per_host"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// IdentityConfig configures the identity pool and the built-in generator.
type IdentityConfig struct {
	MaxPoolSize    int    `mapstructure:"max_pool_size" yaml:"max_pool_size"`
	MaxGenerated   int    `mapstructure:"max_generated" yaml:"max_generated"`
	Seed           int64  `mapstructure:"seed" yaml:"seed"`
	DefaultBrowser string `mapstructure:"default_browser" yaml:"default_browser"`
	DefaultDevice  string `mapstructure:"default_device" yaml:"default_device"`
	DefaultCountry string `mapstructure:"default_country" yaml:"default_country"`
}

// ProxyConfig configures the proxy pool and its health checks.
type ProxyConfig struct {
	Strategy            string            `mapstructure:"strategy" yaml:"strategy"`
	Pools               map[string]string `mapstructure:"pools" yaml:"pools"`
	Cooldown            time.Duration     `mapstructure:"cooldown" yaml:"cooldown"`
	CheckInterval       time.Duration     `mapstructure:"check_interval" yaml:"check_interval"`
	FailureThreshold    int               `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	MinSuccessRate      float64           `mapstructure:"min_success_rate" yaml:"min_success_rate"`
	MaxSessionsPerProxy int               `mapstructure:"max_sessions_per_proxy" yaml:"max_sessions_per_proxy"`
	RoundRobinBucket    time.Duration     `mapstructure:"round_robin_bucket" yaml:"round_robin_bucket"`
	ProbeURL            string            `mapstructure:"probe_url" yaml:"probe_url"`
	ProbeTimeout        time.Duration     `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ImportFile          string            `mapstructure:"import_file" yaml:"import_file"`
}

// BehaviorConfig is the pool-wide default layer of task behavior settings.
type BehaviorConfig struct {
	ActionDelayMin    time.Duration `mapstructure:"action_delay_min" yaml:"action_delay_min"`
	ActionDelayMax    time.Duration `mapstructure:"action_delay_max" yaml:"action_delay_max"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	HumanTyping       bool          `mapstructure:"human_typing" yaml:"human_typing"`
	HumanScroll       bool          `mapstructure:"human_scroll" yaml:"human_scroll"`
	ScrollSteps       int           `mapstructure:"scroll_steps" yaml:"scroll_steps"`

	// Generator means used when synthesizing behavior profiles.
	TypingMeanMs   float64 `mapstructure:"typing_mean_ms" yaml:"typing_mean_ms"`
	TypingStdDevMs float64 `mapstructure:"typing_stddev_ms" yaml:"typing_stddev_ms"`
	MouseSpeed     float64 `mapstructure:"mouse_speed" yaml:"mouse_speed"`
	NavPauseMinMs  int     `mapstructure:"nav_pause_min_ms" yaml:"nav_pause_min_ms"`
	NavPauseMaxMs  int     `mapstructure:"nav_pause_max_ms" yaml:"nav_pause_max_ms"`
}

// MethodConfig tunes method resolution.
type MethodConfig struct {
	AdvisorPreflight     bool    `mapstructure:"advisor_preflight" yaml:"advisor_preflight"`
	AdvisorMinConfidence float64 `mapstructure:"advisor_min_confidence" yaml:"advisor_min_confidence"`
	MaxPages             int     `mapstructure:"max_pages" yaml:"max_pages"`
}

// VisionConfig configures the Gemini-backed vision advisor.
type VisionConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
}

// PostgresConfig holds the database connection details.
type PostgresConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// RedisConfig holds the redis connection details.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	Password  string        `mapstructure:"password" yaml:"password"`
	DB        int           `mapstructure:"db" yaml:"db"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// SinkConfig selects where results and pool snapshots are persisted.
type SinkConfig struct {
	// Type is one of memory, postgres or redis.
	Type          string         `mapstructure:"type" yaml:"type"`
	Postgres      PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
	Redis         RedisConfig    `mapstructure:"redis" yaml:"redis"`
	PoolSnapshots bool           `mapstructure:"pool_snapshots" yaml:"pool_snapshots"`
	SaveTimeout   time.Duration  `mapstructure:"save_timeout" yaml:"save_timeout"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr      string `mapstructure:"addr" yaml:"addr"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// -- Defaults --

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "harvest")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Orchestrator --
	v.SetDefault("orchestrator.max_concurrent_tasks", 5)
	v.SetDefault("orchestrator.task_timeout", "30m")
	v.SetDefault("orchestrator.progress_half_life", "60s")
	v.SetDefault("orchestrator.shutdown_timeout", "30s")
	v.SetDefault("orchestrator.event_buffer", 256)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.default_type", "chrome")
	v.SetDefault("browser.viewport.width", 1366)
	v.SetDefault("browser.viewport.height", 768)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.startup_timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.action_timeout", "30s")
	v.SetDefault("browser.stealth", true)

	// -- Network --
	v.SetDefault("network.timeout", "60s")
	v.SetDefault("network.dial_timeout", "5s")
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.force_http2", true)
	v.SetDefault("network.max_idle_conns", 100)
	v.SetDefault("network.max_conns_per_host", 20)
	v.SetDefault("network.max_body_bytes", 16<<20)

	// -- Identity --
	v.SetDefault("identity.max_pool_size", 500)
	v.SetDefault("identity.max_generated", 0)
	v.SetDefault("identity.seed", 0)
	v.SetDefault("identity.default_browser", "chrome")
	v.SetDefault("identity.default_device", "desktop")
	v.SetDefault("identity.default_country", "us")

	// -- Proxy --
	v.SetDefault("proxy.strategy", "smart")
	v.SetDefault("proxy.cooldown", "5m")
	v.SetDefault("proxy.check_interval", "30s")
	v.SetDefault("proxy.failure_threshold", 5)
	v.SetDefault("proxy.min_success_rate", 30.0)
	v.SetDefault("proxy.max_sessions_per_proxy", 1)
	v.SetDefault("proxy.round_robin_bucket", "1s")
	v.SetDefault("proxy.probe_url", "https://www.gstatic.com/generate_204")
	v.SetDefault("proxy.probe_timeout", "15s")

	// -- Behavior --
	v.SetDefault("behavior.action_delay_min", "250ms")
	v.SetDefault("behavior.action_delay_max", "1200ms")
	v.SetDefault("behavior.requests_per_second", 2.0)
	v.SetDefault("behavior.human_typing", true)
	v.SetDefault("behavior.human_scroll", true)
	v.SetDefault("behavior.scroll_steps", 3)
	v.SetDefault("behavior.typing_mean_ms", 110.0)
	v.SetDefault("behavior.typing_stddev_ms", 35.0)
	v.SetDefault("behavior.mouse_speed", 1.0)
	v.SetDefault("behavior.nav_pause_min_ms", 400)
	v.SetDefault("behavior.nav_pause_max_ms", 2200)

	// -- Method --
	v.SetDefault("method.advisor_preflight", false)
	v.SetDefault("method.advisor_min_confidence", 0.7)
	v.SetDefault("method.max_pages", 10)

	// -- Vision --
	v.SetDefault("vision.enabled", false)
	v.SetDefault("vision.model", "gemini-2.5-flash")
	v.SetDefault("vision.timeout", "60s")
	v.SetDefault("vision.temperature", 0.1)

	// -- Sink --
	v.SetDefault("sink.type", "memory")
	v.SetDefault("sink.redis.addr", "localhost:6379")
	v.SetDefault("sink.redis.key_prefix", "harvest:")
	v.SetDefault("sink.redis.ttl", "168h")
	v.SetDefault("sink.pool_snapshots", false)
	v.SetDefault("sink.save_timeout", "30s")

	// -- Metrics --
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9464")
	v.SetDefault("metrics.namespace", "harvest")
}

// NewDefaultConfig builds a Config from defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// NewConfigFromViper decodes and validates the configuration held by v.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Secrets are read from dedicated environment variables.
	_ = v.BindEnv("vision.api_key", "HARVEST_VISION_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("sink.postgres.url", "HARVEST_DATABASE_URL")
	_ = v.BindEnv("sink.redis.password", "HARVEST_REDIS_PASSWORD")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.VisionCfg.Enabled && cfg.VisionCfg.APIKey == "" {
		cfg.VisionCfg.APIKey = os.Getenv("GEMINI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.OrchestratorCfg.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent_tasks must be a positive integer")
	}
	if c.BrowserCfg.Viewport.Width <= 0 || c.BrowserCfg.Viewport.Height <= 0 {
		return fmt.Errorf("browser.viewport must have positive width and height")
	}
	if err := c.ProxyCfg.Validate(); err != nil {
		return fmt.Errorf("proxy configuration invalid: %w", err)
	}
	if err := c.SinkCfg.Validate(); err != nil {
		return fmt.Errorf("sink configuration invalid: %w", err)
	}
	if c.VisionCfg.Enabled && c.VisionCfg.APIKey == "" {
		return fmt.Errorf("vision.api_key is required when vision is enabled")
	}
	if c.MethodCfg.AdvisorMinConfidence < 0 || c.MethodCfg.AdvisorMinConfidence > 1 {
		return fmt.Errorf("method.advisor_min_confidence must be between 0.0 and 1.0")
	}
	if c.BehaviorCfg.ActionDelayMax < c.BehaviorCfg.ActionDelayMin {
		return fmt.Errorf("behavior.action_delay_max must not be lower than behavior.action_delay_min")
	}
	return nil
}

// Validate checks the proxy pool configuration.
func (p *ProxyConfig) Validate() error {
	if !isStrategy(p.Strategy) {
		return fmt.Errorf("unknown strategy %q", p.Strategy)
	}
	for pool, s := range p.Pools {
		if !isStrategy(s) {
			return fmt.Errorf("unknown strategy %q for pool %q", s, pool)
		}
	}
	if p.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be a positive integer")
	}
	if p.MinSuccessRate < 0 || p.MinSuccessRate > 100 {
		return fmt.Errorf("min_success_rate must be between 0 and 100")
	}
	if p.MaxSessionsPerProxy <= 0 {
		return fmt.Errorf("max_sessions_per_proxy must be a positive integer")
	}
	return nil
}

// Validate checks the result sink configuration.
func (s *SinkConfig) Validate() error {
	switch strings.ToLower(s.Type) {
	case "memory":
	case "postgres":
		if s.Postgres.URL == "" {
			return fmt.Errorf("sink.postgres.url is required for the postgres sink")
		}
	case "redis":
		if s.Redis.Addr == "" {
			return fmt.Errorf("sink.redis.addr is required for the redis sink")
		}
	default:
		return fmt.Errorf("unknown sink type %q", s.Type)
	}
	if s.PoolSnapshots && strings.ToLower(s.Type) == "memory" {
		return fmt.Errorf("pool_snapshots requires a persistent sink (postgres or redis)")
	}
	return nil
}

func isStrategy(s string) bool {
	switch s {
	case "round-robin", "random", "smart", "sticky":
		return true
	}
	return false
}
