package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultListen is the default API listen address.
	DefaultListen = ":8786"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultCacheDir is the default image download cache directory.
	DefaultCacheDir = "/opt/adsb-boottest/cache"

	// DefaultDatabasePath is the default SQLite metrics database path.
	DefaultDatabasePath = "/opt/adsb-boottest/metrics.db"

	// DefaultLoginPrompt is the serial console pattern that signals a
	// completed boot.
	DefaultLoginPrompt = `adsb-feeder.* login:`
)

// Config is the root configuration for the boot-test orchestrator.
type Config struct {
	Global     GlobalConfig     `yaml:"global"`
	Server     ServerConfig     `yaml:"server"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Trigger    TriggerConfig    `yaml:"trigger"`
	Queue      QueueConfig      `yaml:"queue"`
	Device     DeviceConfig     `yaml:"device"`
	Hypervisor HypervisorConfig `yaml:"hypervisor"`
	Download   DownloadConfig   `yaml:"download"`
	Database   DatabaseConfig   `yaml:"database"`
	Reporter   ReporterConfig   `yaml:"reporter"`
	Timeouts   TimeoutConfig    `yaml:"timeouts"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Webhook RateLimitTier `yaml:"webhook,omitempty"`
	Trigger RateLimitTier `yaml:"trigger,omitempty"`
}

// RateLimitTier defines request limits for a specific tier. A zero burst
// allows bursting up to the full per-minute limit.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst,omitempty"`
}

// WebhookConfig contains release-webhook validation settings.
type WebhookConfig struct {
	Enabled bool `yaml:"enabled"`

	// Secret is the HMAC shared secret for X-Hub-Signature-256
	// verification. Overridable via BOOTTEST_WEBHOOK_SECRET.
	Secret string `yaml:"secret,omitempty"`

	// Repo is the "owner/name" repository release assets must come from.
	Repo string `yaml:"repo"`

	// Target is the platform substring a qualifying asset name must
	// contain, e.g. "raspberrypi64".
	Target string `yaml:"target"`

	// Variant is the board revision that must appear among the pi-variant
	// numbers of the asset name, e.g. "4".
	Variant string `yaml:"variant"`

	// StalenessWindow discards assets created longer than this before the
	// webhook fires.
	StalenessWindow time.Duration `yaml:"staleness_window,omitempty"`
}

// TriggerConfig contains settings for the boot-test trigger API.
type TriggerConfig struct {
	// APIKey guards POST /api/trigger-boot-test. Overridable via
	// BOOTTEST_API_KEY.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL is where the webhook dispatcher reaches the trigger API,
	// normally this same process.
	BaseURL string `yaml:"base_url,omitempty"`
}

// QueueConfig contains test queue admission settings.
type QueueConfig struct {
	DedupWindow time.Duration `yaml:"dedup_window,omitempty"`
}

// DeviceConfig describes the physical device under test.
type DeviceConfig struct {
	IP            string `yaml:"ip"`
	PowerScript   string `yaml:"power_script"`
	ConsoleDevice string `yaml:"console_device"`
	ExportDir     string `yaml:"export_dir"`
	LoginPrompt   string `yaml:"login_prompt,omitempty"`
}

// HypervisorConfig describes the remote VM host.
type HypervisorConfig struct {
	Host          string `yaml:"host"`
	User          string `yaml:"user"`
	SSHKeyPath    string `yaml:"ssh_key_path"`
	Bridge        string `yaml:"bridge,omitempty"`
	MemoryMB      int    `yaml:"memory_mb,omitempty"`
	VCPUs         int    `yaml:"vcpus,omitempty"`
	RemoteTempDir string `yaml:"remote_temp_dir,omitempty"`
	KeepOnFailure bool   `yaml:"keep_on_failure,omitempty"`
}

// DownloadConfig contains image download settings.
type DownloadConfig struct {
	CacheDir string        `yaml:"cache_dir"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
}

// ReporterConfig contains result reporting settings.
type ReporterConfig struct {
	Enabled bool `yaml:"enabled"`

	Interval time.Duration `yaml:"interval,omitempty"`

	// GitHubAPIBase allows pointing at a GitHub Enterprise or test host.
	GitHubAPIBase string `yaml:"github_api_base,omitempty"`

	// Repo is the "owner/name" repository results are reported against.
	Repo string `yaml:"repo"`

	// Token is the GitHub API token. Overridable via BOOTTEST_GITHUB_TOKEN.
	Token string `yaml:"token,omitempty"`

	MaxAttempts int `yaml:"max_attempts,omitempty"`
}

// TimeoutConfig bounds the long-running stages of a test run.
type TimeoutConfig struct {
	RunMinutes int           `yaml:"run_minutes,omitempty"`
	Boot       time.Duration `yaml:"boot,omitempty"`
	Network    time.Duration `yaml:"network,omitempty"`
	Command    time.Duration `yaml:"command,omitempty"`
}

// Load reads and parses a configuration file from the given path.
// Secrets may be supplied or overridden through the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.RateLimit.Webhook.RequestsPerMinute == 0 {
		c.Server.RateLimit.Webhook.RequestsPerMinute = 10
	}

	if c.Server.RateLimit.Trigger.RequestsPerMinute == 0 {
		c.Server.RateLimit.Trigger.RequestsPerMinute = 30
	}

	if c.Webhook.StalenessWindow == 0 {
		c.Webhook.StalenessWindow = 30 * time.Minute
	}

	if c.Queue.DedupWindow == 0 {
		c.Queue.DedupWindow = 15 * time.Minute
	}

	if c.Device.LoginPrompt == "" {
		c.Device.LoginPrompt = DefaultLoginPrompt
	}

	if c.Download.CacheDir == "" {
		c.Download.CacheDir = DefaultCacheDir
	}

	if c.Download.Timeout == 0 {
		c.Download.Timeout = 30 * time.Minute
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}

	if c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultDatabasePath
	}

	if c.Hypervisor.MemoryMB == 0 {
		c.Hypervisor.MemoryMB = 2048
	}

	if c.Hypervisor.VCPUs == 0 {
		c.Hypervisor.VCPUs = 2
	}

	if c.Hypervisor.Bridge == "" {
		c.Hypervisor.Bridge = "br0"
	}

	if c.Hypervisor.RemoteTempDir == "" {
		c.Hypervisor.RemoteTempDir = "/var/tmp"
	}

	if c.Reporter.Interval == 0 {
		c.Reporter.Interval = 5 * time.Minute
	}

	if c.Reporter.GitHubAPIBase == "" {
		c.Reporter.GitHubAPIBase = "https://api.github.com"
	}

	if c.Reporter.MaxAttempts == 0 {
		c.Reporter.MaxAttempts = 5
	}

	if c.Timeouts.RunMinutes == 0 {
		c.Timeouts.RunMinutes = 30
	}

	if c.Timeouts.Boot == 0 {
		c.Timeouts.Boot = 10 * time.Minute
	}

	if c.Timeouts.Network == 0 {
		c.Timeouts.Network = 5 * time.Minute
	}

	if c.Timeouts.Command == 0 {
		c.Timeouts.Command = 60 * time.Second
	}
}

// applyEnvOverrides lets secrets come from the environment instead of the
// config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("BOOTTEST_WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}

	if v := os.Getenv("BOOTTEST_API_KEY"); v != "" {
		c.Trigger.APIKey = v
	}

	if v := os.Getenv("BOOTTEST_GITHUB_TOKEN"); v != "" {
		c.Reporter.Token = v
	}
}

// Validate checks the configuration for errors. Failures here are fatal
// setup errors: the process refuses to start.
func (c *Config) Validate() error {
	if _, port, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", c.Server.Listen, err)
	} else if port == "" {
		return fmt.Errorf("listen address %q: port is required", c.Server.Listen)
	}

	if c.Webhook.Enabled {
		if c.Webhook.Secret == "" {
			return fmt.Errorf("webhook is enabled but no secret is configured")
		}

		if c.Webhook.Target == "" {
			return fmt.Errorf("webhook is enabled but no target is configured")
		}
	}

	if c.Hypervisor.Host != "" && c.Hypervisor.SSHKeyPath != "" {
		if _, err := os.Stat(c.Hypervisor.SSHKeyPath); err != nil {
			return fmt.Errorf("hypervisor ssh key: %w", err)
		}
	}

	if c.Timeouts.RunMinutes < 1 || c.Timeouts.RunMinutes > 24*60 {
		return fmt.Errorf(
			"run timeout %d minutes out of range (1-1440)", c.Timeouts.RunMinutes,
		)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Reporter.Enabled {
		if c.Reporter.Repo == "" {
			return fmt.Errorf("reporter is enabled but no repo is configured")
		}

		if c.Reporter.Token == "" {
			return fmt.Errorf("reporter is enabled but no token is configured")
		}
	}

	return nil
}

// RunTimeout returns the overall per-run timeout budget.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Timeouts.RunMinutes) * time.Minute
}
