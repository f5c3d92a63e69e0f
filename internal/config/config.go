package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/mailwarm/internal/ratelimit"
	"github.com/foxzi/mailwarm/internal/store"
	"github.com/foxzi/mailwarm/internal/warmup"
)

// Config is the main configuration structure
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Warmup    WarmupConfig    `yaml:"warmup"`
	Registry  RegistryConfig  `yaml:"registry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Transport TransportConfig `yaml:"transport"`
	Mailbox   MailboxConfig   `yaml:"mailbox"`
	Lease     LeaseConfig     `yaml:"lease"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	API       APIConfig       `yaml:"api"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Retention RetentionConfig `yaml:"retention"`
	Content   ContentConfig   `yaml:"content"`
	Sink      SinkConfig      `yaml:"sink"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// WarmupConfig contains ramp and progression parameters
type WarmupConfig struct {
	InitialVolume       int                `yaml:"initial_volume"`
	MaxVolume           int                `yaml:"max_volume"`
	RampUpRate          float64            `yaml:"ramp_up_rate"`
	MinDaysInStage      int                `yaml:"min_days_in_stage"`
	RequiredSuccessRate float64            `yaml:"required_success_rate"`
	DailyLimitIncrement int                `yaml:"daily_limit_increment"`
	MaxStage            int                `yaml:"max_stage"`
	SuccessWindowDays   int                `yaml:"success_window_days"`
	DefaultDailyLimit   int                `yaml:"default_daily_limit"`
	EngagementDelayMin  time.Duration      `yaml:"engagement_delay_min"`
	EngagementDelayMax  time.Duration      `yaml:"engagement_delay_max"`
	EngagementWeights   map[string]float64 `yaml:"engagement_weights"` // action -> weight
	ProbePlacement      bool               `yaml:"probe_placement"`
}

// RegistryConfig contains account registration checks
type RegistryConfig struct {
	CheckMX bool `yaml:"check_mx"`
	Probe   bool `yaml:"probe"` // send a message to self on registration
}

// SchedulerConfig contains periodic cycle settings
type SchedulerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`      // warmup period per account (default: 24h)
	Tick         time.Duration `yaml:"tick"`          // how often due accounts are checked (default: 1m)
	Workers      int           `yaml:"workers"`       // concurrent cycles (default: 4)
	CycleTimeout time.Duration `yaml:"cycle_timeout"` // default: 2h
}

// TransportConfig contains SMTP submission settings
type TransportConfig struct {
	Hostname    string        `yaml:"hostname"` // EHLO name
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Insecure    bool          `yaml:"insecure"`   // allow plaintext, skip certificate checks
	RelayAddr   string        `yaml:"relay_addr"` // send everything through this host:port
	DKIM        []DKIMConfig  `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings for one sender domain
type DKIMConfig struct {
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// MailboxConfig contains IMAP inspection settings
type MailboxConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Timeout     time.Duration `yaml:"timeout"`
	Insecure    bool          `yaml:"insecure"`
	SpamFolders []string      `yaml:"spam_folders"`
	Window      time.Duration `yaml:"window"` // count warmup messages received within (default: 168h)
}

// LeaseConfig contains cycle lease settings; without a Redis address the
// lease is process-local
type LeaseConfig struct {
	TTL   time.Duration `yaml:"ttl"`
	Redis RedisConfig   `yaml:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RateLimitConfig contains send throttle settings
type RateLimitConfig struct {
	Enabled          bool `yaml:"enabled"`
	ratelimit.Config `yaml:",inline"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ListenAddr   string        `yaml:"listen_addr"`
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 30s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// RetentionConfig contains log retention settings
type RetentionConfig struct {
	LogMaxAge       time.Duration `yaml:"log_max_age"`      // 0 = keep forever
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // default: 24h
}

// ContentConfig contains message template settings
type ContentConfig struct {
	TemplatesFile string `yaml:"templates_file"` // empty = built-in templates
}

// SinkConfig contains local SMTP sink settings
type SinkConfig struct {
	Enabled    bool           `yaml:"enabled"` // run the sink inside serve
	ListenAddr string         `yaml:"listen_addr"`
	Domain     string         `yaml:"domain"`
	Auth       SinkAuthConfig `yaml:"auth"`
	StorePath  string         `yaml:"store_path"` // default: sink.db next to storage path
	TLS        SinkTLSConfig  `yaml:"tls"`
}

// SinkTLSConfig enables STARTTLS on the sink
type SinkTLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// SinkAuthConfig contains sink SMTP AUTH settings
type SinkAuthConfig struct {
	Required bool              `yaml:"required"`
	Users    map[string]string `yaml:"users"` // username -> password
}

// envPattern matches ${VAR} references
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// LoadEnvFile seeds the process environment from a dotenv file; variables
// already set are kept
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	data = expandEnv(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// expandEnv replaces ${VAR} with the environment value; unset variables
// become empty. A bare $ is left alone so passwords may contain it.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/mailwarm/mailwarm.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	def := warmup.DefaultSettings()
	if c.Warmup.InitialVolume == 0 {
		c.Warmup.InitialVolume = def.InitialVolume
	}
	if c.Warmup.MaxVolume == 0 {
		c.Warmup.MaxVolume = def.MaxVolume
	}
	if c.Warmup.RampUpRate == 0 {
		c.Warmup.RampUpRate = def.RampUpRate
	}
	if c.Warmup.MinDaysInStage == 0 {
		c.Warmup.MinDaysInStage = def.MinDaysInStage
	}
	if c.Warmup.RequiredSuccessRate == 0 {
		c.Warmup.RequiredSuccessRate = def.RequiredSuccessRate
	}
	if c.Warmup.DailyLimitIncrement == 0 {
		c.Warmup.DailyLimitIncrement = def.DailyLimitIncrement
	}
	if c.Warmup.MaxStage == 0 {
		c.Warmup.MaxStage = def.MaxStage
	}
	if c.Warmup.SuccessWindowDays == 0 {
		c.Warmup.SuccessWindowDays = def.SuccessWindowDays
	}
	if c.Warmup.DefaultDailyLimit == 0 {
		c.Warmup.DefaultDailyLimit = def.DefaultDailyLimit
	}
	if c.Warmup.EngagementDelayMin == 0 && c.Warmup.EngagementDelayMax == 0 {
		c.Warmup.EngagementDelayMin = def.EngagementDelayMin
		c.Warmup.EngagementDelayMax = def.EngagementDelayMax
	}

	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = 24 * time.Hour
	}
	if c.Scheduler.Tick == 0 {
		c.Scheduler.Tick = time.Minute
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.CycleTimeout == 0 {
		c.Scheduler.CycleTimeout = 2 * time.Hour
	}

	if c.Transport.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Transport.Hostname = hostname
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 30 * time.Second
	}
	if c.Transport.MaxAttempts == 0 {
		c.Transport.MaxAttempts = 3
	}

	if c.Mailbox.Timeout == 0 {
		c.Mailbox.Timeout = 30 * time.Second
	}
	if c.Mailbox.Window == 0 {
		c.Mailbox.Window = 7 * 24 * time.Hour
	}

	if c.Lease.TTL == 0 {
		c.Lease.TTL = 30 * time.Minute
	}
	if c.Lease.Redis.Prefix == "" {
		c.Lease.Redis.Prefix = "mailwarm:lease:"
	}

	if c.RateLimit.FlushInterval == 0 {
		c.RateLimit.FlushInterval = 10 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Retention.CleanupInterval == 0 {
		c.Retention.CleanupInterval = 24 * time.Hour
	}

	if c.Sink.ListenAddr == "" {
		c.Sink.ListenAddr = "127.0.0.1:2525"
	}
	if c.Sink.Domain == "" {
		c.Sink.Domain = "localhost"
	}
	if c.Sink.StorePath == "" {
		c.Sink.StorePath = filepath.Join(filepath.Dir(c.Storage.Path), "sink.db")
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if _, err := c.Settings(); err != nil {
		return err
	}

	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must not be negative")
	}
	if c.Transport.MaxAttempts < 0 {
		return fmt.Errorf("transport.max_attempts must not be negative")
	}

	if step := c.MaxCycleStep(); c.Lease.TTL < step {
		return fmt.Errorf("lease.ttl %s is shorter than one cycle step (%s: engagement delay plus a submission with retries)", c.Lease.TTL, step)
	}
	if c.Lease.TTL > c.Scheduler.CycleTimeout {
		return fmt.Errorf("lease.ttl %s must not exceed scheduler.cycle_timeout %s", c.Lease.TTL, c.Scheduler.CycleTimeout)
	}

	for i, d := range c.Transport.DKIM {
		if d.Domain == "" {
			return fmt.Errorf("transport.dkim[%d].domain is required", i)
		}
		if d.Selector == "" {
			return fmt.Errorf("transport.dkim[%d].selector is required", i)
		}
		if d.KeyFile == "" {
			return fmt.Errorf("transport.dkim[%d].key_file is required", i)
		}
	}

	if c.API.Enabled && c.API.APIKey == "" {
		return fmt.Errorf("api.api_key is required when the API is enabled")
	}

	if c.Sink.Auth.Required && len(c.Sink.Auth.Users) == 0 {
		return fmt.Errorf("sink.auth.users must not be empty when auth is required")
	}

	if (c.Sink.TLS.CertFile == "") != (c.Sink.TLS.KeyFile == "") {
		return fmt.Errorf("sink.tls requires both cert_file and key_file")
	}

	return nil
}

// MaxCycleStep is the longest a cycle can go without renewing its lease: the
// longest engagement delay followed by a reply submission that uses every
// attempt, including the attempt^2 second backoff between attempts.
func (c *Config) MaxCycleStep() time.Duration {
	attempts := c.Transport.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	step := c.Warmup.EngagementDelayMax + time.Duration(attempts)*c.Transport.Timeout
	for a := 2; a <= attempts; a++ {
		step += time.Duration(a*a) * time.Second
	}
	return step
}

// Settings converts the warmup section into engine settings
func (c *Config) Settings() (warmup.Settings, error) {
	w := c.Warmup
	s := warmup.Settings{
		InitialVolume:       w.InitialVolume,
		MaxVolume:           w.MaxVolume,
		RampUpRate:          w.RampUpRate,
		MinDaysInStage:      w.MinDaysInStage,
		RequiredSuccessRate: w.RequiredSuccessRate,
		DailyLimitIncrement: w.DailyLimitIncrement,
		MaxStage:            w.MaxStage,
		SuccessWindowDays:   w.SuccessWindowDays,
		DefaultDailyLimit:   w.DefaultDailyLimit,
		EngagementDelayMin:  w.EngagementDelayMin,
		EngagementDelayMax:  w.EngagementDelayMax,
		ProbePlacement:      w.ProbePlacement,
	}

	if len(w.EngagementWeights) > 0 {
		s.EngagementWeights = make(map[store.EngagementAction]float64, len(w.EngagementWeights))
		for name, weight := range w.EngagementWeights {
			action := store.EngagementAction(name)
			if !slices.Contains(warmup.Actions, action) {
				return s, fmt.Errorf("warmup.engagement_weights: unknown action %q", name)
			}
			s.EngagementWeights[action] = weight
		}
	}

	if err := s.Validate(); err != nil {
		return s, fmt.Errorf("warmup: %w", err)
	}
	return s, nil
}
