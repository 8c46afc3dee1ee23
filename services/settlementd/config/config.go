package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlementd.
type Config struct {
	ListenAddress string         `yaml:"listen"`
	Environment   string         `yaml:"env"`
	AdminAddress  string         `yaml:"admin_address"`
	Database      DatabaseConfig `yaml:"database"`
	Lock          LockConfig     `yaml:"lock"`
	Chain         ChainConfig    `yaml:"chain"`
	Referral      ReferralConfig `yaml:"referral"`
	Notify        NotifyConfig   `yaml:"notify"`
	Jobs          JobsConfig     `yaml:"jobs"`
	Recon         ReconConfig    `yaml:"recon"`
	Auth          AuthConfig     `yaml:"auth"`
	Logging       LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig points at the ledger database.
type DatabaseConfig struct {
	URL    string `yaml:"url"`
	URLEnv string `yaml:"url_env"`
}

// LockConfig tunes the lock manager.
type LockConfig struct {
	TTL         Duration `yaml:"ttl"`
	Backoff     Duration `yaml:"backoff"`
	MaxAttempts int      `yaml:"max_attempts"`
	MaxWait     Duration `yaml:"max_wait"`
}

// ChainConfig configures the blockchain boundary.
type ChainConfig struct {
	RPCURL           string   `yaml:"rpc_url"`
	ExchangeContract string   `yaml:"exchange_contract"`
	LockingContract  string   `yaml:"locking_contract"`
	SignerKey        string   `yaml:"signer_key"`
	SignerKeyEnv     string   `yaml:"signer_key_env"`
	SignerKeyFile    string   `yaml:"signer_key_file"`
	MaxRetry         int      `yaml:"max_retry"`
	RetryBackoff     Duration `yaml:"retry_backoff"`
	RequestsPerSec   float64  `yaml:"requests_per_second"`
	Timeout          Duration `yaml:"timeout"`
}

// ReferralConfig holds the commission split and promotion threshold.
// Ratios are parts of Divisor.
type ReferralConfig struct {
	BDARatio         int64  `yaml:"bda_ratio"`
	ReferrerRatio    int64  `yaml:"referrer_ratio"`
	Divisor          int64  `yaml:"divisor"`
	BDAThreshold     string `yaml:"bda_threshold"`
	MinDirectReferee int64  `yaml:"min_direct_referee"`
	SystemAddress    string `yaml:"system_address"`
}

// NotifyConfig configures notification delivery.
type NotifyConfig struct {
	WebhookURL     string   `yaml:"webhook_url"`
	Workers        int      `yaml:"workers"`
	QueueSize      int      `yaml:"queue_size"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
	Burst          int      `yaml:"burst"`
	RequestTimeout Duration `yaml:"request_timeout"`
}

// JobsConfig configures the delayed job queue.
type JobsConfig struct {
	BoltPath          string   `yaml:"bolt_path"`
	Workers           int      `yaml:"workers"`
	ConfirmationDelay Duration `yaml:"confirmation_delay"`
	MaxAttempts       int      `yaml:"max_attempts"`
	RetryBackoff      Duration `yaml:"retry_backoff"`
}

// ReconConfig controls the processing-transaction reconciler.
type ReconConfig struct {
	Interval   Duration `yaml:"interval"`
	Grace      Duration `yaml:"grace"`
	Timeout    Duration `yaml:"timeout"`
	BatchSize  int      `yaml:"batch_size"`
	OutputDir  string   `yaml:"output_dir"`
	DryRun     bool     `yaml:"dry_run"`
	DisableRun bool     `yaml:"disable"`
}

// AuthConfig configures JWT verification for worker callbacks.
type AuthConfig struct {
	Issuer       string   `yaml:"issuer"`
	HMACSecret   string   `yaml:"hmac_secret"`
	HMACEnv      string   `yaml:"hmac_secret_env"`
	WorkerRole   string   `yaml:"worker_role"`
	AdminRole    string   `yaml:"admin_role"`
	AllowedSkew  Duration `yaml:"allowed_skew"`
	DisableCheck bool     `yaml:"disable"`
}

// LoggingConfig optionally mirrors logs into a rotating file.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads configuration from the supplied path, applies defaults, resolves
// secret indirections and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return Finalise(cfg)
}

// Finalise applies defaults, environment overrides and validation to cfg.
func Finalise(cfg Config) (Config, error) {
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Chain.normalise(); err != nil {
		return cfg, fmt.Errorf("chain signer: %w", err)
	}
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SETTLEMENT_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("SETTLEMENT_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if cfg.Database.URLEnv == "" {
		cfg.Database.URLEnv = "SETTLEMENT_DB_URL"
	}
	if v := strings.TrimSpace(os.Getenv(cfg.Database.URLEnv)); v != "" {
		cfg.Database.URL = v
	}
	if cfg.Chain.SignerKeyEnv == "" && cfg.Chain.SignerKey == "" && cfg.Chain.SignerKeyFile == "" {
		cfg.Chain.SignerKeyEnv = "SETTLEMENT_SIGNER_KEY"
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Lock.TTL.Duration == 0 {
		cfg.Lock.TTL.Duration = 10 * time.Second
	}
	if cfg.Lock.Backoff.Duration == 0 {
		cfg.Lock.Backoff.Duration = 500 * time.Millisecond
	}
	if cfg.Lock.MaxAttempts <= 0 {
		cfg.Lock.MaxAttempts = 120
	}
	if cfg.Lock.MaxWait.Duration == 0 {
		cfg.Lock.MaxWait.Duration = time.Minute
	}
	if cfg.Chain.MaxRetry <= 0 {
		cfg.Chain.MaxRetry = 5
	}
	if cfg.Chain.RetryBackoff.Duration == 0 {
		cfg.Chain.RetryBackoff.Duration = time.Second
	}
	if cfg.Chain.RequestsPerSec <= 0 {
		cfg.Chain.RequestsPerSec = 10
	}
	if cfg.Chain.Timeout.Duration == 0 {
		cfg.Chain.Timeout.Duration = 15 * time.Second
	}
	if cfg.Referral.Divisor == 0 {
		cfg.Referral.Divisor = 10000
	}
	if cfg.Referral.BDARatio == 0 && cfg.Referral.ReferrerRatio == 0 {
		cfg.Referral.BDARatio = 200
		cfg.Referral.ReferrerRatio = 800
	}
	if cfg.Referral.BDAThreshold == "" {
		cfg.Referral.BDAThreshold = "10000"
	}
	if cfg.Referral.MinDirectReferee <= 0 {
		cfg.Referral.MinDirectReferee = 3
	}
	if cfg.Notify.Workers <= 0 {
		cfg.Notify.Workers = 2
	}
	if cfg.Notify.QueueSize <= 0 {
		cfg.Notify.QueueSize = 256
	}
	if cfg.Notify.RatePerSecond <= 0 {
		cfg.Notify.RatePerSecond = 20
	}
	if cfg.Notify.Burst <= 0 {
		cfg.Notify.Burst = 10
	}
	if cfg.Notify.RequestTimeout.Duration == 0 {
		cfg.Notify.RequestTimeout.Duration = 5 * time.Second
	}
	if cfg.Jobs.Workers <= 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Jobs.ConfirmationDelay.Duration == 0 {
		cfg.Jobs.ConfirmationDelay.Duration = 2 * time.Minute
	}
	if cfg.Jobs.MaxAttempts <= 0 {
		cfg.Jobs.MaxAttempts = 5
	}
	if cfg.Jobs.RetryBackoff.Duration == 0 {
		cfg.Jobs.RetryBackoff.Duration = 30 * time.Second
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = 5 * time.Minute
	}
	if cfg.Recon.Grace.Duration == 0 {
		cfg.Recon.Grace.Duration = 2 * time.Minute
	}
	if cfg.Recon.Timeout.Duration == 0 {
		cfg.Recon.Timeout.Duration = time.Hour
	}
	if cfg.Recon.BatchSize <= 0 {
		cfg.Recon.BatchSize = 200
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = "var/settlementd/recon"
	}
	if cfg.Auth.WorkerRole == "" {
		cfg.Auth.WorkerRole = "worker"
	}
	if cfg.Auth.AdminRole == "" {
		cfg.Auth.AdminRole = "admin"
	}
	if cfg.Auth.AllowedSkew.Duration == 0 {
		cfg.Auth.AllowedSkew.Duration = 30 * time.Second
	}
	if cfg.Logging.File != "" {
		if cfg.Logging.MaxSizeMB <= 0 {
			cfg.Logging.MaxSizeMB = 100
		}
		if cfg.Logging.MaxBackups <= 0 {
			cfg.Logging.MaxBackups = 5
		}
		if cfg.Logging.MaxAgeDays <= 0 {
			cfg.Logging.MaxAgeDays = 14
		}
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return fmt.Errorf("database url must be configured")
	}
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if !common.IsHexAddress(cfg.Chain.ExchangeContract) {
		return fmt.Errorf("chain exchange_contract must be a 20-byte hex address")
	}
	if cfg.Chain.LockingContract != "" && !common.IsHexAddress(cfg.Chain.LockingContract) {
		return fmt.Errorf("chain locking_contract must be a 20-byte hex address")
	}
	if cfg.AdminAddress != "" && !common.IsHexAddress(cfg.AdminAddress) {
		return fmt.Errorf("admin_address must be a 20-byte hex address")
	}
	if cfg.Referral.SystemAddress != "" && !common.IsHexAddress(cfg.Referral.SystemAddress) {
		return fmt.Errorf("referral system_address must be a 20-byte hex address")
	}
	r := cfg.Referral
	if r.Divisor <= 0 {
		return fmt.Errorf("referral divisor must be positive")
	}
	if r.BDARatio < 0 || r.ReferrerRatio < 0 {
		return fmt.Errorf("referral ratios must not be negative")
	}
	if r.BDARatio+r.ReferrerRatio > r.Divisor {
		return fmt.Errorf("referral ratios %d+%d exceed divisor %d", r.BDARatio, r.ReferrerRatio, r.Divisor)
	}
	if cfg.Lock.Backoff.Duration > cfg.Lock.MaxWait.Duration {
		return fmt.Errorf("lock backoff must not exceed max_wait")
	}
	if !cfg.Auth.DisableCheck && cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac secret must be configured")
	}
	return nil
}

func (c *ChainConfig) normalise() error {
	c.SignerKey = strings.TrimPrefix(strings.TrimSpace(c.SignerKey), "0x")
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case c.SignerKeyFile != "":
		contents, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimPrefix(strings.TrimSpace(string(contents)), "0x")
	case c.SignerKeyEnv != "":
		c.SignerKey = strings.TrimPrefix(strings.TrimSpace(os.Getenv(c.SignerKeyEnv)), "0x")
	}
	if c.SignerKey == "" {
		return fmt.Errorf("signer_key is required")
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	a.HMACSecret = strings.TrimSpace(a.HMACSecret)
	if a.HMACSecret == "" && strings.TrimSpace(a.HMACEnv) != "" {
		a.HMACSecret = strings.TrimSpace(os.Getenv(strings.TrimSpace(a.HMACEnv)))
		if a.HMACSecret == "" && !a.DisableCheck {
			return fmt.Errorf("hmac_secret_env %s is empty", a.HMACEnv)
		}
	}
	return nil
}
