// Package config loads agentpay's runtime configuration, following the
// teacher's services/payoutd config pattern: YAML with a custom Duration
// type and _FILE/_ENV secret indirection so no secret need live in the
// YAML file itself.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling of human
// readable strings like "60s" or "5m".
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

// Config is agentpay's top-level runtime configuration.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	Environment   string           `yaml:"environment"` // "production" disables dev-only fallbacks
	Database      DatabaseConfig   `yaml:"database"`
	Chains        []ChainConfig    `yaml:"chains"`
	Compliance    ComplianceConfig `yaml:"compliance"`
	Policy        PolicyConfig     `yaml:"policy"`
	Scheduler     SchedulerConfig  `yaml:"scheduler"`
	Auth          AuthConfig       `yaml:"auth"`
	Webhooks      WebhooksConfig   `yaml:"webhooks"`
	Signer        SignerConfig     `yaml:"signer"`
	Agents        []AgentConfig    `yaml:"agents"`
	// AllowedMerchantDomains lists the merchant domains the Mandate Verifier
	// accepts in Intent/Cart/Payment envelopes.
	AllowedMerchantDomains []string      `yaml:"allowed_merchant_domains"`
	Logging                LoggingConfig `yaml:"logging"`
}

// LoggingConfig optionally adds a rotating on-disk log file alongside stdout.
type LoggingConfig struct {
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// AgentConfig seeds the identity registry and per-agent spending policy at
// startup. Production deployments are expected to manage these via an
// operator tool writing to the store package's durable tables instead; this
// section covers the bootstrap/dev case.
type AgentConfig struct {
	AgentID        string `yaml:"agent_id"`
	KID            string `yaml:"kid"`
	PublicKeyHex   string `yaml:"public_key_hex"`
	DailyCapMinor  string `yaml:"daily_cap_minor"`
	PerTxnCapMinor string `yaml:"per_txn_cap_minor"`
}

// SignerConfig selects and configures the chainexec.Signer implementation.
// The local key can be supplied directly (local_key_hex, dev only), or via
// an encrypted go-ethereum v3 keystore file (keystore_path), which is the
// preferred shape outside of local development since the raw key material
// never needs to touch the YAML file or an env var.
type SignerConfig struct {
	Mode                   string `yaml:"mode"` // "local" (dev) or "mpc" (production)
	LocalKeyHex            string `yaml:"local_key_hex"`
	LocalKeyHexFile        string `yaml:"local_key_hex_file"`
	LocalKeyHexEnv         string `yaml:"local_key_hex_env"`
	KeystorePath           string `yaml:"keystore_path"`
	KeystorePassphrase     string `yaml:"keystore_passphrase"`
	KeystorePassphraseFile string `yaml:"keystore_passphrase_file"`
	KeystorePassphraseEnv  string `yaml:"keystore_passphrase_env"`
	MPCBaseURL             string `yaml:"mpc_base_url"`
	MPCAPIKey              string `yaml:"mpc_api_key"`
	MPCAPIKeyFile          string `yaml:"mpc_api_key_file"`
	MPCAPIKeyEnv           string `yaml:"mpc_api_key_env"`
}

// DatabaseConfig selects and configures the GORM driver.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "postgres" or "sqlite"
	DSN    string `yaml:"dsn"`
}

// ChainConfig configures one supported settlement chain.
type ChainConfig struct {
	Name               string `yaml:"name"`
	RPCEndpoint        string `yaml:"rpc_endpoint"`
	Confirmations      int    `yaml:"confirmations"`
	SponsorCapPerOpWei int64  `yaml:"sponsor_cap_per_op_wei"`
	SponsorCapDailyWei int64  `yaml:"sponsor_cap_daily_wei"`
}

// ComplianceConfig configures KYC/KYT/KYA provider wiring.
type ComplianceConfig struct {
	KYCThresholdMinor int64  `yaml:"kyc_threshold_minor"`
	EnforceKYA        bool   `yaml:"enforce_kya"`
	KYCProviderName   string `yaml:"kyc_provider_name"`
	KYCBaseURL        string `yaml:"kyc_base_url"`
	KYCAPIKey         string `yaml:"kyc_api_key"`
	KYCAPIKeyFile     string `yaml:"kyc_api_key_file"`
	KYCAPIKeyEnv      string `yaml:"kyc_api_key_env"`
	KYTProviderName   string `yaml:"kyt_provider_name"`
	KYTBaseURL        string `yaml:"kyt_base_url"`
	KYTAPIKey         string `yaml:"kyt_api_key"`
	KYTAPIKeyFile     string `yaml:"kyt_api_key_file"`
	KYTAPIKeyEnv      string `yaml:"kyt_api_key_env"`
}

// PolicyConfig configures default spending-policy parameters.
type PolicyConfig struct {
	DefaultDailyCapMinor  string `yaml:"default_daily_cap_minor"`
	DefaultPerTxnCapMinor string `yaml:"default_per_txn_cap_minor"`
}

// SchedulerConfig configures the job scheduler's registered intervals.
type SchedulerConfig struct {
	ReconciliationDrainInterval Duration `yaml:"reconciliation_drain_interval"`
	HoldExpiryInterval          Duration `yaml:"hold_expiry_interval"`
	ApprovalExpiryInterval      Duration `yaml:"approval_expiry_interval"`
	SpendingResetHourUTC        int      `yaml:"spending_reset_hour_utc"`
}

// AuthConfig configures JWT bearer auth for gatewayapi's admin endpoints.
type AuthConfig struct {
	JWTSigningKey     string `yaml:"jwt_signing_key"`
	JWTSigningKeyFile string `yaml:"jwt_signing_key_file"`
	JWTSigningKeyEnv  string `yaml:"jwt_signing_key_env"`
}

// WebhooksConfig configures inbound webhook HMAC verification.
type WebhooksConfig struct {
	HMACSecret     string `yaml:"hmac_secret"`
	HMACSecretFile string `yaml:"hmac_secret_file"`
	HMACSecretEnv  string `yaml:"hmac_secret_env"`
}

// Load reads configuration from path, applies defaults, resolves secret
// indirection (_FILE/_ENV), and validates the result.
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

	applyDefaults(&cfg)
	if err := cfg.Compliance.normalise(); err != nil {
		return cfg, fmt.Errorf("compliance secrets: %w", err)
	}
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth secrets: %w", err)
	}
	if err := cfg.Webhooks.normalise(); err != nil {
		return cfg, fmt.Errorf("webhook secrets: %w", err)
	}
	if err := cfg.Signer.normalise(); err != nil {
		return cfg, fmt.Errorf("signer secrets: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Scheduler.ReconciliationDrainInterval.Duration == 0 {
		cfg.Scheduler.ReconciliationDrainInterval.Duration = 60 * time.Second
	}
	if cfg.Scheduler.HoldExpiryInterval.Duration == 0 {
		cfg.Scheduler.HoldExpiryInterval.Duration = 5 * time.Minute
	}
	if cfg.Scheduler.ApprovalExpiryInterval.Duration == 0 {
		cfg.Scheduler.ApprovalExpiryInterval.Duration = 60 * time.Second
	}
	for i := range cfg.Chains {
		if cfg.Chains[i].Confirmations <= 0 {
			cfg.Chains[i].Confirmations = 2
		}
	}
	if cfg.Logging.FilePath != "" {
		if cfg.Logging.MaxSizeMB <= 0 {
			cfg.Logging.MaxSizeMB = 100
		}
		if cfg.Logging.MaxBackups <= 0 {
			cfg.Logging.MaxBackups = 5
		}
		if cfg.Logging.MaxAgeDays <= 0 {
			cfg.Logging.MaxAgeDays = 28
		}
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must be configured")
	}
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured")
	}
	for _, c := range cfg.Chains {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("chain entry missing name")
		}
	}
	return nil
}

// IsProduction reports whether this config targets a production
// environment, used to disable dev-only fallbacks (in-memory replay
// cache and reconciliation store) and to make LocalSigner log a WARNING.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func resolveSecret(direct, file, env string) (string, error) {
	direct = strings.TrimSpace(direct)
	if direct != "" {
		return direct, nil
	}
	if env = strings.TrimSpace(env); env != "" {
		value := strings.TrimSpace(os.Getenv(env))
		if value == "" {
			return "", fmt.Errorf("env %s is empty", env)
		}
		return value, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read secret file: %w", err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func (c *ComplianceConfig) normalise() error {
	kytKey, err := resolveSecret(c.KYTAPIKey, c.KYTAPIKeyFile, c.KYTAPIKeyEnv)
	if err != nil {
		return err
	}
	c.KYTAPIKey = kytKey
	kycKey, err := resolveSecret(c.KYCAPIKey, c.KYCAPIKeyFile, c.KYCAPIKeyEnv)
	if err != nil {
		return err
	}
	c.KYCAPIKey = kycKey
	return nil
}

func (s *SignerConfig) normalise() error {
	if strings.TrimSpace(s.Mode) == "" {
		s.Mode = "local"
	}
	localKey, err := resolveSecret(s.LocalKeyHex, s.LocalKeyHexFile, s.LocalKeyHexEnv)
	if err != nil {
		return err
	}
	s.LocalKeyHex = localKey
	passphrase, err := resolveSecret(s.KeystorePassphrase, s.KeystorePassphraseFile, s.KeystorePassphraseEnv)
	if err != nil {
		return err
	}
	s.KeystorePassphrase = passphrase
	mpcKey, err := resolveSecret(s.MPCAPIKey, s.MPCAPIKeyFile, s.MPCAPIKeyEnv)
	if err != nil {
		return err
	}
	s.MPCAPIKey = mpcKey
	return nil
}

func (a *AuthConfig) normalise() error {
	key, err := resolveSecret(a.JWTSigningKey, a.JWTSigningKeyFile, a.JWTSigningKeyEnv)
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("jwt_signing_key is required")
	}
	a.JWTSigningKey = key
	return nil
}

func (w *WebhooksConfig) normalise() error {
	secret, err := resolveSecret(w.HMACSecret, w.HMACSecretFile, w.HMACSecretEnv)
	if err != nil {
		return err
	}
	if secret == "" {
		return fmt.Errorf("hmac_secret is required")
	}
	w.HMACSecret = secret
	return nil
}
