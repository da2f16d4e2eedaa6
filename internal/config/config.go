// Package config handles application configuration from a YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Chain modes.
const (
	ChainSimulated = "simulated"
	ChainRPC       = "rpc"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `yaml:"port"`
	Env       string `yaml:"env"` // "development", "staging", "production"
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text" or "json"
	LogFile   string `yaml:"log_file"`   // optional rotated file, in addition to stdout

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string `yaml:"database_url"`

	// Chain
	ChainMode           string        `yaml:"chain_mode"`
	RPCURL              string        `yaml:"rpc_url"`
	ChainID             int64         `yaml:"chain_id"`
	OperatorKey         string        `yaml:"operator_key"` // hex, with or without 0x
	ContractAddress     string        `yaml:"contract_address"`
	PlatformAddress     string        `yaml:"platform_address"`
	MinConfirmations    uint64        `yaml:"min_confirmations"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`

	// Escrow terms
	FeePercent    uint8         `yaml:"fee_percent"`
	ReleasePolicy string        `yaml:"release_policy"`
	BillingUnit   time.Duration `yaml:"billing_unit"`

	// Reconciliation
	VerifyMaxAttempts int           `yaml:"verify_max_attempts"`
	VerifyBaseDelay   time.Duration `yaml:"verify_base_delay"`
	VerifyMultiplier  float64       `yaml:"verify_multiplier"`
	ReconcileSchedule string        `yaml:"reconcile_schedule"`

	// Security
	JWTSecret    string `yaml:"jwt_secret"`
	RateLimitRPM int    `yaml:"rate_limit_rpm"`

	// Observability
	OTLPEndpoint string `yaml:"otel_exporter_otlp_endpoint"`
}

// Local development defaults
const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultChainID             = 31337
	DefaultSimContract         = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	DefaultPlatform            = "0x00000000000000000000000000000000000fee00"
	DefaultMinConfirmations    = 1
	DefaultConfirmationTimeout = 2 * time.Minute
	DefaultFeePercent          = 5
	DefaultReleasePolicy       = "owner_or_operator"
	DefaultBillingUnit         = 24 * time.Hour
	DefaultVerifyMaxAttempts   = 5
	DefaultVerifyBaseDelay     = 2 * time.Second
	DefaultVerifyMultiplier    = 2
	DefaultReconcileSchedule   = "*/5 * * * *"
	DefaultRateLimit           = 100
)

// Defaults returns a configuration with every default applied.
func Defaults() *Config {
	return &Config{
		Port:                DefaultPort,
		Env:                 DefaultEnv,
		LogLevel:            DefaultLogLevel,
		LogFormat:           DefaultLogFormat,
		ChainMode:           ChainSimulated,
		ChainID:             DefaultChainID,
		ContractAddress:     DefaultSimContract,
		PlatformAddress:     DefaultPlatform,
		MinConfirmations:    DefaultMinConfirmations,
		ConfirmationTimeout: DefaultConfirmationTimeout,
		FeePercent:          DefaultFeePercent,
		ReleasePolicy:       DefaultReleasePolicy,
		BillingUnit:         DefaultBillingUnit,
		VerifyMaxAttempts:   DefaultVerifyMaxAttempts,
		VerifyBaseDelay:     DefaultVerifyBaseDelay,
		VerifyMultiplier:    DefaultVerifyMultiplier,
		ReconcileSchedule:   DefaultReconcileSchedule,
		RateLimitRPM:        DefaultRateLimit,
	}
}

// Load reads configuration from environment variables, on top of the YAML
// file named by CONFIG_FILE if set. It loads .env file if present (for
// local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overrideWithEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) overrideWithEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.Env = getEnv("ENV", c.Env)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)

	c.ChainMode = strings.ToLower(getEnv("CHAIN_MODE", c.ChainMode))
	c.RPCURL = getEnv("RPC_URL", c.RPCURL)
	c.OperatorKey = getEnv("OPERATOR_KEY", c.OperatorKey)
	c.ContractAddress = getEnv("CONTRACT_ADDRESS", c.ContractAddress)
	c.PlatformAddress = getEnv("PLATFORM_ADDRESS", c.PlatformAddress)
	c.ReleasePolicy = getEnv("RELEASE_POLICY", c.ReleasePolicy)
	c.ReconcileSchedule = getEnv("RECONCILE_SCHEDULE", c.ReconcileSchedule)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)

	var err error
	if c.ChainID, err = getEnvInt64("CHAIN_ID", c.ChainID); err != nil {
		return err
	}
	var n int64
	if n, err = getEnvInt64("MIN_CONFIRMATIONS", int64(c.MinConfirmations)); err != nil { //nolint:gosec // small config value
		return err
	}
	if n < 0 {
		return fmt.Errorf("MIN_CONFIRMATIONS must not be negative")
	}
	c.MinConfirmations = uint64(n)
	if n, err = getEnvInt64("FEE_PERCENT", int64(c.FeePercent)); err != nil {
		return err
	}
	if n < 0 || n > 100 {
		return fmt.Errorf("FEE_PERCENT must be between 0 and 100")
	}
	c.FeePercent = uint8(n)
	if n, err = getEnvInt64("VERIFY_MAX_ATTEMPTS", int64(c.VerifyMaxAttempts)); err != nil {
		return err
	}
	c.VerifyMaxAttempts = int(n)
	if n, err = getEnvInt64("RATE_LIMIT_RPM", int64(c.RateLimitRPM)); err != nil {
		return err
	}
	c.RateLimitRPM = int(n)

	if c.ConfirmationTimeout, err = getEnvDuration("CONFIRMATION_TIMEOUT", c.ConfirmationTimeout); err != nil {
		return err
	}
	if c.VerifyBaseDelay, err = getEnvDuration("VERIFY_BASE_DELAY", c.VerifyBaseDelay); err != nil {
		return err
	}
	if c.BillingUnit, err = getEnvDuration("BILLING_UNIT", c.BillingUnit); err != nil {
		return err
	}
	if v := os.Getenv("VERIFY_MULTIPLIER"); v != "" {
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			return fmt.Errorf("VERIFY_MULTIPLIER: %w", perr)
		}
		c.VerifyMultiplier = f
	}
	return nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.ChainMode {
	case ChainSimulated:
	case ChainRPC:
		if c.RPCURL == "" {
			return fmt.Errorf("RPC_URL is required in rpc chain mode")
		}
		if c.OperatorKey == "" {
			return fmt.Errorf("OPERATOR_KEY is required in rpc chain mode")
		}
	default:
		return fmt.Errorf("CHAIN_MODE must be %q or %q", ChainSimulated, ChainRPC)
	}

	if c.OperatorKey != "" {
		key := strings.TrimPrefix(c.OperatorKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("OPERATOR_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}
	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("CONTRACT_ADDRESS is not a valid address")
	}
	if !common.IsHexAddress(c.PlatformAddress) {
		return fmt.Errorf("PLATFORM_ADDRESS is not a valid address")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	switch c.ReleasePolicy {
	case "owner", "operator", "owner_or_operator":
	default:
		return fmt.Errorf("RELEASE_POLICY must be owner, operator or owner_or_operator")
	}
	if c.FeePercent > 100 {
		return fmt.Errorf("FEE_PERCENT must be between 0 and 100")
	}
	if c.BillingUnit <= 0 {
		return fmt.Errorf("BILLING_UNIT must be positive")
	}
	if c.VerifyMaxAttempts < 1 {
		return fmt.Errorf("VERIFY_MAX_ATTEMPTS must be at least 1")
	}
	if c.VerifyMultiplier < 1 {
		return fmt.Errorf("VERIFY_MULTIPLIER must be at least 1")
	}

	if c.IsProduction() {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET of at least 32 bytes is required in production")
		}
		if c.ChainMode == ChainSimulated {
			return fmt.Errorf("simulated chain is not allowed in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
