package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/idsync/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	IdP           IdPConfig           `yaml:"idp"`
	Reconcile     ReconcileConfig     `yaml:"reconcile"`
	Notify        NotifyConfig        `yaml:"notify"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the account store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver       string `yaml:"driver"`
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig enables the shared scan lock. Empty URL means in-process locking.
type RedisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// IdPConfig holds identity provider admin API settings
type IdPConfig struct {
	BaseURL      string `yaml:"base_url"`
	Realm        string `yaml:"realm"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// IssuerURL, when set, is used for OIDC discovery of the token endpoint.
	IssuerURL    string        `yaml:"issuer_url"`
	TokenURL     string        `yaml:"token_url"`
	Timeout      time.Duration `yaml:"timeout"`
	SafetyMargin time.Duration `yaml:"safety_margin"`
	RoleCacheTTL time.Duration `yaml:"role_cache_ttl"`
}

// ReconcileConfig holds scheduler settings
type ReconcileConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Period       time.Duration `yaml:"period"`
	Concurrency  int           `yaml:"concurrency"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	BaselineRole string        `yaml:"baseline_role"`
}

// NotifyConfig holds activation mail settings. Empty SMTPHost logs instead of sending.
type NotifyConfig struct {
	SMTPHost      string `yaml:"smtp_host"`
	SMTPPort      int    `yaml:"smtp_port"`
	SMTPUsername  string `yaml:"smtp_username"`
	SMTPPassword  string `yaml:"smtp_password"`
	From          string `yaml:"from"`
	ActivationURL string `yaml:"activation_url"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// Level returns the parsed log level.
func (o ObservabilityConfig) Level() observability.LogLevel {
	return parseLogLevel(o.LogLevel)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{KeyPrefix: "idsync:"},
		IdP: IdPConfig{
			ClientID:     "idsync",
			Timeout:      10 * time.Second,
			SafetyMargin: 10 * time.Second,
			RoleCacheTTL: 5 * time.Minute,
		},
		Reconcile: ReconcileConfig{
			Enabled:      true,
			Period:       60 * time.Second,
			Concurrency:  1,
			MaxAttempts:  5,
			BaseDelay:    time.Minute,
			BaselineRole: "Interested",
		},
		Notify: NotifyConfig{
			SMTPPort: 587,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "idsync",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
		},
	}
}

// LoadConfig loads configuration from defaults, the optional YAML file named
// by IDSYNC_CONFIG_FILE, and environment variables, in increasing precedence.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := getEnv("IDSYNC_CONFIG_FILE", ""); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	s := &cfg.Server
	s.Host = getEnv("IDSYNC_HOST", s.Host)
	s.Port = getEnv("IDSYNC_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("IDSYNC_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("IDSYNC_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("IDSYNC_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("IDSYNC_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)

	d := &cfg.Database
	d.Driver = strings.ToLower(getEnv("IDSYNC_STORAGE", d.Driver))
	d.URL = getEnv("IDSYNC_DATABASE_URL", d.URL)
	d.MaxOpenConns = getEnvInt("IDSYNC_DATABASE_MAX_OPEN_CONNS", d.MaxOpenConns)
	d.MaxIdleConns = getEnvInt("IDSYNC_DATABASE_MAX_IDLE_CONNS", d.MaxIdleConns)

	cfg.Redis.URL = getEnv("IDSYNC_REDIS_URL", cfg.Redis.URL)
	cfg.Redis.KeyPrefix = getEnv("IDSYNC_REDIS_KEY_PREFIX", cfg.Redis.KeyPrefix)

	i := &cfg.IdP
	i.BaseURL = strings.TrimRight(getEnv("IDSYNC_IDP_BASE_URL", i.BaseURL), "/")
	i.Realm = getEnv("IDSYNC_IDP_REALM", i.Realm)
	i.ClientID = getEnv("IDSYNC_IDP_CLIENT_ID", i.ClientID)
	i.ClientSecret = getEnv("IDSYNC_IDP_CLIENT_SECRET", i.ClientSecret)
	i.IssuerURL = getEnv("IDSYNC_IDP_ISSUER_URL", i.IssuerURL)
	i.TokenURL = getEnv("IDSYNC_IDP_TOKEN_URL", i.TokenURL)
	i.Timeout = getEnvDuration("IDSYNC_IDP_TIMEOUT", i.Timeout)
	i.SafetyMargin = getEnvDuration("IDSYNC_IDP_SAFETY_MARGIN", i.SafetyMargin)
	i.RoleCacheTTL = getEnvDuration("IDSYNC_IDP_ROLE_CACHE_TTL", i.RoleCacheTTL)

	r := &cfg.Reconcile
	r.Enabled = getEnvBool("IDSYNC_RECONCILE_ENABLED", r.Enabled)
	r.Period = getEnvDuration("IDSYNC_RECONCILE_PERIOD", r.Period)
	r.Concurrency = getEnvInt("IDSYNC_RECONCILE_CONCURRENCY", r.Concurrency)
	r.MaxAttempts = getEnvInt("IDSYNC_RECONCILE_MAX_ATTEMPTS", r.MaxAttempts)
	r.BaseDelay = getEnvDuration("IDSYNC_RECONCILE_BASE_DELAY", r.BaseDelay)
	r.BaselineRole = getEnv("IDSYNC_RECONCILE_BASELINE_ROLE", r.BaselineRole)

	n := &cfg.Notify
	n.SMTPHost = getEnv("IDSYNC_SMTP_HOST", n.SMTPHost)
	n.SMTPPort = getEnvInt("IDSYNC_SMTP_PORT", n.SMTPPort)
	n.SMTPUsername = getEnv("IDSYNC_SMTP_USERNAME", n.SMTPUsername)
	n.SMTPPassword = getEnv("IDSYNC_SMTP_PASSWORD", n.SMTPPassword)
	n.From = getEnv("IDSYNC_SMTP_FROM", n.From)
	n.ActivationURL = getEnv("IDSYNC_ACTIVATION_URL", n.ActivationURL)

	o := &cfg.Observability
	o.LogLevel = getEnv("IDSYNC_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("IDSYNC_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("IDSYNC_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("IDSYNC_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("IDSYNC_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("IDSYNC_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("IDSYNC_OTEL_INSECURE", o.OTelInsecure)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("database URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (must be postgres or memory)", c.Database.Driver)
	}

	if c.IdP.BaseURL == "" {
		return fmt.Errorf("identity provider base URL is required")
	}
	if c.IdP.Realm == "" {
		return fmt.Errorf("identity provider realm is required")
	}
	if c.IdP.ClientID == "" || c.IdP.ClientSecret == "" {
		return fmt.Errorf("identity provider client credentials are required")
	}

	if c.Reconcile.Period <= 0 {
		return fmt.Errorf("reconcile period must be positive")
	}
	if c.Reconcile.Concurrency < 1 {
		return fmt.Errorf("reconcile concurrency must be at least 1")
	}
	if c.Reconcile.MaxAttempts < 1 {
		return fmt.Errorf("reconcile max attempts must be at least 1")
	}

	if c.Notify.SMTPHost != "" && c.Notify.From == "" {
		return fmt.Errorf("notification sender address is required when SMTP is configured")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
