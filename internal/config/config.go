package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Variant selects which flavour of the task tracker is served.
type Variant string

const (
	// VariantMinimal tracks titles only; /update toggles completion.
	VariantMinimal Variant = "minimal"
	// VariantExtended requires email and deadline and sends notifications.
	VariantExtended Variant = "extended"
)

// Config holds the application configuration.
type Config struct {
	// Server settings
	ServerPort string  `yaml:"server_port"`
	Variant    Variant `yaml:"variant"`

	// Storage settings
	StoreDriver string `yaml:"store_driver"` // memory | sqlite
	DatabaseDSN string `yaml:"database_dsn"`

	// Notification settings
	RedisAddr       string        `yaml:"redis_addr"`
	RedisKey        string        `yaml:"redis_key"`
	QueueSize       int           `yaml:"queue_size"`
	SMTPHost        string        `yaml:"smtp_host"`
	SMTPPort        int           `yaml:"smtp_port"`
	SMTPUsername    string        `yaml:"smtp_username"`
	SMTPPassword    string        `yaml:"smtp_password"`
	MailFrom        string        `yaml:"mail_from"`
	MailTimeout     time.Duration `yaml:"mail_timeout"`
	MailMaxAttempts int           `yaml:"mail_max_attempts"`
	ReminderLead    time.Duration `yaml:"reminder_lead"`

	// OpenTelemetry settings
	OTelEnabled  bool   `yaml:"otel_enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Environment  string `yaml:"environment"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerPort:      "8080",
		Variant:         VariantExtended,
		StoreDriver:     "sqlite",
		DatabaseDSN:     "db.sqlite",
		RedisKey:        "taskminder:notifications",
		QueueSize:       256,
		SMTPPort:        587,
		MailFrom:        "taskminder@localhost",
		MailTimeout:     10 * time.Second,
		MailMaxAttempts: 3,
		ReminderLead:    60 * time.Minute,
		OTelEnabled:     true,
		OTLPEndpoint:    "localhost:4317",
		ServiceName:     "taskminder",
		Environment:     "development",
	}
}

// Load returns configuration from environment variables with sensible defaults.
// If CONFIG_FILE names a YAML file it is applied first; environment variables
// take precedence over it.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	var err error
	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.Variant = Variant(getEnv("APP_VARIANT", string(cfg.Variant)))
	cfg.StoreDriver = getEnv("STORE_DRIVER", cfg.StoreDriver)
	cfg.DatabaseDSN = getEnv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.RedisAddr = getEnv("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisKey = getEnv("REDIS_KEY", cfg.RedisKey)
	cfg.SMTPHost = getEnv("SMTP_HOST", cfg.SMTPHost)
	cfg.SMTPUsername = getEnv("SMTP_USERNAME", cfg.SMTPUsername)
	cfg.SMTPPassword = getEnv("SMTP_PASSWORD", cfg.SMTPPassword)
	cfg.MailFrom = getEnv("MAIL_FROM", cfg.MailFrom)
	cfg.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.ServiceName = getEnv("OTEL_SERVICE_NAME", cfg.ServiceName)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)

	if cfg.QueueSize, err = getEnvInt("QUEUE_SIZE", cfg.QueueSize); err != nil {
		return nil, err
	}
	if cfg.SMTPPort, err = getEnvInt("SMTP_PORT", cfg.SMTPPort); err != nil {
		return nil, err
	}
	if cfg.MailMaxAttempts, err = getEnvInt("MAIL_MAX_ATTEMPTS", cfg.MailMaxAttempts); err != nil {
		return nil, err
	}
	if cfg.MailTimeout, err = getEnvDuration("MAIL_TIMEOUT", cfg.MailTimeout); err != nil {
		return nil, err
	}
	if cfg.ReminderLead, err = getEnvDuration("REMINDER_LEAD", cfg.ReminderLead); err != nil {
		return nil, err
	}
	if cfg.OTelEnabled, err = getEnvBool("OTEL_ENABLED", cfg.OTelEnabled); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch c.Variant {
	case VariantMinimal, VariantExtended:
	default:
		return fmt.Errorf("unknown variant %q (want %q or %q)", c.Variant, VariantMinimal, VariantExtended)
	}
	switch c.StoreDriver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown store driver %q (want memory or sqlite)", c.StoreDriver)
	}
	if c.ReminderLead <= 0 {
		return fmt.Errorf("reminder lead must be positive, got %s", c.ReminderLead)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
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

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
