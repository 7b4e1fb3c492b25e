package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Automation AutomationConfig `mapstructure:"automation"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Events     EventsConfig     `mapstructure:"events"`
	Schedules  []ScheduleConfig `mapstructure:"schedules"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
	RulesFile        string        `mapstructure:"rules_file"`
}

// AutomationConfig bounds how much work one invocation does
type AutomationConfig struct {
	RuleLimit         int `mapstructure:"rule_limit"`
	DryRunSampleSize  int `mapstructure:"dry_run_sample_size"`
	BulkUpdateLimit   int `mapstructure:"bulk_update_limit"`
	BodyPreviewLength int `mapstructure:"body_preview_length"`
}

// TransportConfig selects a sender per message channel
type TransportConfig struct {
	Email     string          `mapstructure:"email"`    // functions, smtp, log
	WhatsApp  string          `mapstructure:"whatsapp"` // functions, log
	Functions FunctionsConfig `mapstructure:"functions"`
	SMTP      SMTPConfig      `mapstructure:"smtp"`
}

// FunctionsConfig points at the hosted messaging functions
type FunctionsConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
}

// SMTPConfig contains outgoing mail server settings
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
	UseTLS   bool   `mapstructure:"use_tls"`
}

// EventsConfig contains domain event publishing configuration
type EventsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	NATSURL        string        `mapstructure:"nats_url"`
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	ClientName     string        `mapstructure:"client_name"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ScheduleConfig fires a trigger on a cron schedule
type ScheduleConfig struct {
	Name    string                 `mapstructure:"name"`
	Cron    string                 `mapstructure:"cron"`
	Trigger string                 `mapstructure:"trigger"`
	Payload map[string]interface{} `mapstructure:"payload"`
	DryRun  bool                   `mapstructure:"dry_run"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables using the
// global viper instance, so flags bound by the CLI take part.
func Load(configPath string) (*Config, error) {
	return LoadWith(viper.GetViper(), configPath)
}

// LoadWith loads configuration into v.
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.SetEnvPrefix("AUTOMATION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.Events.NATSURL = natsURL
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "crm-automation")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Storage defaults
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/automation.db")
	v.SetDefault("storage.max_connections", 25)
	v.SetDefault("storage.max_idle_time", "15m")

	// Automation defaults
	v.SetDefault("automation.rule_limit", 200)
	v.SetDefault("automation.dry_run_sample_size", 5)
	v.SetDefault("automation.bulk_update_limit", 1000)
	v.SetDefault("automation.body_preview_length", 50)

	// Transport defaults
	v.SetDefault("transport.email", "log")
	v.SetDefault("transport.whatsapp", "log")
	v.SetDefault("transport.functions.timeout", "30s")
	v.SetDefault("transport.functions.retry_count", 2)
	v.SetDefault("transport.smtp.port", 587)
	v.SetDefault("transport.smtp.use_tls", false)

	// Events defaults
	v.SetDefault("events.enabled", false)
	v.SetDefault("events.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("events.subject_prefix", "crm.automation")
	v.SetDefault("events.client_name", "crm-automation")
	v.SetDefault("events.connect_timeout", "5s")

	// Server defaults
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

var senderKinds = map[string][]string{
	"email":    {"functions", "smtp", "log"},
	"whatsapp": {"functions", "log"},
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Automation.RuleLimit <= 0 {
		return fmt.Errorf("automation rule limit must be positive")
	}
	if c.Automation.DryRunSampleSize <= 0 || c.Automation.BulkUpdateLimit <= 0 {
		return fmt.Errorf("automation fetch limits must be positive")
	}

	for channel, sender := range map[string]string{"email": c.Transport.Email, "whatsapp": c.Transport.WhatsApp} {
		if !contains(senderKinds[channel], sender) {
			return fmt.Errorf("unsupported %s sender %q (supported: %s)", channel, sender, strings.Join(senderKinds[channel], ", "))
		}
		if sender == "functions" && c.Transport.Functions.BaseURL == "" {
			return fmt.Errorf("transport.functions.base_url is required for %s", channel)
		}
	}
	if c.Transport.Email == "smtp" && (c.Transport.SMTP.Host == "" || c.Transport.SMTP.From == "") {
		return fmt.Errorf("transport.smtp host and from are required")
	}

	if c.Events.Enabled && c.Events.NATSURL == "" {
		return fmt.Errorf("events.nats_url is required when events are enabled")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	names := make(map[string]bool, len(c.Schedules))
	for i, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedule %d: name is required", i)
		}
		if names[s.Name] {
			return fmt.Errorf("schedule %q: duplicate name", s.Name)
		}
		names[s.Name] = true
		if s.Trigger == "" {
			return fmt.Errorf("schedule %q: trigger is required", s.Name)
		}
		if _, err := parser.Parse(s.Cron); err != nil {
			return fmt.Errorf("schedule %q: invalid cron expression: %w", s.Name, err)
		}
	}

	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
