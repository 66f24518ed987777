package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Gmail      GmailConfig      `mapstructure:"gmail"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Log        LogConfig        `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	Path     string `mapstructure:"path"`
}

// GmailConfig holds mailbox access and OAuth configuration
type GmailConfig struct {
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
	CredentialsFile   string        `mapstructure:"credentials_file"`
	CredentialsBase64 string        `mapstructure:"credentials_base64"`
	RedirectURL       string        `mapstructure:"redirect_url"`
	UserID            string        `mapstructure:"user_id"`
	TokenBackend      string        `mapstructure:"token_backend"`
	TokenPath         string        `mapstructure:"token_path"`
	KeyringService    string        `mapstructure:"keyring_service"`
	UseIMAP           bool          `mapstructure:"use_imap"`
	IMAPHost          string        `mapstructure:"imap_host"`
	IMAPPort          int           `mapstructure:"imap_port"`
	IMAPUser          string        `mapstructure:"imap_user"`
	InitialLookback   time.Duration `mapstructure:"initial_lookback"`
	MaxResults        int64         `mapstructure:"max_results"`
}

// SchedulerConfig holds polling supervisor configuration
type SchedulerConfig struct {
	MinIntervalSeconds   int           `mapstructure:"min_interval_seconds"`
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`
	TokenRefreshInterval time.Duration `mapstructure:"token_refresh_interval"`
	GracePeriod          time.Duration `mapstructure:"grace_period"`
}

// WebhookConfig holds webhook delivery configuration
type WebhookConfig struct {
	Timeout               time.Duration `mapstructure:"timeout"`
	UserAgent             string        `mapstructure:"user_agent"`
	ResponseSnippetLength int           `mapstructure:"response_snippet_length"`
}

// ProcessingConfig holds audit record settings
type ProcessingConfig struct {
	BodySnippetLength int `mapstructure:"body_snippet_length"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig loads configuration from environment variables and an optional config file.
// An empty path searches ./config.yaml and ./config/config.yaml.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Environment variables override config file
	viper.AutomaticEnv()
	bindEnvVars()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "30s")
	viper.SetDefault("server.cors_origins", []string{"*"})

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)
	viper.SetDefault("database.path", "gmail-webhook-relay.db")

	viper.SetDefault("gmail.credentials_file", "credentials.json")
	viper.SetDefault("gmail.redirect_url", "http://localhost:8080/callback")
	viper.SetDefault("gmail.user_id", "me")
	viper.SetDefault("gmail.token_backend", "file")
	viper.SetDefault("gmail.token_path", "token.json")
	viper.SetDefault("gmail.keyring_service", "gmail-webhook-relay")
	viper.SetDefault("gmail.use_imap", false)
	viper.SetDefault("gmail.imap_host", "imap.gmail.com")
	viper.SetDefault("gmail.imap_port", 993)
	viper.SetDefault("gmail.initial_lookback", "24h")
	viper.SetDefault("gmail.max_results", 100)

	viper.SetDefault("scheduler.min_interval_seconds", 30)
	viper.SetDefault("scheduler.reconcile_interval", "15s")
	viper.SetDefault("scheduler.token_refresh_interval", "5m")
	viper.SetDefault("scheduler.grace_period", "30s")

	viper.SetDefault("webhook.timeout", "10s")
	viper.SetDefault("webhook.user_agent", "gmail-webhook-relay/1.0")
	viper.SetDefault("webhook.response_snippet_length", 500)

	viper.SetDefault("processing.body_snippet_length", 500)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
}

// bindEnvVars binds environment variables to configuration keys
func bindEnvVars() {
	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.read_timeout", "SERVER_READ_TIMEOUT")
	viper.BindEnv("server.write_timeout", "SERVER_WRITE_TIMEOUT")
	viper.BindEnv("server.shutdown_timeout", "SERVER_SHUTDOWN_TIMEOUT")

	// Database
	viper.BindEnv("database.driver", "DB_DRIVER")
	viper.BindEnv("database.host", "DB_HOST")
	viper.BindEnv("database.port", "DB_PORT")
	viper.BindEnv("database.user", "DB_USER")
	viper.BindEnv("database.password", "DB_PASSWORD")
	viper.BindEnv("database.dbname", "DB_NAME")
	viper.BindEnv("database.path", "DB_PATH")

	// Gmail
	viper.BindEnv("gmail.client_id", "GMAIL_CLIENT_ID")
	viper.BindEnv("gmail.client_secret", "GMAIL_CLIENT_SECRET")
	viper.BindEnv("gmail.credentials_file", "GMAIL_CREDENTIALS_PATH")
	viper.BindEnv("gmail.credentials_base64", "GOOGLE_CREDENTIALS_BASE64")
	viper.BindEnv("gmail.redirect_url", "GMAIL_REDIRECT_URL")
	viper.BindEnv("gmail.token_backend", "GMAIL_TOKEN_BACKEND")
	viper.BindEnv("gmail.token_path", "GMAIL_TOKEN_PATH")
	viper.BindEnv("gmail.use_imap", "GMAIL_USE_IMAP")
	viper.BindEnv("gmail.imap_host", "GMAIL_IMAP_HOST")
	viper.BindEnv("gmail.imap_port", "GMAIL_IMAP_PORT")
	viper.BindEnv("gmail.imap_user", "GMAIL_IMAP_USER")

	// Scheduler
	viper.BindEnv("scheduler.min_interval_seconds", "SCHEDULER_MIN_INTERVAL_SECONDS")
	viper.BindEnv("scheduler.reconcile_interval", "SCHEDULER_RECONCILE_INTERVAL")
	viper.BindEnv("scheduler.grace_period", "SCHEDULER_GRACE_PERIOD")

	// Webhook
	viper.BindEnv("webhook.timeout", "WEBHOOK_TIMEOUT")

	viper.BindEnv("log.level", "LOG_LEVEL")
	viper.BindEnv("log.format", "LOG_FORMAT")
}

// GetDSN returns the database connection string for the configured driver
func (c *DatabaseConfig) GetDSN() string {
	if c.Driver == "sqlite" {
		return c.Path
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// HasOAuthClient reports whether any OAuth client source is configured.
func (c *GmailConfig) HasOAuthClient() bool {
	return (c.ClientID != "" && c.ClientSecret != "") || c.CredentialsBase64 != "" || c.CredentialsFile != ""
}

// MinInterval returns the smallest poll interval a WatchConfig may use.
func (c *SchedulerConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}

	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" || c.Database.User == "" || c.Database.DBName == "" {
			return fmt.Errorf("database host, user, and dbname are required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if !c.Gmail.HasOAuthClient() {
		return fmt.Errorf("Gmail OAuth2 client credentials are required")
	}

	switch c.Gmail.TokenBackend {
	case "file":
		if c.Gmail.TokenPath == "" {
			return fmt.Errorf("gmail token path is required for the file token backend")
		}
	case "keyring":
		if c.Gmail.KeyringService == "" {
			return fmt.Errorf("gmail keyring service is required for the keyring token backend")
		}
	default:
		return fmt.Errorf("unsupported token backend %q", c.Gmail.TokenBackend)
	}

	if c.Gmail.UseIMAP && (c.Gmail.IMAPHost == "" || c.Gmail.IMAPUser == "") {
		return fmt.Errorf("IMAP host and user are required when using IMAP")
	}

	if c.Scheduler.MinIntervalSeconds <= 0 {
		return fmt.Errorf("scheduler minimum interval must be greater than 0")
	}
	if c.Scheduler.ReconcileInterval <= 0 {
		return fmt.Errorf("scheduler reconcile interval must be greater than 0")
	}

	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("webhook timeout must be greater than 0")
	}

	return nil
}

// ValidateWebhookURL checks that raw is an absolute http or https URL.
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook url must be an absolute http(s) url")
	}
	return nil
}
