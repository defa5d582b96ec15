package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Stripe      StripeConfig      `yaml:"stripe"`
	PayPal      PayPalConfig      `yaml:"paypal"`
	GoHighLevel GoHighLevelConfig `yaml:"gohighlevel"`
	ManyChat    ManyChatConfig    `yaml:"manychat"`
	CSVImport   CSVImportConfig   `yaml:"csv_import"`
	Sync        SyncConfig        `yaml:"sync"`
	Warehouse   WarehouseConfig   `yaml:"warehouse"`
	Auth        AuthConfig        `yaml:"auth"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds Redis settings for the kill-switch cache, run locks,
// and provider rate-limit counters. Optional: when Addr is empty the
// service falls back to Postgres advisory locks and DB-only settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StripeConfig holds Stripe API settings
type StripeConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	PageSize       int    `yaml:"page_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the HTTP timeout as a duration
func (c StripeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PayPalConfig holds PayPal REST API settings (OAuth client credentials)
type PayPalConfig struct {
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	BaseURL        string `yaml:"base_url"`
	PageSize       int    `yaml:"page_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the HTTP timeout as a duration
func (c PayPalConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// GoHighLevelConfig holds GoHighLevel API settings
type GoHighLevelConfig struct {
	APIKey         string `yaml:"api_key"`
	LocationID     string `yaml:"location_id"`
	BaseURL        string `yaml:"base_url"`
	PageSize       int    `yaml:"page_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the HTTP timeout as a duration
func (c GoHighLevelConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ManyChatConfig holds ManyChat API settings. ManyChat has no "list all
// subscribers" endpoint, so the adapter enumerates tags; TagConcurrency
// bounds parallel per-tag fetches against the provider rate limit.
type ManyChatConfig struct {
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	TagConcurrency    int    `yaml:"tag_concurrency"`
	TagsPerPage       int    `yaml:"tags_per_page"`
	RequestDelayMs    int    `yaml:"request_delay_ms"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
}

// Timeout returns the HTTP timeout as a duration
func (c ManyChatConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RequestDelay returns the inter-request delay as a duration
func (c ManyChatConfig) RequestDelay() time.Duration {
	return time.Duration(c.RequestDelayMs) * time.Millisecond
}

// CSVImportConfig holds the S3 location uploaded contact CSVs land in
type CSVImportConfig struct {
	S3Bucket   string `yaml:"s3_bucket"`
	S3Prefix   string `yaml:"s3_prefix"`
	AWSRegion  string `yaml:"aws_region"`
	AWSProfile string `yaml:"aws_profile"` // Empty string uses default credential chain (IAM role on ECS)
}

// GetAWSProfile returns the AWS profile, with environment variable override
func (c CSVImportConfig) GetAWSProfile() string {
	if envProfile := os.Getenv("AWS_PROFILE_OVERRIDE"); envProfile != "" {
		if envProfile == "none" || envProfile == "iam" {
			return "" // Use default credential chain (IAM role)
		}
		return envProfile
	}
	// On ECS/Lambda, don't use a profile - use IAM role
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return ""
	}
	return c.AWSProfile
}

// SyncConfig holds orchestration settings shared by all sources
type SyncConfig struct {
	// InvocationBudgetSeconds caps the wall-clock time one orchestrator
	// call may spend before handing off a continuation.
	InvocationBudgetSeconds int `yaml:"invocation_budget_seconds"`
	// StaleRunMinutes is how long a run may sit without checkpoint
	// activity before pre-flight cleanup force-fails it.
	StaleRunMinutes int `yaml:"stale_run_minutes"`
	// MergeBatchSize bounds how many staged records one merge pass claims.
	MergeBatchSize int `yaml:"merge_batch_size"`
	// RetentionDays controls housekeeping purge windows.
	StagingRetentionDays  int `yaml:"staging_retention_days"`
	ConflictRetentionDays int `yaml:"conflict_retention_days"`
	RunRetentionDays      int `yaml:"run_retention_days"`
}

// InvocationBudget returns the per-invocation wall-clock budget
func (c SyncConfig) InvocationBudget() time.Duration {
	return time.Duration(c.InvocationBudgetSeconds) * time.Second
}

// StaleRunThreshold returns the stale-run threshold as a duration
func (c SyncConfig) StaleRunThreshold() time.Duration {
	return time.Duration(c.StaleRunMinutes) * time.Minute
}

// WarehouseConfig holds Snowflake export settings for run summaries
type WarehouseConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Account   string `yaml:"account"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	Database  string `yaml:"database"`
	Schema    string `yaml:"schema"`
	Warehouse string `yaml:"warehouse"`
}

// AuthConfig holds the admin bearer-token settings for the trigger surface
type AuthConfig struct {
	Enabled     bool     `yaml:"enabled"`
	AdminTokens []string `yaml:"admin_tokens"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 20
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Stripe.BaseURL == "" {
		cfg.Stripe.BaseURL = "https://api.stripe.com"
	}
	if cfg.Stripe.PageSize == 0 {
		cfg.Stripe.PageSize = 100
	}
	if cfg.Stripe.TimeoutSeconds == 0 {
		cfg.Stripe.TimeoutSeconds = 30
	}
	if cfg.PayPal.BaseURL == "" {
		cfg.PayPal.BaseURL = "https://api-m.paypal.com"
	}
	if cfg.PayPal.PageSize == 0 {
		cfg.PayPal.PageSize = 100
	}
	if cfg.PayPal.TimeoutSeconds == 0 {
		cfg.PayPal.TimeoutSeconds = 30
	}
	if cfg.GoHighLevel.BaseURL == "" {
		cfg.GoHighLevel.BaseURL = "https://rest.gohighlevel.com"
	}
	if cfg.GoHighLevel.PageSize == 0 {
		cfg.GoHighLevel.PageSize = 100
	}
	if cfg.GoHighLevel.TimeoutSeconds == 0 {
		cfg.GoHighLevel.TimeoutSeconds = 30
	}
	if cfg.ManyChat.BaseURL == "" {
		cfg.ManyChat.BaseURL = "https://api.manychat.com"
	}
	if cfg.ManyChat.TagConcurrency == 0 {
		cfg.ManyChat.TagConcurrency = 5
	}
	if cfg.ManyChat.TagsPerPage == 0 {
		cfg.ManyChat.TagsPerPage = 10
	}
	if cfg.ManyChat.RequestDelayMs == 0 {
		cfg.ManyChat.RequestDelayMs = 200
	}
	if cfg.ManyChat.TimeoutSeconds == 0 {
		cfg.ManyChat.TimeoutSeconds = 30
	}
	if cfg.Sync.InvocationBudgetSeconds == 0 {
		cfg.Sync.InvocationBudgetSeconds = 55
	}
	if cfg.Sync.StaleRunMinutes == 0 {
		cfg.Sync.StaleRunMinutes = 15
	}
	if cfg.Sync.MergeBatchSize == 0 {
		cfg.Sync.MergeBatchSize = 200
	}
	if cfg.Sync.StagingRetentionDays == 0 {
		cfg.Sync.StagingRetentionDays = 30
	}
	if cfg.Sync.ConflictRetentionDays == 0 {
		cfg.Sync.ConflictRetentionDays = 7
	}
	if cfg.Sync.RunRetentionDays == 0 {
		cfg.Sync.RunRetentionDays = 90
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if apiKey := os.Getenv("STRIPE_API_KEY"); apiKey != "" {
		cfg.Stripe.APIKey = apiKey
	}
	if baseURL := os.Getenv("STRIPE_BASE_URL"); baseURL != "" {
		cfg.Stripe.BaseURL = baseURL
	}
	if v := os.Getenv("PAYPAL_CLIENT_ID"); v != "" {
		cfg.PayPal.ClientID = v
	}
	if v := os.Getenv("PAYPAL_CLIENT_SECRET"); v != "" {
		cfg.PayPal.ClientSecret = v
	}
	if baseURL := os.Getenv("PAYPAL_BASE_URL"); baseURL != "" {
		cfg.PayPal.BaseURL = baseURL
	}
	if apiKey := os.Getenv("GHL_API_KEY"); apiKey != "" {
		cfg.GoHighLevel.APIKey = apiKey
	}
	if v := os.Getenv("GHL_LOCATION_ID"); v != "" {
		cfg.GoHighLevel.LocationID = v
	}
	if apiKey := os.Getenv("MANYCHAT_API_KEY"); apiKey != "" {
		cfg.ManyChat.APIKey = apiKey
	}
	if v := os.Getenv("CSV_IMPORT_S3_BUCKET"); v != "" {
		cfg.CSVImport.S3Bucket = v
	}
	if v := os.Getenv("CSV_IMPORT_S3_REGION"); v != "" {
		cfg.CSVImport.AWSRegion = v
	}
	if v := os.Getenv("SNOWFLAKE_ACCOUNT"); v != "" {
		cfg.Warehouse.Account = v
	}
	if v := os.Getenv("SNOWFLAKE_USER"); v != "" {
		cfg.Warehouse.User = v
	}
	if v := os.Getenv("SNOWFLAKE_PASSWORD"); v != "" {
		cfg.Warehouse.Password = v
	}
	if v := os.Getenv("SYNC_ADMIN_TOKEN"); v != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.AdminTokens = append(cfg.Auth.AdminTokens, v)
	}

	return cfg, nil
}
