package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// BackendConfig configures one remote identity source client.
type BackendConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// AzureConfig configures the directory service client. Lookups go through
// the Graph API with client-credential tokens.
type AzureConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	GraphURL     string `mapstructure:"graph_url"`
	TokenURL     string `mapstructure:"token_url"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// MfaConfig configures the MFA gate.
type MfaConfig struct {
	// Whitelist is a set of IPs or CIDR ranges that never trigger MFA.
	Whitelist []string `mapstructure:"whitelist"`
	// Roles is the set of authorities that require MFA step-up.
	Roles []string `mapstructure:"roles"`
	// NotifyTemplateID is the email template for code delivery.
	NotifyTemplateID string        `mapstructure:"notify_template_id"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	CodeTTL          time.Duration `mapstructure:"code_ttl"`
}

// JwtConfig configures the cookie-carried session credential.
type JwtConfig struct {
	Secret       string        `mapstructure:"secret"`
	Issuer       string        `mapstructure:"issuer"`
	ExpiryTime   time.Duration `mapstructure:"expiry_time"`
	CookieName   string        `mapstructure:"cookie_name"`
	CookiePath   string        `mapstructure:"cookie_path"`
	CookieSecure bool          `mapstructure:"cookie_secure"`
}

// TokenVerificationConfig configures the optional external verification
// service that mirrors issued jwt-ids for revocation.
type TokenVerificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NotifyConfig configures the notification delivery client.
type NotifyConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ServerConfig holds all configuration for the gateway.
type ServerConfig struct {
	HTTPPort    string `mapstructure:"http_port"`
	MongoURI    string `mapstructure:"mongo_uri"`
	MongoDBName string `mapstructure:"mongo_db_name"`
	RedisAddr   string `mapstructure:"redis_addr"`
	LogLevel    string `mapstructure:"log_level"`
	LogPretty   bool   `mapstructure:"log_pretty"`

	Nomis  BackendConfig `mapstructure:"nomis"`
	Delius BackendConfig `mapstructure:"delius"`
	Azure  AzureConfig   `mapstructure:"azure"`

	// DeliusRoleMappings maps a normalized backend role name (upper-cased,
	// separators converted to underscore) to local authority names.
	DeliusRoleMappings map[string][]string `mapstructure:"delius_role_mappings"`

	Mfa               MfaConfig               `mapstructure:"mfa"`
	Jwt               JwtConfig               `mapstructure:"jwt"`
	TokenVerification TokenVerificationConfig `mapstructure:"token_verification"`
	Notify            NotifyConfig            `mapstructure:"notify"`
}

// LoadConfig reads configuration from file, environment variables, and
// defaults. Environment variables use FEDGATE_ prefix with underscores for
// nesting, e.g. FEDGATE_MFA_NOTIFY_TEMPLATE_ID.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/fedgate/")
	v.AddConfigPath("$HOME/.fedgate")
	v.AddConfigPath(".")

	v.SetEnvPrefix("FEDGATE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("http_port", "8080")
	v.SetDefault("mongo_uri", "mongodb://localhost:27017/fedgate_dev")
	v.SetDefault("mongo_db_name", "fedgate_dev")
	v.SetDefault("redis_addr", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", true)

	v.SetDefault("nomis.timeout", 5*time.Second)
	v.SetDefault("delius.timeout", 5*time.Second)
	v.SetDefault("azure.timeout", 5*time.Second)

	v.SetDefault("mfa.token_ttl", 20*time.Minute)
	v.SetDefault("mfa.code_ttl", 10*time.Minute)

	v.SetDefault("jwt.issuer", "fedgate")
	v.SetDefault("jwt.expiry_time", 12*time.Hour)
	v.SetDefault("jwt.cookie_name", "fedgate_jwt")
	v.SetDefault("jwt.cookie_path", "/")
	v.SetDefault("jwt.cookie_secure", true)

	v.SetDefault("token_verification.enabled", false)
	v.SetDefault("token_verification.timeout", 2*time.Second)
	v.SetDefault("notify.timeout", 5*time.Second)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file found is fine, defaults and env vars apply.
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if cfg.Jwt.Secret == "" {
		return nil, fmt.Errorf("jwt.secret must be configured")
	}

	return &cfg, nil
}
