// Package config provides environment-based configuration management.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DBConfig holds database connection parameters.
type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr string // host:port
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Port int

	// RedirectBase is the externally reachable base URL used to build the
	// OAuth callback redirect URI, e.g. "https://inbox.example.com".
	RedirectBase string

	// UIBase is where callback results redirect the browser to.
	UIBase string

	HandshakeTTL     time.Duration
	RefreshThreshold time.Duration
}

// ProviderConfig holds one provider's OAuth app credentials.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	SigningKey   string // webhook HMAC secret
	VerifyToken  string // webhook verification handshake token
}

// Config aggregates all configuration sections.
type Config struct {
	DB        DBConfig
	Redis     RedisConfig
	App       AppConfig
	Providers map[string]ProviderConfig
}

// providerNames lists the providers this deployment can be configured for.
// A provider with no client id in the environment is simply not registered.
var providerNames = []string{"slack", "facebook", "salesforce", "hubspot"}

// LoadConfig reads configuration from environment variables.
// Returns an error if critical variables are missing.
func LoadConfig() (*Config, error) {
	cfg := &Config{Providers: make(map[string]ProviderConfig)}

	cfg.DB.Host = getEnv("DB_HOST", "channelhub_db")
	cfg.DB.Port = getEnvAsInt("DB_PORT", 3306)
	cfg.DB.User = getEnv("DB_USER", "root")
	cfg.DB.Password = getEnv("DB_PASS", "")
	cfg.DB.Database = getEnv("DB_NAME", "channelhub")

	if cfg.DB.Password == "" {
		return nil, fmt.Errorf("DB_PASS environment variable is required")
	}

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "channelhub_redis:6379")

	cfg.App.Port = getEnvAsInt("APP_PORT", 8080)
	cfg.App.RedirectBase = getEnv("OAUTH_REDIRECT_BASE", "")
	cfg.App.UIBase = getEnv("UI_BASE", "/")
	cfg.App.HandshakeTTL = time.Duration(getEnvAsInt("HANDSHAKE_TTL_MINUTES", 10)) * time.Minute
	cfg.App.RefreshThreshold = time.Duration(getEnvAsInt("REFRESH_THRESHOLD_MINUTES", 5)) * time.Minute

	if cfg.App.RedirectBase == "" {
		return nil, fmt.Errorf("OAUTH_REDIRECT_BASE environment variable is required")
	}

	for _, name := range providerNames {
		prefix := envPrefix(name)
		pc := ProviderConfig{
			ClientID:     getEnv(prefix+"_CLIENT_ID", ""),
			ClientSecret: getEnv(prefix+"_CLIENT_SECRET", ""),
			SigningKey:   getEnv(prefix+"_SIGNING_KEY", ""),
			VerifyToken:  getEnv(prefix+"_VERIFY_TOKEN", ""),
		}
		if pc.ClientID == "" {
			continue
		}
		if pc.ClientSecret == "" {
			return nil, fmt.Errorf("%s_CLIENT_SECRET environment variable is required when %s_CLIENT_ID is set", prefix, prefix)
		}
		cfg.Providers[name] = pc
	}

	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider must be configured (e.g. SLACK_CLIENT_ID)")
	}

	return cfg, nil
}

// GetDSN returns the MariaDB connection string.
func (c *DBConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
	)
}

// RedirectURI returns the callback URI registered with the provider.
func (c *AppConfig) RedirectURI(provider string) string {
	return fmt.Sprintf("%s/connections/%s/callback", c.RedirectBase, provider)
}

func envPrefix(provider string) string {
	out := make([]byte, len(provider))
	for i := 0; i < len(provider); i++ {
		ch := provider[i]
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		out[i] = ch
	}
	return string(out)
}

// getEnv reads an environment variable with a fallback default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt reads an environment variable as an integer with a fallback default.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
