package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends for the site registry
const (
	StoreJSON     = "json"
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Port string

	// Logging configuration
	LogLevel string

	// Host configuration
	ServerIP          string
	DefaultPort       int
	PortRangeSpan     int
	ProjectDeployPath string
	PM2Prefix         string
	ProcessTimeout    time.Duration

	// Registry storage
	SitesStore    string
	SitesJSONPath string
	SQLitePath    string

	// AWS configuration (dynamodb store only)
	AWSRegion          string
	DynamoDBSitesTable string

	// Cloudflare configuration
	CloudflareAPIToken    string
	CloudflareAccountID   string
	CloudflareNameservers []string

	// Namecheap configuration
	NamecheapAPIUser  string
	NamecheapAPIKey   string
	NamecheapUsername string
	NamecheapClientIP string
	NamecheapAPIURL   string

	// GitHub repository scanning
	GitHubToken  string
	GitHubAPIURL string

	// Provider retry policy
	ProviderMaxAttempts int
	ProviderBackoffBase time.Duration

	// Worker configuration
	BulkMaxWorkers int
	DeployWorkers  int

	// API authentication
	APIKey    string
	JWTSecret string

	// Redis event publishing (optional)
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// New creates a new Config instance by loading environment variables
// from .env file (if present) and OS environment.
// OS environment variables take precedence over .env file values.
// Panics if required configuration values are missing or invalid.
func New() *Config {
	envPath := filepath.Join(".", ".env")
	_ = godotenv.Load(envPath)

	cfg := &Config{
		Port:     getEnvOrDefault("PORT", "8000"),
		LogLevel: getEnvOrDefault("LOG_LEVEL", "INFO"),

		ServerIP:          os.Getenv("SERVER_IP"),
		DefaultPort:       getIntOrDefault("DEFAULT_PORT", 3000),
		PortRangeSpan:     getIntOrDefault("PORT_RANGE_SPAN", 1000),
		ProjectDeployPath: getEnvOrDefault("PROJECT_DEPLOY_PATH", "/root/local_listing_sites"),
		PM2Prefix:         getEnvOrDefault("PM2_PREFIX", "nextjs_site_"),
		ProcessTimeout:    getDurationOrDefault("PROCESS_TIMEOUT", 10*time.Minute),

		SitesStore:    strings.ToLower(getEnvOrDefault("SITES_STORE", StoreJSON)),
		SitesJSONPath: getEnvOrDefault("SITES_JSON_PATH", "sites.json"),
		SQLitePath:    getEnvOrDefault("SQLITE_PATH", "sites.db"),

		AWSRegion:          getEnvOrDefault("AWS_REGION", "us-east-1"),
		DynamoDBSitesTable: getEnvOrDefault("DYNAMODB_SITES_TABLE", "Sites"),

		CloudflareAPIToken:    os.Getenv("CLOUDFLARE_API_TOKEN"),
		CloudflareAccountID:   os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
		CloudflareNameservers: splitList(os.Getenv("CLOUDFLARE_NAMESERVERS")),

		NamecheapAPIUser:  os.Getenv("NAMECHEAP_API_USER"),
		NamecheapAPIKey:   os.Getenv("NAMECHEAP_API_KEY"),
		NamecheapUsername: os.Getenv("NAMECHEAP_USERNAME"),
		NamecheapClientIP: os.Getenv("NAMECHEAP_CLIENT_IP"),
		NamecheapAPIURL:   getEnvOrDefault("NAMECHEAP_API_URL", "https://api.namecheap.com/xml.response"),

		GitHubToken:  os.Getenv("GITHUB_TOKEN"),
		GitHubAPIURL: getEnvOrDefault("GITHUB_API_URL", "https://api.github.com"),

		ProviderMaxAttempts: getIntOrDefault("PROVIDER_MAX_ATTEMPTS", 3),
		ProviderBackoffBase: getDurationOrDefault("PROVIDER_BACKOFF_BASE", time.Second),

		BulkMaxWorkers: getIntOrDefault("BULK_MAX_WORKERS", 3),
		DeployWorkers:  getIntOrDefault("DEPLOY_WORKERS", 5),

		APIKey:    os.Getenv("API_KEY"),
		JWTSecret: os.Getenv("JWT_SECRET"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getIntOrDefault("REDIS_DB", 0),
	}

	if cfg.NamecheapUsername == "" {
		cfg.NamecheapUsername = cfg.NamecheapAPIUser
	}
	if cfg.NamecheapClientIP == "" {
		cfg.NamecheapClientIP = cfg.ServerIP
	}

	cfg.validate()

	return cfg
}

// validate checks that all required configuration values are present and valid
func (c *Config) validate() {
	var missing []string

	if c.ServerIP == "" {
		missing = append(missing, "SERVER_IP")
	}
	if c.SitesStore == StoreDynamoDB && c.DynamoDBSitesTable == "" {
		missing = append(missing, "DYNAMODB_SITES_TABLE")
	}

	if len(missing) > 0 {
		panic(fmt.Sprintf("Missing required configuration values: %v", missing))
	}

	switch c.SitesStore {
	case StoreJSON, StoreSQLite, StoreDynamoDB:
	default:
		panic(fmt.Sprintf("SITES_STORE must be one of json, sqlite, dynamodb (got '%s')", c.SitesStore))
	}

	if c.DefaultPort <= 0 || c.DefaultPort > 65535 {
		panic(fmt.Sprintf("DEFAULT_PORT must be a valid TCP port (got %d)", c.DefaultPort))
	}
	if c.PortRangeSpan <= 0 || c.DefaultPort+c.PortRangeSpan-1 > 65535 {
		panic(fmt.Sprintf("PORT_RANGE_SPAN must keep the range inside 1-65535 (got %d)", c.PortRangeSpan))
	}
	if c.ProviderMaxAttempts < 1 {
		panic(fmt.Sprintf("PROVIDER_MAX_ATTEMPTS must be at least 1 (got %d)", c.ProviderMaxAttempts))
	}
	if c.BulkMaxWorkers < 1 || c.DeployWorkers < 1 {
		panic("BULK_MAX_WORKERS and DEPLOY_WORKERS must be at least 1")
	}
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntOrDefault parses an integer environment variable, panicking on garbage
func getIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		panic(fmt.Sprintf("%s must be an integer (got '%s')", key, value))
	}
	return n
}

// getDurationOrDefault accepts Go durations ("1s", "500ms") or plain seconds
func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	panic(fmt.Sprintf("%s must be a duration (got '%s')", key, value))
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}

// GetPort returns the API server port
func (c *Config) GetPort() string {
	return c.Port
}

// GetLogLevel returns the logging level
func (c *Config) GetLogLevel() string {
	return c.LogLevel
}

// GetServerIP returns the public address sites are served from
func (c *Config) GetServerIP() string {
	return c.ServerIP
}

// GetSitesStore returns the configured registry backend
func (c *Config) GetSitesStore() string {
	return c.SitesStore
}

// HasCloudflare reports whether Cloudflare credentials are configured
func (c *Config) HasCloudflare() bool {
	return c.CloudflareAPIToken != ""
}

// HasNamecheap reports whether Namecheap credentials are configured
func (c *Config) HasNamecheap() bool {
	return c.NamecheapAPIUser != "" && c.NamecheapAPIKey != ""
}

// HasRedis reports whether event publishing to Redis is enabled
func (c *Config) HasRedis() bool {
	return c.RedisAddr != ""
}
