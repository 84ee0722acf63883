package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	BloomFilter BloomFilterConfig `yaml:"bloom_filter"`
	Snowflake   SnowflakeConfig   `yaml:"snowflake"`
	ShortCode   ShortCodeConfig   `yaml:"shortcode"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Admin       AdminConfig       `yaml:"admin"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Mode            string        `yaml:"mode"`
	BaseURL         string        `yaml:"base_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects and configures the link store backend
type DatabaseConfig struct {
	Driver        string        `yaml:"driver"` // mysql | sqlite
	MySQL         MySQLConfig   `yaml:"mysql"`
	SQLite        SQLiteConfig  `yaml:"sqlite"`
	LogLevel      string        `yaml:"log_level"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`
}

// MySQLConfig represents MySQL configuration
type MySQLConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	Database     string `yaml:"database"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// SQLiteConfig represents the embedded SQLite store, used locally and in tests
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	PoolSize       int           `yaml:"pool_size"`
	TTL            time.Duration `yaml:"ttl"`
	ConnectRetries uint64        `yaml:"connect_retries"`
}

// BloomFilterConfig represents Bloom filter configuration
type BloomFilterConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Capacity          uint    `yaml:"capacity"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
}

// SnowflakeConfig represents Snowflake ID generator configuration
type SnowflakeConfig struct {
	DatacenterID int64 `yaml:"datacenter_id"`
	WorkerID     int64 `yaml:"worker_id"`
}

// ShortCodeConfig controls generated short codes
type ShortCodeConfig struct {
	Length      int `yaml:"length"`
	MaxAttempts int `yaml:"max_attempts"`
}

// ProxyConfig controls outbound fetches for proxy-mode links
type ProxyConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

// RateLimitConfig represents rate limiting configuration
type RateLimitConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Strategy  string              `yaml:"strategy"`
	Global    RateLimitRule       `yaml:"global"`
	Endpoints []EndpointRateLimit `yaml:"endpoints"`
}

// RateLimitRule is a limit per window, window in seconds
type RateLimitRule struct {
	Limit  int `yaml:"limit"`
	Window int `yaml:"window"`
}

// EndpointRateLimit overrides the limit for one route pattern
type EndpointRateLimit struct {
	Path   string `yaml:"path"`
	Limit  int    `yaml:"limit"`
	Window int    `yaml:"window"`
}

// AdminConfig guards the admin API
type AdminConfig struct {
	APIKey string `yaml:"api_key"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// DSN returns MySQL data source name
func (m *MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		m.Username, m.Password, m.Host, m.Port, m.Database)
}

// Addr returns the listen address
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// PublicURL is the prefix short URLs are built from
func (s *ServerConfig) PublicURL() string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	return fmt.Sprintf("http://localhost:%d", s.Port)
}

// Addr returns Redis address
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Endpoint returns the rate limit override for path, if any
func (r *RateLimitConfig) Endpoint(path string) (EndpointRateLimit, bool) {
	for _, e := range r.Endpoints {
		if e.Path == path {
			return e, true
		}
	}
	return EndpointRateLimit{}, false
}

// Load loads configuration from file. A .env file next to the working
// directory is read first when present, then environment overrides apply.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and environment overrides, then validates
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used for any field the file leaves out
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Mode:            "release",
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "mysql",
			MySQL: MySQLConfig{
				Host:         "localhost",
				Port:         3306,
				MaxIdleConns: 10,
				MaxOpenConns: 100,
			},
			SQLite:        SQLiteConfig{Path: "shortlink.db"},
			LogLevel:      "warn",
			SlowThreshold: 200 * time.Millisecond,
		},
		Redis: RedisConfig{
			Host:           "localhost",
			Port:           6379,
			PoolSize:       10,
			TTL:            24 * time.Hour,
			ConnectRetries: 5,
		},
		BloomFilter: BloomFilterConfig{
			Capacity:          1000000,
			FalsePositiveRate: 0.001,
		},
		ShortCode: ShortCodeConfig{
			Length:      6,
			MaxAttempts: 10,
		},
		Proxy: ProxyConfig{
			Timeout:   15 * time.Second,
			UserAgent: "short-link-relay/1.0",
		},
		RateLimit: RateLimitConfig{
			Strategy: "sliding_window",
			Global:   RateLimitRule{Limit: 100, Window: 60},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Override with environment variables if present
func applyEnv(cfg *Config) {
	if host := os.Getenv("MYSQL_HOST"); host != "" {
		cfg.Database.MySQL.Host = host
	}
	if pw := os.Getenv("MYSQL_PASSWORD"); pw != "" {
		cfg.Database.MySQL.Password = pw
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.Redis.Host = host
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if key := os.Getenv("ADMIN_API_KEY"); key != "" {
		cfg.Admin.APIKey = key
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
}

// Validate checks the fields the service cannot run without
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.MySQL.Database == "" {
			errs = append(errs, errors.New("database.mysql.database is required"))
		}
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			errs = append(errs, errors.New("database.sqlite.path is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	if c.ShortCode.Length < 1 || c.ShortCode.Length > 50 {
		errs = append(errs, fmt.Errorf("shortcode.length must be 1-50, got %d", c.ShortCode.Length))
	}
	if c.ShortCode.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("shortcode.max_attempts must be >= 1, got %d", c.ShortCode.MaxAttempts))
	}
	if c.Proxy.Timeout <= 0 {
		errs = append(errs, errors.New("proxy.timeout must be > 0"))
	}
	if c.RateLimit.Enabled && !c.Redis.Enabled {
		errs = append(errs, errors.New("rate_limit requires redis.enabled"))
	}
	if c.BloomFilter.Enabled && (c.BloomFilter.FalsePositiveRate <= 0 || c.BloomFilter.FalsePositiveRate >= 1) {
		errs = append(errs, fmt.Errorf("bloom_filter.false_positive_rate must be in (0,1), got %v", c.BloomFilter.FalsePositiveRate))
	}

	return errors.Join(errs...)
}
