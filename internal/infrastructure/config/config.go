package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Shipping      ShippingConfig      `mapstructure:"shipping"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Auth          AuthConfig          `mapstructure:"auth"`
	InstanceID    string              `mapstructure:"instance_id"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       int           `mapstructure:"rate_limit"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	JWTExpiry time.Duration `mapstructure:"jwt_expiry"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	ConnectRetries  int           `mapstructure:"connect_retries"`
}

type RedisConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	DB                int           `mapstructure:"db"`
	Password          string        `mapstructure:"password"`
	ConnectRetries    int           `mapstructure:"connect_retries"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// GatewayConfig holds the payment gateway shop credentials. Empty
// credentials are accepted; gateway calls then fail as not configured.
type GatewayConfig struct {
	ShopID            string        `mapstructure:"shop_id"`
	SecretKey         string        `mapstructure:"secret_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	ReturnURL         string        `mapstructure:"return_url"`
	DescriptionPrefix string        `mapstructure:"description_prefix"`
}

func (c *GatewayConfig) Configured() bool {
	return c.ShopID != "" && c.SecretKey != ""
}

type ShippingConfig struct {
	ClientID                string        `mapstructure:"client_id"`
	ClientSecret            string        `mapstructure:"client_secret"`
	BaseURL                 string        `mapstructure:"base_url"`
	FromCityCode            int           `mapstructure:"from_city_code"`
	Timeout                 time.Duration `mapstructure:"timeout"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
}

func (c *ShippingConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

type WebhookConfig struct {
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
	Stream   string        `mapstructure:"stream"`
}

type WorkerConfig struct {
	BatchSize         int64         `mapstructure:"batch_size"`
	BlockDuration     time.Duration `mapstructure:"block_duration"`
	ConsumerGroup     string        `mapstructure:"consumer_group"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	ReconcileSchedule string        `mapstructure:"reconcile_schedule"`
	ReconcileAfter    time.Duration `mapstructure:"reconcile_after"`
	ReconcileBatch    int           `mapstructure:"reconcile_batch"`
}

type ObservabilityConfig struct {
	LogLevel       string `mapstructure:"log_level"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
	EnableMetrics  bool   `mapstructure:"enable_metrics"`
	EnableTracing  bool   `mapstructure:"enable_tracing"`
}

// legacyEnv maps config keys to the variable names deployments already use.
var legacyEnv = map[string]string{
	"gateway.shop_id":         "YUKASSA_SHOP_ID",
	"gateway.secret_key":      "YUKASSA_SECRET_KEY",
	"gateway.return_url":      "YUKASSA_RETURN_URL",
	"shipping.client_id":      "CDEK_CLIENT_ID",
	"shipping.client_secret":  "CDEK_CLIENT_SECRET",
	"shipping.base_url":       "CDEK_BASE_URL",
	"shipping.from_city_code": "CDEK_FROM_CITY_CODE",
}

const envPrefix = "FABRICSHOP"

func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from environment variables
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	// Read from config file if exists
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/fabricshop")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// bindEnv binds keys without defaults, accepting both the prefixed name and
// the legacy one. The prefixed name wins when both are set.
func bindEnv(v *viper.Viper) error {
	for key, legacy := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return err
		}
	}
	for _, key := range []string{"auth.jwt_secret", "database.password", "redis.password"} {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout must be positive"))
	}
	if c.Server.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.write_timeout must be positive"))
	}
	if c.Database.Host == "" {
		errs = append(errs, fmt.Errorf("database.host is required"))
	}
	if c.Database.Port <= 0 {
		errs = append(errs, fmt.Errorf("database.port must be positive"))
	}
	if c.Redis.Port <= 0 {
		errs = append(errs, fmt.Errorf("redis.port must be positive"))
	}
	if c.Gateway.BaseURL == "" {
		errs = append(errs, fmt.Errorf("gateway.base_url is required"))
	}
	if c.Gateway.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("gateway.timeout must be positive"))
	}
	if (c.Gateway.ShopID == "") != (c.Gateway.SecretKey == "") {
		errs = append(errs, fmt.Errorf("gateway.shop_id and gateway.secret_key must be set together"))
	}
	if c.Shipping.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("shipping.timeout must be positive"))
	}
	if c.Webhook.DedupTTL <= 0 {
		errs = append(errs, fmt.Errorf("webhook.dedup_ttl must be positive"))
	}
	if c.Worker.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("worker.lock_ttl must be positive"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("worker.batch_size must be positive"))
	}

	// Production environment checks
	env := os.Getenv("ENV")
	if env == "production" || env == "prod" {
		if c.Database.Password == "" {
			errs = append(errs, fmt.Errorf("database.password required in production"))
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, fmt.Errorf("auth.jwt_secret required in production"))
		}
	}

	// JWT secret length validation
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("auth.jwt_secret must be at least 32 characters"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "45s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.rate_limit", 60)
	v.SetDefault("server.cors.allowed_origins", []string{"http://localhost:3001"})
	v.SetDefault("server.cors.allow_credentials", true)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fabricshop")
	v.SetDefault("database.database", "fabricshop")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_connections", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.connect_retries", 5)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.connect_retries", 5)
	v.SetDefault("redis.connect_retry_delay", "1s")

	// Gateway defaults
	v.SetDefault("gateway.base_url", "https://api.yookassa.ru/v3")
	v.SetDefault("gateway.timeout", "30s")
	v.SetDefault("gateway.return_url", "http://localhost:3001/checkout/success")
	v.SetDefault("gateway.description_prefix", "Order")

	// Shipping defaults
	v.SetDefault("shipping.base_url", "https://api.edu.cdek.ru/v2")
	v.SetDefault("shipping.from_city_code", 44)
	v.SetDefault("shipping.timeout", "10s")
	v.SetDefault("shipping.circuit_breaker_threshold", 5)
	v.SetDefault("shipping.circuit_breaker_timeout", "30s")

	// Webhook defaults
	v.SetDefault("webhook.dedup_ttl", "24h")
	v.SetDefault("webhook.stream", "payments:webhook-actions")

	// Worker defaults
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.block_duration", "1s")
	v.SetDefault("worker.consumer_group", "webhook-appliers")
	v.SetDefault("worker.lock_ttl", "30s")
	v.SetDefault("worker.reconcile_schedule", "@every 5m")
	v.SetDefault("worker.reconcile_after", "15m")
	v.SetDefault("worker.reconcile_batch", 50)

	// Observability defaults
	v.SetDefault("observability.log_level", "info")
	v.SetDefault("observability.jaeger_endpoint", "http://localhost:14268/api/traces")
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.enable_tracing", false)

	// Auth defaults
	v.SetDefault("auth.jwt_expiry", "24h")

	// Instance ID
	v.SetDefault("instance_id", "fabricshop-1")
}

func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// MigrationURL is the postgres:// URL form of the DSN used by migrations.
func (c *DatabaseConfig) MigrationURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
