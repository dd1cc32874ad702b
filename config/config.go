package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Environment    string        `mapstructure:"environment"`
	ServerAddress  string        `mapstructure:"server.address"`
	ServerTimeout  time.Duration `mapstructure:"server.timeout"`
	MetricsEnabled bool          `mapstructure:"metrics_enabled"`
	LogLevel       string        `mapstructure:"logging.level"`
	LogFormat      string        `mapstructure:"logging.format"`
	Worker         WorkerConfig
	DB             DatabaseConfig
	ReadOnlyDB     DatabaseConfig
	Redis          RedisConfig
	ServiceBus     ServiceBusConfig
	Elastic        ElasticConfig
	Tracing        TracingConfig
}

// WorkerConfig holds background worker configuration
type WorkerConfig struct {
	ReconcileInterval time.Duration `mapstructure:"worker.reconcile_interval"`
	ReconcileBatch    int           `mapstructure:"worker.reconcile_batch"`
	RematchInterval   time.Duration `mapstructure:"worker.rematch_interval"`
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"redis.host"`
	Port     int    `mapstructure:"redis.port"`
	Password string `mapstructure:"redis.password"`
	DB       int    `mapstructure:"redis.db"`
	Enabled  bool   `mapstructure:"redis.enabled"`
}

// ServiceBusConfig holds Azure Service Bus configuration
type ServiceBusConfig struct {
	ConnectionString  string `mapstructure:"servicebus.connection_string"`
	NotificationQueue string `mapstructure:"servicebus.notification_queue"`
	ArrivalQueue      string `mapstructure:"servicebus.arrival_queue"`
}

// ElasticConfig holds Elasticsearch configuration
type ElasticConfig struct {
	URL      string `mapstructure:"elastic.url"`
	Username string `mapstructure:"elastic.username"`
	Password string `mapstructure:"elastic.password"`
	Prefix   string `mapstructure:"elastic.prefix"`
	Index    string `mapstructure:"elastic.index"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	LicenseKey     string `mapstructure:"tracing.license_key"`
	AppName        string `mapstructure:"tracing.app_name"`
	LogLevel       string `mapstructure:"tracing.log_level"`
	LogEnabled     bool   `mapstructure:"tracing.log_enabled"`
	DistribTracing bool   `mapstructure:"tracing.distributed_tracing_enabled"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AddConfigPath(path)
	v.AddConfigPath("./config")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			v.SetConfigName("app")
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				// Continue with ENV vars and defaults
				fmt.Printf("Warning: No configuration file found: %v\n", err)
			}
		} else {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("FULFILLMENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unable to unmarshal config: %w", err)
	}

	if err := v.UnmarshalKey("database", &config.DB); err != nil {
		return Config{}, fmt.Errorf("unable to unmarshal database config: %w", err)
	}
	if err := v.UnmarshalKey("database_read_only", &config.ReadOnlyDB); err != nil {
		return Config{}, fmt.Errorf("unable to unmarshal read-only database config: %w", err)
	}
	if config.ReadOnlyDB.Host == "" {
		config.ReadOnlyDB = config.DB
	}

	return config, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.address", "0.0.0.0:8080")
	v.SetDefault("server.timeout", "30s")
	v.SetDefault("metrics_enabled", true)

	v.SetDefault("worker.reconcile_interval", "5m")
	v.SetDefault("worker.reconcile_batch", 200)
	v.SetDefault("worker.rematch_interval", "15m")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "fulfillment")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", true)

	v.SetDefault("servicebus.notification_queue", "availability-notifications")
	v.SetDefault("servicebus.arrival_queue", "stock-arrivals")

	v.SetDefault("elastic.url", "http://localhost:9200")
	v.SetDefault("elastic.prefix", "fulfillment")
	v.SetDefault("elastic.index", "stock-movements")

	v.SetDefault("tracing.app_name", "Fulfillment Service")
	v.SetDefault("tracing.log_level", "info")
	v.SetDefault("tracing.log_enabled", true)
	v.SetDefault("tracing.distributed_tracing_enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// FormatIndex formats an Elasticsearch index name with the configured prefix
func FormatIndex(cfg ElasticConfig, index string) string {
	return cfg.Prefix + "-" + index
}
