package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. EVENTFLOW_TOPIC.
const EnvPrefix = "EVENTFLOW"

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("pubsub_system", "kafka")
	v.SetDefault("topic", "events")
	v.SetDefault("poison_queue", "")
	v.SetDefault("codec", "json")

	v.SetDefault("kafka_brokers", []string{"localhost:9092"})
	v.SetDefault("kafka_client_id", "eventflow")
	v.SetDefault("kafka_consumer_group", "eventflow-workers")
	v.SetDefault("kafka_compression", "gzip")
	v.SetDefault("kafka_linger", "10ms")

	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("nats_stream", "EVENTFLOW")
	v.SetDefault("channel_persistent", true)

	v.SetDefault("publish_timeout", "30s")
	v.SetDefault("publish_max_retries", 3)
	v.SetDefault("publish_retry_backoff", "500ms")
	v.SetDefault("publish_max_retry_backoff", "5s")
	v.SetDefault("delivery_timeout", "60s")
	v.SetDefault("service_version", "1.0.0")

	v.SetDefault("poll_timeout", "1s")
	v.SetDefault("workers", 4)
	v.SetDefault("queue_depth", 64)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_initial_interval", "1s")
	v.SetDefault("retry_max_interval", "30s")
	v.SetDefault("shutdown_grace", "30s")
	v.SetDefault("recover_after", "5m")

	v.SetDefault("storage_driver", "sqlite3")
	v.SetDefault("database_url", "file:eventflow.db?_busy_timeout=5000")
	v.SetDefault("auto_migrate", true)
	v.SetDefault("db_max_open_conns", 10)

	v.SetDefault("enrichment_url", "")
	v.SetDefault("enrichment_api_key", "")
	v.SetDefault("enrichment_timeout", "30s")
	v.SetDefault("enrichment_breaker_failures", 5)
	v.SetDefault("enrichment_breaker_cooldown", "30s")

	v.SetDefault("http_address", ":8080")
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("metrics_port", 9090)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Default returns the configuration produced by the defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("eventflow: default config does not decode: %v", err))
	}
	return &cfg
}

// Load reads configuration from defaults, an optional YAML file and
// EVENTFLOW_* environment variables, in increasing priority. An empty path
// looks for eventflow.yaml in the working directory and /etc/eventflow.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied viper instance, which lets the CLI bind
// flags before reading.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("eventflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/eventflow")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
