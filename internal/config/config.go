package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/obezeq/AntiPanel-sub001/libs/config"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

type KafkaTopics struct {
	OrdersAccepted    string
	OrdersFailed      string
	OrdersCompleted   string
	PaymentsConfirmed string
	DeadLetter        string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type HoldsConfig struct {
	Duration    time.Duration
	LockTimeout time.Duration
}

type ReaperConfig struct {
	Interval     time.Duration
	PendingGrace time.Duration
}

type SyncConfig struct {
	Interval  time.Duration
	BatchSize int
}

type AuthConfig struct {
	JWTSecret string
}

type Config struct {
	App      base.AppConfig
	DB       DBConfig
	Kafka    KafkaConfig
	Provider ProviderConfig
	Holds    HoldsConfig
	Reaper   ReaperConfig
	Sync     SyncConfig
	Auth     AuthConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("PANEL_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("PANEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("PANEL_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "reseller-core")
	v.SetDefault("kafka.topics.orders_accepted", "orders.accepted")
	v.SetDefault("kafka.topics.orders_failed", "orders.failed")
	v.SetDefault("kafka.topics.orders_completed", "orders.completed")
	v.SetDefault("kafka.topics.payments_confirmed", "payments.confirmed")
	v.SetDefault("kafka.topics.dead_letter", "reseller.dead_letter")

	kafkaBrokers := envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers"))
	kafkaConsumer := envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group"))

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "reseller_core"),
			User:     envString("POSTGRES_USER", "reseller"),
			Password: envString("POSTGRES_PASSWORD", "reseller"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers:       kafkaBrokers,
			ConsumerGroup: kafkaConsumer,
			Topics: KafkaTopics{
				OrdersAccepted:    envString("KAFKA_ORDERS_ACCEPTED_TOPIC", v.GetString("kafka.topics.orders_accepted")),
				OrdersFailed:      envString("KAFKA_ORDERS_FAILED_TOPIC", v.GetString("kafka.topics.orders_failed")),
				OrdersCompleted:   envString("KAFKA_ORDERS_COMPLETED_TOPIC", v.GetString("kafka.topics.orders_completed")),
				PaymentsConfirmed: envString("KAFKA_PAYMENTS_CONFIRMED_TOPIC", v.GetString("kafka.topics.payments_confirmed")),
				DeadLetter:        envString("KAFKA_DEAD_LETTER_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Provider: ProviderConfig{
			BaseURL: envString("PROVIDER_BASE_URL", ""),
			APIKey:  envString("PROVIDER_API_KEY", ""),
			Timeout: envDuration("PROVIDER_TIMEOUT", 2*time.Minute),
		},
		Holds: HoldsConfig{
			Duration:    envDuration("HOLD_DURATION", 3*time.Minute),
			LockTimeout: envDuration("DB_LOCK_TIMEOUT", 5*time.Second),
		},
		Reaper: ReaperConfig{
			Interval:     envDuration("REAPER_INTERVAL", time.Minute),
			PendingGrace: envDuration("REAPER_PENDING_GRACE", 10*time.Minute),
		},
		Sync: SyncConfig{
			Interval:  envDuration("STATUS_SYNC_INTERVAL", time.Minute),
			BatchSize: envInt("STATUS_SYNC_BATCH_SIZE", 100),
		},
		Auth: AuthConfig{
			JWTSecret: envString("PANEL_JWT_SECRET", ""),
		},
	}

	if cfg.Provider.BaseURL == "" {
		return nil, fmt.Errorf("PROVIDER_BASE_URL required")
	}
	if cfg.Provider.APIKey == "" {
		return nil, fmt.Errorf("PROVIDER_API_KEY required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("PANEL_JWT_SECRET required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Holds.Duration <= 0 {
		return nil, fmt.Errorf("HOLD_DURATION must be positive")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
