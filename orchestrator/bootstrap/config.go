package bootstrap

import (
	"fmt"
	"strings"
	"time"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/zap"
)

// Config is read from the environment by LoadConfig. Optional integrations
// stay off while their address is empty.
type Config struct {
	EnvName  string `env:"ENV_NAME"`
	LogLevel string `env:"LOG_LEVEL"`

	ServiceName     string `env:"OTEL_RESOURCE_SERVICE_NAME"`
	ServiceVersion  string `env:"VERSION"`
	OtelEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	EnableTelemetry bool   `env:"ENABLE_TELEMETRY"`

	PostgresPrimaryDSN   string `env:"POSTGRES_PRIMARY_DSN"`
	PostgresReplicaDSN   string `env:"POSTGRES_REPLICA_DSN"`
	PostgresDatabase     string `env:"POSTGRES_DATABASE"`
	PostgresMaxOpenConns int    `env:"POSTGRES_MAX_OPEN_CONNS"`
	PostgresMigrate      bool   `env:"POSTGRES_MIGRATE"`

	RedisAddresses string `env:"REDIS_ADDRESSES"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB"`

	KafkaBrokers     string `env:"KAFKA_BROKERS"`
	KafkaTopicPrefix string `env:"KAFKA_TOPIC_PREFIX"`

	RabbitURL      string `env:"RABBITMQ_URL"`
	RabbitExchange string `env:"RABBITMQ_EXCHANGE"`

	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE"`

	AdminAddress string `env:"ADMIN_ADDRESS"`

	DispatchInterval      time.Duration `env:"OUTBOX_DISPATCH_INTERVAL"`
	DispatchBatchSize     int           `env:"OUTBOX_BATCH_SIZE"`
	DispatchWorkers       int           `env:"OUTBOX_WORKERS"`
	LeaseDuration         time.Duration `env:"OUTBOX_LEASE_DURATION"`
	BacklogAlertThreshold int64         `env:"OUTBOX_BACKLOG_ALERT_THRESHOLD"`

	SweepSchedule string        `env:"RETRY_SWEEP_SCHEDULE"`
	ActionTimeout time.Duration `env:"ACTION_TIMEOUT"`
	ResultTTL     time.Duration `env:"ACTION_RESULT_TTL"`
}

// DefaultConfig holds the values used when a variable is unset.
func DefaultConfig() Config {
	return Config{
		EnvName:          string(zap.EnvironmentDevelopment),
		ServiceName:      "orchestratord",
		ServiceVersion:   "dev",
		PostgresMigrate:  true,
		KafkaTopicPrefix: "orchestrator.",
		RabbitExchange:   "orchestrator.events",
		MongoDatabase:    "orchestrator",
		AdminAddress:     ":8080",
		ActionTimeout:    30 * time.Second,
		ResultTTL:        24 * time.Hour,
	}
}

// LoadConfig overlays the environment on DefaultConfig.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if err := libOrchestrator.SetConfigFromEnvVars(&cfg); err != nil {
		return Config{}, fmt.Errorf("loading config: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate reports the first missing required setting.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.PostgresPrimaryDSN) == "" {
		return fmt.Errorf("%w: POSTGRES_PRIMARY_DSN is required", ErrInvalidConfig)
	}

	if strings.TrimSpace(cfg.AdminAddress) == "" {
		return fmt.Errorf("%w: ADMIN_ADDRESS is required", ErrInvalidConfig)
	}

	return nil
}

func (cfg Config) redisAddresses() []string {
	var addresses []string

	for _, address := range strings.Split(cfg.RedisAddresses, ",") {
		if address = strings.TrimSpace(address); address != "" {
			addresses = append(addresses, address)
		}
	}

	return addresses
}
