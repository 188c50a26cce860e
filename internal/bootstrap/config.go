// Package bootstrap wires the query execution server's components
// together from environment configuration (spec.md §6), following the
// teacher's per-component bootstrap convention
// (components/<service>/internal/bootstrap).
package bootstrap

import (
	"fmt"

	"github.com/flowkit/queryserver/common"
	"github.com/flowkit/queryserver/common/mlog"
	"github.com/flowkit/queryserver/common/mmongo"
	"github.com/flowkit/queryserver/common/mopentelemetry"
	"github.com/flowkit/queryserver/common/mpostgres"
	"github.com/flowkit/queryserver/common/mrabbitmq"
	"github.com/flowkit/queryserver/common/mredis"
	"github.com/flowkit/queryserver/common/mzap"
	httpserver "github.com/flowkit/queryserver/common/net/http"
)

// ApplicationName identifies this component in logs and telemetry.
const ApplicationName = "queryserver"

// Config is the top level configuration struct for the entire
// application, populated by common.SetConfigFromEnvVars (spec.md §6).
type Config struct {
	EnvName       string `env:"ENV_NAME"`
	LogLevel      string `env:"FLOWAPI_LOG_LEVEL"`
	ServerAddress string `env:"SERVER_ADDRESS"`

	WorkerPoolSize       int     `env:"WORKER_POOL_SIZE"`
	CacheSizeLimitBytes  int64   `env:"CACHE_SIZE_LIMIT_BYTES"`
	CacheHalfLifeSeconds float64 `env:"CACHE_HALF_LIFE_SECONDS"`

	WarehouseDSN        string `env:"WAREHOUSE_DSN"`
	WarehouseReplicaDSN string `env:"WAREHOUSE_REPLICA_DSN"`
	WarehouseDBName     string `env:"WAREHOUSE_DB_NAME"`
	WarehouseSchema     string `env:"WAREHOUSE_SCHEMA"`

	RedisHost string `env:"REDIS_HOST"`
	RedisPort string `env:"REDIS_PORT"`

	MongoDBHost     string `env:"MONGO_HOST"`
	MongoDBName     string `env:"MONGO_NAME"`
	MongoDBUser     string `env:"MONGO_USER"`
	MongoDBPassword string `env:"MONGO_PASSWORD"`
	MongoDBPort     string `env:"MONGO_PORT"`

	RabbitMQHost     string `env:"RABBITMQ_HOST"`
	RabbitMQPortHost string `env:"RABBITMQ_PORT_HOST"`
	RabbitMQUser     string `env:"RABBITMQ_DEFAULT_USER"`
	RabbitMQPass     string `env:"RABBITMQ_DEFAULT_PASS"`

	TokenVerifierPublicKey string `env:"TOKEN_VERIFIER_PUBLIC_KEY"`

	OtelServiceName         string `env:"OTEL_RESOURCE_SERVICE_NAME"`
	OtelLibraryName         string `env:"OTEL_LIBRARY_NAME"`
	OtelServiceVersion      string `env:"OTEL_RESOURCE_SERVICE_VERSION"`
	OtelDeploymentEnv       string `env:"OTEL_RESOURCE_DEPLOYMENT_ENVIRONMENT"`
	OtelColExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	BreakerConsecutiveFailures int `env:"BREAKER_CONSECUTIVE_FAILURES"`
	BreakerOpenSeconds         int `env:"BREAKER_OPEN_SECONDS"`
}

// applyDefaults fills zero-valued fields the teacher's convention leaves
// to the application rather than the env parser (spec.md §6 "default =
// CPU count" etc).
func (c *Config) applyDefaults(cpuCount int) {
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = cpuCount
	}

	if c.ServerAddress == "" {
		c.ServerAddress = ":3009"
	}

	if c.WarehouseSchema == "" {
		c.WarehouseSchema = "warehouse"
	}

	if c.WarehouseReplicaDSN == "" {
		c.WarehouseReplicaDSN = c.WarehouseDSN
	}

	if c.RedisPort == "" {
		c.RedisPort = "6379"
	}

	if c.MongoDBPort == "" {
		c.MongoDBPort = "27017"
	}

	if c.RabbitMQPortHost == "" {
		c.RabbitMQPortHost = "5672"
	}

	if c.BreakerConsecutiveFailures <= 0 {
		c.BreakerConsecutiveFailures = 5
	}

	if c.BreakerOpenSeconds <= 0 {
		c.BreakerOpenSeconds = 30
	}
}

// connections bundles the external connection handles built from Config,
// all lazily dialled on first use by their respective adapters.
type connections struct {
	warehouse *mpostgres.PostgresConnection
	redis     *mredis.RedisConnection
	mongo     *mmongo.MongoConnection
	rabbitmq  *mrabbitmq.RabbitMQConnection
}

func (c *Config) newConnections(logger mlog.Logger) *connections {
	redisSource := fmt.Sprintf("redis://%s:%s", c.RedisHost, c.RedisPort)

	mongoSource := fmt.Sprintf("mongodb://%s:%s@%s:%s",
		c.MongoDBUser, c.MongoDBPassword, c.MongoDBHost, c.MongoDBPort)

	rabbitSource := fmt.Sprintf("amqp://%s:%s@%s:%s",
		c.RabbitMQUser, c.RabbitMQPass, c.RabbitMQHost, c.RabbitMQPortHost)

	return &connections{
		warehouse: &mpostgres.PostgresConnection{
			ConnectionStringPrimary: c.WarehouseDSN,
			ConnectionStringReplica: c.WarehouseReplicaDSN,
			PrimaryDBName:           c.WarehouseDBName,
			ReplicaDBName:           c.WarehouseDBName,
		},
		redis: &mredis.RedisConnection{
			ConnectionStringSource: redisSource,
			Logger:                 logger,
		},
		mongo: &mmongo.MongoConnection{
			ConnectionStringSource: mongoSource,
			Database:               c.MongoDBName,
		},
		rabbitmq: &mrabbitmq.RabbitMQConnection{
			ConnectionStringSource: rabbitSource,
			Logger:                 logger,
		},
	}
}

func (c *Config) newTelemetry() *mopentelemetry.Telemetry {
	return &mopentelemetry.Telemetry{
		LibraryName:               c.OtelLibraryName,
		ServiceName:               c.OtelServiceName,
		ServiceVersion:            c.OtelServiceVersion,
		DeploymentEnv:             c.OtelDeploymentEnv,
		CollectorExporterEndpoint: c.OtelColExporterEndpoint,
	}
}

func (c *Config) newClaimsMiddleware() *httpserver.ClaimsMiddleware {
	return httpserver.NewClaimsMiddleware(c.TokenVerifierPublicKey)
}

// InitLogger builds the component's logger; mzap.InitializeLogger reads
// FLOWAPI_LOG_LEVEL directly, falling back to LOG_LEVEL.
func InitLogger() mlog.Logger {
	return mzap.InitializeLogger()
}

// LoadConfig populates Config from the environment (spec.md §6).
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	if err := common.SetConfigFromEnvVars(cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: loading config: %w", err)
	}

	if common.IsNilOrEmpty(&cfg.WarehouseDSN) {
		return nil, fmt.Errorf("bootstrap: WAREHOUSE_DSN is required")
	}

	return cfg, nil
}
