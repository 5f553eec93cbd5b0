package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv() {
	for _, k := range []string{
		"APP_ENV", "APP_API_VERSION", "APP_DEBUG", "APP_HTTP_ADDR",
		"META_TITLE_APP", "META_VERSION_APP",
		"DATABASE_URL", "DATABASE_HOST", "DATABASE_PORT", "DATABASE_USER",
		"DATABASE_PASSWORD", "DATABASE_NAME", "DATABASE_POOL_SIZE",
		"DATABASE_POOL_TIMEOUT", "DATABASE_ISOLATION_LEVEL",
		"REDIS_URL", "REDIS_MAX_CONNECTIONS", "REDIS_SOCKET_TIMEOUT",
		"MONGO_URI", "MONGO_DB_NAME", "MONGO_COLLECTION_NAME",
		"RABBITMQ_URL", "RABBITMQ_EXCHANGE", "RABBITMQ_QUEUE",
		"RABBITMQ_PREFETCH_COUNT", "RABBITMQ_CONSUMER_TAG",
		"PUBLISHER_BATCH_SIZE", "PUBLISHER_SLEEP_INTERVAL",
		"LOGGING_LEVEL", "LOGGING_FORMAT",
	} {
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv()
	os.Setenv("DATABASE_USER", "parcels")
	os.Setenv("DATABASE_NAME", "parcels")
	defer clearEnv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "v1", cfg.APIVersion)
	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.Equal(t, "parcel-registry", cfg.MetaTitle)
	assert.Equal(t, "postgres://parcels@localhost:5432/parcels?sslmode=disable", cfg.DBDSN)
	assert.Equal(t, 10, cfg.DBPoolSize)
	assert.Equal(t, "repeatable read", cfg.DBIsolationLevel)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "calculations", cfg.MongoCollection)
	assert.Equal(t, "parcel_exchange", cfg.RabbitExchange)
	assert.Equal(t, "parcel_registry_queue", cfg.RabbitQueue)
	assert.Equal(t, 10, cfg.RabbitPrefetch)
	assert.Equal(t, "delivery_worker", cfg.RabbitConsumerTag)
	assert.Equal(t, 50, cfg.PublisherBatchSize)
	assert.Equal(t, 5*time.Second, cfg.PublisherSleepInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv()
	os.Setenv("DATABASE_URL", "postgres://u:p@db:5432/parcels")
	os.Setenv("RABBITMQ_EXCHANGE", "other_exchange")
	os.Setenv("PUBLISHER_BATCH_SIZE", "7")
	os.Setenv("PUBLISHER_SLEEP_INTERVAL", "2")
	os.Setenv("APP_DEBUG", "true")
	defer clearEnv()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/parcels", cfg.DBDSN)
	assert.Equal(t, "other_exchange", cfg.RabbitExchange)
	assert.Equal(t, 7, cfg.PublisherBatchSize)
	assert.Equal(t, 2*time.Second, cfg.PublisherSleepInterval)
	assert.True(t, cfg.Debug)
}

func TestLoad_MissingDatabase(t *testing.T) {
	clearEnv()
	defer clearEnv()

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing database config")
}

func TestGetBool_InvalidPanics(t *testing.T) {
	os.Setenv("TEST_BOOL_BAD", "maybe")
	defer os.Unsetenv("TEST_BOOL_BAD")

	require.Panics(t, func() { getBool("TEST_BOOL_BAD", false) })
}

func TestBuildPostgresURL_SpecialChars(t *testing.T) {
	dsn := buildPostgresURL("db:5432", "user", "p@ss/word", "parcels", "disable")
	assert.Equal(t, "postgres://user:p%40ss%2Fword@db:5432/parcels?sslmode=disable", dsn)

	// missing critical fields -> empty
	assert.Empty(t, buildPostgresURL("", "user", "", "parcels", "disable"))
	assert.Empty(t, buildPostgresURL("db:5432", "", "", "parcels", "disable"))
}
