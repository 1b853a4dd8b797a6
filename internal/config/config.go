/**
 * @description
 * This package handles the configuration management for the ledger-service. It uses
 * Viper to read configuration from environment variables and an optional .env file,
 * then normalizes the values so the rest of the service can rely on sane defaults.
 *
 * @dependencies
 * - github.com/spf13/viper: application configuration.
 * - github.com/shopspring/decimal: seed balance bounds.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all the configuration variables for the ledger-service.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	StoreDriver                string `mapstructure:"STORE_DRIVER"`
	RunMigrations              bool   `mapstructure:"RUN_MIGRATIONS"`
	DBMaxConns                 int32  `mapstructure:"DB_MAX_CONNS"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix             string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	EventsExchange             string `mapstructure:"EVENTS_EXCHANGE"`
	ProvisioningQueue          string `mapstructure:"PROVISIONING_QUEUE"`
	JWTSecret                  string `mapstructure:"JWT_SECRET"`
	JWTOwnerClaim              string `mapstructure:"JWT_OWNER_CLAIM"`
	TransferTimeoutMS          int    `mapstructure:"TRANSFER_TIMEOUT_MS"`
	LockTimeoutMS              int    `mapstructure:"LOCK_TIMEOUT_MS"`
	IdempotencyTTLMinutes      int    `mapstructure:"IDEMPOTENCY_TTL_MINUTES"`
	TransferRateLimitPerMinute int    `mapstructure:"TRANSFER_RATE_LIMIT_PER_MINUTE"`
	AccountSeedMinRaw          string `mapstructure:"ACCOUNT_SEED_MIN"`
	AccountSeedMaxRaw          string `mapstructure:"ACCOUNT_SEED_MAX"`
	AuditSchedule              string `mapstructure:"AUDIT_SCHEDULE"`
	LogMode                    string `mapstructure:"LOG_MODE"`
	OTelEnabled                bool   `mapstructure:"OTEL_ENABLED"`
	OTelServiceName            string `mapstructure:"OTEL_SERVICE_NAME"`
	CORSAllowedOriginsRaw      string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	AccountSeedMin     decimal.Decimal `mapstructure:"-"`
	AccountSeedMax     decimal.Decimal `mapstructure:"-"`
	CORSAllowedOrigins []string        `mapstructure:"-"`
}

// TransferTimeout bounds a single transfer scope.
func (c Config) TransferTimeout() time.Duration {
	return time.Duration(c.TransferTimeoutMS) * time.Millisecond
}

// LockTimeout bounds a single row-lock wait inside a scope.
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLMinutes) * time.Minute
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("DB_MAX_CONNS", 50)
	viper.SetDefault("REDIS_KEY_PREFIX", "ledger")
	viper.SetDefault("EVENTS_EXCHANGE", "transfa.events")
	viper.SetDefault("PROVISIONING_QUEUE", "ledger_service.identity_provisioned")
	viper.SetDefault("JWT_OWNER_CLAIM", "userId")
	viper.SetDefault("TRANSFER_TIMEOUT_MS", 5000)
	viper.SetDefault("LOCK_TIMEOUT_MS", 2000)
	viper.SetDefault("IDEMPOTENCY_TTL_MINUTES", 1440)
	viper.SetDefault("TRANSFER_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("ACCOUNT_SEED_MIN", "1")
	viper.SetDefault("ACCOUNT_SEED_MAX", "10001")
	viper.SetDefault("AUDIT_SCHEDULE", "@every 5m")
	viper.SetDefault("LOG_MODE", "production")
	viper.SetDefault("OTEL_ENABLED", false)
	viper.SetDefault("OTEL_SERVICE_NAME", "ledger-service")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("DB_MAX_CONNS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("PROVISIONING_QUEUE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("JWT_OWNER_CLAIM")
	_ = viper.BindEnv("TRANSFER_TIMEOUT_MS")
	_ = viper.BindEnv("LOCK_TIMEOUT_MS")
	_ = viper.BindEnv("IDEMPOTENCY_TTL_MINUTES")
	_ = viper.BindEnv("TRANSFER_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("ACCOUNT_SEED_MIN")
	_ = viper.BindEnv("ACCOUNT_SEED_MAX")
	_ = viper.BindEnv("AUDIT_SCHEDULE")
	_ = viper.BindEnv("LOG_MODE")
	_ = viper.BindEnv("OTEL_ENABLED")
	_ = viper.BindEnv("OTEL_SERVICE_NAME")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	normalize(&config)
	return
}

func normalize(config *Config) {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.ServerPort = strings.TrimSpace(config.ServerPort)
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}

	config.StoreDriver = strings.ToLower(strings.TrimSpace(config.StoreDriver))
	if config.StoreDriver != StoreDriverPostgres && config.StoreDriver != StoreDriverMemory {
		log.Printf("level=warn component=config msg=\"unknown store driver; using postgres\" value=%q", config.StoreDriver)
		config.StoreDriver = StoreDriverPostgres
	}

	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)

	config.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "ledger"
	}
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = "transfa.events"
	}
	config.ProvisioningQueue = strings.TrimSpace(config.ProvisioningQueue)
	if config.ProvisioningQueue == "" {
		config.ProvisioningQueue = "ledger_service.identity_provisioned"
	}
	config.JWTOwnerClaim = strings.TrimSpace(config.JWTOwnerClaim)
	if config.JWTOwnerClaim == "" {
		config.JWTOwnerClaim = "userId"
	}

	if config.DBMaxConns <= 0 {
		config.DBMaxConns = 50
	}
	if config.TransferTimeoutMS <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive transfer timeout; using default\" value=%d", config.TransferTimeoutMS)
		config.TransferTimeoutMS = 5000
	}
	if config.LockTimeoutMS < 0 {
		config.LockTimeoutMS = 2000
	}
	if config.LockTimeoutMS > config.TransferTimeoutMS {
		log.Printf("level=warn component=config msg=\"lock timeout exceeds transfer timeout; capping\" lock_timeout_ms=%d transfer_timeout_ms=%d", config.LockTimeoutMS, config.TransferTimeoutMS)
		config.LockTimeoutMS = config.TransferTimeoutMS
	}
	if config.IdempotencyTTLMinutes <= 0 {
		config.IdempotencyTTLMinutes = 1440
	}
	if config.TransferRateLimitPerMinute < 0 {
		config.TransferRateLimitPerMinute = 0
	}

	config.AccountSeedMin = parseSeed("ACCOUNT_SEED_MIN", config.AccountSeedMinRaw, decimal.NewFromInt(1))
	config.AccountSeedMax = parseSeed("ACCOUNT_SEED_MAX", config.AccountSeedMaxRaw, decimal.NewFromInt(10001))
	if config.AccountSeedMax.LessThan(config.AccountSeedMin) {
		log.Printf("level=warn component=config msg=\"seed max below seed min; swapping\" min=%s max=%s", config.AccountSeedMin, config.AccountSeedMax)
		config.AccountSeedMin, config.AccountSeedMax = config.AccountSeedMax, config.AccountSeedMin
	}

	config.AuditSchedule = strings.TrimSpace(config.AuditSchedule)
	config.LogMode = strings.ToLower(strings.TrimSpace(config.LogMode))
	config.OTelServiceName = strings.TrimSpace(config.OTelServiceName)
	if config.OTelServiceName == "" {
		config.OTelServiceName = "ledger-service"
	}

	config.CORSAllowedOrigins = nil
	for _, origin := range strings.Split(config.CORSAllowedOriginsRaw, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			config.CORSAllowedOrigins = append(config.CORSAllowedOrigins, trimmed)
		}
	}
	if len(config.CORSAllowedOrigins) == 0 {
		config.CORSAllowedOrigins = []string{"*"}
	}
}

func parseSeed(name, raw string, fallback decimal.Decimal) decimal.Decimal {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%q err=%v", name, trimmed, err)
		return fallback
	}
	if value.IsNegative() {
		log.Printf("level=warn component=config msg=\"negative %s; coercing to zero\" value=%s", name, value)
		return decimal.Zero
	}
	return value
}
