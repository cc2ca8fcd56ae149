package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over the defaults, loads .env if present
// and applies MARKET_* overrides. An empty path skips the file. The result is
// not validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject DSNs, passwords and addresses at
// deploy time without touching the TOML file
func applyEnvOverrides(cfg *Config) {
	// ledger
	setStr(&cfg.Ledger.RegistryAddress, "MARKET_LEDGER_REGISTRY_ADDRESS")
	setStr(&cfg.Ledger.CollateralAsset, "MARKET_LEDGER_COLLATERAL_ASSET")
	setStr(&cfg.Ledger.CollateralSymbol, "MARKET_LEDGER_COLLATERAL_SYMBOL")
	setInt(&cfg.Ledger.LRUCapacity, "MARKET_LEDGER_LRU_CAPACITY")
	setInt(&cfg.Ledger.PersistChanSize, "MARKET_LEDGER_PERSIST_CHAN_SIZE")
	setInt(&cfg.Ledger.ProjectionChanSize, "MARKET_LEDGER_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Ledger.PublishChanSize, "MARKET_LEDGER_PUBLISH_CHAN_SIZE")
	setInt64(&cfg.Ledger.SnapshotInterval, "MARKET_LEDGER_SNAPSHOT_INTERVAL")
	setDuration(&cfg.Ledger.SnapshotCheck, "MARKET_LEDGER_SNAPSHOT_CHECK")

	// roles
	setStringSlice(&cfg.Roles.Admins, "MARKET_ROLES_ADMINS")
	setStringSlice(&cfg.Roles.Creators, "MARKET_ROLES_CREATORS")
	setStringSlice(&cfg.Roles.Oracles, "MARKET_ROLES_ORACLES")

	// postgres
	setStr(&cfg.Postgres.DSN, "MARKET_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "MARKET_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "MARKET_POSTGRES_MAX_IDLE_CONNS")
	setDuration(&cfg.Postgres.ConnMaxLifetime, "MARKET_POSTGRES_CONN_MAX_LIFETIME")
	setStr(&cfg.Postgres.MigrationsDir, "MARKET_POSTGRES_MIGRATIONS_DIR")
	setBool(&cfg.Postgres.RunMigrations, "MARKET_POSTGRES_RUN_MIGRATIONS")

	setInt(&cfg.Persistence.BatchSize, "MARKET_PERSISTENCE_BATCH_SIZE")
	setDuration(&cfg.Persistence.FlushTimeout, "MARKET_PERSISTENCE_FLUSH_TIMEOUT")

	// redis
	setBool(&cfg.Redis.Enabled, "MARKET_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "MARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "MARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "MARKET_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.ViewTTL, "MARKET_REDIS_VIEW_TTL")
	setStr(&cfg.Redis.LockName, "MARKET_REDIS_LOCK_NAME")
	setDuration(&cfg.Redis.LockTTL, "MARKET_REDIS_LOCK_TTL")

	// nats
	setBool(&cfg.NATS.Enabled, "MARKET_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "MARKET_NATS_URL")
	setStr(&cfg.NATS.Durable, "MARKET_NATS_DURABLE")

	// server
	setStr(&cfg.Server.GRPCAddr, "MARKET_SERVER_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "MARKET_SERVER_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "MARKET_SERVER_METRICS_ADDR")
	setFloat64(&cfg.Server.RatePerSecond, "MARKET_SERVER_RATE_PER_SECOND")
	setInt(&cfg.Server.RateBurst, "MARKET_SERVER_RATE_BURST")

	setStr(&cfg.LogLevel, "MARKET_LOG_LEVEL")
}

// Each helper only mutates dst when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
