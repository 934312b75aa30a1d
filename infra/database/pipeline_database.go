package database

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// PostgresConfig holds database configuration.
type PostgresConfig struct {
	MaxConns        int
	MaxIdleConns    int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultPostgresConfig returns optimized defaults.
func DefaultPostgresConfig() *PostgresConfig {
	maxConns := 25
	if envMax := os.Getenv("DB_MAX_CONNS"); envMax != "" {
		if v, err := strconv.Atoi(envMax); err == nil {
			maxConns = v
		}
	}

	return &PostgresConfig{
		MaxConns:        maxConns,
		MaxIdleConns:    5,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

func NewPostgres(databaseURL string) (*sqlx.DB, error) {
	return NewPostgresWithConfig(databaseURL, DefaultPostgresConfig())
}

func NewPostgresWithConfig(databaseURL string, cfg *PostgresConfig) (*sqlx.DB, error) {
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}

	connConfig, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	// Disable prepared statement cache to avoid conflicts with sqlx
	connConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	db, err := sqlx.Open("pgx", stdlib.RegisterConnConfig(connConfig))
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.MaxConnLifetime)
	db.SetConnMaxIdleTime(cfg.MaxConnIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// PoolStats returns connection pool statistics.
type PoolStats struct {
	OpenConns    int   `json:"open_conns"`
	InUseConns   int   `json:"in_use_conns"`
	IdleConns    int   `json:"idle_conns"`
	MaxOpenConns int   `json:"max_open_conns"`
	WaitCount    int64 `json:"wait_count"`
	WaitDuration int64 `json:"wait_duration_ms"`
}

// GetPoolStats returns pool statistics.
func GetPoolStats(db *sqlx.DB) *PoolStats {
	stat := db.Stats()
	return &PoolStats{
		OpenConns:    stat.OpenConnections,
		InUseConns:   stat.InUse,
		IdleConns:    stat.Idle,
		MaxOpenConns: stat.MaxOpenConnections,
		WaitCount:    stat.WaitCount,
		WaitDuration: stat.WaitDuration.Milliseconds(),
	}
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns optimized Redis defaults.
func DefaultRedisConfig() *RedisConfig {
	poolSize := 50
	if envPool := os.Getenv("REDIS_POOL_SIZE"); envPool != "" {
		if v, err := strconv.Atoi(envPool); err == nil {
			poolSize = v
		}
	}

	return &RedisConfig{
		PoolSize:     poolSize,
		MinIdleConns: 10,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

func NewRedis(redisURL string) (*redis.Client, error) {
	return NewRedisWithConfig(redisURL, DefaultRedisConfig())
}

func NewRedisWithConfig(redisURL string, cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	opt.PoolSize = cfg.PoolSize
	opt.MinIdleConns = cfg.MinIdleConns
	opt.MaxRetries = cfg.MaxRetries
	opt.DialTimeout = cfg.DialTimeout
	opt.ReadTimeout = cfg.ReadTimeout
	opt.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return client, nil
}

// RedisStats returns Redis pool statistics.
type RedisStats struct {
	Hits       uint32 `json:"hits"`
	Misses     uint32 `json:"misses"`
	Timeouts   uint32 `json:"timeouts"`
	TotalConns uint32 `json:"total_conns"`
	IdleConns  uint32 `json:"idle_conns"`
	StaleConns uint32 `json:"stale_conns"`
}

// GetRedisStats returns Redis pool statistics.
func GetRedisStats(client *redis.Client) *RedisStats {
	stat := client.PoolStats()
	return &RedisStats{
		Hits:       stat.Hits,
		Misses:     stat.Misses,
		Timeouts:   stat.Timeouts,
		TotalConns: stat.TotalConns,
		IdleConns:  stat.IdleConns,
		StaleConns: stat.StaleConns,
	}
}
