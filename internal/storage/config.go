package storage

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

// Supported values of Config.Backend
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config defines fields used for choosing and connecting a document backend.
// It is parsed from environment variables.
type Config struct {
	Backend  string `env:"STORAGE_BACKEND" envDefault:"memory"`
	User     string `env:"PG_USER" envDefault:"postgres"`
	Password string `env:"PG_PASSWORD"`
	Host     string `env:"PG_HOST" envDefault:"localhost"`
	Port     uint16 `env:"PG_PORT" envDefault:"5432"`
	DBName   string `env:"PG_DBNAME" envDefault:"roomchat"`
	MaxConns int32  `env:"PG_MAX_CONNS" envDefault:"0"`
	RedisURL string `env:"REDIS_URL"`
}

// DSN returns connection string for PostgreSQL
func (c Config) DSN() string {
	return fmt.Sprintf("user=%s password=%s host=%s port=%d dbname=%s sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Option alters the default configuration of the pgxpool.Config used during PostgresBackend construction
type Option interface {
	apply(*pgxpool.Config)
}

type optionFunc func(c *pgxpool.Config)

func (f optionFunc) apply(c *pgxpool.Config) { f(c) }

// ConnectionTimeout sets timeout for connection to be established
func ConnectionTimeout(d time.Duration) Option {
	return optionFunc(func(c *pgxpool.Config) {
		c.ConnConfig.ConnectTimeout = d
	})
}

// MaxConns limits the size of the connection pool
func MaxConns(n int32) Option {
	return optionFunc(func(c *pgxpool.Config) {
		c.MaxConns = n
	})
}

// StoreOption alters Store defaults
type StoreOption interface {
	applyStore(*Store)
}

type storeOptionFunc func(s *Store)

func (f storeOptionFunc) applyStore(s *Store) { f(s) }

// WithClock replaces time.Now as the source of "now" for activity and stats
func WithClock(now func() time.Time) StoreOption {
	return storeOptionFunc(func(s *Store) {
		s.now = now
	})
}

// WithRetention overrides MaxMessagesPerRoom
func WithRetention(n int) StoreOption {
	return storeOptionFunc(func(s *Store) {
		if n > 0 {
			s.retention = n
		}
	})
}
