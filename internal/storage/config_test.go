package storage

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	config := Config{
		User:     "a",
		Password: "b",
		Host:     "c",
		Port:     5432,
		DBName:   "d",
	}
	expected := "user=a password=b host=c port=5432 dbname=d sslmode=disable"
	actual := config.DSN()
	require.Equal(t, expected, actual)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, env.Parse(&cfg))
	if cfg.Backend == "" {
		t.Fatal("STORAGE_BACKEND default is not applied")
	}
}

func TestPoolOptions(t *testing.T) {
	cfg, err := pgxpool.ParseConfig(Config{User: "a", Host: "c", Port: 5432, DBName: "d"}.DSN())
	require.NoError(t, err)

	for _, opt := range []Option{MaxConns(7), ConnectionTimeout(3 * time.Second)} {
		opt.apply(cfg)
	}
	require.Equal(t, int32(7), cfg.MaxConns)
	require.Equal(t, 3*time.Second, cfg.ConnConfig.ConnectTimeout)
}

func TestMaxConnsFromEnv(t *testing.T) {
	t.Setenv("PG_MAX_CONNS", "12")

	var cfg Config
	require.NoError(t, env.Parse(&cfg))
	require.Equal(t, int32(12), cfg.MaxConns)
}
