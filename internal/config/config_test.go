package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "c2VjcmV0")

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, "parley.db", cfg.DBFile)
	require.Equal(t, ":8080", cfg.APIAddr)
	require.Equal(t, "localhost:8081", cfg.AdminAddr)
	require.Equal(t, 24*time.Hour, cfg.TokenExpiry)
	require.Equal(t, 32, cfg.RegistryShards)
	require.Equal(t, 256, cfg.SendQueueSize)
	require.Equal(t, 30*time.Second, cfg.PingInterval)
	require.Equal(t, 50, cfg.HistoryPageSize)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelInfo, level)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("AUTH_SECRET", "c2VjcmV0")
	t.Setenv("PARLEY_DB", "/tmp/other.db")
	t.Setenv("TOKEN_EXPIRY", "1h")
	t.Setenv("SEND_QUEUE_SIZE", "8")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, "/tmp/other.db", cfg.DBFile)
	require.Equal(t, time.Hour, cfg.TokenExpiry)
	require.Equal(t, 8, cfg.SendQueueSize)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	require.Equal(t, slog.LevelDebug, level)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"MissingSecret", map[string]string{}},
		{"BadDuration", map[string]string{"AUTH_SECRET": "x", "TOKEN_EXPIRY": "soon"}},
		{"ZeroExpiry", map[string]string{"AUTH_SECRET": "x", "TOKEN_EXPIRY": "0s"}},
		{"ZeroShards", map[string]string{"AUTH_SECRET": "x", "REGISTRY_SHARDS": "0"}},
		{"HalfVAPID", map[string]string{"AUTH_SECRET": "x", "VAPID_PUBLIC_KEY": "pub"}},
		{"BadLogLevel", map[string]string{"AUTH_SECRET": "x", "LOG_LEVEL": "chatty"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AUTH_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(false)
			require.Error(t, err)
		})
	}
}

func TestLoad_CLIModeNeedsNoSecret(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	_, err := Load(true)
	require.NoError(t, err)
}
