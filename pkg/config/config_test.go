package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/ephemera/pkg/messaging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		path := writeConfig(t, "user_id: alice\n")
		cfg, err := Load(path, false)
		require.NoError(t, err)
		assert.Equal(t, "alice", cfg.UserID)
		assert.Equal(t, "sqlite3", cfg.Database.Type)
		assert.Equal(t, 24*time.Hour, cfg.Messages.Lifetime)
		assert.Equal(t, 50, cfg.Messages.PageSize)
		assert.Equal(t, 64, cfg.Messages.CacheSize)
		assert.Equal(t, messaging.SendGuardConversation, cfg.Messages.SendGuard)
		assert.Equal(t, TransportDBWatch, cfg.Realtime.Transport)
		assert.Equal(t, 250*time.Millisecond, cfg.Realtime.QuietWindow)
		assert.Equal(t, int64(10485760), cfg.Media.MaxSize)
		assert.Equal(t, "ephemera.db", cfg.DatabasePath())
	})

	t.Run("OverridesAndSave", func(t *testing.T) {
		path := writeConfig(t, `
user_id: bob
database:
    type: postgres
    uri: postgres://localhost/ephemera
messages:
    lifetime: 1h
    send_guard: global
realtime:
    transport: nats
`)
		cfg, err := Load(path, true)
		require.NoError(t, err)
		assert.Equal(t, "pgx", cfg.Database.Type)
		assert.Equal(t, time.Hour, cfg.Messages.Lifetime)
		assert.Equal(t, messaging.SendGuardGlobal, cfg.Messages.SendGuard)
		assert.Equal(t, TransportNATS, cfg.Realtime.Transport)
		assert.Empty(t, cfg.DatabasePath())

		saved, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(saved), "page_size: 50")
		assert.Contains(t, string(saved), "send_guard: global")
	})

	t.Run("EnvironmentUser", func(t *testing.T) {
		t.Setenv("EPHEMERA_USER", "carol")
		cfg, err := Load(writeConfig(t, "user_id: alice\n"), false)
		require.NoError(t, err)
		assert.Equal(t, "carol", cfg.UserID)
	})

	t.Run("Invalid", func(t *testing.T) {
		for name, content := range map[string]string{
			"SendGuard":     "messages:\n    send_guard: sometimes\n",
			"Transport":     "realtime:\n    transport: carrier-pigeon\n",
			"DBWatchOnPG":   "database:\n    type: postgres\n",
			"ZeroLifetime":  "messages:\n    lifetime: 0s\n",
			"MalformedYAML": "logging: [",
		} {
			t.Run(name, func(t *testing.T) {
				_, err := Load(writeConfig(t, content), false)
				assert.Error(t, err)
			})
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), false)
		assert.Error(t, err)
	})
}

func TestWriteExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteExample(path))
	assert.Error(t, WriteExample(path))
	cfg, err := Load(path, false)
	require.NoError(t, err)
	assert.Empty(t, cfg.UserID)
}

func TestNewLogger(t *testing.T) {
	lc := LoggingConfig{
		MinLevel:   "debug",
		JSON:       true,
		File:       filepath.Join(t.TempDir(), "logs", "ephemera.log"),
		MaxSize:    1,
		MaxBackups: 1,
	}
	log, closer, err := lc.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, log.GetLevel())
	log.Info().Str("conversation_id", "c1").Msg("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(lc.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"conversation_id":"c1"`)

	lc.MinLevel = "loud"
	_, _, err = lc.NewLogger()
	assert.Error(t, err)
}
