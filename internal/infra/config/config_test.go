package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/infra/config"
)

func setRequired(t *testing.T) {
	t.Setenv("API_ID", "12345")
	t.Setenv("API_HASH", "hash")
	t.Setenv("BOT_TOKEN", "1:token")
	t.Setenv("OWNER_ID", "777")
}

func TestLoadRequiresCredentials(t *testing.T) {
	for _, name := range []string{"API_ID", "API_HASH", "BOT_TOKEN", "OWNER_ID"} {
		t.Run(name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(name, "")
			_, err := config.LoadForTest("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), name)
		})
	}

	setRequired(t)
	t.Setenv("API_ID", "abc")
	_, err := config.LoadForTest("")
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	for _, name := range []string{
		"DB_FILE", "MTPROTO_FILE", "PLUGINS_DIR", "PLUGINS_GOPATH", "ON_DEMAND_TIMEOUT_SEC",
		"ALWAYS_ON_DEFAULTS", "WATCH_PLUGINS", "WEB_ADDRESS", "LOG_LEVEL", "APP_TIMEZONE",
	} {
		t.Setenv(name, "")
	}

	cfg, err := config.LoadForTest("")
	require.NoError(t, err)
	env := cfg.Env

	assert.Equal(t, 12345, env.APIID)
	assert.Equal(t, int64(777), env.OwnerID)
	assert.Equal(t, "data/userbot.bbolt", env.DBFile)
	assert.Equal(t, "data/mtproto.bbolt", env.MTProtoFile)
	assert.Equal(t, "info", env.LogLevel)
	assert.Equal(t, 5*time.Minute, env.OnDemandTimeout())
	assert.Equal(t, 72*time.Hour, env.ConfirmInterval())
	assert.Equal(t, 24*time.Hour, env.ConfirmWait())
	assert.Equal(t, 7*24*time.Hour, env.DeletedRetention())
	assert.Equal(t, []string{"filter", "autoreply", "antispam", "welcome", "goodbye"}, env.AlwaysOnDefaults)
	assert.True(t, env.WatchPlugins)
	assert.Empty(t, env.WebAddress)
	assert.Zero(t, env.ThrottleBurst)
	// Пути без значений сообщают о подстановке.
	assert.Len(t, cfg.Warnings(), 4)
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	setRequired(t)
	t.Setenv("ON_DEMAND_TIMEOUT_SEC", "-5")
	t.Setenv("THROTTLE_RPS", "many")
	t.Setenv("LOG_LEVEL", "loud")
	t.Setenv("TEST_DC", "maybe")
	t.Setenv("ALWAYS_ON_DEFAULTS", " Filter , welcome,filter ,")
	t.Setenv("LOG_CHANNEL", "-1001234")
	t.Setenv("OWNER_USERNAME", "@boss")

	cfg, err := config.LoadForTest("")
	require.NoError(t, err)
	env := cfg.Env

	assert.Equal(t, 300, env.OnDemandTimeoutSec)
	assert.Equal(t, 5, env.ThrottleRPS)
	assert.Equal(t, "info", env.LogLevel)
	assert.False(t, env.TestDC)
	assert.Equal(t, []string{"filter", "welcome"}, env.AlwaysOnDefaults)
	assert.Equal(t, int64(-1001234), env.LogChannel)
	assert.Equal(t, "boss", env.OwnerUsername)

	warnings := cfg.Warnings()
	assert.Contains(t, warnings, `env ON_DEMAND_TIMEOUT_SEC value -5 does not satisfy constraints; using default 300`)
	assert.Contains(t, warnings, `env THROTTLE_RPS value "many" is not a valid integer; using default 5`)
}

func TestLoadReadsEnvFile(t *testing.T) {
	setRequired(t)
	t.Setenv("WEB_ADDRESS", "")
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("WEB_ADDRESS=127.0.0.1:8090\n"), 0o600))

	cfg, err := config.LoadForTest(path)
	require.NoError(t, err)
	// godotenv не перекрывает уже заданные переменные.
	assert.Empty(t, cfg.Env.WebAddress)

	_, err = config.LoadForTest(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
}
