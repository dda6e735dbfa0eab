package config

import (
	"testing"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args []string, opts ...ff.Option) *Config {
	t.Helper()
	cfg := Default()
	fs := ff.NewFlagSet("test")
	cfg.RegisterFlags(fs)
	require.NoError(t, ff.Parse(fs, args, opts...))
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := parse(t, nil)
	assert.Equal(t, "/etc/vboxbmc", cfg.ConfigDir)
	assert.Equal(t, "localhost:50891", cfg.APIAddr)
	assert.Equal(t, "VBoxManage", cfg.VBoxManage)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, uint(30), cfg.LockAttempts)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogJSON)
}

func TestFlagsOverrideDefaults(t *testing.T) {
	cfg := parse(t, []string{
		"--config-dir", "/tmp/bmc",
		"--frontend", "ipmi",
		"--poll-interval", "500ms",
		"--lock-attempts", "5",
		"--log-level", "debug",
		"--log-json",
	})
	assert.Equal(t, "/tmp/bmc", cfg.ConfigDir)
	assert.Equal(t, "ipmi", cfg.Frontend)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, uint(5), cfg.LockAttempts)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VBOXBMC_API_ADDR", ":9000")
	t.Setenv("VBOXBMC_SYNC_INTERVAL", "1m")

	cfg := parse(t, nil, ff.WithEnvVarPrefix("VBOXBMC"))
	assert.Equal(t, ":9000", cfg.APIAddr)
	assert.Equal(t, time.Minute, cfg.SyncInterval)
}

func TestLogLevelRejectsUnknown(t *testing.T) {
	cfg := Default()
	fs := ff.NewFlagSet("test")
	cfg.RegisterFlags(fs)
	assert.Error(t, ff.Parse(fs, []string{"--log-level", "loud"}))
}
