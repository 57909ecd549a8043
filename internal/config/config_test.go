package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/together/internal/util"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5000, cfg.Sync.NoticeTTLMs)
	assert.Equal(t, 2000, cfg.Sync.LockSkipMs)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"debounce too long":   func(c *Config) { c.Sync.DebounceMs = 1500 },
		"lock too long":       func(c *Config) { c.Sync.LockChangeMs = 4000 },
		"redis without addr":  func(c *Config) { c.Identity.Store = "redis" },
		"unknown device":      func(c *Config) { c.Device.Kind = "vinyl" },
		"bad http addr":       func(c *Config) { c.Viewer.HTTPAddr = "nope" },
		"heartbeat above ttl": func(c *Config) { c.P2P.HeartbeatSec = 30 },
		"empty label":         func(c *Config) { c.Profile.Label = " " },
		"zero queue limit":    func(c *Config) { c.Queue.Limit = 0 },
		"bad log level":       func(c *Config) { c.Log.Level = "loud" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnsureCreatesThenLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "together.json")

	cfg, created, err := Ensure(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, Default(), cfg)

	cfg.Profile.Label = "Ana"
	require.NoError(t, Save(path, cfg))

	cfg, created, err = Ensure(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "Ana", cfg.Profile.Label)
}

func TestLoadKeepsDefaultsAndStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "together.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"profile":{"label":"Bo"}}`)...)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Bo", cfg.Profile.Label)
	assert.Equal(t, DefaultSync(), cfg.Sync)
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "together.json")
	require.NoError(t, util.WriteJSONFile(path, Default()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 4)
	require.NoError(t, Watch(ctx, path, func(c Config) { got <- c }))

	cfg := Default()
	cfg.Sync.DebounceMs = 600
	require.NoError(t, util.WriteJSONFile(path, cfg))

	select {
	case c := <-got:
		assert.Equal(t, 600, c.Sync.DebounceMs)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}
}
