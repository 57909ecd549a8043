package app

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/together/internal/config"
	"github.com/petervdpas/together/internal/device"
	"github.com/petervdpas/together/internal/storage"
)

func TestNormalizeLocalViewer(t *testing.T) {
	cases := map[string]string{
		":8790":         "127.0.0.1:8790",
		"0.0.0.0:9000":  "127.0.0.1:9000",
		"localhost:80":  "localhost:80",
		" 127.0.0.1:1 ": "127.0.0.1:1",
	}
	for in, want := range cases {
		addr, url := NormalizeLocalViewer(in)
		assert.Equal(t, want, addr, in)
		assert.Equal(t, "http://"+want, url, in)
	}
}

func TestPromptInteractive(t *testing.T) {
	in := strings.NewReader("Robin\n\n4100\n\ny\n10.0.0.5:6600\n25\n")
	var out bytes.Buffer

	cfg, err := PromptInteractive(in, &out, "/p", "/p/together.json", config.Default())
	require.NoError(t, err)
	assert.Equal(t, "Robin", cfg.Profile.Label)
	assert.Equal(t, config.Default().Viewer.HTTPAddr, cfg.Viewer.HTTPAddr)
	assert.Equal(t, 4100, cfg.P2P.ListenPort)
	assert.Equal(t, "mpd", cfg.Device.Kind)
	assert.Equal(t, "10.0.0.5:6600", cfg.Device.MPDAddr)
	assert.Equal(t, 25, cfg.Queue.Limit)
	assert.Contains(t, out.String(), "Display name")
}

func TestPromptInteractiveRejectsBadValues(t *testing.T) {
	in := strings.NewReader("\n\n\n\nn\n\n0\n")
	_, err := PromptInteractive(in, &bytes.Buffer{}, "/p", "/p/together.json", config.Default())
	assert.Error(t, err, "queue limit 0 is invalid")
}

func TestPromptInteractiveEOFKeepsDefaults(t *testing.T) {
	cfg, err := PromptInteractive(strings.NewReader(""), &bytes.Buffer{}, "/p", "/p/together.json", config.Default())
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestSetLogLevel(t *testing.T) {
	require.NoError(t, SetLogLevel("debug"))
	require.NoError(t, SetLogLevel("info"))
	assert.Error(t, SetLogLevel("chatty"))
}

func TestOpenDeviceFallsBackToDemo(t *testing.T) {
	clk := clock.NewMock()
	dev, lib, err := openDevice(config.Device{Kind: "sim", LibraryDir: "empty"}, t.TempDir(), clk)
	require.NoError(t, err)
	defer dev.Close()
	require.NotNil(t, lib)
	assert.Len(t, lib(), len(device.DemoLibrary))
}

func TestOpenIdentityStore(t *testing.T) {
	ctx := context.Background()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	ids, closeFn, err := openIdentityStore(ctx, config.Identity{Store: "sqlite"}, db)
	require.NoError(t, err)
	closeFn()
	assert.Same(t, db, ids)

	mr := miniredis.RunT(t)
	ids, closeFn, err = openIdentityStore(ctx, config.Identity{Store: "redis", RedisAddr: mr.Addr(), RedisPrefix: "t:"}, db)
	require.NoError(t, err)
	defer closeFn()
	require.NoError(t, ids.Set(ctx, "identity_key", "abc"))
	got, err := mr.Get("t:identity_key")
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	_, _, err = openIdentityStore(ctx, config.Identity{Store: "redis", RedisAddr: "127.0.0.1:1"}, db)
	assert.Error(t, err)
}

func TestRunOfflineStopsWithContext(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "together.json")
	cfg, _, err := config.Ensure(cfgPath)
	require.NoError(t, err)
	cfg.Viewer.HTTPAddr = ""

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{PeerDir: dir, CfgPath: cfgPath, Cfg: cfg, Offline: true})
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.FileExists(t, filepath.Join(dir, "data.db"))
}
