package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/together/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Profile  Profile  `json:"profile"`
	Sync     Sync     `json:"sync"`
	Queue    Queue    `json:"queue"`
	Device   Device   `json:"device"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

type Identity struct {
	// Store selects where the identity key lives: "sqlite" (peer dir) or "redis".
	Store         string `json:"store"`
	KeyName       string `json:"key_name"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisPrefix   string `json:"redis_prefix"`
}

type P2P struct {
	ListenPort   int    `json:"listen_port"`
	MdnsTag      string `json:"mdns_tag"`
	Topic        string `json:"presence_topic"`
	TTLSec       int    `json:"presence_ttl_seconds"`
	HeartbeatSec int    `json:"presence_heartbeat_seconds"`
}

type Profile struct {
	Label string `json:"label"`
}

// Sync holds the engine timings, all in milliseconds.
type Sync struct {
	DebounceMs          int `json:"debounce_ms"`
	NearEndMs           int `json:"near_end_ms"`
	AutoAdvanceWindowMs int `json:"auto_advance_window_ms"`
	DriftThresholdMs    int `json:"drift_threshold_ms"`
	DriftConfirmMs      int `json:"drift_confirm_ms"`
	SeekToleranceMs     int `json:"seek_tolerance_ms"`
	PollIntervalMs      int `json:"poll_interval_ms"`
	SettleMs            int `json:"settle_ms"`
	LoadVerifyMs        int `json:"load_verify_ms"`
	LockChangeMs        int `json:"lock_change_ms"`
	LockPlayPauseMs     int `json:"lock_play_pause_ms"`
	LockSeekMs          int `json:"lock_seek_ms"`
	LockSkipMs          int `json:"lock_skip_ms"`
	LockGraceMs         int `json:"lock_grace_ms"`
	NoticeTTLMs         int `json:"notice_ttl_ms"`
}

type Queue struct {
	Limit int `json:"limit"`
}

type Device struct {
	Kind        string `json:"kind"` // sim|mpd
	MPDNetwork  string `json:"mpd_network"`
	MPDAddr     string `json:"mpd_addr"`
	MPDPassword string `json:"mpd_password"`
	// LibraryDir is scanned for mp3 files to seed the simulated device.
	LibraryDir string `json:"library_dir"`
}

type Viewer struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Store:       "sqlite",
			KeyName:     "identity_key",
			RedisPrefix: "together:",
		},
		P2P: P2P{
			ListenPort:   0,
			MdnsTag:      "together-mdns",
			Topic:        "together.presence.v1",
			TTLSec:       20,
			HeartbeatSec: 5,
		},
		Profile: Profile{
			Label: "listener",
		},
		Sync: DefaultSync(),
		Queue: Queue{
			Limit: 100,
		},
		Device: Device{
			Kind:       "sim",
			MPDNetwork: "tcp",
			MPDAddr:    "127.0.0.1:6600",
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func DefaultSync() Sync {
	return Sync{
		DebounceMs:          800,
		NearEndMs:           5000,
		AutoAdvanceWindowMs: 3000,
		DriftThresholdMs:    3000,
		DriftConfirmMs:      200,
		SeekToleranceMs:     2000,
		PollIntervalMs:      1000,
		SettleMs:            1000,
		LoadVerifyMs:        1000,
		LockChangeMs:        3000,
		LockPlayPauseMs:     1000,
		LockSeekMs:          1000,
		LockSkipMs:          2000,
		LockGraceMs:         1000,
		NoticeTTLMs:         5000,
	}
}

// Ms converts a millisecond setting to a duration.
func Ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) Validate() error {
	// Identity
	switch c.Identity.Store {
	case "sqlite":
	case "redis":
		if strings.TrimSpace(c.Identity.RedisAddr) == "" {
			return errors.New("identity.redis_addr is required when identity.store=redis")
		}
	default:
		return fmt.Errorf("identity.store must be sqlite or redis, got %q", c.Identity.Store)
	}
	if strings.TrimSpace(c.Identity.KeyName) == "" {
		return errors.New("identity.key_name is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}
	if strings.TrimSpace(c.P2P.Topic) == "" {
		return errors.New("p2p.presence_topic is required")
	}
	if c.P2P.TTLSec <= 0 {
		return errors.New("p2p.presence_ttl_seconds must be > 0")
	}
	if c.P2P.HeartbeatSec <= 0 {
		return errors.New("p2p.presence_heartbeat_seconds must be > 0")
	}
	if c.P2P.HeartbeatSec >= c.P2P.TTLSec {
		return errors.New("p2p.presence_heartbeat_seconds must be < p2p.presence_ttl_seconds")
	}

	// Profile
	if _, err := util.ValidateLabel(c.Profile.Label); err != nil {
		return fmt.Errorf("profile.label: %w", err)
	}

	// Sync
	if err := c.Sync.Validate(); err != nil {
		return err
	}

	// Queue
	if c.Queue.Limit < 1 || c.Queue.Limit > 10000 {
		return errors.New("queue.limit must be 1..10000")
	}

	// Device
	switch c.Device.Kind {
	case "sim":
	case "mpd":
		if c.Device.MPDNetwork != "tcp" && c.Device.MPDNetwork != "unix" {
			return errors.New("device.mpd_network must be tcp or unix")
		}
		if strings.TrimSpace(c.Device.MPDAddr) == "" {
			return errors.New("device.mpd_addr is required when device.kind=mpd")
		}
	default:
		return fmt.Errorf("device.kind must be sim or mpd, got %q", c.Device.Kind)
	}

	// Viewer
	if a := strings.TrimSpace(c.Viewer.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("viewer.http_addr: %w", err)
		}
	}

	// Log
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug|info|warn|error, got %q", c.Log.Level)
	}

	return nil
}

func (s Sync) Validate() error {
	if s.DebounceMs < 500 || s.DebounceMs > 1000 {
		return errors.New("sync.debounce_ms must be 500..1000")
	}
	positive := map[string]int{
		"sync.near_end_ms":            s.NearEndMs,
		"sync.auto_advance_window_ms": s.AutoAdvanceWindowMs,
		"sync.drift_threshold_ms":     s.DriftThresholdMs,
		"sync.drift_confirm_ms":       s.DriftConfirmMs,
		"sync.seek_tolerance_ms":      s.SeekToleranceMs,
		"sync.poll_interval_ms":       s.PollIntervalMs,
		"sync.settle_ms":              s.SettleMs,
		"sync.load_verify_ms":         s.LoadVerifyMs,
		"sync.notice_ttl_ms":          s.NoticeTTLMs,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	locks := map[string]int{
		"sync.lock_change_ms":     s.LockChangeMs,
		"sync.lock_play_pause_ms": s.LockPlayPauseMs,
		"sync.lock_seek_ms":       s.LockSeekMs,
		"sync.lock_skip_ms":       s.LockSkipMs,
	}
	for name, v := range locks {
		if v < 200 || v > 3000 {
			return fmt.Errorf("%s must be 200..3000", name)
		}
	}
	if s.LockGraceMs < 0 || s.LockGraceMs > 3000 {
		return errors.New("sync.lock_grace_ms must be 0..3000")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
