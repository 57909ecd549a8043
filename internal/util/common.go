package util

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Common timeout durations
const (
	DefaultConnectTimeout = 10 * time.Second
	HandshakeTimeout      = 5 * time.Second
	ShortTimeout          = 2 * time.Second
)

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). Go's filepath.Join strips leading slashes from later
// arguments, so filepath.Join("a", "/b") returns "a/b" not "/b".  This helper
// gives the intuitive behaviour: absolute paths override the base.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// ValidateLabel trims a display name and rejects empty or multi-line values.
func ValidateLabel(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("label is empty")
	}
	if strings.ContainsAny(name, "\r\n") {
		return "", errors.New("label must be a single line")
	}
	if len(name) > 64 {
		return "", errors.New("label must be at most 64 bytes")
	}
	return name, nil
}

// WriteJSONFile writes a JSON object to a file, creating parent directories if needed.
func WriteJSONFile(path string, v any) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// AbsDiff returns |a-b| for millisecond positions.
func AbsDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
