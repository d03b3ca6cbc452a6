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
	// DefaultConnectTimeout bounds the initial dial of the signaling relay.
	DefaultConnectTimeout = 10 * time.Second
	// ShortTimeout bounds best-effort teardown work such as a server
	// draining its connections on shutdown.
	ShortTimeout = 3 * time.Second
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

// ValidateUserID validates and normalizes a user ID as used by the relay
// and in config. Returns the trimmed ID and an error if invalid.
func ValidateUserID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("user id is empty")
	}
	if strings.ContainsAny(id, `/\ `) || strings.Contains(id, "..") {
		return "", errors.New("user id must not contain spaces, slashes or '..'")
	}
	return id, nil
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
