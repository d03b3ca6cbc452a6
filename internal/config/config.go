package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/peerline/peerline/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Media    Media    `json:"media"`
	Call     Call     `json:"call"`
	Log      Log      `json:"log"`
}

type Identity struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

type Relay struct {
	// URL of the relay to dial in client mode, e.g. ws://host:8765/ws.
	URL string `json:"url"`

	// Shared token presented on connect. Must match the relay's token when
	// the relay has one configured. Empty disables auth.
	Token string `json:"token"`

	// Listen address for relay-server mode. Default "127.0.0.1:8765".
	// Set the host to "0.0.0.0" to accept clients from other machines.
	Listen string `json:"listen"`
}

type Media struct {
	STUNServers []string `json:"stun_servers"`

	// ICE timing (seconds). 0 = library default.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"failed_timeout_sec"`
	KeepAliveIntervalSec   int `json:"keep_alive_interval_sec"`

	PreferredCam string `json:"preferred_cam"`
	PreferredMic string `json:"preferred_mic"`
}

type Call struct {
	// GraceDelaySec is how long a finished call's final state stays visible
	// before the session resets to idle. Devices are released immediately;
	// this only delays the visible reset.
	GraceDelaySec int `json:"grace_delay_sec"`
}

type Log struct {
	// Level applies to all subsystem loggers: debug, info, warn or error.
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Username: "anonymous",
		},
		Relay: Relay{
			URL:    "ws://127.0.0.1:8765/ws",
			Listen: "127.0.0.1:8765",
		},
		Media: Media{
			STUNServers:            []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveIntervalSec:   2,
		},
		Call: Call{
			GraceDelaySec: 2,
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.ID) != "" {
		if _, err := util.ValidateUserID(c.Identity.ID); err != nil {
			return fmt.Errorf("identity.id: %w", err)
		}
	}

	// Relay
	if u := strings.TrimSpace(c.Relay.URL); u != "" {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	}
	if l := strings.TrimSpace(c.Relay.Listen); l != "" {
		if _, _, err := net.SplitHostPort(l); err != nil {
			return errors.New("relay.listen must be host:port")
		}
	}

	// Media
	if len(c.Media.STUNServers) == 0 {
		return errors.New("media.stun_servers must not be empty")
	}
	for _, s := range c.Media.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("media.stun_servers entry %q must start with stun: or turn:", s)
		}
	}
	if c.Media.DisconnectedTimeoutSec < 0 {
		return errors.New("media.disconnected_timeout_sec must be >= 0")
	}
	if c.Media.FailedTimeoutSec < 0 {
		return errors.New("media.failed_timeout_sec must be >= 0")
	}
	if c.Media.KeepAliveIntervalSec < 0 {
		return errors.New("media.keep_alive_interval_sec must be >= 0")
	}
	if c.Media.FailedTimeoutSec > 0 && c.Media.DisconnectedTimeoutSec > c.Media.FailedTimeoutSec {
		return errors.New("media.disconnected_timeout_sec must be <= media.failed_timeout_sec")
	}

	// Call
	if c.Call.GraceDelaySec < 0 {
		return errors.New("call.grace_delay_sec must be >= 0")
	}

	// Log
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
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
