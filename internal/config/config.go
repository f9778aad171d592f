package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/itms-markshaw/callbridge/internal/util"
)

type Config struct {
	Backend Backend `json:"backend"`
	Calls   Calls   `json:"calls"`
	Paths   Paths   `json:"paths"`
}

type Backend struct {
	// Base URL of the backend, e.g. "https://erp.example.com".
	URL      string `json:"url"`
	Database string `json:"database"`
	Username string `json:"username"`
	APIKey   string `json:"api_key"`

	// RPC timeout in seconds for a single execute_kw round trip.
	TimeoutSec int `json:"timeout_seconds"`

	// Event feed. When true the client connects to the /websocket bus;
	// when false (or when the dial fails) it falls back to long-polling.
	UseWebsocket bool `json:"use_websocket"`

	// Long-poll request deadline in seconds. Only used on the fallback path.
	PollDeadlineSec int `json:"poll_deadline_sec"`
}

type Calls struct {
	// Public STUN servers handed to the peer connection.
	STUNServers []string `json:"stun_servers"`

	// Seconds an unanswered incoming call rings before it auto-declines.
	RingTimeoutSec int `json:"ring_timeout_seconds"`

	// Bounded wait in seconds for the pre-call stale-session sweep.
	// Cleanup failure never blocks call setup longer than this.
	CleanupTimeoutSec int `json:"cleanup_timeout_seconds"`

	// Force a strategy regardless of detected capability:
	// "" (detect), "full-media", "signaling-only", "minimal".
	// signaling-only exists to verify the transport path end to end
	// without touching media devices.
	ForceStrategy string `json:"force_strategy"`
}

type Paths struct {
	// Directory for the SQLite call log + channel cache. Empty disables it.
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Backend: Backend{
			TimeoutSec:      10,
			UseWebsocket:    true,
			PollDeadlineSec: 25,
		},
		Calls: Calls{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			RingTimeoutSec:    30,
			CleanupTimeoutSec: 2,
		},
		Paths: Paths{
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	// Backend
	b := &c.Backend
	b.URL = util.NormalizeURL(b.URL)
	if b.URL == "" {
		return errors.New("backend.url is required")
	}
	u, err := url.Parse(b.URL)
	if err != nil || u.Host == "" {
		return errors.New("backend.url must be a valid http(s) URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("backend.url scheme must be http or https")
	}
	if strings.TrimSpace(b.Database) == "" {
		return errors.New("backend.database is required")
	}
	if strings.TrimSpace(b.Username) == "" {
		return errors.New("backend.username is required")
	}
	if strings.TrimSpace(b.APIKey) == "" {
		return errors.New("backend.api_key is required")
	}
	if b.TimeoutSec <= 0 || b.TimeoutSec > 120 {
		return errors.New("backend.timeout_seconds must be 1..120")
	}
	if b.PollDeadlineSec <= 0 || b.PollDeadlineSec > 120 {
		return errors.New("backend.poll_deadline_sec must be 1..120")
	}

	// Calls
	if len(c.Calls.STUNServers) == 0 {
		return errors.New("calls.stun_servers must not be empty")
	}
	for _, s := range c.Calls.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("calls.stun_servers entry %q must start with stun: or turn:", s)
		}
	}
	if c.Calls.RingTimeoutSec <= 0 || c.Calls.RingTimeoutSec > 300 {
		return errors.New("calls.ring_timeout_seconds must be 1..300")
	}
	if c.Calls.CleanupTimeoutSec <= 0 || c.Calls.CleanupTimeoutSec > 30 {
		return errors.New("calls.cleanup_timeout_seconds must be 1..30")
	}
	switch c.Calls.ForceStrategy {
	case "", "full-media", "signaling-only", "minimal":
	default:
		return fmt.Errorf("calls.force_strategy %q is not a known strategy", c.Calls.ForceStrategy)
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
// A freshly written default cannot pass Validate (no backend credentials yet),
// so creation writes the raw defaults and returns createdNew=true for the
// caller to report.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
