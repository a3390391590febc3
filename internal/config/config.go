// Package config handles the global ~/.papo/config.toml: backend
// selection, the session user, and the timing constants for presence
// and reconciliation. Timing values are deployment parameters; the
// invariants between them are enforced by Normalize.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global config file.
type Config struct {
	DefaultSession string `toml:"default_session"`

	// UserID is the custom chat handle of the local user. The backend
	// resolves the full account from it.
	UserID string `toml:"user_id"`

	// Backend selects the collaborator implementation: "mongodb" or
	// "memory".
	Backend string  `toml:"backend"`
	Mongo   MongoCf `toml:"mongo"`

	Presence PresenceCf `toml:"presence"`

	// DeleteRecheckDebounceMS coalesces bursts of delete events into a
	// single last-message re-query per peer.
	DeleteRecheckDebounceMS int `toml:"delete_recheck_debounce_ms"`
}

// MongoCf configures the MongoDB backend. Empty PresenceCollection or
// FriendshipsCollection disables that feature (the backend reports
// not-configured and the core degrades to no-ops).
type MongoCf struct {
	URI                   string `toml:"uri"`
	Database              string `toml:"database"`
	MessagesCollection    string `toml:"messages_collection"`
	PresenceCollection    string `toml:"presence_collection"`
	FriendshipsCollection string `toml:"friendships_collection"`
	UsersCollection       string `toml:"users_collection"`
}

// PresenceCf holds the heartbeat/poll timing knobs.
type PresenceCf struct {
	HeartbeatSeconds        int `toml:"heartbeat_seconds"`
	OfflineThresholdSeconds int `toml:"offline_threshold_seconds"`
	PollSeconds             int `toml:"poll_seconds"`
	WindowSeconds           int `toml:"window_seconds"`
}

// Defaults mirror the deployed values: 20s heartbeat, 60s threshold
// (3x heartbeat), 10s poll against a 120s window.
const (
	defaultHeartbeatSeconds = 20
	defaultPollSeconds      = 10
	defaultWindowSeconds    = 120
	defaultDebounceMS       = 500
)

// Load reads config from the given path. Returns an error if the file
// is missing; callers fall back to Default().
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// Default returns a usable config when no file exists.
func Default() *Config {
	cfg := &Config{Backend: "memory"}
	cfg.Normalize()
	return cfg
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Normalize fills zero values with defaults and enforces the presence
// invariant: the offline threshold must be at least three heartbeat
// intervals, or a single missed beat flaps a peer offline.
func (c *Config) Normalize() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	p := &c.Presence
	if p.HeartbeatSeconds <= 0 {
		p.HeartbeatSeconds = defaultHeartbeatSeconds
	}
	if p.PollSeconds <= 0 {
		p.PollSeconds = defaultPollSeconds
	}
	if p.WindowSeconds <= 0 {
		p.WindowSeconds = defaultWindowSeconds
	}
	if min := 3 * p.HeartbeatSeconds; p.OfflineThresholdSeconds < min {
		p.OfflineThresholdSeconds = min
	}
	if c.DeleteRecheckDebounceMS <= 0 {
		c.DeleteRecheckDebounceMS = defaultDebounceMS
	}
}

// Validate rejects configs the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Backend {
	case "memory":
	case "mongodb":
		if c.Mongo.URI == "" || c.Mongo.Database == "" {
			return fmt.Errorf("backend %q requires mongo.uri and mongo.database", c.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}

// Heartbeat returns the heartbeat interval as a duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Presence.HeartbeatSeconds) * time.Second
}

// OfflineThreshold returns the staleness threshold as a duration.
func (c *Config) OfflineThreshold() time.Duration {
	return time.Duration(c.Presence.OfflineThresholdSeconds) * time.Second
}

// PollInterval returns the presence poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Presence.PollSeconds) * time.Second
}

// Window returns the presence query window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Presence.WindowSeconds) * time.Second
}

// DeleteRecheckDebounce returns the delete coalescing window.
func (c *Config) DeleteRecheckDebounce() time.Duration {
	return time.Duration(c.DeleteRecheckDebounceMS) * time.Millisecond
}
