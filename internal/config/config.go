package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.parley/config.toml.
type Config struct {
	DefaultSession string   `toml:"default_session"`
	SelfID         string   `toml:"self_id"`
	Remote         Remote   `toml:"remote"`
	Media          Media    `toml:"media"`
	Receipts       Receipts `toml:"receipts"`
	Presence       Presence `toml:"presence"`
	Netmon         Netmon   `toml:"netmon"`
}

// Remote holds the endpoints of the remote collaborators.
type Remote struct {
	StoreURL   string `toml:"store_url"`
	BlobURL    string `toml:"blob_url"`
	ProfileURL string `toml:"profile_url"`
}

// Media holds upload pipeline limits.
type Media struct {
	MaxUploadBytes int64 `toml:"max_upload_bytes"`
}

// Receipts configures when inbound messages are marked read.
// Trigger is "focus" (mark on conversation foreground) or "visibility"
// (mark only messages reported visible by the screen).
type Receipts struct {
	Trigger string `toml:"trigger"`
}

// Presence configures typing signal behavior.
type Presence struct {
	IdleTimeoutSecs int `toml:"idle_timeout_secs"`
}

// Netmon configures the connectivity monitor.
type Netmon struct {
	ProbeIntervalSecs int `toml:"probe_interval_secs"`
}

// Default returns a config populated with defaults for everything but the
// remote endpoints, which have no sensible default.
func Default() *Config {
	return &Config{
		Media:    Media{MaxUploadBytes: 25 << 20},
		Receipts: Receipts{Trigger: TriggerFocus},
		Presence: Presence{IdleTimeoutSecs: 5},
		Netmon:   Netmon{ProbeIntervalSecs: 10},
	}
}

// Receipt trigger modes.
const (
	TriggerFocus      = "focus"
	TriggerVisibility = "visibility"
)

// Load reads config from the given path, filling unset fields with defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.SelfID == "" {
		return fmt.Errorf("self_id is required")
	}
	if c.Remote.StoreURL == "" {
		return fmt.Errorf("remote.store_url is required")
	}
	if c.Receipts.Trigger != TriggerFocus && c.Receipts.Trigger != TriggerVisibility {
		return fmt.Errorf("receipts.trigger must be %q or %q, got %q",
			TriggerFocus, TriggerVisibility, c.Receipts.Trigger)
	}
	if c.Media.MaxUploadBytes <= 0 {
		return fmt.Errorf("media.max_upload_bytes must be positive")
	}
	return nil
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
