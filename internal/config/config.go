package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.bluebird/config.toml.
type Config struct {
	DefaultSession string    `toml:"default_session"`
	Server         Server    `toml:"server"`
	Reconcile      Reconcile `toml:"reconcile"`
	Send           Send      `toml:"send"`
}

// Server holds the upstream bridge server connection settings.
type Server struct {
	URL      string `toml:"url"`
	Password string `toml:"password"`
}

// Reconcile holds tunables for the per-chat reconciliation loop. The
// defaults match observed server push behavior; none of these are hard
// invariants.
type Reconcile struct {
	// PollInterval is how often the catch-up poll fires while push is quiet.
	PollInterval Duration `toml:"poll_interval"`
	// QuietThreshold is how long push must be silent, after having been
	// active, before polling starts.
	QuietThreshold Duration `toml:"quiet_threshold"`
	// ResumeFetchLimit bounds the one-shot catch-up fetch on foreground resume.
	ResumeFetchLimit int `toml:"resume_fetch_limit"`
	// PageSize is the initial load batch size for a chat session.
	PageSize int `toml:"page_size"`
}

// Send holds tunables for the send coordinator.
type Send struct {
	// RecentCapacity bounds the duplicate-send detection buffer.
	RecentCapacity int `toml:"recent_capacity"`
	// RecentWindow is how long a recent-send record stays relevant.
	RecentWindow Duration `toml:"recent_window"`
}

// Duration wraps time.Duration with TOML text (un)marshalling.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Reconcile: Reconcile{
			PollInterval:     Duration(2 * time.Second),
			QuietThreshold:   Duration(5 * time.Second),
			ResumeFetchLimit: 25,
			PageSize:         50,
		},
		Send: Send{
			RecentCapacity: 10,
			RecentWindow:   Duration(5 * time.Minute),
		},
	}
}

// Load reads config from the given path, layered over Default. Returns an
// error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
