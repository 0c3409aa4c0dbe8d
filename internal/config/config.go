package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied by Load when the file leaves fields unset.
const (
	DefaultMessagePageSize      = 30
	DefaultConversationPageSize = 20
)

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// Server endpoints. The websocket URLs address the two push channels.
	APIBaseURL      string `toml:"api_base_url"`
	ChatSocketURL   string `toml:"chat_socket_url"`
	NotifySocketURL string `toml:"notify_socket_url"`

	MessagePageSize      int `toml:"message_page_size"`
	ConversationPageSize int `toml:"conversation_page_size"`

	Reconnect ReconnectConfig `toml:"reconnect"`
}

// ReconnectConfig tunes the transport backoff policy.
type ReconnectConfig struct {
	BaseDelay   duration `toml:"base_delay"`
	MaxDelay    duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"` // 0 = retry forever
}

// duration lets TOML carry values like "2s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// BaseDelayOrDefault returns the configured backoff base delay, defaulted to 1s.
func (r ReconnectConfig) BaseDelayOrDefault() time.Duration {
	if r.BaseDelay.Duration <= 0 {
		return time.Second
	}
	return r.BaseDelay.Duration
}

// MaxDelayOrDefault returns the configured backoff ceiling, defaulted to 30s.
func (r ReconnectConfig) MaxDelayOrDefault() time.Duration {
	if r.MaxDelay.Duration <= 0 {
		return 30 * time.Second
	}
	return r.MaxDelay.Duration
}

// Load reads config from the given path and applies defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MessagePageSize <= 0 {
		cfg.MessagePageSize = DefaultMessagePageSize
	}
	if cfg.ConversationPageSize <= 0 {
		cfg.ConversationPageSize = DefaultConversationPageSize
	}
	return &cfg, nil
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
