package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents coachchat's config.toml.
type Config struct {
	DataDir    string `toml:"data_dir"`
	ListenAddr string `toml:"listen_addr"`

	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	} `toml:"redis"`

	Identity struct {
		ParticipantID string `toml:"participant_id"`
		DisplayName   string `toml:"display_name"`
	} `toml:"identity"`

	Attachments struct {
		MaxBytes   int64  `toml:"max_bytes"`
		FFmpegPath string `toml:"ffmpeg_path"`
	} `toml:"attachments"`

	Typing struct {
		QuietWindowMS int `toml:"quiet_window_ms"`
		RemoteTTLMS   int `toml:"remote_ttl_ms"`
	} `toml:"typing"`

	Live struct {
		MaxAttempts   int `toml:"max_attempts"`
		BaseBackoffMS int `toml:"base_backoff_ms"`
		MaxBackoffMS  int `toml:"max_backoff_ms"`
	} `toml:"live"`
}

// Default returns the config used when no file exists yet.
func Default() *Config {
	cfg := &Config{}
	cfg.DataDir = defaultDataDir()
	cfg.ListenAddr = "127.0.0.1:8420"
	cfg.Redis.Addr = "127.0.0.1:6379"
	cfg.Attachments.MaxBytes = 64 << 20
	cfg.Attachments.FFmpegPath = "ffmpeg"
	cfg.Typing.QuietWindowMS = 1000
	cfg.Typing.RemoteTTLMS = 5000
	cfg.Live.MaxAttempts = 5
	cfg.Live.BaseBackoffMS = 500
	cfg.Live.MaxBackoffMS = 10000
	return cfg
}

// QuietWindow returns the typing auto-clear window as a duration.
func (c *Config) QuietWindow() time.Duration {
	return time.Duration(c.Typing.QuietWindowMS) * time.Millisecond
}

// RemoteTypingTTL returns the TTL applied to remote typing documents.
func (c *Config) RemoteTypingTTL() time.Duration {
	return time.Duration(c.Typing.RemoteTTLMS) * time.Millisecond
}

// OutboxPath returns the path of the durable outbox database.
func (c *Config) OutboxPath() string {
	return filepath.Join(c.DataDir, "outbox.db")
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
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

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coachchat"
	}
	return filepath.Join(home, ".coachchat")
}
