package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/g960059/autoclick/internal/model"
)

type Config struct {
	SocketPath string `yaml:"socket_path"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`

	ScanInterval    time.Duration `yaml:"scan_interval"`
	DetectTimeout   time.Duration `yaml:"detect_timeout"`
	StartClearsLock bool          `yaml:"start_clears_lock"`

	BridgeURL        string        `yaml:"bridge_url"`
	BridgeCodec      string        `yaml:"bridge_codec"`
	AutoConnect      bool          `yaml:"auto_connect"`
	AutoReconnect    bool          `yaml:"auto_reconnect"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReconnectDelay   time.Duration `yaml:"reconnect_delay"`
	DispatchTimeout  time.Duration `yaml:"dispatch_timeout"`

	MaxFilesPerBatch int `yaml:"max_files_per_batch"`

	JournalBuffer     int           `yaml:"journal_buffer"`
	LogRetention      time.Duration `yaml:"log_retention"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:        defaultSocketPath(),
		DBPath:            defaultDBPath(),
		LogLevel:          "info",
		ScanInterval:      2 * time.Second,
		DetectTimeout:     10 * time.Second,
		BridgeURL:         model.DefaultBridgeURL,
		BridgeCodec:       "json",
		AutoConnect:       true,
		AutoReconnect:     true,
		HandshakeTimeout:  3 * time.Second,
		ReconnectDelay:    5 * time.Second,
		DispatchTimeout:   2 * time.Second,
		MaxFilesPerBatch:  model.DefaultMaxFilesPerBatch,
		JournalBuffer:     256,
		LogRetention:      7 * 24 * time.Hour,
		RetentionInterval: time.Hour,
	}
}

// Load returns DefaultConfig overlaid with the YAML file at path. An
// empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close() //nolint:errcheck
	if err := Decode(f, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode overlays YAML from r onto cfg. Keys absent from the document
// keep their current value; unknown keys are rejected.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SocketPath) == "" {
		errs = append(errs, errors.New("socket_path is required"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"scan_interval", c.ScanInterval},
		{"handshake_timeout", c.HandshakeTimeout},
		{"reconnect_delay", c.ReconnectDelay},
		{"dispatch_timeout", c.DispatchTimeout},
		{"retention_interval", c.RetentionInterval},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}
	if c.DetectTimeout < 0 || c.LogRetention < 0 {
		errs = append(errs, errors.New("detect_timeout and log_retention must not be negative"))
	}
	if c.MaxFilesPerBatch < 1 || c.MaxFilesPerBatch > model.MaxFilesPerBatchLimit {
		errs = append(errs, fmt.Errorf("max_files_per_batch must be between 1 and %d", model.MaxFilesPerBatchLimit))
	}
	switch c.BridgeCodec {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("bridge_codec must be json or cbor, got %q", c.BridgeCodec))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// InitialSettings are the operator settings seeded into an empty store.
func (c Config) InitialSettings() model.Settings {
	s := model.DefaultSettings()
	s.BridgeURL = c.BridgeURL
	s.MaxFilesPerBatch = c.MaxFilesPerBatch
	s.AutoReconnect = c.AutoReconnect
	return s
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "autoclick", "autoclickd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autoclickd.sock"
	}
	return filepath.Join(home, ".local", "state", "autoclick", "autoclickd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "autoclick.db"
	}
	return filepath.Join(home, ".local", "state", "autoclick", "state.db")
}
