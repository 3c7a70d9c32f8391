package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blectl/internal/ble"
	"github.com/chaz8081/blectl/internal/ble/protocol"
	"github.com/chaz8081/blectl/internal/comms"
	"github.com/chaz8081/blectl/internal/device"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Scan     ScanConfig     `yaml:"scan"`
	Device   DeviceConfig   `yaml:"device"`
	GATT     GATTConfig     `yaml:"gatt"`
	Transfer TransferConfig `yaml:"transfer"`
	Journal  JournalConfig  `yaml:"journal"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	ServiceUUIDs     []string `yaml:"service_uuids"`     // empty reports every advertiser
	PriorityPrefixes []string `yaml:"priority_prefixes"` // names listed first
	Duration         Duration `yaml:"duration"`          // how long `blectl scan` listens
}

// DeviceConfig holds connection settings.
type DeviceConfig struct {
	Address        string   `yaml:"address"` // default device for send/upload/files
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// GATTConfig names the services and characteristics of the device server.
// An empty optional UUID disables that feature.
type GATTConfig struct {
	CommandService string `yaml:"command_service"`
	CommandChar    string `yaml:"command_char"`
	NotifyChar     string `yaml:"notify_char"`
	FileService    string `yaml:"file_service"`
	FileChar       string `yaml:"file_char"`
	MediaService   string `yaml:"media_service"`
	ListFilesChar  string `yaml:"list_files_char"`
	PlayChar       string `yaml:"play_char"`
	DeleteChar     string `yaml:"delete_char"`
	PauseChar      string `yaml:"pause_char"`
}

// TransferConfig holds file transfer settings.
type TransferConfig struct {
	ChunkSize      int     `yaml:"chunk_size"`
	ChunkRate      float64 `yaml:"chunk_rate"` // chunks per second, 0 for unpaced
	VerifyChecksum bool    `yaml:"verify_checksum"`
}

// JournalConfig holds the history database settings.
type JournalConfig struct {
	Path string `yaml:"path"` // empty disables the journal
}

// Duration is a time.Duration written as a Go duration string ("10s").
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blectl")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	g := comms.DefaultGATT()
	return &Config{
		LogLevel: "info",
		Scan: ScanConfig{
			PriorityPrefixes: append([]string(nil), device.DefaultPriorityPrefixes...),
			Duration:         Duration(10 * time.Second),
		},
		Device: DeviceConfig{
			ConnectTimeout: Duration(10 * time.Second),
		},
		GATT: GATTConfig{
			CommandService: g.CommandService,
			CommandChar:    g.CommandChar,
			NotifyChar:     g.NotifyChar,
			FileService:    g.FileService,
			FileChar:       g.FileChar,
			MediaService:   g.MediaService,
			ListFilesChar:  g.ListFilesChar,
			PlayChar:       g.PlayChar,
			DeleteChar:     g.DeleteChar,
			PauseChar:      g.PauseChar,
		},
		Transfer: TransferConfig{
			ChunkSize: protocol.DefaultChunkSize,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in journal.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Journal.Path = expandTilde(cfg.Journal.Path)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" when a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	content := "# blectl configuration\n# Durations use Go syntax: 500ms, 10s, 1m.\n\n" + string(data)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Scan.Duration < 0 {
		return fmt.Errorf("scan.duration must be >= 0")
	}
	for _, u := range c.Scan.ServiceUUIDs {
		if !ble.ValidUUID(u) {
			return fmt.Errorf("scan.service_uuids: invalid UUID %q", u)
		}
	}

	if c.Device.ConnectTimeout <= 0 {
		return fmt.Errorf("device.connect_timeout must be > 0")
	}

	if c.GATT.CommandService == "" || c.GATT.CommandChar == "" {
		return fmt.Errorf("gatt.command_service and gatt.command_char must not be empty")
	}
	for name, u := range c.GATT.uuids() {
		if u != "" && !ble.ValidUUID(u) {
			return fmt.Errorf("gatt.%s: invalid UUID %q", name, u)
		}
	}

	if c.Transfer.ChunkSize <= 0 || c.Transfer.ChunkSize > protocol.MaxPayloadBytes {
		return fmt.Errorf("transfer.chunk_size must be between 1 and %d, got %d", protocol.MaxPayloadBytes, c.Transfer.ChunkSize)
	}
	if c.Transfer.ChunkRate < 0 {
		return fmt.Errorf("transfer.chunk_rate must be >= 0")
	}

	return nil
}

func (g GATTConfig) uuids() map[string]string {
	return map[string]string{
		"command_service": g.CommandService,
		"command_char":    g.CommandChar,
		"notify_char":     g.NotifyChar,
		"file_service":    g.FileService,
		"file_char":       g.FileChar,
		"media_service":   g.MediaService,
		"list_files_char": g.ListFilesChar,
		"play_char":       g.PlayChar,
		"delete_char":     g.DeleteChar,
		"pause_char":      g.PauseChar,
	}
}

// Options converts the config into manager options. The Recorder is left
// for the caller to set.
func (c *Config) Options() comms.Options {
	opts := comms.DefaultOptions()
	opts.GATT = comms.GATT{
		CommandService: c.GATT.CommandService,
		CommandChar:    c.GATT.CommandChar,
		NotifyChar:     c.GATT.NotifyChar,
		FileService:    c.GATT.FileService,
		FileChar:       c.GATT.FileChar,
		MediaService:   c.GATT.MediaService,
		ListFilesChar:  c.GATT.ListFilesChar,
		PlayChar:       c.GATT.PlayChar,
		DeleteChar:     c.GATT.DeleteChar,
		PauseChar:      c.GATT.PauseChar,
	}
	opts.ScanServices = c.Scan.ServiceUUIDs
	opts.ConnectTimeout = time.Duration(c.Device.ConnectTimeout)
	opts.ChunkSize = c.Transfer.ChunkSize
	opts.ChunkRate = c.Transfer.ChunkRate
	opts.VerifyChunks = c.Transfer.VerifyChecksum
	return opts
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// default to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
