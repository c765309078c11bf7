package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

// Environment variables that override values from the config file.
const (
	EnvConfigPath = "SCRCPYHUB_CONFIG"
	EnvLogLevel   = "SCRCPYHUB_LOG_LEVEL"
	EnvLogPath    = "SCRCPYHUB_LOG_PATH"
	EnvListen     = "SCRCPYHUB_LISTEN"
)

// IdentityConfig names the request headers an authenticating reverse proxy
// uses to pass the viewer identity. Missing headers yield an anonymous viewer.
type IdentityConfig struct {
	IDHeader       string `json:"id_header"`
	NameHeader     string `json:"name_header"`
	EmailHeader    string `json:"email_header"`
	UsernameHeader string `json:"username_header"`
}

// LockConfig controls lock arbitration on the control channel.
type LockConfig struct {
	// EnforceLock drops control input from connections that do not hold
	// the lock for their display.
	EnforceLock       bool    `json:"enforce_lock"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	RequestBurst      int     `json:"request_burst"`
}

// Config represents application configuration
type Config struct {
	Listen         string            `json:"listen"`
	LogLevel       string            `json:"log_level"` // debug, info, warn, error, none
	LogPath        string            `json:"log_path"`  // "-" for stderr
	DatabasePath   string            `json:"database_path"`
	ImportDir      string            `json:"import_dir,omitempty"`
	Devices        map[string]string `json:"devices,omitempty"` // device id -> upstream WebSocket URL
	Identity       IdentityConfig    `json:"identity"`
	Lock           LockConfig        `json:"lock"`
	MaxMessageSize int64             `json:"max_message_size"`
}

func defaultStateDir() string {
	switch runtime.GOOS {
	case "linux":
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "scrcpyhub")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "scrcpyhub")
	case "windows":
		if localAppData := strings.TrimSpace(os.Getenv("LOCALAPPDATA")); localAppData != "" {
			return filepath.Join(localAppData, "scrcpyhub")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "AppData", "Local", "scrcpyhub")
	default:
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".config", "scrcpyhub")
	}
}

func defaultConfigDir() string {
	if runtime.GOOS == "windows" {
		if appData := strings.TrimSpace(os.Getenv("APPDATA")); appData != "" {
			return filepath.Join(appData, "scrcpyhub")
		}
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "scrcpyhub")
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()

	return &Config{
		Listen:       "localhost:8000",
		LogLevel:     "info",
		LogPath:      filepath.Join(stateDir, "scrcpyhub.log"),
		DatabasePath: filepath.Join(stateDir, "workflows.db"),
		Devices:      make(map[string]string),
		Identity: IdentityConfig{
			IDHeader:       "X-Forwarded-User",
			NameHeader:     "X-Forwarded-Name",
			EmailHeader:    "X-Forwarded-Email",
			UsernameHeader: "X-Forwarded-Preferred-Username",
		},
		Lock: LockConfig{
			EnforceLock:       true,
			RequestsPerSecond: 5,
			RequestBurst:      10,
		},
		MaxMessageSize: 64 * 1024,
	}
}

// Load loads configuration from file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, err
	}

	// Unmarshal into default config (overrides only provided fields)
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if config.Devices == nil {
		config.Devices = make(map[string]string)
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	return config, nil
}

// ApplyEnv overrides fields from SCRCPYHUB_* environment variables.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogPath)); v != "" {
		c.LogPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		c.Listen = v
	}
}

// Validate reports configuration values the server cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Lock.RequestsPerSecond <= 0 {
		return fmt.Errorf("lock.requests_per_second must be positive, got %v", c.Lock.RequestsPerSecond)
	}
	if c.Lock.RequestBurst <= 0 {
		return fmt.Errorf("lock.request_burst must be positive, got %d", c.Lock.RequestBurst)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize)
	}
	for id, url := range c.Devices {
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("device %q has an empty upstream URL", id)
		}
	}
	return nil
}

// DeviceURL returns the upstream WebSocket URL configured for a device.
func (c *Config) DeviceURL(deviceID string) (string, bool) {
	url, ok := c.Devices[deviceID]
	return url, ok
}

// DeviceIDs returns the configured device ids in sorted order.
func (c *Config) DeviceIDs() []string {
	ids := make([]string, 0, len(c.Devices))
	for id := range c.Devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the config path from SCRCPYHUB_CONFIG or the
// default location.
func GetConfigPath() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return filepath.Join(defaultConfigDir(), "config.json")
}
