package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"flowkvm/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "flowkvm"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "FLOWKVM_DATA_DIR"
	// DefaultPort is the Sync API port used when no user override exists.
	DefaultPort = 24801
	// DefaultListenAddress is the interface the Sync API binds to.
	DefaultListenAddress = "0.0.0.0"
	// DefaultGraceInterval is the debounce applied before trusting the server after a leader disconnect.
	DefaultGraceInterval = 250 * time.Millisecond
	// DefaultRequestTimeout bounds every outbound Sync API call.
	DefaultRequestTimeout = 5 * time.Second
	// DefaultPollInterval is the follower poll fallback period.
	DefaultPollInterval = 2 * time.Second
	// DefaultPairingTimeout expires pending pairing sessions.
	DefaultPairingTimeout = 2 * time.Minute
	// DefaultSecurityEventRetention is how long the server keeps its security audit trail.
	DefaultSecurityEventRetention = 30 * 24 * time.Hour
	// DefaultClipboardMaxBytes caps relayed clipboard payloads.
	DefaultClipboardMaxBytes = 1 << 20
	// configFileName is the persisted configuration file.
	configFileName = "config.yaml"
)

// Config contains persistent local settings for both roles.
type Config struct {
	InstanceID        string          `yaml:"instance_id"`
	Name              string          `yaml:"name"`
	HostNumber        int             `yaml:"host_number"`
	ListenAddress     string          `yaml:"listen_address"`
	Port              int             `yaml:"port"`
	Leader            string          `yaml:"leader"`
	Followers         []string        `yaml:"followers"`
	GraceInterval     time.Duration   `yaml:"grace_interval"`
	RequestTimeout    time.Duration   `yaml:"request_timeout"`
	PollInterval      time.Duration   `yaml:"poll_interval"`
	PairingTimeout    time.Duration   `yaml:"pairing_timeout"`
	Advertise         *bool           `yaml:"advertise"`
	ClipboardMaxBytes int64           `yaml:"clipboard_max_bytes"`
	EventRetention    time.Duration   `yaml:"security_event_retention"`
	Paths             PathsConfig     `yaml:"paths"`
	Server            *ServerEndpoint `yaml:"server,omitempty"`
}

// PathsConfig holds file locations derived from the data directory.
type PathsConfig struct {
	CertificatePath string `yaml:"certificate"`
	PrivateKeyPath  string `yaml:"private_key"`
	PeersDir        string `yaml:"peers"`
	DatabaseDir     string `yaml:"database"`
}

// ServerEndpoint remembers the server a client last connected to.
type ServerEndpoint struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Configuration returns the leader/follower role assignment.
func (c *Config) Configuration() models.Configuration {
	out := models.Configuration{Leader: models.DeviceID(c.Leader)}
	for _, id := range c.Followers {
		out.Followers = append(out.Followers, models.DeviceID(id))
	}
	return out
}

// AdvertiseEnabled reports whether the server announces itself over mDNS.
func (c *Config) AdvertiseEnabled() bool {
	if c.Advertise == nil {
		return true
	}
	return *c.Advertise
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If FLOWKVM_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.yaml for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "certs"),
		filepath.Join(dataDir, "peers"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.yaml from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.yaml to disk.
func Save(path string, cfg *Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist under the resolved data directory.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn is LoadOrCreate for an explicit data directory.
func LoadOrCreateIn(dataDir string) (*Config, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "flowkvm"
}

func defaultConfig(dataDir string) *Config {
	cfg := &Config{PollInterval: DefaultPollInterval}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	certsDir := filepath.Join(dataDir, "certs")

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
		updated = true
	}
	if cfg.Name == "" {
		cfg.Name = defaultName()
		updated = true
	}
	if cfg.HostNumber < 0 {
		cfg.HostNumber = 0
		updated = true
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = DefaultListenAddress
		updated = true
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
		updated = true
	}
	if cfg.GraceInterval <= 0 {
		cfg.GraceInterval = DefaultGraceInterval
		updated = true
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
		updated = true
	}
	// A zero poll interval disables polling, only negative values are reset.
	if cfg.PollInterval < 0 {
		cfg.PollInterval = DefaultPollInterval
		updated = true
	}
	if cfg.PairingTimeout <= 0 {
		cfg.PairingTimeout = DefaultPairingTimeout
		updated = true
	}
	if cfg.Advertise == nil {
		enabled := true
		cfg.Advertise = &enabled
		updated = true
	}
	if cfg.ClipboardMaxBytes <= 0 {
		cfg.ClipboardMaxBytes = DefaultClipboardMaxBytes
		updated = true
	}
	if cfg.EventRetention <= 0 {
		cfg.EventRetention = DefaultSecurityEventRetention
		updated = true
	}

	if cfg.Paths.CertificatePath == "" {
		cfg.Paths.CertificatePath = filepath.Join(certsDir, "server.crt")
		updated = true
	}
	if cfg.Paths.PrivateKeyPath == "" {
		cfg.Paths.PrivateKeyPath = filepath.Join(certsDir, "server.key")
		updated = true
	}
	if cfg.Paths.PeersDir == "" {
		cfg.Paths.PeersDir = filepath.Join(dataDir, "peers")
		updated = true
	}
	if cfg.Paths.DatabaseDir == "" {
		cfg.Paths.DatabaseDir = dataDir
		updated = true
	}

	return updated
}
