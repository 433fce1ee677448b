// Package config provides configuration loading and defaults for vmctl.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/containerd/log"
	"gopkg.in/yaml.v3"

	"github.com/jamesprial/vmctl/internal/safety"
)

// DefaultPath is the configuration file read when no path is given.
const DefaultPath = "/etc/vmctl/config.yaml"

// ResourceFilter holds allowlist and denylist entries for a resource category.
type ResourceFilter struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// SafetyConfig groups resource filters.
type SafetyConfig struct {
	VMs ResourceFilter `yaml:"vms"`
}

// PathsConfig holds filesystem paths used by the server.
type PathsConfig struct {
	LibvirtSocket string `yaml:"libvirt_socket"`
}

// StorageConfig locates the VM catalog and disk images.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	ImageDir     string `yaml:"image_dir"`
}

// HypervisorConfig holds host-wide settings applied to every new domain.
type HypervisorConfig struct {
	Network string `yaml:"network"`
	Arch    string `yaml:"arch"`
}

// AuditConfig controls audit logging behaviour.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig controls process logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// ServerConfig holds network and authentication settings.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Config is the top-level configuration structure for vmctl.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Safety     SafetyConfig     `yaml:"safety"`
	Paths      PathsConfig      `yaml:"paths"`
	Storage    StorageConfig    `yaml:"storage"`
	Hypervisor HypervisorConfig `yaml:"hypervisor"`
	Audit      AuditConfig      `yaml:"audit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// LoadConfig reads and parses a YAML configuration file from the given path.
// Fields absent from the file keep their DefaultConfig values. On error, nil
// is returned for the config pointer.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Load builds the effective configuration: the file at path (or defaults
// when it does not exist), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.L.WithField("path", path).Info("config file not found, using defaults")
		cfg = DefaultConfig()
	case err != nil:
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}

	ApplyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfig returns a new Config populated with sensible default values.
// Each call returns a distinct instance.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Paths: PathsConfig{
			LibvirtSocket: "/var/run/libvirt/libvirt-sock",
		},
		Storage: StorageConfig{
			DatabasePath: "/var/lib/vmctl/vms.db",
			ImageDir:     "/var/lib/vmctl/images",
		},
		Hypervisor: HypervisorConfig{
			Network: "default",
			Arch:    "x86_64",
		},
		Audit: AuditConfig{
			Enabled: true,
			LogPath: "/var/log/vmctl/audit.log",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ApplyEnvOverrides updates cfg in place with values from environment variables.
// Recognized variables:
//   - VMCTL_AUTH_TOKEN overrides cfg.Server.AuthToken
//   - VMCTL_DATABASE_PATH overrides cfg.Storage.DatabasePath
//   - VMCTL_LIBVIRT_SOCKET overrides cfg.Paths.LibvirtSocket
func ApplyEnvOverrides(cfg *Config) {
	if token := os.Getenv("VMCTL_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if path := os.Getenv("VMCTL_DATABASE_PATH"); path != "" {
		cfg.Storage.DatabasePath = path
	}
	if sock := os.Getenv("VMCTL_LIBVIRT_SOCKET"); sock != "" {
		cfg.Paths.LibvirtSocket = sock
	}
}

// Validate reports the first setting that cannot be used.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Storage.DatabasePath) == "" {
		return errors.New("storage.database_path is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}
	for _, p := range append(append([]string(nil), c.Safety.VMs.Allowlist...), c.Safety.VMs.Denylist...) {
		if err := safety.CheckPattern(p); err != nil {
			return fmt.Errorf("safety.vms pattern %q: %w", p, err)
		}
	}
	if c.Log.Level != "" {
		if _, ok := logLevels[strings.ToLower(c.Log.Level)]; !ok {
			return fmt.Errorf("log.level %q is not a known level", c.Log.Level)
		}
	}
	return nil
}

var logLevels = map[string]struct{}{
	"trace": {}, "debug": {}, "info": {}, "warn": {}, "warning": {},
	"error": {}, "fatal": {}, "panic": {},
}

// EnsureAuthToken generates a random auth token and sets it on cfg if
// cfg.Server.AuthToken is empty. It returns the token (existing or generated)
// and any error encountered during generation.
func EnsureAuthToken(cfg *Config) (string, error) {
	if cfg.Server.AuthToken != "" {
		return cfg.Server.AuthToken, nil
	}
	token, err := GenerateRandomToken()
	if err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	cfg.Server.AuthToken = token
	return token, nil
}

// GenerateRandomToken returns a 32-character hex-encoded cryptographically
// random token string.
func GenerateRandomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	return hex.EncodeToString(b), nil
}
