package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "pairlink"
	// DefaultRelayURL is the relay websocket endpoint used when no override
	// is configured.
	DefaultRelayURL = "ws://localhost:8765/ws"
	// configFileName is the persisted device state file.
	configFileName = "device.json"
)

// Pairing lifecycle status values.
const (
	PairingStatusActive  = "active"
	PairingStatusRevoked = "revoked"
)

// PairingState is the locally persisted record of the device's pairing.
// It is written synchronously before any paired/unpaired transition is
// acknowledged to the caller.
type PairingState struct {
	PeerDeviceID    string `json:"peer_device_id"`
	PeerDeviceName  string `json:"peer_device_name,omitempty"`
	PeerX25519Key   string `json:"peer_x25519_public_key"`
	PairingCode     string `json:"pairing_code"`
	Status          string `json:"status"`
	EstablishedAt   int64  `json:"established_at"`
}

// Active reports whether the persisted pairing should be replayed on connect.
func (p *PairingState) Active() bool {
	return p != nil && p.Status == PairingStatusActive
}

// DeviceConfig is the single local state file of one device client: identity,
// key locations, relay endpoint, and current pairing.
type DeviceConfig struct {
	DeviceID              string        `json:"device_id"`
	DeviceName            string        `json:"device_name"`
	Role                  string        `json:"role"`
	RelayURL              string        `json:"relay_url"`
	Ed25519PrivateKeyPath string        `json:"ed25519_private_key_path"`
	X25519PrivateKeyPath  string        `json:"x25519_private_key_path"`
	Pairing               *PairingState `json:"pairing,omitempty"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PAIRLINK_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("PAIRLINK_DATA_DIR"); override != "" {
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

// ConfigPath returns the full path to device.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals device.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes device.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and the device state file exist for the
// given role, then returns both the config and its path.
func LoadOrCreate(role string) (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir, role)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if cfg.Role != "" && cfg.Role != role {
		return nil, "", fmt.Errorf("config at %s belongs to role %q, not %q", cfgPath, cfg.Role, role)
	}
	if normalizeDefaults(cfg, dataDir, role) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir, role string) *DeviceConfig {
	deviceName := "Pairlink Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	keysDir := filepath.Join(dataDir, "keys")
	return &DeviceConfig{
		DeviceID:              uuid.NewString(),
		DeviceName:            deviceName,
		Role:                  role,
		RelayURL:              DefaultRelayURL,
		Ed25519PrivateKeyPath: filepath.Join(keysDir, "ed25519_private.pem"),
		X25519PrivateKeyPath:  filepath.Join(keysDir, "x25519_private.pem"),
	}
}

func normalizeDefaults(cfg *DeviceConfig, dataDir, role string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}
	if cfg.DeviceName == "" {
		deviceName := "Pairlink Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}
	if cfg.Role == "" {
		cfg.Role = role
		updated = true
	}
	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
		updated = true
	}
	if cfg.Ed25519PrivateKeyPath == "" {
		cfg.Ed25519PrivateKeyPath = filepath.Join(keysDir, "ed25519_private.pem")
		updated = true
	}
	if cfg.X25519PrivateKeyPath == "" {
		cfg.X25519PrivateKeyPath = filepath.Join(keysDir, "x25519_private.pem")
		updated = true
	}

	return updated
}
