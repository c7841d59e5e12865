// Package config persists user settings and resolves the app data
// directory. It implements the settings provider the transfer engine
// consumes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "woxxy"
	// settingsFileName is the persisted settings file.
	settingsFileName = "settings.json"
)

// Settings contains the persisted user settings.
type Settings struct {
	Username          string `json:"username"`
	AvatarPath        string `json:"avatar_path"`
	DownloadDirectory string `json:"download_directory"`
	ChecksumEnabled   bool   `json:"checksum_enabled"`
}

// Provider is a concurrency-safe view over Settings, satisfying the
// engine's settings-provider collaborator.
type Provider struct {
	mu       sync.RWMutex
	settings Settings
}

// NewProvider wraps settings in a provider.
func NewProvider(settings Settings) *Provider {
	return &Provider{settings: settings}
}

// Username returns the display name announced to the LAN.
func (p *Provider) Username() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings.Username
}

// AvatarPath returns the local avatar image path, empty when unset.
func (p *Provider) AvatarPath() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings.AvatarPath
}

// DownloadDirectory returns where inbound files land.
func (p *Provider) DownloadDirectory() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings.DownloadDirectory
}

// ChecksumEnabled reports whether outbound transfers carry a real digest.
func (p *Provider) ChecksumEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings.ChecksumEnabled
}

// Current returns a copy of the live settings.
func (p *Provider) Current() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// Update replaces the live settings.
func (p *Provider) Update(settings Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = settings
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If WOXXY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("WOXXY_DATA_DIR"); override != "" {
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

// SettingsPath returns the full path to settings.json for a data directory.
func SettingsPath(dataDir string) string {
	return filepath.Join(dataDir, settingsFileName)
}

// AvatarCacheDir returns the durable avatar store directory.
func AvatarCacheDir(dataDir string) string {
	return filepath.Join(dataDir, "avatars")
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		AvatarCacheDir(dataDir),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals settings.json from disk.
func Load(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}

	return settings, nil
}

// Save marshals and writes settings.json to disk.
func Save(path string, settings Settings) error {
	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and settings file exist, then
// returns a live provider plus the settings path.
func LoadOrCreate() (*Provider, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	path := SettingsPath(dataDir)
	settings, err := Load(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		settings = defaultSettings()
		if err := Save(path, settings); err != nil {
			return nil, "", err
		}

		return NewProvider(settings), path, nil
	}

	if normalizeDefaults(&settings) {
		if err := Save(path, settings); err != nil {
			return nil, "", err
		}
	}

	return NewProvider(settings), path, nil
}

func defaultSettings() Settings {
	settings := Settings{
		Username:        defaultUsername(),
		ChecksumEnabled: true,
	}
	settings.DownloadDirectory = defaultDownloadDirectory()
	return settings
}

func normalizeDefaults(settings *Settings) bool {
	updated := false

	if strings.TrimSpace(settings.Username) == "" {
		settings.Username = defaultUsername()
		updated = true
	}

	// The announcement wire format uses ':' as its field separator.
	if strings.Contains(settings.Username, ":") {
		settings.Username = strings.ReplaceAll(settings.Username, ":", "-")
		updated = true
	}

	if strings.TrimSpace(settings.DownloadDirectory) == "" {
		settings.DownloadDirectory = defaultDownloadDirectory()
		updated = true
	}

	return updated
}

func defaultUsername() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return strings.ReplaceAll(host, ":", "-")
	}
	return "woxxy-" + uuid.NewString()[:8]
}

func defaultDownloadDirectory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "woxxy-downloads")
	}
	return filepath.Join(home, "Downloads", "Woxxy")
}
