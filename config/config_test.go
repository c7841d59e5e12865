package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveDataDirOverride(t *testing.T) {
	override := t.TempDir()
	t.Setenv("WOXXY_DATA_DIR", override)

	got, err := ResolveDataDir()
	if err != nil {
		t.Fatalf("ResolveDataDir failed: %v", err)
	}
	if got != override {
		t.Fatalf("ResolveDataDir() = %q, want %q", got, override)
	}
}

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), "data")
	t.Setenv("WOXXY_DATA_DIR", dataDir)

	provider, path, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}

	if path != SettingsPath(dataDir) {
		t.Fatalf("settings path %q, want %q", path, SettingsPath(dataDir))
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("settings file not created: %v", err)
	}
	if _, err := os.Stat(AvatarCacheDir(dataDir)); err != nil {
		t.Fatalf("avatar cache directory not created: %v", err)
	}

	settings := provider.Current()
	if settings.Username == "" {
		t.Fatalf("default username is empty")
	}
	if strings.Contains(settings.Username, ":") {
		t.Fatalf("default username %q contains a field separator", settings.Username)
	}
	if settings.DownloadDirectory == "" {
		t.Fatalf("default download directory is empty")
	}
	if !settings.ChecksumEnabled {
		t.Fatalf("checksums must default to enabled")
	}
}

func TestLoadOrCreateReadsExistingSettings(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("WOXXY_DATA_DIR", dataDir)

	want := Settings{
		Username:          "alice",
		AvatarPath:        "/home/alice/avatar.png",
		DownloadDirectory: "/home/alice/incoming",
		ChecksumEnabled:   false,
	}
	if err := Save(SettingsPath(dataDir), want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	provider, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if got := provider.Current(); got != want {
		t.Fatalf("settings %+v, want %+v", got, want)
	}
}

func TestLoadOrCreateNormalizesUsername(t *testing.T) {
	dataDir := t.TempDir()
	t.Setenv("WOXXY_DATA_DIR", dataDir)

	stored := Settings{
		Username:          "host:with:colons",
		DownloadDirectory: "/downloads",
		ChecksumEnabled:   true,
	}
	if err := Save(SettingsPath(dataDir), stored); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	provider, path, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}

	if got := provider.Username(); got != "host-with-colons" {
		t.Fatalf("username %q, want colons replaced", got)
	}

	// Normalization must be written back.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.Username != "host-with-colons" {
		t.Fatalf("normalized username not persisted: %q", reloaded.Username)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")

	want := Settings{
		Username:          "bob",
		AvatarPath:        "/tmp/avatar.png",
		DownloadDirectory: "/tmp/incoming",
		ChecksumEnabled:   true,
	}
	if err := Save(path, want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: %+v, want %+v", got, want)
	}
}

func TestLoadRejectsMalformedSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write malformed file: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestProviderUpdate(t *testing.T) {
	provider := NewProvider(Settings{Username: "alice", ChecksumEnabled: true})

	provider.Update(Settings{Username: "bob", DownloadDirectory: "/incoming"})

	if provider.Username() != "bob" {
		t.Fatalf("update not visible")
	}
	if provider.ChecksumEnabled() {
		t.Fatalf("update must replace settings wholesale")
	}
	if provider.DownloadDirectory() != "/incoming" {
		t.Fatalf("download directory not updated")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WOXXY_DISCOVERY_PORT", "15000")
	t.Setenv("WOXXY_TRANSFER_PORT", "15001")
	t.Setenv("WOXXY_MDNS", "true")

	env, err := LoadEnv()
	if err != nil {
		t.Fatalf("LoadEnv failed: %v", err)
	}
	if env.DiscoveryPort != 15000 || env.TransferPort != 15001 || !env.MDNS {
		t.Fatalf("env overrides not applied: %+v", env)
	}
}
