package appconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ClientID != "octovalve-console" {
		t.Fatalf("ClientID = %q", cfg.ClientID)
	}
	if cfg.UI.RefreshSeconds != 3 {
		t.Fatalf("RefreshSeconds = %d", cfg.UI.RefreshSeconds)
	}

	dir, err := ConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
}

func TestLoadClampsInvalidRefresh(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	dir := filepath.Join(tmp, "octovalve")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("ui:\n  refresh_seconds: -2\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.UI.RefreshSeconds != 3 {
		t.Fatalf("RefreshSeconds = %d, want clamped default 3", cfg.UI.RefreshSeconds)
	}
}

func TestStateDirOverride(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "state")
	t.Setenv("OCTOVALVE_STATE_DIR", tmp)

	dir, err := StateDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != tmp {
		t.Fatalf("StateDir = %q, want %q", dir, tmp)
	}
	st, err := os.Stat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o700 {
		t.Fatalf("state dir mode = %#o, want 0700", st.Mode().Perm())
	}
}
