package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

// setupTestHome points HOME at a temp dir and returns the cogflow config dir
// inside it.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := filepath.Join(home, ".config", "cogflow")
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	dir := setupTestHome(t)

	cfg, err := LoadWithFile(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Server.Port = %d, want 9191", cfg.Server.Port)
	}
	if cfg.Escalation.Fallback != "continue" {
		t.Errorf("Escalation.Fallback = %q, want continue", cfg.Escalation.Fallback)
	}
	if cfg.Memory.CommitAuthority != "publisher" {
		t.Errorf("Memory.CommitAuthority = %q, want publisher", cfg.Memory.CommitAuthority)
	}
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `server:
  port: 8088
  shutdown_timeout: 3s
engine:
  max_iterations: 5
  strict_routing: true
escalation:
  fallback: pause
  wait_timeout: 45s
memory:
  commit_authority: librarian
  semantic:
    provider: qdrant
    collection: facts
`, 0600)

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}
	if cfg.Server.Port != 8088 {
		t.Errorf("Server.Port = %d, want 8088", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout.Duration() != 3*time.Second {
		t.Errorf("Server.ShutdownTimeout = %v, want 3s", cfg.Server.ShutdownTimeout.Duration())
	}
	if cfg.Engine.MaxIterations != 5 || !cfg.Engine.StrictRouting {
		t.Errorf("Engine = %+v, want max_iterations 5 and strict routing", cfg.Engine)
	}
	if cfg.Escalation.Fallback != "pause" {
		t.Errorf("Escalation.Fallback = %q, want pause", cfg.Escalation.Fallback)
	}
	if cfg.Escalation.WaitTimeout.Duration() != 45*time.Second {
		t.Errorf("Escalation.WaitTimeout = %v, want 45s", cfg.Escalation.WaitTimeout.Duration())
	}
	if cfg.Memory.CommitAuthority != "librarian" {
		t.Errorf("Memory.CommitAuthority = %q, want librarian", cfg.Memory.CommitAuthority)
	}
	if cfg.Memory.Semantic.Provider != "qdrant" || cfg.Memory.Semantic.Collection != "facts" {
		t.Errorf("Memory.Semantic = %+v, want qdrant/facts", cfg.Memory.Semantic)
	}
	// Untouched nested defaults survive a partial section.
	if cfg.Memory.Semantic.Port != 6334 {
		t.Errorf("Memory.Semantic.Port = %d, want default 6334", cfg.Memory.Semantic.Port)
	}
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  port: 8088\n", 0600)

	t.Setenv("COGFLOW_SERVER_PORT", "7070")
	t.Setenv("COGFLOW_MEMORY_COMMIT_AUTHORITY", "curator")
	t.Setenv("COGFLOW_GENERATOR_API_KEY", "sk-test-123")

	cfg, err := LoadWithFile(path)
	if err != nil {
		t.Fatalf("LoadWithFile() error = %v, want nil", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070 from env", cfg.Server.Port)
	}
	if cfg.Memory.CommitAuthority != "curator" {
		t.Errorf("Memory.CommitAuthority = %q, want curator", cfg.Memory.CommitAuthority)
	}
	if cfg.Generator.APIKey.Value() != "sk-test-123" {
		t.Error("Generator.APIKey not loaded from env")
	}
	if cfg.Generator.APIKey.String() != "[REDACTED]" {
		t.Errorf("Generator.APIKey.String() = %q, want redacted", cfg.Generator.APIKey.String())
	}
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  port: 8088\n", 0644)

	_, err := LoadWithFile(path)
	if err == nil || !strings.Contains(err.Error(), "insecure config file permissions") {
		t.Fatalf("LoadWithFile() error = %v, want insecure permissions error", err)
	}
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	outside := filepath.Join(t.TempDir(), "config.yaml")

	_, err := LoadWithFile(outside)
	if err == nil || !strings.Contains(err.Error(), "config path validation failed") {
		t.Fatalf("LoadWithFile() error = %v, want path validation error", err)
	}
}

func TestLoadWithFile_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad fallback", "escalation:\n  fallback: retry\n", "fallback must be"},
		{"bad port", "server:\n  port: 70000\n", "invalid server port"},
		{"zero iterations", "engine:\n  max_iterations: 0\n", "max_iterations"},
		{"authority equals system", "memory:\n  commit_authority: system\n", "system_writer"},
		{"unknown audit driver", "audit:\n  driver: postgres\n", "audit.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := setupTestHome(t)
			path := writeConfig(t, dir, tt.yaml, 0600)

			_, err := LoadWithFile(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadWithFile() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"COGFLOW_SERVER_PORT":             "server.port",
		"COGFLOW_ESCALATION_WAIT_TIMEOUT": "escalation.wait_timeout",
		"COGFLOW_MEMORY_COMMIT_AUTHORITY": "memory.commit_authority",
		"COGFLOW_DEBUG":                   "debug",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandPath("~/data/audit.db")
	if err != nil {
		t.Fatalf("ExpandPath() error = %v", err)
	}
	if got != filepath.Join(home, "data", "audit.db") {
		t.Errorf("ExpandPath() = %q", got)
	}

	got, _ = ExpandPath("/var/lib/cogflow")
	if got != "/var/lib/cogflow" {
		t.Errorf("ExpandPath() changed absolute path: %q", got)
	}
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90s")); err != nil {
		t.Fatalf("UnmarshalText() error = %v", err)
	}
	if d.Duration() != 90*time.Second {
		t.Errorf("Duration = %v, want 90s", d.Duration())
	}
	if err := d.UnmarshalText([]byte("-1s")); err == nil {
		t.Error("UnmarshalText(-1s) error = nil, want negative duration error")
	}
}
