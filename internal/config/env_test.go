package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")

	if got := GetEnv("TEST_STRING", "default"); got != "hello" {
		t.Errorf("Expected hello, got %s", got)
	}
	if got := GetEnv("TEST_MISSING", "default"); got != "default" {
		t.Errorf("Expected default, got %s", got)
	}
}

func TestGetIntEnv(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INT_BAD", "not-a-number")

	if got := GetIntEnv("TEST_INT", 7); got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}
	if got := GetIntEnv("TEST_INT_BAD", 7); got != 7 {
		t.Errorf("Expected fallback 7, got %d", got)
	}
	if got := GetIntEnv("TEST_INT_MISSING", 7); got != 7 {
		t.Errorf("Expected fallback 7, got %d", got)
	}
}

func TestGetDurationEnv(t *testing.T) {
	t.Setenv("TEST_DUR", "1m30s")
	t.Setenv("TEST_DUR_BAD", "soon")

	if got := GetDurationEnv("TEST_DUR", time.Second); got != 90*time.Second {
		t.Errorf("Expected 90s, got %s", got)
	}
	if got := GetDurationEnv("TEST_DUR_BAD", time.Second); got != time.Second {
		t.Errorf("Expected fallback 1s, got %s", got)
	}
}

func TestGetSecretFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("  s3cret\n"), 0600); err != nil {
		t.Fatal(err)
	}

	if got := GetSecretFile(path); got != "s3cret" {
		t.Errorf("Expected trimmed secret, got %q", got)
	}
	if got := GetSecretFile(""); got != "" {
		t.Errorf("Expected empty for empty path, got %q", got)
	}
	if got := GetSecretFile("/nonexistent/secret"); got != "" {
		t.Errorf("Expected empty for missing file, got %q", got)
	}
}

func TestGetSecretEnv_FileTakesPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("from-file"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_KEY", "from-env")
	t.Setenv("TEST_KEY_FILE", path)

	if got := GetSecretEnv("TEST_KEY"); got != "from-file" {
		t.Errorf("Expected from-file, got %q", got)
	}

	t.Setenv("TEST_KEY_FILE", "")
	if got := GetSecretEnv("TEST_KEY"); got != "from-env" {
		t.Errorf("Expected from-env, got %q", got)
	}
}

func TestLoadStorageConfig_Defaults(t *testing.T) {
	cfg := LoadStorageConfig()
	if cfg.BlobBackend != "fs" {
		t.Errorf("Expected fs backend, got %s", cfg.BlobBackend)
	}
	if cfg.JobBackend != "blob" {
		t.Errorf("Expected blob job backend, got %s", cfg.JobBackend)
	}
	if cfg.LeaseTTL != 2*time.Minute {
		t.Errorf("Expected 2m lease TTL, got %s", cfg.LeaseTTL)
	}
}
