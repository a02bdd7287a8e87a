package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadJobFileYAML(t *testing.T) {
	dir := t.TempDir()
	content := `command: xcodebuild test -scheme App
timeout: 10m
`
	if err := os.WriteFile(filepath.Join(dir, ".alloy.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	jf, filename, err := LoadJobFile(dir)
	if err != nil {
		t.Fatalf("LoadJobFile failed: %v", err)
	}
	if filename != ".alloy.yaml" {
		t.Errorf("filename = %q, want .alloy.yaml", filename)
	}
	if jf.Command != "xcodebuild test -scheme App" {
		t.Errorf("command = %q", jf.Command)
	}
	if jf.Timeout.Duration() != 10*time.Minute {
		t.Errorf("timeout = %v, want 10m", jf.Timeout.Duration())
	}
}

func TestLoadJobFileTOML(t *testing.T) {
	dir := t.TempDir()
	content := `command = "swift build"
timeout = "5m"
`
	if err := os.WriteFile(filepath.Join(dir, ".alloy.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	jf, filename, err := LoadJobFile(dir)
	if err != nil {
		t.Fatalf("LoadJobFile failed: %v", err)
	}
	if filename != ".alloy.toml" {
		t.Errorf("filename = %q, want .alloy.toml", filename)
	}
	if jf.Command != "swift build" {
		t.Errorf("command = %q", jf.Command)
	}
	if jf.Timeout.Duration() != 5*time.Minute {
		t.Errorf("timeout = %v, want 5m", jf.Timeout.Duration())
	}
}

func TestLoadJobFileJSON(t *testing.T) {
	dir := t.TempDir()
	content := `{"script": "set -e\nmake all", "timeout": "1h"}`
	if err := os.WriteFile(filepath.Join(dir, "alloy.json"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	jf, _, err := LoadJobFile(dir)
	if err != nil {
		t.Fatalf("LoadJobFile failed: %v", err)
	}
	if jf.Script != "set -e\nmake all" {
		t.Errorf("script = %q", jf.Script)
	}
	if jf.Timeout.Duration() != time.Hour {
		t.Errorf("timeout = %v, want 1h", jf.Timeout.Duration())
	}
}

func TestLoadJobFileDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "alloy.yaml"), []byte("command: make\n"), 0644); err != nil {
		t.Fatal(err)
	}

	jf, _, err := LoadJobFile(dir)
	if err != nil {
		t.Fatal(err)
	}
	if jf.Timeout.Duration() != 60*time.Minute {
		t.Errorf("default timeout = %v, want 60m", jf.Timeout.Duration())
	}
}

func TestLoadJobFileMissing(t *testing.T) {
	_, _, err := LoadJobFile(t.TempDir())
	if err != ErrNoJobFile {
		t.Errorf("err = %v, want ErrNoJobFile", err)
	}
}

func TestJobFileValidate(t *testing.T) {
	tests := []struct {
		name    string
		jf      JobFile
		wantErr bool
	}{
		{"command only", JobFile{Command: "make"}, false},
		{"script only", JobFile{Script: "make\nmake install"}, false},
		{"neither", JobFile{}, true},
		{"both", JobFile{Command: "make", Script: "make"}, true},
		{"yaml boolean footgun", JobFile{Command: "true"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.jf.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadJobFileUnknownFieldRejected(t *testing.T) {
	dir := t.TempDir()
	content := `command: make
comand_typo: oops
`
	if err := os.WriteFile(filepath.Join(dir, "alloy.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := LoadJobFile(dir); err == nil {
		t.Error("unknown field accepted")
	}
}

func TestServerFromEnvDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("BASE_URL", "")
	t.Setenv("DB_PATH", "")

	cfg := ServerFromEnv()
	if cfg.Port != 3000 {
		t.Errorf("Port = %d, want 3000", cfg.Port)
	}
	if cfg.BaseURL != "http://localhost:3000" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.DBPath != "alloy.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestServerFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("BASE_URL", "https://ci.example.com")
	t.Setenv("WORKER_SECRET_KEY", "s3cret")
	t.Setenv("CORS_ORIGINS", "https://app.example.com")

	cfg := ServerFromEnv()
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.BaseURL != "https://ci.example.com" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.WorkerSecret != "s3cret" || cfg.CORSOrigins != "https://app.example.com" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestWorkerFromEnv(t *testing.T) {
	t.Setenv("ORCHESTRATOR_URL", "")
	t.Setenv("WORKER_CAPACITY", "")
	t.Setenv("VM_POOL_SIZE", "")
	t.Setenv("JOB_TIMEOUT_MINUTES", "")
	t.Setenv("TART_BASE_IMAGE", "")

	cfg := WorkerFromEnv()
	if cfg.OrchestratorURL != "http://localhost:3000" {
		t.Errorf("OrchestratorURL = %q", cfg.OrchestratorURL)
	}
	if cfg.Capacity != 2 || cfg.PoolSize != 1 {
		t.Errorf("Capacity = %d, PoolSize = %d", cfg.Capacity, cfg.PoolSize)
	}
	if cfg.JobTimeout != 60*time.Minute {
		t.Errorf("JobTimeout = %v", cfg.JobTimeout)
	}
	if cfg.BaseImage != "ghcr.io/cirruslabs/macos-tahoe-xcode:latest" {
		t.Errorf("BaseImage = %q", cfg.BaseImage)
	}

	t.Setenv("JOB_TIMEOUT_MINUTES", "5")
	if got := WorkerFromEnv().JobTimeout; got != 5*time.Minute {
		t.Errorf("JobTimeout override = %v, want 5m", got)
	}
}
