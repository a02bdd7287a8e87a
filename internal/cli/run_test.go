package cli

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 << 30, "3.0 GiB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.n); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "45s"},
		{150 * time.Second, "2m30s"},
		{90 * time.Minute, "1h30m"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.d); got != tt.want {
			t.Errorf("FormatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestStatusSymbol(t *testing.T) {
	for _, status := range []string{"pending", "running", "completed", "failed", "cancelled"} {
		if got := StatusSymbol(status); got == "?" {
			t.Errorf("StatusSymbol(%q) = ?", status)
		}
	}
	if got := StatusSymbol("bogus"); got != "?" {
		t.Errorf("StatusSymbol(bogus) = %q", got)
	}
}

func TestZipTreeSkipsGit(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "main.swift"), "print(1)")
	mustWrite(t, filepath.Join(dir, "Sources", "app.swift"), "app")
	mustWrite(t, filepath.Join(dir, ".git", "HEAD"), "ref: refs/heads/main")
	mustWrite(t, filepath.Join(dir, "node_modules", "x", "index.js"), "x")

	var buf bytes.Buffer
	if err := zipTree(dir, &buf); err != nil {
		t.Fatalf("zipTree failed: %v", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["main.swift"] || !names["Sources/app.swift"] {
		t.Errorf("entries = %v", names)
	}
	for name := range names {
		if strings.HasPrefix(name, ".git") || strings.HasPrefix(name, "node_modules") {
			t.Errorf("excluded path shipped: %s", name)
		}
	}
}

func TestShortSHA(t *testing.T) {
	if got := shortSHA("abcdef0123456789"); got != "abcdef01" {
		t.Errorf("shortSHA = %q", got)
	}
	if got := shortSHA("abc"); got != "abc" {
		t.Errorf("shortSHA = %q", got)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
