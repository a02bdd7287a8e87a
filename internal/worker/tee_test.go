package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

type pushRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (p *pushRecorder) push(stream, line string) {
	p.mu.Lock()
	p.lines = append(p.lines, fmt.Sprintf("%s|%s", stream, line))
	p.mu.Unlock()
}

func TestTeeLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job-j_1.log")
	rec := &pushRecorder{}
	tee, err := NewTee(path, rec.push)
	if err != nil {
		t.Fatalf("NewTee failed: %v", err)
	}

	fmt.Fprint(tee.Stdout(), "building\ntests ")
	fmt.Fprint(tee.Stdout(), "passed\n")
	fmt.Fprint(tee.Stderr(), "warning: slow\n")
	if err := tee.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "[stdout] building\n[stdout] tests passed\n[stderr] warning: slow\n"
	if string(data) != want {
		t.Errorf("log file = %q, want %q", data, want)
	}

	wantPushes := []string{"stdout|building", "stdout|tests passed", "stderr|warning: slow"}
	if len(rec.lines) != len(wantPushes) {
		t.Fatalf("pushes = %v", rec.lines)
	}
	for i, p := range wantPushes {
		if rec.lines[i] != p {
			t.Errorf("push[%d] = %q, want %q", i, rec.lines[i], p)
		}
	}
}

// A trailing partial line is flushed on Close.
func TestTeePartialLineFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	rec := &pushRecorder{}
	tee, err := NewTee(path, rec.push)
	if err != nil {
		t.Fatal(err)
	}

	fmt.Fprint(tee.Stdout(), "no newline here")
	tee.Close()

	data, _ := os.ReadFile(path)
	if string(data) != "[stdout] no newline here\n" {
		t.Errorf("log file = %q", data)
	}
}

// PTY output carries CRLF; the CR must not reach the stored log.
func TestTeeStripsCarriageReturn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.log")
	tee, err := NewTee(path, nil)
	if err != nil {
		t.Fatal(err)
	}

	fmt.Fprint(tee.Stdout(), "done\r\n")
	tee.Close()

	data, _ := os.ReadFile(path)
	if string(data) != "[stdout] done\n" {
		t.Errorf("log file = %q", data)
	}
}
