package worker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alloyhq/alloy/internal/protocol"
)

// fakeOrchestrator serves the worker API: one claimable job, then an
// empty queue.
type fakeOrchestrator struct {
	mu         sync.Mutex
	job        *protocol.Job
	claimed    bool
	completed  []protocol.CompleteRequest
	logs       []protocol.LogEntry
	registered protocol.RegisterRequest
	assignID   string

	// heartbeatFail makes every heartbeat answer 500.
	heartbeatFail bool

	completeCh chan struct{}
}

func (f *fakeOrchestrator) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workers/register", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&f.registered)
		id := f.assignID
		if id == "" {
			id = f.registered.WorkerID
		}
		if id == "" {
			id = "w_1"
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(protocol.RegisterResponse{WorkerID: id, Token: "tok"})
	})
	mux.HandleFunc("/api/v1/workers/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		fail := f.heartbeatFail
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "db busy"})
			return
		}
		_ = json.NewEncoder(w).Encode(protocol.WorkerInfo{Status: "online"})
	})
	mux.HandleFunc("/api/v1/workers/claim", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.job != nil && !f.claimed {
			f.claimed = true
			_ = json.NewEncoder(w).Encode(f.job)
			return
		}
		_ = json.NewEncoder(w).Encode(nil)
	})
	mux.HandleFunc("/api/v1/workers/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/complete"):
			var req protocol.CompleteRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.mu.Lock()
			f.completed = append(f.completed, req)
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			if f.completeCh != nil {
				f.completeCh <- struct{}{}
			}
		case strings.HasSuffix(r.URL.Path, "/log"):
			var entry protocol.LogEntry
			_ = json.NewDecoder(r.Body).Decode(&entry)
			f.mu.Lock()
			f.logs = append(f.logs, entry)
			f.mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		case strings.HasSuffix(r.URL.Path, "/deregister"):
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "offline"})
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/api/v1/jobs/", func(w http.ResponseWriter, r *http.Request) {
		// Log upload sink.
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestWorker(t *testing.T, orchURL string) (*Worker, *fakeRunner) {
	t.Helper()
	runner := &fakeRunner{}
	w, err := New(Config{
		OrchestratorURL: orchURL,
		Hostname:        "test-host",
		Capacity:        1,
		DataDir:         t.TempDir(),
		Pool: PoolConfig{
			BaseImage: "test-image",
			Size:      1,
			BootWait:  time.Millisecond,
		},
		JobTimeout: time.Minute,
	}, &fakeHypervisor{}, runner, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return w, runner
}

func TestWorkerIDPersistence(t *testing.T) {
	orch := &fakeOrchestrator{}
	srv := httptest.NewServer(orch.handler())
	defer srv.Close()

	w, _ := newTestWorker(t, srv.URL)
	if err := w.saveWorkerID("w_old"); err != nil {
		t.Fatal(err)
	}

	got, err := w.loadWorkerID()
	if err != nil {
		t.Fatalf("loadWorkerID failed: %v", err)
	}
	if got != "w_old" {
		t.Errorf("loaded id = %q, want w_old", got)
	}

	data, _ := os.ReadFile(filepath.Join(w.cfg.DataDir, "worker_id"))
	if string(data) != "w_old\n" {
		t.Errorf("file contents = %q, want newline-terminated", data)
	}
}

// The server's register answer is authoritative even when it differs
// from the proposed id.
func TestWorkerRegisterAcceptsServerID(t *testing.T) {
	orch := &fakeOrchestrator{assignID: "w_new"}
	srv := httptest.NewServer(orch.handler())
	defer srv.Close()

	w, _ := newTestWorker(t, srv.URL)
	if err := w.saveWorkerID("w_proposed"); err != nil {
		t.Fatal(err)
	}

	if err := w.register(context.Background()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if w.WorkerID() != "w_new" {
		t.Errorf("worker id = %q, want w_new", w.WorkerID())
	}
	if orch.registered.WorkerID != "w_proposed" {
		t.Errorf("proposed id sent = %q", orch.registered.WorkerID)
	}

	persisted, _ := w.loadWorkerID()
	if persisted != "w_new" {
		t.Errorf("persisted id = %q, want the server's answer", persisted)
	}
}

// Full agent pass: register, warm pool, claim the one job, execute in
// the fake VM, report completion, shut down cleanly.
func TestWorkerRunsClaimedJob(t *testing.T) {
	orch := &fakeOrchestrator{
		job: &protocol.Job{
			ID:         "j_1",
			SourceType: "git",
			SourceURL:  "https://example.com/app.git",
			Command:    "xcodebuild test",
			Status:     "running",
		},
		completeCh: make(chan struct{}, 1),
	}
	srv := httptest.NewServer(orch.handler())
	defer srv.Close()

	w, runner := newTestWorker(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-orch.completeCh:
	case <-time.After(10 * time.Second):
		t.Fatal("job never completed")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.completed) != 1 {
		t.Fatalf("completed = %+v", orch.completed)
	}
	if orch.completed[0].JobID != "j_1" || orch.completed[0].ExitCode != 0 {
		t.Errorf("completion = %+v", orch.completed[0])
	}

	if !runner.ran("git clone --depth 1 https://example.com/app.git workspace") {
		t.Error("source was not fetched in the VM")
	}
	if !runner.ran("cd ~/workspace && xcodebuild test") {
		t.Error("work command was not run")
	}
}

// A failing heartbeat must not stall claiming; the worker logs it and
// still picks up the pending job.
func TestWorkerClaimsDespiteHeartbeatFailure(t *testing.T) {
	orch := &fakeOrchestrator{
		job: &protocol.Job{
			ID:         "j_1",
			SourceType: "git",
			SourceURL:  "https://example.com/app.git",
			Command:    "make",
		},
		heartbeatFail: true,
		completeCh:    make(chan struct{}, 1),
	}
	srv := httptest.NewServer(orch.handler())
	defer srv.Close()

	w, _ := newTestWorker(t, srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Well under errorPause: only a worker that falls through to Claim
	// after the failed heartbeat gets here in time.
	select {
	case <-orch.completeCh:
	case <-time.After(5 * time.Second):
		t.Fatal("job never completed while heartbeats were failing")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.completed) != 1 || orch.completed[0].JobID != "j_1" || orch.completed[0].ExitCode != 0 {
		t.Fatalf("completed = %+v", orch.completed)
	}
}

// An executor failure still reaches Complete with exit code -1 and a
// failure line for watchers.
func TestWorkerReportsExecutorFailure(t *testing.T) {
	orch := &fakeOrchestrator{
		job: &protocol.Job{
			ID:         "j_1",
			SourceType: "git",
			SourceURL:  "https://example.com/app.git",
			Command:    "make",
		},
		completeCh: make(chan struct{}, 1),
	}
	srv := httptest.NewServer(orch.handler())
	defer srv.Close()

	w, runner := newTestWorker(t, srv.URL)
	runner.handle = func(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
		if strings.HasPrefix(command, "git clone") {
			return 128, nil
		}
		return 0, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-orch.completeCh:
	case <-time.After(10 * time.Second):
		t.Fatal("job never completed")
	}
	cancel()
	<-done

	orch.mu.Lock()
	defer orch.mu.Unlock()
	if len(orch.completed) != 1 || orch.completed[0].ExitCode != -1 {
		t.Fatalf("completed = %+v", orch.completed)
	}

	found := false
	for _, e := range orch.logs {
		if e.Stream == "stderr" && strings.HasPrefix(e.Content, "Job execution failed on worker:") {
			found = true
		}
	}
	if !found {
		t.Errorf("no failure line pushed: %+v", orch.logs)
	}
}
