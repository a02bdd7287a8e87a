package e2e

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alloyhq/alloy/internal/cli"
	"github.com/alloyhq/alloy/internal/objectstore"
	"github.com/alloyhq/alloy/internal/protocol"
	"github.com/alloyhq/alloy/internal/server"
	"github.com/alloyhq/alloy/internal/storage"
	"github.com/alloyhq/alloy/internal/worker"
)

const workerSecret = "e2e-worker-secret"

// testStack is the orchestrator wired up behind an httptest server.
type testStack struct {
	srv   *httptest.Server
	store storage.Storage
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	log := slog.Default()

	// File-backed to survive concurrent access from worker goroutines.
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := objectstore.NewFilesystemStore(t.TempDir(), "http://store.test", log)
	if err != nil {
		t.Fatalf("NewFilesystemStore failed: %v", err)
	}

	auth := server.NewAuthHandler(server.AuthConfig{JWTSecret: "e2e-secret"}, store, log)
	hub := server.NewHub()
	logs := server.NewLogHub(log)
	api := server.NewAPIHandler(store, blobs, logs, auth, "http://orchestrator.test", workerSecret, log)
	workers := server.NewWorkerHandler(store, hub, logs, workerSecret, log)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/jobs", api)
	mux.Handle("/api/v1/jobs/", api)
	mux.Handle("/api/v1/workers/", workers)
	mux.Handle("/api/v1/auth/", auth)
	mux.Handle("/api/v1/api-keys", auth)
	mux.Handle("/api/v1/api-keys/", auth)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testStack{srv: srv, store: store}
}

func (s *testStack) login(t *testing.T, email string) *cli.Client {
	t.Helper()
	token, err := cli.NewClient(s.srv.URL, "").Register(context.Background(), email, "password123")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return cli.NewClient(s.srv.URL, token)
}

// startWorker runs a worker agent with fake VM plumbing against the
// stack. Returned stop cancels it and waits for a clean exit.
func (s *testStack) startWorker(t *testing.T, runner *fakeRunner) (stop func()) {
	t.Helper()
	w, err := worker.New(worker.Config{
		OrchestratorURL: s.srv.URL,
		WorkerSecret:    workerSecret,
		Hostname:        "e2e-mac",
		Capacity:        1,
		DataDir:         t.TempDir(),
		JobTimeout:      30 * time.Second,
		Pool: worker.PoolConfig{
			BaseImage: "test-image",
			Size:      1,
			BootWait:  time.Millisecond,
		},
	}, &fakeHypervisor{}, runner, slog.Default())
	if err != nil {
		t.Fatalf("worker.New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			t.Errorf("worker.Run: %v", err)
		}
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("worker did not shut down")
		}
	}
}

// fakeHypervisor hands out a static address per slot.
type fakeHypervisor struct {
	mu  sync.Mutex
	ips map[string]string
}

func (f *fakeHypervisor) Clone(ctx context.Context, baseImage, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ips == nil {
		f.ips = make(map[string]string)
	}
	f.ips[name] = fmt.Sprintf("10.0.0.%d", len(f.ips)+1)
	return nil
}

func (f *fakeHypervisor) Run(ctx context.Context, name string) error { return nil }

func (f *fakeHypervisor) IP(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ips[name], nil
}

func (f *fakeHypervisor) Stop(ctx context.Context, name string) error   { return nil }
func (f *fakeHypervisor) Delete(ctx context.Context, name string) error { return nil }

// fakeRunner scripts the guest side of a build.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string

	buildOutput string // written when the build command runs
	buildExit   int
	fetchExit   int
	artifact    string // absolute guest path listed for *.app, optional
}

func (f *fakeRunner) record(command string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
}

func (f *fakeRunner) ran(substr string) bool {
	for _, c := range f.seen() {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func (f *fakeRunner) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeRunner) Run(ctx context.Context, ip, command string, stdout, stderr io.Writer) (int, error) {
	f.record(command)
	switch {
	case strings.Contains(command, "git clone"), strings.Contains(command, "curl"):
		if f.fetchExit != 0 {
			fmt.Fprintln(stderr, "fetch failed")
			return f.fetchExit, nil
		}
		fmt.Fprintln(stdout, "Fetching source")
		return 0, nil
	case strings.HasPrefix(command, "ls -la"):
		if f.artifact != "" && strings.Contains(command, "*.app") {
			fmt.Fprintf(stdout, "drwxr-xr-x 3 admin staff 2048 Aug 24 10:00 %s\n", f.artifact)
		}
		return 0, nil
	default:
		return 0, nil
	}
}

func (f *fakeRunner) RunPTY(ctx context.Context, ip, command string, stdout, stderr io.Writer) (int, error) {
	f.record(command)
	if strings.Contains(command, "build_script.sh") || strings.Contains(command, "cd ~/workspace") {
		fmt.Fprintln(stdout, f.buildOutput)
		return f.buildExit, nil
	}
	return 0, nil
}

func (f *fakeRunner) Copy(ctx context.Context, localPath, ip, remotePath string) error {
	return nil
}

func TestGitJobPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	stack := newTestStack(t)
	client := stack.login(t, "dev@example.com")

	runner := &fakeRunner{
		buildOutput: "Hello from alloy",
		artifact:    "/Users/admin/build/Demo.app",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.CreateJob(ctx, protocol.CreateJobRequest{
		SourceType: protocol.SourceGit,
		SourceURL:  "https://github.com/example/app.git",
		Command:    "xcodebuild test",
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// Attach the log stream before the worker can pick the job up, so
	// no frames are missed.
	type followResult struct {
		status   string
		exitCode int
		err      error
		output   string
	}
	followCh := make(chan followResult, 1)
	go func() {
		var buf bytes.Buffer
		status, exitCode, err := cli.FollowLogs(ctx, client.ServerURL, client.Token, resp.JobID, &buf)
		followCh <- followResult{status, exitCode, err, buf.String()}
	}()
	time.Sleep(100 * time.Millisecond)

	stop := stack.startWorker(t, runner)
	defer stop()

	var fr followResult
	select {
	case fr = <-followCh:
	case <-ctx.Done():
		t.Fatal("timed out waiting for job to finish")
	}
	if fr.err != nil {
		t.Fatalf("FollowLogs failed: %v", fr.err)
	}
	if fr.status != "completed" || fr.exitCode != 0 {
		t.Fatalf("job finished %s (exit %d), want completed (exit 0)", fr.status, fr.exitCode)
	}
	if !strings.Contains(fr.output, "Hello from alloy") {
		t.Errorf("streamed output missing build line:\n%s", fr.output)
	}

	if !runner.ran("git clone --depth 1 https://github.com/example/app.git workspace") {
		t.Errorf("clone never ran, commands: %v", runner.seen())
	}
	if !runner.ran("xcodebuild test") {
		t.Errorf("build command never ran, commands: %v", runner.seen())
	}

	job, err := client.GetJob(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != "completed" {
		t.Errorf("job status = %q, want completed", job.Status)
	}
	if job.ExitCode == nil || *job.ExitCode != 0 {
		t.Errorf("job exit code = %v, want 0", job.ExitCode)
	}
	if job.WorkerID == "" {
		t.Error("job has no worker id")
	}

	artifacts, err := client.ListArtifacts(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].Name != "Demo.app" {
		t.Errorf("artifacts = %+v, want one Demo.app", artifacts)
	}

	logs, err := client.StoredLogs(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("StoredLogs failed: %v", err)
	}
	found := false
	for _, l := range logs {
		if strings.Contains(l.Content, "Hello from alloy") {
			found = true
		}
	}
	if !found {
		t.Errorf("stored logs missing build line: %+v", logs)
	}
}

func TestUploadJobPipeline(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	stack := newTestStack(t)
	client := stack.login(t, "uploader@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const sha = "e2e0000000000000000000000000000000000000"
	slot, err := client.RequestUpload(ctx, protocol.UploadURLRequest{
		Command:   "swift test",
		CommitSHA: sha,
	})
	if err != nil {
		t.Fatalf("RequestUpload failed: %v", err)
	}
	if slot.SkipUpload {
		t.Fatal("first upload unexpectedly deduplicated")
	}

	if err := client.UploadArchive(ctx, slot.JobID, zipArchive(t, "Package.swift", "// swift-tools-version:5.9")); err != nil {
		t.Fatalf("UploadArchive failed: %v", err)
	}
	if _, err := client.StartJob(ctx, slot.JobID); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	runner := &fakeRunner{buildOutput: "Test Suite passed", buildExit: 0}
	stop := stack.startWorker(t, runner)
	defer stop()

	job := waitForTerminal(t, ctx, client, slot.JobID)
	if job.Status != "completed" {
		t.Fatalf("job status = %q, want completed", job.Status)
	}
	if !runner.ran("curl") || !runner.ran("unzip") {
		t.Errorf("upload fetch never ran, commands: %v", runner.seen())
	}

	// Same clean sha again: the server reuses the stored archive.
	again, err := client.RequestUpload(ctx, protocol.UploadURLRequest{
		Command:   "swift test",
		CommitSHA: sha,
	})
	if err != nil {
		t.Fatalf("second RequestUpload failed: %v", err)
	}
	if !again.SkipUpload {
		t.Error("second upload with same sha not deduplicated")
	}
	if again.JobID == slot.JobID {
		t.Error("dedup reused the old job id")
	}
}

func TestFailedBuildReportsExitCode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test in short mode")
	}

	stack := newTestStack(t)
	client := stack.login(t, "breaker@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := client.CreateJob(ctx, protocol.CreateJobRequest{
		SourceType: protocol.SourceGit,
		SourceURL:  "https://github.com/example/broken.git",
		Command:    "xcodebuild test",
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	runner := &fakeRunner{buildOutput: "error: tests failed", buildExit: 65}
	stop := stack.startWorker(t, runner)
	defer stop()

	job := waitForTerminal(t, ctx, client, resp.JobID)
	if job.Status != "failed" {
		t.Errorf("job status = %q, want failed", job.Status)
	}
	if job.ExitCode == nil || *job.ExitCode != 65 {
		t.Errorf("job exit code = %v, want 65", job.ExitCode)
	}

	// A failed job can be retried; the clone goes back to pending and
	// the same worker picks it up.
	retry, err := client.RetryJob(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("RetryJob failed: %v", err)
	}
	if retry.NewJobID == resp.JobID {
		t.Fatal("retry reused the original job id")
	}
	reran := waitForTerminal(t, ctx, client, retry.NewJobID)
	if reran.Status != "failed" {
		t.Errorf("retried job status = %q, want failed", reran.Status)
	}
}

func TestCancelPendingJob(t *testing.T) {
	stack := newTestStack(t)
	client := stack.login(t, "canceller@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.CreateJob(ctx, protocol.CreateJobRequest{
		SourceType: protocol.SourceGit,
		SourceURL:  "https://github.com/example/app.git",
		Command:    "xcodebuild test",
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if err := client.CancelJob(ctx, resp.JobID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	job, err := client.GetJob(ctx, resp.JobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Status != "cancelled" {
		t.Errorf("job status = %q, want cancelled", job.Status)
	}
}

func waitForTerminal(t *testing.T, ctx context.Context, client *cli.Client, jobID string) *protocol.Job {
	t.Helper()
	for {
		job, err := client.GetJob(ctx, jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		switch job.Status {
		case "completed", "failed", "cancelled":
			return job
		}
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for job %s, status %s", jobID, job.Status)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func zipArchive(t *testing.T, name, content string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create(name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}
