package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alloyhq/alloy/internal/protocol"
)

const (
	// idlePause between claim attempts when the queue is empty.
	idlePause = 5 * time.Second

	// errorPause after a failed orchestrator call.
	errorPause = 10 * time.Second
)

// Config holds worker agent configuration.
type Config struct {
	OrchestratorURL string
	WorkerSecret    string
	Hostname        string
	Capacity        int
	DataDir         string
	Pool            PoolConfig
	JobTimeout      time.Duration
}

// Worker claims jobs from the orchestrator and runs them in pooled VMs.
type Worker struct {
	cfg      Config
	client   *Client
	pool     *Pool
	executor *Executor
	log      *slog.Logger

	workerID    string
	currentJobs atomic.Int32
}

// New creates a worker agent. hv and runner default to the real tart
// and ssh implementations.
func New(cfg Config, hv Hypervisor, runner Runner, log *slog.Logger) (*Worker, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	if hv == nil {
		hv = &Tart{}
	}
	if runner == nil {
		runner = &Shell{}
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	client := NewClient(cfg.OrchestratorURL, cfg.WorkerSecret)
	pool := NewPool(hv, runner, cfg.Pool, log)

	w := &Worker{
		cfg:    cfg,
		client: client,
		pool:   pool,
		log:    log,
	}
	w.executor = &Executor{
		Runner:         runner,
		Timeout:        cfg.JobTimeout,
		LogDir:         cfg.DataDir,
		UploadLogs:     client.UploadLogs,
		UploadArtifact: client.UploadArtifact,
		Log:            log,
	}
	return w, nil
}

// Run registers, warms the VM pool, and processes jobs until ctx is
// cancelled. Cancellation lets the in-flight job finish, deregisters,
// and tears the pool down.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}

	w.log.Info("warming vm pool", "size", w.pool.Size(), "image", w.cfg.Pool.BaseImage)
	if err := w.pool.Start(ctx); err != nil {
		return fmt.Errorf("start vm pool: %w", err)
	}

	w.log.Info("worker ready", "worker_id", w.workerID, "capacity", w.cfg.Capacity)
	w.loop(ctx)

	// Teardown runs on a fresh context; ctx is already cancelled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := w.client.Deregister(shutdownCtx, w.workerID); err != nil {
		w.log.Warn("deregister failed", "error", err)
	}
	w.pool.Shutdown(shutdownCtx)
	w.log.Info("worker stopped", "worker_id", w.workerID)
	return nil
}

func (w *Worker) register(ctx context.Context) error {
	proposedID, err := w.loadWorkerID()
	if err != nil {
		w.log.Warn("could not read persisted worker id", "error", err)
	}

	resp, err := w.client.Register(ctx, proposedID, w.cfg.Hostname, w.cfg.Capacity)
	if err != nil {
		return fmt.Errorf("register with orchestrator: %w", err)
	}

	// The server may assign a different id than we proposed.
	w.workerID = resp.WorkerID
	if resp.WorkerID != proposedID {
		if err := w.saveWorkerID(resp.WorkerID); err != nil {
			w.log.Warn("could not persist worker id", "error", err)
		}
	}
	w.log.Info("registered", "worker_id", w.workerID, "hostname", w.cfg.Hostname)
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// A missed heartbeat is not a reason to stop claiming; the
		// orchestrator tolerates gaps up to the job timeout.
		if err := w.client.Heartbeat(ctx, w.workerID, int(w.currentJobs.Load()), w.cfg.Capacity); err != nil {
			w.log.Warn("heartbeat failed", "error", err)
		}

		job, err := w.client.Claim(ctx, w.workerID)
		if err != nil {
			w.log.Warn("claim failed", "error", err)
			w.pause(ctx, errorPause)
			continue
		}
		if job == nil {
			w.pause(ctx, idlePause)
			continue
		}

		w.runJob(ctx, job)
	}
}

// runJob executes one claimed job end to end. Every claimed job
// reaches Complete, even when execution fails.
func (w *Worker) runJob(ctx context.Context, job *protocol.Job) {
	w.log.Info("job claimed", "job_id", job.ID, "source_type", job.SourceType)
	w.currentJobs.Add(1)
	defer w.currentJobs.Add(-1)

	vm := w.acquireVM(ctx)
	if vm == nil {
		// Shutting down before a slot freed up; the job times back
		// out on the orchestrator side via retry.
		w.reportFailure(ctx, job, "no VM available")
		return
	}
	// Shutdown lets the in-flight job finish; the executor timeout
	// still bounds it.
	execCtx := context.WithoutCancel(ctx)
	defer w.pool.Release(execCtx, vm)

	start := time.Now()
	w.executor.Push = func(entry protocol.LogEntry) {
		if err := w.client.PushLog(execCtx, w.workerID, entry); err != nil {
			w.log.Debug("log push failed", "job_id", entry.JobID, "error", err)
		}
	}

	result, err := w.executor.Execute(execCtx, job, vm)
	if err != nil {
		msg := fmt.Sprintf("Job execution failed on worker: %v", err)
		w.log.Error("job execution failed", "job_id", job.ID, "error", err)
		_ = w.client.PushLog(execCtx, w.workerID, protocol.LogEntry{
			JobID:     job.ID,
			Timestamp: time.Now().UTC(),
			Stream:    protocol.StreamStderr,
			Content:   msg,
		})
		result = protocol.JobResult{
			JobID:        job.ID,
			ExitCode:     -1,
			BuildMinutes: time.Since(start).Minutes(),
		}
	}

	if err := w.completeWithRetry(ctx, result); err != nil {
		w.log.Error("failed to report completion", "job_id", job.ID, "error", err)
		return
	}
	w.log.Info("job finished", "job_id", job.ID, "exit_code", result.ExitCode,
		"build_minutes", fmt.Sprintf("%.2f", result.BuildMinutes), "artifacts", len(result.Artifacts))
}

// reportFailure pushes a stderr line and completes with exit code -1.
func (w *Worker) reportFailure(ctx context.Context, job *protocol.Job, msg string) {
	_ = w.client.PushLog(ctx, w.workerID, protocol.LogEntry{
		JobID:     job.ID,
		Timestamp: time.Now().UTC(),
		Stream:    protocol.StreamStderr,
		Content:   "Job execution failed on worker: " + msg,
	})
	_ = w.completeWithRetry(ctx, protocol.JobResult{JobID: job.ID, ExitCode: -1})
}

// acquireVM waits for a free slot, or returns nil on shutdown.
func (w *Worker) acquireVM(ctx context.Context) *VM {
	for {
		if vm, ok := w.pool.Acquire(ctx); ok {
			return vm
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(idlePause):
		}
	}
}

// completeWithRetry reports the result, surviving transient
// orchestrator hiccups. Uses a detached context so a shutdown still
// gets the completion out.
func (w *Worker) completeWithRetry(ctx context.Context, result protocol.JobResult) error {
	reportCtx := context.WithoutCancel(ctx)
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = w.client.Complete(reportCtx, w.workerID, result); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}
	return err
}

func (w *Worker) pause(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// WorkerID returns the orchestrator-assigned id, set after register.
func (w *Worker) WorkerID() string {
	return w.workerID
}

func (w *Worker) idPath() string {
	return filepath.Join(w.cfg.DataDir, "worker_id")
}

// loadWorkerID reads the id persisted by a previous run.
func (w *Worker) loadWorkerID() (string, error) {
	data, err := os.ReadFile(w.idPath())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (w *Worker) saveWorkerID(id string) error {
	return os.WriteFile(w.idPath(), []byte(id+"\n"), 0644)
}
