package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alloyhq/alloy/internal/crypto"
	"github.com/alloyhq/alloy/internal/protocol"
	"github.com/alloyhq/alloy/internal/storage"
)

// WorkerHandler handles the worker-facing API: register, heartbeat,
// claim, complete, deregister, and live log push.
type WorkerHandler struct {
	storage storage.Storage
	hub     *Hub
	logs    *LogHub
	secret  string
	log     *slog.Logger
}

// NewWorkerHandler creates a new worker handler. When secret is
// non-empty, every route requires the X-Worker-Secret header.
func NewWorkerHandler(store storage.Storage, hub *Hub, logs *LogHub, secret string, log *slog.Logger) *WorkerHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WorkerHandler{
		storage: store,
		hub:     hub,
		logs:    logs,
		secret:  secret,
		log:     log,
	}
}

// ServeHTTP routes worker requests (mounted under /api/v1/workers).
func (h *WorkerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.secret != "" && r.Header.Get("X-Worker-Secret") != h.secret {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid worker secret")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/workers")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "/register" && r.Method == http.MethodPost:
		h.register(w, r)
	case path == "/heartbeat" && r.Method == http.MethodPost:
		h.heartbeat(w, r)
	case path == "/claim" && r.Method == http.MethodPost:
		h.claim(w, r)
	case strings.HasPrefix(path, "/") && r.Method == http.MethodPost:
		workerID, action, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
		switch action {
		case "complete":
			h.complete(w, r, workerID)
		case "deregister":
			h.deregister(w, r, workerID)
		case "log":
			h.pushLog(w, r, workerID)
		default:
			writeError(w, http.StatusNotFound, CodeNotFound, "not found")
		}
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "not found")
	}
}

// register creates or re-adopts a worker. A worker may propose the id
// it persisted from a previous run; the server's answer is
// authoritative either way.
func (h *WorkerHandler) register(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	if req.Hostname == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "hostname is required")
		return
	}
	if req.Capacity < 1 {
		req.Capacity = 1
	}

	workerID := req.WorkerID
	if workerID == "" {
		id, err := crypto.NewID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, CodeDatabaseError, "internal error")
			return
		}
		workerID = id
	}

	worker := &storage.Worker{
		ID:            workerID,
		Hostname:      req.Hostname,
		Capacity:      req.Capacity,
		CurrentJobs:   0,
		LastHeartbeat: time.Now().UTC(),
		Status:        storage.WorkerOnline,
	}
	if err := h.storage.UpsertWorker(r.Context(), worker); err != nil {
		h.log.Error("failed to register worker", "worker_id", workerID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}
	h.hub.Register(worker)

	token, err := generateSecret(32)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "internal error")
		return
	}

	h.log.Info("worker registered", "worker_id", workerID, "hostname", req.Hostname, "capacity", req.Capacity)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(protocol.RegisterResponse{WorkerID: workerID, Token: token})
}

func (h *WorkerHandler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}

	status := storage.WorkerOnline
	if req.CurrentJobs >= req.Capacity {
		status = storage.WorkerBusy
	}
	now := time.Now().UTC()

	if !h.hub.Heartbeat(req.WorkerID, req.CurrentJobs, req.Capacity, status, now) {
		// Not in memory (orchestrator restarted?) - fall back to the DB.
		worker, err := h.storage.GetWorker(r.Context(), req.WorkerID)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, CodeWorkerNotFound, "worker not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
			return
		}
		h.hub.Register(worker)
		h.hub.Heartbeat(req.WorkerID, req.CurrentJobs, req.Capacity, status, now)
	}

	if err := h.storage.UpdateWorkerHeartbeat(r.Context(), req.WorkerID, req.CurrentJobs, req.Capacity, status, now); err != nil {
		h.log.Error("failed to persist heartbeat", "worker_id", req.WorkerID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	info := protocol.WorkerInfo{
		ID:            req.WorkerID,
		Capacity:      req.Capacity,
		CurrentJobs:   req.CurrentJobs,
		LastHeartbeat: now,
		Status:        string(status),
	}
	if rec, ok := h.hub.Get(req.WorkerID); ok {
		info.Hostname = rec.Hostname
	}
	h.writeJSON(w, info)
}

// claim hands the oldest pending job to the worker, or null.
func (h *WorkerHandler) claim(w http.ResponseWriter, r *http.Request) {
	var req protocol.ClaimRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	if req.WorkerID == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "worker_id is required")
		return
	}

	job, err := h.storage.ClaimJob(r.Context(), req.WorkerID, time.Now().UTC())
	if err != nil {
		h.log.Error("failed to claim job", "worker_id", req.WorkerID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}
	if job == nil {
		h.writeJSON(w, nil)
		return
	}

	h.log.Info("job claimed", "job_id", job.ID, "worker_id", req.WorkerID)
	wire := jobToWire(job)
	h.writeJSON(w, &wire)
}

// complete records a job result. If the job was cancelled mid-run the
// terminal status wins but the completion is still accepted.
func (h *WorkerHandler) complete(w http.ResponseWriter, r *http.Request, workerID string) {
	var req protocol.CompleteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}

	job, err := h.storage.CompleteJob(r.Context(), req.JobID, req.ExitCode, req.BuildMinutes, time.Now().UTC())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeJobNotFound, "job not found")
		return
	}
	if err != nil {
		h.log.Error("failed to complete job", "job_id", req.JobID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	if len(req.Artifacts) > 0 {
		artifacts := make([]storage.Artifact, 0, len(req.Artifacts))
		for _, a := range req.Artifacts {
			artifacts = append(artifacts, storage.Artifact{
				Name:        a.Name,
				Path:        a.Path,
				SizeBytes:   a.SizeBytes,
				DownloadURL: a.DownloadURL,
			})
		}
		if err := h.storage.AddArtifacts(r.Context(), req.JobID, artifacts); err != nil {
			h.log.Error("failed to store artifacts", "job_id", req.JobID, "error", err)
		}
	}

	h.logs.Complete(req.JobID, protocol.JobCompleteFrame{
		Status:         string(job.Status),
		ExitCode:       req.ExitCode,
		BuildMinutes:   req.BuildMinutes,
		ArtifactsCount: len(req.Artifacts),
	})

	h.log.Info("job completed", "job_id", req.JobID, "worker_id", workerID,
		"status", job.Status, "exit_code", req.ExitCode, "build_minutes", req.BuildMinutes)
	h.writeJSON(w, jobToWire(job))
}

func (h *WorkerHandler) deregister(w http.ResponseWriter, r *http.Request, workerID string) {
	h.hub.SetStatus(workerID, storage.WorkerOffline)
	err := h.storage.SetWorkerStatus(r.Context(), workerID, storage.WorkerOffline)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeWorkerNotFound, "worker not found")
		return
	}
	if err != nil {
		h.log.Error("failed to deregister worker", "worker_id", workerID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	h.log.Info("worker deregistered", "worker_id", workerID)
	h.writeJSON(w, map[string]string{"status": "offline"})
}

// pushLog fans a log entry out to watchers. Always 200: with no stream
// the entry is silently dropped.
func (h *WorkerHandler) pushLog(w http.ResponseWriter, r *http.Request, workerID string) {
	var entry protocol.LogEntry
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&entry); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	h.logs.Push(entry)
	h.writeJSON(w, map[string]string{"status": "ok"})
}

func (h *WorkerHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}
