package server

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alloyhq/alloy/internal/crypto"
	"github.com/alloyhq/alloy/internal/objectstore"
	"github.com/alloyhq/alloy/internal/protocol"
	"github.com/alloyhq/alloy/internal/storage"
)

// Body limits: JSON endpoints stay small, the archive proxy takes up to
// 2 GiB.
const (
	maxJSONBody   = 64 * 1024
	maxUploadBody = 2 << 30
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// APIHandler handles the client-facing job API.
type APIHandler struct {
	storage storage.Storage
	store   objectstore.Store
	logs    *LogHub
	auth    *AuthHandler
	baseURL string
	secret  string // worker secret, shared with WorkerHandler
	log     *slog.Logger
}

// NewAPIHandler creates a new API handler. baseURL is the externally
// reachable orchestrator URL used to build upload URLs.
func NewAPIHandler(store storage.Storage, blobs objectstore.Store, logs *LogHub, auth *AuthHandler, baseURL, workerSecret string, log *slog.Logger) *APIHandler {
	if log == nil {
		log = slog.Default()
	}
	return &APIHandler{
		storage: store,
		store:   blobs,
		logs:    logs,
		auth:    auth,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  workerSecret,
		log:     log,
	}
}

// ServeHTTP routes job API requests (mounted under /api/v1/jobs).
func (h *APIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1")
	path = strings.TrimSuffix(path, "/")

	switch {
	case path == "/jobs" && r.Method == http.MethodPost:
		h.createJob(w, r)
	case path == "/jobs" && r.Method == http.MethodGet:
		h.listJobs(w, r)
	case path == "/jobs/upload" && r.Method == http.MethodPost:
		h.requestUpload(w, r)
	case strings.HasPrefix(path, "/jobs/"):
		h.routeJob(w, r, strings.TrimPrefix(path, "/jobs/"))
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "not found")
	}
}

func (h *APIHandler) routeJob(w http.ResponseWriter, r *http.Request, rest string) {
	jobID, action, _ := strings.Cut(rest, "/")
	if jobID == "" {
		writeError(w, http.StatusNotFound, CodeNotFound, "not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getJob(w, r, jobID)
	case action == "upload" && r.Method == http.MethodPut:
		h.uploadArchive(w, r, jobID)
	case action == "start" && r.Method == http.MethodPost:
		h.startJob(w, r, jobID)
	case action == "cancel" && r.Method == http.MethodPost:
		h.cancelJob(w, r, jobID)
	case action == "retry" && r.Method == http.MethodPost:
		h.retryJob(w, r, jobID)
	case action == "artifacts" && r.Method == http.MethodGet:
		h.listArtifacts(w, r, jobID)
	case strings.HasPrefix(action, "artifacts/") && r.Method == http.MethodPost:
		h.uploadArtifact(w, r, jobID, strings.TrimPrefix(action, "artifacts/"))
	case action == "logs" && r.Method == http.MethodGet:
		h.streamLogs(w, r, jobID)
	case action == "logs/stored" && r.Method == http.MethodGet:
		h.storedLogs(w, r, jobID)
	case action == "logs/upload" && r.Method == http.MethodPut:
		h.uploadLogs(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, CodeNotFound, "not found")
	}
}

func jobToWire(j *storage.Job) protocol.Job {
	return protocol.Job{
		ID:           j.ID,
		CustomerID:   j.CustomerID,
		SourceType:   j.SourceType,
		SourceURL:    j.SourceURL,
		Command:      j.Command,
		Script:       j.Script,
		Status:       string(j.Status),
		WorkerID:     j.WorkerID,
		CreatedAt:    j.CreatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		ExitCode:     j.ExitCode,
		BuildMinutes: j.BuildMinutes,
	}
}

func streamURL(jobID string) string {
	return "/api/v1/jobs/" + jobID + "/logs"
}

// validateWork enforces that exactly one of command and script is set.
func validateWork(command, script string) error {
	if command == "" && script == "" {
		return errors.New("either command or script is required")
	}
	if command != "" && script != "" {
		return errors.New("command and script are mutually exclusive")
	}
	return nil
}

func (h *APIHandler) createJob(w http.ResponseWriter, r *http.Request) {
	user, ok := h.auth.requireUser(w, r)
	if !ok {
		return
	}

	var req protocol.CreateJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	if req.SourceType != protocol.SourceGit {
		writeError(w, http.StatusBadRequest, CodeValidation, "source_type must be \"git\"")
		return
	}
	if req.SourceURL == "" {
		writeError(w, http.StatusBadRequest, CodeValidation, "source_url is required")
		return
	}
	if err := validateWork(req.Command, req.Script); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	id, err := crypto.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "internal error")
		return
	}
	job := &storage.Job{
		ID:         id,
		CustomerID: user.ID,
		SourceType: storage.SourceGit,
		SourceURL:  req.SourceURL,
		Command:    req.Command,
		Script:     req.Script,
		Status:     storage.JobPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.storage.CreateJob(r.Context(), job); err != nil {
		h.log.Error("failed to create job", "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	// Live stream exists from creation so early watchers can attach.
	h.logs.CreateStream(job.ID)

	h.log.Info("job created", "job_id", job.ID, "source_type", job.SourceType)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(protocol.CreateJobResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		StreamURL: streamURL(job.ID),
	})
}

func (h *APIHandler) requestUpload(w http.ResponseWriter, r *http.Request) {
	user, ok := h.auth.requireUser(w, r)
	if !ok {
		return
	}

	var req protocol.UploadURLRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid request body")
		return
	}
	if err := validateWork(req.Command, req.Script); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error())
		return
	}

	id, err := crypto.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "internal error")
		return
	}

	// The commit sha is the dedup key: same tree, same object.
	key := objectstore.SourceKey(req.CommitSHA, id)
	skipUpload := false
	if req.CommitSHA != "" {
		exists, err := h.store.Head(r.Context(), key)
		if err != nil {
			h.log.Error("failed to check for existing archive", "key", key, "error", err)
			writeError(w, http.StatusInternalServerError, CodeStorageError, "storage error")
			return
		}
		skipUpload = exists
	}

	downloadURL := h.store.PublicURL(key)
	uploadToken, err := generateSecret(16)
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeStorageError, "internal error")
		return
	}

	job := &storage.Job{
		ID:         id,
		CustomerID: user.ID,
		SourceType: storage.SourceUpload,
		SourceURL:  downloadURL,
		Command:    req.Command,
		Script:     req.Script,
		Status:     storage.JobPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.storage.CreateJob(r.Context(), job); err != nil {
		h.log.Error("failed to create job", "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}
	h.logs.CreateStream(job.ID)

	h.log.Info("upload slot created", "job_id", job.ID, "skip_upload", skipUpload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(protocol.UploadURLResponse{
		JobID:       job.ID,
		UploadURL:   h.baseURL + "/api/v1/jobs/" + job.ID + "/upload",
		DownloadURL: downloadURL,
		UploadToken: uploadToken,
		SkipUpload:  skipUpload,
	})
}

// uploadArchive proxies the client's zip archive to object storage at
// the job's dedup key.
func (h *APIHandler) uploadArchive(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, ok := h.auth.requireUser(w, r); !ok {
		return
	}

	job, err := h.storage.GetJob(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeJobNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	key, ok := sourceKeyFromURL(job.SourceURL)
	if !ok {
		writeError(w, http.StatusBadRequest, CodeNoSourceURL, "job has no upload source url")
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := h.store.Put(r.Context(), key, "application/zip", body); err != nil {
		h.log.Error("archive upload failed", "job_id", jobID, "key", key, "error", err)
		writeError(w, http.StatusBadGateway, CodeStorageUploadFailed, "failed to upload archive to storage")
		return
	}

	h.log.Info("archive uploaded", "job_id", jobID, "key", key)
	h.writeJSON(w, map[string]string{"status": "uploaded", "key": key})
}

// sourceKeyFromURL extracts the storage key from a public source URL.
func sourceKeyFromURL(sourceURL string) (string, bool) {
	idx := strings.Index(sourceURL, "/"+objectstore.SourcePrefix)
	if idx < 0 {
		return "", false
	}
	return sourceURL[idx+1:], true
}

// startJob is idempotent: a pending job stays pending (workers claim
// it), and a job a worker already claimed reports success too.
func (h *APIHandler) startJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, ok := h.auth.requireUser(w, r); !ok {
		return
	}

	job, err := h.storage.GetJob(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeJobNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	if job.Status.Terminal() {
		writeError(w, http.StatusBadRequest, CodeInvalidState, fmt.Sprintf("job is %s", job.Status))
		return
	}

	h.logs.CreateStream(job.ID)
	h.writeJSON(w, protocol.CreateJobResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		StreamURL: streamURL(job.ID),
	})
}

func (h *APIHandler) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, ok := h.auth.requireUser(w, r); !ok {
		return
	}

	job, err := h.storage.GetJob(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeJobNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}
	h.writeJSON(w, jobToWire(job))
}

func (h *APIHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	user, ok := h.auth.requireUser(w, r)
	if !ok {
		return
	}

	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, CodeValidation, "invalid limit")
			return
		}
		limit = min(n, maxListLimit)
	}

	filter := storage.JobFilter{
		CustomerID: user.ID,
		Status:     storage.JobStatus(r.URL.Query().Get("status")),
		Limit:      limit,
	}
	jobs, err := h.storage.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error("failed to list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	out := make([]protocol.Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobToWire(j))
	}
	h.writeJSON(w, out)
}

func (h *APIHandler) cancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, ok := h.auth.requireUser(w, r); !ok {
		return
	}

	job, err := h.storage.GetJob(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeJobNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}
	wasPending := job.Status == storage.JobPending

	err = h.storage.CancelJob(r.Context(), jobID, time.Now().UTC())
	if errors.Is(err, storage.ErrInvalidState) {
		writeError(w, http.StatusBadRequest, CodeInvalidState, fmt.Sprintf("cannot cancel a %s job", job.Status))
		return
	}
	if err != nil {
		h.log.Error("failed to cancel job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	// A pending job was never claimed, so no worker will ever complete
	// it; close its stream here. Running jobs get the terminal frame
	// from the worker's Complete call.
	if wasPending {
		h.logs.Complete(jobID, protocol.JobCompleteFrame{
			Status:   string(storage.JobCancelled),
			ExitCode: -1,
		})
	}

	h.log.Info("job cancelled", "job_id", jobID)
	h.writeJSON(w, map[string]string{"status": "cancelled"})
}

func (h *APIHandler) retryJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, ok := h.auth.requireUser(w, r); !ok {
		return
	}

	job, err := h.storage.GetJob(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeJobNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	if job.Status != storage.JobFailed && job.Status != storage.JobCancelled {
		writeError(w, http.StatusBadRequest, CodeInvalidState, "only failed or cancelled jobs can be retried")
		return
	}

	id, err := crypto.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "internal error")
		return
	}
	clone := &storage.Job{
		ID:         id,
		CustomerID: job.CustomerID,
		SourceType: job.SourceType,
		SourceURL:  job.SourceURL,
		Command:    job.Command,
		Script:     job.Script,
		Status:     storage.JobPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.storage.CreateJob(r.Context(), clone); err != nil {
		h.log.Error("failed to create retry job", "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}
	h.logs.CreateStream(clone.ID)

	h.log.Info("job retried", "original_job_id", jobID, "new_job_id", clone.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(protocol.RetryResponse{NewJobID: clone.ID, OriginalJobID: jobID})
}

func (h *APIHandler) listArtifacts(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, ok := h.auth.requireUser(w, r); !ok {
		return
	}

	if _, err := h.storage.GetJob(r.Context(), jobID); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeJobNotFound, "job not found")
		return
	}

	artifacts, err := h.storage.ListArtifacts(r.Context(), jobID)
	if err != nil {
		h.log.Error("failed to list artifacts", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	out := make([]protocol.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		out = append(out, protocol.Artifact{
			Name:        a.Name,
			Path:        a.Path,
			SizeBytes:   a.SizeBytes,
			DownloadURL: a.DownloadURL,
		})
	}
	h.writeJSON(w, out)
}

// uploadArtifact receives artifact bytes from a worker and proxies them
// to object storage.
func (h *APIHandler) uploadArtifact(w http.ResponseWriter, r *http.Request, jobID, filename string) {
	if !h.checkWorkerSecret(w, r) {
		return
	}
	if filename == "" || strings.Contains(filename, "/") {
		writeError(w, http.StatusBadRequest, CodeValidation, "invalid artifact filename")
		return
	}

	key := objectstore.ArtifactKey(jobID, filename)
	body := http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := h.store.Put(r.Context(), key, "application/octet-stream", body); err != nil {
		h.log.Error("artifact upload failed", "job_id", jobID, "key", key, "error", err)
		writeError(w, http.StatusBadGateway, CodeStorageUploadFailed, "failed to upload artifact to storage")
		return
	}

	downloadURL := h.store.PublicURL(key)
	if err := h.storage.SetArtifactDownloadURL(r.Context(), jobID, filename, downloadURL); err != nil {
		h.log.Warn("failed to record artifact url", "job_id", jobID, "name", filename, "error", err)
	}
	h.writeJSON(w, map[string]string{"download_url": downloadURL})
}

// storedLogs parses the uploaded log file ("[stdout] ..." / "[stderr] ..."
// lines) into structured entries.
func (h *APIHandler) storedLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	if _, ok := h.auth.requireUser(w, r); !ok {
		return
	}

	job, err := h.storage.GetJob(r.Context(), jobID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, CodeJobNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeDatabaseError, "database error")
		return
	}

	createdAt := time.Now().UTC()
	if job.CompletedAt != nil {
		createdAt = *job.CompletedAt
	}

	rc, err := h.store.Get(r.Context(), objectstore.LogKey(jobID))
	if errors.Is(err, objectstore.ErrNotFound) {
		h.writeJSON(w, []protocol.JobLog{})
		return
	}
	if err != nil {
		h.log.Error("failed to fetch stored logs", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeStorageError, "storage error")
		return
	}
	defer rc.Close()

	var out []protocol.JobLog
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		// The file carries "[stdout] line" / "[stderr] line"; callers
		// get just the line.
		if rest, ok := strings.CutPrefix(line, "[stdout] "); ok {
			line = rest
		} else if rest, ok := strings.CutPrefix(line, "[stderr] "); ok {
			line = rest
		}
		out = append(out, protocol.JobLog{
			ID:        int64(len(out) + 1),
			JobID:     jobID,
			Content:   line,
			CreatedAt: createdAt,
		})
	}
	if err := scanner.Err(); err != nil {
		h.log.Error("failed to read stored logs", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, CodeStorageError, "storage error")
		return
	}
	if out == nil {
		out = []protocol.JobLog{}
	}
	h.writeJSON(w, out)
}

// uploadLogs stores the worker's concatenated log file. Accepts the
// worker secret or a user token.
func (h *APIHandler) uploadLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	if h.secret != "" && r.Header.Get("X-Worker-Secret") != h.secret {
		if _, ok := h.auth.requireUser(w, r); !ok {
			return
		}
	}

	body := http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := h.store.Put(r.Context(), objectstore.LogKey(jobID), "text/plain", body); err != nil {
		h.log.Error("log upload failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusBadGateway, CodeStorageUploadFailed, "failed to upload logs to storage")
		return
	}
	h.writeJSON(w, map[string]string{"status": "uploaded"})
}

func (h *APIHandler) checkWorkerSecret(w http.ResponseWriter, r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	if r.Header.Get("X-Worker-Secret") != h.secret {
		writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid worker secret")
		return false
	}
	return true
}

// --- Helpers ---

func (h *APIHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}

func generateSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
