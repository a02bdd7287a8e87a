package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alloyhq/alloy/internal/protocol"
)

// Client talks to the orchestrator's worker API.
type Client struct {
	baseURL string
	secret  string
	http    *http.Client
}

// NewClient creates a client for the orchestrator at baseURL. secret
// is sent as X-Worker-Secret on every request when non-empty.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  secret,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// Register announces the worker, proposing the id it persisted from a
// previous run. The server's answer is authoritative.
func (c *Client) Register(ctx context.Context, proposedID, hostname string, capacity int) (*protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	err := c.postJSON(ctx, "/api/v1/workers/register", protocol.RegisterRequest{
		WorkerID: proposedID,
		Hostname: hostname,
		Capacity: capacity,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &resp, nil
}

func (c *Client) Heartbeat(ctx context.Context, workerID string, currentJobs, capacity int) error {
	err := c.postJSON(ctx, "/api/v1/workers/heartbeat", protocol.HeartbeatRequest{
		WorkerID:    workerID,
		CurrentJobs: currentJobs,
		Capacity:    capacity,
	}, nil)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Claim asks for the oldest pending job. Returns nil when the queue is
// empty.
func (c *Client) Claim(ctx context.Context, workerID string) (*protocol.Job, error) {
	var job *protocol.Job
	err := c.postJSON(ctx, "/api/v1/workers/claim", protocol.ClaimRequest{WorkerID: workerID}, &job)
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	return job, nil
}

func (c *Client) Complete(ctx context.Context, workerID string, result protocol.JobResult) error {
	err := c.postJSON(ctx, "/api/v1/workers/"+workerID+"/complete", protocol.CompleteRequest{
		JobID:        result.JobID,
		ExitCode:     result.ExitCode,
		Artifacts:    result.Artifacts,
		BuildMinutes: result.BuildMinutes,
	}, nil)
	if err != nil {
		return fmt.Errorf("complete %s: %w", result.JobID, err)
	}
	return nil
}

func (c *Client) Deregister(ctx context.Context, workerID string) error {
	if err := c.postJSON(ctx, "/api/v1/workers/"+workerID+"/deregister", struct{}{}, nil); err != nil {
		return fmt.Errorf("deregister: %w", err)
	}
	return nil
}

// PushLog streams one log line to watchers. Errors are the caller's to
// ignore; a dropped line never fails a job.
func (c *Client) PushLog(ctx context.Context, workerID string, entry protocol.LogEntry) error {
	return c.postJSON(ctx, "/api/v1/workers/"+workerID+"/log", entry, nil)
}

// UploadLogs stores the finished job log file on the orchestrator.
func (c *Client) UploadLogs(ctx context.Context, jobID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	return c.upload(ctx, http.MethodPut, "/api/v1/jobs/"+jobID+"/logs/upload", "text/plain", f)
}

// UploadArtifact stores one collected artifact's bytes and returns the
// public download URL the orchestrator recorded for it.
func (c *Client) UploadArtifact(ctx context.Context, jobID, filename string, body io.Reader) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/jobs/"+jobID+"/artifacts/"+filename, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	c.setSecret(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", apiErrorFrom(resp)
	}
	var out struct {
		DownloadURL string `json:"download_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode artifact response: %w", err)
	}
	return out.DownloadURL, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setSecret(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiErrorFrom(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) upload(ctx context.Context, method, path, contentType string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	c.setSecret(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiErrorFrom(resp)
	}
	return nil
}

func (c *Client) setSecret(req *http.Request) {
	if c.secret != "" {
		req.Header.Set("X-Worker-Secret", c.secret)
	}
}

func apiErrorFrom(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
