package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alloyhq/alloy/internal/protocol"
)

// Client talks to the orchestrator's user-facing API.
type Client struct {
	ServerURL string
	Token     string

	http *http.Client
}

// NewClient creates an API client authenticated with token.
func NewClient(serverURL, token string) *Client {
	return &Client{
		ServerURL: serverURL,
		Token:     token,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Login exchanges credentials for a JWT.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var resp struct {
		UserID string `json:"user_id"`
		Email  string `json:"email"`
		Token  string `json:"token"`
	}
	err := c.doJSON(ctx, "POST", "/api/v1/auth/login",
		map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

// Register creates an account and returns its JWT.
func (c *Client) Register(ctx context.Context, email, password string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.doJSON(ctx, "POST", "/api/v1/auth/register",
		map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (c *Client) CreateJob(ctx context.Context, req protocol.CreateJobRequest) (*protocol.CreateJobResponse, error) {
	var resp protocol.CreateJobResponse
	if err := c.doJSON(ctx, "POST", "/api/v1/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RequestUpload asks for an upload slot for an archive-sourced job.
func (c *Client) RequestUpload(ctx context.Context, req protocol.UploadURLRequest) (*protocol.UploadURLResponse, error) {
	var resp protocol.UploadURLResponse
	if err := c.doJSON(ctx, "POST", "/api/v1/jobs/upload", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadArchive PUTs the zipped source tree through the orchestrator.
func (c *Client) UploadArchive(ctx context.Context, jobID string, body io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, "PUT", c.ServerURL+"/api/v1/jobs/"+jobID+"/upload", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/zip")
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return apiErr(resp)
	}
	return nil
}

func (c *Client) StartJob(ctx context.Context, jobID string) (*protocol.CreateJobResponse, error) {
	var resp protocol.CreateJobResponse
	if err := c.doJSON(ctx, "POST", "/api/v1/jobs/"+jobID+"/start", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*protocol.Job, error) {
	var job protocol.Job
	if err := c.doJSON(ctx, "GET", "/api/v1/jobs/"+jobID, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ListJobs(ctx context.Context, status string, limit int) ([]protocol.Job, error) {
	path := fmt.Sprintf("/api/v1/jobs?limit=%d", limit)
	if status != "" {
		path += "&status=" + status
	}
	var jobs []protocol.Job
	if err := c.doJSON(ctx, "GET", path, nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, "POST", "/api/v1/jobs/"+jobID+"/cancel", nil, nil)
}

func (c *Client) RetryJob(ctx context.Context, jobID string) (*protocol.RetryResponse, error) {
	var resp protocol.RetryResponse
	if err := c.doJSON(ctx, "POST", "/api/v1/jobs/"+jobID+"/retry", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListArtifacts(ctx context.Context, jobID string) ([]protocol.Artifact, error) {
	var artifacts []protocol.Artifact
	if err := c.doJSON(ctx, "GET", "/api/v1/jobs/"+jobID+"/artifacts", nil, &artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// StoredLogs fetches the parsed log lines of a finished job.
func (c *Client) StoredLogs(ctx context.Context, jobID string) ([]protocol.JobLog, error) {
	var logs []protocol.JobLog
	if err := c.doJSON(ctx, "GET", "/api/v1/jobs/"+jobID+"/logs/stored", nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// APIKey is a key record from the key management API. Key carries the
// raw material only in the creation response.
type APIKey struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Key        string     `json:"key,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func (c *Client) CreateAPIKey(ctx context.Context, name string) (*APIKey, error) {
	var key APIKey
	if err := c.doJSON(ctx, "POST", "/api/v1/api-keys", map[string]string{"name": name}, &key); err != nil {
		return nil, err
	}
	return &key, nil
}

func (c *Client) ListAPIKeys(ctx context.Context) ([]APIKey, error) {
	var keys []APIKey
	if err := c.doJSON(ctx, "GET", "/api/v1/api-keys", nil, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *Client) DeleteAPIKey(ctx context.Context, id string) error {
	return c.doJSON(ctx, "DELETE", "/api/v1/api-keys/"+id, nil, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.ServerURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiErr(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func apiErr(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
