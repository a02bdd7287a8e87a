package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// logFrame is the union of frames on the live stream: log entries,
// the terminal job_complete frame, and error frames.
type logFrame struct {
	// Log entry fields.
	JobID   string `json:"job_id"`
	Stream  string `json:"stream"`
	Content string `json:"content"`

	// Terminal frame fields.
	Type     string `json:"type"`
	Status   string `json:"status"`
	ExitCode int    `json:"exit_code"`

	// Error frame.
	Error string `json:"error"`
}

// FollowLogs attaches to a job's live stream and prints lines until
// the terminal frame arrives. Returns the final status and exit code.
func FollowLogs(ctx context.Context, serverURL, token, jobID string, out io.Writer) (string, int, error) {
	wsURL := strings.Replace(serverURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = fmt.Sprintf("%s/api/v1/jobs/%s/logs", wsURL, jobID)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	conn, _, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		return "", -1, fmt.Errorf("connect to log stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return "", -1, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				// Stream ended without a terminal frame (late join on
				// a finished job).
				return "", -1, nil
			}
			return "", -1, fmt.Errorf("read log stream: %w", err)
		}

		var frame logFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			continue
		}

		switch {
		case frame.Error != "":
			return "", -1, fmt.Errorf("%s", frame.Error)
		case frame.Type == "job_complete":
			return frame.Status, frame.ExitCode, nil
		default:
			fmt.Fprintln(out, frame.Content)
		}
	}
}

// PrintStoredLogs fetches and prints the stored log of a finished job.
func PrintStoredLogs(ctx context.Context, client *Client, jobID string, out io.Writer) error {
	logs, err := client.StoredLogs(ctx, jobID)
	if err != nil {
		return err
	}
	for _, entry := range logs {
		fmt.Fprintln(out, entry.Content)
	}
	return nil
}
