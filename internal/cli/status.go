package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/alloyhq/alloy/internal/protocol"
)

// PrintJobs renders a job table.
func PrintJobs(ctx context.Context, client *Client, status string, limit int, out io.Writer) error {
	jobs, err := client.ListJobs(ctx, status, limit)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "  \tJOB\tSTATUS\tWORK\tDURATION\tCREATED")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			StatusSymbol(job.Status),
			job.ID,
			job.Status,
			truncate(jobWork(&job), 40),
			jobDuration(&job),
			RelativeTime(job.CreatedAt),
		)
	}
	return w.Flush()
}

// PrintJob renders one job in detail.
func PrintJob(ctx context.Context, client *Client, jobID string, out io.Writer) error {
	job, err := client.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Job:      %s\n", job.ID)
	fmt.Fprintf(out, "Status:   %s %s\n", StatusSymbol(job.Status), job.Status)
	fmt.Fprintf(out, "Source:   %s (%s)\n", job.SourceURL, job.SourceType)
	fmt.Fprintf(out, "Work:     %s\n", jobWork(job))
	fmt.Fprintf(out, "Created:  %s\n", RelativeTime(job.CreatedAt))
	if job.WorkerID != "" {
		fmt.Fprintf(out, "Worker:   %s\n", job.WorkerID)
	}
	if d := jobDuration(job); d != "-" {
		fmt.Fprintf(out, "Duration: %s\n", d)
	}
	if job.ExitCode != nil {
		fmt.Fprintf(out, "Exit:     %d\n", *job.ExitCode)
	}
	if job.BuildMinutes != nil {
		fmt.Fprintf(out, "Minutes:  %.2f\n", *job.BuildMinutes)
	}
	return nil
}

func jobWork(job *protocol.Job) string {
	if job.Command != "" {
		return job.Command
	}
	if job.Script != "" {
		return "(script)"
	}
	return "-"
}

func jobDuration(job *protocol.Job) string {
	if job.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	return FormatDuration(end.Sub(*job.StartedAt))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// FormatDuration formats a duration nicely.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}

// RelativeTime formats a time as relative to now.
func RelativeTime(t time.Time) string {
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		m := int(d.Minutes())
		if m == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", m)
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		if h == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", h)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}

// StatusSymbol returns a terminal-friendly status symbol.
func StatusSymbol(status string) string {
	switch status {
	case protocol.StatusCompleted:
		return "\033[32m✓\033[0m" // green check
	case protocol.StatusFailed:
		return "\033[31m✗\033[0m" // red X
	case protocol.StatusRunning:
		return "\033[33m●\033[0m" // yellow dot
	case protocol.StatusPending:
		return "\033[90m○\033[0m" // gray circle
	case protocol.StatusCancelled:
		return "\033[90m⊘\033[0m" // gray cancel
	default:
		return "?"
	}
}
