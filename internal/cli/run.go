package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/alloyhq/alloy/internal/config"
	"github.com/alloyhq/alloy/internal/protocol"
)

// RunOptions configures the run command.
type RunOptions struct {
	Command string
	Script  string
	GitURL  string // submit the repo by URL instead of uploading
	WorkDir string
	Detach  bool // don't follow logs
}

// Run submits a job and, unless detached, follows its logs until the
// terminal frame. Returns the job's exit code.
func Run(ctx context.Context, client *Client, opts RunOptions, out io.Writer) (int, error) {
	workDir := opts.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return 1, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	command, script := opts.Command, opts.Script
	if command == "" && script == "" {
		jf, filename, err := config.LoadJobFile(workDir)
		if err != nil {
			if errors.Is(err, config.ErrNoJobFile) {
				return 1, errors.New("no command provided and no alloy job file found\nusage: alloy run \"xcodebuild test\"\n   or: create alloy.yaml with 'command: xcodebuild test'")
			}
			return 1, err
		}
		fmt.Fprintf(out, "Loaded %s\n", filename)
		command, script = jf.Command, jf.Script
	}

	var jobID string
	if opts.GitURL != "" {
		resp, err := client.CreateJob(ctx, protocol.CreateJobRequest{
			SourceType: protocol.SourceGit,
			SourceURL:  opts.GitURL,
			Command:    command,
			Script:     script,
		})
		if err != nil {
			return 1, err
		}
		jobID = resp.JobID
	} else {
		var err error
		jobID, err = submitUpload(ctx, client, workDir, command, script, out)
		if err != nil {
			return 1, err
		}
	}

	fmt.Fprintf(out, "Job %s submitted\n", jobID)
	if opts.Detach {
		return 0, nil
	}

	status, exitCode, err := FollowLogs(ctx, client.ServerURL, client.Token, jobID, out)
	if err != nil {
		return 1, err
	}
	fmt.Fprintf(out, "\nJob %s: %s (exit code %d)\n", jobID, status, exitCode)
	return exitCode, nil
}

// submitUpload zips workDir and ships it through the upload flow. A
// clean git checkout is deduplicated by commit sha: the server skips
// the upload when it already holds that archive.
func submitUpload(ctx context.Context, client *Client, workDir, command, script string, out io.Writer) (string, error) {
	sha := cleanCommitSHA(workDir)

	slot, err := client.RequestUpload(ctx, protocol.UploadURLRequest{
		Command:   command,
		Script:    script,
		CommitSHA: sha,
	})
	if err != nil {
		return "", err
	}

	if slot.SkipUpload {
		fmt.Fprintf(out, "Source %s already uploaded, skipping\n", shortSHA(sha))
	} else {
		var buf bytes.Buffer
		if err := zipTree(workDir, &buf); err != nil {
			return "", fmt.Errorf("archive source: %w", err)
		}
		fmt.Fprintf(out, "Uploading source (%s)\n", FormatBytes(int64(buf.Len())))
		if err := client.UploadArchive(ctx, slot.JobID, &buf); err != nil {
			return "", err
		}
	}

	if _, err := client.StartJob(ctx, slot.JobID); err != nil {
		return "", err
	}
	return slot.JobID, nil
}

// cleanCommitSHA returns HEAD when workDir is a git checkout with no
// local modifications, otherwise empty (no dedup possible).
func cleanCommitSHA(workDir string) string {
	statusCmd := exec.Command("git", "status", "--porcelain")
	statusCmd.Dir = workDir
	status, err := statusCmd.Output()
	if err != nil || len(bytes.TrimSpace(status)) > 0 {
		return ""
	}

	revCmd := exec.Command("git", "rev-parse", "HEAD")
	revCmd.Dir = workDir
	rev, err := revCmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(rev))
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// FormatBytes renders a byte count for humans.
func FormatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
