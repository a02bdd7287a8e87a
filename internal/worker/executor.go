package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alloyhq/alloy/internal/protocol"
)

// defaultJobTimeout bounds a single job's wall clock.
const defaultJobTimeout = 60 * time.Minute

// artifactGlobs are the well-known locations scanned after a build.
var artifactGlobs = []string{
	"~/Library/Developer/Xcode/DerivedData/**/*.xcresult",
	"~/build/*.app",
	"~/build/*.ipa",
}

// Executor runs one job inside an acquired VM.
type Executor struct {
	Runner  Runner
	Timeout time.Duration // defaults to defaultJobTimeout
	LogDir  string        // local directory for job log files

	// Push streams each output line live; may be nil.
	Push func(entry protocol.LogEntry)

	// UploadLogs stores the finished log file; may be nil. Upload
	// failure never fails the job.
	UploadLogs func(ctx context.Context, jobID string, path string) error

	// UploadArtifact ships one artifact's bytes and returns its public
	// download URL; may be nil. Bundle artifacts (directories) are
	// listed but not uploaded.
	UploadArtifact func(ctx context.Context, jobID, filename string, body io.Reader) (string, error)

	Log *slog.Logger
}

// Execute fetches the source, runs the job's work, and collects
// artifacts. The VM is the caller's to release. A timeout yields a
// normal result with exit code -1; an error means the job could not be
// run at all.
func (e *Executor) Execute(ctx context.Context, job *protocol.Job, vm *VM) (protocol.JobResult, error) {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	timeout := e.Timeout
	if timeout == 0 {
		timeout = defaultJobTimeout
	}
	start := time.Now()
	result := protocol.JobResult{JobID: job.ID, ExitCode: -1}

	logPath := filepath.Join(e.LogDir, "job-"+job.ID+".log")
	tee, err := NewTee(logPath, func(stream, line string) {
		if e.Push != nil {
			e.Push(protocol.LogEntry{
				JobID:     job.ID,
				Timestamp: time.Now().UTC(),
				Stream:    stream,
				Content:   line,
			})
		}
	})
	if err != nil {
		return result, err
	}

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exitCode, runErr := e.run(jobCtx, job, vm, tee)
	if errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		tee.Line("stderr", fmt.Sprintf("Job timed out after %d minutes", int(timeout.Minutes())))
		exitCode = -1
		runErr = nil
	}

	if runErr == nil {
		// Artifacts and log upload happen outside the job deadline.
		result.Artifacts = e.collectArtifacts(ctx, job.ID, vm, log)
	}

	if err := tee.Close(); err != nil {
		log.Warn("failed to close job log", "job_id", job.ID, "error", err)
	}
	if e.UploadLogs != nil {
		if err := e.UploadLogs(ctx, job.ID, logPath); err != nil {
			log.Warn("log upload failed", "job_id", job.ID, "error", err)
		}
	}

	result.ExitCode = exitCode
	result.BuildMinutes = time.Since(start).Minutes()
	return result, runErr
}

func (e *Executor) run(ctx context.Context, job *protocol.Job, vm *VM, tee *Tee) (int, error) {
	fetch, err := fetchCommand(job)
	if err != nil {
		return -1, err
	}
	code, err := e.Runner.Run(ctx, vm.IP, fetch, tee.Stdout(), tee.Stderr())
	if err != nil {
		return -1, fmt.Errorf("fetch source: %w", err)
	}
	if code != 0 {
		return -1, fmt.Errorf("fetch source exited %d", code)
	}

	work, err := workCommand(job)
	if err != nil {
		return -1, err
	}
	code, err = e.Runner.RunPTY(ctx, vm.IP, work, tee.Stdout(), tee.Stderr())
	if err != nil && ctx.Err() == nil {
		return -1, fmt.Errorf("run work: %w", err)
	}
	return code, nil
}

// fetchCommand materialises the source tree as ~/workspace.
func fetchCommand(job *protocol.Job) (string, error) {
	switch job.SourceType {
	case protocol.SourceGit:
		return fmt.Sprintf("git clone --depth 1 %s workspace", job.SourceURL), nil
	case protocol.SourceUpload:
		return fmt.Sprintf("curl -sL %s -o source.zip && unzip -q source.zip -d workspace", job.SourceURL), nil
	default:
		return "", fmt.Errorf("unknown source type %q", job.SourceType)
	}
}

// workCommand builds the shell line for the job's command or script.
// Scripts go through a here-doc so quoting in the script body survives.
func workCommand(job *protocol.Job) (string, error) {
	if job.Script != "" {
		return fmt.Sprintf("cat > /tmp/build_script.sh << 'ALLOY_SCRIPT_EOF'\n%s\nALLOY_SCRIPT_EOF\nchmod +x /tmp/build_script.sh && cd ~/workspace && bash /tmp/build_script.sh", job.Script), nil
	}
	if job.Command != "" {
		return "cd ~/workspace && " + job.Command, nil
	}
	return "", errors.New("job has neither command nor script")
}

// collectArtifacts lists the well-known output locations over SSH and
// uploads file artifacts to the orchestrator. A glob with no matches is
// normal; a failed upload leaves the artifact without a download URL.
func (e *Executor) collectArtifacts(ctx context.Context, jobID string, vm *VM, log *slog.Logger) []protocol.Artifact {
	var found []collectedArtifact
	for _, glob := range artifactGlobs {
		var out strings.Builder
		_, err := e.Runner.Run(ctx, vm.IP, "ls -la "+glob+" 2>/dev/null", &out, &out)
		if err != nil {
			log.Warn("artifact listing failed", "glob", glob, "error", err)
			continue
		}
		found = append(found, parseArtifactListing(out.String())...)
	}

	artifacts := make([]protocol.Artifact, 0, len(found))
	for _, f := range found {
		if e.UploadArtifact != nil && !f.dir {
			url, err := e.uploadArtifact(ctx, jobID, vm, f.Artifact)
			if err != nil {
				log.Warn("artifact upload failed", "job_id", jobID, "name", f.Name, "error", err)
			} else {
				f.DownloadURL = url
			}
		}
		artifacts = append(artifacts, f.Artifact)
	}
	return artifacts
}

// uploadArtifact streams one file out of the VM into the orchestrator's
// artifact endpoint.
func (e *Executor) uploadArtifact(ctx context.Context, jobID string, vm *VM, a protocol.Artifact) (string, error) {
	pr, pw := io.Pipe()
	go func() {
		code, err := e.Runner.Run(ctx, vm.IP, fmt.Sprintf("cat '%s'", a.Path), pw, io.Discard)
		if err == nil && code != 0 {
			err = fmt.Errorf("cat exited %d", code)
		}
		pw.CloseWithError(err)
	}()
	defer pr.Close()
	return e.UploadArtifact(ctx, jobID, a.Name, pr)
}

// collectedArtifact is a listing entry; directories (app and xcresult
// bundles) are recorded but their bytes stay on the VM.
type collectedArtifact struct {
	protocol.Artifact
	dir bool
}

// parseArtifactListing extracts {name, path, size} from ls -la output.
func parseArtifactListing(out string) []collectedArtifact {
	var artifacts []collectedArtifact
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 9 || fields[0] == "total" {
			continue
		}
		size, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			continue
		}
		path := strings.Join(fields[8:], " ")
		artifacts = append(artifacts, collectedArtifact{
			Artifact: protocol.Artifact{
				Name:      filepath.Base(path),
				Path:      path,
				SizeBytes: size,
			},
			dir: strings.HasPrefix(fields[0], "d"),
		})
	}
	return artifacts
}
