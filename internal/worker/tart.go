package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
)

// Hypervisor manages VM lifecycle on the worker host.
type Hypervisor interface {
	// Clone creates a VM from a base image. Cloning a name that
	// already exists is not an error.
	Clone(ctx context.Context, baseImage, name string) error

	// Run starts the VM headless and returns without waiting for boot.
	Run(ctx context.Context, name string) error

	// IP returns the VM's address once the guest has one.
	IP(ctx context.Context, name string) (string, error)

	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// Runner executes commands inside a VM.
type Runner interface {
	// Run executes command over SSH, streaming output.
	Run(ctx context.Context, ip, command string, stdout, stderr io.Writer) (int, error)

	// RunPTY is Run with a PTY allocated, so line-buffered tools
	// produce live output.
	RunPTY(ctx context.Context, ip, command string, stdout, stderr io.Writer) (int, error)

	// Copy transfers a local file into the VM.
	Copy(ctx context.Context, localPath, ip, remotePath string) error
}

// Tart drives the tart CLI.
type Tart struct{}

func (t *Tart) Clone(ctx context.Context, baseImage, name string) error {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "tart", "clone", baseImage, name)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "already exists") {
			return nil
		}
		return fmt.Errorf("tart clone %s: %w: %s", name, err, stderr.String())
	}
	return nil
}

func (t *Tart) Run(ctx context.Context, name string) error {
	// tart run blocks for the VM's lifetime; start it detached.
	cmd := exec.Command("tart", "run", "--no-graphics", name)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("tart run %s: %w", name, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func (t *Tart) IP(ctx context.Context, name string) (string, error) {
	out, err := exec.CommandContext(ctx, "tart", "ip", name).Output()
	if err != nil {
		return "", fmt.Errorf("tart ip %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (t *Tart) Stop(ctx context.Context, name string) error {
	if err := exec.CommandContext(ctx, "tart", "stop", name).Run(); err != nil {
		return fmt.Errorf("tart stop %s: %w", name, err)
	}
	return nil
}

func (t *Tart) Delete(ctx context.Context, name string) error {
	if err := exec.CommandContext(ctx, "tart", "delete", name).Run(); err != nil {
		return fmt.Errorf("tart delete %s: %w", name, err)
	}
	return nil
}

// vmUser/vmPassword are the stock credentials of the cirruslabs images.
const (
	vmUser     = "admin"
	vmPassword = "admin"
)

// Shell runs commands in a VM over sshpass+ssh.
type Shell struct{}

var sshOptions = []string{
	"-o", "StrictHostKeyChecking=no",
	"-o", "UserKnownHostsFile=/dev/null",
	"-o", "LogLevel=ERROR",
}

func (s *Shell) Run(ctx context.Context, ip, command string, stdout, stderr io.Writer) (int, error) {
	return s.run(ctx, ip, command, stdout, stderr, false)
}

func (s *Shell) RunPTY(ctx context.Context, ip, command string, stdout, stderr io.Writer) (int, error) {
	return s.run(ctx, ip, command, stdout, stderr, true)
}

func (s *Shell) run(ctx context.Context, ip, command string, stdout, stderr io.Writer, pty bool) (int, error) {
	args := []string{"-p", vmPassword, "ssh"}
	args = append(args, sshOptions...)
	if pty {
		args = append(args, "-tt")
	}
	args = append(args, vmUser+"@"+ip, command)

	cmd := exec.CommandContext(ctx, "sshpass", args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("ssh %s: %w", ip, err)
}

func (s *Shell) Copy(ctx context.Context, localPath, ip, remotePath string) error {
	args := []string{"-p", vmPassword, "scp"}
	args = append(args, sshOptions...)
	args = append(args, localPath, fmt.Sprintf("%s@%s:%s", vmUser, ip, remotePath))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "sshpass", args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("scp to %s: %w: %s", ip, err, stderr.String())
	}
	return nil
}
