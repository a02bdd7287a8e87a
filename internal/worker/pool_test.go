package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeHypervisor records lifecycle calls and hands out fixed IPs.
type fakeHypervisor struct {
	mu      sync.Mutex
	cloned  []string
	running []string
	stopped []string
	deleted []string
}

func (f *fakeHypervisor) Clone(ctx context.Context, baseImage, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cloned = append(f.cloned, name)
	return nil
}

func (f *fakeHypervisor) Run(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append(f.running, name)
	return nil
}

func (f *fakeHypervisor) IP(ctx context.Context, name string) (string, error) {
	return "10.0.0." + strings.TrimPrefix(name, "pool-vm-"), nil
}

func (f *fakeHypervisor) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeHypervisor) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

// fakeRunner scripts command results via handle and records every
// command it ran.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	copies   []string

	// handle decides the result per command; nil means exit 0.
	handle func(ctx context.Context, command string, stdout, stderr io.Writer) (int, error)
}

func (f *fakeRunner) record(command string) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
}

func (f *fakeRunner) ran(substr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

func (f *fakeRunner) Run(ctx context.Context, ip, command string, stdout, stderr io.Writer) (int, error) {
	f.record(command)
	if f.handle != nil {
		return f.handle(ctx, command, stdout, stderr)
	}
	return 0, nil
}

func (f *fakeRunner) RunPTY(ctx context.Context, ip, command string, stdout, stderr io.Writer) (int, error) {
	return f.Run(ctx, ip, command, stdout, stderr)
}

func (f *fakeRunner) Copy(ctx context.Context, localPath, ip, remotePath string) error {
	f.mu.Lock()
	f.copies = append(f.copies, localPath+" -> "+remotePath)
	f.mu.Unlock()
	return nil
}

func newTestPool(t *testing.T, size int) (*Pool, *fakeHypervisor, *fakeRunner) {
	t.Helper()
	hv := &fakeHypervisor{}
	runner := &fakeRunner{}
	pool := NewPool(hv, runner, PoolConfig{
		BaseImage: "test-image",
		Size:      size,
		BootWait:  time.Millisecond,
	}, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return pool, hv, runner
}

func TestPoolAcquireRelease(t *testing.T) {
	pool, hv, runner := newTestPool(t, 2)
	ctx := context.Background()

	if len(hv.cloned) != 2 || hv.cloned[0] != "pool-vm-0" || hv.cloned[1] != "pool-vm-1" {
		t.Fatalf("cloned = %v", hv.cloned)
	}

	vm0, ok := pool.Acquire(ctx)
	if !ok || vm0.Name != "pool-vm-0" {
		t.Fatalf("first Acquire = %+v, %v", vm0, ok)
	}
	if vm0.IP != "10.0.0.0" {
		t.Errorf("IP = %q", vm0.IP)
	}

	vm1, ok := pool.Acquire(ctx)
	if !ok || vm1.Name != "pool-vm-1" {
		t.Fatalf("second Acquire = %+v, %v", vm1, ok)
	}

	if _, ok := pool.Acquire(ctx); ok {
		t.Error("Acquire succeeded with all slots in use")
	}

	pool.Release(ctx, vm0)
	if !runner.ran("rm -rf ~/workspace ~/source.zip") {
		t.Error("Release did not run cleanup")
	}

	again, ok := pool.Acquire(ctx)
	if !ok || again.Name != "pool-vm-0" {
		t.Errorf("Acquire after Release = %+v, %v", again, ok)
	}
}

// No slot is ever handed to two holders at once.
func TestPoolConcurrentAcquire(t *testing.T) {
	pool, _, _ := newTestPool(t, 4)
	ctx := context.Background()

	var mu sync.Mutex
	held := make(map[string]int)
	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				vm, ok := pool.Acquire(ctx)
				if !ok {
					continue
				}
				mu.Lock()
				held[vm.Name]++
				if held[vm.Name] > 1 {
					t.Errorf("slot %s held twice", vm.Name)
				}
				mu.Unlock()

				mu.Lock()
				held[vm.Name]--
				mu.Unlock()
				pool.Release(ctx, vm)
			}
		}()
	}
	wg.Wait()
}

func TestPoolSetupScriptFailureNonFatal(t *testing.T) {
	hv := &fakeHypervisor{}
	runner := &fakeRunner{
		handle: func(ctx context.Context, command string, stdout, stderr io.Writer) (int, error) {
			if strings.HasPrefix(command, "bash ") {
				return 1, nil
			}
			return 0, nil
		},
	}
	pool := NewPool(hv, runner, PoolConfig{
		BaseImage:   "test-image",
		Size:        1,
		BootWait:    time.Millisecond,
		SetupScript: "/tmp/setup.sh",
	}, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if len(runner.copies) != 1 {
		t.Errorf("copies = %v, want the setup script", runner.copies)
	}
	if _, ok := pool.Acquire(context.Background()); !ok {
		t.Error("slot not Ready after setup failure")
	}
}

func TestPoolShutdown(t *testing.T) {
	pool, hv, _ := newTestPool(t, 3)
	pool.Shutdown(context.Background())

	if len(hv.stopped) != 3 || len(hv.deleted) != 3 {
		t.Errorf("stopped = %v, deleted = %v", hv.stopped, hv.deleted)
	}
	for i, name := range hv.deleted {
		if want := fmt.Sprintf("pool-vm-%d", i); name != want {
			t.Errorf("deleted[%d] = %q, want %q", i, name, want)
		}
	}
}
