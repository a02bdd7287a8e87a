package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"
)

// Slot states.
type slotState int

const (
	slotReady slotState = iota
	slotInUse
	slotResetting
)

// defaultBootWait is how long a freshly started VM gets to boot before
// the first IP query.
const defaultBootWait = 30 * time.Second

// VM is a handle to an acquired pool slot.
type VM struct {
	Name string
	IP   string
	slot int
}

type poolSlot struct {
	mu    sync.Mutex
	state slotState
	name  string
	ip    string
}

// PoolConfig configures a VM pool.
type PoolConfig struct {
	BaseImage   string
	Size        int
	SetupScript string        // local path, optional
	BootWait    time.Duration // defaults to defaultBootWait
}

// Pool maintains a bounded set of prewarmed VMs, reused across jobs.
type Pool struct {
	hv     Hypervisor
	runner Runner
	cfg    PoolConfig
	slots  []*poolSlot
	log    *slog.Logger
}

// NewPool creates a pool of cfg.Size slots named pool-vm-{i}.
func NewPool(hv Hypervisor, runner Runner, cfg PoolConfig, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.BootWait == 0 {
		cfg.BootWait = defaultBootWait
	}

	slots := make([]*poolSlot, cfg.Size)
	for i := range slots {
		slots[i] = &poolSlot{
			state: slotResetting,
			name:  fmt.Sprintf("pool-vm-%d", i),
		}
	}
	return &Pool{hv: hv, runner: runner, cfg: cfg, slots: slots, log: log}
}

// Start clones and boots every slot. A setup script failure is logged
// but does not fail the slot.
func (p *Pool) Start(ctx context.Context) error {
	for i, slot := range p.slots {
		if err := p.startSlot(ctx, slot); err != nil {
			return fmt.Errorf("start slot %d: %w", i, err)
		}
	}
	return nil
}

func (p *Pool) startSlot(ctx context.Context, slot *poolSlot) error {
	slot.mu.Lock()
	defer slot.mu.Unlock()

	p.log.Info("preparing vm", "vm", slot.name, "image", p.cfg.BaseImage)
	if err := p.hv.Clone(ctx, p.cfg.BaseImage, slot.name); err != nil {
		return err
	}
	if err := p.hv.Run(ctx, slot.name); err != nil {
		return err
	}

	select {
	case <-time.After(p.cfg.BootWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	ip, err := p.hv.IP(ctx, slot.name)
	if err != nil {
		return err
	}
	slot.ip = ip

	if p.cfg.SetupScript != "" {
		if err := p.runSetup(ctx, ip); err != nil {
			p.log.Warn("vm setup script failed", "vm", slot.name, "error", err)
		}
	}

	slot.state = slotReady
	p.log.Info("vm ready", "vm", slot.name, "ip", ip)
	return nil
}

func (p *Pool) runSetup(ctx context.Context, ip string) error {
	remote := "~/" + filepath.Base(p.cfg.SetupScript)
	if err := p.runner.Copy(ctx, p.cfg.SetupScript, ip, remote); err != nil {
		return err
	}
	code, err := p.runner.Run(ctx, ip, "bash "+remote, io.Discard, io.Discard)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("setup script exited %d", code)
	}
	return nil
}

// Acquire returns the first Ready slot in index order, or false when
// every slot is busy. Non-blocking.
func (p *Pool) Acquire(ctx context.Context) (*VM, bool) {
	for i, slot := range p.slots {
		slot.mu.Lock()
		if slot.state != slotReady {
			slot.mu.Unlock()
			continue
		}
		if slot.ip == "" {
			ip, err := p.hv.IP(ctx, slot.name)
			if err != nil {
				slot.mu.Unlock()
				p.log.Warn("vm ip query failed", "vm", slot.name, "error", err)
				continue
			}
			slot.ip = ip
		}
		slot.state = slotInUse
		vm := &VM{Name: slot.name, IP: slot.ip, slot: i}
		slot.mu.Unlock()
		return vm, true
	}
	return nil, false
}

// Release resets the slot for the next job. Cleanup is best effort; a
// failed reset never blocks the slot.
func (p *Pool) Release(ctx context.Context, vm *VM) {
	slot := p.slots[vm.slot]
	slot.mu.Lock()
	slot.state = slotResetting
	slot.mu.Unlock()

	if _, err := p.runner.Run(ctx, vm.IP, "rm -rf ~/workspace ~/source.zip", io.Discard, io.Discard); err != nil {
		p.log.Warn("vm cleanup failed", "vm", vm.Name, "error", err)
	}

	slot.mu.Lock()
	slot.state = slotReady
	slot.mu.Unlock()
	p.log.Debug("vm released", "vm", vm.Name)
}

// Shutdown stops and deletes every VM.
func (p *Pool) Shutdown(ctx context.Context) {
	for _, slot := range p.slots {
		slot.mu.Lock()
		if err := p.hv.Stop(ctx, slot.name); err != nil {
			p.log.Warn("vm stop failed", "vm", slot.name, "error", err)
		}
		if err := p.hv.Delete(ctx, slot.name); err != nil {
			p.log.Warn("vm delete failed", "vm", slot.name, "error", err)
		}
		slot.mu.Unlock()
	}
}

// Size returns the number of slots.
func (p *Pool) Size() int {
	return len(p.slots)
}
