// Package registry builds the fixed set of slot machines a vmediad
// process runs, and owns the single shared udev monitor that routes
// kernel block-device events to the right slot by NBD device name.
package registry

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/fenio/vmediad/pkg/config"
	"github.com/fenio/vmediad/pkg/slot"
	"github.com/fenio/vmediad/pkg/udevmon"
)

// CompletionEmitter is the per-slot hook the registry wires into
// slot.Deps.EmitCompletion — typically a dbusapi.Object's EmitCompletion
// method, swappable in tests.
type CompletionEmitter func(code int32)

// Registry owns every configured slot's Machine plus the shared udev
// monitor. Built once at startup from static configuration; the map is
// never mutated afterward, so reads need no lock.
type Registry struct {
	slots   map[string]*slot.Machine
	byDev   map[string]*slot.Machine
	monitor *udevmon.Monitor
}

// New constructs a Machine per slot in cfgs. emitterFor, if non-nil, is
// called once per slot to obtain the slot.Deps.EmitCompletion closure
// (wiring the D-Bus Completion signal); a nil return falls back to
// slot.Deps' own no-op default.
func New(cfgs []config.SlotConfig, emitterFor func(cfg config.SlotConfig) CompletionEmitter) *Registry {
	r := &Registry{
		slots: make(map[string]*slot.Machine, len(cfgs)),
		byDev: make(map[string]*slot.Machine, len(cfgs)),
	}
	r.monitor = udevmon.New(r.onUdevEvent)

	for _, cfg := range cfgs {
		deps := slot.Deps{
			RegisterDevice: r.monitor.Register,
			MarkUnknown:    r.monitor.MarkUnknown,
		}
		if emitterFor != nil {
			if emit := emitterFor(cfg); emit != nil {
				deps.EmitCompletion = emit
			}
		}
		m := slot.New(cfg, deps)
		r.slots[cfg.Name] = m
		r.byDev[cfg.NBDDevice] = m
	}

	return r
}

// Slots returns the configured slot machines keyed by slot name. The
// returned map is the registry's own, read-only after New returns.
func (r *Registry) Slots() map[string]*slot.Machine {
	return r.slots
}

// Get returns the named slot's Machine, or nil if no such slot exists.
func (r *Registry) Get(name string) *slot.Machine {
	return r.slots[name]
}

// onUdevEvent is the udevmon.Callback: it looks up the slot owning
// device and forwards the observation onto that slot's own executor.
func (r *Registry) onUdevEvent(device string, state udevmon.State) {
	m, ok := r.byDev[device]
	if !ok {
		klog.Warningf("registry: udev event for unregistered device %s", device)
		return
	}
	m.PostUdevChange(state)
}

// Run starts every slot's goroutine and the shared udev monitor, and
// blocks until ctx is canceled and all slots have finished shutting down.
func (r *Registry) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for name, m := range r.slots {
		wg.Add(1)
		go func(name string, m *slot.Machine) {
			defer wg.Done()
			m.Run(ctx)
		}(name, m)
		m.RegisterDbus()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- r.monitor.Run(ctx) }()

	wg.Wait()
	select {
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("registry: udev monitor: %w", err)
		}
	default:
	}
	return nil
}
