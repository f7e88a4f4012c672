// Package udevmon is the single long-running udev device monitor: it
// subscribes to kernel netlink uevents filtered to block/disk changes,
// infers insert/remove from the "size" sysfs attribute, and invokes a
// callback from the goroutine that observed the change (the registry's
// callback posts it onto the owning slot's executor) — there is exactly
// one Monitor per process, shared by every slot's registry entry.
package udevmon

import (
	"context"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"
	"k8s.io/klog/v2"
)

// State is the monitor's last observed state for one NBD device.
type State int

const (
	// NotMonitored means the device was never registered.
	NotMonitored State = iota
	// Removed means the last observed size was zero.
	Removed
	// Inserted means the last observed size was nonzero.
	Inserted
	// Unknown is used to force a device through Deactivating when its
	// true kernel state cannot be trusted (e.g. after a failed gadget
	// teardown).
	Unknown
)

func (s State) String() string {
	switch s {
	case NotMonitored:
		return "NotMonitored"
	case Removed:
		return "Removed"
	case Inserted:
		return "Inserted"
	case Unknown:
		return "Unknown"
	default:
		return "invalid"
	}
}

// Callback is invoked once per accepted state transition, with the bare
// device name (e.g. "nbd3") and its new state.
type Callback func(device string, state State)

// Monitor owns the device table and drives the netlink subscription.
type Monitor struct {
	mu       sync.Mutex
	table    map[string]State
	callback Callback
}

// New returns a Monitor with an empty device table.
func New(callback Callback) *Monitor {
	return &Monitor{table: make(map[string]State), callback: callback}
}

// Register adds device to the table with initial state Removed, then
// provokes a "force change" uevent so a fresh subscriber re-synchronises
// with the kernel's current view on startup.
func (m *Monitor) Register(device string) {
	m.mu.Lock()
	m.table[device] = Removed
	m.mu.Unlock()
	triggerChange(device)
}

// Forget removes device from the table; further events for it are ignored.
func (m *Monitor) Forget(device string) {
	m.mu.Lock()
	delete(m.table, device)
	m.mu.Unlock()
}

// MarkUnknown forces device's state to Unknown without waiting for a real
// kernel event, used to escalate a failed gadget teardown into a
// UdevChange the slot state machine can react to.
func (m *Monitor) MarkUnknown(device string) {
	m.mu.Lock()
	_, known := m.table[device]
	if known {
		m.table[device] = Unknown
	}
	m.mu.Unlock()
	if known {
		m.callback(device, Unknown)
	}
}

// Run subscribes to the kernel's udev netlink socket and processes events
// until ctx is canceled. It blocks; callers run it in its own goroutine.
func (m *Monitor) Run(ctx context.Context) error {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return fmt.Errorf("udevmon: connect to netlink: %w", err)
	}
	defer conn.Close()

	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	matcher := &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{
			{
				Action: netlink.CHANGE,
				Env: map[string]string{
					"SUBSYSTEM": "^block$",
					"DEVTYPE":   "^disk$",
				},
			},
		},
	}
	quit := conn.Monitor(queue, errs, matcher)

	for {
		select {
		case <-ctx.Done():
			close(quit)
			return ctx.Err()
		case ev := <-queue:
			m.handle(ev)
		case err := <-errs:
			klog.Warningf("udevmon: netlink read error: %v", err)
		}
	}
}

func (m *Monitor) handle(ev netlink.UEvent) {
	sysname := ev.Env["DEVNAME"]
	if sysname == "" {
		sysname = path.Base(ev.KObj)
	}

	m.mu.Lock()
	prior, known := m.table[sysname]
	m.mu.Unlock()
	if !known {
		return
	}

	size, err := readSize(sysname)
	if err != nil {
		klog.V(4).Infof("udevmon: unparsable size for %s: %v", sysname, err)
		return
	}

	var next State
	switch {
	case prior == Removed && size > 0:
		next = Inserted
	case prior == Inserted && size == 0:
		next = Removed
	default:
		return // idempotent: no observable state change
	}

	m.mu.Lock()
	m.table[sysname] = next
	m.mu.Unlock()

	m.callback(sysname, next)
}

func readSize(sysname string) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/sys/block/%s/size", sysname))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func triggerChange(sysname string) {
	path := fmt.Sprintf("/sys/block/%s/uevent", sysname)
	if err := os.WriteFile(path, []byte("change"), 0); err != nil {
		klog.V(4).Infof("udevmon: force-change trigger for %s failed: %v", sysname, err)
	}
}
