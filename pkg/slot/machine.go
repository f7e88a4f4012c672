package slot

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/fenio/vmediad/pkg/config"
	"github.com/fenio/vmediad/pkg/gadget"
	"github.com/fenio/vmediad/pkg/nbd"
	"github.com/fenio/vmediad/pkg/notify"
	"github.com/fenio/vmediad/pkg/procsup"
	"github.com/fenio/vmediad/pkg/resource"
	"github.com/fenio/vmediad/pkg/udevmon"
)

// Deps collects the external actor seams a Machine calls through. New
// fills each zero-value field with a default: the real implementation for
// Spawn, ConfigureGadget and ReadCredsFD, a no-op for RegisterDevice,
// MarkUnknown and EmitCompletion. Tests substitute fakes to drive the
// state machine without real kernel devices.
type Deps struct {
	Spawn           func(ctx context.Context, tag, name string, args []string, grace time.Duration) (*procsup.Process, bool)
	ConfigureGadget func(name, nbdDevice string, rw bool) (io.Closer, error)
	RegisterDevice  func(device string)
	MarkUnknown     func(device string)
	EmitCompletion  func(code int32)
	ReadCredsFD     func(fd int) (user, password string, err error)
}

func (d Deps) withDefaults() Deps {
	if d.Spawn == nil {
		d.Spawn = procsup.Spawn
	}
	if d.ConfigureGadget == nil {
		d.ConfigureGadget = func(name, nbdDevice string, rw bool) (io.Closer, error) {
			return gadget.Configure(name, nbdDevice, rw)
		}
	}
	if d.RegisterDevice == nil {
		d.RegisterDevice = func(string) {}
	}
	if d.MarkUnknown == nil {
		d.MarkUnknown = func(string) {}
	}
	if d.EmitCompletion == nil {
		d.EmitCompletion = func(int32) {}
	}
	if d.ReadCredsFD == nil {
		d.ReadCredsFD = parseCredentialPipe
	}
	return d
}

// deactivationTracker records which of the two signals Deactivating is
// waiting on have arrived, and the udev state last carried so the exit
// outcome (success vs ConnectionRefused) can be decided once both have.
type deactivationTracker struct {
	udevObserved       bool
	udevState          udevmon.State
	subprocessObserved bool
}

func (t *deactivationTracker) satisfied() bool {
	return t.udevObserved && t.subprocessObserved
}

// Machine is one slot's lifecycle state machine, driven by a single
// goroutine reading from its event channel — the Go mapping of the
// spec's single-threaded cooperative executor, scoped per slot.
type Machine struct {
	cfg    config.SlotConfig
	handle nbd.Handle
	deps   Deps

	events chan event
	exited chan struct{}

	state    LifecycleState
	exitCode int
	process  *procsup.Process
	gad      io.Closer
	target   *MountTarget

	notifier *notify.Notifier
	deact    deactivationTracker

	mu sync.RWMutex // guards the read-only property snapshot only
}

// New constructs a Machine for cfg. Call Run to start its executor.
func New(cfg config.SlotConfig, deps Deps) *Machine {
	return &Machine{
		cfg:      cfg,
		handle:   nbd.New(cfg.NBDDevice),
		deps:     deps.withDefaults(),
		events:   make(chan event, 32),
		exited:   make(chan struct{}),
		state:    StateInitial,
		exitCode: -1,
		notifier: notify.New(),
	}
}

// Name returns the slot's configured name.
func (m *Machine) Name() string { return m.cfg.Name }

// Device returns the slot's configured NBD device name.
func (m *Machine) Device() string { return m.cfg.NBDDevice }

// Run drives the executor until ctx is canceled, releasing every owned
// resource synchronously before returning.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.exited)
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return
		case ev := <-m.events:
			m.process(ev)
		}
	}
}

// Done reports when the executor has exited.
func (m *Machine) Done() <-chan struct{} { return m.exited }

func (m *Machine) shutdown() {
	klog.V(4).Infof("slot[%s]: shutting down from state %s", m.cfg.Name, m.state)
	if m.process != nil {
		m.process.Stop()
		m.process = nil
	}
	if m.gad != nil {
		_ = m.gad.Close()
		m.gad = nil
	}
	m.target.close()
	m.target = nil
}

// --- external request surface -------------------------------------------

// RegisterDbus posts the startup registration event.
func (m *Machine) RegisterDbus() {
	m.events <- event{kind: evRegisterDbus}
}

// Mount posts a Mount request and blocks for the synchronous accept/reject
// result, matching the request surface's "true if accepted" semantics.
func (m *Machine) Mount(req MountRequest) error {
	reply := make(chan error, 1)
	m.events <- event{kind: evMount, mount: req, reply: reply}
	return <-reply
}

// Unmount posts an Unmount request and blocks for its synchronous result.
func (m *Machine) Unmount() error {
	reply := make(chan error, 1)
	m.events <- event{kind: evUnmount, reply: reply}
	return <-reply
}

// PostUdevChange posts an asynchronous kernel state observation.
func (m *Machine) PostUdevChange(state udevmon.State) {
	m.events <- event{kind: evUdevChange, udevState: state}
}

// postSubprocessStopped posts an asynchronous subprocess exit.
func (m *Machine) postSubprocessStopped(code int) {
	m.events <- event{kind: evSubprocessStopped, exitCode: code}
}

// --- read-only property snapshot ----------------------------------------

// Snapshot is the read-only property surface §6 exposes over D-Bus.
type Snapshot struct {
	Active         bool
	ExitCode       int32
	Device         string
	EndpointID     string
	Socket         string
	ImageURL       string
	WriteProtected bool
	Timeout        time.Duration
}

// Snapshot returns the current externally-visible property values. It is
// safe to call from any goroutine.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		Active:     m.state == StateActive,
		ExitCode:   int32(m.exitCode),
		Device:     m.cfg.NBDDevice,
		EndpointID: m.cfg.EndpointID,
		Socket:     m.cfg.Socket,
		Timeout:    m.cfg.Timeout,
	}
	if m.target != nil {
		s.ImageURL = m.target.ImageURL
		s.WriteProtected = !m.target.RW
	} else {
		s.WriteProtected = true
	}
	return s
}

func (m *Machine) setState(s LifecycleState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Machine) State() LifecycleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// --- dispatch --------------------------------------------------------

// process runs ev to completion, including any on_enter tail calls it
// triggers, before the executor reads the next queued event.
func (m *Machine) process(ev event) {
	klog.V(4).Infof("slot[%s]: state=%s event=%s", m.cfg.Name, m.state, ev)

	switch m.state {
	case StateInitial:
		m.handleInitial(ev)
	case StateReady:
		m.handleReady(ev)
	case StateActivating:
		m.handleActivating(ev)
	case StateActive:
		m.handleActive(ev)
	case StateDeactivating:
		m.handleDeactivating(ev)
	}
}

func reject(ev event, err error) {
	if ev.reply != nil {
		ev.reply <- err
	}
}

func accept(ev event) {
	if ev.reply != nil {
		ev.reply <- nil
	}
}

// --- Initial ------------------------------------------------------------

func (m *Machine) handleInitial(ev event) {
	switch ev.kind {
	case evRegisterDbus:
		m.deps.RegisterDevice(m.cfg.NBDDevice)
		m.enterReady(0, true)
	default:
		klog.V(4).Infof("slot[%s]: ignoring %s in Initial", m.cfg.Name, ev)
	}
}

// --- Ready ---------------------------------------------------------------

func (m *Machine) handleReady(ev event) {
	switch ev.kind {
	case evMount:
		req := ev.mount
		if m.cfg.Mode == config.ModeProxy {
			// Proxy-mode slots ignore every Mount argument.
			req = MountRequest{}
		}
		m.target = &MountTarget{ImageURL: req.ImageURL, RW: req.RW}
		m.notifier.Start(m.cfg.Timeout, func() {
			m.deps.EmitCompletion(errnoOf(ErrConnectionRefused))
		})
		accept(ev)
		m.enterActivating(req)
	case evUnmount:
		reject(ev, ErrNotPermitted)
	case evSubprocessStopped, evUdevChange:
		klog.V(4).Infof("slot[%s]: ignoring %s in Ready", m.cfg.Name, ev)
	case evRegisterDbus:
		// Idempotent: already registered.
	}
}

// --- Activating ------------------------------------------------------------

func (m *Machine) enterActivating(req MountRequest) {
	m.setState(StateActivating)
	m.exitCode = -1

	var ok bool
	var proc *procsup.Process
	if m.cfg.Mode == config.ModeProxy {
		proc, ok = m.spawnProxy()
	} else {
		proc, ok = m.spawnStandard(req)
	}

	if !ok {
		m.enterReady(errnoOf(ErrConnectionRefused), false)
		return
	}

	m.process = proc
	go m.watchExit(proc)
}

func (m *Machine) spawnProxy() (*procsup.Process, bool) {
	args := []string{
		"-t", strconv.Itoa(int(m.cfg.Timeout.Seconds())),
		"-u", m.cfg.Socket,
		m.handle.Path(),
		"-n",
	}
	if m.cfg.Verbose {
		args = append(args, "-d")
	}
	return m.deps.Spawn(context.Background(), m.cfg.Name, "nbd-client", args, procsup.DefaultGrace)
}

func (m *Machine) spawnStandard(req MountRequest) (*procsup.Process, bool) {
	args := []string{
		"-u", "root",
		"-U", m.cfg.Socket,
		"-t", strconv.Itoa(int(m.cfg.Timeout.Seconds())),
	}
	if m.cfg.BlockSize != 0 {
		args = append(args, "--blocksize", strconv.Itoa(m.cfg.BlockSize))
	}
	if m.cfg.Verbose {
		args = append(args, "-v")
	}

	u, err := url.Parse(req.ImageURL)
	if err != nil {
		klog.Warningf("slot[%s]: invalid image URL %q: %v", m.cfg.Name, req.ImageURL, err)
		return nil, false
	}

	switch u.Scheme {
	case "smb", "cifs":
		mnt, mErr := resource.NewMount(context.Background(), m.cfg.Name, req.ImageURL, "cifs", nil)
		if mErr != nil {
			klog.Warningf("slot[%s]: smb mount failed: %v", m.cfg.Name, mErr)
			return nil, false
		}
		m.target.mount = mnt
		args = append(args, "file", mnt.Path())
	case "http", "https":
		if req.hasFD {
			user, password, credErr := m.deps.ReadCredsFD(req.CredsFD)
			if credErr != nil {
				klog.Warningf("slot[%s]: credential pipe read failed: %v", m.cfg.Name, credErr)
				return nil, false
			}
			dir, dErr := resource.NewDirectory(m.cfg.Name)
			if dErr != nil {
				return nil, false
			}
			secret, sErr := resource.NewSecretFile(dir.Path(), []byte(user+"\x00"+password+"\x00"))
			if sErr != nil {
				_ = dir.Close()
				return nil, false
			}
			m.target.secretDir = dir
			m.target.secret = secret
			args = append(args, "--curl-config", secret.Path())
		}
		args = append(args, "curl", req.ImageURL)
	default:
		klog.Warningf("slot[%s]: unsupported image URL scheme %q", m.cfg.Name, u.Scheme)
		return nil, false
	}

	return m.deps.Spawn(context.Background(), m.cfg.Name, "nbdkit", args, procsup.DefaultGrace)
}

// watchExit blocks on proc's exit notification and forwards it onto the
// slot's own executor, delivering on_exit "on the slot's executor" as the
// design requires rather than from the waiting goroutine itself.
func (m *Machine) watchExit(proc *procsup.Process) {
	code, ok := <-proc.Exited()
	if !ok {
		return
	}
	m.postSubprocessStopped(code)
}

func (m *Machine) handleActivating(ev event) {
	switch ev.kind {
	case evUdevChange:
		switch ev.udevState {
		case udevmon.Inserted:
			gad, err := m.deps.ConfigureGadget(m.cfg.Name, m.cfg.NBDDevice, m.target.RW)
			if err != nil {
				klog.Warningf("slot[%s]: gadget configure failed: %v", m.cfg.Name, err)
				m.enterDeactivating(udevTriggered(udevmon.Unknown))
				return
			}
			m.gad = gad
			m.enterActive()
		default:
			m.enterDeactivating(udevTriggered(ev.udevState))
		}
	case evSubprocessStopped:
		m.exitCode = ev.exitCode
		m.enterReady(errnoOf(ErrConnectionRefused), false)
	case evRegisterDbus, evMount, evUnmount:
		reject(ev, ErrResourceBusy)
	}
}

// --- Active ---------------------------------------------------------------

func (m *Machine) enterActive() {
	m.setState(StateActive)
	m.notifier.Notify(notify.Success, func(notify.ErrCode) { m.deps.EmitCompletion(0) })
}

func (m *Machine) handleActive(ev event) {
	switch ev.kind {
	case evUnmount:
		m.notifier.Start(m.cfg.Timeout, func() {
			m.deps.EmitCompletion(errnoOf(ErrConnectionRefused))
		})
		accept(ev)
		m.enterDeactivating(deactivationInputs{})
	case evUdevChange:
		m.enterDeactivating(udevTriggered(ev.udevState))
	case evSubprocessStopped:
		m.exitCode = ev.exitCode
		m.enterDeactivating(subprocessTriggered(ev.exitCode))
	case evMount:
		reject(ev, ErrNotPermitted)
	case evRegisterDbus:
	}
}

// --- Deactivating -----------------------------------------------------

// deactivationInputs describes what (if anything) triggered entry into
// Deactivating, so onEnter can pre-seed the tracker with a signal that has
// already been observed.
type deactivationInputs struct {
	hasUdev      bool
	udevState    udevmon.State
	hasSubproc   bool
	subprocessEC int
}

func udevTriggered(state udevmon.State) deactivationInputs {
	return deactivationInputs{hasUdev: true, udevState: state}
}

func subprocessTriggered(code int) deactivationInputs {
	return deactivationInputs{hasSubproc: true, subprocessEC: code}
}

func (m *Machine) enterDeactivating(in deactivationInputs) {
	m.setState(StateDeactivating)
	m.deact = deactivationTracker{}

	if in.hasUdev {
		m.deact.udevObserved = true
		m.deact.udevState = in.udevState
	}
	if in.hasSubproc {
		m.deact.subprocessObserved = true
		m.exitCode = in.subprocessEC
	}

	if m.gad != nil {
		if err := m.gad.Close(); err != nil {
			klog.Warningf("slot[%s]: gadget teardown failed: %v", m.cfg.Name, err)
			m.deps.MarkUnknown(m.cfg.NBDDevice)
		}
		m.gad = nil
	}
	if m.process != nil {
		m.process.Stop()
		// process reference is retained until SubprocessStopped arrives;
		// the spec requires a Process to exist until it is reaped.
	}

	m.maybeLeaveDeactivating()
}

func (m *Machine) handleDeactivating(ev event) {
	switch ev.kind {
	case evUdevChange:
		m.deact.udevObserved = true
		m.deact.udevState = ev.udevState
		m.maybeLeaveDeactivating()
	case evSubprocessStopped:
		m.exitCode = ev.exitCode
		m.deact.subprocessObserved = true
		m.process = nil
		m.maybeLeaveDeactivating()
	case evRegisterDbus, evMount, evUnmount:
		reject(ev, ErrResourceBusy)
	}
}

func (m *Machine) maybeLeaveDeactivating() {
	if !m.deact.satisfied() {
		return
	}
	if m.deact.udevState == udevmon.Removed {
		m.enterReady(0, false)
	} else {
		m.enterReady(errnoOf(ErrConnectionRefused), false)
	}
}

// --- Ready re-entry -------------------------------------------------------

// enterReady transitions to Ready, dropping any lingering target and
// delivering the completion outcome. fromInitial suppresses the
// notification delivery for the very first Initial->Ready transition,
// which has no pending notifier arm.
func (m *Machine) enterReady(ec int32, fromInitial bool) {
	m.setState(StateReady)
	m.target.close()
	m.target = nil
	m.process = nil

	if !fromInitial {
		m.notifier.Notify(notify.ErrCode(ec), func(code notify.ErrCode) {
			m.deps.EmitCompletion(int32(code))
		})
	}
}
