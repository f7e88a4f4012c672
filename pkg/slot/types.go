// Package slot implements the per-slot lifecycle state machine: the core
// that coordinates an NBD kernel endpoint, an nbd-client/nbdkit subprocess,
// a USB gadget, and udev device events into five observable states.
package slot

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/fenio/vmediad/pkg/resource"
	"github.com/fenio/vmediad/pkg/udevmon"
)

// LifecycleState is one of the five states a slot can be in.
type LifecycleState int

const (
	// StateInitial is the pre-registration state.
	StateInitial LifecycleState = iota
	// StateReady is idle, no owned resources beyond configuration.
	StateReady
	// StateActivating is attempting to bring the slot online.
	StateActivating
	// StateActive is mounted and exposed to the upstream host.
	StateActive
	// StateDeactivating is waiting for both udev and subprocess signals
	// before declaring the slot clean.
	StateDeactivating
)

// String renders the state's name for logging and the Active/ExitCode
// property surface.
func (s LifecycleState) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateReady:
		return "Ready"
	case StateActivating:
		return "Activating"
	case StateActive:
		return "Active"
	case StateDeactivating:
		return "Deactivating"
	default:
		return "invalid"
	}
}

// Errno-equivalent errors raised synchronously on the request surface, per
// the external-interfaces error surface.
var (
	ErrNotPermitted          = errors.New("not permitted")
	ErrResourceBusy          = errors.New("resource busy")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrOperationNotSupported = errors.New("operation not supported")
	ErrConnectionRefused     = errors.New("connection refused")
)

// errnoOf maps a sentinel error to the numeric code Completion carries.
// Unrecognized errors (including nil, which never reaches this function
// directly) fall back to EIO.
func errnoOf(err error) int32 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConnectionRefused):
		return int32(syscall.ECONNREFUSED)
	case errors.Is(err, ErrInvalidArgument):
		return int32(syscall.EINVAL)
	case errors.Is(err, ErrResourceBusy):
		return int32(syscall.EBUSY)
	case errors.Is(err, ErrNotPermitted):
		return int32(syscall.EPERM)
	case errors.Is(err, ErrOperationNotSupported):
		return int32(syscall.ENOTSUP)
	default:
		return int32(syscall.EIO)
	}
}

// MountRequest is the argument set a caller supplies to Mount. Proxy-mode
// callers pass a zero-value MountRequest; Standard-mode callers set
// ImageURL, RW, and optionally CredsFD.
type MountRequest struct {
	ImageURL string
	RW       bool
	CredsFD  int
	hasFD    bool
}

// WithCredsFD marks that CredsFD should be read as the credential pipe.
func (r MountRequest) WithCredsFD(fd int) MountRequest {
	r.CredsFD = fd
	r.hasFD = true
	return r
}

// MountTarget is created per mount attempt and destroyed on teardown, per
// the spec's data model. It is dropped whenever the slot re-enters Ready.
type MountTarget struct {
	ImageURL  string
	RW        bool
	mount     *resource.Mount
	secret    *resource.SecretFile
	secretDir *resource.Directory
}

// close releases the target's owned resources, in reverse acquisition
// order. Safe to call on a nil receiver or a target with no resources.
func (t *MountTarget) close() {
	if t == nil {
		return
	}
	if t.secret != nil {
		_ = t.secret.Close()
	}
	if t.secretDir != nil {
		_ = t.secretDir.Close()
	}
	if t.mount != nil {
		_ = t.mount.Close()
	}
}

type eventKind int

const (
	evRegisterDbus eventKind = iota
	evMount
	evUnmount
	evUdevChange
	evSubprocessStopped
)

// event is the closed sum type the machine's executor consumes; exactly
// one of its payload fields is meaningful, selected by kind.
type event struct {
	kind      eventKind
	mount     MountRequest
	udevState udevmon.State
	exitCode  int
	reply     chan error // non-nil for user-initiated events expecting a synchronous result
}

func (e event) String() string {
	switch e.kind {
	case evRegisterDbus:
		return "RegisterDbus"
	case evMount:
		return "Mount"
	case evUnmount:
		return "Unmount"
	case evUdevChange:
		return fmt.Sprintf("UdevChange(%s)", e.udevState)
	case evSubprocessStopped:
		return fmt.Sprintf("SubprocessStopped(%d)", e.exitCode)
	default:
		return "invalid"
	}
}
