// Package notify provides the per-slot completion notification wrapper: a
// one-shot armed timeout that fires a timeout handler if nothing completes
// in time, and a notify call that cancels the timer and reports the real
// outcome when the lifecycle actually reaches a terminal state.
package notify

import (
	"sync"
	"time"
)

// ErrCode is the errno-style outcome value carried by Completion; zero
// means success.
type ErrCode int32

// Success is the zero ErrCode.
const Success ErrCode = 0

// Notifier arms a single timeout per mount cycle and delivers exactly one
// outcome — either the timeout handler or a call to Notify, whichever
// happens first. It resolves the "notification double-arm" question by
// canceling any still-pending timer before arming a new one, rather than
// layering timers on re-entry.
type Notifier struct {
	mu    sync.Mutex
	timer *time.Timer
	armed bool
}

// New returns an idle, unarmed Notifier.
func New() *Notifier {
	return &Notifier{}
}

// Start arms a one-shot timer for duration. If a previous arm is still
// pending, its timer is stopped first, so only one timeout can ever fire
// per arm-cycle. If the timer expires before Notify is called, handler runs
// with no arguments, exactly once.
func (n *Notifier) Start(duration time.Duration, handler func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.timer != nil {
		n.timer.Stop()
	}
	n.armed = true
	n.timer = time.AfterFunc(duration, func() {
		n.mu.Lock()
		armed := n.armed
		n.armed = false
		n.mu.Unlock()
		if armed {
			handler()
		}
	})
}

// Notify reports the outcome ec of the lifecycle transition the timer was
// guarding. If armed, the pending timer is canceled and the completion
// value is delivered via deliver. If not armed — because Notify was never
// preceded by Start, or the timer already fired — the call is silently
// dropped, since a notify may be produced as a side effect of a transition
// no caller is waiting on.
func (n *Notifier) Notify(ec ErrCode, deliver func(ErrCode)) {
	n.mu.Lock()
	armed := n.armed
	n.armed = false
	timer := n.timer
	n.mu.Unlock()

	if !armed {
		return
	}
	if timer != nil {
		timer.Stop()
	}
	deliver(ec)
}

// Armed reports whether a timer is currently pending.
func (n *Notifier) Armed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.armed
}
