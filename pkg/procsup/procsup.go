// Package procsup supervises one external child process: spawning it with
// its output piped for diagnostics only, and delivering its exit code back
// onto the owning slot's single-goroutine executor through a channel — the
// self-pipe the lifecycle state machine's design calls for, realized with a
// Go channel instead of an OS pipe.
package procsup

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

// DefaultGrace is the wait window between SIGTERM and SIGKILL during Stop.
const DefaultGrace = 5 * time.Second

// Process supervises one spawned child. The zero value is not usable; use
// Spawn.
type Process struct {
	cmd     *exec.Cmd
	exited  chan int
	reaped  chan struct{}
	grace   time.Duration
	stopped sync.Once
}

// Spawn starts name with args, piping stdout+stderr into a line-by-line
// diagnostic logger identified by tag. It reports false if the fork/exec
// itself failed; callers must treat that as a terminal activation error.
// The returned Process's Exited channel receives exactly one exit code,
// delivered once the process has been reaped, for the caller to forward
// onto its own executor as a SubprocessStopped event.
func Spawn(ctx context.Context, tag, name string, args []string, grace time.Duration) (*Process, bool) {
	cmd := exec.Command(name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		klog.Warningf("procsup[%s]: stdout pipe: %v", tag, err)
		return nil, false
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		klog.Warningf("procsup[%s]: stderr pipe: %v", tag, err)
		return nil, false
	}

	if err := cmd.Start(); err != nil {
		klog.Warningf("procsup[%s]: spawn %s failed: %v", tag, name, err)
		return nil, false
	}

	if grace <= 0 {
		grace = DefaultGrace
	}
	p := &Process{cmd: cmd, exited: make(chan int, 1), reaped: make(chan struct{}), grace: grace}

	go tailPipe(tag, "stdout", stdout)
	go tailPipe(tag, "stderr", stderr)
	go p.wait(tag)

	return p, true
}

func tailPipe(tag, stream string, pipe interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		klog.V(4).Infof("procsup[%s] %s: %s", tag, stream, scanner.Text())
	}
	// A tail-read failure is diagnostic-only and never affects the
	// process's lifecycle.
}

func (p *Process) wait(tag string) {
	err := p.cmd.Wait()
	code := exitCode(p.cmd, err)
	klog.V(4).Infof("procsup[%s]: exited with code %d", tag, code)
	p.exited <- code
	close(p.reaped)
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// Exited delivers the process's exit code exactly once, after it has been
// reaped.
func (p *Process) Exited() <-chan int { return p.exited }

// Stop sends SIGTERM, waits up to the configured grace window, then
// escalates to SIGKILL. It blocks until the child is reaped within the
// grace window or SIGKILL has been sent (and returns at once if SIGTERM
// cannot be delivered); the exit code is still reported asynchronously on
// Exited().
func (p *Process) Stop() {
	p.stopped.Do(func() {
		if p.cmd.Process == nil {
			return
		}
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			klog.V(4).Infof("procsup: SIGTERM failed (process likely already gone): %v", err)
			return
		}

		timer := time.NewTimer(p.grace)
		defer timer.Stop()
		select {
		case <-p.reaped:
			return
		case <-timer.C:
		}

		if err := p.cmd.Process.Signal(syscall.SIGKILL); err != nil {
			klog.Warningf("procsup: SIGKILL failed: %v", err)
		}
	})
}

// Pid returns the child's process id, or 0 if it never started.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// String renders a short diagnostic description.
func (p *Process) String() string {
	return fmt.Sprintf("pid=%d", p.Pid())
}
