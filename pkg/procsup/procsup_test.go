package procsup

import (
	"context"
	"testing"
	"time"
)

func TestSpawnAndExitCode(t *testing.T) {
	p, ok := Spawn(context.Background(), "test", "sh", []string{"-c", "exit 7"}, time.Second)
	if !ok {
		t.Fatal("Spawn reported failure for a valid command")
	}
	select {
	case code := <-p.Exited():
		if code != 7 {
			t.Errorf("exit code = %d, want 7", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit notification")
	}
}

func TestSpawnMissingBinaryFails(t *testing.T) {
	_, ok := Spawn(context.Background(), "test", "/no/such/binary-xyz", nil, time.Second)
	if ok {
		t.Fatal("Spawn should report failure for a nonexistent binary")
	}
}

func TestStopSendsSigtermAndReaps(t *testing.T) {
	p, ok := Spawn(context.Background(), "test", "sh", []string{"-c", "trap 'exit 0' TERM; while true; do sleep 0.1; done"}, 2*time.Second)
	if !ok {
		t.Fatal("Spawn failed")
	}
	p.Stop()
	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not reaped after Stop")
	}
}

func TestStopEscalatesToSigkill(t *testing.T) {
	p, ok := Spawn(context.Background(), "test", "sh", []string{"-c", "trap '' TERM; while true; do sleep 0.1; done"}, 200*time.Millisecond)
	if !ok {
		t.Fatal("Spawn failed")
	}
	p.Stop()
	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("process ignoring SIGTERM was not killed after grace window")
	}
}

func TestStopIdempotent(t *testing.T) {
	p, ok := Spawn(context.Background(), "test", "sh", []string{"-c", "sleep 1"}, time.Second)
	if !ok {
		t.Fatal("Spawn failed")
	}
	p.Stop()
	p.Stop()
}
