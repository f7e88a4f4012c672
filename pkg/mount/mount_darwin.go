//go:build darwin

// Package mount provides macOS stub implementations for mount utilities.
// vmediad only runs on Linux, but these stubs allow building and testing on macOS.
package mount

import (
	"context"
	"errors"
)

// ErrNotImplemented is returned when a function is not implemented for this platform.
var ErrNotImplemented = errors.New("not implemented on darwin")

// IsMounted checks if a path is mounted.
// This is a stub implementation for macOS.
func IsMounted(_ context.Context, _ string) (bool, error) {
	return false, ErrNotImplemented
}

// Unmount unmounts a path.
// This is a stub implementation for macOS.
func Unmount(_ context.Context, _ string) error {
	return ErrNotImplemented
}

// IsStaleSMBMount checks if a path has a stale CIFS/SMB mount.
// This is a stub implementation for macOS.
func IsStaleSMBMount(_ context.Context, _ string) (bool, error) {
	return false, ErrNotImplemented
}

// ForceUnmount forcefully unmounts a path.
// This is a stub implementation for macOS.
func ForceUnmount(_ context.Context, _ string) error {
	return ErrNotImplemented
}

// UnmountWithRetry unmounts a path with retry logic and stale mount handling.
// This is a stub implementation for macOS.
func UnmountWithRetry(_ context.Context, _ string, _ int) error {
	return ErrNotImplemented
}
