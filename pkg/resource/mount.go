//go:build linux

package resource

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"k8s.io/klog/v2"

	vmount "github.com/fenio/vmediad/pkg/mount"
)

// Mount owns a Directory plus a filesystem mount of an SMB/HTTPS backend
// into it. Close unmounts the backing filesystem, then removes the
// directory, in that order. Close is idempotent.
type Mount struct {
	dir    *Directory
	source string
	once   sync.Once
}

// NewMount mounts source (an smb:// share or a local bind target prepared by
// an HTTPS backend) onto a freshly created scoped directory using mount
// arguments fsType/options, and returns the owning Mount.
func NewMount(ctx context.Context, namePrefix, source, fsType string, options []string) (*Mount, error) {
	dir, err := NewDirectory(namePrefix)
	if err != nil {
		return nil, err
	}

	mountCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	args := []string{"-t", fsType}
	if len(options) > 0 {
		args = append(args, "-o", vmount.JoinMountOptions(options))
	}
	args = append(args, source, dir.Path())

	out, err := exec.CommandContext(mountCtx, "mount", args...).CombinedOutput()
	if err != nil {
		_ = dir.Close()
		return nil, fmt.Errorf("resource: mount %s: %w: %s", source, err, string(out))
	}

	return &Mount{dir: dir, source: source}, nil
}

// Path returns the mount point directory.
func (m *Mount) Path() string { return m.dir.Path() }

// Close unmounts the filesystem and removes the backing directory. Safe to
// call more than once.
func (m *Mount) Close() error {
	var err error
	m.once.Do(func() {
		if unmountErr := vmount.UnmountWithRetry(context.Background(), m.dir.Path(), 3); unmountErr != nil {
			klog.Warningf("resource: failed to unmount %s: %v", m.dir.Path(), unmountErr)
			err = unmountErr
		}
		if closeErr := m.dir.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}
