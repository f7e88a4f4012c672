package resource

import (
	"fmt"
	"os"
	"sync"

	"k8s.io/klog/v2"
)

// SecretFile writes credentials to a newly created temp file with mode
// 0600. Close overwrites the contents with zeros before unlinking, so the
// credential material never lingers on disk or in a file that outlives the
// activation that created it.
type SecretFile struct {
	path string
	size int
	once sync.Once
}

// NewSecretFile creates a 0600 temp file under dir containing data.
func NewSecretFile(dir string, data []byte) (*SecretFile, error) {
	f, err := os.CreateTemp(dir, "vmediad-secret-*")
	if err != nil {
		return nil, fmt.Errorf("resource: create secret file: %w", err)
	}
	path := f.Name()

	if chmodErr := f.Chmod(0o600); chmodErr != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("resource: chmod secret file: %w", chmodErr)
	}

	if _, writeErr := f.Write(data); writeErr != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("resource: write secret file: %w", writeErr)
	}

	if closeErr := f.Close(); closeErr != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("resource: close secret file: %w", closeErr)
	}

	return &SecretFile{path: path, size: len(data)}, nil
}

// Path returns the secret file's path, suitable for passing as a subprocess
// argument.
func (s *SecretFile) Path() string { return s.path }

// Close zeros the file contents in place, then unlinks it. Safe to call
// more than once.
func (s *SecretFile) Close() error {
	var err error
	s.once.Do(func() {
		f, openErr := os.OpenFile(s.path, os.O_WRONLY, 0)
		if openErr == nil {
			zeros := make([]byte, s.size)
			if _, writeErr := f.WriteAt(zeros, 0); writeErr != nil {
				klog.Warningf("resource: failed to zero secret file %s: %v", s.path, writeErr)
			}
			_ = f.Close()
		}
		if rmErr := os.Remove(s.path); rmErr != nil {
			klog.Warningf("resource: failed to remove secret file %s: %v", s.path, rmErr)
			err = rmErr
		}
	})
	return err
}
