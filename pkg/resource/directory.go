// Package resource provides scoped resources that acquire on construction
// and release exactly once on Close: a temp directory, a filesystem mount,
// and a credential secret file.
package resource

import (
	"fmt"
	"os"
	"sync"

	"k8s.io/klog/v2"
)

// Directory is a uniquely named subdirectory under the system temp path,
// removed on Close. Close is idempotent.
type Directory struct {
	path string
	once sync.Once
}

// NewDirectory creates a uniquely named subdirectory under the system temp
// path with the given name prefix.
func NewDirectory(prefix string) (*Directory, error) {
	path, err := os.MkdirTemp("", prefix+"-")
	if err != nil {
		return nil, fmt.Errorf("resource: create directory: %w", err)
	}
	return &Directory{path: path}, nil
}

// Path returns the directory's filesystem path.
func (d *Directory) Path() string { return d.path }

// Close removes the directory. Safe to call more than once.
func (d *Directory) Close() error {
	var err error
	d.once.Do(func() {
		if rmErr := os.RemoveAll(d.path); rmErr != nil {
			klog.Warningf("resource: failed to remove directory %s: %v", d.path, rmErr)
			err = rmErr
			return
		}
		klog.V(4).Infof("resource: removed directory %s", d.path)
	})
	return err
}
