// Package gadget configures and tears down a USB mass-storage gadget
// function through the kernel's configfs virtual filesystem. The exact
// configfs layout is an implementation detail behind the narrow
// configure/teardown contract the lifecycle state machine depends on.
package gadget

import (
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// Prefix roots for the configfs gadget tree and the UDC bus directory;
// overridable for testing against a scratch filesystem.
var (
	GadgetPrefix = "/sys/kernel/config/usb_gadget"
	BusPrefix    = "/sys/class/udc"
)

// Gadget is a configured mass-storage function bound to a UDC, backed by
// one NBD device. Close tears it down; Close is idempotent, and a failed
// teardown is both logged and returned as an error (the slot reacts to
// that error by escalating a synthetic udev event).
type Gadget struct {
	name      string
	nbdDevice string
	closed    bool
}

// Configure builds the configfs tree for name, a mass-storage function
// whose backing file is /dev/<nbdDevice>, and binds it to the first
// available UDC. rw controls whether the lun is exported read-write.
func Configure(name, nbdDevice string, rw bool) (*Gadget, error) {
	root := filepath.Join(GadgetPrefix, name)
	lun0 := filepath.Join(root, "functions", "mass_storage.usb0", "lun.0")

	steps := []struct {
		path string
		data string
		mode os.FileMode
	}{
		{root, "", 0o755},
		{filepath.Join(root, "functions", "mass_storage.usb0"), "", 0o755},
		{filepath.Join(root, "configs", "c.1"), "", 0o755},
	}
	for _, s := range steps {
		if err := os.MkdirAll(s.path, s.mode); err != nil {
			teardownBestEffort(root)
			return nil, fmt.Errorf("gadget: create %s: %w", s.path, err)
		}
	}

	if err := os.MkdirAll(lun0, 0o755); err != nil {
		teardownBestEffort(root)
		return nil, fmt.Errorf("gadget: create lun.0: %w", err)
	}

	roValue := "0"
	if !rw {
		roValue = "1"
	}
	writes := map[string]string{
		filepath.Join(lun0, "file"): "/dev/" + nbdDevice,
		filepath.Join(lun0, "ro"):   roValue,
	}
	for path, data := range writes {
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			teardownBestEffort(root)
			return nil, fmt.Errorf("gadget: write %s: %w", path, err)
		}
	}

	link := filepath.Join(root, "configs", "c.1", "mass_storage.usb0")
	if err := os.Symlink(filepath.Join(root, "functions", "mass_storage.usb0"), link); err != nil && !os.IsExist(err) {
		teardownBestEffort(root)
		return nil, fmt.Errorf("gadget: link function into config: %w", err)
	}

	udc, err := firstUDC()
	if err != nil {
		teardownBestEffort(root)
		return nil, fmt.Errorf("gadget: no UDC available: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, "UDC"), []byte(udc), 0o644); err != nil {
		teardownBestEffort(root)
		return nil, fmt.Errorf("gadget: bind to UDC %s: %w", udc, err)
	}

	klog.V(4).Infof("gadget: configured %s backed by %s (udc=%s)", name, nbdDevice, udc)
	return &Gadget{name: name, nbdDevice: nbdDevice}, nil
}

// Close tears down the configfs tree. It is idempotent: repeated calls
// after a successful or failed teardown are safe.
func (g *Gadget) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true

	root := filepath.Join(GadgetPrefix, g.name)

	if err := os.WriteFile(filepath.Join(root, "UDC"), []byte(""), 0o644); err != nil {
		klog.Warningf("gadget: unbind UDC for %s: %v", g.name, err)
		return fmt.Errorf("gadget: unbind UDC: %w", err)
	}

	link := filepath.Join(root, "configs", "c.1", "mass_storage.usb0")
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		klog.Warningf("gadget: remove config link for %s: %v", g.name, err)
		return fmt.Errorf("gadget: remove config link: %w", err)
	}

	if err := os.RemoveAll(root); err != nil {
		klog.Warningf("gadget: remove configfs tree for %s: %v", g.name, err)
		return fmt.Errorf("gadget: remove configfs tree: %w", err)
	}

	klog.V(4).Infof("gadget: torn down %s", g.name)
	return nil
}

// teardownBestEffort cleans up a partially constructed tree on
// construction failure; errors are logged only, since the caller is
// already propagating the original construction error.
func teardownBestEffort(root string) {
	if err := os.RemoveAll(root); err != nil {
		klog.V(4).Infof("gadget: best-effort cleanup of %s failed: %v", root, err)
	}
}

func firstUDC() (string, error) {
	entries, err := os.ReadDir(BusPrefix)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		return e.Name(), nil
	}
	return "", fmt.Errorf("gadget: no entries under %s", BusPrefix)
}
