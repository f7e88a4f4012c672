// Package config loads and validates the slot definitions vmediad runs
// with: stable slot names, activation mode, the fixed nbd0..nbd15 device
// identifiers, socket paths, timeouts, and the optional block size and
// verbosity knobs.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fenio/vmediad/pkg/nbd"
)

// Mode selects how a slot fetches bytes for its image.
type Mode int

const (
	// ModeProxy fetches bytes through an external channel mediated by
	// the caller (a browser, via the NBD socket).
	ModeProxy Mode = iota
	// ModeStandard fetches bytes directly from an image URL (CIFS or
	// HTTPS). Accepts the YAML synonym "legacy" from configurations
	// migrated off the original implementation's duplicate enum value.
	ModeStandard
)

// String renders the mode's canonical YAML spelling.
func (m Mode) String() string {
	switch m {
	case ModeProxy:
		return "proxy"
	case ModeStandard:
		return "standard"
	default:
		return "unknown"
	}
}

// blockSizes are the block sizes nbdkit accepts; any other value fails
// validation rather than being passed through silently.
var blockSizes = map[int]bool{
	512:  true,
	1024: true,
	2048: true,
	4096: true,
}

// SlotConfig is one slot's immutable configuration, as loaded from YAML.
//
//nolint:govet // field order favors readability over alignment, matching the teacher's style.
type SlotConfig struct {
	Name       string        `yaml:"name"`
	Mode       Mode          `yaml:"-"`
	RawMode    string        `yaml:"mode"`
	NBDDevice  string        `yaml:"nbdDevice"`
	Socket     string        `yaml:"socket"`
	EndpointID string        `yaml:"endpointId,omitempty"`
	Timeout    time.Duration `yaml:"-"`
	RawTimeout string        `yaml:"timeout"`
	BlockSize  int           `yaml:"blockSize,omitempty"`
	Verbose    bool          `yaml:"verbose,omitempty"`
}

// UnmarshalYAML decodes a SlotConfig field by field. The timeout is kept
// as its raw string in RawTimeout; Load parses it as a Go duration string
// (e.g. "30s") into Timeout.
func (s *SlotConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain SlotConfig
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	*s = SlotConfig(p)
	return nil
}

// file is the on-disk document shape.
type file struct {
	Slots []SlotConfig `yaml:"slots"`
}

// Load reads, parses, and validates the slot configuration at path. It
// fails fast on any violation of the uniqueness/fixed-set invariants so the
// daemon never starts with an inconsistent configuration.
func Load(path string) ([]SlotConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc file
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	for i := range doc.Slots {
		if err := normalize(&doc.Slots[i]); err != nil {
			return nil, fmt.Errorf("config: slot %q: %w", doc.Slots[i].Name, err)
		}
	}

	if err := validateUnique(doc.Slots); err != nil {
		return nil, err
	}

	return doc.Slots, nil
}

func normalize(s *SlotConfig) error {
	if s.Name == "" {
		return fmt.Errorf("missing name")
	}

	switch s.RawMode {
	case "proxy", "":
		s.Mode = ModeProxy
	case "standard", "legacy":
		s.Mode = ModeStandard
	default:
		return fmt.Errorf("unknown mode %q", s.RawMode)
	}

	h := nbd.New(s.NBDDevice)
	if !h.Valid() {
		return fmt.Errorf("nbdDevice %q is not in nbd0..nbd15", s.NBDDevice)
	}

	if s.Socket == "" {
		return fmt.Errorf("missing socket path")
	}

	timeout, err := time.ParseDuration(s.RawTimeout)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", s.RawTimeout, err)
	}
	if timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	s.Timeout = timeout

	if s.BlockSize != 0 && !blockSizes[s.BlockSize] {
		return fmt.Errorf("blockSize %d is not one of the sizes nbdkit accepts", s.BlockSize)
	}

	return nil
}

func validateUnique(slots []SlotConfig) error {
	names := make(map[string]bool, len(slots))
	devices := nbd.NewAllocator()

	for _, s := range slots {
		if names[s.Name] {
			return fmt.Errorf("config: duplicate slot name %q", s.Name)
		}
		names[s.Name] = true

		if err := devices.Claim(s.NBDDevice); err != nil {
			return fmt.Errorf("config: slot %q: %w", s.Name, err)
		}
	}

	return nil
}
