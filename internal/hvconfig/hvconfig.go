// Package hvconfig loads the per-vCPU configuration (spec component A3):
// the physical-memory range table, pointer-pool sizing, and capability
// flags.
package hvconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"hypercore/internal/ept"
	"hypercore/internal/memory"
)

// Range is the YAML-facing form of an ept.Range, expressed in hex so a
// config file reads the way the range table in the original's
// ksm->ranges array would print.
type Range struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

// Capability mirrors ept.Capability, plus a force_no_vmfunc override.
// ForceNoVMFUNC is parsed from YAML but nothing in this module reads it:
// ToCapability drops it, and the vCPU decides between the native and the
// emulated VMFUNC path from the processor's capability MSR alone.
type Capability struct {
	SuppressVE    bool `yaml:"suppress_ve"`
	PML           bool `yaml:"pml"`
	ForceNoVMFUNC bool `yaml:"force_no_vmfunc"`
}

// Config is the complete, YAML-loadable configuration for one vCPU.
type Config struct {
	Ranges     []Range    `yaml:"ranges"`
	PoolCap    int        `yaml:"pool_capacity"`
	Preseed    int        `yaml:"preseed"`
	APICPhys   uint64     `yaml:"apic_phys"`
	StackSize  int        `yaml:"stack_size"`
	Capability Capability `yaml:"capability"`
}

// Defaults mirrors the original implementation's EPTP_INIT_USED preseed
// count and its full 512-entry pointer pool (one slot per entry of the
// hardware EPTP list); test fixtures use smaller capacities of their own.
func Defaults() Config {
	return Config{
		PoolCap:   512,
		Preseed:   1,
		StackSize: 64 * 1024,
	}
}

// Load reads and validates a Config from a YAML file at path, filling in
// Defaults() for any zero-valued field the file does not set.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("hvconfig: reading %s: %w", path, err)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("hvconfig: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the range table and sizing knobs for internal
// consistency: every range is non-empty with a page-aligned start, ranges
// are in ascending order of start address, and no two ranges overlap
// (spec.md §3's Physical-memory range entity invariants).
func (c Config) Validate() error {
	if c.PoolCap <= 0 {
		return fmt.Errorf("hvconfig: pool_capacity must be positive, got %d", c.PoolCap)
	}
	if c.Preseed < 0 || c.Preseed > c.PoolCap {
		return fmt.Errorf("hvconfig: preseed %d out of range [0,%d]", c.Preseed, c.PoolCap)
	}
	for i, r := range c.Ranges {
		if r.Start >= r.End {
			return fmt.Errorf("hvconfig: range %d is empty or inverted: [0x%x,0x%x)", i, r.Start, r.End)
		}
		if r.Start%memory.PageSize != 0 {
			return fmt.Errorf("hvconfig: range %d start 0x%x is not page-aligned", i, r.Start)
		}
		if i > 0 && r.Start < c.Ranges[i-1].Start {
			return fmt.Errorf("hvconfig: range %d starts below range %d; ranges must be in ascending order", i, i-1)
		}
		for j := i + 1; j < len(c.Ranges); j++ {
			other := c.Ranges[j]
			if r.Start < other.End && other.Start < r.End {
				return fmt.Errorf("hvconfig: ranges %d and %d overlap", i, j)
			}
		}
	}
	return nil
}

// EPTRanges converts the YAML range table into the ept.Range slice the
// pointer pool consumes.
func (c Config) EPTRanges() []ept.Range {
	out := make([]ept.Range, len(c.Ranges))
	for i, r := range c.Ranges {
		out[i] = ept.Range{Start: r.Start, End: r.End}
	}
	return out
}

// ToCapability converts the YAML capability block to ept.Capability.
func (c Config) ToCapability() ept.Capability {
	return ept.Capability{SuppressVE: c.Capability.SuppressVE, PML: c.Capability.PML}
}
