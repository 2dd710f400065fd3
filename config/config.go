// Package config loads the VM's build-time tunables from a TOML file. In a
// systems-language build these would be preprocessor flags fixed at compile
// time (spec.md §6); here they are an ordinary struct a host loads once at
// startup and threads into engine.New.
package config

import (
	"io"
	"os"

	"github.com/naoina/toml"
)

// Config mirrors spec.md §6's compile-time flag set.
type Config struct {
	// Features names optional language surface. Nothing in this module reads
	// these fields: FLOAT and STRING values and their opcodes are always
	// available whatever is set here, and no transcendental Kernel methods
	// exist for Math to switch on.
	Features struct {
		Float  bool `toml:"float"`  // FLOAT tag and float arithmetic
		String bool `toml:"string"` // STRING tag and STRCAT/STRING opcodes
		Math   bool `toml:"math"`   // transcendental Kernel methods
	}

	// Memory bounds the allocator and register files.
	Memory struct {
		ArenaBytes    uint32 `toml:"arena_bytes"`
		MaxRegisters  uint16 `toml:"max_registers"`
		MaxSymbols    int    `toml:"max_symbols"`
		Align32       bool   `toml:"align32"`
		BigEndianWire bool   `toml:"big_endian_wire"`
	}

	// Scheduler bounds concurrent VMs and their time slices.
	Scheduler struct {
		MaxVMs        int `toml:"max_vms"`
		SliceLength   int `toml:"slice_length"`
	}

	// Debug is carried in the configuration, but nothing in this module reads
	// it; setting it switches on no instrumentation.
	Debug struct {
		Enabled bool `toml:"enabled"`
	}
}

// Default returns the configuration spec.md §6 lists as the baseline
// profile: float and string support on, math off, an 8 KiB arena.
func Default() *Config {
	c := &Config{}
	c.Features.Float = true
	c.Features.String = true
	c.Features.Math = false
	c.Memory.ArenaBytes = 8 * 1024
	c.Memory.MaxRegisters = 128
	c.Memory.MaxSymbols = 256
	c.Memory.Align32 = false
	c.Memory.BigEndianWire = true
	c.Scheduler.MaxVMs = 8
	c.Scheduler.SliceLength = 256
	return c
}

// Load reads and parses a TOML configuration file, starting from Default
// and overriding whatever the file specifies.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads TOML from r into a Config seeded with Default's values.
func Parse(r io.Reader) (*Config, error) {
	c := Default()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}
