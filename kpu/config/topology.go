// Package config loads the two YAML/JSON-facing documents that sit
// outside the simulator core (spec §1's external-interface list): a
// hardware Topology describing buffer/engine instance counts and
// bandwidths, and a KernelSpec describing one kernel launch request.
// Both are plain decoded structs; nothing in this package touches
// addr.Decoder, engine.Registry, or the compiler directly — cmd/kpusim
// does that translation, matching the teacher's pattern of keeping
// cmd/default_config.go's Config a pure YAML mirror that callers turn
// into domain values themselves.
//
// Grounded on cmd/default_config.go's strict yaml.Decoder(KnownFields)
// pattern in the teacher.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stillwater-sc/kpusim/kpu"
)

// BufferTier describes one level of the buffer hierarchy: how many
// instances exist and the per-instance capacity in bytes.
type BufferTier struct {
	Instances int      `yaml:"instances"`
	Capacity  kpu.Size `yaml:"capacity_bytes"`
}

// SFUTable describes the special function unit's lookup table. It is
// decoded but not applied: the vector engines always use their built-in
// 256-entry tables over [-8,8].
type SFUTable struct {
	Size int     `yaml:"size"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
}

// Topology is the YAML-decoded description of one simulated KPU's
// hardware: buffer hierarchy, data-movement engine counts and
// bandwidths, compute fabric shape, and vector/SFU geometry.
//
// All fields are listed here to satisfy KnownFields(true) strict
// parsing: an unrecognized key in the YAML is a configuration mistake,
// not a silently-ignored extension point.
type Topology struct {
	Name string `yaml:"name"`

	L3 BufferTier `yaml:"l3"`
	L2 BufferTier `yaml:"l2"`
	L1 BufferTier `yaml:"l1"`

	NumDMA          int     `yaml:"num_dma"`
	DMABytesPerCycle float64 `yaml:"dma_bytes_per_cycle"`

	NumBlockMovers          int     `yaml:"num_block_movers"`
	BlockMoverBytesPerCycle float64 `yaml:"block_mover_bytes_per_cycle"`

	NumStreamers int `yaml:"num_streamers"`

	UseSystolic  bool `yaml:"use_systolic"`
	SystolicRows int  `yaml:"systolic_rows"`
	SystolicCols int  `yaml:"systolic_cols"`

	NumVectorEngines int `yaml:"num_vector_engines"`
	VectorWidth      int `yaml:"vector_width"`
	SFU              SFUTable `yaml:"sfu"`

	CacheLineBytes kpu.Size `yaml:"cache_line_bytes"`
	ClockGHz       float64  `yaml:"clock_ghz"`
}

// Validate checks the topology for the combinations that would make it
// impossible to build a working hardware context: a buffer tier with no
// instances or zero capacity, zero engine counts or bandwidths, a zero
// vector width, and use_systolic without positive rows and cols.
func (t *Topology) Validate() error {
	if t.L3.Instances <= 0 || t.L3.Capacity <= 0 {
		return fmt.Errorf("config: topology %q: l3 must have positive instances and capacity", t.Name)
	}
	if t.L2.Instances <= 0 || t.L2.Capacity <= 0 {
		return fmt.Errorf("config: topology %q: l2 must have positive instances and capacity", t.Name)
	}
	if t.L1.Instances <= 0 || t.L1.Capacity <= 0 {
		return fmt.Errorf("config: topology %q: l1 must have positive instances and capacity", t.Name)
	}
	if t.NumDMA <= 0 || t.DMABytesPerCycle <= 0 {
		return fmt.Errorf("config: topology %q: num_dma and dma_bytes_per_cycle must be positive", t.Name)
	}
	if t.NumBlockMovers <= 0 || t.BlockMoverBytesPerCycle <= 0 {
		return fmt.Errorf("config: topology %q: num_block_movers and block_mover_bytes_per_cycle must be positive", t.Name)
	}
	if t.NumStreamers <= 0 {
		return fmt.Errorf("config: topology %q: num_streamers must be positive", t.Name)
	}
	if t.UseSystolic && (t.SystolicRows <= 0 || t.SystolicCols <= 0) {
		return fmt.Errorf("config: topology %q: use_systolic requires positive systolic_rows and systolic_cols", t.Name)
	}
	if t.NumVectorEngines <= 0 || t.VectorWidth <= 0 {
		return fmt.Errorf("config: topology %q: num_vector_engines and vector_width must be positive", t.Name)
	}
	return nil
}

// LoadTopology reads and strictly decodes a topology YAML file,
// rejecting unknown fields the way the teacher's GetDefaultSpecs does.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read topology %s: %w", path, err)
	}
	var t Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("config: parse topology %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
