package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/isa"
	"github.com/stillwater-sc/kpusim/kpu/tileopt"
)

const validKernelSpecYAML = `
name: fc1
op: mlp
m: 16
n: 32
k: 16
dtype: float32
activation: relu
has_bias: true
dataflow: auto
tiles:
  ti: 16
  tj: 16
  tk: 16
  l1_ki: 16
external_bases:
  a: 4096
  b: 8192
  c: 12288
  bias: 16384
`

const validKernelSpecJSON = `{
  "name": "fc1",
  "op": "matmul",
  "m": 16,
  "n": 32,
  "k": 16,
  "dtype": "float32",
  "activation": "none",
  "has_bias": false
}`

// GIVEN a well-formed kernel spec YAML
// WHEN LoadKernelSpec parses it
// THEN the numeric and string fields decode and the derived accessors
// return the expected isa values
func TestLoadKernelSpec_YAML(t *testing.T) {
	path := writeTemp(t, "kernel.yaml", validKernelSpecYAML)

	spec, err := LoadKernelSpec(path)
	require.NoError(t, err)

	assert.Equal(t, isa.Dims{M: 16, N: 32, K: 16}, spec.Dims())

	act, err := spec.ParsedActivation()
	require.NoError(t, err)
	assert.Equal(t, isa.ActivationReLU, act)

	a, b, c, bias := spec.ParsedExternalBases()
	assert.Equal(t, [4]kpu.Address{4096, 8192, 12288, 16384}, [4]kpu.Address{a, b, c, bias})

	assert.Equal(t, tileopt.TileConfig{Ti: 16, Tj: 16, Tk: 16, L1Ki: 16}, spec.ParsedTiles())
}

// GIVEN a well-formed kernel spec JSON file (extension-dispatched)
// WHEN LoadKernelSpec parses it
// THEN it decodes via encoding/json rather than yaml.v3
func TestLoadKernelSpec_JSON(t *testing.T) {
	path := writeTemp(t, "kernel.json", validKernelSpecJSON)

	spec, err := LoadKernelSpec(path)
	if err != nil {
		t.Fatalf("LoadKernelSpec: %v", err)
	}
	if spec.Op != "matmul" {
		t.Errorf("Op = %q, want matmul", spec.Op)
	}
	dtype, err := spec.ParsedDType()
	if err != nil {
		t.Fatalf("ParsedDType: %v", err)
	}
	if dtype.String() != "float32" {
		t.Errorf("ParsedDType = %v, want float32", dtype)
	}
}

// GIVEN a kernel spec naming an unknown op
// WHEN LoadKernelSpec validates it
// THEN it is rejected
func TestLoadKernelSpec_RejectsUnknownOp(t *testing.T) {
	path := writeTemp(t, "kernel.yaml", `
name: bad
op: conv2d
m: 1
n: 1
k: 1
dtype: float32
`)
	if _, err := LoadKernelSpec(path); err == nil {
		t.Fatal("expected LoadKernelSpec to reject op: conv2d")
	}
}

// GIVEN a kernel spec with a zero dimension
// WHEN Validate runs
// THEN it is rejected
func TestKernelSpec_ValidateRejectsZeroDims(t *testing.T) {
	s := KernelSpec{Name: "zero", Op: "matmul", M: 0, N: 1, K: 1, DType: "float32"}
	if err := s.Validate(); err == nil {
		t.Fatal("expected Validate to reject m=0")
	}
}

// GIVEN a kernel spec leaving tiles unset
// WHEN ParsedTiles is called
// THEN it returns the zero TileConfig, triggering tile-optimizer
// auto-selection downstream
func TestKernelSpec_ParsedTilesDefaultsToAutoSelection(t *testing.T) {
	s := KernelSpec{}
	if got := s.ParsedTiles(); got.Ti != 0 || got.Tj != 0 || got.Tk != 0 {
		t.Errorf("ParsedTiles() = %+v, want the zero value", got)
	}
}

func TestLoadKernelSpec_MissingFile(t *testing.T) {
	if _, err := LoadKernelSpec(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing kernel spec file")
	}
}
