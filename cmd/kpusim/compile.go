package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stillwater-sc/kpusim/kpu/compiler"
	"github.com/stillwater-sc/kpusim/kpu/config"
)

var (
	compileSpecPath   string
	compileTopology   string
	compileOut        string
	compileName       string
	compileOp         string
	compileM          int
	compileN          int
	compileK          int
	compileDType      string
	compileActivation string
	compileHasBias    bool
	compileDataflow   string
)

var compileCmd = &cobra.Command{
	Use:   "compile",
	Short: "Compile a matmul or MLP kernel into an ISA program",
	Run: func(cmd *cobra.Command, args []string) {
		spec, err := resolveKernelSpec()
		if err != nil {
			logrus.Fatalf("compile: %v", err)
		}

		topo, err := loadTopologyOrDefault(compileTopology)
		if err != nil {
			logrus.Fatalf("compile: load topology: %v", err)
		}
		hwctx, err := buildHardwareContext(topo, false)
		if err != nil {
			logrus.Fatalf("compile: %v", err)
		}

		kernel, stats, err := compileKernel(hwctx.Compiler, spec)
		if err != nil {
			logrus.Fatalf("compile: %v", err)
		}

		logrus.Infof("compiled %q: %d instructions, tiles=%+v, dataflow=%s, est. cycles=%d, est. GFLOPS=%.2f",
			kernel.Name, len(kernel.Program.Instructions), stats.Tiles, stats.Dataflow, stats.TotalCycles, stats.GFLOPS)

		if err := writeProgram(kernel.Program, compileOut); err != nil {
			logrus.Fatalf("compile: write %s: %v", compileOut, err)
		}
		logrus.Infof("wrote %s", compileOut)
	},
}

func resolveKernelSpec() (*config.KernelSpec, error) {
	if compileSpecPath != "" {
		return config.LoadKernelSpec(compileSpecPath)
	}
	s := &config.KernelSpec{
		Name: compileName, Op: compileOp, M: compileM, N: compileN, K: compileK,
		DType: compileDType, Activation: compileActivation, HasBias: compileHasBias,
		Dataflow: compileDataflow,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// compileKernel translates a config.KernelSpec into a compiler.Kernel,
// the one place the CLI does the translation spec §1 reserves for it
// rather than letting *config.KernelSpec reach the compiler directly.
func compileKernel(c *compiler.Compiler, spec *config.KernelSpec) (*compiler.Kernel, compiler.CompilationStats, error) {
	dims := spec.Dims()
	dtype, err := spec.ParsedDType()
	if err != nil {
		return nil, compiler.CompilationStats{}, err
	}
	activation, err := spec.ParsedActivation()
	if err != nil {
		return nil, compiler.CompilationStats{}, err
	}
	ext := externalLayout(dims, dtype, spec.HasBias, spec.ExternalBases)

	opts := compiler.Options{
		Tiles: spec.ParsedTiles(), Dataflow: parseDataflow(spec.Dataflow),
		DoubleBuffering: spec.DoubleBuffering, FabricSize: uint32(spec.FabricSize), DType: dtype,
	}

	var kernel *compiler.Kernel
	switch strings.ToLower(spec.Op) {
	case "mlp":
		kernel, err = c.CompileMLP(spec.Name, dims, activation, ext, opts)
	default:
		kernel, err = c.CompileMatmul(spec.Name, dims, ext, opts)
	}
	if err != nil {
		return nil, compiler.CompilationStats{}, err
	}
	return kernel, c.LastStats(), nil
}

func parseDataflow(name string) compiler.Dataflow {
	switch strings.ToLower(name) {
	case "output_stationary":
		return compiler.OutputStationary
	case "weight_stationary":
		return compiler.WeightStationary
	case "input_stationary":
		return compiler.InputStationary
	default:
		return compiler.Auto
	}
}

// writeProgram serializes p to path, dispatching on extension: ".kpujson"
// or ".json" (any case) selects the human-readable MarshalJSON mirror,
// anything else (including
// the canonical ".kpubin") selects the binary wire format.
func writeProgram(p interface {
	MarshalBinary() ([]byte, error)
	MarshalJSON() ([]byte, error)
}, path string) error {
	var data []byte
	var err error
	if strings.EqualFold(filepath.Ext(path), ".kpujson") || strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = p.MarshalJSON()
	} else {
		data, err = p.MarshalBinary()
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func init() {
	compileCmd.Flags().StringVar(&compileSpecPath, "spec", "", "Path to a kernel spec YAML/JSON file (overrides the individual flags below)")
	compileCmd.Flags().StringVar(&compileTopology, "topology", "", "Path to a topology YAML file (defaults to a small built-in topology)")
	compileCmd.Flags().StringVarP(&compileOut, "output", "o", "out.kpubin", "Output program path (.kpubin or .kpujson)")
	compileCmd.Flags().StringVar(&compileName, "name", "kernel", "Kernel name")
	compileCmd.Flags().StringVar(&compileOp, "op", "matmul", "Kernel kind: matmul or mlp")
	compileCmd.Flags().IntVar(&compileM, "m", 0, "Matmul M dimension")
	compileCmd.Flags().IntVar(&compileN, "n", 0, "Matmul N dimension")
	compileCmd.Flags().IntVar(&compileK, "k", 0, "Matmul K dimension")
	compileCmd.Flags().StringVar(&compileDType, "dtype", "float32", "Element data type")
	compileCmd.Flags().StringVar(&compileActivation, "activation", "none", "Fused activation (mlp only): none, relu, gelu, sigmoid, tanh, silu, softplus, leaky_relu")
	compileCmd.Flags().BoolVar(&compileHasBias, "bias", false, "Reserve a bias vector after C in external memory (mlp kernels always fuse a bias add, matmul kernels never do)")
	compileCmd.Flags().StringVar(&compileDataflow, "dataflow", "auto", "Dataflow: auto, output_stationary, weight_stationary, input_stationary")
}
