package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/exec"
	"github.com/stillwater-sc/kpusim/kpu/isa"
	"github.com/stillwater-sc/kpusim/kpu/trace"
)

var (
	runProgramPath  string
	runTopology     string
	runMaxCycles    int64
	runTraceOut     string
	runTraceFormat  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a compiled program against a hardware context",
	Run: func(cmd *cobra.Command, args []string) {
		if runProgramPath == "" {
			logrus.Fatal("run: --program is required")
		}

		program, err := loadProgram(runProgramPath)
		if err != nil {
			logrus.Fatalf("run: %v", err)
		}

		topo, err := loadTopologyOrDefault(runTopology)
		if err != nil {
			logrus.Fatalf("run: load topology: %v", err)
		}
		hwctx, err := buildHardwareContext(topo, runTraceOut != "")
		if err != nil {
			logrus.Fatalf("run: %v", err)
		}

		biasBase := kpu.Address(0)
		if program.MemoryMap.HasBias {
			biasBase = program.MemoryMap.BiasBase
		}
		sequential := exec.NewSequential(hwctx.Hardware, program,
			program.MemoryMap.ABase, program.MemoryMap.BBase, program.MemoryMap.CBase, biasBase)

		completed, finalCycle, stats := sequential.Run(kpu.Cycle(runMaxCycles))
		if !completed {
			logrus.Warnf("run: %q did not complete within %d cycles (state=%s)", program.Name, runMaxCycles, sequential.State())
		}
		logrus.Infof("ran %q: completed=%v cycles=%d dma=%d block_movers=%d streamers=%d compute=%d bytes_moved=%d",
			program.Name, completed, finalCycle, stats.DMAOps, stats.BlockMoverOps, stats.StreamerOps, stats.ComputeOps, stats.BytesMoved)

		if runTraceOut != "" {
			if err := writeTrace(hwctx.Logger, runTraceOut, runTraceFormat); err != nil {
				logrus.Fatalf("run: write trace %s: %v", runTraceOut, err)
			}
			logrus.Infof("wrote trace %s", runTraceOut)
		}
	},
}

// loadProgram reads a compiled program, dispatching on extension the same
// way writeProgram's output side does: ".kpujson"/".json" selects the
// JSON mirror, anything else the binary format.
func loadProgram(path string) (*isa.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var p isa.Program
	if strings.EqualFold(filepath.Ext(path), ".kpujson") || strings.EqualFold(filepath.Ext(path), ".json") {
		err = p.UnmarshalJSON(data)
	} else {
		err = p.UnmarshalBinary(data)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &p, nil
}

// writeTrace exports logger's recorded events to path in the requested
// format: csv, json (the default envelope), or chrome (about:tracing).
func writeTrace(logger *trace.Logger, path, format string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	events := logger.Events()
	switch strings.ToLower(format) {
	case "csv":
		return trace.WriteCSV(f, events)
	case "chrome":
		return trace.WriteChromeTrace(f, events)
	default:
		return trace.WriteJSON(f, events)
	}
}

func init() {
	runCmd.Flags().StringVar(&runProgramPath, "program", "", "Path to a compiled program (.kpubin or .kpujson)")
	runCmd.Flags().StringVar(&runTopology, "topology", "", "Path to a topology YAML file (defaults to a small built-in topology)")
	runCmd.Flags().Int64Var(&runMaxCycles, "max-cycles", 1_000_000, "Cycle budget before giving up")
	runCmd.Flags().StringVar(&runTraceOut, "trace-out", "", "Path to write a trace export (enables tracing when set)")
	runCmd.Flags().StringVar(&runTraceFormat, "trace-format", "json", "Trace export format: json, csv, or chrome")
}
