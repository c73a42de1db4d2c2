package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/katalvlaran/mpcmatch/config"
	"github.com/katalvlaran/mpcmatch/engine"
)

var (
	inputPath string
	vertexN   uint64
	testMode  bool
)

// runCmd loads an edge list and a config, runs the engine over an
// in-process worker group sized to the edge list's own partitioning,
// and prints the resulting matching.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compute a maximal matching from a partitioned edge-list file",
	Example: `  mpcmatch run --input graph.txt --n 1000
  mpcmatch run --input graph.txt --n 1000 --config mpcmatch.yaml --test-mode`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&inputPath, "input", "", "path to an edge-list file (required)")
	runCmd.Flags().Uint64Var(&vertexN, "n", 0, "global vertex count, used to derive the per-machine edge budget (required)")
	runCmd.Flags().BoolVar(&testMode, "test-mode", false, "enable the expensive sampled correctness checks")
	_ = runCmd.MarkFlagRequired("input")
	_ = runCmd.MarkFlagRequired("n")
	rootCmd.AddCommand(runCmd)
}

func runRun(cobraCmd *cobra.Command, args []string) error {
	opts, err := resolveOptions()
	if err != nil {
		return fmt.Errorf("mpcmatch run: %w", err)
	}
	if testMode {
		opts.TestMode = config.TestModeOn
	}

	edgesPerWorker, err := readEdgeList(inputPath)
	if err != nil {
		return fmt.Errorf("mpcmatch run: %w", err)
	}

	matching, run, err := engine.Run(context.Background(), opts, edgesPerWorker, vertexN)
	if err != nil {
		return fmt.Errorf("mpcmatch run: %w", err)
	}

	fmt.Printf("run %s: %d phases, finisher=%v, matched %d edges\n",
		run.RunID, run.PhasesRun, run.FinishedByFinisher, len(matching.Edges))
	for _, e := range matching.Edges {
		fmt.Printf("%d %d %d\n", e.EID, e.U, e.V)
	}
	return nil
}

func resolveOptions() (config.Options, error) {
	if configPath == "" {
		return config.New()
	}
	return config.LoadViper(configPath)
}

// readEdgeList parses lines of the form "rank u v" into a per-rank
// edge-pair slice. Blank lines and lines starting with '#' are skipped.
func readEdgeList(path string) ([][][2]uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var edgesPerWorker [][][2]uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("malformed line %q: expected \"rank u v\"", line)
		}
		rank, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("malformed rank in %q: %w", line, err)
		}
		u, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed u in %q: %w", line, err)
		}
		v, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed v in %q: %w", line, err)
		}
		for len(edgesPerWorker) <= rank {
			edgesPerWorker = append(edgesPerWorker, nil)
		}
		edgesPerWorker[rank] = append(edgesPerWorker[rank], [2]uint64{u, v})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return edgesPerWorker, nil
}
