package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/cbreuel/saros-tools/internal/evaluate"
	"github.com/cbreuel/saros-tools/internal/labels"
)

func runEvaluate(args []string) int {
	fs := flag.NewFlagSet("evaluate", flag.ExitOnError)
	gtDir := fs.String("gt", "", "Directory with reference segmentations (required)")
	predDir := fs.String("pred", "", "Directory with predicted segmentations (required)")
	datasetName := fs.String("dataset", "regions", "Label set: regions or parts")
	output := fs.String("output", "metrics.csv", "Output CSV file")
	parallel := fs.Int("parallel", 0, fmt.Sprintf("Number of subjects evaluated in parallel (default: %d = CPU cores)", runtime.NumCPU()))
	ignoreLabel := fs.Int("ignore-label", labels.IgnoreLabel, "Label value marking unannotated voxels")
	quiet := fs.Bool("quiet", false, "Suppress progress and summary output")
	fs.Parse(args)

	if *gtDir == "" || *predDir == "" {
		fmt.Fprintln(os.Stderr, "Error: -gt and -pred are required")
		fs.Usage()
		return 2
	}

	dataset, err := labels.ParseDataset(*datasetName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	workers := *parallel
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := evaluate.Options{
		GroundTruthDir: *gtDir,
		PredictionDir:  *predDir,
		Dataset:        dataset,
		Workers:        workers,
		IgnoreLabel:    int16(*ignoreLabel),
	}
	if !*quiet {
		opts.Progress = func(subject string, done, total int) {
			fmt.Printf("  [%d/%d] %s\n", done, total, subject)
		}
	}

	rows, err := evaluate.Run(ctx, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	f, err := os.Create(*output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: create %s: %v\n", *output, err)
		return 1
	}
	if err := evaluate.WriteCSV(f, rows); err != nil {
		f.Close()
		fmt.Fprintf(os.Stderr, "Error: write %s: %v\n", *output, err)
		return 1
	}
	if err := f.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: close %s: %v\n", *output, err)
		return 1
	}

	if !*quiet {
		fmt.Printf("\nWrote %d metric rows to %s\n\n", len(rows), *output)
		fmt.Println("Mean per class:")
		for _, r := range evaluate.Summarize(rows) {
			if r.Metric == "dice" || r.Metric == "surface_distance_3mm" {
				fmt.Printf("  %-22s %-22s %.4f\n", r.Label, r.Metric, r.Value)
			}
		}
	}
	return 0
}
