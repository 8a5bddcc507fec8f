package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cbreuel/saros-tools/internal/labels"
	"github.com/cbreuel/saros-tools/internal/nnunet"
)

func runNNUNet(args []string) int {
	fs := flag.NewFlagSet("nnunet", flag.ExitOnError)
	infoCSV := fs.String("info", "info.csv", "Dataset manifest CSV")
	sourceDir := fs.String("source", "data", "Directory with downloaded cases")
	outputDir := fs.String("output", ".", "Target root for the nnUNet_training folder")
	datasetName := fs.String("dataset", "regions", "Label set: regions or parts")
	quiet := fs.Bool("quiet", false, "Suppress per-case progress output")
	fs.Parse(args)

	dataset, err := labels.ParseDataset(*datasetName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := nnunet.Options{
		ManifestPath: *infoCSV,
		SourceDir:    *sourceDir,
		OutputDir:    *outputDir,
		Dataset:      dataset,
	}
	if !*quiet {
		fmt.Printf("Building %s in %s...\n", nnunet.DatasetName(dataset), *outputDir)
		opts.Progress = func(caseID string, done, total int) {
			fmt.Printf("  [%d/%d] %s\n", done, total, caseID)
		}
	}

	if err := nnunet.GenerateDataset(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if !*quiet {
		fmt.Printf("Done: %s\n", filepath.Join(*outputDir, "nnUNet_training", "nnUNet_raw", nnunet.DatasetName(dataset)))
	}
	return 0
}
