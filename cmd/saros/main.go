// Command saros manages the SAROS whole-body CT dataset: it mirrors the
// image volumes from the TCIA archive, builds the nnU-Net training layout
// and evaluates predicted segmentations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// version is set at build time via -ldflags
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "download":
		return runDownload(args[1:])
	case "nnunet":
		return runNNUNet(args[1:])
	case "evaluate":
		return runEvaluate(args[1:])
	case "version", "-version", "--version":
		fmt.Printf("saros %s\n", version)
		return 0
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Println(`saros - SAROS dataset tooling

Usage:
  saros <command> [flags]

Commands:
  download   Download CT volumes from TCIA and convert them to NIfTI
  nnunet     Build the nnU-Net raw dataset from downloaded cases
  evaluate   Compute segmentation metrics against the reference labels
  version    Print the version

Run 'saros <command> -h' for command flags.`)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM, so a
// Ctrl+C finishes in-flight work cleanly instead of tearing files apart.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
