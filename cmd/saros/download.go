package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cbreuel/saros-tools/internal/config"
	"github.com/cbreuel/saros-tools/internal/download"
	"github.com/cbreuel/saros-tools/internal/manifest"
	"github.com/cbreuel/saros-tools/internal/tcia"
	"github.com/cbreuel/saros-tools/internal/tui"
)

func runDownload(args []string) int {
	fs := flag.NewFlagSet("download", flag.ExitOnError)
	infoCSV := fs.String("info", "info.csv", "Dataset manifest CSV")
	targetDir := fs.String("target", "data", "Target directory for downloaded cases")
	parallel := fs.Int("parallel-downloads", 0, fmt.Sprintf("Number of parallel downloads (default: %d = CPU cores)", runtime.NumCPU()))
	force := fs.Bool("force-download", false, "Reprocess cases whose outputs already exist")
	noLogin := fs.Bool("no-login", false, "Use guest access instead of a TCIA account")
	username := fs.String("username", "", "TCIA username (prompts for the password)")
	saveOriginal := fs.Bool("save-original-image", false, "Also keep the volume at acquisition resolution")
	saveMeta := fs.Bool("save-meta-dicoms", false, "Keep the first and last DICOM file of each series")
	saveDicoms := fs.Bool("save-dicoms", false, "Keep the complete DICOM series of each case")
	savePreview := fs.Bool("save-preview", false, "Write a PNG preview of each volume")
	quiet := fs.Bool("quiet", false, "Plain line output instead of the live dashboard")
	configPath := fs.String("config", "saros.yaml", "Configuration file with download defaults")
	apiURL := fs.String("api-url", "", "Override the NBIA services URL")
	loginURL := fs.String("login-url", "", "Override the OAuth token URL")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// Flags win over the config file; only flags left at their default are
	// filled from it.
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	applyConfig := func(name string, apply func()) {
		if !set[name] {
			apply()
		}
	}
	dl := cfg.Download
	applyConfig("info", func() {
		if dl.InfoCSV != "" {
			*infoCSV = dl.InfoCSV
		}
	})
	applyConfig("target", func() {
		if dl.TargetDir != "" {
			*targetDir = dl.TargetDir
		}
	})
	applyConfig("parallel-downloads", func() {
		if dl.ParallelDownloads > 0 {
			*parallel = dl.ParallelDownloads
		}
	})
	applyConfig("username", func() { *username = dl.Username })
	applyConfig("no-login", func() { *noLogin = *noLogin || dl.NoLogin })
	applyConfig("save-original-image", func() { *saveOriginal = *saveOriginal || dl.SaveOriginalImage })
	applyConfig("save-meta-dicoms", func() { *saveMeta = *saveMeta || dl.SaveMetaDicoms })
	applyConfig("save-dicoms", func() { *saveDicoms = *saveDicoms || dl.SaveDicoms })
	applyConfig("save-preview", func() { *savePreview = *savePreview || dl.SavePreview })
	applyConfig("api-url", func() { *apiURL = dl.APIURL })
	applyConfig("login-url", func() { *loginURL = dl.LoginURL })

	cases, err := manifest.Load(*infoCSV)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	creds := tui.Credentials{Username: tcia.GuestUsername}
	if !*noLogin {
		creds, err = tui.PromptLogin(*username)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if creds.Username == "" {
			creds.Username = tcia.GuestUsername
			creds.Password = ""
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := tcia.NewClient(tcia.Options{APIURL: *apiURL, LoginURL: *loginURL})
	tokens, err := tcia.NewTokenSource(ctx, client, creds.Username, creds.Password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	// A failed refresh would 401 every remaining case, so it aborts the run.
	go func() {
		if err := tokens.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Error: refresh authentication token: %v\n", err)
			cancel()
		}
	}()

	runner := download.NewRunner(client, tokens)
	opts := download.Options{
		ManifestPath:      *infoCSV,
		TargetDir:         *targetDir,
		Workers:           *parallel,
		Force:             *force,
		SaveOriginalImage: *saveOriginal,
		SaveMetaDicoms:    *saveMeta,
		SaveDicoms:        *saveDicoms,
		SavePreview:       *savePreview,
	}

	var result download.Result
	if *quiet {
		opts.Events = func(ev download.Event) {
			switch {
			case ev.Err != nil:
				fmt.Printf("  %s: failed: %v\n", ev.CaseID, ev.Err)
			case ev.Skipped:
				fmt.Printf("  %s: already done, skipping\n", ev.CaseID)
			case ev.Done:
				fmt.Printf("  %s: done\n", ev.CaseID)
			case ev.Step == download.StepDownload:
				fmt.Printf("  %s: %s\n", ev.CaseID, download.StepName(ev.Step))
			}
		}
		fmt.Printf("Downloading %d cases to %s...\n", len(cases), *targetDir)
		result, err = runner.Run(ctx, opts)
	} else {
		result, err = runWithDashboard(ctx, cancel, runner, opts, len(cases))
	}

	fmt.Printf("\nDownloaded %d, skipped %d, failed %d\n", result.Downloaded, result.Skipped, result.Failed)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "Cancelled.")
			return 1
		}
		fmt.Fprintf(os.Stderr, "Errors:\n%v\n", err)
		return 1
	}
	return 0
}

// runWithDashboard drives the run behind the live bubbletea dashboard.
func runWithDashboard(ctx context.Context, cancel context.CancelFunc, runner *download.Runner, opts download.Options, total int) (download.Result, error) {
	model := tui.NewProgressModel(total, cancel)
	program := tea.NewProgram(model)

	opts.Events = func(ev download.Event) {
		program.Send(ev)
	}

	type outcome struct {
		result download.Result
		err    error
	}
	resCh := make(chan outcome, 1)
	go func() {
		result, err := runner.Run(ctx, opts)
		resCh <- outcome{result, err}
		program.Send(tui.FinishedMsg{Result: result, Err: err})
	}()

	if _, err := program.Run(); err != nil {
		return download.Result{}, fmt.Errorf("dashboard: %w", err)
	}
	out := <-resCh
	return out.result, out.err
}
