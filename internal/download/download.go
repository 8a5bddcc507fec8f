// Package download mirrors the SAROS CT volumes from the TCIA archive.
// Each manifest case is fetched as a DICOM zip, converted to a resampled
// NIfTI volume and written next to the annotation files. Finished cases
// are skipped, so an interrupted run can simply be restarted.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/cbreuel/saros-tools/internal/dicomseries"
	"github.com/cbreuel/saros-tools/internal/manifest"
	"github.com/cbreuel/saros-tools/internal/nifti"
	"github.com/cbreuel/saros-tools/internal/preview"
	"github.com/cbreuel/saros-tools/internal/tcia"
	"github.com/cbreuel/saros-tools/internal/volume"
)

// targetThickness is the z resolution of the published SAROS volumes, in
// millimeters. Annotations were made on volumes resampled to this value,
// so the images must match it exactly.
const targetThickness = 5.0

// Steps of one case, reported through Event.Step.
const (
	StepDownload = iota + 1
	StepExtract
	StepLoadSeries
	StepResample
	StepWrite
	NumSteps = StepWrite
)

// StepName returns the display name of a progress step.
func StepName(step int) string {
	switch step {
	case StepDownload:
		return "downloading"
	case StepExtract:
		return "extracting"
	case StepLoadSeries:
		return "reading series"
	case StepResample:
		return "resampling"
	case StepWrite:
		return "writing nifti"
	default:
		return "waiting"
	}
}

// Event reports per-case progress to the caller.
type Event struct {
	CaseID string
	Worker int

	// Step is the current pipeline step, 1-based. Zero with Done or
	// Skipped set marks the end of a case.
	Step int

	Skipped bool
	Done    bool
	Err     error
}

// Options configures a download run.
type Options struct {
	// ManifestPath is the dataset manifest CSV.
	ManifestPath string

	// TargetDir is the directory receiving one folder per case.
	TargetDir string

	// Workers is the number of parallel case downloads. Zero picks the
	// CPU count.
	Workers int

	// Force reprocesses cases whose outputs already exist.
	Force bool

	// SaveOriginalImage additionally writes image_original.nii.gz, the
	// volume at acquisition resolution before z resampling.
	SaveOriginalImage bool

	// SaveMetaDicoms keeps the first and last DICOM file of the series
	// for metadata inspection.
	SaveMetaDicoms bool

	// SaveDicoms keeps the complete extracted DICOM series.
	SaveDicoms bool

	// SavePreview writes a windowed PNG of the middle slice.
	SavePreview bool

	// Events, if set, receives progress events from all workers.
	Events func(Event)
}

// Runner executes download runs against one archive client.
type Runner struct {
	client *tcia.Client
	tokens *tcia.TokenSource
}

// NewRunner creates a runner using the given client and token source.
func NewRunner(client *tcia.Client, tokens *tcia.TokenSource) *Runner {
	return &Runner{client: client, tokens: tokens}
}

// Result summarizes a finished run.
type Result struct {
	Downloaded int
	Skipped    int
	Failed     int
}

// Run processes all manifest cases with a bounded worker pool. Failures
// are collected per case and joined into the returned error; one broken
// series does not stop the rest of the mirror.
func (r *Runner) Run(ctx context.Context, opts Options) (Result, error) {
	cases, err := manifest.Load(opts.ManifestPath)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(opts.TargetDir, 0755); err != nil {
		return Result{}, fmt.Errorf("create target dir: %w", err)
	}

	numWorkers := opts.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if numWorkers > len(cases) {
		numWorkers = len(cases)
	}

	taskChan := make(chan manifest.Case, len(cases))
	resultChan := make(chan caseResult, len(cases))

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for c := range taskChan {
				if ctx.Err() != nil {
					resultChan <- caseResult{id: c.ID, err: ctx.Err()}
					continue
				}
				skipped, err := r.handleCase(ctx, opts, c, worker)
				resultChan <- caseResult{id: c.ID, skipped: skipped, err: err}
			}
		}(w)
	}

	for _, c := range cases {
		taskChan <- c
	}
	close(taskChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var res Result
	var errs []error
	for cr := range resultChan {
		switch {
		case cr.err != nil:
			res.Failed++
			errs = append(errs, fmt.Errorf("case %s: %w", cr.id, cr.err))
		case cr.skipped:
			res.Skipped++
		default:
			res.Downloaded++
		}
	}

	return res, errors.Join(errs...)
}

type caseResult struct {
	id      string
	skipped bool
	err     error
}

// handleCase runs the full pipeline for one case. Returns skipped=true
// when the outputs already exist and Force is off.
func (r *Runner) handleCase(ctx context.Context, opts Options, c manifest.Case, worker int) (skipped bool, err error) {
	emit := func(ev Event) {
		if opts.Events != nil {
			ev.CaseID = c.ID
			ev.Worker = worker
			opts.Events(ev)
		}
	}
	defer func() {
		emit(Event{Done: err == nil && !skipped, Skipped: skipped, Err: err})
	}()

	caseDir := filepath.Join(opts.TargetDir, c.ID)
	if !opts.Force && complete(caseDir, opts) {
		return true, nil
	}
	if err := os.MkdirAll(caseDir, 0755); err != nil {
		return false, fmt.Errorf("create case dir: %w", err)
	}

	// Everything intermediate lives in a scratch directory that is thrown
	// away afterwards, keeping the case folder free of partial state.
	workDir, err := os.MkdirTemp(caseDir, ".work-*")
	if err != nil {
		return false, fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	emit(Event{Step: StepDownload})
	zipPath := filepath.Join(workDir, "series.zip")
	if err := r.downloadArchive(ctx, c.SeriesUID, zipPath); err != nil {
		return false, err
	}

	emit(Event{Step: StepExtract})
	dicomDir := filepath.Join(workDir, "dicom")
	if err := unzip(zipPath, dicomDir); err != nil {
		return false, fmt.Errorf("extract archive: %w", err)
	}

	emit(Event{Step: StepLoadSeries})
	series, err := dicomseries.Load(dicomDir, c.SeriesUID)
	if err != nil {
		return false, err
	}

	if err := saveDicomExtras(caseDir, series, opts); err != nil {
		return false, err
	}

	emit(Event{Step: StepResample})
	if opts.SaveOriginalImage {
		if err := nifti.Write(filepath.Join(caseDir, "image_original.nii.gz"), series.Volume); err != nil {
			return false, err
		}
	}
	resampled, err := volume.ResampleToThickness(series.Volume, targetThickness)
	if err != nil {
		return false, err
	}

	emit(Event{Step: StepWrite})
	if err := nifti.Write(filepath.Join(caseDir, "image.nii.gz"), resampled); err != nil {
		return false, err
	}
	if opts.SavePreview {
		if err := preview.WritePNG(filepath.Join(caseDir, "preview.png"), resampled); err != nil {
			return false, err
		}
	}

	return false, nil
}

// downloadArchive streams the series zip to disk, refetching a token per
// attempt so a mid-run refresh is picked up.
func (r *Runner) downloadArchive(ctx context.Context, seriesUID, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	n, err := r.client.DownloadSeries(ctx, seriesUID, r.tokens.AccessToken(), f)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("archive for series %s is empty", seriesUID)
	}
	return f.Sync()
}

// saveDicomExtras writes the optional DICOM side outputs of one case.
func saveDicomExtras(caseDir string, series *dicomseries.Series, opts Options) error {
	if opts.SaveMetaDicoms {
		first := series.Files[0]
		last := series.Files[len(series.Files)-1]
		if err := dicomseries.CopyFile(first, filepath.Join(caseDir, "meta_first.dcm")); err != nil {
			return fmt.Errorf("save meta dicom: %w", err)
		}
		if err := dicomseries.CopyFile(last, filepath.Join(caseDir, "meta_last.dcm")); err != nil {
			return fmt.Errorf("save meta dicom: %w", err)
		}
	}

	if opts.SaveDicoms {
		outDir := filepath.Join(caseDir, "dicom")
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return err
		}
		// Source file names are kept so the export matches the archive.
		for _, src := range series.Files {
			dst := filepath.Join(outDir, filepath.Base(src))
			if err := dicomseries.CopyFile(src, dst); err != nil {
				return fmt.Errorf("save dicom %s: %w", filepath.Base(src), err)
			}
		}
	}

	return nil
}

// complete reports whether every requested output of a case exists.
func complete(caseDir string, opts Options) bool {
	required := []string{"image.nii.gz"}
	if opts.SaveOriginalImage {
		required = append(required, "image_original.nii.gz")
	}
	if opts.SaveMetaDicoms {
		required = append(required, "meta_first.dcm", "meta_last.dcm")
	}
	if opts.SaveDicoms {
		required = append(required, "dicom")
	}
	if opts.SavePreview {
		required = append(required, "preview.png")
	}
	for _, name := range required {
		if _, err := os.Stat(filepath.Join(caseDir, name)); err != nil {
			return false
		}
	}
	return true
}
