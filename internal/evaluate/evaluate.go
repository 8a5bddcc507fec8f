// Package evaluate compares predicted segmentations against the sparse
// SAROS reference annotations and reports per-class overlap and surface
// distance metrics.
package evaluate

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/cbreuel/saros-tools/internal/labels"
	"github.com/cbreuel/saros-tools/internal/nifti"
	"github.com/cbreuel/saros-tools/internal/volume"
)

// spacingTolerance is the maximum per-axis spacing difference in
// millimeters before two volumes are considered geometrically mismatched.
const spacingTolerance = 1e-3

// Options configures an evaluation run.
type Options struct {
	// GroundTruthDir contains one reference segmentation per subject.
	GroundTruthDir string

	// PredictionDir contains the predicted segmentations, named like the
	// reference files.
	PredictionDir string

	// Dataset selects the label set to evaluate.
	Dataset labels.Dataset

	// Workers is the number of subjects evaluated concurrently.
	Workers int

	// IgnoreLabel marks unannotated voxels, excluded from all metrics.
	// Zero selects the dataset default.
	IgnoreLabel int16

	// Progress, if set, is called once per finished subject.
	Progress func(subject string, done, total int)
}

// Row is one metric value in long format.
type Row struct {
	Subject string
	Metric  string
	Label   string
	Value   float64
}

// Run evaluates every subject found in the ground truth directory and
// returns the metric rows ordered by subject.
func Run(ctx context.Context, opts Options) ([]Row, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.IgnoreLabel == 0 {
		opts.IgnoreLabel = labels.IgnoreLabel
	}

	subjects, err := listSubjects(opts.GroundTruthDir)
	if err != nil {
		return nil, err
	}
	if len(subjects) == 0 {
		return nil, fmt.Errorf("evaluate: no segmentations found in %s", opts.GroundTruthDir)
	}

	classMap := opts.Dataset.ForegroundMap()
	classNames := labels.SortedNames(classMap)

	type result struct {
		subject string
		rows    []Row
		err     error
	}

	tasks := make(chan string, len(subjects))
	results := make(chan result, len(subjects))

	var wg sync.WaitGroup
	for w := 0; w < opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for subject := range tasks {
				if ctx.Err() != nil {
					results <- result{subject: subject, err: ctx.Err()}
					continue
				}
				rows, err := evaluateSubject(opts, subject, classMap, classNames)
				results <- result{subject: subject, rows: rows, err: err}
			}
		}()
	}

	for _, s := range subjects {
		tasks <- s
	}
	close(tasks)

	go func() {
		wg.Wait()
		close(results)
	}()

	bySubject := make(map[string][]Row, len(subjects))
	var firstErr error
	done := 0
	for res := range results {
		done++
		if res.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("evaluate %s: %w", res.subject, res.err)
			}
			continue
		}
		bySubject[res.subject] = res.rows
		if opts.Progress != nil {
			opts.Progress(res.subject, done, len(subjects))
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}

	var rows []Row
	for _, s := range subjects {
		rows = append(rows, bySubject[s]...)
	}
	return rows, nil
}

// listSubjects returns the subject IDs of all segmentation files in dir,
// sorted.
func listSubjects(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("evaluate: read %s: %w", dir, err)
	}
	var subjects []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".nii.gz"):
			subjects = append(subjects, strings.TrimSuffix(name, ".nii.gz"))
		case strings.HasSuffix(name, ".nii"):
			subjects = append(subjects, strings.TrimSuffix(name, ".nii"))
		}
	}
	sort.Strings(subjects)
	return subjects, nil
}

func evaluateSubject(opts Options, subject string, classMap map[string]int, classNames []string) ([]Row, error) {
	gt, err := readSegmentation(opts.GroundTruthDir, subject)
	if err != nil {
		return nil, err
	}
	pred, err := readSegmentation(opts.PredictionDir, subject)
	if err != nil {
		return nil, err
	}

	if gt.Dims() != pred.Dims() {
		return nil, fmt.Errorf("shape mismatch: reference %v, prediction %v", gt.Dims(), pred.Dims())
	}
	for c := 0; c < 3; c++ {
		if math.Abs(gt.Spacing[c]-pred.Spacing[c]) > spacingTolerance {
			return nil, fmt.Errorf("spacing mismatch: reference %v, prediction %v", gt.Spacing, pred.Spacing)
		}
	}

	var rows []Row
	for _, name := range classNames {
		gtMask, predMask := classMasks(gt, pred, int16(classMap[name]), opts.IgnoreLabel)
		for _, m := range ClassMetrics(gtMask, predMask, gt.Dims(), gt.Spacing) {
			rows = append(rows, Row{
				Subject: subject,
				Metric:  m.Name,
				Label:   name,
				Value:   m.Value,
			})
		}
	}
	return rows, nil
}

// readSegmentation loads <dir>/<subject>.nii.gz, falling back to the
// uncompressed variant.
func readSegmentation(dir, subject string) (*volume.Volume, error) {
	path := filepath.Join(dir, subject+".nii.gz")
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(dir, subject+".nii")
	}
	return nifti.Read(path)
}

// WriteCSV writes rows in long format.
func WriteCSV(w io.Writer, rows []Row) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"subject", "metric", "label", "value"}); err != nil {
		return err
	}
	for _, r := range rows {
		rec := []string{r.Subject, r.Metric, r.Label, strconv.FormatFloat(r.Value, 'g', -1, 64)}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Summarize averages each (label, metric) pair across subjects. Rows keep
// the first-seen order of labels and metrics; the subject column is "mean".
func Summarize(rows []Row) []Row {
	type key struct{ label, metric string }
	values := make(map[key][]float64)
	var order []key
	for _, r := range rows {
		k := key{r.Label, r.Metric}
		if _, seen := values[k]; !seen {
			order = append(order, k)
		}
		values[k] = append(values[k], r.Value)
	}

	out := make([]Row, 0, len(order))
	for _, k := range order {
		out = append(out, Row{
			Subject: "mean",
			Metric:  k.metric,
			Label:   k.label,
			Value:   stat.Mean(values[k], nil),
		})
	}
	return out
}
