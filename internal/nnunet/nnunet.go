// Package nnunet turns downloaded SAROS cases into an nnU-Net raw dataset:
// one 2D training image per annotated axial slice, cross-validation splits
// that keep all slices of a subject in the same fold, and full test volumes
// for whole-scan evaluation.
package nnunet

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cbreuel/saros-tools/internal/labels"
	"github.com/cbreuel/saros-tools/internal/manifest"
	"github.com/cbreuel/saros-tools/internal/nifti"
	"github.com/cbreuel/saros-tools/internal/volume"
)

// numFolds of the published cross-validation split.
const numFolds = 5

// Options configures dataset generation.
type Options struct {
	// ManifestPath is the dataset manifest CSV.
	ManifestPath string

	// SourceDir is the download target directory holding one folder per
	// case with image.nii.gz and the segmentation files.
	SourceDir string

	// OutputDir is the target root. The nnUNet_training folder with its
	// nnUNet_raw, nnUNet_preprocessed and nnUNet_eval trees is created
	// inside it.
	OutputDir string

	// Dataset selects the label set (and with it the dataset number).
	Dataset labels.Dataset

	// Progress, if set, is called after each processed case.
	Progress func(caseID string, done, total int)
}

// DatasetName returns the nnU-Net dataset folder name for a label set,
// e.g. "Dataset557_BCA_2d_regions".
func DatasetName(d labels.Dataset) string {
	return fmt.Sprintf("Dataset%d_BCA_2d_%s", d.DatasetNumber(), d)
}

// split is one fold of splits_final.json.
type split struct {
	Train []string `json:"train"`
	Val   []string `json:"val"`
}

// datasetJSON is the nnU-Net dataset descriptor.
type datasetJSON struct {
	ChannelNames map[string]string `json:"channel_names"`
	Labels       map[string]int    `json:"labels"`
	NumTraining  int               `json:"numTraining"`
	FileEnding   string            `json:"file_ending"`
	Licence      string            `json:"licence"`
	Release      string            `json:"release"`
}

// dirs holds the three output roots of one dataset: the raw slice data
// nnU-Net trains on, the preprocessed folder carrying the splits, and the
// eval folder with the full test volumes.
type dirs struct {
	raw          string
	preprocessed string
	eval         string
}

// datasetDirs lays out <output>/nnUNet_training/{nnUNet_raw,
// nnUNet_preprocessed,nnUNet_eval}/<task>.
func datasetDirs(outputDir string, d labels.Dataset) dirs {
	training := filepath.Join(outputDir, "nnUNet_training")
	task := DatasetName(d)
	return dirs{
		raw:          filepath.Join(training, "nnUNet_raw", task),
		preprocessed: filepath.Join(training, "nnUNet_preprocessed", task),
		eval:         filepath.Join(training, "nnUNet_eval", task),
	}
}

// GenerateDataset builds the dataset folders from all manifest cases that
// have been downloaded and converted.
func GenerateDataset(ctx context.Context, opts Options) error {
	cases, err := manifest.Load(opts.ManifestPath)
	if err != nil {
		return err
	}

	out := datasetDirs(opts.OutputDir, opts.Dataset)
	for _, dir := range []string{
		filepath.Join(out.raw, "imagesTr"),
		filepath.Join(out.raw, "labelsTr"),
		filepath.Join(out.raw, "imagesTs"),
		filepath.Join(out.raw, "labelsTs"),
		out.preprocessed,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("nnunet: create %s: %w", dir, err)
		}
	}

	// Slice IDs per fold, in manifest order so splits are reproducible.
	foldSlices := make([][]string, numFolds)
	numTraining := 0

	for i, c := range cases {
		if err := ctx.Err(); err != nil {
			return err
		}

		sliceIDs, err := processCase(out, opts, c)
		if err != nil {
			return fmt.Errorf("nnunet: case %s: %w", c.ID, err)
		}

		if !c.IsTest() {
			fold, err := c.Fold()
			if err != nil {
				return fmt.Errorf("nnunet: case %s: %w", c.ID, err)
			}
			foldSlices[fold] = append(foldSlices[fold], sliceIDs...)
			numTraining += len(sliceIDs)
		}

		if opts.Progress != nil {
			opts.Progress(c.ID, i+1, len(cases))
		}
	}

	if err := writeSplits(filepath.Join(out.preprocessed, "splits_final.json"), foldSlices); err != nil {
		return err
	}
	return writeDatasetJSON(filepath.Join(out.raw, "dataset.json"), opts.Dataset, numTraining)
}

// processCase writes the per-slice images and labels of one case and
// returns the slice IDs. Test cases additionally get their full volumes
// copied into the eval folder, images and labels in separate subfolders so
// the labels folder can serve as an evaluation ground truth directly.
func processCase(out dirs, opts Options, c manifest.Case) ([]string, error) {
	caseDir := filepath.Join(opts.SourceDir, c.ID)

	img, err := nifti.Read(filepath.Join(caseDir, "image.nii.gz"))
	if err != nil {
		return nil, err
	}
	seg, err := nifti.Read(filepath.Join(caseDir, opts.Dataset.Filename()))
	if err != nil {
		return nil, err
	}

	// Canonical orientation so slice indices agree across subjects
	// regardless of acquisition direction.
	img, err = volume.Reorient(img, "RAS")
	if err != nil {
		return nil, err
	}
	seg, err = volume.Reorient(seg, "RAS")
	if err != nil {
		return nil, err
	}
	if img.Dims() != seg.Dims() {
		return nil, fmt.Errorf("image %v and segmentation %v differ in shape", img.Dims(), seg.Dims())
	}

	imagesDir, labelsDir := "imagesTr", "labelsTr"
	if c.IsTest() {
		imagesDir, labelsDir = "imagesTs", "labelsTs"
	}

	var sliceIDs []string
	for _, z := range annotatedSlices(seg) {
		id := fmt.Sprintf("%s_%d", c.ID, z)
		sliceIDs = append(sliceIDs, id)

		imgSlice, err := img.SliceZ(z)
		if err != nil {
			return nil, err
		}
		segSlice, err := seg.SliceZ(z)
		if err != nil {
			return nil, err
		}
		if err := nifti.Write(filepath.Join(out.raw, imagesDir, id+"_0000.nii.gz"), imgSlice); err != nil {
			return nil, err
		}
		if err := nifti.Write(filepath.Join(out.raw, labelsDir, id+".nii.gz"), segSlice); err != nil {
			return nil, err
		}
	}
	if len(sliceIDs) == 0 {
		return nil, fmt.Errorf("segmentation has no annotated slices")
	}

	if c.IsTest() {
		// Full volumes for evaluating stitched predictions.
		evalImages := filepath.Join(out.eval, "imagesTs")
		evalLabels := filepath.Join(out.eval, "labelsTs")
		for _, dir := range []string{evalImages, evalLabels} {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
		if err := nifti.Write(filepath.Join(evalImages, c.ID+"_0000.nii.gz"), img); err != nil {
			return nil, err
		}
		if err := nifti.Write(filepath.Join(evalLabels, c.ID+".nii.gz"), seg); err != nil {
			return nil, err
		}
	}

	return sliceIDs, nil
}

// annotatedSlices returns the z indices whose slice carries no ignore
// label. The SAROS annotations are sparse: every n-th axial slice was
// labeled, the rest is filled with the ignore value.
func annotatedSlices(seg *volume.Volume) []int {
	plane := seg.Cols * seg.Rows
	var out []int
	for z := 0; z < seg.Slices; z++ {
		annotated := true
		for _, v := range seg.Data[z*plane : (z+1)*plane] {
			if v == labels.IgnoreLabel {
				annotated = false
				break
			}
		}
		if annotated {
			out = append(out, z)
		}
	}
	return out
}

// writeSplits stores the cross-validation folds. The slices of fold k are
// the validation set of split k and training data everywhere else.
func writeSplits(path string, foldSlices [][]string) error {
	splits := make([]split, numFolds)
	for k := 0; k < numFolds; k++ {
		splits[k].Val = foldSlices[k]
		for j := 0; j < numFolds; j++ {
			if j != k {
				splits[k].Train = append(splits[k].Train, foldSlices[j]...)
			}
		}
	}
	return writeJSON(path, splits)
}

func writeDatasetJSON(path string, d labels.Dataset, numTraining int) error {
	return writeJSON(path, datasetJSON{
		ChannelNames: map[string]string{"0": "CT"},
		Labels:       d.Map(),
		NumTraining:  numTraining,
		FileEnding:   ".nii.gz",
		Licence:      "hands off!",
		Release:      "v3",
	})
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("nnunet: marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("nnunet: write %s: %w", filepath.Base(path), err)
	}
	return nil
}
