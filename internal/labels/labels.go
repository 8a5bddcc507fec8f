// Package labels defines the SAROS segmentation class maps for body regions
// and body parts, shared between dataset generation and evaluation.
package labels

import (
	"fmt"
	"sort"
	"strings"
)

// IgnoreLabel marks voxels of slices that were not annotated. Slices
// containing this value are excluded from training and masked during
// sparse evaluation.
const IgnoreLabel = 255

// Dataset selects which SAROS label set to use.
type Dataset string

const (
	DatasetRegions Dataset = "regions"
	DatasetParts   Dataset = "parts"
)

// ParseDataset parses a dataset name.
func ParseDataset(s string) (Dataset, error) {
	switch strings.ToLower(s) {
	case "regions":
		return DatasetRegions, nil
	case "parts":
		return DatasetParts, nil
	default:
		return "", fmt.Errorf("invalid dataset: %s (valid: regions, parts)", s)
	}
}

// BodyRegions maps body region class names to label values.
var BodyRegions = map[string]int{
	"background":           0,
	"subcutaneous_tissue":  1,
	"muscle":               2,
	"abdominal_cavity":     3,
	"thoracic_cavity":      4,
	"bone":                 5,
	"parotid_glands":       6,
	"pericardium":          7,
	"breast_implant":       8,
	"mediastinum":          9,
	"brain":                10,
	"spinal_cord":          11,
	"thyroid_glands":       12,
	"submandibular_glands": 13,
}

// BodyParts maps body part class names to label values.
var BodyParts = map[string]int{
	"background": 0,
	"torso":      1,
	"head":       2,
	"right_leg":  3,
	"left_leg":   4,
	"right_arm":  5,
	"left_arm":   6,
}

// Map returns the full class map for a dataset, including background.
func (d Dataset) Map() map[string]int {
	if d == DatasetParts {
		return BodyParts
	}
	return BodyRegions
}

// ForegroundMap returns the class map without the background class,
// as used during evaluation.
func (d Dataset) ForegroundMap() map[string]int {
	out := make(map[string]int)
	for name, id := range d.Map() {
		if id == 0 {
			continue
		}
		out[name] = id
	}
	return out
}

// Filename returns the segmentation file name for this dataset.
func (d Dataset) Filename() string {
	if d == DatasetParts {
		return "body-parts.nii.gz"
	}
	return "body-regions.nii.gz"
}

// DatasetNumber returns the nnU-Net dataset number for this label set.
func (d Dataset) DatasetNumber() int {
	if d == DatasetParts {
		return 558
	}
	return 557
}

// SortedNames returns the class names of a map ordered by label value.
func SortedNames(m map[string]int) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return m[names[i]] < m[names[j]] })
	return names
}
