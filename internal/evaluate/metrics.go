package evaluate

import (
	"strconv"

	"github.com/cbreuel/saros-tools/internal/volume"
)

// Surface dice tolerances reported per class, in millimeters.
var surfaceTolerances = []float64{1, 2, 3}

// Metric is a single named value of one class on one subject.
type Metric struct {
	Name  string
	Value float64
}

// classMasks builds the binary ground truth and prediction masks of one
// label, excluding voxels carrying the ignore label in the reference.
func classMasks(gt, pred *volume.Volume, label int16, ignore int16) (gtMask, predMask []bool) {
	n := gt.NumVoxels()
	gtMask = make([]bool, n)
	predMask = make([]bool, n)
	for i := 0; i < n; i++ {
		if gt.Data[i] == ignore {
			continue
		}
		gtMask[i] = gt.Data[i] == label
		predMask[i] = pred.Data[i] == label
	}
	return gtMask, predMask
}

// surface marks the border voxels of a mask: foreground voxels with at
// least one 6-connected neighbor outside the mask. Voxels on the volume
// boundary count as border.
func surface(mask []bool, dims [3]int) []bool {
	nx, ny, nz := dims[0], dims[1], dims[2]
	out := make([]bool, len(mask))
	idx := func(x, y, z int) int { return z*nx*ny + y*nx + x }

	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				i := idx(x, y, z)
				if !mask[i] {
					continue
				}
				if x == 0 || x == nx-1 || y == 0 || y == ny-1 || z == 0 || z == nz-1 {
					out[i] = true
					continue
				}
				if !mask[idx(x-1, y, z)] || !mask[idx(x+1, y, z)] ||
					!mask[idx(x, y-1, z)] || !mask[idx(x, y+1, z)] ||
					!mask[idx(x, y, z-1)] || !mask[idx(x, y, z+1)] {
					out[i] = true
				}
			}
		}
	}
	return out
}

// ClassMetrics computes the overlap and surface distance metrics of one
// class. The returned slice preserves metric order for stable output.
//
// Empty masks are special-cased: with both masks empty only the counts are
// reported; with exactly one empty mask the overlap metrics and the widest
// surface tolerance are reported as zero, since there is no surface pair to
// measure against.
func ClassMetrics(gtMask, predMask []bool, dims [3]int, spacing [3]float64) []Metric {
	var tp, fp, fn float64
	for i := range gtMask {
		switch {
		case gtMask[i] && predMask[i]:
			tp++
		case predMask[i]:
			fp++
		case gtMask[i]:
			fn++
		}
	}

	metrics := []Metric{
		{"tp", tp},
		{"fp", fp},
		{"fn", fn},
	}

	gtEmpty := tp+fn == 0
	predEmpty := tp+fp == 0
	if gtEmpty && predEmpty {
		return metrics
	}
	if gtEmpty || predEmpty {
		return append(metrics,
			Metric{"precision", 0},
			Metric{"recall", 0},
			Metric{"dice", 0},
			Metric{"surface_distance_3mm", 0},
		)
	}

	metrics = append(metrics,
		Metric{"precision", tp / (tp + fp)},
		Metric{"recall", tp / (tp + fn)},
		Metric{"dice", 2 * tp / (2*tp + fp + fn)},
	)

	gtSurf := surface(gtMask, dims)
	predSurf := surface(predMask, dims)
	gtDist := distanceTransform(gtSurf, dims, spacing)
	predDist := distanceTransform(predSurf, dims, spacing)

	// Distances from each surface to the other.
	var gtToPred, predToGt []float64
	for i := range gtSurf {
		if gtSurf[i] {
			gtToPred = append(gtToPred, predDist[i])
		}
		if predSurf[i] {
			predToGt = append(predToGt, gtDist[i])
		}
	}

	// avg_surface_distance is the mean of the two directional means, not a
	// pooled mean over all surface voxels.
	var gtSum, predSum float64
	for _, d := range gtToPred {
		gtSum += d
	}
	for _, d := range predToGt {
		predSum += d
	}
	asd := (gtSum/float64(len(gtToPred)) + predSum/float64(len(predToGt))) / 2
	metrics = append(metrics, Metric{"avg_surface_distance", asd})

	for _, tol := range surfaceTolerances {
		var within float64
		for _, d := range gtToPred {
			if d <= tol {
				within++
			}
		}
		for _, d := range predToGt {
			if d <= tol {
				within++
			}
		}
		name := "surface_distance_" + strconv.Itoa(int(tol)) + "mm"
		metrics = append(metrics, Metric{name, within / float64(len(gtToPred)+len(predToGt))})
	}

	return metrics
}
