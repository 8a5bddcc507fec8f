// Package dicomseries reads an extracted DICOM series from disk and
// assembles it into a single volume. Slices are ordered geometrically by
// projecting their patient position onto the slice normal, and CT pixel
// values are rescaled to Hounsfield units.
package dicomseries

import (
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/cbreuel/saros-tools/internal/volume"
)

// Series is a loaded DICOM series.
type Series struct {
	UID    string
	Volume *volume.Volume

	// Files lists the source DICOM paths in geometric slice order.
	Files []string
}

// slice holds the per-file data needed to assemble the volume.
type slice struct {
	path     string
	position float64 // projection of IPP onto the slice normal
	origin   [3]float64
	pixels   []int16
}

// Load reads all DICOM files under dir belonging to the given series and
// assembles them into a volume. An empty seriesUID accepts every file.
// Files that fail to parse as DICOM are skipped; archives often carry
// metadata sidecar files next to the images.
func Load(dir, seriesUID string) (*Series, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dicomseries: walk %s: %w", dir, err)
	}

	var (
		slices    []slice
		rowDir    [3]float64
		colDir    [3]float64
		normal    [3]float64
		spacingXY [2]float64
		thickness float64
		cols, rows int
		foundUID   string
		geomSet    bool
	)

	for _, path := range paths {
		ds, err := dicom.ParseFile(path, nil)
		if err != nil {
			continue // not a DICOM file
		}

		uid, err := elementString(&ds, tag.SeriesInstanceUID)
		if err != nil {
			continue
		}
		if seriesUID != "" && uid != seriesUID {
			continue
		}
		foundUID = uid

		ipp, err := elementFloats(&ds, tag.ImagePositionPatient, 3)
		if err != nil {
			return nil, fmt.Errorf("dicomseries: %s: %w", path, err)
		}
		iop, err := elementFloats(&ds, tag.ImageOrientationPatient, 6)
		if err != nil {
			return nil, fmt.Errorf("dicomseries: %s: %w", path, err)
		}

		if !geomSet {
			rowDir = [3]float64{iop[0], iop[1], iop[2]}
			colDir = [3]float64{iop[3], iop[4], iop[5]}
			normal = cross(rowDir, colDir)

			// PixelSpacing is (row spacing, column spacing), i.e. (y, x).
			ps, err := elementFloats(&ds, tag.PixelSpacing, 2)
			if err != nil {
				return nil, fmt.Errorf("dicomseries: %s: %w", path, err)
			}
			spacingXY = [2]float64{ps[1], ps[0]}

			if st, err := elementFloats(&ds, tag.SliceThickness, 1); err == nil {
				thickness = st[0]
			}

			rows, err = elementInt(&ds, tag.Rows)
			if err != nil {
				return nil, fmt.Errorf("dicomseries: %s: %w", path, err)
			}
			cols, err = elementInt(&ds, tag.Columns)
			if err != nil {
				return nil, fmt.Errorf("dicomseries: %s: %w", path, err)
			}
			geomSet = true
		}

		pixels, err := slicePixels(&ds, cols, rows)
		if err != nil {
			return nil, fmt.Errorf("dicomseries: %s: %w", path, err)
		}

		origin := [3]float64{ipp[0], ipp[1], ipp[2]}
		slices = append(slices, slice{
			path:     path,
			position: dot(origin, normal),
			origin:   origin,
			pixels:   pixels,
		})
	}

	if len(slices) == 0 {
		return nil, fmt.Errorf("dicomseries: no DICOM files for series %s under %s", seriesUID, dir)
	}

	sort.Slice(slices, func(i, j int) bool { return slices[i].position < slices[j].position })

	zSpacing := sliceSpacing(slices, thickness)

	v := &volume.Volume{
		Cols:    cols,
		Rows:    rows,
		Slices:  len(slices),
		Spacing: [3]float64{spacingXY[0], spacingXY[1], zSpacing},
		Origin:  slices[0].origin,
		Direction: [9]float64{
			rowDir[0], colDir[0], normal[0],
			rowDir[1], colDir[1], normal[1],
			rowDir[2], colDir[2], normal[2],
		},
		Data: make([]int16, cols*rows*len(slices)),
	}

	files := make([]string, len(slices))
	plane := cols * rows
	for i, s := range slices {
		if len(s.pixels) != plane {
			return nil, fmt.Errorf("dicomseries: %s: slice has %d pixels, expected %d", s.path, len(s.pixels), plane)
		}
		copy(v.Data[i*plane:(i+1)*plane], s.pixels)
		files[i] = s.path
	}

	return &Series{UID: foundUID, Volume: v, Files: files}, nil
}

// sliceSpacing derives the z spacing from the sorted slice positions,
// falling back to SliceThickness for single-slice series.
func sliceSpacing(slices []slice, thickness float64) float64 {
	if len(slices) < 2 {
		if thickness > 0 {
			return thickness
		}
		return 1
	}
	// Median gap is robust against a duplicated or missing slice.
	gaps := make([]float64, 0, len(slices)-1)
	for i := 1; i < len(slices); i++ {
		gaps = append(gaps, slices[i].position-slices[i-1].position)
	}
	sort.Float64s(gaps)
	gap := gaps[len(gaps)/2]
	if gap <= 0 {
		if thickness > 0 {
			return thickness
		}
		return 1
	}
	return gap
}

// slicePixels decodes the pixel data of one single-frame image and applies
// the modality rescale to Hounsfield units.
func slicePixels(ds *dicom.Dataset, cols, rows int) ([]int16, error) {
	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("no pixel data: %w", err)
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) != 1 {
		return nil, fmt.Errorf("expected 1 frame, got %d", len(info.Frames))
	}

	raw, err := frameSamples(info.Frames[0])
	if err != nil {
		return nil, err
	}
	if len(raw) != cols*rows {
		return nil, fmt.Errorf("frame has %d samples, expected %dx%d", len(raw), cols, rows)
	}

	signed, _ := elementInt(ds, tag.PixelRepresentation) // 0 when absent
	slope, intercept := 1.0, 0.0
	if v, err := elementFloats(ds, tag.RescaleSlope, 1); err == nil {
		slope = v[0]
	}
	if v, err := elementFloats(ds, tag.RescaleIntercept, 1); err == nil {
		intercept = v[0]
	}

	out := make([]int16, len(raw))
	for i, s := range raw {
		if signed == 1 {
			// Stored values are two's complement.
			s = int(int16(uint16(s)))
		}
		hu := slope*float64(s) + intercept
		switch {
		case hu > math.MaxInt16:
			out[i] = math.MaxInt16
		case hu < math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(math.Round(hu))
		}
	}
	return out, nil
}

// frameSamples flattens a native frame into int samples regardless of the
// stored bit depth.
func frameSamples(fr *frame.Frame) ([]int, error) {
	if fr.Encapsulated {
		return nil, fmt.Errorf("encapsulated transfer syntaxes are not supported")
	}
	switch nd := fr.NativeData.(type) {
	case *frame.NativeFrame[uint8]:
		return toInts(nd.RawData), nil
	case *frame.NativeFrame[uint16]:
		return toInts(nd.RawData), nil
	case *frame.NativeFrame[uint32]:
		return toInts(nd.RawData), nil
	case *frame.NativeFrame[int8]:
		return toInts(nd.RawData), nil
	case *frame.NativeFrame[int16]:
		return toInts(nd.RawData), nil
	case *frame.NativeFrame[int32]:
		return toInts(nd.RawData), nil
	default:
		return nil, fmt.Errorf("unsupported native frame type %T", fr.NativeData)
	}
}

func toInts[T int8 | int16 | int32 | uint8 | uint16 | uint32](raw []T) []int {
	out := make([]int, len(raw))
	for i, v := range raw {
		out[i] = int(v)
	}
	return out
}

// CopyFile copies a DICOM file preserving content, used for the meta and
// full DICOM exports.
func CopyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// elementString returns the first string value of a tag.
func elementString(ds *dicom.Dataset, t tag.Tag) (string, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return "", fmt.Errorf("tag %v not found", t)
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok || len(vals) == 0 {
		return "", fmt.Errorf("tag %v has no string value", t)
	}
	return strings.TrimSpace(vals[0]), nil
}

// elementFloats parses n decimal-string values of a tag.
func elementFloats(ds *dicom.Dataset, t tag.Tag, n int) ([]float64, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, fmt.Errorf("tag %v not found", t)
	}
	vals, ok := el.Value.GetValue().([]string)
	if !ok {
		return nil, fmt.Errorf("tag %v has no decimal string value", t)
	}
	if len(vals) < n {
		return nil, fmt.Errorf("tag %v has %d values, expected %d", t, len(vals), n)
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		f, err := strconv.ParseFloat(strings.TrimSpace(vals[i]), 64)
		if err != nil {
			return nil, fmt.Errorf("tag %v value %q: %w", t, vals[i], err)
		}
		out[i] = f
	}
	return out, nil
}

// elementInt returns the first integer value of a tag.
func elementInt(ds *dicom.Dataset, t tag.Tag) (int, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return 0, fmt.Errorf("tag %v not found", t)
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) == 0 {
			return 0, fmt.Errorf("tag %v has no value", t)
		}
		return v[0], nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("tag %v has no integer value", t)
	}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}
