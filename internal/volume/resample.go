package volume

import (
	"fmt"
	"math"
)

// ResampleToThickness resamples a volume to a fixed slice thickness along
// the z axis using linear interpolation. In-plane resolution, origin and
// direction are unchanged.
//
// The output slice count uses commercial rounding rather than truncation
// because the SAROS annotation volumes were exported with slice rounding;
// truncating here would misalign images against their segmentations.
func ResampleToThickness(v *Volume, thickness float64) (*Volume, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if thickness <= 0 {
		return nil, fmt.Errorf("volume: thickness %g must be > 0", thickness)
	}

	srcSpacing := v.Spacing[2]
	outSlices := int(math.Round(float64(v.Slices) * srcSpacing / thickness))
	if outSlices < 1 {
		outSlices = 1
	}

	out := &Volume{
		Cols:      v.Cols,
		Rows:      v.Rows,
		Slices:    outSlices,
		Spacing:   [3]float64{v.Spacing[0], v.Spacing[1], thickness},
		Origin:    v.Origin,
		Direction: v.Direction,
		Data:      make([]int16, v.Cols*v.Rows*outSlices),
	}

	plane := v.Cols * v.Rows
	for zo := 0; zo < outSlices; zo++ {
		// Continuous source index of this output slice.
		zs := float64(zo) * thickness / srcSpacing

		// Outside the source grid the interpolator yields the default
		// value, which the output buffer already holds.
		if zs < 0 || zs > float64(v.Slices-1) {
			continue
		}

		z0 := int(math.Floor(zs))
		z1 := z0 + 1
		frac := zs - float64(z0)
		dst := out.Data[zo*plane : (zo+1)*plane]

		if z1 >= v.Slices || frac == 0 {
			copy(dst, v.Data[z0*plane:(z0+1)*plane])
			continue
		}

		lo := v.Data[z0*plane : (z0+1)*plane]
		hi := v.Data[z1*plane : (z1+1)*plane]
		for i := range dst {
			val := (1-frac)*float64(lo[i]) + frac*float64(hi[i])
			dst[i] = int16(math.Round(val))
		}
	}

	return out, nil
}
