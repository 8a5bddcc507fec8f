package volume

import (
	"fmt"
	"math"
	"strings"
)

// Axis code letters in RAS convention, indexed by world axis. The first
// letter is the negative world direction, the second the positive one.
var axisLetters = [3][2]byte{
	{'L', 'R'},
	{'P', 'A'},
	{'I', 'S'},
}

// orientation describes, per voxel axis, which world axis it runs along
// and in which direction.
type orientation [3]struct {
	worldAxis int
	sign      float64
}

// rasDirection returns the direction cosine matrix converted from LPS to
// RAS (the convention axis codes are defined in).
func (v *Volume) rasDirection() [9]float64 {
	d := v.Direction
	for c := 0; c < 3; c++ {
		d[0+c] = -d[0+c]
		d[3+c] = -d[3+c]
	}
	return d
}

// computeOrientation maps each voxel axis to its dominant RAS world axis.
func (v *Volume) computeOrientation() (orientation, error) {
	d := v.rasDirection()
	var ornt orientation
	var used [3]bool
	for c := 0; c < 3; c++ {
		best, bestAbs := -1, 0.0
		for r := 0; r < 3; r++ {
			if abs := math.Abs(d[3*r+c]); abs > bestAbs {
				best, bestAbs = r, abs
			}
		}
		if best < 0 || used[best] {
			return ornt, fmt.Errorf("volume: direction matrix is degenerate")
		}
		used[best] = true
		ornt[c].worldAxis = best
		ornt[c].sign = 1
		if d[3*best+c] < 0 {
			ornt[c].sign = -1
		}
	}
	return ornt, nil
}

// Axcodes returns the RAS axis codes of the volume, e.g. "LPS" for a
// standard DICOM axial acquisition or "RAS" for the canonical nibabel
// orientation.
func (v *Volume) Axcodes() (string, error) {
	ornt, err := v.computeOrientation()
	if err != nil {
		return "", err
	}
	codes := make([]byte, 3)
	for c := 0; c < 3; c++ {
		pos := 0
		if ornt[c].sign > 0 {
			pos = 1
		}
		codes[c] = axisLetters[ornt[c].worldAxis][pos]
	}
	return string(codes), nil
}

// parseAxcodes converts a target axis code string into an orientation.
func parseAxcodes(axcodes string) (orientation, error) {
	var target orientation
	if len(axcodes) != 3 {
		return target, fmt.Errorf("volume: axcodes must have 3 letters, got %q", axcodes)
	}
	var used [3]bool
	for i := 0; i < 3; i++ {
		letter := strings.ToUpper(axcodes)[i]
		found := false
		for axis := 0; axis < 3 && !found; axis++ {
			for p := 0; p < 2; p++ {
				if axisLetters[axis][p] == letter {
					if used[axis] {
						return target, fmt.Errorf("volume: axcodes %q repeat world axis %d", axcodes, axis)
					}
					used[axis] = true
					target[i].worldAxis = axis
					target[i].sign = float64(2*p - 1)
					found = true
					break
				}
			}
		}
		if !found {
			return target, fmt.Errorf("volume: invalid axis code %q", string(letter))
		}
	}
	return target, nil
}

// Reorient permutes and flips the voxel grid so that the volume's axis
// codes match the requested ones. The physical content is unchanged:
// every voxel keeps its world position. Returns the receiver when the
// volume is already in the requested orientation.
func Reorient(v *Volume, axcodes string) (*Volume, error) {
	current, err := v.computeOrientation()
	if err != nil {
		return nil, err
	}
	target, err := parseAxcodes(axcodes)
	if err != nil {
		return nil, err
	}
	if current == target {
		return v, nil
	}

	// srcAxis[i] is the voxel axis of v that becomes output axis i,
	// flip[i] whether it must be reversed.
	var srcAxis [3]int
	var flip [3]bool
	for i := 0; i < 3; i++ {
		found := false
		for j := 0; j < 3; j++ {
			if current[j].worldAxis == target[i].worldAxis {
				srcAxis[i] = j
				flip[i] = current[j].sign != target[i].sign
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("volume: cannot reorient to %q", axcodes)
		}
	}

	dims := v.Dims()
	out := &Volume{
		Cols:   dims[srcAxis[0]],
		Rows:   dims[srcAxis[1]],
		Slices: dims[srcAxis[2]],
		Data:   make([]int16, v.NumVoxels()),
	}

	// New geometry: spacing and direction columns follow the axis
	// permutation, flipped axes negate their column and move the origin
	// to the opposite end of that axis.
	origin := v.Origin
	for i := 0; i < 3; i++ {
		j := srcAxis[i]
		out.Spacing[i] = v.Spacing[j]
		colSign := 1.0
		if flip[i] {
			colSign = -1
			for r := 0; r < 3; r++ {
				origin[r] += v.Direction[3*r+j] * v.Spacing[j] * float64(dims[j]-1)
			}
		}
		for r := 0; r < 3; r++ {
			out.Direction[3*r+i] = colSign * v.Direction[3*r+j]
		}
	}
	out.Origin = origin

	// Shuffle voxels.
	var src [3]int
	for zo := 0; zo < out.Slices; zo++ {
		for yo := 0; yo < out.Rows; yo++ {
			for xo := 0; xo < out.Cols; xo++ {
				outIdx := [3]int{xo, yo, zo}
				for i := 0; i < 3; i++ {
					s := outIdx[i]
					if flip[i] {
						s = dims[srcAxis[i]] - 1 - s
					}
					src[srcAxis[i]] = s
				}
				out.Set(xo, yo, zo, v.At(src[0], src[1], src[2]))
			}
		}
	}

	return out, nil
}
