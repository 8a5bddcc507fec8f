// Package volume models 3D medical images: a voxel grid with physical
// spacing, origin and direction cosines in the DICOM patient coordinate
// system (LPS). It provides the z-resampling and axis reorientation used
// when preparing SAROS volumes for training.
package volume

import (
	"fmt"
)

// Volume is a volumetric image. Data is stored x-fastest: the voxel at
// (x, y, z) lives at index z*Cols*Rows + y*Cols + x. Geometry follows the
// DICOM convention: Origin is the center of voxel (0,0,0) in LPS millimeters
// and column j of Direction holds the unit vector of voxel axis j.
type Volume struct {
	Cols, Rows, Slices int

	Spacing   [3]float64 // mm per voxel step along x, y, z
	Origin    [3]float64 // LPS position of voxel (0,0,0)
	Direction [9]float64 // row-major 3x3, columns are voxel axis directions

	Data []int16
}

// IdentityDirection is the axis-aligned LPS direction matrix.
var IdentityDirection = [9]float64{
	1, 0, 0,
	0, 1, 0,
	0, 0, 1,
}

// New allocates a zero-filled volume with identity direction and unit spacing.
func New(cols, rows, slices int) *Volume {
	return &Volume{
		Cols:      cols,
		Rows:      rows,
		Slices:    slices,
		Spacing:   [3]float64{1, 1, 1},
		Direction: IdentityDirection,
		Data:      make([]int16, cols*rows*slices),
	}
}

// Index returns the flat data index of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return z*v.Cols*v.Rows + y*v.Cols + x
}

// At returns the voxel value at (x, y, z).
func (v *Volume) At(x, y, z int) int16 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a voxel value at (x, y, z).
func (v *Volume) Set(x, y, z int, value int16) {
	v.Data[v.Index(x, y, z)] = value
}

// NumVoxels returns the total number of voxels.
func (v *Volume) NumVoxels() int {
	return v.Cols * v.Rows * v.Slices
}

// Dims returns the grid size along each voxel axis.
func (v *Volume) Dims() [3]int {
	return [3]int{v.Cols, v.Rows, v.Slices}
}

// Validate checks that the data length matches the grid and that spacing
// is strictly positive.
func (v *Volume) Validate() error {
	if v.Cols <= 0 || v.Rows <= 0 || v.Slices <= 0 {
		return fmt.Errorf("volume: invalid dimensions %dx%dx%d", v.Cols, v.Rows, v.Slices)
	}
	if len(v.Data) != v.NumVoxels() {
		return fmt.Errorf("volume: data length %d does not match %dx%dx%d grid", len(v.Data), v.Cols, v.Rows, v.Slices)
	}
	for i, s := range v.Spacing {
		if s <= 0 {
			return fmt.Errorf("volume: spacing[%d] = %g must be > 0", i, s)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Data = make([]int16, len(v.Data))
	copy(out.Data, v.Data)
	return &out
}

// VoxelToWorld converts a voxel index to its LPS position.
func (v *Volume) VoxelToWorld(x, y, z int) [3]float64 {
	idx := [3]float64{float64(x), float64(y), float64(z)}
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = v.Origin[r]
		for c := 0; c < 3; c++ {
			out[r] += v.Direction[3*r+c] * v.Spacing[c] * idx[c]
		}
	}
	return out
}

// SliceZ extracts the axial slice at index z as a single-slice volume.
// The origin moves to the slice position so that the result stays
// co-registered with its source.
func (v *Volume) SliceZ(z int) (*Volume, error) {
	if z < 0 || z >= v.Slices {
		return nil, fmt.Errorf("volume: slice index %d out of range [0,%d)", z, v.Slices)
	}
	out := &Volume{
		Cols:      v.Cols,
		Rows:      v.Rows,
		Slices:    1,
		Spacing:   v.Spacing,
		Origin:    v.VoxelToWorld(0, 0, z),
		Direction: v.Direction,
		Data:      make([]int16, v.Cols*v.Rows),
	}
	copy(out.Data, v.Data[z*v.Cols*v.Rows:(z+1)*v.Cols*v.Rows])
	return out, nil
}
