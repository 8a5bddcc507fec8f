package evaluate

import "math"

// inf marks voxels with no source in the distance transform.
const inf = math.MaxFloat64 / 4

// distanceTransform computes, for every voxel, the Euclidean distance in
// millimeters to the nearest true voxel of mask. Implements the separable
// squared distance transform of Felzenszwalb & Huttenlocher, extended with
// per-axis spacing so anisotropic volumes measure physical distance.
// Returns all-inf when the mask is empty.
func distanceTransform(mask []bool, dims [3]int, spacing [3]float64) []float64 {
	nx, ny, nz := dims[0], dims[1], dims[2]
	n := nx * ny * nz

	d := make([]float64, n)
	for i := range d {
		if mask[i] {
			d[i] = 0
		} else {
			d[i] = inf
		}
	}

	maxDim := nx
	if ny > maxDim {
		maxDim = ny
	}
	if nz > maxDim {
		maxDim = nz
	}
	scratch := newEdtScratch(maxDim)

	// Pass along x.
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			base := z*nx*ny + y*nx
			for x := 0; x < nx; x++ {
				scratch.f[x] = d[base+x]
			}
			scratch.transform(nx, spacing[0])
			for x := 0; x < nx; x++ {
				d[base+x] = scratch.d[x]
			}
		}
	}

	// Pass along y.
	for z := 0; z < nz; z++ {
		for x := 0; x < nx; x++ {
			base := z*nx*ny + x
			for y := 0; y < ny; y++ {
				scratch.f[y] = d[base+y*nx]
			}
			scratch.transform(ny, spacing[1])
			for y := 0; y < ny; y++ {
				d[base+y*nx] = scratch.d[y]
			}
		}
	}

	// Pass along z.
	plane := nx * ny
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			base := y*nx + x
			for z := 0; z < nz; z++ {
				scratch.f[z] = d[base+z*plane]
			}
			scratch.transform(nz, spacing[2])
			for z := 0; z < nz; z++ {
				d[base+z*plane] = scratch.d[z]
			}
		}
	}

	for i := range d {
		if d[i] >= inf {
			continue
		}
		d[i] = math.Sqrt(d[i])
	}
	return d
}

// edtScratch holds the per-line buffers of the 1D transform so the three
// axis passes do not allocate per line.
type edtScratch struct {
	f []float64 // input squared distances
	d []float64 // output squared distances
	v []int     // parabola apex indices
	z []float64 // envelope boundaries
}

func newEdtScratch(n int) *edtScratch {
	return &edtScratch{
		f: make([]float64, n),
		d: make([]float64, n),
		v: make([]int, n),
		z: make([]float64, n+1),
	}
}

// transform computes the 1D squared distance transform of s.f[:n] with
// sample positions i*step, writing the result to s.d[:n]. Lower envelope of
// parabolas, O(n).
func (s *edtScratch) transform(n int, step float64) {
	if n == 1 {
		s.d[0] = s.f[0]
		return
	}

	k := 0
	s.v[0] = 0
	s.z[0] = -inf
	s.z[1] = inf

	pos := func(i int) float64 { return float64(i) * step }

	for q := 1; q < n; q++ {
		if s.f[q] >= inf {
			continue
		}
		var intersect float64
		for {
			p := s.v[k]
			if s.f[p] >= inf {
				// The only parabola so far has no source; replace it.
				k--
				if k < 0 {
					break
				}
				continue
			}
			intersect = (s.f[q] + pos(q)*pos(q) - s.f[p] - pos(p)*pos(p)) / (2*pos(q) - 2*pos(p))
			if intersect > s.z[k] {
				break
			}
			k--
			if k < 0 {
				break
			}
		}
		k++
		s.v[k] = q
		if k == 0 {
			s.z[0] = -inf
		} else {
			s.z[k] = intersect
		}
		s.z[k+1] = inf
	}

	if s.f[s.v[0]] >= inf {
		// Whole line is empty.
		for q := 0; q < n; q++ {
			s.d[q] = inf
		}
		return
	}

	k = 0
	for q := 0; q < n; q++ {
		for s.z[k+1] < pos(q) {
			k++
		}
		diff := pos(q) - pos(s.v[k])
		s.d[q] = diff*diff + s.f[s.v[k]]
	}
}
