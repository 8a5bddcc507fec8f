package evaluate

import (
	"math"
	"testing"
)

func metricMap(metrics []Metric) map[string]float64 {
	m := make(map[string]float64, len(metrics))
	for _, metric := range metrics {
		m[metric.Name] = metric.Value
	}
	return m
}

// box fills a cuboid region of a mask.
func box(mask []bool, dims [3]int, x0, x1, y0, y1, z0, z1 int) {
	for z := z0; z < z1; z++ {
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				mask[z*dims[0]*dims[1]+y*dims[0]+x] = true
			}
		}
	}
}

func TestClassMetricsPerfectMatch(t *testing.T) {
	dims := [3]int{10, 10, 10}
	gt := make([]bool, 1000)
	box(gt, dims, 2, 8, 2, 8, 2, 8)
	pred := make([]bool, 1000)
	copy(pred, gt)

	m := metricMap(ClassMetrics(gt, pred, dims, [3]float64{1, 1, 1}))

	if m["tp"] != 216 || m["fp"] != 0 || m["fn"] != 0 {
		t.Errorf("counts = tp %g fp %g fn %g", m["tp"], m["fp"], m["fn"])
	}
	for _, name := range []string{"precision", "recall", "dice", "surface_distance_1mm", "surface_distance_2mm", "surface_distance_3mm"} {
		if m[name] != 1 {
			t.Errorf("%s = %g, want 1", name, m[name])
		}
	}
	if m["avg_surface_distance"] != 0 {
		t.Errorf("avg_surface_distance = %g, want 0", m["avg_surface_distance"])
	}
}

func TestClassMetricsBothEmpty(t *testing.T) {
	dims := [3]int{4, 4, 4}
	metrics := ClassMetrics(make([]bool, 64), make([]bool, 64), dims, [3]float64{1, 1, 1})

	if len(metrics) != 3 {
		t.Fatalf("got %d metrics, want only the three counts: %v", len(metrics), metrics)
	}
	m := metricMap(metrics)
	if m["tp"] != 0 || m["fp"] != 0 || m["fn"] != 0 {
		t.Errorf("counts not all zero: %v", m)
	}
}

func TestClassMetricsOneEmpty(t *testing.T) {
	dims := [3]int{4, 4, 4}
	gt := make([]bool, 64)
	box(gt, dims, 1, 3, 1, 3, 1, 3)
	empty := make([]bool, 64)

	for _, tc := range []struct {
		name     string
		gt, pred []bool
	}{
		{"prediction empty", gt, empty},
		{"reference empty", empty, gt},
	} {
		t.Run(tc.name, func(t *testing.T) {
			metrics := ClassMetrics(tc.gt, tc.pred, dims, [3]float64{1, 1, 1})

			want := []string{"tp", "fp", "fn", "precision", "recall", "dice", "surface_distance_3mm"}
			if len(metrics) != len(want) {
				t.Fatalf("got %d metrics %v, want %v", len(metrics), metrics, want)
			}
			for i, name := range want {
				if metrics[i].Name != name {
					t.Errorf("metric %d = %s, want %s", i, metrics[i].Name, name)
				}
			}
			m := metricMap(metrics)
			for _, name := range []string{"precision", "recall", "dice", "surface_distance_3mm"} {
				if m[name] != 0 {
					t.Errorf("%s = %g, want 0", name, m[name])
				}
			}
		})
	}
}

func TestClassMetricsShiftedBox(t *testing.T) {
	dims := [3]int{12, 12, 12}
	n := 12 * 12 * 12
	gt := make([]bool, n)
	pred := make([]bool, n)
	// Two 4x4x4 cubes shifted by one voxel along x.
	box(gt, dims, 4, 8, 4, 8, 4, 8)
	box(pred, dims, 5, 9, 4, 8, 4, 8)

	m := metricMap(ClassMetrics(gt, pred, dims, [3]float64{1, 1, 1}))

	// Overlap is a 3x4x4 block.
	if m["tp"] != 48 || m["fp"] != 16 || m["fn"] != 16 {
		t.Errorf("counts = tp %g fp %g fn %g, want 48 16 16", m["tp"], m["fp"], m["fn"])
	}
	if want := 0.75; m["precision"] != want || m["recall"] != want || m["dice"] != want {
		t.Errorf("precision %g recall %g dice %g, want all %g", m["precision"], m["recall"], m["dice"], want)
	}

	// No surface point of either cube is farther than one voxel from the
	// other surface, so all tolerances from 1mm up are fully satisfied.
	for _, name := range []string{"surface_distance_1mm", "surface_distance_2mm", "surface_distance_3mm"} {
		if m[name] != 1 {
			t.Errorf("%s = %g, want 1", name, m[name])
		}
	}
	if m["avg_surface_distance"] <= 0 || m["avg_surface_distance"] >= 1 {
		t.Errorf("avg_surface_distance = %g, want in (0, 1)", m["avg_surface_distance"])
	}
}

func TestClassMetricsSpacingScalesTolerance(t *testing.T) {
	dims := [3]int{10, 4, 4}
	n := 10 * 4 * 4
	gt := make([]bool, n)
	pred := make([]bool, n)
	// Two single-voxel-thick plates 2 voxels apart along x.
	box(gt, dims, 2, 3, 0, 4, 0, 4)
	box(pred, dims, 4, 5, 0, 4, 0, 4)

	// With 1mm spacing the plates are 2mm apart: within 2mm and 3mm but
	// not 1mm.
	m := metricMap(ClassMetrics(gt, pred, dims, [3]float64{1, 1, 1}))
	if m["surface_distance_1mm"] != 0 {
		t.Errorf("1mm fraction = %g, want 0", m["surface_distance_1mm"])
	}
	if m["surface_distance_2mm"] != 1 || m["surface_distance_3mm"] != 1 {
		t.Errorf("2mm/3mm fractions = %g/%g, want 1/1", m["surface_distance_2mm"], m["surface_distance_3mm"])
	}
	if got := m["avg_surface_distance"]; math.Abs(got-2) > 1e-9 {
		t.Errorf("avg_surface_distance = %g, want 2", got)
	}

	// With 2mm x spacing they are 4mm apart: outside all tolerances.
	m = metricMap(ClassMetrics(gt, pred, dims, [3]float64{2, 1, 1}))
	if m["surface_distance_3mm"] != 0 {
		t.Errorf("3mm fraction at 2mm spacing = %g, want 0", m["surface_distance_3mm"])
	}
	if got := m["avg_surface_distance"]; math.Abs(got-4) > 1e-9 {
		t.Errorf("avg_surface_distance = %g, want 4", got)
	}
}

func TestClassMetricsAsymmetricSurfaces(t *testing.T) {
	dims := [3]int{7, 3, 3}
	n := 7 * 3 * 3
	gt := make([]bool, n)
	pred := make([]bool, n)
	// A single voxel against a 5-voxel line along x. Every voxel of either
	// mask is surface. The single gt voxel sits 1mm from the nearest pred
	// voxel; the pred voxels are 1..5mm away from the gt voxel, mean 3mm.
	gt[1*21+1*7+0] = true
	box(pred, dims, 1, 6, 1, 2, 1, 2)

	m := metricMap(ClassMetrics(gt, pred, dims, [3]float64{1, 1, 1}))

	// Directional means are 1 and (1+2+3+4+5)/5 = 3, so the average is 2.
	// A pooled mean over all 6 surface voxels would give 16/6 instead.
	if got := m["avg_surface_distance"]; math.Abs(got-2) > 1e-9 {
		t.Errorf("avg_surface_distance = %g, want 2", got)
	}
}

func TestSurfaceExtraction(t *testing.T) {
	dims := [3]int{5, 5, 5}
	mask := make([]bool, 125)
	box(mask, dims, 1, 4, 1, 4, 1, 4)

	surf := surface(mask, dims)

	count := 0
	for _, s := range surf {
		if s {
			count++
		}
	}
	// A 3x3x3 cube has 27 voxels, only the center is interior.
	if count != 26 {
		t.Errorf("surface voxels = %d, want 26", count)
	}

	center := 2*25 + 2*5 + 2
	if surf[center] {
		t.Error("interior voxel marked as surface")
	}
}

func TestSurfaceAtVolumeBorder(t *testing.T) {
	dims := [3]int{3, 3, 3}
	mask := make([]bool, 27)
	for i := range mask {
		mask[i] = true
	}

	surf := surface(mask, dims)
	if !surf[0] {
		t.Error("corner voxel of a filled volume should be surface")
	}
	if surf[13] {
		t.Error("center voxel of a filled volume should not be surface")
	}
}
