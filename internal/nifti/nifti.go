// Package nifti reads and writes NIfTI-1 volumes (.nii and .nii.gz).
//
// Only the subset of the format needed by the SAROS pipeline is supported:
// single-file images with an sform affine and scalar integer or float voxel
// data. Volumes are exchanged with the rest of the pipeline in DICOM LPS
// coordinates; the affine stored on disk follows the NIfTI RAS convention.
package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/cbreuel/saros-tools/internal/volume"
)

// NIfTI-1 datatype codes.
const (
	dtUint8   = 2
	dtInt16   = 4
	dtInt32   = 8
	dtFloat32 = 16
	dtFloat64 = 64
	dtUint16  = 512
)

const (
	headerSize = 348
	voxOffset  = 352 // header + 4 extension bytes
	unitsMM    = 2   // NIFTI_UNITS_MM
)

// header is the packed NIfTI-1 header, 348 bytes little-endian.
type header struct {
	SizeofHdr      int32
	DataTypeUnused [10]byte
	DBName         [18]byte
	Extents        int32
	SessionError   int16
	Regular        byte
	DimInfo        byte
	Dim            [8]int16
	IntentP        [3]float32
	IntentCode     int16
	Datatype       int16
	Bitpix         int16
	SliceStart     int16
	Pixdim         [8]float32
	VoxOffset      float32
	SclSlope       float32
	SclInter       float32
	SliceEnd       int16
	SliceCode      int8
	XyztUnits      int8
	CalMax         float32
	CalMin         float32
	SliceDuration  float32
	Toffset        float32
	Glmax          int32
	Glmin          int32
	Descrip        [80]byte
	AuxFile        [24]byte
	QformCode      int16
	SformCode      int16
	Quatern        [3]float32
	Qoffset        [3]float32
	SrowX          [4]float32
	SrowY          [4]float32
	SrowZ          [4]float32
	IntentName     [16]byte
	Magic          [4]byte
}

// rasAffine builds the 3x4 RAS affine of a volume held in LPS coordinates.
func rasAffine(v *volume.Volume) (srow [3][4]float64) {
	// LPS -> RAS flips the first two world axes.
	signs := [3]float64{-1, -1, 1}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			srow[r][c] = signs[r] * v.Direction[3*r+c] * v.Spacing[c]
		}
		srow[r][3] = signs[r] * v.Origin[r]
	}
	return srow
}

// Write stores a volume as int16 NIfTI-1. Files ending in .gz are gzip
// compressed. The write is atomic: data goes to a temporary file in the
// target directory which is renamed into place, so a partially written
// image never looks like a finished one to a resumed run.
func Write(path string, v *volume.Volume) error {
	if err := v.Validate(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".nifti-*.tmp")
	if err != nil {
		return fmt.Errorf("nifti: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(tmp)
		w = gz
	}

	if err := encode(w, v); err != nil {
		tmp.Close()
		return fmt.Errorf("nifti: write %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			tmp.Close()
			return fmt.Errorf("nifti: close gzip stream: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("nifti: close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("nifti: rename into place: %w", err)
	}
	return nil
}

func encode(w io.Writer, v *volume.Volume) error {
	var h header
	h.SizeofHdr = headerSize
	h.Regular = 'r'
	h.Dim = [8]int16{3, int16(v.Cols), int16(v.Rows), int16(v.Slices), 1, 1, 1, 1}
	h.Datatype = dtInt16
	h.Bitpix = 16
	h.Pixdim = [8]float32{1, float32(v.Spacing[0]), float32(v.Spacing[1]), float32(v.Spacing[2]), 0, 0, 0, 0}
	h.VoxOffset = voxOffset
	h.SclSlope = 1
	h.XyztUnits = unitsMM
	h.SformCode = 1
	copy(h.Descrip[:], "saros-tools")
	copy(h.Magic[:], "n+1\x00")

	srow := rasAffine(v)
	for c := 0; c < 4; c++ {
		h.SrowX[c] = float32(srow[0][c])
		h.SrowY[c] = float32(srow[1][c])
		h.SrowZ[c] = float32(srow[2][c])
	}

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	// No header extensions.
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, v.Data)
}

// Read loads a NIfTI-1 file into a volume, converting the affine back to
// LPS. Voxel values are converted to int16; float data is rounded.
func Read(path string) (*volume.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("nifti: open: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("nifti: read %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	v, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("nifti: read %s: %w", path, err)
	}
	return v, nil
}

func decode(r io.Reader) (*volume.Volume, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	if h.SizeofHdr != headerSize {
		return nil, fmt.Errorf("bad header size %d (big-endian files are not supported)", h.SizeofHdr)
	}
	if magic := string(h.Magic[:3]); magic != "n+1" && magic != "ni1" {
		return nil, fmt.Errorf("bad magic %q", magic)
	}

	ndim := int(h.Dim[0])
	if ndim < 2 || ndim > 4 {
		return nil, fmt.Errorf("unsupported dimensionality %d", ndim)
	}
	nx, ny := int(h.Dim[1]), int(h.Dim[2])
	nz := 1
	if ndim >= 3 {
		nz = int(h.Dim[3])
	}
	if ndim == 4 && h.Dim[4] > 1 {
		return nil, fmt.Errorf("multi-volume files are not supported (dim[4]=%d)", h.Dim[4])
	}
	if nx <= 0 || ny <= 0 || nz <= 0 {
		return nil, fmt.Errorf("invalid dimensions %dx%dx%d", nx, ny, nz)
	}

	// Skip everything between the header and the voxel data.
	if skip := int64(h.VoxOffset) - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, fmt.Errorf("skip to voxel data: %w", err)
		}
	}

	n := nx * ny * nz
	data, err := readVoxels(r, int(h.Datatype), n, h.SclSlope, h.SclInter)
	if err != nil {
		return nil, err
	}

	v := &volume.Volume{
		Cols:   nx,
		Rows:   ny,
		Slices: nz,
		Data:   data,
	}
	applyGeometry(v, &h)
	return v, nil
}

// applyGeometry fills spacing, origin and direction from the header,
// converting the RAS affine to LPS.
func applyGeometry(v *volume.Volume, h *header) {
	if h.SformCode > 0 {
		srow := [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
		signs := [3]float64{-1, -1, 1}
		for c := 0; c < 3; c++ {
			norm := math.Sqrt(float64(srow[0][c])*float64(srow[0][c]) +
				float64(srow[1][c])*float64(srow[1][c]) +
				float64(srow[2][c])*float64(srow[2][c]))
			if norm == 0 {
				norm = 1
			}
			v.Spacing[c] = norm
			for r := 0; r < 3; r++ {
				v.Direction[3*r+c] = signs[r] * float64(srow[r][c]) / norm
			}
		}
		for r := 0; r < 3; r++ {
			v.Origin[r] = signs[r] * float64(srow[r][3])
		}
		return
	}

	// No affine stored: fall back to pixdim spacing. The identity RAS
	// orientation maps to a flipped x/y direction in LPS.
	for c := 0; c < 3; c++ {
		s := float64(h.Pixdim[c+1])
		if s <= 0 {
			s = 1
		}
		v.Spacing[c] = s
	}
	v.Direction = [9]float64{
		-1, 0, 0,
		0, -1, 0,
		0, 0, 1,
	}
}

func readVoxels(r io.Reader, datatype, n int, slope, inter float32) ([]int16, error) {
	var bytesPer int
	switch datatype {
	case dtUint8:
		bytesPer = 1
	case dtInt16, dtUint16:
		bytesPer = 2
	case dtInt32, dtFloat32:
		bytesPer = 4
	case dtFloat64:
		bytesPer = 8
	default:
		return nil, fmt.Errorf("unsupported datatype %d", datatype)
	}

	raw := make([]byte, n*bytesPer)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("read voxel data: %w", err)
	}

	data := make([]int16, n)
	for i := 0; i < n; i++ {
		var val float64
		switch datatype {
		case dtUint8:
			val = float64(raw[i])
		case dtInt16:
			val = float64(int16(binary.LittleEndian.Uint16(raw[2*i:])))
		case dtUint16:
			val = float64(binary.LittleEndian.Uint16(raw[2*i:]))
		case dtInt32:
			val = float64(int32(binary.LittleEndian.Uint32(raw[4*i:])))
		case dtFloat32:
			val = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:])))
		case dtFloat64:
			val = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
		}
		if slope != 0 && !(slope == 1 && inter == 0) {
			val = val*float64(slope) + float64(inter)
		}
		data[i] = clampInt16(val)
	}
	return data, nil
}

func clampInt16(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Encode writes a volume to an arbitrary writer without compression.
// Used by tests and the e2e fixtures.
func Encode(w io.Writer, v *volume.Volume) error {
	if err := v.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := encode(&buf, v); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}
