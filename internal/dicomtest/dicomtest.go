// Package dicomtest builds small synthetic CT series used as fixtures by
// tests that read DICOM data.
package dicomtest

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Slice describes one synthetic CT slice.
type Slice struct {
	SeriesUID string
	Instance  int

	Rows, Cols int
	ZPosition  float64
	Thickness  float64
	PixelSize  float64 // isotropic in-plane spacing

	// RawValue fills every pixel of the slice.
	RawValue uint16

	RescaleSlope     float64
	RescaleIntercept float64
}

// Defaults fills unset geometry fields.
func (s *Slice) defaults() {
	if s.Rows == 0 {
		s.Rows = 4
	}
	if s.Cols == 0 {
		s.Cols = 4
	}
	if s.Thickness == 0 {
		s.Thickness = 2.5
	}
	if s.PixelSize == 0 {
		s.PixelSize = 1
	}
	if s.RescaleSlope == 0 {
		s.RescaleSlope = 1
	}
}

// WriteFile writes the slice as a little-endian explicit VR DICOM file.
func (s Slice) WriteFile(path string) error {
	s.defaults()

	nativeFrame := frame.NewNativeFrame[uint16](16, s.Rows, s.Cols, s.Rows*s.Cols, 1)
	for i := range nativeFrame.RawData {
		nativeFrame.RawData[i] = s.RawValue
	}
	pixelDataInfo := dicom.PixelDataInfo{
		Frames: []*frame.Frame{
			{
				Encapsulated: false,
				NativeData:   nativeFrame,
			},
		},
	}

	ds := dicom.Dataset{Elements: []*dicom.Element{
		mustNewElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		mustNewElement(tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}),
		mustNewElement(tag.SOPInstanceUID, []string{fmt.Sprintf("%s.%d", s.SeriesUID, s.Instance)}),
		mustNewElement(tag.Modality, []string{"CT"}),
		mustNewElement(tag.SeriesInstanceUID, []string{s.SeriesUID}),
		mustNewElement(tag.InstanceNumber, []string{fmt.Sprintf("%d", s.Instance)}),
		mustNewElement(tag.ImagePositionPatient, []string{"0.0", "0.0", fmt.Sprintf("%.6f", s.ZPosition)}),
		mustNewElement(tag.ImageOrientationPatient, []string{"1", "0", "0", "0", "1", "0"}),
		mustNewElement(tag.PixelSpacing, []string{
			fmt.Sprintf("%.6f", s.PixelSize),
			fmt.Sprintf("%.6f", s.PixelSize),
		}),
		mustNewElement(tag.SliceThickness, []string{fmt.Sprintf("%.6f", s.Thickness)}),
		mustNewElement(tag.RescaleSlope, []string{fmt.Sprintf("%.6f", s.RescaleSlope)}),
		mustNewElement(tag.RescaleIntercept, []string{fmt.Sprintf("%.6f", s.RescaleIntercept)}),
		mustNewElement(tag.Rows, []int{s.Rows}),
		mustNewElement(tag.Columns, []int{s.Cols}),
		mustNewElement(tag.BitsAllocated, []int{16}),
		mustNewElement(tag.BitsStored, []int{16}),
		mustNewElement(tag.HighBit, []int{15}),
		mustNewElement(tag.PixelRepresentation, []int{0}),
		mustNewElement(tag.SamplesPerPixel, []int{1}),
		mustNewElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		mustNewElement(tag.PixelData, pixelDataInfo),
	}}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return dicom.Write(f, ds)
}

// WriteSeries writes one file per slice into dir, named out of instance
// order so that readers must sort geometrically.
func WriteSeries(dir string, slices []Slice) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for i, s := range slices {
		name := fmt.Sprintf("file_%c.dcm", 'z'-i)
		if err := s.WriteFile(filepath.Join(dir, name)); err != nil {
			return err
		}
	}
	return nil
}

// SeriesZip builds the DICOM files of a series and packs them into a zip
// archive, mimicking the per-series downloads served by the archive.
func SeriesZip(workDir string, slices []Slice) ([]byte, error) {
	dicomDir := filepath.Join(workDir, "series")
	if err := WriteSeries(dicomDir, slices); err != nil {
		return nil, err
	}

	zipPath := filepath.Join(workDir, "series.zip")
	zf, err := os.Create(zipPath)
	if err != nil {
		return nil, err
	}
	zw := zip.NewWriter(zf)

	entries, err := os.ReadDir(dicomDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		w, err := zw.Create(e.Name())
		if err != nil {
			return nil, err
		}
		src, err := os.Open(filepath.Join(dicomDir, e.Name()))
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(w, src); err != nil {
			src.Close()
			return nil, err
		}
		src.Close()
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	if err := zf.Close(); err != nil {
		return nil, err
	}
	return os.ReadFile(zipPath)
}

func mustNewElement(t tag.Tag, value interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(fmt.Sprintf("create element %v: %v", t, err))
	}
	return elem
}
