package download

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cbreuel/saros-tools/internal/dicomtest"
	"github.com/cbreuel/saros-tools/internal/nifti"
	"github.com/cbreuel/saros-tools/internal/tcia"
)

const testSeriesUID = "1.2.826.0.1.3680043.8.498.77"

// ctSlices builds a 4-slice series at 2.5mm spacing, so resampling to 5mm
// yields 2 slices.
func ctSlices() []dicomtest.Slice {
	slices := make([]dicomtest.Slice, 4)
	for i := range slices {
		slices[i] = dicomtest.Slice{
			SeriesUID:        testSeriesUID,
			Instance:         i + 1,
			ZPosition:        2.5 * float64(i),
			RawValue:         uint16(1024 + 100*i),
			RescaleIntercept: -1024,
		}
	}
	return slices
}

// fakeArchive serves tokens and one series zip, counting downloads.
type fakeArchive struct {
	zipData   []byte
	downloads atomic.Int32
}

func (f *fakeArchive) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "tok",
			"refresh_token": "ref",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/getImage", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("SeriesInstanceUID"); got != testSeriesUID {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.downloads.Add(1)
		w.Write(f.zipData)
	})
	return mux
}

func newTestRunner(t *testing.T) (*Runner, *fakeArchive) {
	t.Helper()

	zipData, err := dicomtest.SeriesZip(t.TempDir(), ctSlices())
	if err != nil {
		t.Fatalf("build fixture zip: %v", err)
	}
	archive := &fakeArchive{zipData: zipData}

	srv := httptest.NewServer(archive.handler(t))
	t.Cleanup(srv.Close)

	client := tcia.NewClient(tcia.Options{
		APIURL:          srv.URL,
		LoginURL:        srv.URL + "/oauth/token",
		Timeout:         5 * time.Second,
		RetryAttempts:   1,
		RetryBackoff:    time.Millisecond,
		RetryMaxBackoff: time.Millisecond,
	})
	tokens, err := tcia.NewTokenSource(context.Background(), client, tcia.GuestUsername, "")
	if err != nil {
		t.Fatalf("token source: %v", err)
	}
	return NewRunner(client, tokens), archive
}

func writeManifest(t *testing.T, dir string, rows string) string {
	t.Helper()
	path := filepath.Join(dir, "info.csv")
	content := "id,tcia_series_instance_uid,split\n" + rows
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunDownloadsCase(t *testing.T) {
	runner, archive := newTestRunner(t)
	tmp := t.TempDir()
	manifestPath := writeManifest(t, tmp, "case_001,"+testSeriesUID+",fold-1\n")
	target := filepath.Join(tmp, "out")

	var events []Event
	res, err := runner.Run(context.Background(), Options{
		ManifestPath:      manifestPath,
		TargetDir:         target,
		Workers:           1,
		SaveOriginalImage: true,
		SaveMetaDicoms:    true,
		SaveDicoms:        true,
		SavePreview:       true,
		Events:            func(ev Event) { events = append(events, ev) },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Downloaded != 1 || res.Skipped != 0 || res.Failed != 0 {
		t.Fatalf("result = %+v", res)
	}
	if archive.downloads.Load() != 1 {
		t.Errorf("server saw %d downloads, want 1", archive.downloads.Load())
	}

	caseDir := filepath.Join(target, "case_001")
	// The dicom export keeps the archive's file names: the fixture names
	// its four slices file_z..file_w.
	for _, f := range []string{
		"image.nii.gz", "image_original.nii.gz",
		"meta_first.dcm", "meta_last.dcm",
		"preview.png",
		filepath.Join("dicom", "file_z.dcm"),
		filepath.Join("dicom", "file_w.dcm"),
	} {
		if _, err := os.Stat(filepath.Join(caseDir, f)); err != nil {
			t.Errorf("missing output %s: %v", f, err)
		}
	}

	// The resampled volume spans 10mm at 5mm thickness.
	v, err := nifti.Read(filepath.Join(caseDir, "image.nii.gz"))
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if v.Slices != 2 {
		t.Errorf("resampled slices = %d, want 2", v.Slices)
	}
	if v.Spacing[2] != 5 {
		t.Errorf("z spacing = %g, want 5", v.Spacing[2])
	}
	if got := v.At(0, 0, 0); got != 0 {
		t.Errorf("first slice HU = %d, want 0", got)
	}

	orig, err := nifti.Read(filepath.Join(caseDir, "image_original.nii.gz"))
	if err != nil {
		t.Fatalf("read original image: %v", err)
	}
	if orig.Slices != 4 {
		t.Errorf("original slices = %d, want 4", orig.Slices)
	}

	// No scratch directories may survive.
	entries, err := os.ReadDir(caseDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.IsDir() && e.Name() != "dicom" {
			t.Errorf("leftover directory %s", e.Name())
		}
	}

	// The last event of the case reports completion.
	last := events[len(events)-1]
	if !last.Done || last.Err != nil || last.CaseID != "case_001" {
		t.Errorf("last event = %+v", last)
	}
}

func TestRunSkipsFinishedCases(t *testing.T) {
	runner, archive := newTestRunner(t)
	tmp := t.TempDir()
	manifestPath := writeManifest(t, tmp, "case_001,"+testSeriesUID+",fold-1\n")
	target := filepath.Join(tmp, "out")

	opts := Options{ManifestPath: manifestPath, TargetDir: target, Workers: 1}
	if _, err := runner.Run(context.Background(), opts); err != nil {
		t.Fatalf("first run: %v", err)
	}

	res, err := runner.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if res.Skipped != 1 || res.Downloaded != 0 {
		t.Errorf("result = %+v, want 1 skipped", res)
	}
	if archive.downloads.Load() != 1 {
		t.Errorf("server saw %d downloads, want 1", archive.downloads.Load())
	}

	// Force reprocesses despite existing outputs.
	opts.Force = true
	res, err = runner.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("forced run: %v", err)
	}
	if res.Downloaded != 1 {
		t.Errorf("forced result = %+v", res)
	}
	if archive.downloads.Load() != 2 {
		t.Errorf("server saw %d downloads, want 2", archive.downloads.Load())
	}
}

func TestRunCollectsPerCaseErrors(t *testing.T) {
	runner, _ := newTestRunner(t)
	tmp := t.TempDir()
	// The second series UID does not exist on the server.
	manifestPath := writeManifest(t, tmp,
		"case_001,"+testSeriesUID+",fold-1\n"+
			"case_002,1.9.9.9,fold-2\n")
	target := filepath.Join(tmp, "out")

	res, err := runner.Run(context.Background(), Options{
		ManifestPath: manifestPath,
		TargetDir:    target,
		Workers:      2,
	})
	if err == nil {
		t.Fatal("expected an error for the missing series")
	}
	if res.Downloaded != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want 1 downloaded 1 failed", res)
	}

	// The good case still finished.
	if _, statErr := os.Stat(filepath.Join(target, "case_001", "image.nii.gz")); statErr != nil {
		t.Errorf("good case missing: %v", statErr)
	}
}

func TestStepNames(t *testing.T) {
	for step := StepDownload; step <= NumSteps; step++ {
		if StepName(step) == "waiting" {
			t.Errorf("step %d has no name", step)
		}
	}
}
