package watcher

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mapdev/ingestd/internal/checksum"
	"github.com/mapdev/ingestd/internal/config"
	"github.com/mapdev/ingestd/internal/manifest"
	"github.com/mapdev/ingestd/internal/pipeline"
	"github.com/mapdev/ingestd/internal/routing"
	"github.com/mapdev/ingestd/internal/validate"
)

type stubLoader struct{ err error }

func (l *stubLoader) Load(_ context.Context, _ string, _ []string, data io.Reader) (int64, error) {
	b, err := io.ReadAll(data)
	if err != nil {
		return 0, err
	}
	if l.err != nil {
		return 0, l.err
	}
	var rows int64
	for _, line := range strings.Split(string(b), "\n") {
		if line != "" {
			rows++
		}
	}
	return rows, nil
}

type stubSchema struct{}

func (stubSchema) Columns(context.Context, string) ([]string, error) {
	return []string{"col_a", "col_b"}, nil
}

func testConfig(t *testing.T, markers bool) config.WatchConfig {
	t.Helper()
	return config.WatchConfig{
		Enabled:               true,
		Root:                  t.TempDir(),
		UseMarkerFiles:        markers,
		MarkerSuffix:          ".done",
		PollInterval:          20 * time.Millisecond,
		MaxConcurrentFiles:    2,
		SupportedExtensions:   []string{".csv", ".zip"},
		StabilityCheckDelay:   5 * time.Millisecond,
		StabilityCheckRetries: 2,
		ShutdownTimeout:       2 * time.Second,
	}
}

func testRouter(t *testing.T) *routing.Router {
	t.Helper()
	router, err := routing.NewRouter(config.RoutingConfig{
		Enabled:     true,
		Regex:       `^([A-Za-z]{2})(\d)(?:\d+)?$`,
		Template:    "${g1}${g2}",
		TablePrefix: "staging",
	})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return router
}

func testProcessor(t *testing.T, loader pipeline.Loader) (*pipeline.Processor, *manifest.MemoryStore) {
	t.Helper()
	store := manifest.NewMemoryStore()
	proc := pipeline.NewProcessor(store, loader, stubSchema{}, testRouter(t),
		validate.NewEngine('\t'), validate.NewRegistry(), validate.NewRuleSet(nil))
	return proc, store
}

func testService(t *testing.T, markers bool, loaderErr error) (*Service, *manifest.MemoryStore) {
	t.Helper()
	proc, store := testProcessor(t, &stubLoader{err: loaderErr})
	return NewService(testConfig(t, markers), proc, time.Minute), store
}

func startService(t *testing.T, s *Service) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		if err := s.Stop(); err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read %s: %v", dir, err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestService_MarkerTriggeredFile(t *testing.T) {
	s, store := testService(t, true, nil)
	startService(t, s)
	f := s.Folders()

	if err := os.WriteFile(filepath.Join(f.Upload, "AA1.csv"), []byte("a\tb\nc\td\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.Upload, "AA1.csv.done"), nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	waitFor(t, "file to reach archive", func() bool {
		return len(dirNames(t, f.Archive)) == 1
	})

	archived := dirNames(t, f.Archive)[0]
	if !strings.HasPrefix(archived, "AA1_") || !strings.HasSuffix(archived, ".csv") {
		t.Errorf("archived name = %q", archived)
	}

	waitFor(t, "marker cleanup", func() bool {
		return len(dirNames(t, f.Upload)) == 0
	})

	// Ledger recorded the load.
	sum, err := checksum.Fingerprint("AA1.csv", []byte("a\tb\nc\td\n"))
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	m, err := store.FindByChecksum(context.Background(), sum)
	if err != nil || m == nil {
		t.Fatalf("ledger lookup = %v, %v", m, err)
	}
	if m.Status != manifest.StatusCompleted || m.ProcessedRecords != 2 {
		t.Errorf("manifest = %s %d rows", m.Status, m.ProcessedRecords)
	}
}

func TestService_NoMarkerNoPickup(t *testing.T) {
	s, _ := testService(t, true, nil)
	startService(t, s)
	f := s.Folders()

	if err := os.WriteFile(filepath.Join(f.Upload, "AA1.csv"), []byte("a\tb\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	// Several polls pass; without a marker the file must stay put.
	time.Sleep(100 * time.Millisecond)
	if got := dirNames(t, f.Upload); len(got) != 1 || got[0] != "AA1.csv" {
		t.Errorf("upload = %v, want file untouched", got)
	}
	if got := dirNames(t, f.Archive); len(got) != 0 {
		t.Errorf("archive = %v, want empty", got)
	}
}

func TestService_DirectModeStableFile(t *testing.T) {
	s, _ := testService(t, false, nil)
	startService(t, s)
	f := s.Folders()

	if err := os.WriteFile(filepath.Join(f.Upload, "BB2.csv"), []byte("x\ty\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	waitFor(t, "stable file to reach archive", func() bool {
		return len(dirNames(t, f.Archive)) == 1
	})
}

func TestService_GrowingFileDeferred(t *testing.T) {
	s, _ := testService(t, false, nil)
	startService(t, s)
	f := s.Folders()

	path := filepath.Join(f.Upload, "CC3.csv")
	if err := os.WriteFile(path, []byte("a\tb\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	// Keep appending across several poll cycles, so every stability sample
	// sees the file change.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; i < 75; i++ {
			fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return
			}
			fh.Write([]byte("c\td\n"))
			fh.Close()
			time.Sleep(2 * time.Millisecond)
		}
	}()

	for i := 0; i < 10; i++ {
		if got := dirNames(t, f.Archive); len(got) != 0 {
			t.Fatalf("archive = %v, file dispatched while still growing", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	<-writerDone
	waitFor(t, "settled file to reach archive", func() bool {
		return len(dirNames(t, f.Archive)) == 1
	})
}

func TestService_MarkerDoesNotBypassStability(t *testing.T) {
	s, _ := testService(t, true, nil)
	startService(t, s)
	f := s.Folders()

	path := filepath.Join(f.Upload, "CC3.csv")
	if err := os.WriteFile(path, []byte("a\tb\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	// Marker dropped before the writer is actually done.
	if err := os.WriteFile(path+".done", nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; i < 75; i++ {
			fh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return
			}
			fh.Write([]byte("c\td\n"))
			fh.Close()
			time.Sleep(2 * time.Millisecond)
		}
	}()

	for i := 0; i < 10; i++ {
		if got := dirNames(t, f.Archive); len(got) != 0 {
			t.Fatalf("archive = %v, file dispatched while still growing", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	<-writerDone
	waitFor(t, "settled file to reach archive", func() bool {
		return len(dirNames(t, f.Archive)) == 1
	})
}

func TestService_FailedFileGoesToErrorWithSidecar(t *testing.T) {
	s, _ := testService(t, true, errors.New("connection refused"))
	startService(t, s)
	f := s.Folders()

	if err := os.WriteFile(filepath.Join(f.Upload, "AA1.csv"), []byte("a\tb\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.Upload, "AA1.csv.done"), nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	waitFor(t, "file to reach error folder", func() bool {
		names := dirNames(t, f.Error)
		var data, sidecar bool
		for _, n := range names {
			if strings.HasSuffix(n, sidecarSuffix) {
				sidecar = true
			} else {
				data = true
			}
		}
		return data && sidecar
	})

	if got := dirNames(t, f.Archive); len(got) != 0 {
		t.Errorf("archive = %v, want empty after failure", got)
	}
}

func TestService_UnsupportedTriggeredFileRejected(t *testing.T) {
	s, _ := testService(t, true, nil)
	startService(t, s)
	f := s.Folders()

	if err := os.WriteFile(filepath.Join(f.Upload, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.Upload, "notes.txt.done"), nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	waitFor(t, "unsupported file to reach error folder", func() bool {
		return len(dirNames(t, f.Error)) == 2 // data file plus sidecar
	})
	if got := dirNames(t, f.Archive); len(got) != 0 {
		t.Errorf("archive = %v, want empty", got)
	}
	waitFor(t, "marker cleanup", func() bool {
		return len(dirNames(t, f.Upload)) == 0
	})
}

func TestService_UnsupportedDirectFileIgnored(t *testing.T) {
	s, _ := testService(t, false, nil)
	startService(t, s)
	f := s.Folders()

	if err := os.WriteFile(filepath.Join(f.Upload, "notes.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := dirNames(t, f.Upload); len(got) != 1 {
		t.Errorf("upload = %v, want file left in place", got)
	}
	if got := dirNames(t, f.Error); len(got) != 0 {
		t.Errorf("error = %v, want empty", got)
	}
}

func TestService_ZipArchiveDispatch(t *testing.T) {
	s, store := testService(t, true, nil)
	startService(t, s)
	f := s.Folders()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{"AA1.csv": "a\tb\n", "BB2.csv": "c\td\n"} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	zw.Close()

	if err := os.WriteFile(filepath.Join(f.Upload, "batch.zip"), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write zip: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.Upload, "batch.zip.done"), nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	waitFor(t, "zip to reach archive", func() bool {
		return len(dirNames(t, f.Archive)) == 1
	})

	// Parent plus two children in the ledger.
	var children int
	for _, m := range store.All() {
		if m.ParentBatchID != nil {
			children++
		}
	}
	if children != 2 {
		t.Errorf("child manifests = %d, want 2", children)
	}
}

// gatedLoader signals when a load starts and blocks it until release is
// closed.
type gatedLoader struct {
	entered chan struct{}
	release chan struct{}
}

func (l *gatedLoader) Load(_ context.Context, _ string, _ []string, data io.Reader) (int64, error) {
	if _, err := io.ReadAll(data); err != nil {
		return 0, err
	}
	close(l.entered)
	<-l.release
	return 1, nil
}

func TestService_StopWaitsForInFlightFile(t *testing.T) {
	loader := &gatedLoader{entered: make(chan struct{}), release: make(chan struct{})}
	proc, _ := testProcessor(t, loader)
	s := NewService(testConfig(t, true), proc, time.Minute)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f := s.Folders()

	if err := os.WriteFile(filepath.Join(f.Upload, "AA1.csv"), []byte("a\tb\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(f.Upload, "AA1.csv.done"), nil, 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	select {
	case <-loader.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the load to start")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop() returned %v with a file still in flight", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(loader.release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after the in-flight file finished")
	}

	if got := dirNames(t, f.Archive); len(got) != 1 {
		t.Errorf("archive = %v, want the in-flight file completed before shutdown", got)
	}
}

func TestService_Status(t *testing.T) {
	s, _ := testService(t, true, nil)

	st := s.Status()
	if st.Running {
		t.Error("Status().Running should be false before Start")
	}

	startService(t, s)
	st = s.Status()
	if !st.Running {
		t.Error("Status().Running should be true after Start")
	}
	if st.MaxConcurrent != 2 || !st.UseMarkers {
		t.Errorf("Status() = %+v", st)
	}
}

