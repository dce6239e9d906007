package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/mapdev/ingestd/internal/config"
	"github.com/mapdev/ingestd/internal/manifest"
	"github.com/mapdev/ingestd/internal/routing"
	"github.com/mapdev/ingestd/internal/validate"
)

// fakeLoader counts non-empty lines instead of touching a database.
type fakeLoader struct {
	calls     int
	err       error
	lastTable string
	lastCols  []string
	lastData  []byte
}

func (l *fakeLoader) Load(_ context.Context, table string, cols []string, data io.Reader) (int64, error) {
	l.calls++
	l.lastTable = table
	l.lastCols = cols
	b, err := io.ReadAll(data)
	if err != nil {
		return 0, err
	}
	l.lastData = b
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

// fakeSchema serves a fixed column list for every table.
type fakeSchema struct {
	cols []string
	err  error
}

func (s *fakeSchema) Columns(_ context.Context, table string) ([]string, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.cols, nil
}

// flakyStore wraps a MemoryStore with injectable failures.
type flakyStore struct {
	*manifest.MemoryStore
	findErr  error
	writeErr error
}

func (s *flakyStore) FindByChecksum(ctx context.Context, sum string) (*manifest.Manifest, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.MemoryStore.FindByChecksum(ctx, sum)
}

func (s *flakyStore) Save(ctx context.Context, m *manifest.Manifest) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.MemoryStore.Save(ctx, m)
}

func (s *flakyStore) Update(ctx context.Context, m *manifest.Manifest) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.MemoryStore.Update(ctx, m)
}

type harness struct {
	proc   *Processor
	store  *manifest.MemoryStore
	loader *fakeLoader
	schema *fakeSchema
}

func newHarness(t *testing.T, rules []validate.Rule) *harness {
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

	h := &harness{
		store:  manifest.NewMemoryStore(),
		loader: &fakeLoader{},
		schema: &fakeSchema{cols: []string{"col_a", "col_b", "col_c"}},
	}
	h.proc = NewProcessor(h.store, h.loader, h.schema, router,
		validate.NewEngine('\t'), validate.NewRegistry(), validate.NewRuleSet(rules))
	return h
}

func TestProcessFile_Success(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.proc.ProcessFile(ctx, "AA1.csv", []byte("a\tb\tc\nd\te\tf\n"), nil)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}

	if res.Status != FileSuccess {
		t.Fatalf("Status = %s, want SUCCESS (%s)", res.Status, res.Message)
	}
	if res.TableName != "staging_aa1" {
		t.Errorf("TableName = %q, want staging_aa1", res.TableName)
	}
	if res.RowsLoaded != 2 {
		t.Errorf("RowsLoaded = %d, want 2", res.RowsLoaded)
	}
	if res.Quality != manifest.QualityClean {
		t.Errorf("Quality = %s, want CLEAN", res.Quality)
	}

	m, err := h.store.FindByBatchID(ctx, res.BatchID)
	if err != nil || m == nil {
		t.Fatalf("manifest lookup = %v, %v", m, err)
	}
	if m.Status != manifest.StatusCompleted {
		t.Errorf("manifest status = %s, want COMPLETED", m.Status)
	}
	if m.TotalRecords != 2 || m.ProcessedRecords != 2 {
		t.Errorf("records = %d/%d, want 2/2", m.ProcessedRecords, m.TotalRecords)
	}
}

func TestProcessFile_DuplicateShortCircuits(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	content := []byte("a\tb\tc\n")
	first, err := h.proc.ProcessFile(ctx, "AA1.csv", content, nil)
	if err != nil {
		t.Fatalf("first ProcessFile() error = %v", err)
	}
	if first.Status != FileSuccess {
		t.Fatalf("first Status = %s", first.Status)
	}

	loads := h.loader.calls
	second, err := h.proc.ProcessFile(ctx, "AA1_resent.csv", content, nil)
	if err != nil {
		t.Fatalf("second ProcessFile() error = %v", err)
	}

	if second.Status != FileAlreadyProcessed || !second.AlreadyProcessed {
		t.Errorf("second Status = %s, want ALREADY_PROCESSED", second.Status)
	}
	if second.BatchID != first.BatchID {
		t.Errorf("duplicate should reference the original batch %s, got %s", first.BatchID, second.BatchID)
	}
	if h.loader.calls != loads {
		t.Errorf("duplicate triggered %d extra load(s)", h.loader.calls-loads)
	}
	if second.RowsLoaded != 0 {
		t.Errorf("duplicate RowsLoaded = %d, want 0", second.RowsLoaded)
	}
}

func TestProcessFile_FailedAttemptAllowsRetry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	content := []byte("a\tb\tc\n")
	h.loader.err = errors.New("connection reset")
	first, err := h.proc.ProcessFile(ctx, "AA1.csv", content, nil)
	if err != nil {
		t.Fatalf("first ProcessFile() error = %v", err)
	}
	if first.Status != FileFailed {
		t.Fatalf("first Status = %s, want FAILED", first.Status)
	}

	h.loader.err = nil
	second, err := h.proc.ProcessFile(ctx, "AA1.csv", content, nil)
	if err != nil {
		t.Fatalf("second ProcessFile() error = %v", err)
	}
	if second.Status != FileSuccess {
		t.Errorf("retry after failure Status = %s, want SUCCESS", second.Status)
	}
}

func TestProcessFile_RejectionNeverReachesLoader(t *testing.T) {
	rule := validate.DefaultRule()
	rule.FilePattern = "PM1"
	rule.ExpectedDelimiterCount = 5
	rule.RejectOnViolation = true

	h := newHarness(t, []validate.Rule{rule})
	ctx := context.Background()

	res, err := h.proc.ProcessFile(ctx, "PM162.csv", []byte("too\tfew\n"), nil)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}

	if res.Status != FileRejected {
		t.Fatalf("Status = %s, want REJECTED", res.Status)
	}
	if h.loader.calls != 0 {
		t.Errorf("rejected file reached the loader %d time(s)", h.loader.calls)
	}
	if res.Quality != manifest.QualityRejected {
		t.Errorf("Quality = %s, want REJECTED", res.Quality)
	}

	m, _ := h.store.FindByBatchID(ctx, res.BatchID)
	if m == nil || m.Status != manifest.StatusFailed {
		t.Errorf("manifest should be FAILED for rejected content")
	}
	if len(h.store.Issues()) == 0 {
		t.Error("rejection should persist its validation issues")
	}
}

func TestProcessFile_TransformationApplied(t *testing.T) {
	rule := validate.DefaultRule()
	rule.FilePattern = "IM2"
	rule.EnableDataTransformation = true
	rule.TransformerID = validate.TransformerIM2

	h := newHarness(t, []validate.Rule{rule})
	h.schema.cols = []string{"col_a", "col_b", "col_c", "col_d", "col_e"}
	ctx := context.Background()

	res, err := h.proc.ProcessFile(ctx, "IM262.csv", []byte(" a \tb\tc\t0000/00/00\te\n"), nil)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if res.Status != FileSuccess {
		t.Fatalf("Status = %s (%s)", res.Status, res.Message)
	}

	if got := string(h.loader.lastData); got != "a\tb\tc\t\te\n" {
		t.Errorf("loaded data = %q, want transformed line", got)
	}
	if res.Quality != manifest.QualityCorrected {
		t.Errorf("Quality = %s, want CORRECTED", res.Quality)
	}

	var sawTransform bool
	for _, iss := range h.store.Issues() {
		if iss.Type == validate.IssueDataTransformation {
			sawTransform = true
		}
	}
	if !sawTransform {
		t.Error("expected a DATA_TRANSFORMATION issue to be persisted")
	}
}

func TestProcessFile_UnknownTransformer(t *testing.T) {
	rule := validate.DefaultRule()
	rule.FilePattern = "PM1"
	rule.EnableDataTransformation = true
	rule.TransformerID = "does_not_exist"

	h := newHarness(t, []validate.Rule{rule})

	res, err := h.proc.ProcessFile(context.Background(), "PM162.csv", []byte("a\tb\n"), nil)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if res.Status != FileFailed {
		t.Errorf("Status = %s, want FAILED for unknown transformer", res.Status)
	}
	if h.loader.calls != 0 {
		t.Error("misconfigured file must not reach the loader")
	}
}

func TestProcessFile_TrimsColumnsToFileWidth(t *testing.T) {
	h := newHarness(t, nil)
	h.schema.cols = []string{"col_a", "col_b", "col_c", "col_d", "col_e"}

	res, err := h.proc.ProcessFile(context.Background(), "AA1.csv", []byte("a\tb\nc\td\n"), nil)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if res.Status != FileSuccess {
		t.Fatalf("Status = %s (%s)", res.Status, res.Message)
	}

	want := []string{"col_a", "col_b"}
	if len(h.loader.lastCols) != len(want) {
		t.Fatalf("Load received %d column(s) %v, want %v", len(h.loader.lastCols), h.loader.lastCols, want)
	}
	for i, col := range want {
		if h.loader.lastCols[i] != col {
			t.Errorf("column[%d] = %q, want %q", i, h.loader.lastCols[i], col)
		}
	}
}

func TestProcessFile_FileWiderThanTable(t *testing.T) {
	h := newHarness(t, nil)
	h.schema.cols = []string{"col_a", "col_b"}

	res, err := h.proc.ProcessFile(context.Background(), "AA1.csv", []byte("a\tb\tc\td\n"), nil)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if res.Status != FileFailed {
		t.Fatalf("Status = %s, want FAILED", res.Status)
	}
	if h.loader.calls != 0 {
		t.Error("oversized file must not reach the loader")
	}
	if !strings.Contains(res.Message, "staging_aa1") {
		t.Errorf("Message = %q, should name the table", res.Message)
	}
}

func TestProcessFile_MissingTable(t *testing.T) {
	h := newHarness(t, nil)
	h.schema.err = ErrNoTable

	res, err := h.proc.ProcessFile(context.Background(), "AA1.csv", []byte("a\tb\n"), nil)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if res.Status != FileFailed {
		t.Errorf("Status = %s, want FAILED", res.Status)
	}
	if !strings.Contains(res.Message, "staging_aa1") {
		t.Errorf("Message = %q, should name the missing table", res.Message)
	}
}

func TestProcessFile_LoadFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.loader.err = errors.New("malformed row at line 7")
	ctx := context.Background()

	res, err := h.proc.ProcessFile(ctx, "AA1.csv", []byte("a\tb\n"), nil)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if res.Status != FileFailed {
		t.Fatalf("Status = %s, want FAILED", res.Status)
	}

	m, _ := h.store.FindByBatchID(ctx, res.BatchID)
	if m == nil || m.Status != manifest.StatusFailed {
		t.Fatal("manifest should record the failed load")
	}
	if !strings.Contains(m.ErrorDetail, "malformed row") {
		t.Errorf("ErrorDetail = %q, should carry the load error", m.ErrorDetail)
	}
}

func TestProcessFile_LedgerReadFailureDoesNotBlockLoad(t *testing.T) {
	h := newHarness(t, nil)
	store := &flakyStore{MemoryStore: h.store, findErr: errors.New("ledger down")}
	h.proc.store = store

	res, err := h.proc.ProcessFile(context.Background(), "AA1.csv", []byte("a\tb\n"), nil)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if res.Status != FileSuccess {
		t.Errorf("Status = %s, want SUCCESS despite ledger outage", res.Status)
	}
	if h.loader.calls != 1 {
		t.Errorf("loader calls = %d, want 1", h.loader.calls)
	}
}

func TestProcessFile_LedgerWriteFailureDoesNotBlockLoad(t *testing.T) {
	h := newHarness(t, nil)
	store := &flakyStore{MemoryStore: h.store, writeErr: errors.New("ledger down")}
	h.proc.store = store

	res, err := h.proc.ProcessFile(context.Background(), "AA1.csv", []byte("a\tb\n"), nil)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if res.Status != FileSuccess {
		t.Errorf("Status = %s, want SUCCESS despite ledger outage", res.Status)
	}
}

func TestProcessFile_GzipContent(t *testing.T) {
	h := newHarness(t, nil)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte("a\tb\tc\n")); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	zw.Close()

	res, err := h.proc.ProcessFile(context.Background(), "AA1.csv.gz", buf.Bytes(), nil)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if res.Status != FileSuccess {
		t.Fatalf("Status = %s (%s)", res.Status, res.Message)
	}
	if res.TableName != "staging_aa1" {
		t.Errorf("TableName = %q, want staging_aa1", res.TableName)
	}
	if got := string(h.loader.lastData); got != "a\tb\tc\n" {
		t.Errorf("loaded data = %q, want decompressed content", got)
	}
}

func TestProcessFile_CorruptGzip(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.proc.ProcessFile(context.Background(), "AA1.csv.gz", []byte("not gzip"), nil)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if res.Status != FileFailed {
		t.Errorf("Status = %s, want FAILED", res.Status)
	}
	if h.loader.calls != 0 {
		t.Error("unreadable file must not reach the loader")
	}
}

func TestProcessFile_CanceledContext(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.proc.ProcessFile(ctx, "AA1.csv", []byte("a\tb\n"), nil); err == nil {
		t.Error("ProcessFile with canceled context should return an error")
	}
}

func TestProcessFile_AutoFixedWarnings(t *testing.T) {
	rule := validate.DefaultRule()
	rule.FilePattern = "AA1"
	rule.ExpectedDelimiterCount = 2

	h := newHarness(t, []validate.Rule{rule})
	ctx := context.Background()

	// One line with an extra delimiter, auto-fixed to two.
	res, err := h.proc.ProcessFile(ctx, "AA1.csv", []byte("a\tb\tc\td\ne\tf\tg\n"), nil)
	if err != nil {
		t.Fatalf("ProcessFile() error = %v", err)
	}
	if res.Status != FileSuccess {
		t.Fatalf("Status = %s (%s)", res.Status, res.Message)
	}
	if res.Quality != manifest.QualityCorrected {
		t.Errorf("Quality = %s, want CORRECTED", res.Quality)
	}
	if res.Counts.Corrected != 1 {
		t.Errorf("Corrected = %d, want 1", res.Counts.Corrected)
	}
	if got := string(h.loader.lastData); got != "a\tb\tc d\ne\tf\tg\n" {
		t.Errorf("loaded data = %q", got)
	}
}
