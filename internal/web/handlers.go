package web

import (
	"context"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mapdev/ingestd/internal/manifest"
	"github.com/mapdev/ingestd/internal/pipeline"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmitFile ingests one delimited file from a multipart form and
// processes it synchronously. Archives go to /api/archives instead.
func (s *Server) handleSubmitFile(w http.ResponseWriter, r *http.Request) {
	name, data, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	if strings.EqualFold(filepath.Ext(name), ".zip") {
		respondError(w, r, http.StatusBadRequest, "zip archives must be submitted to /api/archives", nil)
		return
	}

	ctx, cancel := s.processingContext(r.Context())
	defer cancel()

	res, err := s.proc.ProcessFile(ctx, name, data, nil)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "processing aborted", err)
		return
	}
	respondJSON(w, r, fileStatusCode(res.Status), fileView(res))
}

// handleSubmitArchive ingests a zip archive and processes every supported
// member as its own batch.
func (s *Server) handleSubmitArchive(w http.ResponseWriter, r *http.Request) {
	name, data, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	if !strings.EqualFold(filepath.Ext(name), ".zip") {
		respondError(w, r, http.StatusBadRequest, "expected a .zip archive", nil)
		return
	}

	ctx, cancel := s.processingContext(r.Context())
	defer cancel()

	res, err := s.proc.ProcessArchive(ctx, name, data)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "processing aborted", err)
		return
	}
	respondJSON(w, r, archiveStatusCode(res.Status), archiveView(res))
}

// handleListBatches returns recent ledger records, newest first. Optional
// query parameters: status (PENDING, PROCESSING, COMPLETED, FAILED) and
// limit (default 50).
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	status := manifest.Status(strings.ToUpper(r.URL.Query().Get("status")))
	switch status {
	case "", manifest.StatusPending, manifest.StatusProcessing,
		manifest.StatusCompleted, manifest.StatusFailed:
	default:
		respondError(w, r, http.StatusBadRequest, "unknown status filter", nil)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, r, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = n
	}

	records, err := s.store.ListRecent(r.Context(), status, limit)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "ledger lookup failed", err)
		return
	}

	views := make([]*BatchView, 0, len(records))
	for _, m := range records {
		views = append(views, batchView(m))
	}
	respondJSON(w, r, http.StatusOK, views)
}

// handleGetBatch returns the ledger record for a batch, with child batches
// when the record is an archive parent.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid batch ID", nil)
		return
	}

	m, err := s.store.FindByBatchID(r.Context(), batchID)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "ledger lookup failed", err)
		return
	}
	if m == nil {
		respondError(w, r, http.StatusNotFound, "batch not found", nil)
		return
	}

	children, err := s.store.FindByParent(r.Context(), batchID)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "ledger lookup failed", err)
		return
	}

	view := batchView(m)
	for _, c := range children {
		view.Children = append(view.Children, batchView(c))
	}
	respondJSON(w, r, http.StatusOK, view)
}

func (s *Server) handleWatchStatus(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		respondJSON(w, r, http.StatusOK, map[string]bool{"enabled": false})
		return
	}
	st := s.watch.Status()
	respondJSON(w, r, http.StatusOK, map[string]any{
		"enabled":       true,
		"running":       st.Running,
		"uploadDir":     st.UploadDir,
		"inFlight":      st.InFlight,
		"maxConcurrent": st.MaxConcurrent,
		"useMarkers":    st.UseMarkers,
	})
}

// readUpload extracts the "file" part of a multipart form, bounded by the
// configured maximum file size. It writes the error response itself.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	maxSize := s.cfg.Ingest.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	if err := r.ParseMultipartForm(maxSize); err != nil {
		respondError(w, r, http.StatusBadRequest, "file too large or invalid form", err)
		return "", nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "no file provided", err)
		return "", nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, r, http.StatusInternalServerError, "failed to read file", err)
		return "", nil, false
	}
	return filepath.Base(header.Filename), data, true
}

func (s *Server) processingContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Ingest.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, s.cfg.Ingest.Timeout)
}

func fileStatusCode(st pipeline.FileStatus) int {
	switch st {
	case pipeline.FileFailed, pipeline.FileRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

func archiveStatusCode(st pipeline.ArchiveStatus) int {
	if st == pipeline.ArchiveFailed {
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

// FileView is the JSON shape of a single file outcome.
type FileView struct {
	BatchID          string `json:"batchId"`
	FileName         string `json:"fileName"`
	TableName        string `json:"tableName,omitempty"`
	Status           string `json:"status"`
	AlreadyProcessed bool   `json:"alreadyProcessed,omitempty"`
	RowsLoaded       int64  `json:"rowsLoaded"`
	DataQuality      string `json:"dataQuality,omitempty"`
	Message          string `json:"message,omitempty"`
}

func fileView(res *pipeline.FileResult) FileView {
	return FileView{
		BatchID:          res.BatchID.String(),
		FileName:         res.FileName,
		TableName:        res.TableName,
		Status:           string(res.Status),
		AlreadyProcessed: res.AlreadyProcessed,
		RowsLoaded:       res.RowsLoaded,
		DataQuality:      string(res.Quality),
		Message:          res.Message,
	}
}

// ArchiveView is the JSON shape of an archive outcome.
type ArchiveView struct {
	BatchID    string     `json:"batchId"`
	FileName   string     `json:"fileName"`
	Status     string     `json:"status"`
	Succeeded  int        `json:"succeeded"`
	Duplicates int        `json:"duplicates"`
	Failed     int        `json:"failed"`
	RowsLoaded int64      `json:"rowsLoaded"`
	Members    []FileView `json:"members"`
}

func archiveView(res *pipeline.ArchiveResult) ArchiveView {
	v := ArchiveView{
		BatchID:    res.BatchID.String(),
		FileName:   res.FileName,
		Status:     string(res.Status),
		Succeeded:  res.Succeeded,
		Duplicates: res.Duplicates,
		Failed:     res.Failed,
		RowsLoaded: res.RowsLoaded,
		Members:    make([]FileView, 0, len(res.Members)),
	}
	for _, m := range res.Members {
		v.Members = append(v.Members, fileView(m))
	}
	return v
}

// BatchView is the JSON shape of one ledger record.
type BatchView struct {
	BatchID          string      `json:"batchId"`
	ParentBatchID    string      `json:"parentBatchId,omitempty"`
	FileName         string      `json:"fileName"`
	FileChecksum     string      `json:"fileChecksum,omitempty"`
	TableName        string      `json:"tableName,omitempty"`
	Status           string      `json:"status"`
	TotalRecords     int64       `json:"totalRecords"`
	ProcessedRecords int64       `json:"processedRecords"`
	FailedRecords    int64       `json:"failedRecords"`
	CorrectedRecords int64       `json:"correctedRecords"`
	WarningCount     int         `json:"warningCount"`
	ErrorCount       int         `json:"errorCount"`
	DataQuality      string      `json:"dataQuality,omitempty"`
	StartedAt        time.Time   `json:"startedAt"`
	CompletedAt      *time.Time  `json:"completedAt,omitempty"`
	ErrorMessage     string      `json:"errorMessage,omitempty"`
	ErrorDetail      string      `json:"errorDetail,omitempty"`
	Children         []*BatchView `json:"children,omitempty"`
}

func batchView(m *manifest.Manifest) *BatchView {
	v := &BatchView{
		BatchID:          m.BatchID.String(),
		FileName:         m.FileName,
		FileChecksum:     m.FileChecksum,
		TableName:        m.TableName,
		Status:           string(m.Status),
		TotalRecords:     m.TotalRecords,
		ProcessedRecords: m.ProcessedRecords,
		FailedRecords:    m.FailedRecords,
		CorrectedRecords: m.CorrectedRecords,
		WarningCount:     m.WarningCount,
		ErrorCount:       m.ErrorCount,
		DataQuality:      string(m.DataQuality),
		StartedAt:        m.StartedAt,
		CompletedAt:      m.CompletedAt,
		ErrorMessage:     m.ErrorMessage,
		ErrorDetail:      m.ErrorDetail,
	}
	if m.ParentBatchID != nil {
		v.ParentBatchID = m.ParentBatchID.String()
	}
	return v
}
