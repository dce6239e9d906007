// Package manifest implements the processing ledger: one record per
// ingestion attempt, keyed by a generated batch ID and carrying the content
// checksum used for duplicate detection. Records are audit data and are
// never deleted by the pipeline.
package manifest

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one processing attempt.
// Attempts move PENDING -> PROCESSING -> {COMPLETED | FAILED}, exactly once
// into a terminal state.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// DataQuality summarizes the validation outcome of a completed attempt.
type DataQuality string

const (
	QualityClean        DataQuality = "CLEAN"
	QualityCorrected    DataQuality = "CORRECTED"
	QualityWithWarnings DataQuality = "WITH_WARNINGS"
	QualityWithErrors   DataQuality = "WITH_ERRORS"
	QualityRejected     DataQuality = "REJECTED"
)

// maxErrorDetailLen bounds the stored error detail so a deep stack never
// bloats the ledger row.
const maxErrorDetailLen = 2000

// Manifest is one ledger record. BatchID is unique per attempt; FileChecksum
// is not unique, multiple attempts over time may share it.
type Manifest struct {
	BatchID       uuid.UUID
	ParentBatchID *uuid.UUID
	FileName      string
	FileChecksum  string
	TableName     string
	Status        Status

	TotalRecords     int64
	ProcessedRecords int64
	FailedRecords    int64
	CorrectedRecords int64
	WarningCount     int
	ErrorCount       int

	DataQuality DataQuality

	StartedAt   time.Time
	CompletedAt *time.Time

	ErrorMessage string
	ErrorDetail  string
}

// New creates a PENDING manifest for a fresh attempt.
func New(fileName, checksum, tableName string) *Manifest {
	return &Manifest{
		BatchID:      uuid.New(),
		FileName:     fileName,
		FileChecksum: checksum,
		TableName:    tableName,
		Status:       StatusPending,
		DataQuality:  QualityClean,
		StartedAt:    time.Now().UTC(),
	}
}

// NewChild creates a PENDING manifest for an archive member, linked to its
// parent batch.
func NewChild(parent uuid.UUID, fileName, checksum, tableName string) *Manifest {
	m := New(fileName, checksum, tableName)
	p := parent
	m.ParentBatchID = &p
	return m
}

// MarkProcessing transitions the attempt into PROCESSING.
func (m *Manifest) MarkProcessing() {
	m.Status = StatusProcessing
}

// Counts carries the per-file tallies produced by validation, transformation
// and loading.
type Counts struct {
	Total     int64
	Processed int64
	Failed    int64
	Corrected int64
	Warnings  int
	Errors    int
}

// MarkCompleted transitions the attempt into COMPLETED and derives the data
// quality from the counts: errors outrank corrections, which outrank plain
// warnings.
func (m *Manifest) MarkCompleted(c Counts) {
	m.Status = StatusCompleted
	m.TotalRecords = c.Total
	m.ProcessedRecords = c.Processed
	m.FailedRecords = c.Failed
	m.CorrectedRecords = c.Corrected
	m.WarningCount = c.Warnings
	m.ErrorCount = c.Errors
	m.DataQuality = deriveQuality(c)
	m.complete()
}

// MarkFailed transitions the attempt into FAILED with an operator-facing
// message and a bounded detail blob.
func (m *Manifest) MarkFailed(message, detail string) {
	m.Status = StatusFailed
	m.ErrorMessage = message
	m.ErrorDetail = truncateDetail(detail)
	m.complete()
}

// MarkRejected records a content rejection: the attempt is FAILED and the
// quality is pinned to REJECTED regardless of counts, since nothing was
// loaded.
func (m *Manifest) MarkRejected(message string, c Counts) {
	m.Status = StatusFailed
	m.ErrorMessage = message
	m.TotalRecords = c.Total
	m.CorrectedRecords = c.Corrected
	m.WarningCount = c.Warnings
	m.ErrorCount = c.Errors
	m.DataQuality = QualityRejected
	m.complete()
}

func (m *Manifest) complete() {
	now := time.Now().UTC()
	m.CompletedAt = &now
}

func deriveQuality(c Counts) DataQuality {
	switch {
	case c.Errors > 0:
		return QualityWithErrors
	case c.Corrected > 0:
		return QualityCorrected
	case c.Warnings > 0:
		return QualityWithWarnings
	default:
		return QualityClean
	}
}

func truncateDetail(detail string) string {
	if len(detail) > maxErrorDetailLen {
		return detail[:maxErrorDetailLen] + "... (truncated)"
	}
	return detail
}
