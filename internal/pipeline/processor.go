package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mapdev/ingestd/internal/checksum"
	"github.com/mapdev/ingestd/internal/logging"
	"github.com/mapdev/ingestd/internal/manifest"
	"github.com/mapdev/ingestd/internal/routing"
	"github.com/mapdev/ingestd/internal/validate"
)

// FileStatus is the terminal outcome of processing one file.
type FileStatus string

const (
	FileSuccess          FileStatus = "SUCCESS"
	FileAlreadyProcessed FileStatus = "ALREADY_PROCESSED"
	FileRejected         FileStatus = "REJECTED"
	FileFailed           FileStatus = "FAILED"
)

// FileResult reports the outcome of one file attempt.
type FileResult struct {
	BatchID   uuid.UUID
	FileName  string
	TableName string
	Status    FileStatus

	// AlreadyProcessed is set when the duplicate check short-circuited the
	// attempt; BatchID then refers to the earlier attempt.
	AlreadyProcessed bool

	RowsLoaded int64
	Counts     manifest.Counts
	Quality    manifest.DataQuality

	// Message describes the failure or rejection, empty on success.
	Message string
}

// Failed reports whether the attempt ended in FAILED or REJECTED.
func (r *FileResult) Failed() bool {
	return r.Status == FileFailed || r.Status == FileRejected
}

// Processor runs single files through the full pipeline.
type Processor struct {
	store    manifest.Store
	loader   Loader
	schema   SchemaSource
	router   *routing.Router
	engine   *validate.Engine
	registry *validate.Registry
	rules    *validate.RuleSet
}

// NewProcessor wires the pipeline collaborators together.
func NewProcessor(store manifest.Store, loader Loader, schema SchemaSource,
	router *routing.Router, engine *validate.Engine,
	registry *validate.Registry, rules *validate.RuleSet) *Processor {
	return &Processor{
		store:    store,
		loader:   loader,
		schema:   schema,
		router:   router,
		engine:   engine,
		registry: registry,
		rules:    rules,
	}
}

// ProcessFile runs one file through checksum, duplicate check, validation,
// transformation and bulk load. Content-level failures are reported in the
// result, not as an error; the returned error is reserved for context
// cancellation and similarly unrecoverable conditions.
//
// Ledger writes are best-effort: a broken ledger is logged but never stops
// the data from moving.
func (p *Processor) ProcessFile(ctx context.Context, fileName string, data []byte, parent *uuid.UUID) (*FileResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := logging.WithFields(ctx, "file", fileName)

	sum, err := checksum.Fingerprint(fileName, data)
	if err != nil {
		log.Error("content fingerprint failed", "error", err)
		m := p.newManifest(parent, fileName, "", "")
		m.MarkFailed("unreadable content", err.Error())
		p.persist(ctx, m, true)
		return &FileResult{
			BatchID:  m.BatchID,
			FileName: fileName,
			Status:   FileFailed,
			Quality:  m.DataQuality,
			Message:  m.ErrorMessage,
		}, nil
	}

	// Duplicate check. A ledger read failure degrades to "not a duplicate"
	// rather than blocking the load.
	if existing, err := p.store.FindByChecksum(ctx, sum); err != nil {
		log.Warn("duplicate check unavailable, proceeding", "error", err)
	} else if existing != nil {
		log.Info("duplicate content, skipping",
			"checksum", sum, "previous_batch", existing.BatchID)
		return &FileResult{
			BatchID:          existing.BatchID,
			FileName:         fileName,
			TableName:        existing.TableName,
			Status:           FileAlreadyProcessed,
			AlreadyProcessed: true,
			Quality:          existing.DataQuality,
		}, nil
	}

	pattern := p.router.Pattern(fileName)
	rule := p.rules.For(pattern)
	table := rule.TableName
	if table == "" {
		table = p.router.ResolveTable(fileName)
	}

	m := p.newManifest(parent, fileName, sum, table)
	m.MarkProcessing()
	p.persist(ctx, m, true)

	blog := logging.ForBatch(ctx, m.BatchID, fileName)
	blog.Info("processing file", "table", table, "pattern", pattern, "bytes", len(data))

	result := p.run(ctx, blog, m, fileName, data, rule, table)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// run executes validation, transformation and loading for an attempt whose
// manifest already exists.
func (p *Processor) run(ctx context.Context, log *slog.Logger, m *manifest.Manifest,
	fileName string, data []byte, rule validate.Rule, table string) *FileResult {

	fail := func(message string, detail error) *FileResult {
		log.Error(message, "error", detail)
		m.MarkFailed(message, fmt.Sprint(detail))
		p.persist(ctx, m, false)
		return &FileResult{
			BatchID:   m.BatchID,
			FileName:  fileName,
			TableName: table,
			Status:    FileFailed,
			Quality:   m.DataQuality,
			Message:   message,
		}
	}

	content, err := checksum.Open(fileName, data)
	if err != nil {
		return fail("unreadable content", err)
	}

	vres, err := p.engine.ValidateAndFix(content, fileName, rule, m.BatchID)
	if err != nil {
		return fail("validation failed", err)
	}

	counts := manifest.Counts{
		Total:     vres.TotalLines,
		Corrected: vres.CorrectedLines,
		Warnings:  vres.WarningCount,
		Errors:    vres.ErrorCount,
	}

	if vres.Rejected {
		log.Warn("content rejected",
			"errors", vres.ErrorCount, "warnings", vres.WarningCount)
		p.saveIssues(ctx, log, vres.Issues)
		m.MarkRejected("content rejected by validation rules", counts)
		p.persist(ctx, m, false)
		return &FileResult{
			BatchID:   m.BatchID,
			FileName:  fileName,
			TableName: table,
			Status:    FileRejected,
			Counts:    counts,
			Quality:   manifest.QualityRejected,
			Message:   "content rejected by validation rules",
		}
	}

	stream := vres.Fixed
	issues := vres.Issues

	var tr *validate.TransformReader
	if rule.EnableDataTransformation {
		transformer, ok := p.registry.Lookup(rule.TransformerID)
		if !ok {
			return fail(fmt.Sprintf("unknown transformer %q", rule.TransformerID), nil)
		}
		tr = validate.NewTransformReader(stream, transformer, m.BatchID, fileName)
		defer tr.Close()
		stream = tr
	}

	columns, err := p.schema.Columns(ctx, table)
	if err != nil {
		return fail(fmt.Sprintf("no loadable table %q", table), err)
	}

	// The file targets its own field count's worth of columns; a table may
	// carry trailing columns the file does not fill. A file wider than the
	// table can never load.
	if vres.FieldCount > len(columns) {
		return fail(fmt.Sprintf("file has %d field(s) but table %q has only %d column(s)",
			vres.FieldCount, table, len(columns)), nil)
	}
	if vres.FieldCount > 0 {
		columns = columns[:vres.FieldCount]
	}

	rows, loadErr := p.loader.Load(ctx, table, columns, stream)

	var dropped int64
	if tr != nil {
		tissues := tr.Issues()
		dropped = tr.Dropped()
		issues = append(issues, tissues...)
		counts.Warnings += len(tissues)
		// Rewritten lines count as corrections; dropped lines do not.
		counts.Corrected += int64(len(tissues)) - dropped
	}
	p.saveIssues(ctx, log, issues)

	if loadErr != nil {
		return fail("bulk load failed", loadErr)
	}

	counts.Processed = rows
	if counts.Total > rows+dropped {
		counts.Failed = counts.Total - rows - dropped
	}

	m.MarkCompleted(counts)
	p.persist(ctx, m, false)

	log.Info("file processed",
		"rows", rows, "quality", m.DataQuality,
		"warnings", counts.Warnings, "errors", counts.Errors)

	return &FileResult{
		BatchID:    m.BatchID,
		FileName:   fileName,
		TableName:  table,
		Status:     FileSuccess,
		RowsLoaded: rows,
		Counts:     counts,
		Quality:    m.DataQuality,
	}
}

func (p *Processor) newManifest(parent *uuid.UUID, fileName, sum, table string) *manifest.Manifest {
	if parent != nil {
		return manifest.NewChild(*parent, fileName, sum, table)
	}
	return manifest.New(fileName, sum, table)
}

// persist writes the manifest to the ledger, inserting on the first write
// and updating afterwards. Failures are logged and swallowed.
func (p *Processor) persist(ctx context.Context, m *manifest.Manifest, insert bool) {
	var err error
	if insert {
		err = p.store.Save(ctx, m)
	} else {
		err = p.store.Update(ctx, m)
	}
	if err != nil {
		logging.FromContext(ctx).Warn("ledger write failed",
			"batch_id", m.BatchID, "status", m.Status, "error", err)
	}
}

func (p *Processor) saveIssues(ctx context.Context, log *slog.Logger, issues []validate.Issue) {
	if len(issues) == 0 {
		return
	}
	if err := p.store.SaveIssues(ctx, issues); err != nil {
		log.Warn("issue write failed", "count", len(issues), "error", err)
	}
}
