package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/mapdev/ingestd/internal/checksum"
	"github.com/mapdev/ingestd/internal/logging"
	"github.com/mapdev/ingestd/internal/manifest"
)

// ArchiveStatus is the aggregated outcome of processing a zip archive.
type ArchiveStatus string

const (
	ArchiveSuccess          ArchiveStatus = "SUCCESS"
	ArchivePartialSuccess   ArchiveStatus = "PARTIAL_SUCCESS"
	ArchiveFailed           ArchiveStatus = "FAILED"
	ArchiveAllDuplicates    ArchiveStatus = "ALL_DUPLICATES"
	ArchiveAlreadyProcessed ArchiveStatus = "ALREADY_PROCESSED"
)

// ArchiveResult reports the outcome of one archive attempt, including the
// per-member results.
type ArchiveResult struct {
	BatchID  uuid.UUID
	FileName string
	Status   ArchiveStatus

	Members    []*FileResult
	Succeeded  int
	Duplicates int
	Failed     int

	// RowsLoaded sums the rows of successful members only.
	RowsLoaded int64

	Message string
}

// memberExtensions are the archive entry extensions handed to the pipeline.
var memberExtensions = map[string]bool{
	".csv": true,
	".tsv": true,
	".txt": true,
}

// ProcessArchive expands a zip archive and runs every supported member
// through ProcessFile as a child batch of the archive's own manifest.
// Member failures are isolated: one bad member never stops its siblings.
func (p *Processor) ProcessArchive(ctx context.Context, fileName string, data []byte) (*ArchiveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log := logging.WithFields(ctx, "archive", fileName)

	sum, err := checksum.Fingerprint(fileName, data)
	if err != nil {
		log.Error("archive fingerprint failed", "error", err)
		m := manifest.New(fileName, "", "")
		m.MarkFailed("unreadable archive", err.Error())
		p.persist(ctx, m, true)
		return &ArchiveResult{
			BatchID:  m.BatchID,
			FileName: fileName,
			Status:   ArchiveFailed,
			Message:  m.ErrorMessage,
		}, nil
	}

	// Archive-level duplicate check: identical archive content is a no-op
	// before any member is even opened.
	if existing, err := p.store.FindByChecksum(ctx, sum); err != nil {
		log.Warn("duplicate check unavailable, proceeding", "error", err)
	} else if existing != nil {
		log.Info("duplicate archive, skipping", "previous_batch", existing.BatchID)
		return &ArchiveResult{
			BatchID:  existing.BatchID,
			FileName: fileName,
			Status:   ArchiveAlreadyProcessed,
		}, nil
	}

	parent := manifest.New(fileName, sum, "")
	parent.MarkProcessing()
	p.persist(ctx, parent, true)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		log.Error("archive open failed", "error", err)
		parent.MarkFailed("corrupt archive", err.Error())
		p.persist(ctx, parent, false)
		return &ArchiveResult{
			BatchID:  parent.BatchID,
			FileName: fileName,
			Status:   ArchiveFailed,
			Message:  "corrupt archive",
		}, nil
	}

	res := &ArchiveResult{
		BatchID:  parent.BatchID,
		FileName: fileName,
	}
	agg := manifest.Counts{}

	for _, member := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if member.FileInfo().IsDir() || !supportedMember(member.Name) {
			continue
		}

		memberName := path.Base(member.Name)
		content, err := readMember(member)
		if err != nil {
			log.Error("member read failed", "member", memberName, "error", err)
			res.Members = append(res.Members, &FileResult{
				FileName: memberName,
				Status:   FileFailed,
				Message:  fmt.Sprintf("member read failed: %v", err),
			})
			res.Failed++
			continue
		}

		fr, err := p.ProcessFile(ctx, memberName, content, &parent.BatchID)
		if err != nil {
			return nil, err
		}
		res.Members = append(res.Members, fr)

		switch {
		case fr.AlreadyProcessed:
			res.Duplicates++
		case fr.Failed():
			res.Failed++
			agg.Errors += fr.Counts.Errors
			agg.Warnings += fr.Counts.Warnings
		default:
			res.Succeeded++
			res.RowsLoaded += fr.RowsLoaded
			agg.Total += fr.Counts.Total
			agg.Processed += fr.Counts.Processed
			agg.Failed += fr.Counts.Failed
			agg.Corrected += fr.Counts.Corrected
			agg.Warnings += fr.Counts.Warnings
			agg.Errors += fr.Counts.Errors
		}
	}

	res.Status = archiveStatus(res)

	switch res.Status {
	case ArchiveFailed:
		res.Message = "all archive members failed"
		if len(res.Members) == 0 {
			res.Message = "archive contains no supported members"
		}
		parent.MarkFailed(res.Message, "")
	default:
		parent.MarkCompleted(agg)
	}
	p.persist(ctx, parent, false)

	log.Info("archive processed",
		"status", res.Status, "members", len(res.Members),
		"succeeded", res.Succeeded, "duplicates", res.Duplicates,
		"failed", res.Failed, "rows", res.RowsLoaded)

	return res, nil
}

// archiveStatus maps member tallies to the aggregate outcome. An archive
// with no failures is SUCCESS if anything loaded and ALL_DUPLICATES when
// every member short-circuited; with failures it is PARTIAL_SUCCESS as long
// as any member loaded or deduplicated, and FAILED only when nothing did.
func archiveStatus(res *ArchiveResult) ArchiveStatus {
	if len(res.Members) == 0 {
		return ArchiveFailed
	}
	if res.Failed == 0 {
		if res.Succeeded > 0 {
			return ArchiveSuccess
		}
		return ArchiveAllDuplicates
	}
	if res.Succeeded > 0 || res.Duplicates > 0 {
		return ArchivePartialSuccess
	}
	return ArchiveFailed
}

func supportedMember(name string) bool {
	return memberExtensions[strings.ToLower(path.Ext(name))]
}

func readMember(member *zip.File) ([]byte, error) {
	rc, err := member.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
