// Package watcher implements the watch-folder intake: a four-directory
// lifecycle (upload, wip, error, archive) with stability detection, bounded
// concurrency and move-not-copy transitions, feeding files into the
// processing pipeline.
package watcher

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mapdev/ingestd/internal/config"
)

// timestampLayout is appended to file names when they reach a terminal
// folder, so repeated deliveries of the same name never collide.
const timestampLayout = "2006-01-02_15-04-05"

// sidecarSuffix names the JSON file written next to a failed file.
const sidecarSuffix = ".error.json"

// maxSidecarDetailLen bounds the detail field so a long failure dump never
// bloats the sidecar.
const maxSidecarDetailLen = 2000

// Folders owns the four lifecycle directories. A file name exists in exactly
// one of them at a time; all transitions are renames, never copies, so a
// crash can not leave two live copies.
type Folders struct {
	Upload  string
	Wip     string
	Error   string
	Archive string
}

// NewFolders derives the four paths from configuration.
func NewFolders(cfg config.WatchConfig) *Folders {
	return &Folders{
		Upload:  cfg.UploadPath(),
		Wip:     cfg.WipPath(),
		Error:   cfg.ErrorPath(),
		Archive: cfg.ArchivePath(),
	}
}

// Init creates all four directories.
func (f *Folders) Init() error {
	for _, dir := range []string{f.Upload, f.Wip, f.Error, f.Archive} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create watch folder %s: %w", dir, err)
		}
	}
	return nil
}

// MoveToWip claims a file from the upload folder. It returns the new path.
func (f *Folders) MoveToWip(fileName string) (string, error) {
	src := filepath.Join(f.Upload, fileName)
	dst := filepath.Join(f.Wip, fileName)
	if _, err := os.Stat(dst); err == nil {
		// A stale copy of the same name is already in wip; stamp the new one.
		dst = filepath.Join(f.Wip, TimestampedName(fileName, time.Now()))
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("move %s to wip: %w", fileName, err)
	}
	return dst, nil
}

// MoveToArchive moves a processed file from wip into the archive folder
// under a timestamped name and returns the new path.
func (f *Folders) MoveToArchive(wipPath string) (string, error) {
	dst := filepath.Join(f.Archive, TimestampedName(filepath.Base(wipPath), time.Now()))
	if err := os.Rename(wipPath, dst); err != nil {
		return "", fmt.Errorf("move %s to archive: %w", filepath.Base(wipPath), err)
	}
	return dst, nil
}

// Sidecar is the diagnostic record written next to a failed file.
type Sidecar struct {
	File              string    `json:"file"`
	Message           string    `json:"message"`
	Detail            string    `json:"detail,omitempty"`
	ExceptionType     string    `json:"exceptionType,omitempty"`
	StackTraceExcerpt string    `json:"stackTraceExcerpt,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// MoveToError moves a failed file from wip into the error folder under a
// timestamped name and writes a JSON sidecar describing the failure. cause,
// when non-nil, contributes the error's type and wrap chain to the sidecar.
// The move happens first: a sidecar write failure never loses the data file.
func (f *Folders) MoveToError(wipPath, message, detail string, cause error) (string, error) {
	dst := filepath.Join(f.Error, TimestampedName(filepath.Base(wipPath), time.Now()))
	if err := os.Rename(wipPath, dst); err != nil {
		return "", fmt.Errorf("move %s to error: %w", filepath.Base(wipPath), err)
	}

	sc := Sidecar{
		File:      filepath.Base(dst),
		Message:   message,
		Detail:    truncateDetail(detail),
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		sc.ExceptionType = fmt.Sprintf("%T", cause)
		sc.StackTraceExcerpt = truncateDetail(wrapChain(cause))
	}
	body, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return dst, fmt.Errorf("encode error sidecar for %s: %w", filepath.Base(dst), err)
	}
	if err := os.WriteFile(dst+sidecarSuffix, body, 0o644); err != nil {
		return dst, fmt.Errorf("write error sidecar for %s: %w", filepath.Base(dst), err)
	}
	return dst, nil
}

func truncateDetail(s string) string {
	if len(s) > maxSidecarDetailLen {
		return s[:maxSidecarDetailLen] + "... (truncated)"
	}
	return s
}

// wrapChain renders an error and each layer beneath it, one per line, so
// the sidecar shows where inside the pipeline the failure originated.
func wrapChain(err error) string {
	var b strings.Builder
	for depth := 0; err != nil && depth < 10; depth++ {
		if depth > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%T: %s", err, err.Error())
		err = errors.Unwrap(err)
	}
	return b.String()
}

// TimestampedName inserts a timestamp between a file name's stem and its
// extension: data.csv becomes data_2026-08-30_14-05-22.csv.
func TimestampedName(fileName string, at time.Time) string {
	ext := filepath.Ext(fileName)
	stem := strings.TrimSuffix(fileName, ext)
	return stem + "_" + at.Format(timestampLayout) + ext
}
