// Package checksum computes content fingerprints for ingested files.
//
// Fingerprints are SHA-256 hashes of the logical content of a file, not its
// on-disk bytes: a plain file, the same file gzipped, and the same file
// zipped all produce the same fingerprint. This is what makes the duplicate
// ledger resilient to re-deliveries that only differ in compression.
package checksum

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrUnreadable is returned when a file claims a compressed format but its
// content cannot be decoded.
var ErrUnreadable = errors.New("checksum: unreadable content")

// Fingerprint returns the hex-encoded SHA-256 of the logical content of the
// named file. The file name's extension decides how data is interpreted:
// .gz is decompressed, .zip is hashed entry by entry in archive order, and
// anything else is hashed as-is.
func Fingerprint(fileName string, data []byte) (string, error) {
	h := sha256.New()

	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".gz":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrUnreadable, fileName, err)
		}
		if _, err := io.Copy(h, zr); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrUnreadable, fileName, err)
		}
		if err := zr.Close(); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrUnreadable, fileName, err)
		}

	case ".zip":
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrUnreadable, fileName, err)
		}
		for _, f := range zr.File {
			if f.FileInfo().IsDir() {
				continue
			}
			rc, err := f.Open()
			if err != nil {
				return "", fmt.Errorf("%w: %s!%s: %v", ErrUnreadable, fileName, f.Name, err)
			}
			if _, err := io.Copy(h, rc); err != nil {
				rc.Close()
				return "", fmt.Errorf("%w: %s!%s: %v", ErrUnreadable, fileName, f.Name, err)
			}
			rc.Close()
		}

	default:
		h.Write(data)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Open returns the logical content of the named file. For .gz files the
// content is decompressed; everything else is returned unchanged. Zip
// archives are not expanded here, they are unpacked member by member by the
// batch orchestrator.
func Open(fileName string, data []byte) ([]byte, error) {
	if strings.ToLower(filepath.Ext(fileName)) != ".gz" {
		return data, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, fileName, err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, fileName, err)
	}
	return out, nil
}

// Raw returns the hex-encoded SHA-256 of data without any decompression.
// Used for archive members, which arrive already unpacked.
func Raw(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
