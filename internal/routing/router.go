// Package routing maps incoming file names to staging table names.
//
// Files from legacy feeds arrive with coded names such as PM162.csv or
// IM262.tsv. A configurable regex extracts the feed family from the name and
// a template expands it into a table name, so PM162 and PM163 both land in
// staging_pm1. Names that do not match the pattern fall back to a sanitized
// form of the file name itself, so routing never fails a file.
package routing

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mapdev/ingestd/internal/config"
)

// maxIdentifierLen is the PostgreSQL identifier length limit.
const maxIdentifierLen = 63

// fallbackTable is used when sanitizing a file name leaves nothing usable.
const fallbackTable = "csv_data"

// timestampSuffix matches the _YYYY-MM-DD_HH-mm-ss suffix appended by the
// watch-folder archiver, so re-submitted archived files route identically.
var timestampSuffix = regexp.MustCompile(`_\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2}$`)

var groupRef = regexp.MustCompile(`\$\{g(\d+)\}`)

var invalidIdentChars = regexp.MustCompile(`[^a-z0-9_]+`)

// Router resolves file names to table names and feed patterns.
type Router struct {
	enabled  bool
	pattern  *regexp.Regexp
	template string
	prefix   string
}

// NewRouter builds a Router from configuration. The regex must compile; an
// invalid pattern is a startup error, not a per-file one.
func NewRouter(cfg config.RoutingConfig) (*Router, error) {
	r := &Router{
		enabled:  cfg.Enabled,
		template: cfg.Template,
		prefix:   cfg.TablePrefix,
	}
	if cfg.Enabled {
		re, err := regexp.Compile(cfg.Regex)
		if err != nil {
			return nil, fmt.Errorf("routing: compile pattern %q: %w", cfg.Regex, err)
		}
		r.pattern = re
	}
	return r, nil
}

// Stem returns the routing stem of a file name: the base name with all
// recognized extensions and any archive timestamp suffix removed.
func Stem(fileName string) string {
	stem := filepath.Base(fileName)
	for {
		ext := filepath.Ext(stem)
		switch strings.ToLower(ext) {
		case ".csv", ".tsv", ".txt", ".zip", ".gz":
			stem = strings.TrimSuffix(stem, ext)
			continue
		}
		break
	}
	return timestampSuffix.ReplaceAllString(stem, "")
}

// ResolveTable returns the staging table name for a file. It never returns
// an error or an empty string: unroutable names degrade to a sanitized form
// of the stem, and a fully unusable stem degrades to a fixed fallback table.
func (r *Router) ResolveTable(fileName string) string {
	stem := Stem(fileName)

	if r.enabled {
		if m := r.pattern.FindStringSubmatch(stem); m != nil {
			name := groupRef.ReplaceAllStringFunc(r.template, func(ref string) string {
				idx := 0
				fmt.Sscanf(ref, "${g%d}", &idx)
				if idx >= 1 && idx < len(m) {
					return m[idx]
				}
				return ""
			})
			return truncateIdent(sanitize(r.prefix + "_" + name))
		}
	}

	s := sanitize(stem)
	if s == "" || s == "_" {
		return fallbackTable
	}
	return truncateIdent(s)
}

// Pattern returns the feed pattern extracted from the file name, uppercased,
// such as "PM1" for PM162.csv. It returns "" when routing is disabled or the
// name does not match. The pattern keys transformer and validation rule
// lookups.
func (r *Router) Pattern(fileName string) string {
	if !r.enabled {
		return ""
	}
	m := r.pattern.FindStringSubmatch(Stem(fileName))
	if m == nil {
		return ""
	}
	return strings.ToUpper(strings.Join(m[1:], ""))
}

// sanitize lowercases a name and squeezes every run of characters that is
// not legal in a PostgreSQL identifier into a single underscore.
func sanitize(name string) string {
	s := invalidIdentChars.ReplaceAllString(strings.ToLower(name), "_")
	s = strings.Trim(s, "_")
	return s
}

func truncateIdent(s string) string {
	if len(s) > maxIdentifierLen {
		return s[:maxIdentifierLen]
	}
	return s
}
