package validate

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// placeholder replaces characters the sink cannot store.
const placeholder = '*'

var consecutivePlaceholders = regexp.MustCompile(`\*{2,}`)

// Result is the outcome of validating one file.
type Result struct {
	// Fixed is the cleaned content, ready for transformation and loading.
	// It is set even when Rejected, for diagnostics; callers must not load
	// a rejected stream.
	Fixed io.Reader

	Issues   []Issue
	Rejected bool

	// FieldCount is the delimited field count of the first line after
	// fixing, 0 for empty content. The loader targets this many columns.
	FieldCount int

	TotalLines     int64
	CorrectedLines int64
	WarningCount   int
	ErrorCount     int
}

// Engine validates and fixes delimited files line by line.
type Engine struct {
	delimiter byte
}

// NewEngine returns an engine for files using the given field delimiter.
func NewEngine(delimiter byte) *Engine {
	return &Engine{delimiter: delimiter}
}

// ValidateAndFix runs the full cleaning pass over content, in order per
// line: control-character replacement, non-Latin replacement, collapsing of
// consecutive placeholders, then the delimiter-count check. Collapsing must
// run after both replacement passes so adjacency introduced by either pass
// is caught.
//
// Issues accumulate in memory and are returned together; nothing is
// persisted here. If the rule sets RejectOnViolation and any ERROR issue
// occurred, the result is marked Rejected and must not be loaded.
func (e *Engine) ValidateAndFix(content []byte, fileName string, rule Rule, batchID uuid.UUID) (*Result, error) {
	res := &Result{}

	if !rule.ValidationEnabled {
		res.Fixed = bytes.NewReader(content)
		res.TotalLines = countLines(content)
		res.FieldCount = firstLineFields(content, e.delimiter)
		return res, nil
	}

	var out bytes.Buffer
	out.Grow(len(content))

	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var lineNo int64
	for sc.Scan() {
		lineNo++
		original := sc.Text()
		line := original

		record := func(typ IssueType, sev Severity, fixed bool, corrected, desc string) {
			res.Issues = append(res.Issues, Issue{
				BatchID:       batchID,
				FileName:      fileName,
				LineNumber:    lineNo,
				Type:          typ,
				Severity:      sev,
				AutoFixed:     fixed,
				OriginalLine:  sampleLine(original),
				CorrectedLine: sampleLine(corrected),
				Description:   desc,
			})
			if sev == SeverityError {
				res.ErrorCount++
			} else {
				res.WarningCount++
			}
		}

		if rule.ReplaceControlChars {
			cleaned, n := replaceChars(line, isControlChar)
			if n > 0 {
				line = cleaned
				record(IssueControlChars, SeverityWarning, true, line,
					fmt.Sprintf("replaced %d control character(s)", n))
			}
		}

		if rule.ReplaceNonLatinChars {
			cleaned, n := replaceChars(line, isNonLatin)
			if n > 0 {
				line = cleaned
				record(IssueNonLatinChars, SeverityWarning, true, line,
					fmt.Sprintf("replaced %d non-Latin character(s)", n))
			}
		}

		if rule.CollapseConsecutiveReplaced {
			collapsed := consecutivePlaceholders.ReplaceAllString(line, string(placeholder))
			if collapsed != line {
				line = collapsed
				record(IssueConsecutiveReplaced, SeverityWarning, true, line,
					"collapsed consecutive replaced characters")
			}
		}

		if rule.ExpectedDelimiterCount > 0 {
			count := strings.Count(line, string(e.delimiter))
			switch {
			case count < rule.ExpectedDelimiterCount:
				record(IssueInsufficientTabs, SeverityError, false, line,
					fmt.Sprintf("expected %d delimiter(s), found %d", rule.ExpectedDelimiterCount, count))

			case count > rule.ExpectedDelimiterCount:
				if rule.AutoFixEnabled {
					line = e.fixExcessDelimiters(line, rule.ExpectedDelimiterCount)
					record(IssueExcessTabs, SeverityWarning, true, line,
						fmt.Sprintf("expected %d delimiter(s), found %d; excess replaced with spaces", rule.ExpectedDelimiterCount, count))
				} else {
					record(IssueExcessTabs, SeverityError, false, line,
						fmt.Sprintf("expected %d delimiter(s), found %d", rule.ExpectedDelimiterCount, count))
				}
			}
		}

		if line != original {
			res.CorrectedLines++
		}
		if lineNo == 1 {
			res.FieldCount = strings.Count(line, string(e.delimiter)) + 1
		}

		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", fileName, err)
	}

	res.TotalLines = lineNo
	res.Fixed = bytes.NewReader(out.Bytes())
	res.Rejected = rule.RejectOnViolation && res.ErrorCount > 0
	return res, nil
}

// fixExcessDelimiters keeps the first expected delimiters and turns every
// delimiter beyond them into a single space. Running the fix on an already
// fixed line is a no-op.
func (e *Engine) fixExcessDelimiters(line string, expected int) string {
	var b strings.Builder
	b.Grow(len(line))
	seen := 0
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c == e.delimiter {
			seen++
			if seen <= expected {
				b.WriteByte(c)
			} else {
				b.WriteByte(' ')
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// isControlChar reports whether b is a non-printable ASCII control byte.
// Tab, LF and CR are field and record structure, never replaced.
func isControlChar(b byte) bool {
	switch {
	case b <= 0x08:
		return true
	case b == 0x0B || b == 0x0C:
		return true
	case b >= 0x0E && b <= 0x1F:
		return true
	case b == 0x7F:
		return true
	}
	return false
}

// isNonLatin reports whether b falls outside the basic printable-ASCII block.
func isNonLatin(b byte) bool {
	return b > 0x7F
}

func replaceChars(line string, match func(byte) bool) (string, int) {
	var replaced int
	var b []byte
	for i := 0; i < len(line); i++ {
		if match(line[i]) {
			if b == nil {
				b = []byte(line)
			}
			b[i] = placeholder
			replaced++
		}
	}
	if replaced == 0 {
		return line, 0
	}
	return string(b), replaced
}

// firstLineFields counts the delimited fields on the first line of content.
func firstLineFields(content []byte, delimiter byte) int {
	if len(content) == 0 {
		return 0
	}
	line := content
	if idx := bytes.IndexByte(content, '\n'); idx >= 0 {
		line = content[:idx]
	}
	return bytes.Count(line, []byte{delimiter}) + 1
}

func countLines(content []byte) int64 {
	if len(content) == 0 {
		return 0
	}
	n := int64(bytes.Count(content, []byte{'\n'}))
	if content[len(content)-1] != '\n' {
		n++
	}
	return n
}
