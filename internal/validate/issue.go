package validate

import (
	"strings"

	"github.com/google/uuid"
)

// IssueType classifies a validation finding.
type IssueType string

const (
	IssueExcessTabs          IssueType = "EXCESS_TABS"
	IssueInsufficientTabs    IssueType = "INSUFFICIENT_TABS"
	IssueControlChars        IssueType = "CONTROL_CHARACTERS"
	IssueNonLatinChars       IssueType = "NON_LATIN_CHARACTERS"
	IssueConsecutiveReplaced IssueType = "CONSECUTIVE_REPLACED_CHARS"
	IssueDataTransformation  IssueType = "DATA_TRANSFORMATION"
)

// Severity is the weight of a validation issue. ERROR issues can reject a
// whole file when the rule demands it; WARNING issues never do.
type Severity string

const (
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// Issue is one validation finding on one line. Issues are immutable once
// recorded and are persisted in a single batch write per file.
type Issue struct {
	BatchID       uuid.UUID
	FileName      string
	LineNumber    int64
	Type          IssueType
	Severity      Severity
	AutoFixed     bool
	OriginalLine  string
	CorrectedLine string
	Description   string
}

// maxSampleLen bounds the stored line samples on an issue record.
const maxSampleLen = 500

// sampleLine prepares a line for storage on an issue record: NUL bytes are
// replaced so the sample survives text columns, and long lines are cut off
// with an ellipsis.
func sampleLine(line string) string {
	line = strings.ReplaceAll(line, "\x00", string(placeholder))
	if len(line) > maxSampleLen {
		return line[:maxSampleLen] + "..."
	}
	return line
}
