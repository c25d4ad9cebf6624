package blackbox

import "example.com/kolibri/internal/common"

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARN"
	SeverityInfo    Severity = "INFO"
)

// Diagnostic is a recoverable finding made while reading a file. Offset is a
// byte position in the unescaped body (or the header for header findings),
// Frame the regular frame count at that point.
type Diagnostic struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code,omitempty"`
	Offset   int      `json:"offset"`
	Frame    int      `json:"frame"`
	Message  string   `json:"message"`
}

const (
	CodeDesync    = "desync"
	CodeStride    = "stride"
	CodeTruncated = "truncated"
	CodeSync      = "sync"
)

// CountBySeverity tallies diagnostics for reports.
func CountBySeverity(diags []Diagnostic) map[Severity]int {
	out := map[Severity]int{}
	for _, d := range diags {
		out[d.Severity]++
	}
	return out
}

func logDiagnostic(d Diagnostic) {
	common.Logf("blackbox %s at byte %d (frame %d): %s", d.Severity, d.Offset, d.Frame, d.Message)
}
