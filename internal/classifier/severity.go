package classifier

import (
	"fmt"
	"strings"
)

// Severity ranks how dangerous a detection is. The zero value means no
// finding.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "NONE",
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// ParseSeverity accepts LOW, MEDIUM, HIGH, CRITICAL (case-insensitive) and NONE.
func ParseSeverity(s string) (Severity, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for sev, name := range severityNames {
		if name == up {
			return sev, nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Family groups related threat recognizers.
type Family string

const (
	FamilyInstructionOverride Family = "instruction_override"
	FamilyExfiltration        Family = "exfiltration"
	FamilyCodeExecution       Family = "code_execution"
	FamilyUnicode             Family = "unicode_attack"
	// FamilyMatchTimeout is recorded when a recognizer ran out of time. The
	// content is treated as suspicious, never as clean.
	FamilyMatchTimeout Family = "match_timeout"
)

// familyOrder is the order recognizer families run in. Families that are
// not listed run afterwards in file order.
var familyOrder = []Family{
	FamilyInstructionOverride,
	FamilyExfiltration,
	FamilyCodeExecution,
}
