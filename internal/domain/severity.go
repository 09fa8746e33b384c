package domain

import (
	"fmt"
	"strings"
)

// Severity is the graded impact of a finding. Severities are totally ordered:
// CRITICAL > HIGH > MEDIUM > LOW > INFO.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityInfo,
}

// Rank returns a numeric weight, higher is more severe. Unknown values rank
// below INFO so they never pass a severity floor by accident.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// Less reports whether s is strictly less severe than o.
func (s Severity) Less(o Severity) bool { return s.Rank() < o.Rank() }

// AtLeast reports whether s is as severe as floor or more.
func (s Severity) AtLeast(floor Severity) bool { return s.Rank() >= floor.Rank() }

// Valid reports whether s is one of the five known severities.
func (s Severity) Valid() bool { return s.Rank() > 0 }

func (s Severity) String() string { return string(s) }

// Weight is the contribution of one finding of this severity to a risk score.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 7
	case SeverityMedium:
		return 4
	case SeverityLow:
		return 2
	default:
		return 1
	}
}

// ParseSeverity normalises a case-insensitive severity name.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", raw)
	}
	return s, nil
}

// UnmarshalText accepts any casing so config files can say "high".
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalText always emits the canonical upper-case name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s), nil
}
