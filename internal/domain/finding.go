package domain

import "maps"

// FindingKind separates real observations from findings synthesised by the
// engine when a checker could not look.
type FindingKind string

const (
	KindObservation FindingKind = "observation"
	KindUnavailable FindingKind = "unavailable"
	KindTimeout     FindingKind = "timeout"
	KindFault       FindingKind = "fault"
)

// CategoryCheckerHealth is the category of engine-synthesised findings. It is
// never mapped to a compliance control.
const CategoryCheckerHealth = "Checker Health"

// Finding is a single observed security issue. Findings are values: once a
// checker returns one, nothing downstream changes it.
type Finding struct {
	Checker        string         `json:"checker" yaml:"checker"`
	Category       string         `json:"category" yaml:"category"`
	Severity       Severity       `json:"severity" yaml:"severity"`
	Title          string         `json:"title" yaml:"title"`
	Description    string         `json:"description" yaml:"description"`
	Recommendation string         `json:"recommendation" yaml:"recommendation"`
	Evidence       map[string]any `json:"evidence,omitempty" yaml:"evidence,omitempty"`
	FrameworkTags  []string       `json:"framework_tags,omitempty" yaml:"framework_tags,omitempty"`
	References     []string       `json:"references,omitempty" yaml:"references,omitempty"`
	Kind           FindingKind    `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// Observed reports whether the finding comes from a completed inspection
// rather than from a checker that could not run.
func (f Finding) Observed() bool {
	return f.Kind == "" || f.Kind == KindObservation
}

// Clone returns a deep copy so the caller cannot reach the original's maps or slices.
func (f Finding) Clone() Finding {
	out := f
	out.Evidence = maps.Clone(f.Evidence)
	if f.FrameworkTags != nil {
		out.FrameworkTags = append([]string(nil), f.FrameworkTags...)
	}
	if f.References != nil {
		out.References = append([]string(nil), f.References...)
	}
	return out
}

// HasTag reports whether the finding carries the given framework tag.
func (f Finding) HasTag(tag string) bool {
	for _, t := range f.FrameworkTags {
		if t == tag {
			return true
		}
	}
	return false
}

// UnavailableFinding is the INFO finding recorded when a checker reports that
// the inspected facility does not exist on the target.
func UnavailableFinding(checker, reason string) Finding {
	return Finding{
		Checker:        checker,
		Category:       CategoryCheckerHealth,
		Severity:       SeverityInfo,
		Title:          "Checker unavailable: " + checker,
		Description:    reason,
		Recommendation: "Install or expose the inspected facility if this check is expected to run.",
		Evidence:       map[string]any{"checker": checker},
		Kind:           KindUnavailable,
	}
}

// TimeoutFinding is the HIGH finding recorded when a checker exceeds its timeout.
func TimeoutFinding(checker string, limit string) Finding {
	return Finding{
		Checker:        checker,
		Category:       CategoryCheckerHealth,
		Severity:       SeverityHigh,
		Title:          "Checker timed out: " + checker,
		Description:    "The checker did not finish within " + limit + "; its results are missing from this report.",
		Recommendation: "Investigate why the inspection is slow or raise command_timeout.",
		Evidence:       map[string]any{"checker": checker, "timeout": limit},
		Kind:           KindTimeout,
	}
}
