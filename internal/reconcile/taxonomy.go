package reconcile

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/odyssey-erp/floorops/internal/shared"
)

// Reason is a closed-set cause attached to non-green outcomes.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonDamagedGoods      Reason = "damaged_goods"
	ReasonWrongItem         Reason = "wrong_item"
	ReasonRipenessMismatch  Reason = "ripeness_mismatch"
	ReasonBrokenPackaging   Reason = "broken_packaging"
	ReasonShortCount        Reason = "short_count"
	ReasonExpired           Reason = "expired"
	ReasonTemperatureBreach Reason = "temperature_breach"
	// ReasonOther requires a free-text note.
	ReasonOther Reason = "other"
)

var reasonLabels = map[Reason]string{
	ReasonDamagedGoods:      "damaged goods",
	ReasonWrongItem:         "wrong item",
	ReasonRipenessMismatch:  "ripeness mismatch",
	ReasonBrokenPackaging:   "broken packaging",
	ReasonShortCount:        "short count",
	ReasonExpired:           "expired",
	ReasonTemperatureBreach: "temperature breach",
	ReasonOther:             "other",
}

var (
	// ErrUnknownReason indicates a reason outside the taxonomy.
	ErrUnknownReason = shared.Validation(errors.New("reconcile: unknown reason"))
	// ErrReasonRequired indicates a non-green grade or rejection without a reason.
	ErrReasonRequired = shared.Validation(errors.New("reconcile: reason required"))
	// ErrReasonNotAllowed indicates a reason attached to a green grade.
	ErrReasonNotAllowed = shared.Validation(errors.New("reconcile: green grade takes no reason"))
	// ErrOtherNeedsNote indicates the other reason without free text.
	ErrOtherNeedsNote = shared.Validation(errors.New("reconcile: reason other requires a note"))
	// ErrInvalidGrade indicates an unknown grade.
	ErrInvalidGrade = shared.Validation(errors.New("reconcile: invalid grade"))
)

// Reasons lists the taxonomy in display order.
func Reasons() []Reason {
	return []Reason{
		ReasonDamagedGoods, ReasonWrongItem, ReasonRipenessMismatch, ReasonBrokenPackaging,
		ReasonShortCount, ReasonExpired, ReasonTemperatureBreach, ReasonOther,
	}
}

// Label is the human wording of r.
func (r Reason) Label() string {
	if l, ok := reasonLabels[r]; ok {
		return l
	}
	return string(r)
}

// ParseReason accepts the code or its label in any case.
func ParseReason(raw string) (Reason, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	if norm == "" || norm == "none" {
		return ReasonNone, nil
	}
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	r := Reason(norm)
	if _, ok := reasonLabels[r]; !ok {
		return ReasonNone, fmt.Errorf("%w: %q", ErrUnknownReason, raw)
	}
	return r, nil
}

// NewAssessment parses and validates a quality decision.
func NewAssessment(grade Grade, reason, note string) (QualityAssessment, error) {
	r, err := ParseReason(reason)
	if err != nil {
		return QualityAssessment{}, err
	}
	a := QualityAssessment{Grade: grade, Reason: r, Note: strings.TrimSpace(note)}
	return a, a.Validate()
}

// Validate enforces the gate rules: non-green grades carry a reason and the
// other reason carries text.
func (a QualityAssessment) Validate() error {
	if !a.Grade.Valid() {
		return ErrInvalidGrade
	}
	if a.Reason != ReasonNone {
		if _, ok := reasonLabels[a.Reason]; !ok {
			return ErrUnknownReason
		}
	}
	switch {
	case a.Grade == GradeGreen && a.Reason != ReasonNone:
		return ErrReasonNotAllowed
	case a.Grade != GradeGreen && a.Reason == ReasonNone:
		return ErrReasonRequired
	case a.Reason == ReasonOther && a.Note == "":
		return ErrOtherNeedsNote
	}
	return nil
}

// LedgerNote renders the assessment for a movement note.
func (a QualityAssessment) LedgerNote() string {
	if a.Reason == ReasonNone {
		return a.Note
	}
	if a.Note == "" {
		return a.Reason.Label()
	}
	return a.Reason.Label() + ": " + a.Note
}

// ReasonCount aggregates terminal lines by cause.
type ReasonCount struct {
	Reason Reason `json:"reason"`
	Label  string `json:"label"`
	Count  int    `json:"count"`
	// Quantity sums the expected quantity of the affected lines.
	Quantity float64 `json:"quantity"`
}

// Tally counts non-green terminal lines by reason, most frequent first.
func Tally(lines []DemandLine) []ReasonCount {
	byReason := map[Reason]*ReasonCount{}
	for _, l := range lines {
		if !l.State.Terminal() || l.Assessment == nil || l.Assessment.Reason == ReasonNone {
			continue
		}
		rc, ok := byReason[l.Assessment.Reason]
		if !ok {
			rc = &ReasonCount{Reason: l.Assessment.Reason, Label: l.Assessment.Reason.Label()}
			byReason[l.Assessment.Reason] = rc
		}
		rc.Count++
		rc.Quantity += l.Expected
	}
	out := make([]ReasonCount, 0, len(byReason))
	for _, rc := range byReason {
		out = append(out, *rc)
	}
	slices.SortFunc(out, func(a, b ReasonCount) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return strings.Compare(string(a.Reason), string(b.Reason))
	})
	return out
}
