package reconcile

import (
	"fmt"
	"math"
	"time"
)

// The transition functions below mutate a line held under the line lock.
// They never touch leases or the ledger.

func transitionError(state State, op string) error {
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, op, state)
}

func roundQty(q float64) float64 {
	return math.Round(q*1e6) / 1e6
}

// applyCount records one blind count. A count within tolerance goes straight
// to the quality gate; a short first count asks for a recount; a short second
// count waits for an explicit operator decision.
func applyCount(l *DemandLine, measured float64, station string, now time.Time) error {
	if math.IsNaN(measured) || math.IsInf(measured, 0) || measured < 0 {
		return ErrInvalidMeasurement
	}
	if l.State != StateAwaitingCount && l.State != StateMismatchRetry {
		return transitionError(l.State, "submit_count")
	}
	if len(l.Attempts) >= MaxAttempts {
		return transitionError(l.State, "submit_count")
	}
	measured = roundQty(measured)
	within := measured >= l.Expected-l.Tolerance
	result := ResultShortfall
	if within {
		result = ResultWithinTolerance
	}
	l.Attempts = append(l.Attempts, Attempt{
		Seq:      len(l.Attempts) + 1,
		Measured: measured,
		Result:   result,
		Station:  station,
		At:       now,
	})
	switch {
	case within:
		l.State = StateAwaitingQuality
		l.Measured = measured
		l.Counted = true
		l.Shortfall = 0
	case len(l.Attempts) < MaxAttempts:
		l.State = StateMismatchRetry
	default:
		l.State = StateAwaitingDecision
	}
	return nil
}

// applyQuickComplete asserts the full expected quantity arrived.
func applyQuickComplete(l *DemandLine) error {
	if l.State != StateAwaitingCount || len(l.Attempts) > 0 {
		return transitionError(l.State, "quick_complete")
	}
	l.Measured = l.Expected
	l.Counted = true
	l.Shortfall = 0
	l.State = StateAwaitingQuality
	return nil
}

// applyAcceptShortfall takes the second count as final and records the gap.
func applyAcceptShortfall(l *DemandLine) error {
	if l.State != StateAwaitingDecision || len(l.Attempts) == 0 {
		return transitionError(l.State, "accept_shortfall")
	}
	last := l.Attempts[len(l.Attempts)-1]
	l.Measured = last.Measured
	l.Counted = true
	l.Shortfall = roundQty(math.Max(l.Expected-last.Measured, 0))
	l.State = StateAwaitingQuality
	return nil
}

// applyReject closes the line as rejected. From the counting states it is the
// total-rejection shortcut and the quantity is zero; from awaiting_decision
// the second count stands.
func applyReject(l *DemandLine, a QualityAssessment, now time.Time) error {
	if a.Grade != GradeRed {
		return ErrInvalidGrade
	}
	if err := a.Validate(); err != nil {
		return err
	}
	switch l.State {
	case StateAwaitingCount, StateMismatchRetry:
		l.Measured = 0
	case StateAwaitingDecision:
		if len(l.Attempts) == 0 {
			return transitionError(l.State, "reject")
		}
		l.Measured = l.Attempts[len(l.Attempts)-1].Measured
	default:
		return transitionError(l.State, "reject")
	}
	l.Counted = true
	l.Shortfall = roundQty(math.Max(l.Expected-l.Measured, 0))
	l.Assessment = &a
	l.State = StateRejected
	l.ClosedAt = now
	return nil
}

// applyGrade closes a line waiting at the quality gate.
func applyGrade(l *DemandLine, a QualityAssessment, now time.Time) error {
	if l.State != StateAwaitingQuality {
		return transitionError(l.State, "grade")
	}
	if l.Assessment != nil {
		return transitionError(l.State, "grade")
	}
	if err := a.Validate(); err != nil {
		return err
	}
	switch a.Grade {
	case GradeGreen:
		l.State = StateAccepted
		if l.Shortfall > 0 {
			l.State = StatePartiallyAccepted
		}
	case GradeYellow:
		l.State = StateNeedsReview
	case GradeRed:
		l.State = StateRejected
	}
	l.Assessment = &a
	l.ClosedAt = now
	return nil
}

// release drops the lease and returns a line that was opened but never
// counted to pending. Protocol progress is kept so a reopen cannot reset
// the attempt cap.
func release(l *DemandLine) {
	l.Holder = ""
	l.LeaseUntil = time.Time{}
	if l.State == StateAwaitingCount && len(l.Attempts) == 0 {
		l.State = StatePending
	}
}

// Choices lists the operator actions valid for l.
func Choices(l DemandLine) []string {
	switch l.State {
	case StatePending:
		return []string{"open"}
	case StateAwaitingCount:
		return []string{"submit_count", "quick_complete", "reject"}
	case StateMismatchRetry:
		return []string{"submit_count", "reject"}
	case StateAwaitingDecision:
		return []string{"accept_shortfall", "reject"}
	case StateAwaitingQuality:
		return []string{"grade"}
	}
	return []string{}
}
