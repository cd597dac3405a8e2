package reconcile

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseReason(t *testing.T) {
	cases := map[string]Reason{
		"damaged_goods":       ReasonDamagedGoods,
		"Damaged Goods":       ReasonDamagedGoods,
		" temperature-breach": ReasonTemperatureBreach,
		"NONE":                ReasonNone,
		"":                    ReasonNone,
	}
	for raw, want := range cases {
		got, err := ParseReason(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := ParseReason("bruised")
	require.ErrorIs(t, err, ErrUnknownReason)
}

func TestAssessmentRules(t *testing.T) {
	_, err := NewAssessment(GradeGreen, "", "looks fine")
	require.NoError(t, err)
	_, err = NewAssessment(GradeGreen, "short count", "")
	require.ErrorIs(t, err, ErrReasonNotAllowed)
	_, err = NewAssessment(GradeYellow, "", "")
	require.ErrorIs(t, err, ErrReasonRequired)
	_, err = NewAssessment(GradeRed, "other", "  ")
	require.ErrorIs(t, err, ErrOtherNeedsNote)

	a, err := NewAssessment(GradeRed, "other", "forklift hit pallet")
	require.NoError(t, err)
	require.Equal(t, "other: forklift hit pallet", a.LedgerNote())
}

func TestTallyOrdersByCount(t *testing.T) {
	closed := func(r Reason, expected float64) DemandLine {
		return DemandLine{State: StateRejected, Expected: expected, Assessment: &QualityAssessment{Grade: GradeRed, Reason: r}}
	}
	lines := []DemandLine{
		closed(ReasonExpired, 2),
		closed(ReasonDamagedGoods, 5),
		closed(ReasonExpired, 3),
		{State: StateAccepted, Assessment: &QualityAssessment{Grade: GradeGreen}},
		{State: StateAwaitingQuality},
	}
	got := Tally(lines)
	require.Len(t, got, 2)
	require.Equal(t, ReasonExpired, got[0].Reason)
	require.Equal(t, 2, got[0].Count)
	require.InDelta(t, 5, got[0].Quantity, 1e-9)
	require.Equal(t, ReasonDamagedGoods, got[1].Reason)
}
