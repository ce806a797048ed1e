package metrics

import "testing"

func TestRound3RoundsToThreeDecimals(t *testing.T) {
	if got := round3(1.234567); got != 1.235 {
		t.Fatalf("round3(1.234567) = %v, want 1.235", got)
	}
}

func TestRound6RoundsToSixDecimals(t *testing.T) {
	if got := round6(0.1234567); got != 0.123457 {
		t.Fatalf("round6(0.1234567) = %v, want 0.123457", got)
	}
}

func TestRoundToZero(t *testing.T) {
	if got := roundTo(0, 1000); got != 0 {
		t.Fatalf("roundTo(0, 1000) = %v, want 0", got)
	}
}
