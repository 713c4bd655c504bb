package stats

import (
	"math"
	"testing"
)

func TestStdDev_FewerThanTwoSamples(t *testing.T) {
	if got := StdDev(nil); got != 0 {
		t.Errorf("StdDev(nil) = %f, want 0", got)
	}
	if got := StdDev([]float64{42}); got != 0 {
		t.Errorf("StdDev(single) = %f, want 0", got)
	}
}

func TestStdDev_KnownValues(t *testing.T) {
	// Population stddev of {2, 4, 4, 4, 5, 5, 7, 9} is exactly 2.
	got := StdDev([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if math.Abs(got-2.0) > 1e-9 {
		t.Errorf("StdDev = %f, want 2.0", got)
	}
}

func TestStdDev_ConstantSeries(t *testing.T) {
	got := StdDev([]float64{3, 3, 3, 3})
	if got != 0 {
		t.Errorf("StdDev of constant series = %f, want 0", got)
	}
}

func TestNormalize_Bounds(t *testing.T) {
	cases := []struct {
		raw, cap, want float64
	}{
		{0, 50, 0},
		{-10, 50, 0},
		{25, 50, 0.5},
		{50, 50, 1},
		{500, 50, 1},
		{10, 0, 0}, // degenerate cap
	}
	for _, c := range cases {
		if got := Normalize(c.raw, c.cap); got != c.want {
			t.Errorf("Normalize(%f, %f) = %f, want %f", c.raw, c.cap, got, c.want)
		}
	}
}

func TestNormalize_Monotonic(t *testing.T) {
	prev := 0.0
	for raw := 0.0; raw <= 100; raw += 5 {
		got := Normalize(raw, 50)
		if got < prev {
			t.Fatalf("Normalize not monotonic at raw=%f: %f < %f", raw, got, prev)
		}
		if got < 0 || got > 1 {
			t.Fatalf("Normalize out of [0,1] at raw=%f: %f", raw, got)
		}
		prev = got
	}
}

func TestDirectionalBias_OneWayDrift(t *testing.T) {
	// Persistent -5 drift: |mean| = 5, normalized against cap 25 = 0.2.
	deltas := []float64{-5, -5, -5, -5}
	got := DirectionalBias(deltas, DefaultDriftCap)
	if math.Abs(got-0.2) > 1e-9 {
		t.Errorf("DirectionalBias = %f, want 0.2", got)
	}
}

func TestDirectionalBias_SymmetricSwingsCancel(t *testing.T) {
	// High variance, zero drift.
	deltas := []float64{5, -5, 5, -5, 5, -5}
	if got := DirectionalBias(deltas, DefaultDriftCap); got != 0 {
		t.Errorf("DirectionalBias of symmetric swings = %f, want 0", got)
	}
	if StdDev(deltas) == 0 {
		t.Error("symmetric swings should still have nonzero stddev")
	}
}

func TestDirectionalBias_Empty(t *testing.T) {
	if got := DirectionalBias(nil, DefaultDriftCap); got != 0 {
		t.Errorf("DirectionalBias(nil) = %f, want 0", got)
	}
}

func TestVarianceShift_InsufficientSamples(t *testing.T) {
	deltas := make([]float64, VarianceShiftMinSamples-1)
	if _, ok := VarianceShift(deltas, DefaultVarianceShiftCap); ok {
		t.Error("VarianceShift should not be computable below the sample threshold")
	}
}

func TestVarianceShift_RegimeChange(t *testing.T) {
	// Prior 10: flat. Recent 10: alternating ±10 (stddev 10).
	deltas := make([]float64, 0, 20)
	for i := 0; i < 10; i++ {
		deltas = append(deltas, 0)
	}
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			deltas = append(deltas, 10)
		} else {
			deltas = append(deltas, -10)
		}
	}

	shift, ok := VarianceShift(deltas, DefaultVarianceShiftCap)
	if !ok {
		t.Fatal("VarianceShift should be computable with 20 samples")
	}
	// |10 - 0| / 30
	want := 10.0 / 30.0
	if math.Abs(shift-want) > 1e-9 {
		t.Errorf("VarianceShift = %f, want %f", shift, want)
	}
}

func TestVarianceShift_StableRegime(t *testing.T) {
	// Same alternating pattern across both sub-windows: no shift.
	deltas := make([]float64, 0, 24)
	for i := 0; i < 24; i++ {
		if i%2 == 0 {
			deltas = append(deltas, 3)
		} else {
			deltas = append(deltas, -3)
		}
	}
	shift, ok := VarianceShift(deltas, DefaultVarianceShiftCap)
	if !ok {
		t.Fatal("VarianceShift should be computable")
	}
	if shift != 0 {
		t.Errorf("VarianceShift of stable regime = %f, want 0", shift)
	}
}

func TestMean(t *testing.T) {
	if got := Mean(nil); got != 0 {
		t.Errorf("Mean(nil) = %f, want 0", got)
	}
	if got := Mean([]float64{1, 2, 3}); math.Abs(got-2) > 1e-9 {
		t.Errorf("Mean = %f, want 2", got)
	}
}
