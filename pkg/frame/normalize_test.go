package frame

import (
	"math"
	"testing"
)

func TestPercentileNormalize(t *testing.T) {
	t.Run("output stays in unit interval", func(t *testing.T) {
		x := []float32{-100, -1, 0, 1, 2, 3, 4, 5, 1000}
		out := percentileNormalize(x, 2, 98)
		for i, v := range out {
			if v < 0 || v > 1 {
				t.Errorf("element %d = %f outside [0, 1]", i, v)
			}
		}
	})

	t.Run("outliers clamp instead of vanishing", func(t *testing.T) {
		x := make([]float32, 100)
		for i := range x {
			x[i] = float32(i)
		}
		x[99] = 1e9
		out := percentileNormalize(x, 2, 98)
		if out[99] != 1 {
			t.Errorf("high outlier should clamp to 1, got %f", out[99])
		}
		if out[0] != 0 {
			t.Errorf("low tail should clamp to 0, got %f", out[0])
		}
	})

	t.Run("order preserved in the bulk", func(t *testing.T) {
		x := []float32{10, 20, 30, 40, 50}
		out := percentileNormalize(x, 2, 98)
		for i := 1; i < len(out); i++ {
			if out[i] < out[i-1] {
				t.Errorf("ordering lost at %d: %v", i, out)
			}
		}
	})

	t.Run("constant array maps to zero", func(t *testing.T) {
		out := percentileNormalize([]float32{5, 5, 5, 5}, 2, 98)
		for _, v := range out {
			if v != 0 {
				t.Errorf("constant input should normalize to 0, got %f", v)
			}
		}
	})

	t.Run("empty input", func(t *testing.T) {
		if out := percentileNormalize(nil, 2, 98); len(out) != 0 {
			t.Errorf("expected empty output, got %v", out)
		}
	})
}

func TestPercentile(t *testing.T) {
	x := []float32{1, 2, 3, 4, 5}

	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1},
		{50, 3},
		{100, 5},
		{25, 2},
		{12.5, 1.5},
	}

	for _, tt := range tests {
		if got := percentile(x, tt.p); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("percentile(%g) = %g, want %g", tt.p, got, tt.want)
		}
	}

	if got := percentile([]float32{42}, 50); got != 42 {
		t.Errorf("single-element percentile = %g, want 42", got)
	}
}

func TestZScoreNormalize(t *testing.T) {
	t.Run("zero mean unit variance", func(t *testing.T) {
		x := []float32{2, 4, 6, 8}
		out := zscoreNormalize(x)

		mean := 0.0
		for _, v := range out {
			mean += float64(v)
		}
		mean /= float64(len(out))
		if math.Abs(mean) > 1e-6 {
			t.Errorf("expected zero mean, got %g", mean)
		}

		variance := 0.0
		for _, v := range out {
			variance += float64(v) * float64(v)
		}
		variance /= float64(len(out))
		if math.Abs(variance-1) > 1e-5 {
			t.Errorf("expected unit variance, got %g", variance)
		}
	})

	t.Run("values unbounded", func(t *testing.T) {
		x := []float32{0, 0, 0, 0, 0, 0, 0, 0, 0, 100}
		out := zscoreNormalize(x)
		if out[9] <= 1 {
			t.Errorf("outlier should exceed 1 after z-score, got %f", out[9])
		}
	})

	t.Run("constant array maps to zero", func(t *testing.T) {
		out := zscoreNormalize([]float32{7, 7, 7})
		for _, v := range out {
			if v != 0 {
				t.Errorf("constant input should normalize to 0, got %f", v)
			}
		}
	})
}
