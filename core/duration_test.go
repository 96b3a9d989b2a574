package core

import (
	"math"
	"testing"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"PT2S", 2},
		{"PT1M", 60},
		{"PT1H", 3600},
		{"PT1H2M3S", 3723},
		{"PT1M30.5S", 90.5},
		{"PT0.48S", 0.48},
		{"PT0S", 0},
		{"", 0},
		{"garbage", 0},
		{"P1D", 0},
	}
	for _, c := range cases {
		got := ParseDuration(c.in)
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("ParseDuration(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
