package utils

import "testing"

func TestParseBounded(t *testing.T) {
	cases := []struct {
		s                  string
		def, min, max, want int
	}{
		{"", 1, 1, 0, 1},        // empty -> default
		{"3", 1, 1, 0, 3},       // plain parse, unbounded above
		{"42", 50, 1, 200, 42},  // within bounds
		{"0", 1, 1, 200, 1},     // below min clamps up
		{"-7", 1, 1, 200, 1},    // negative clamps up
		{"9999", 50, 1, 200, 200}, // above max clamps down
		{"x", 50, 1, 200, 50},   // garbage -> default
		{" 42", 50, 1, 200, 50}, // no trimming
		{"999999999999999999999999", 50, 1, 200, 50}, // overflow -> default
		{"0", 5, 0, 0, 0},       // min may be zero
	}
	for _, tc := range cases {
		if got := ParseBounded(tc.s, tc.def, tc.min, tc.max); got != tc.want {
			t.Fatalf("ParseBounded(%q, %d, %d, %d) = %d, want %d",
				tc.s, tc.def, tc.min, tc.max, got, tc.want)
		}
	}
}
