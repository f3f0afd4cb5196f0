package board

import "testing"

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
	}{
		{"0", 0},
		{"1", 1_000_000},
		{"0.1", 100_000},
		{"0.000001", 1},
		{"2.5", 2_500_000},
		{"1.000001", 1_000_001},
		{"10.25", 10_250_000},
		{".5", 500_000},
		{" 3 ", 3_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if err != nil {
				t.Fatalf("ParseAmount(%q) error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseAmount(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseAmountInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1.2.3", "0.1234567", "1e6", "-1"} {
		t.Run(in, func(t *testing.T) {
			if _, err := ParseAmount(in); err == nil {
				t.Errorf("ParseAmount(%q) should fail", in)
			}
		})
	}
}

func TestAmountString(t *testing.T) {
	tests := []struct {
		in   Amount
		want string
	}{
		{0, "0"},
		{1_000_000, "1"},
		{100_000, "0.1"},
		{1, "0.000001"},
		{2_500_000, "2.5"},
		{10_250_000, "10.25"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.in.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAmountRoundTrip(t *testing.T) {
	for _, s := range []string{"0.1", "1", "2.5", "0.000001"} {
		a, err := ParseAmount(s)
		if err != nil {
			t.Fatalf("ParseAmount(%q) error: %v", s, err)
		}
		if a.String() != s {
			t.Errorf("round trip %q -> %q", s, a.String())
		}
	}
}

func TestAmountScale(t *testing.T) {
	a := Credits(2) // 2_000_000 micros

	if got := a.Scale(3, 2); got != 3_000_000 {
		t.Errorf("Scale(3,2) = %d, want 3000000", got)
	}
	if got := a.Scale(1, 1); got != a {
		t.Errorf("Scale(1,1) = %d, want %d", got, a)
	}
	// Zero denominator leaves the amount unchanged rather than dividing by zero.
	if got := a.Scale(5, 0); got != a {
		t.Errorf("Scale(5,0) = %d, want %d", got, a)
	}
}

func TestCredits(t *testing.T) {
	if Credits(3) != 3_000_000 {
		t.Errorf("Credits(3) = %d, want 3000000", Credits(3))
	}
}
