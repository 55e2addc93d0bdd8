package pagination

import "testing"

func TestClampLimit(t *testing.T) {
	cfg := LimitConfig{Default: 20, Max: 100}
	tests := []struct {
		value int
		want  int
	}{
		{value: 0, want: 20},
		{value: -5, want: 20},
		{value: 7, want: 7},
		{value: 500, want: 100},
	}
	for _, tc := range tests {
		if got := ClampLimit(tc.value, cfg); got != tc.want {
			t.Fatalf("ClampLimit(%d) = %d, want %d", tc.value, got, tc.want)
		}
	}
	if got := ClampLimit(0, LimitConfig{}); got != 1 {
		t.Fatalf("ClampLimit with empty config = %d, want 1", got)
	}
}

func TestParseLimit(t *testing.T) {
	cfg := LimitConfig{Default: 20, Max: 100}
	got, err := ParseLimit(" ", cfg)
	if err != nil || got != 20 {
		t.Fatalf("ParseLimit(empty) = %d, %v, want 20", got, err)
	}
	got, err = ParseLimit("150", cfg)
	if err != nil || got != 100 {
		t.Fatalf("ParseLimit(150) = %d, %v, want 100", got, err)
	}
	if _, err := ParseLimit("ten", cfg); err == nil {
		t.Fatal("expected error for non-numeric limit")
	}
}
