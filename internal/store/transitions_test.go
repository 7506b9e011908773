package store

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{"call", "pending", true},
		{"call", "in-progress", false},
		{"call", "completed", false},
		{"call", "cancelled", false},
		{"complete", "pending", true},
		{"complete", "in-progress", true},
		{"complete", "completed", false},
		{"complete", "cancelled", false},
		{"cancel", "pending", true},
		{"cancel", "in-progress", true},
		{"cancel", "completed", false},
		{"cancel", "cancelled", false},
		{"unknown", "pending", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}
