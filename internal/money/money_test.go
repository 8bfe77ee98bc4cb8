package money_test

import (
	"testing"

	"github.com/agentoven/supportdesk/internal/money"
)

func TestToMinor(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"200", 20000},
		{"200.00", 20000},
		{"89.5", 8950},
		{"0.01", 1},
		{"19.999", 2000},
	}
	for _, tt := range tests {
		got, err := money.ToMinor(tt.in)
		if err != nil {
			t.Fatalf("ToMinor(%q) error = %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ToMinor(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
	if _, err := money.ToMinor("abc"); err == nil {
		t.Error("ToMinor(abc) error = nil, want error")
	}
}

func TestFormat(t *testing.T) {
	if got := money.Format(8900); got != "89.00" {
		t.Errorf("Format(8900) = %q, want 89.00", got)
	}
	if got := money.Display(35000, ""); got != "350.00 CNY" {
		t.Errorf("Display(35000) = %q", got)
	}
}
