package version

import (
	"strings"
	"testing"
)

func TestShort(t *testing.T) {
	// Default value should be "dev"
	got := Short()
	if got != "dev" {
		t.Errorf("Short() = %q, want %q", got, "dev")
	}
}

func TestInfo(t *testing.T) {
	info := Info()

	for _, want := range []string{Version, GitCommit, BuildDate, "go"} {
		if !strings.Contains(info, want) {
			t.Errorf("Info() = %q, should contain %q", info, want)
		}
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.0", "1.2.0", 0},
		{"1.2.0", "1.10.0", -1},
		{"2024.3.1", "2023.12.4", 1},
		{"1.2", "1.2.0", 0},
		{"1.2.1", "1.2", 1},
		{"2024.3.0b2", "2024.3.0", -1},
		{"2024.3.0b2", "2024.3.0b10", 1}, // suffixes compare as strings
		{"2024.3.0b1", "2024.2.5", 1},
		{"latest", "1.0.0", -1},
		{"dev", "latest", -1},
	}
	for _, tt := range tests {
		if got := Compare(tt.a, tt.b); got != tt.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
		if got := Compare(tt.b, tt.a); got != -tt.want {
			t.Errorf("Compare(%q, %q) = %d, want %d", tt.b, tt.a, got, -tt.want)
		}
	}
}

func TestLatest(t *testing.T) {
	got, ok := Latest([]string{"latest", "1.2.0", "1.10.0", "1.9.3"})
	if !ok || got != "1.10.0" {
		t.Errorf("Latest() = %q, %v, want 1.10.0", got, ok)
	}
	if _, ok := Latest([]string{"latest", "dev"}); ok {
		t.Error("Latest() should find nothing without numeric tags")
	}
	if _, ok := Latest(nil); ok {
		t.Error("Latest(nil) should find nothing")
	}
}
