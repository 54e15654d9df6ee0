package requestid

import (
	"encoding/hex"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if len(id) != 32 {
		t.Fatalf("New() len=%d, want 32", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		t.Fatalf("New()=%q not hex: %v", id, err)
	}
	other, _ := New()
	if other == id {
		t.Fatalf("New() returned the same id twice")
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{" rid-123 ", "rid-123"},
		{"", ""},
		{"has space", ""},
		{"line\nbreak", ""},
		{strings.Repeat("a", 129), ""},
		{strings.Repeat("a", 128), strings.Repeat("a", 128)},
	}
	for _, tc := range tests {
		if got := Sanitize(tc.in); got != tc.want {
			t.Fatalf("Sanitize(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}
