package validate

import (
	"errors"
	"strings"
	"testing"
)

func TestRelayRegion(t *testing.T) {
	valid := []string{
		"us-east",
		"eu-west-1",
		"ap-southeast",
		"a",
		"a1",
		"x",
		"region-1",
		"",
	}
	for _, name := range valid {
		if err := RelayRegion(name); err != nil {
			t.Errorf("RelayRegion(%q) = %v, want nil", name, err)
		}
	}

	invalid := []struct {
		name string
		desc string
	}{
		{"US-EAST", "uppercase"},
		{"My-Region", "mixed case"},
		{"my region", "space"},
		{"foo/bar", "slash"},
		{"foo\\bar", "backslash"},
		{"foo\nbar", "newline"},
		{"foo\tbar", "tab"},
		{"-start", "starts with hyphen"},
		{"end-", "ends with hyphen"},
		{"-", "single hyphen"},
		{"foo/../../etc/passwd", "path traversal"},
		{strings.Repeat("a", 64), "too long (64 chars)"},
		{"region.name", "dot"},
	}
	for _, tc := range invalid {
		if err := RelayRegion(tc.name); err == nil {
			t.Errorf("RelayRegion(%q) [%s] = nil, want error", tc.name, tc.desc)
		}
	}
}

func TestRelayRegion_MaxLength(t *testing.T) {
	name63 := strings.Repeat("a", 63)
	if err := RelayRegion(name63); err != nil {
		t.Errorf("RelayRegion(63 chars) = %v, want nil", err)
	}

	name64 := strings.Repeat("a", 64)
	if err := RelayRegion(name64); err == nil {
		t.Error("RelayRegion(64 chars) = nil, want error")
	}
}

func TestRelayRegion_SentinelError(t *testing.T) {
	err := RelayRegion("INVALID REGION")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, ErrInvalidRelayRegion) {
		t.Errorf("error should wrap ErrInvalidRelayRegion, got: %v", err)
	}
}
