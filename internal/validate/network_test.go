package validate

import (
	"errors"
	"strings"
	"testing"
)

func TestPartyName(t *testing.T) {
	valid := []string{
		"my-crew",
		"gaming-group",
		"a",
		"a1",
		"family",
		"org-internal",
		"x",
		"alpha-beta-gamma",
		"test123",
	}
	for _, name := range valid {
		if err := PartyName(name); err != nil {
			t.Errorf("PartyName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []struct {
		name string
		desc string
	}{
		{"", "empty"},
		{"My-Crew", "uppercase"},
		{"GAMING", "all uppercase"},
		{"my crew", "space"},
		{"-dash-start", "starts with hyphen"},
		{"dash-end-", "ends with hyphen"},
		{"-", "single hyphen"},
		{"has.dots", "dot"},
		{"has/slash", "slash"},
		{"has\\back", "backslash"},
		{"new\nline", "newline"},
		{"foo\tbar", "tab"},
		{"foo/../../etc", "path traversal"},
		{strings.Repeat("a", 64), "too long (64 chars)"},
		{"hello!", "exclamation"},
	}
	for _, tc := range invalid {
		if err := PartyName(tc.name); err == nil {
			t.Errorf("PartyName(%q) [%s] = nil, want error", tc.name, tc.desc)
		}
	}
}

func TestPartyName_MaxLength(t *testing.T) {
	name63 := strings.Repeat("a", 63)
	if err := PartyName(name63); err != nil {
		t.Errorf("PartyName(63 chars) = %v, want nil", err)
	}

	name64 := strings.Repeat("a", 64)
	if err := PartyName(name64); err == nil {
		t.Error("PartyName(64 chars) = nil, want error")
	}
}

func TestPartyName_SentinelError(t *testing.T) {
	err := PartyName("INVALID")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, ErrInvalidPartyName) {
		t.Errorf("error should wrap ErrInvalidPartyName, got: %v", err)
	}
}
