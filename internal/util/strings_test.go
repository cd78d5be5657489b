package util

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{
			name:   "string shorter than maxLen",
			input:  "short",
			maxLen: 10,
			want:   "short",
		},
		{
			name:   "string equal to maxLen",
			input:  "exactly10c",
			maxLen: 10,
			want:   "exactly10c",
		},
		{
			name:   "string longer than maxLen",
			input:  "this-is-a-very-long-handle-string",
			maxLen: 8,
			want:   "this-is-",
		},
		{
			name:   "empty string",
			input:  "",
			maxLen: 5,
			want:   "",
		},
		{
			name:   "maxLen is zero",
			input:  "test",
			maxLen: 0,
			want:   "",
		},
		{
			name:   "maxLen is negative",
			input:  "test",
			maxLen: -1,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SafeTruncate(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestParseSpaceDelimited(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"empty", "", nil},
		{"only spaces", "   ", nil},
		{"single", "openid", []string{"openid"}},
		{"sorted", "profile openid", []string{"openid", "profile"}},
		{"duplicates", "api1 openid api1", []string{"api1", "openid"}},
		{"extra whitespace", "  code\tid_token  ", []string{"code", "id_token"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseSpaceDelimited(tt.input)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseSpaceDelimited(%q) mismatch (-want +got):\n%s", tt.input, diff)
			}
		})
	}
}

func TestParseSpaceDelimited_OrderIndependent(t *testing.T) {
	a := JoinSpaceDelimited(ParseSpaceDelimited("code id_token token"))
	b := JoinSpaceDelimited(ParseSpaceDelimited("token code id_token"))
	if a != b {
		t.Errorf("canonical forms differ: %q != %q", a, b)
	}
}

func TestDedupe(t *testing.T) {
	got := Dedupe([]string{"urn:b", "urn:a", "urn:b"})
	if diff := cmp.Diff([]string{"urn:b", "urn:a"}, got); diff != "" {
		t.Errorf("Dedupe() mismatch (-want +got):\n%s", diff)
	}
	if Dedupe(nil) != nil {
		t.Error("Dedupe(nil) should be nil")
	}
}

func TestIsAbsoluteURI(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"https://server/cb", true},
		{"urn:api1", true},
		{"http://localhost:8080/path?x=1", true},
		{"not_uri", false},
		{"/relative/path", false},
		{"", false},
		{"https:///cb", false},
		{" https://server/cb", false},
		{"https://server/cb ", false},
		{"://missing-scheme", false},
		{"https://server/" + strings.Repeat("a", 600), true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := IsAbsoluteURI(tt.input); got != tt.want {
				t.Errorf("IsAbsoluteURI(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
