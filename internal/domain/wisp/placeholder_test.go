package wisp

import (
	"os"
	"testing"
)

func TestResolvePlaceholder(t *testing.T) {
	t.Setenv("WISP_TEST_TOK", "abc123")
	os.Unsetenv("WISP_TEST_UNSET")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"env prefix set", "ENV:WISP_TEST_TOK", "abc123"},
		{"env prefix unset", "ENV:WISP_TEST_UNSET", "ENV:WISP_TEST_UNSET"},
		{"dollar brace set", "Bearer ${WISP_TEST_TOK}", "Bearer abc123"},
		{"dollar brace unset", "Bearer ${WISP_TEST_UNSET}", "Bearer ${WISP_TEST_UNSET}"},
		{"input form set", "Bearer ${input:WISP_TEST_TOK}", "Bearer abc123"},
		{"no placeholder", "plain value", "plain value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolvePlaceholder(tt.input); got != tt.want {
				t.Errorf("ResolvePlaceholder(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestResolvePlaceholderFixedPoint(t *testing.T) {
	t.Setenv("WISP_TEST_TOK", "abc123")
	once := ResolvePlaceholder("Bearer ${WISP_TEST_TOK}")
	twice := ResolvePlaceholder(once)
	if once != twice {
		t.Errorf("resolution is not a fixed point: %q != %q", once, twice)
	}
}

func TestResolvePlaceholders(t *testing.T) {
	t.Setenv("WISP_TEST_TOK", "xyz")
	in := map[string]string{"Authorization": "Bearer ${WISP_TEST_TOK}"}
	out := ResolvePlaceholders(in)
	if out["Authorization"] != "Bearer xyz" {
		t.Errorf("got %q", out["Authorization"])
	}
}

func TestResolvePlaceholdersNil(t *testing.T) {
	if ResolvePlaceholders(nil) != nil {
		t.Error("expected nil passthrough")
	}
}
