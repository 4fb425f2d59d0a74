package wisp

import (
	"os"
	"regexp"
)

// placeholderPattern matches ${NAME} and ${input:NAME} forms.
var placeholderPattern = regexp.MustCompile(`\$\{(?:input:)?([A-Za-z_][A-Za-z0-9_]*)\}`)

// envPrefixPattern matches the ENV:NAME form.
var envPrefixPattern = regexp.MustCompile(`^ENV:([A-Za-z_][A-Za-z0-9_]*)$`)

// ResolvePlaceholder resolves a single string value against the process
// environment, per spec.md §4.8:
//
//   - "ENV:<NAME>" is replaced wholesale by the value of env var NAME, or
//     the literal string if NAME is unset.
//   - "${<NAME>}" and "${input:<NAME>}" substitutions are replaced by the
//     env var's value wherever they occur in the string; if NAME is unset
//     the placeholder is left untouched (literal).
//
// Resolution is a fixed point when every referenced env var is set:
// resolving twice yields the same string (spec.md §8 invariant 6), because
// a resolved value no longer contains the placeholder syntax it matched.
func ResolvePlaceholder(value string) string {
	if m := envPrefixPattern.FindStringSubmatch(value); m != nil {
		if v, ok := os.LookupEnv(m[1]); ok {
			return v
		}
		return value
	}

	return placeholderPattern.ReplaceAllStringFunc(value, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		name := sub[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// ResolvePlaceholders applies ResolvePlaceholder to every string value in a
// map, used for Remote.Headers and LocalSource.Env at invocation time.
// Non-string values are out of scope here since both maps are
// map[string]string; callers holding `any`-valued maps should pass values
// through ResolveAny instead.
func ResolvePlaceholders(values map[string]string) map[string]string {
	if values == nil {
		return nil
	}
	resolved := make(map[string]string, len(values))
	for k, v := range values {
		resolved[k] = ResolvePlaceholder(v)
	}
	return resolved
}

// ResolveAny applies placeholder resolution recursively to a value of
// arbitrary JSON-decoded shape (map[string]any, []any, string); non-string
// leaves pass through unchanged, per spec.md §4.8 ("non-string values pass
// through").
func ResolveAny(value any) any {
	switch v := value.(type) {
	case string:
		return ResolvePlaceholder(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = ResolveAny(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = ResolveAny(val)
		}
		return out
	default:
		return v
	}
}
