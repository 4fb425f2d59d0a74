package wisp

import "strings"

// FailureCategory is the sum-type classification of an enrichment or
// extraction failure (spec.md §7, §9 "Tagged variants").
type FailureCategory string

const (
	CategoryPermanent    FailureCategory = "permanent"
	CategoryTransient    FailureCategory = "transient"
	CategoryAuthRequired FailureCategory = "auth_required"
	CategoryUnknown      FailureCategory = "unknown"
)

// failurePattern pairs a lower-cased substring with the reason it implies.
type failurePattern struct {
	substr string
	reason string
}

// permanentPatterns are substrings of an error message that indicate the
// failure will never resolve on retry.
var permanentPatterns = []failurePattern{
	{"not found", "package_not_found"},
	{"404", "http_404"},
	{"could not determine executable", "no_executable"},
	{"no such file or directory", "file_not_found"},
	{"package not found", "package_not_found"},
	{"module not found", "module_not_found"},
	{"registry error", "registry_error"},
	{"invalid url", "invalid_url"},
}

// authPatterns indicate the server exists but requires credentials.
var authPatterns = []failurePattern{
	{"401", "http_401"},
	{"403", "http_403"},
	{"unauthorized", "unauthorized"},
	{"forbidden", "forbidden"},
	{"authentication required", "auth_required"},
}

// dockerPatterns are environment-dependent failures. Per spec.md §9 these
// are classified permanent even though starting Docker would unstick them
// (REDESIGN FLAGS notes this as a known mis-classification, preserved here
// rather than "fixed" — see DESIGN.md Open Question 3).
var dockerPatterns = []failurePattern{
	{"docker", "docker_not_running"},
	{"container", "container_error"},
	{"daemon", "daemon_not_running"},
}

// transientPatterns may succeed on a later run.
var transientPatterns = []failurePattern{
	{"timeout", "timeout"},
	{"timed out", "timeout"},
	{"connection refused", "connection_refused"},
	{"connection reset", "connection_reset"},
	{"rate limit", "rate_limited"},
	{"500", "server_error_5xx"},
	{"502", "server_error_5xx"},
	{"503", "server_error_5xx"},
	{"504", "server_error_5xx"},
	{"server error", "server_error_5xx"},
}

// protocolPatterns indicate the remote MCP server implementation itself is
// broken; retrying will not help, so these classify permanent.
var protocolPatterns = []failurePattern{
	{"taskgroup", "mcp_protocol_error"},
	{"sub-exception", "mcp_protocol_error"},
	{"unhandled errors", "mcp_protocol_error"},
	{"too many values to unpack", "mcp_response_error"},
	{"cannot unpack", "mcp_response_error"},
	{"not enough values", "mcp_response_error"},
	{"unexpected keyword argument", "mcp_sdk_error"},
	{"type error", "mcp_sdk_error"},
	{"attribute error", "mcp_sdk_error"},
	{"json decode", "mcp_invalid_response"},
	{"invalid json", "mcp_invalid_response"},
}

// CategorizeFailure classifies a raw error message into a failure category
// and a stable reason string, grounded line-for-line on
// original_source/wisp/server/mcp_client.py's categorize_failure. Per
// DESIGN.md Open Question 2, this deliberately never accepts an HTTP status
// code parameter even when the caller has one available — that information
// loss is preserved from the original behaviour, not tightened.
func CategorizeFailure(message string) (FailureCategory, string) {
	if message == "" {
		return CategoryUnknown, "no error message"
	}

	lower := strings.ToLower(message)

	for _, p := range permanentPatterns {
		if strings.Contains(lower, p.substr) {
			return CategoryPermanent, p.reason
		}
	}
	for _, p := range authPatterns {
		if strings.Contains(lower, p.substr) {
			return CategoryAuthRequired, p.reason
		}
	}
	for _, p := range dockerPatterns {
		if strings.Contains(lower, p.substr) {
			return CategoryPermanent, p.reason
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(lower, p.substr) {
			return CategoryTransient, p.reason
		}
	}
	for _, p := range protocolPatterns {
		if strings.Contains(lower, p.substr) {
			return CategoryPermanent, p.reason
		}
	}

	return CategoryTransient, "unknown_error"
}
