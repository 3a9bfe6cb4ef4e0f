// internal/errorhandling/classify.go
package errorhandling

import (
	"regexp"
)

// ErrorType is the classification taxonomy. Errors originate from
// heterogeneous external libraries, so classification matches message
// patterns rather than concrete types.
type ErrorType string

const (
	ErrorTypeNetworkTimeout    ErrorType = "network_timeout"
	ErrorTypeNetworkConnection ErrorType = "network_connection"
	ErrorTypeHTTPClient        ErrorType = "http_client_error"
	ErrorTypeHTTPServer        ErrorType = "http_server_error"
	ErrorTypeParsing           ErrorType = "parsing_error"
	ErrorTypeAIService         ErrorType = "ai_service_error"
	ErrorTypeDatabase          ErrorType = "database_error"
	ErrorTypeBrowser           ErrorType = "browser_error"
	ErrorTypeUnknown           ErrorType = "unknown_error"
)

// Severity drives the propagation policy: only critical errors escape
// the fallback handler.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// classificationRule pairs a pattern with its type; rules are evaluated
// in order and the first match wins.
type classificationRule struct {
	pattern *regexp.Regexp
	errType ErrorType
}

var classificationRules = []classificationRule{
	{regexp.MustCompile(`(?i)(timeout|timed out|deadline exceeded|context deadline)`), ErrorTypeNetworkTimeout},
	{regexp.MustCompile(`(?i)(connection refused|connection reset|no such host|network is unreachable|eof|broken pipe|dns)`), ErrorTypeNetworkConnection},
	{regexp.MustCompile(`(?i)(status (?:code )?4\d\d|\b40[0-9]\b|\b41[0-9]\b|\b429\b|not found|forbidden|unauthorized)`), ErrorTypeHTTPClient},
	{regexp.MustCompile(`(?i)(status (?:code )?5\d\d|\b50[0-9]\b|\b5[1-9]\d\b|internal server error|bad gateway|service unavailable|gateway timeout)`), ErrorTypeHTTPServer},
	{regexp.MustCompile(`(?i)(parse|parsing|invalid html|malformed|unmarshal|invalid selector|no json object)`), ErrorTypeParsing},
	{regexp.MustCompile(`(?i)(gemini|openai|model|prompt|content analysis|quota exceeded|rate.?limit.*api|ai service)`), ErrorTypeAIService},
	{regexp.MustCompile(`(?i)(sql|postgres|database|db connection|constraint|duplicate key|transaction)`), ErrorTypeDatabase},
	{regexp.MustCompile(`(?i)(chrome|chromedp|webdriver|browser|navigation failed|element wait|devtools)`), ErrorTypeBrowser},
}

// Classify assigns an error to the taxonomy.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	msg := err.Error()
	for _, rule := range classificationRules {
		if rule.pattern.MatchString(msg) {
			return rule.errType
		}
	}
	return ErrorTypeUnknown
}

// SeverityOf maps error types to severities. Database failures are the
// only class that propagates out of the handler.
func SeverityOf(errType ErrorType) Severity {
	switch errType {
	case ErrorTypeDatabase:
		return SeverityCritical
	case ErrorTypeNetworkTimeout, ErrorTypeHTTPServer:
		return SeverityHigh
	case ErrorTypeNetworkConnection, ErrorTypeAIService, ErrorTypeBrowser:
		return SeverityMedium
	case ErrorTypeHTTPClient, ErrorTypeParsing:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// retryable reports whether a classified error is worth retrying.
// Client errors and parsing failures stem from deterministic conditions,
// so attempts against them are wasted.
func retryable(errType ErrorType) bool {
	switch errType {
	case ErrorTypeHTTPClient, ErrorTypeParsing:
		return false
	default:
		return true
	}
}
