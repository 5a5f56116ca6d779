package reliability

import "strings"

// IsRetryableHTTPStatus classifies handshake status codes worth retrying.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

var retryableProviderCodes = []string{
	"Throttling",
	"InternalError",
	"ServiceUnavailable",
	"RequestTimeOut",
}

// IsRetryableProviderCode classifies task-failed error codes. Codes are matched by prefix,
// so "Throttling.RateQuota" counts as throttling.
func IsRetryableProviderCode(code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}
	for _, prefix := range retryableProviderCodes {
		if code == prefix || strings.HasPrefix(code, prefix+".") {
			return true
		}
	}
	return false
}
