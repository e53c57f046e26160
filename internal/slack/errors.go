package slack

import "fmt"

// APIError is a Web API response with ok=false.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack API error: %s: %s", e.Method, e.Code)
}

// IsRateLimited reports whether Slack refused the call for rate limiting
// after the client's own retries were exhausted.
func (e *APIError) IsRateLimited() bool {
	return e.Code == "ratelimited"
}
