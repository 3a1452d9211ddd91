package models

import "time"

// Class groups endpoints that share a limit.
type Class string

const (
	// ClassRead covers public document resolution, keyed by client IP.
	ClassRead Class = "read"
	// ClassWrite covers host-authenticated mutations, keyed by account.
	ClassWrite Class = "write"
)

// Limit is a sliding window budget.
type Limit struct {
	RequestsPerWindow int
	Window            time.Duration
}

// Result represents the outcome of a rate limit check.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// Key builds the bucket key for an identity within a class.
func Key(class Class, identity string) string {
	return "didregistry:ratelimit:" + string(class) + ":" + identity
}

// ExceededResponse is the 429 body.
type ExceededResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	RetryAfter       int    `json:"retry_after"`
}

// RetryAfterSeconds rounds the time until resetAt up to whole seconds.
func RetryAfterSeconds(now, resetAt time.Time) int {
	d := resetAt.Sub(now)
	if d <= 0 {
		return 1
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
