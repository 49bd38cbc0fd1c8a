package adapters

import "fmt"

// FeedError represents different types of data-provider failures
type FeedError struct {
	Type    string // "network", "rate_limit", "provider_error", "bad_payload"
	Op      string
	Message string
	Cause   error
}

func (e *FeedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error in %s: %s (%v)", e.Type, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error in %s: %s", e.Type, e.Op, e.Message)
}

func (e *FeedError) Unwrap() error { return e.Cause }

// Common error constructors
func NewNetworkError(op, message string, cause error) *FeedError {
	return &FeedError{Type: "network", Op: op, Message: message, Cause: cause}
}

func NewRateLimitError(op, message string) *FeedError {
	return &FeedError{Type: "rate_limit", Op: op, Message: message}
}

func NewProviderError(op, message string, cause error) *FeedError {
	return &FeedError{Type: "provider_error", Op: op, Message: message, Cause: cause}
}

func NewBadPayloadError(op, message string, cause error) *FeedError {
	return &FeedError{Type: "bad_payload", Op: op, Message: message, Cause: cause}
}
