package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// APIError is an error reported by a provider API.
type APIError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying. Context cancellation is
// never retryable; errors that are not APIErrors are assumed transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return true
}

// AsProviderError converts any error into the form recorded on a request.
func AsProviderError(err error) ProviderError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return ProviderError{Code: apiErr.Code, Message: apiErr.Message}
	}
	return ProviderError{Code: "InternalError", Message: err.Error()}
}

// SubmitErrors remembers errors hit by a submit that still produced a
// resource, such as a batch that launched fewer machines than asked for.
// Gateways report them on later capacity snapshots of that resource. The
// zero value is ready to use.
type SubmitErrors struct {
	mu         sync.Mutex
	byResource map[string][]ProviderError
}

// Add records err against resourceID.
func (s *SubmitErrors) Add(resourceID string, err ProviderError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byResource == nil {
		s.byResource = make(map[string][]ProviderError)
	}
	s.byResource[resourceID] = append(s.byResource[resourceID], err)
}

// For returns the errors recorded against any of resourceIDs.
func (s *SubmitErrors) For(resourceIDs []string) []ProviderError {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ProviderError
	for _, id := range resourceIDs {
		out = append(out, s.byResource[id]...)
	}
	return out
}
