package aws

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"

	"github.com/seantiz/fleetbroker/internal/provider"
)

// retryableCodes are AWS error codes that indicate a transient condition.
var retryableCodes = map[string]bool{
	"RequestLimitExceeded": true,
	"Throttling":           true,
	"ThrottlingException":  true,
	"InternalError":        true,
	"InternalFailure":      true,
	"ServiceUnavailable":   true,
	"Unavailable":          true,
}

// wrapError converts an SDK error into a provider.APIError.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &provider.APIError{
			Code:      apiErr.ErrorCode(),
			Message:   apiErr.ErrorMessage(),
			Retryable: retryableCodes[apiErr.ErrorCode()] || apiErr.ErrorFault() == smithy.FaultServer,
			Err:       fmt.Errorf("%s: %w", op, err),
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isNotFound reports whether err says the requested instances do not exist.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "InvalidInstanceID.NotFound"
	}
	return false
}
