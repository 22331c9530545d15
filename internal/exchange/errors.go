package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/adshao/go-binance/v2/common"
)

// ConnectivityError wraps timeouts and transport failures. Call sites retry
// these with backoff.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("exchange connectivity failure during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// AuthError covers signature, API-key and timestamp rejections. Never
// retried: resending a badly signed request wastes budget and risks a ban.
type AuthError struct {
	Code    int64
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("exchange rejected credentials (code %d): %s", e.Code, e.Message)
}

// BusinessError is an exchange-side rejection of a well-formed request, e.g.
// insufficient margin or an invalid price. The exchange message is preserved
// verbatim for the caller.
type BusinessError struct {
	Op      string
	Code    int64
	Message string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("exchange rejected %s (code %d): %s", e.Op, e.Code, e.Message)
}

// ValidationError is a local pre-trade rejection raised before any network
// call: precision, minimum notional, leverage cap or stop direction.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// NewValidationError builds a local rejection with a formatted reason.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Binance error codes that indicate the request itself cannot be
// authenticated. -1021 (timestamp outside recvWindow) is included: the same
// skewed clock would fail again immediately.
var authCodes = map[int64]struct{}{
	-1021: {},
	-1022: {},
	-2014: {},
	-2015: {},
}

// Classify maps a raw client error onto the engine's taxonomy. nil passes
// through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if _, ok := authCodes[apiErr.Code]; ok {
			return &AuthError{Code: apiErr.Code, Message: apiErr.Message}
		}
		return &BusinessError{Op: op, Code: apiErr.Code, Message: apiErr.Message}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ConnectivityError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ConnectivityError{Op: op, Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &ConnectivityError{Op: op, Err: err}
	}

	return &ConnectivityError{Op: op, Err: err}
}

// Retryable reports whether resubmitting the same request can succeed.
// Auth failures and local validation rejections never are.
func Retryable(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	var valErr *ValidationError
	return !errors.As(err, &valErr)
}
