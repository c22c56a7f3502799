package helpers

import (
	"fmt"
	"market-sync/src/logger"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Custom Error Types
// -----------------------------------------------------------------------------

type SyncError struct {
	Message string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Distinct error kinds for errors.As branching. None of these is ever fatal
// to the hosting process; the worst outcome is a stale display.
type ConnectionError struct{ SyncError }
type ParseError struct{ SyncError }
type FetchError struct{ SyncError }
type InvariantViolation struct{ SyncError }
type ConfigurationError struct{ SyncError }
type StorageError struct{ SyncError }

// -----------------------------------------------------------------------------

func NewConnectionError(message string, cause error) *ConnectionError {
	return &ConnectionError{SyncError{Message: message, Cause: cause}}
}

func NewParseError(message string, cause error) *ParseError {
	return &ParseError{SyncError{Message: message, Cause: cause}}
}

func NewFetchError(message string, cause error) *FetchError {
	return &FetchError{SyncError{Message: message, Cause: cause}}
}

func NewInvariantViolation(message string) *InvariantViolation {
	return &InvariantViolation{SyncError{Message: message}}
}

func NewConfigurationError(message string) *ConfigurationError {
	return &ConfigurationError{SyncError{Message: message}}
}

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// RetryWithBackoff attempts to execute the operation up to maxRetries times with exponential backoff.
func RetryWithBackoff(operation string, maxRetries int, baseDelay time.Duration, fn func() (interface{}, error)) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		res, err := fn()
		if err == nil {
			return res, nil
		}

		lastErr = err
		if attempt == maxRetries-1 {
			break
		}

		delay := baseDelay * (1 << attempt)
		fmt.Printf("Warning: Attempt %d/%d failed for %s: %v. Retrying in %v\n", attempt+1, maxRetries, operation, err, delay)
		time.Sleep(delay)
	}

	return nil, lastErr
}

// -----------------------------------------------------------------------------
// Error Handler
// -----------------------------------------------------------------------------

type ErrorHandler struct {
	Logger                 *logger.Logger
	ErrorCount             int
	MaxErrorsBeforeRestart int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		Logger:                 logger.NewLogger(nil, "ErrorHandler"),
		ErrorCount:             0,
		MaxErrorsBeforeRestart: 10,
	}
}

// -----------------------------------------------------------------------------

func (e *ErrorHandler) ResetErrorCount() {
	e.ErrorCount = 0
}

// -----------------------------------------------------------------------------

// ExecuteWithRetry executes a function, retries on failure, and wraps the last
// error into the kind the operation name suggests.
func (e *ErrorHandler) ExecuteWithRetry(operation string, fn func() (interface{}, error), maxRetries int) (interface{}, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		res, err := fn()
		if err == nil {
			if e.ErrorCount > 0 {
				e.ErrorCount--
			}
			return res, nil
		}

		if attempt == maxRetries-1 {
			e.ErrorCount++
			e.Logger.Error("%s failed (attempt %d/%d): %v", operation, attempt+1, maxRetries, err)

			lowerOp := strings.ToLower(operation)
			msg := fmt.Sprintf("%s failed", operation)
			switch {
			case strings.Contains(lowerOp, "fetch") || strings.Contains(lowerOp, "poll") || strings.Contains(lowerOp, "backfill"):
				return nil, &FetchError{SyncError{Message: msg, Cause: err}}
			case strings.Contains(lowerOp, "connect") || strings.Contains(lowerOp, "stream") || strings.Contains(lowerOp, "subscribe"):
				return nil, &ConnectionError{SyncError{Message: msg, Cause: err}}
			case strings.Contains(lowerOp, "journal") || strings.Contains(lowerOp, "save") || strings.Contains(lowerOp, "database"):
				return nil, &StorageError{SyncError{Message: msg, Cause: err}}
			default:
				return nil, &SyncError{Message: msg, Cause: err}
			}
		}

		e.Logger.Warning("%s failed (attempt %d/%d): %v", operation, attempt+1, maxRetries, err)
		delay := time.Duration(1<<attempt) * time.Second
		time.Sleep(delay)
	}

	return nil, &SyncError{Message: fmt.Sprintf("%s failed after %d attempts", operation, maxRetries)}
}

// -----------------------------------------------------------------------------

func (e *ErrorHandler) Handle(err error, context string) {
	if err != nil {
		e.Logger.Error("Error in %s: %v", context, err)
	}
}
