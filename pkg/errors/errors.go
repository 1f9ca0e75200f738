package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrorTypeFetch represents navigation and timeout failures
	ErrorTypeFetch ErrorType = "fetch"
	// ErrorTypeExtraction represents pages or entries without a usable record
	ErrorTypeExtraction ErrorType = "extraction"
	// ErrorTypeNumeric represents unparseable price, mileage or year text
	ErrorTypeNumeric ErrorType = "numeric"
	// ErrorTypeStore represents an unreadable or malformed tracker store
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeSink represents export, database or publisher failures
	ErrorTypeSink ErrorType = "sink"
	// ErrorTypeConfiguration represents configuration errors
	ErrorTypeConfiguration ErrorType = "configuration"
)

// TrackerError represents a typed error raised anywhere in a run
type TrackerError struct {
	Type    ErrorType
	Op      string
	Message string
	Err     error
	Time    time.Time
}

// Error implements the error interface
func (e *TrackerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s - %v", e.Type, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Op, e.Message)
}

// Unwrap returns the underlying error
func (e *TrackerError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error is retryable
func (e *TrackerError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeFetch, ErrorTypeSink:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the error must abort a run.
func (e *TrackerError) IsFatal() bool {
	return e.Type == ErrorTypeStore || e.Type == ErrorTypeConfiguration
}

// New creates a new TrackerError
func New(errType ErrorType, op, message string, err error) *TrackerError {
	return &TrackerError{
		Type:    errType,
		Op:      op,
		Message: message,
		Err:     err,
		Time:    time.Now(),
	}
}

// NewFetch creates a new fetch error
func NewFetch(op, message string, err error) *TrackerError {
	return New(ErrorTypeFetch, op, message, err)
}

// NewExtractionGap creates a new extraction error
func NewExtractionGap(op, message string) *TrackerError {
	return New(ErrorTypeExtraction, op, message, nil)
}

// NewMalformedNumeric creates a new numeric field error
func NewMalformedNumeric(field, text string, err error) *TrackerError {
	return New(ErrorTypeNumeric, field, fmt.Sprintf("cannot parse %q", text), err)
}

// NewStoreCorruption creates a new store error
func NewStoreCorruption(path, message string, err error) *TrackerError {
	return New(ErrorTypeStore, path, message, err)
}

// NewSink creates a new sink error
func NewSink(sink, message string, err error) *TrackerError {
	return New(ErrorTypeSink, sink, message, err)
}

// NewConfiguration creates a new configuration error
func NewConfiguration(message string, err error) *TrackerError {
	return New(ErrorTypeConfiguration, "config", message, err)
}

// OfType reports whether err wraps a TrackerError of the given type.
func OfType(err error, errType ErrorType) bool {
	var te *TrackerError
	if stderrors.As(err, &te) {
		return te.Type == errType
	}
	return false
}

// IsStoreCorruption reports whether err is a store integrity failure.
func IsStoreCorruption(err error) bool {
	return OfType(err, ErrorTypeStore)
}
