package errorhandler

import (
	"context"
	"errors"
	"maps"
	"net"
	"strings"
	"time"
)

// Category groups errors by their source.
type Category string

// Error categories
const (
	CategoryNetwork        Category = "network"
	CategoryModelAPI       Category = "model_api"
	CategoryConfiguration  Category = "configuration"
	CategoryValidation     Category = "validation"
	CategoryProcessing     Category = "processing"
	CategoryStorage        Category = "storage"
	CategoryAuthentication Category = "authentication"
	CategoryRateLimit      Category = "rate_limit"
	CategoryTimeout        Category = "timeout"
	CategoryResource       Category = "resource"
)

// Severity ranks how much an error affects the system.
type Severity string

// Error severities
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is a classified error. It wraps the error it was built from, so
// errors.Is and errors.As see through it.
type Error struct {
	Category    Category
	Severity    Severity
	Message     string
	Recoverable bool

	// RetryAfter is a server-suggested wait, such as a rate limit reset
	RetryAfter time.Duration

	Context   map[string]any
	Timestamp time.Time
	Err       error
}

// New returns a recoverable error of the given category with its default severity.
func New(category Category, message string) *Error {
	return &Error{
		Category:    category,
		Severity:    defaultSeverity(category),
		Message:     message,
		Recoverable: true,
		Context:     map[string]any{},
		Timestamp:   time.Now(),
	}
}

// Wrap classifies err explicitly as category.
func Wrap(err error, category Category, message string) *Error {
	e := New(category, message)
	e.Err = err
	return e
}

// Error implements error.
func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return e.Message + ": " + e.Err.Error()
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithSeverity sets the severity and returns e.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// WithRecoverable sets whether the error may be retried and returns e.
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// WithRetryAfter sets the suggested wait and returns e.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithContext merges fields into the error context and returns e.
func (e *Error) WithContext(fields map[string]any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, len(fields))
	}
	maps.Copy(e.Context, fields)
	return e
}

func defaultSeverity(c Category) Severity {
	switch c {
	case CategoryConfiguration, CategoryAuthentication, CategoryResource:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// Classify converts err into an *Error. Errors that already are one (or
// wrap one) are returned as found; fields are merged into their context.
// Everything else is categorized from its type and then its message,
// falling back to CategoryProcessing. A nil err yields nil.
func Classify(err error, fields map[string]any) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		if len(fields) > 0 {
			classified.WithContext(fields)
		}
		return classified
	}

	category, message := categorize(err)
	return Wrap(err, category, message).WithContext(fields)
}

func categorize(err error) (Category, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, "operation timed out"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout, "operation timed out"
		}
		return CategoryNetwork, "network error"
	}

	msg := strings.ToLower(err.Error())
	// order matters: "api authentication failed" is a model API error
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return CategoryTimeout, "operation timed out"
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"):
		return CategoryNetwork, "network error"
	case strings.Contains(msg, "rate") && strings.Contains(msg, "limit"):
		return CategoryRateLimit, "rate limit exceeded"
	case strings.Contains(msg, "api"):
		return CategoryModelAPI, "model API error"
	case strings.Contains(msg, "config"):
		return CategoryConfiguration, "configuration error"
	case strings.Contains(msg, "auth"):
		return CategoryAuthentication, "authentication failed"
	default:
		return CategoryProcessing, "processing error"
	}
}
