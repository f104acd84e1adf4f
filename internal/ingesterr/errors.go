// Package ingesterr defines the typed failures a document ingestion can end
// with. Every pipeline error that reaches a caller is an *Error carrying the
// failure kind and enough context to retry, escalate or report it.
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind classifies an ingestion failure.
type Kind string

const (
	KindInvalidRequest        Kind = "invalid_request"
	KindOCRFailed             Kind = "ocr_failed"
	KindTextEmpty             Kind = "text_empty_after_cleaning"
	KindParseFailed           Kind = "parse_failed"
	KindExtractionUnavailable Kind = "extraction_unavailable"
	KindPersistenceFailed     Kind = "persistence_failed"
)

// Sentinels for errors.Is matching against a Kind.
var (
	ErrInvalidRequest        = &Error{Kind: KindInvalidRequest}
	ErrOCRFailed             = &Error{Kind: KindOCRFailed}
	ErrTextEmpty             = &Error{Kind: KindTextEmpty}
	ErrParseFailed           = &Error{Kind: KindParseFailed}
	ErrExtractionUnavailable = &Error{Kind: KindExtractionUnavailable}
	ErrPersistenceFailed     = &Error{Kind: KindPersistenceFailed}
)

// Stats is the partial progress attached to a failure.
type Stats struct {
	PagesProcessed  int `json:"pages_processed"`
	CleanedChars    int `json:"cleaned_chars"`
	Extracted       int `json:"extracted"`
	ExtractAttempts int `json:"extract_attempts"`
	SkippedElements int `json:"skipped_elements"`
}

// Error is a typed ingestion failure.
type Error struct {
	Kind      Kind
	Stage     string
	DocType   string
	Tier      string
	Stats     Stats
	RawOutput string // last model output for parse failures
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Stage != "" {
		msg = e.Stage + ": " + msg
	}
	if e.Tier != "" {
		msg += fmt.Sprintf(" (tier %s)", e.Tier)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same Kind so the package sentinels work
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindExtractionUnavailable || e.Kind == KindPersistenceFailed
}

// New builds an Error of the given kind wrapping err.
func New(kind Kind, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

// Newf builds an Error of the given kind with a formatted cause.
func Newf(kind Kind, stage, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err carries a retryable ingestion failure.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}
