package tts

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMissingBaseURL is returned by New when no backend URL is configured.
var ErrMissingBaseURL = errors.New("tts: backend base URL must not be empty")

// ErrVoiceListingUnsupported is returned by ListVoices for backends that do
// not expose a voice listing.
var ErrVoiceListingUnsupported = errors.New("tts: backend does not support voice listing")

// ValidationKind classifies a ValidationError.
type ValidationKind string

const (
	EmptyText     ValidationKind = "EmptyText"
	TextTooLong   ValidationKind = "TextTooLong"
	UnknownVoice  ValidationKind = "UnknownVoice"
	InvalidOption ValidationKind = "InvalidOption"
)

// ValidationError rejects a request before any network I/O.
type ValidationError struct {
	Kind    ValidationKind
	Field   string
	Message string
	// Length is the measured text length for TextTooLong.
	Length int
}

func (e *ValidationError) Error() string {
	if e.Kind == TextTooLong {
		return fmt.Sprintf("%s (%d/%d characters)", e.Message, e.Length, MaxTextLength)
	}
	return e.Message
}

// Is matches another *ValidationError with the same Kind, so callers can
// write errors.Is(err, &ValidationError{Kind: EmptyText}).
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	if !ok {
		return false
	}
	return t.Kind == "" || t.Kind == e.Kind
}

// ErrorKind classifies a SynthesisError.
type ErrorKind string

const (
	// KindNetwork: the request never produced an HTTP response.
	KindNetwork ErrorKind = "network"
	// KindServer: the backend answered with a non-2xx status.
	KindServer ErrorKind = "server"
	// KindMalformed: a 2xx response could not be understood.
	KindMalformed ErrorKind = "malformed"
)

// SynthesisError is the single error type surfaced by Client.Synthesize for
// transport and backend failures.
type SynthesisError struct {
	Kind    ErrorKind
	Message string
	// HTTPStatus is 0 when no response was received.
	HTTPStatus int
	Err        error
}

func (e *SynthesisError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("tts: %s (status %d)", e.Message, e.HTTPStatus)
	}
	return "tts: " + e.Message
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// IsAuth reports a rejected or missing credential.
func (e *SynthesisError) IsAuth() bool {
	return e.HTTPStatus == http.StatusUnauthorized || e.HTTPStatus == http.StatusForbidden
}

func (e *SynthesisError) IsRateLimited() bool {
	return e.HTTPStatus == http.StatusTooManyRequests
}

func networkError(err error) *SynthesisError {
	return &SynthesisError{
		Kind:    KindNetwork,
		Message: "could not reach the synthesis service; check your connection and backend configuration",
		Err:     err,
	}
}

func malformed(format string, args ...any) *SynthesisError {
	return &SynthesisError{Kind: KindMalformed, Message: fmt.Sprintf(format, args...)}
}
