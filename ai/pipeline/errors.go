// Package pipeline orchestrates one natural-language query end to end:
// extraction, member search, response formatting, and suggestions.
package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies request failures. Degradations that still produce a usable
// response (LLM fallback, keyword-only search) are reported inside the result
// instead of through a Kind.
type Kind string

const (
	KindInputInvalid            Kind = "input_invalid"
	KindExtractionDegraded      Kind = "extraction_degraded"
	KindProviderBusy            Kind = "provider_busy"
	KindAllProvidersUnavailable Kind = "all_providers_unavailable"
	KindEmbeddingUnavailable    Kind = "embedding_unavailable"
	KindSearchUnavailable       Kind = "search_unavailable"
	KindTimeout                 Kind = "timeout"
	KindInternal                Kind = "internal"
)

// userMessages fixes the user-visible text per kind. Internal detail stays in
// logs; raw error strings never reach users.
var userMessages = map[Kind]string{
	KindInputInvalid:            "Please send a search query between 1 and 512 characters.",
	KindExtractionDegraded:      "I had trouble understanding parts of your query, so I used a simpler interpretation.",
	KindProviderBusy:            "The assistant is busy right now, so your query was handled with a simpler interpretation.",
	KindAllProvidersUnavailable: "The assistant is unavailable right now, so your query was handled with a simpler interpretation.",
	KindEmbeddingUnavailable:    "Semantic matching is temporarily unavailable, so results may be less precise.",
	KindSearchUnavailable:       "The member directory is unreachable right now. Please try again in a moment.",
	KindTimeout:                 "The search took too long to complete. Here is what I found so far.",
	KindInternal:                "Something went wrong on our side. Please try again.",
}

// Error is a classified pipeline failure. Partial carries whatever the
// pipeline assembled before failing (at least the understanding block once
// extraction ran) so callers can return a structured failure body.
type Error struct {
	Kind    Kind
	Cause   error
	Partial *Result
}

// Sentinels for errors.Is checks on the kinds that can surface to callers.
var (
	ErrInputInvalid      = &Error{Kind: KindInputInvalid}
	ErrSearchUnavailable = &Error{Kind: KindSearchUnavailable}
	ErrTimeout           = &Error{Kind: KindTimeout}
	ErrInternal          = &Error{Kind: KindInternal}
)

// NewError classifies a failure. The cause may be nil.
func NewError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so
// errors.Is(err, &Error{Kind: KindTimeout}) works regardless of cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Kind == t.Kind
}

// UserMessage returns the fixed text shown to users for this kind.
func (e *Error) UserMessage() string {
	if msg, ok := userMessages[e.Kind]; ok {
		return msg
	}
	return userMessages[KindInternal]
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// internal by definition.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return KindInternal
}

// PartialOf extracts any best-effort partial result attached to a pipeline
// failure.
func PartialOf(err error) *Result {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Partial
	}
	return nil
}
