package gateway

import (
	"errors"
	"fmt"
)

// Kind classifies provider failures so downstream stages can react without
// string-matching error text: fallback models on rate limits, fail-safe
// routing on anything else.
type Kind string

const (
	KindRateLimited     Kind = "rate_limited"
	KindInvalidResponse Kind = "invalid_response"
	KindTransport       Kind = "transport"
	KindAuth            Kind = "auth"
)

// Error is a classified provider failure.
type Error struct {
	Kind     Kind
	Provider string
	Model    string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Provider, e.Model, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, provider, model string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Model: model, Err: err}
}

// KindOf extracts the failure kind from an error chain. Unclassified errors
// report as transport failures.
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindTransport
}

// IsRateLimited reports whether the error chain contains a rate limit.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}
