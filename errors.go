package fetchcache

import (
	"errors"
	"fmt"
)

// Error kinds delivered to consumers. Match them with errors.Is.
var (
	// ErrInvalidIdentifier means the request could not be turned into a
	// fetchable key.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrTransportFailure means the fetch failed or returned a non-success
	// status.
	ErrTransportFailure = errors.New("transport failure")
	// ErrDecodeFailure means the fetched body could not be decoded.
	ErrDecodeFailure = errors.New("decode failure")
	// ErrNotCached means the policy forbade a fetch and no usable persisted
	// response existed.
	ErrNotCached = errors.New("not cached")
)

// Error is the error value delivered to every consumer of a failed key.
type Error struct {
	// Kind is one of the Err* sentinels of this package.
	Kind error
	URL  string
	Err  error
}

// NewError builds an *Error of the given kind.
func NewError(kind error, url string, cause error) *Error {
	return &Error{Kind: kind, URL: url, Err: cause}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.URL)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.URL, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the error kind carried by err, or nil when err is not one of
// this package's kinds.
func KindOf(err error) error {
	for _, kind := range []error{ErrInvalidIdentifier, ErrTransportFailure, ErrDecodeFailure, ErrNotCached} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
