package download

import (
	"fmt"

	fetchcache "github.com/wolfeidau/fetch-cache"
)

// State is the lifecycle stage of a Record.
type State int

const (
	StateNone State = iota
	StateDownloading
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateDownloading:
		return "downloading"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is finished or failed.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// Status is the state of a Record together with its payload. A finished
// status always carries a value and a failed status always carries an error.
type Status[T any] struct {
	state State
	value T
	err   error
}

// None returns the initial status.
func None[T any]() Status[T] {
	return Status[T]{state: StateNone}
}

// Downloading returns the in-flight status.
func Downloading[T any]() Status[T] {
	return Status[T]{state: StateDownloading}
}

// Finished returns a terminal status carrying v.
func Finished[T any](v T) Status[T] {
	return Status[T]{state: StateFinished, value: v}
}

// Failed returns a terminal status carrying err. A nil err is replaced with
// a generic transport failure.
func Failed[T any](err error) Status[T] {
	if err == nil {
		err = fetchcache.ErrTransportFailure
	}
	return Status[T]{state: StateFailed, err: err}
}

func (s Status[T]) State() State { return s.state }

// Value returns the artifact and true when the status is finished.
func (s Status[T]) Value() (T, bool) {
	return s.value, s.state == StateFinished
}

// Err returns the failure cause, or nil unless the status is failed.
func (s Status[T]) Err() error { return s.err }

func (s Status[T]) Terminal() bool { return s.state.Terminal() }
