// Package hooks is the observer side: it mirrors a remote live object into
// local state, and polls remote operations.
package hooks

import "fmt"

// State is what an observer knows about a live object: nothing yet, or the
// latest value the owner sent.
type State[T any] struct {
	loaded bool
	value  T
}

// Loading is the state before the first value arrives.
func Loading[T any]() State[T] {
	return State[T]{}
}

// Data is the state holding value.
func Data[T any](value T) State[T] {
	return State[T]{loaded: true, value: value}
}

func (s State[T]) IsLoading() bool { return !s.loaded }
func (s State[T]) IsData() bool    { return s.loaded }

// Get returns the value and whether there is one.
func (s State[T]) Get() (T, bool) {
	return s.value, s.loaded
}

// Unwrap returns the value. It panics while loading.
func (s State[T]) Unwrap() T {
	if !s.loaded {
		panic("hooks: Unwrap called on a loading state")
	}
	return s.value
}

func (s State[T]) String() string {
	if !s.loaded {
		return "Loading"
	}
	return fmt.Sprintf("Data(%v)", s.value)
}

type commandKind int

const (
	commandLoading commandKind = iota
	commandData
	commandError
)

// CommandState is the latest outcome of a polled operation.
type CommandState[R any] struct {
	kind  commandKind
	value R
	err   error
}

// CommandLoading is the state before the first outcome.
func CommandLoading[R any]() CommandState[R] {
	return CommandState[R]{}
}

// CommandData is a successful outcome.
func CommandData[R any](value R) CommandState[R] {
	return CommandState[R]{kind: commandData, value: value}
}

// CommandError is a failed outcome.
func CommandError[R any](err error) CommandState[R] {
	return CommandState[R]{kind: commandError, err: err}
}

func (s CommandState[R]) IsLoading() bool { return s.kind == commandLoading }
func (s CommandState[R]) IsData() bool    { return s.kind == commandData }
func (s CommandState[R]) IsError() bool   { return s.kind == commandError }

// Err returns the failure, or nil unless IsError.
func (s CommandState[R]) Err() error {
	return s.err
}

// Get returns the value and whether the last outcome was a success.
func (s CommandState[R]) Get() (R, bool) {
	return s.value, s.kind == commandData
}

// Unwrap returns the value. It panics unless IsData.
func (s CommandState[R]) Unwrap() R {
	switch s.kind {
	case commandData:
		return s.value
	case commandError:
		panic(fmt.Sprintf("hooks: Unwrap called on an error state: %v", s.err))
	default:
		panic("hooks: Unwrap called on a loading state")
	}
}

func (s CommandState[R]) String() string {
	switch s.kind {
	case commandData:
		return fmt.Sprintf("Data(%v)", s.value)
	case commandError:
		return fmt.Sprintf("Error(%v)", s.err)
	default:
		return "Loading"
	}
}
