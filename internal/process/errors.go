package process

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrInitialization is returned when a daemon could not be spawned or
	// failed its handshake. Such a processor is never pooled.
	ErrInitialization = errors.New("ebd initialization failed")
	// ErrTimeout is returned when a bounded wait exceeded its deadline.
	ErrTimeout = errors.New("ebd timed out")
	// ErrBrokenPipe is returned when writing to a daemon whose read end is gone.
	ErrBrokenPipe = errors.New("ebd pipe broken")
	// ErrInterrupted is returned after the daemon reported a keyboard interrupt.
	ErrInterrupted = errors.New("ebd interrupted")
	// ErrDaemonTerminated is returned when the daemon asked the controller to exit.
	ErrDaemonTerminated = errors.New("ebd requested termination")
	// ErrProcessorDead is returned for I/O on a processor that has exited.
	ErrProcessorDead = errors.New("ebd processor is dead")
)

// UnhandledCommandError reports a daemon command nobody handles.
// The two sides have desynchronized; the processor should not be reused.
type UnhandledCommandError struct {
	Line string
}

func (e *UnhandledCommandError) Error() string {
	return fmt.Sprintf("unhandled command, %s", e.Line)
}

// InternalError reports a command whose payload had an unexpected shape.
type InternalError struct {
	Line string
	Msg  string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: line=%q, msg=%q", e.Line, e.Msg)
}

// EnvKeyError reports a variable name bash cannot assign.
type EnvKeyError struct {
	Key string
}

func (e *EnvKeyError) Error() string {
	return fmt.Sprintf("%s: bash doesn't allow a non-letter as the first char", e.Key)
}

// EnvValueError reports a value that is neither a string nor a string list.
type EnvValueError struct {
	Key   string
	Value any
}

func (e *EnvValueError) Error() string {
	return fmt.Sprintf("unsupported env value; key=%s, type=%T", e.Key, e.Value)
}

// stopError ends a GenericHandler loop with a final value.
type stopError struct {
	val bool
}

func (e *stopError) Error() string {
	return fmt.Sprintf("finished processing with val, %t", e.val)
}

// Stop returns the error a Handler uses to end the receive loop with val.
func Stop(val bool) error {
	return &stopError{val: val}
}

// stopValue reports whether err is a stop signal and its value.
func stopValue(err error) (bool, bool) {
	var s *stopError
	if errors.As(err, &s) {
		return s.val, true
	}
	return false, false
}
