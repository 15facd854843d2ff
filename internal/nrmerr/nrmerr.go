// Package nrmerr defines the error kinds surfaced by the daemon control
// plane, per the error handling design in spec.md §7.
package nrmerr

import "fmt"

// Kind classifies a control-plane error so handlers can decide whether to
// log-and-drop, reply with an errno, or skip a tick.
type Kind string

const (
	SchemaViolation        Kind = "schema_violation"
	UnknownMessageType     Kind = "unknown_message_type"
	UnknownContainer       Kind = "unknown_container"
	UnknownApplication     Kind = "unknown_application"
	ManifestInvalid        Kind = "manifest_invalid"
	ResourceExhausted      Kind = "resource_exhausted"
	RuntimeFailure         Kind = "runtime_failure"
	SensorMalformed        Kind = "sensor_malformed"
	PolicyPreconditionUnmet Kind = "policy_precondition_unmet"
)

// Error wraps a Kind with the underlying cause and optional context.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind, operation label, and cause.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
