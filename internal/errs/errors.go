// Package errs defines the single structured error type returned from every
// fallible public operation in the engine, plus the error-kind taxonomy used
// to classify them for recovery.
package errs

import (
	"fmt"
	"time"
)

// Kind enumerates the recognized error classifications.
type Kind string

const (
	KindPermissionDenied    Kind = "PermissionDenied"
	KindServicesDisabled    Kind = "ServicesDisabled"
	KindLocationTimeout     Kind = "LocationTimeout"
	KindNetworkError        Kind = "NetworkError"
	KindServiceDisconnected Kind = "ServiceDisconnected"
	KindConfigError         Kind = "ConfigError"
	KindGeofenceError       Kind = "GeofenceError"
	KindTripError           Kind = "TripError"
	KindPlatformError       Kind = "PlatformError"
	KindInitializationError Kind = "InitializationError"
	KindAuthorizationChanged Kind = "AuthorizationChanged"
	KindUnknown             Kind = "Unknown"
)

// Posture is the handling class a Kind belongs to: user-actionable,
// transient, structural, or soft.
type Posture string

const (
	PostureUserActionable Posture = "user_actionable"
	PostureTransient      Posture = "transient"
	PostureStructural     Posture = "structural"
	PostureSoft           Posture = "soft"
)

// postureByKind is the fixed mapping from error kind to handling posture.
var postureByKind = map[Kind]Posture{
	KindPermissionDenied:     PostureUserActionable,
	KindServicesDisabled:     PostureUserActionable,
	KindAuthorizationChanged: PostureUserActionable,
	KindLocationTimeout:      PostureTransient,
	KindNetworkError:         PostureTransient,
	KindServiceDisconnected:  PostureTransient,
	KindConfigError:          PostureStructural,
	KindInitializationError:  PostureStructural,
	KindTripError:            PostureSoft,
	KindGeofenceError:        PostureSoft,
	KindPlatformError:        PostureTransient,
	KindUnknown:              PostureSoft,
}

// PostureOf returns the handling posture for a Kind, defaulting to
// PostureSoft for anything unrecognized rather than panicking.
func PostureOf(k Kind) Posture {
	if p, ok := postureByKind[k]; ok {
		return p
	}
	return PostureSoft
}

// EngineError is the single structured error type returned from every
// fallible public operation. It wraps an optional underlying cause and
// carries an advisory recovery suggestion for the caller.
type EngineError struct {
	Kind               Kind
	Message            string
	SuggestedRecovery  string
	Details            map[string]string
	Timestamp          time.Time
	Cause              error
}

// New builds an EngineError with the current time as its timestamp.
func New(kind Kind, message string) *EngineError {
	return &EngineError{Kind: kind, Message: message, Timestamp: time.Now().UTC()}
}

// Wrap builds an EngineError around an existing error, preserving it as the
// unwrap target so callers can still errors.Is/As through to the cause.
func Wrap(kind Kind, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Cause: cause, Timestamp: time.Now().UTC()}
}

// WithRecovery attaches an advisory recovery suggestion and returns the
// receiver for chaining.
func (e *EngineError) WithRecovery(suggestion string) *EngineError {
	e.SuggestedRecovery = suggestion
	return e
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *EngineError) Unwrap() error { return e.Cause }

// Posture returns the handling posture for this error's kind.
func (e *EngineError) Posture() Posture { return PostureOf(e.Kind) }
