// Package embederr defines the error taxonomy shared by every layer of the
// embedded server launcher.
//
// Every failure is an *Error carrying a Code, a message, diagnostic context
// (which artifact, port, pattern or name was involved), the underlying cause
// and, where one exists, an actionable suggestion. Callers branch on the code:
//
//	if errors.Is(err, embederr.ErrPortUnavailable) {
//	    // choose another port
//	}
package embederr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Code identifies categories of errors
type Code string

const (
	// CodeConfiguration covers malformed partition rules, an empty artifact
	// set and invalid launch settings.
	CodeConfiguration Code = "CONFIGURATION"

	// CodePortUnavailable is returned by port preflight.
	CodePortUnavailable Code = "PORT_UNAVAILABLE"

	// CodeConstruction wraps every failure to build the server inside the
	// isolation boundary.
	CodeConstruction Code = "CONSTRUCTION"

	// CodeStartTimeout means no completion signal arrived within the bound.
	CodeStartTimeout Code = "START_TIMEOUT"

	// CodeStartFailed means the server reported failure or its start call
	// returned an error before the completion signal.
	CodeStartFailed Code = "START_FAILED"

	// CodeStop means the underlying stop call failed or did not finish.
	CodeStop Code = "STOP"

	// CodeInvalidState is returned for operations not permitted in the
	// coordinator's current state.
	CodeInvalidState Code = "INVALID_STATE"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrConfiguration   = &Error{Code: CodeConfiguration}
	ErrPortUnavailable = &Error{Code: CodePortUnavailable}
	ErrConstruction    = &Error{Code: CodeConstruction}
	ErrStartTimeout    = &Error{Code: CodeStartTimeout}
	ErrStartFailed     = &Error{Code: CodeStartFailed}
	ErrStop            = &Error{Code: CodeStop}
	ErrInvalidState    = &Error{Code: CodeInvalidState}
)

// Error represents an error with additional context for troubleshooting.
type Error struct {
	// Code identifies the error type
	Code Code

	// Message is the primary error message
	Message string

	// Context provides additional details
	Context map[string]interface{}

	// Cause is the underlying error (if any)
	Cause error

	// Suggestion provides actionable guidance for resolving the error
	Suggestion string
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	msg := e.Message
	if msg == "" {
		msg = strings.ToLower(strings.ReplaceAll(string(e.Code), "_", " "))
	}
	parts = append(parts, fmt.Sprintf("[%s] %s", e.Code, msg))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("Context: %s", strings.Join(contextParts, ", ")))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	if e.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("Suggestion: %s", e.Suggestion))
	}

	return strings.Join(parts, "; ")
}

// Unwrap returns the underlying error for errors.Is/As compatibility
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel for this error's code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// New creates a new Error with the given code and message
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]interface{}),
	}
}

// WithContext adds context information to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause to the error
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSuggestion adds an actionable suggestion to the error
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// HasCode checks if err, or any error it wraps, has the specified code
func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common constructors

// Configuration creates a configuration error.
func Configuration(format string, args ...interface{}) *Error {
	return New(CodeConfiguration, fmt.Sprintf(format, args...))
}

// EmptyArtifactSet is returned when isolation is requested with nothing to isolate.
func EmptyArtifactSet() *Error {
	return New(CodeConfiguration, "No artifacts supplied for the isolation boundary").
		WithSuggestion("Resolve the server's artifacts before starting it; " +
			"an empty list is not treated as 'use host resolution for everything'")
}

// MalformedPattern is returned for a shared or blocked pattern that cannot be compiled.
func MalformedPattern(pattern, reason string) *Error {
	return New(CodeConfiguration, fmt.Sprintf("Malformed name pattern %q", pattern)).
		WithContext("pattern", pattern).
		WithContext("reason", reason).
		WithSuggestion("Use an exact name (a.b.C), a wildcard suffix (a.b.*) or the catch-all *")
}

// PortUnavailable is returned when preflight finds a port already bound.
func PortUnavailable(port int) *Error {
	return New(CodePortUnavailable,
		fmt.Sprintf("Port %d is not available and thus the server will not be able to start", port)).
		WithContext("port", port).
		WithSuggestion(fmt.Sprintf(
			"Find the process holding the port:\n"+
				"  lsof -i :%d\n"+
				"or configure a different port", port))
}

// Construction wraps a failure to build the server inside the boundary.
func Construction(implementation, detail string, cause error) *Error {
	return New(CodeConstruction,
		fmt.Sprintf("Failed to construct server %q: %s", implementation, detail)).
		WithContext("implementation", implementation).
		WithCause(cause)
}

// StartTimeout is returned when no completion signal arrives in time.
func StartTimeout(implementation string, timeout time.Duration) *Error {
	return New(CodeStartTimeout,
		fmt.Sprintf("Server failed to start after %s", timeout)).
		WithContext("implementation", implementation).
		WithContext("timeout", timeout).
		WithSuggestion("The server may still be starting in the background; " +
			"call Stop to shut it down, or raise the start timeout")
}

// StartFailed is returned when the server reports failure during startup.
func StartFailed(implementation string, cause error) *Error {
	return New(CodeStartFailed,
		fmt.Sprintf("Server %q failed during startup", implementation)).
		WithContext("implementation", implementation).
		WithCause(cause)
}

// Stop wraps a failing stop call.
func Stop(implementation string, cause error) *Error {
	return New(CodeStop,
		fmt.Sprintf("Failed to stop server %q", implementation)).
		WithContext("implementation", implementation).
		WithCause(cause)
}

// InvalidState is returned for an operation the current state forbids.
func InvalidState(operation, state string) *Error {
	return New(CodeInvalidState,
		fmt.Sprintf("Cannot %s while %s", operation, state)).
		WithContext("operation", operation).
		WithContext("state", state).
		WithSuggestion("Each coordinator runs one server once; create a new coordinator to start again")
}
