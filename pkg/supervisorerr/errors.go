// Package supervisorerr defines the typed error surface that every backend
// and client wrapper in this module normalizes to, so the reconciliation
// engine has a single failure mode to reason about per call.
package supervisorerr

import "fmt"

// Code identifies the semantic error class surfaced across the supervisor.
type Code string

const (
	CodeConfiguration      Code = "CONFIGURATION"
	CodeWrongConfiguration Code = "WRONG_CONFIGURATION"
	CodeNotImplemented     Code = "NOT_IMPLEMENTED"
	CodeInstallPlugins     Code = "INSTALL_PLUGINS"
	CodeDeletePlugins      Code = "DELETE_PLUGINS"
	CodeResourceExhausted  Code = "RESOURCE_EXHAUSTED"
)

// Error is the single error type returned across package boundaries inside
// the supervisor. Backend-specific errors (Docker SDK, k8s apierrors) are
// wrapped into one of these before they leave the backend package.
type Error struct {
	Code    Code
	Key     string
	Plugins []string
	Cause   error
}

func (e *Error) Error() string {
	switch e.Code {
	case CodeInstallPlugins:
		return fmt.Sprintf("install plugin failed: %v", e.Plugins)
	case CodeDeletePlugins:
		return fmt.Sprintf("delete plugin failed excluding: %v", e.Plugins)
	case CodeResourceExhausted:
		return fmt.Sprintf("resource exhausted: %s", e.Key)
	default:
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Code, e.Key, e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Code, e.Key)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, supervisorerr.ErrConfiguration) style comparisons
// work on Code alone, ignoring Key/Cause/Plugins.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func Configuration(key string, cause error) error {
	return &Error{Code: CodeConfiguration, Key: key, Cause: cause}
}

func WrongConfiguration(key string) error {
	return &Error{Code: CodeWrongConfiguration, Key: key}
}

func NotImplemented(name string) error {
	return &Error{Code: CodeNotImplemented, Key: name}
}

func InstallPlugins(plugins []string, cause error) error {
	return &Error{Code: CodeInstallPlugins, Plugins: plugins, Cause: cause}
}

func DeletePlugins(plugins []string, cause error) error {
	return &Error{Code: CodeDeletePlugins, Plugins: plugins, Cause: cause}
}

func ResourceExhausted(key string) error {
	return &Error{Code: CodeResourceExhausted, Key: key}
}

// Sentinel instances usable with errors.Is for code-only matching.
var (
	ErrConfiguration      = &Error{Code: CodeConfiguration}
	ErrWrongConfiguration = &Error{Code: CodeWrongConfiguration}
	ErrNotImplemented     = &Error{Code: CodeNotImplemented}
	ErrInstallPlugins     = &Error{Code: CodeInstallPlugins}
	ErrDeletePlugins      = &Error{Code: CodeDeletePlugins}
	ErrResourceExhausted  = &Error{Code: CodeResourceExhausted}
)
