// Package ctlerr defines the error taxonomy shared across Nimbus's core
// components. Errors are distinguished by sentinel wrapping
// (fmt.Errorf("...: %w", ctlerr.NotFound)) rather than by concrete type, so
// callers use errors.Is to classify a failure without caring which
// component produced it.
package ctlerr

import "errors"

var (
	// NotFound indicates a referenced entity (node, group, server, user) is
	// missing at the moment of the action.
	NotFound = errors.New("not found")

	// AlreadyExists indicates a create collided with an existing name.
	AlreadyExists = errors.New("already exists")

	// NotInactive indicates a delete was attempted on an entity that must
	// first be deactivated.
	NotInactive = errors.New("not inactive")

	// DuplicateRequest indicates an in-flight request for the same subject
	// was dropped as a duplicate.
	DuplicateRequest = errors.New("duplicate request")

	// CapacityDenied indicates a node rejected an allocation due to
	// memory, max-servers, or port exhaustion.
	CapacityDenied = errors.New("capacity denied")

	// PluginFailure indicates a plugin call returned an error or exceeded
	// its epoch bound. Non-fatal to the controller.
	PluginFailure = errors.New("plugin failure")

	// Protocol indicates malformed or missing RPC input.
	Protocol = errors.New("protocol error")

	// Internal indicates an unexpected invariant violation.
	Internal = errors.New("internal error")

	// ConfigError indicates a malformed persisted entity; the component is
	// skipped rather than the whole controller failing to start.
	ConfigError = errors.New("config error")

	// NotReady indicates the Task Dispatcher rejected a task because the
	// controller has not finished starting, or shutdown has begun.
	NotReady = errors.New("dispatcher not ready")
)

// Conflict wraps err with a short operator-facing reason, producing an
// error classified as Conflict via errors.Is(err, ctlerr.AlreadyExists) or
// errors.Is(err, ctlerr.NotInactive) depending on which sentinel is passed.
func Conflict(sentinel error, reason string) error {
	return &reasoned{sentinel: sentinel, reason: reason}
}

type reasoned struct {
	sentinel error
	reason   string
}

func (r *reasoned) Error() string {
	if r.reason == "" {
		return r.sentinel.Error()
	}
	return r.sentinel.Error() + ": " + r.reason
}

func (r *reasoned) Unwrap() error {
	return r.sentinel
}

// Reason returns the human-readable detail attached by Conflict, or "" if
// err was not constructed by Conflict.
func Reason(err error) string {
	var r *reasoned
	if errors.As(err, &r) {
		return r.reason
	}
	return ""
}
