package rpc

import (
	"errors"

	"github.com/cuemby/nimbus/pkg/ctlerr"
)

// classify maps an internal error onto the wire Fault taxonomy of §7,
// so a transport never leaks a Go error type across the boundary.
func classify(err error) *Fault {
	if err == nil {
		return nil
	}
	if f, ok := err.(*Fault); ok {
		return f
	}
	reason := ctlerr.Reason(err)
	switch {
	case errors.Is(err, ctlerr.NotFound):
		return &Fault{Kind: ErrorNotFound, Reason: reason, Message: err.Error()}
	case errors.Is(err, ctlerr.AlreadyExists), errors.Is(err, ctlerr.NotInactive), errors.Is(err, ctlerr.DuplicateRequest):
		return &Fault{Kind: ErrorConflict, Reason: reason, Message: err.Error()}
	case errors.Is(err, ctlerr.CapacityDenied):
		return &Fault{Kind: ErrorCapacity, Reason: reason, Message: err.Error()}
	case errors.Is(err, ctlerr.PluginFailure):
		return &Fault{Kind: ErrorPlugin, Reason: reason, Message: err.Error()}
	case errors.Is(err, ctlerr.Protocol), errors.Is(err, ctlerr.ConfigError):
		return &Fault{Kind: ErrorProtocol, Reason: reason, Message: err.Error()}
	case errors.Is(err, ctlerr.NotReady):
		return &Fault{Kind: ErrorNotReady, Reason: reason, Message: err.Error()}
	default:
		return &Fault{Kind: ErrorInternal, Reason: reason, Message: err.Error()}
	}
}
