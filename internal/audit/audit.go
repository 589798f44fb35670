package audit

import (
	"log/slog"
)

// Logger writes structured audit events for security-relevant actions.
// All methods are nil-safe: calling any method on a nil *Logger is a no-op.
// This allows callers to skip nil checks at every call site.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a Logger that writes to the given handler.
// All audit events are written under the "audit" group for easy filtering.
func NewLogger(handler slog.Handler) *Logger {
	return &Logger{
		logger: slog.New(handler).WithGroup("audit"),
	}
}

// TrackChange logs a change to the persistent follow list.
func (a *Logger) TrackChange(action, urn, peer string) {
	if a == nil {
		return
	}
	a.logger.Info("track_change",
		"action", action,
		"urn", urn,
		"peer", peer,
	)
}

// RequestTransition logs a waiting-room state transition.
func (a *Logger) RequestTransition(urn, from, to string) {
	if a == nil {
		return
	}
	a.logger.Info("request_transition",
		"urn", urn,
		"from", from,
		"to", to,
	)
}

// KeyChange logs a supervisor key lifecycle event (unseal, seal, reset).
func (a *Logger) KeyChange(action string) {
	if a == nil {
		return
	}
	a.logger.Info("key_change",
		"action", action,
	)
}

// ControlAccess logs a request to the local control socket.
func (a *Logger) ControlAccess(method, path string, status int) {
	if a == nil {
		return
	}
	a.logger.Info("control_access",
		"method", method,
		"path", path,
		"status", status,
	)
}

// IdentityCreated logs creation of a local user or project identity.
func (a *Logger) IdentityCreated(kind, urn string) {
	if a == nil {
		return
	}
	a.logger.Info("identity_created",
		"kind", kind,
		"urn", urn,
	)
}
