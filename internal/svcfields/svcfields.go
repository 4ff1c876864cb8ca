package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithWindow tags entries with the local window id and, when known, the account.
func WithWindow(logger pslog.Logger, windowID, accountID string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	keyvals := []any{"window_id", windowID}
	if accountID != "" {
		keyvals = append(keyvals, "account_id", accountID)
	}
	return logger.With(keyvals...)
}
