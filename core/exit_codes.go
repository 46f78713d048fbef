package core

import (
	"errors"

	"sdstage/sdruntime"
)

// Exit codes. Signal-based exits follow the 128 + signal number convention.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
	// ExitCodeUsage is returned for bad flags or an invalid request.
	ExitCodeUsage   = 2
	ExitCodeSIGINT  = 130
	ExitCodeSIGTERM = 143
)

// ExitCodeFor maps a command error to a process exit code. A cancelled
// generation exits like an interrupt.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitCodeSuccess
	case sdruntime.IsCancelled(err):
		return ExitCodeSIGINT
	case errors.Is(err, sdruntime.ErrInvalidArgument):
		return ExitCodeUsage
	default:
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			return ExitCodeUsage
		}
		return ExitCodeError
	}
}

// ExitCodeName returns a human-readable name for an exit code.
func ExitCodeName(code int) string {
	switch code {
	case ExitCodeSuccess:
		return "success"
	case ExitCodeError:
		return "error"
	case ExitCodeUsage:
		return "usage"
	case ExitCodeSIGINT:
		return "interrupted (SIGINT)"
	case ExitCodeSIGTERM:
		return "terminated (SIGTERM)"
	default:
		return "unknown"
	}
}
