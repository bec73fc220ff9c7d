package cli

import (
	"fmt"

	"github.com/petal-labs/petalstream/core"
)

// Process exit codes.
const (
	exitSuccess  = 0
	exitConfig   = 1
	exitRuntime  = 2
	exitInput    = 4
	exitProvider = 5
	exitBackend  = 6
	exitTimeout  = 10
	exitCanceled = 130
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// exitCodeForKind maps a terminal session error kind to an exit code.
func exitCodeForKind(kind core.ErrorKind) int {
	switch kind {
	case "":
		return exitSuccess
	case core.KindClientCancelled:
		return exitCanceled
	case core.KindProviderTimeout:
		return exitTimeout
	case core.KindTransport, core.KindProvider, core.KindNoToolsAvailable, core.KindInvocation:
		return exitProvider
	case core.KindBackend:
		return exitBackend
	default:
		return exitRuntime
	}
}
