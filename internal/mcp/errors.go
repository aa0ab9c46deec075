package mcp

import (
	"errors"
	"fmt"

	"github.com/HyphaGroup/vigil/internal/control"
	"github.com/HyphaGroup/vigil/internal/execution"
	"github.com/HyphaGroup/vigil/internal/history"
	"github.com/HyphaGroup/vigil/internal/logger"
	"github.com/HyphaGroup/vigil/internal/relay"
	"github.com/HyphaGroup/vigil/internal/screencast"
)

// userFacing lists errors whose message is safe to return to a client as is
var userFacing = []error{
	execution.ErrInvalidRequest,
	execution.ErrTooManyRuns,
	execution.ErrUnknownDriver,
	execution.ErrNotFound,
	control.ErrAlreadyRegistered,
	control.ErrNotRegistered,
	screencast.ErrStreamUnavailable,
	history.ErrRunNotFound,
	relay.ErrUnknownCommand,
}

// SanitizeError returns a client-safe error message.
// Internal details are logged but not exposed to clients.
func SanitizeError(err error, operation string) error {
	if err == nil {
		return nil
	}
	for _, target := range userFacing {
		if errors.Is(err, target) {
			return err
		}
	}
	var invalid *paramError
	if errors.As(err, &invalid) {
		return err
	}

	logger.Error("%s failed: %v", operation, err)
	return fmt.Errorf("%s failed: internal error", operation)
}

// paramError reports a missing or malformed tool parameter
type paramError struct {
	msg string
}

func (e *paramError) Error() string {
	return e.msg
}

func invalidParam(format string, args ...any) error {
	return &paramError{msg: fmt.Sprintf(format, args...)}
}
