package intercept

import (
	"errors"
	"fmt"

	"github.com/polisai/polis-intercept/pkg/domain"
)

// ErrExecution matches every ExecutionError through errors.Is.
var ErrExecution = errors.New("behavior execution failed")

// ExecutionError is the translated failure of an executed behavior. Err is the original
// fault, so errors.Is and errors.As still find the value the body raised.
type ExecutionError struct {
	Key    domain.MatchKey
	Phase  domain.Phase
	Engine string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("behavior %s: %s failure: %v", e.Key, e.Phase, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is matches ErrExecution.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}

// IsCompileFailure reports whether err is a behavior that failed to parse or bind.
func IsCompileFailure(err error) bool {
	var xerr *ExecutionError
	return errors.As(err, &xerr) && xerr.Phase == domain.PhaseCompile
}

// IsRuntimeFailure reports whether err is a fault raised by a running behavior.
func IsRuntimeFailure(err error) bool {
	var xerr *ExecutionError
	return errors.As(err, &xerr) && xerr.Phase == domain.PhaseRuntime
}

func translate(key domain.MatchKey, err error) *ExecutionError {
	se := domain.AsScriptError(err)
	return &ExecutionError{Key: key, Phase: se.Phase, Engine: se.Engine, Err: se.Err}
}
