package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrSyntax          = errors.New("behavior syntax error")
	ErrUnknownEngine   = errors.New("unknown behavior engine")
	ErrUnknownFunction = errors.New("unknown behavior function")
	ErrUnboundName     = errors.New("unbound name")
	ErrBehaviorFault   = errors.New("behavior raised a fault")
	ErrInvalidKey      = errors.New("invalid match key")
)

// Phase tells where an executed body failed.
type Phase string

const (
	// PhaseCompile covers parsing, compilation and binding failures.
	PhaseCompile Phase = "compile"
	// PhaseRuntime covers faults raised while the body was running.
	PhaseRuntime Phase = "runtime"
)

// ScriptError is the failure every Executor reports with.
type ScriptError struct {
	Phase  Phase
	Engine string
	Err    error
}

// CompileError marks err as a syntax or binding failure.
func CompileError(engine string, err error) *ScriptError {
	return &ScriptError{Phase: PhaseCompile, Engine: engine, Err: err}
}

// RuntimeFault marks err as a fault raised by the body itself.
func RuntimeFault(engine string, err error) *ScriptError {
	return &ScriptError{Phase: PhaseRuntime, Engine: engine, Err: err}
}

func (e *ScriptError) Error() string {
	if e.Engine == "" {
		return fmt.Sprintf("%s error: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s %s error: %v", e.Engine, e.Phase, e.Err)
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// AsScriptError classifies any executor error. Errors that are not ScriptErrors are runtime
// faults.
func AsScriptError(err error) *ScriptError {
	if err == nil {
		return nil
	}
	var se *ScriptError
	if errors.As(err, &se) {
		return se
	}
	return RuntimeFault("", err)
}
