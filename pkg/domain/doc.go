// Package domain defines the core types and capability interfaces of the interception engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. It holds:
//
// - MatchKey and its wildcard marker, identifying a targetable call site
// - Entry and BehaviorSet, the units handed over by a Loader
// - the Loader and Executor capabilities the engine is driven by
// - Invocation, the binding context passed to an Executor
// - ScriptError, the failure taxonomy every Executor reports with
//
// Loaders (pkg/loader), executors (pkg/executor/...) and the coordinator (pkg/intercept)
// implement or consume these interfaces. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
